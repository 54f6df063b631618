package core

// Participant identifies an actor in the system. It doubles as a message
// address on the bus and as a deliberation identity. The set is closed:
// values outside the constants below are rejected by Valid.
type Participant string

const (
	// ParticipantUser is the external requester.
	ParticipantUser Participant = "user"
	// ParticipantSystem is the coordination machinery itself.
	ParticipantSystem Participant = "system"
	// ParticipantMagi is the broadcast group topic. A message addressed to it
	// is interpreted by the coordinator as "begin deliberation", not as a
	// message to any single agent.
	ParticipantMagi Participant = "magi"
	// ParticipantMelchior is the first reasoning agent.
	ParticipantMelchior Participant = "melchior"
	// ParticipantBalthasar is the second reasoning agent.
	ParticipantBalthasar Participant = "balthasar"
	// ParticipantCaspar is the third reasoning agent.
	ParticipantCaspar Participant = "caspar"
)

// Agents returns the three agent identities in canonical order.
func Agents() []Participant {
	return []Participant{ParticipantMelchior, ParticipantBalthasar, ParticipantCaspar}
}

// Valid reports whether p is a member of the closed participant set.
func (p Participant) Valid() bool {
	switch p {
	case ParticipantUser, ParticipantSystem, ParticipantMagi,
		ParticipantMelchior, ParticipantBalthasar, ParticipantCaspar:
		return true
	default:
		return false
	}
}

// IsAgent reports whether p is one of the three reasoning agents.
func (p Participant) IsAgent() bool {
	switch p {
	case ParticipantMelchior, ParticipantBalthasar, ParticipantCaspar:
		return true
	default:
		return false
	}
}

// String returns the participant identifier.
func (p Participant) String() string { return string(p) }
