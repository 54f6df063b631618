package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParticipantValidity(t *testing.T) {
	valid := []Participant{
		ParticipantUser, ParticipantSystem, ParticipantMagi,
		ParticipantMelchior, ParticipantBalthasar, ParticipantCaspar,
	}
	for _, p := range valid {
		assert.True(t, p.Valid(), "%s should be valid", p)
	}

	assert.False(t, Participant("ghost").Valid())
	assert.False(t, Participant("").Valid())
}

func TestAgentsCanonicalOrder(t *testing.T) {
	agents := Agents()
	assert.Equal(t, []Participant{ParticipantMelchior, ParticipantBalthasar, ParticipantCaspar}, agents)

	for _, a := range agents {
		assert.True(t, a.IsAgent())
	}
	assert.False(t, ParticipantMagi.IsAgent())
	assert.False(t, ParticipantUser.IsAgent())
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(ParticipantUser, ParticipantMagi, "hello", KindRequest)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, ParticipantUser, msg.Sender)
	assert.Equal(t, ParticipantMagi, msg.Recipient)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, KindRequest, msg.Kind)
	assert.False(t, msg.CreatedAt.IsZero())

	other := NewMessage(ParticipantUser, ParticipantMagi, "hello", KindRequest)
	assert.NotEqual(t, msg.ID, other.ID)
}
