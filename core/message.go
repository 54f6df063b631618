package core

import (
	"time"

	"github.com/google/uuid"
)

// Kind categorizes a message as a request for work or a produced answer.
type Kind string

const (
	// KindRequest marks an inbound message that expects a response.
	KindRequest Kind = "request"
	// KindResponse marks a message produced in answer to a request.
	KindResponse Kind = "response"
)

// Message is the unit of communication on the bus. After construction it is
// treated as immutable: it is delivered by value to every current subscriber
// of its recipient topic and is never mutated afterwards.
type Message struct {
	ID        string      `json:"id"`
	Sender    Participant `json:"sender"`
	Recipient Participant `json:"recipient"`
	Content   string      `json:"content"`
	Kind      Kind        `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewMessage constructs a message with a fresh unique ID and UTC timestamp.
func NewMessage(sender, recipient Participant, content string, kind Kind) Message {
	return Message{
		ID:        NewID(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

// NewID generates a unique identifier usable for messages and runs.
func NewID() string { return uuid.NewString() }
