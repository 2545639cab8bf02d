// Package domain contains core concepts of the chat system.
// This file defines Message events and related rules.
// Messages are immutable once published.
package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessagePost  MessageType = "post"
	MessageJoin  MessageType = "join"
	MessageLeave MessageType = "leave"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessagePost, MessageJoin, MessageLeave:
		return true
	}
	return false
}

// Message is the envelope published on a room channel and appended to its archive.
// A nil From marks a system message; an empty To is a broadcast.
type Message struct {
	ID   uuid.UUID   `json:"id"`
	Type MessageType `json:"type"`
	From *UserID     `json:"from,omitempty"`
	To   []UserID    `json:"to,omitempty"`
	Body string      `json:"body"`
	At   time.Time   `json:"at"`
}

func NewPost(from UserID, body string) Message {
	return Message{Type: MessagePost, From: &from, Body: body}
}

func NewSystemPost(body string) Message {
	return Message{Type: MessagePost, Body: body}
}

func NewJoin(from UserID) Message {
	return Message{Type: MessageJoin, From: &from, Body: "joined the room"}
}

func NewLeave(from UserID) Message {
	return Message{Type: MessageLeave, From: &from, Body: "left the room"}
}

// IsAddressedTo reports whether a member with the given id should receive the message.
func (m Message) IsAddressedTo(id UserID) bool {
	return len(m.To) == 0 || slices.Contains(m.To, id)
}

// IsFrom reports whether the message was sent by id.
func (m Message) IsFrom(id UserID) bool {
	return m.From != nil && *m.From == id
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage rejects payloads that are not JSON or carry an unknown type.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, err
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}
