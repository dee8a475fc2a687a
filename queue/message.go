// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IDLength is the length of a generated message ID.
const IDLength = 7

// AckState tells whether a consumer confirmed processing of a message.
type AckState uint8

const (
	Unacknowledged AckState = iota
	Acknowledged
)

// Message is a payload queued on a channel.
type Message struct {
	Channel     string          `json:"channel"`
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
	MessageID   string          `json:"messageID"`
	EnqueueTime int64           `json:"enqueueTime"` // unix millis
	AckState    AckState        `json:"-"`

	dequeuedAt time.Time
}

// NewMessage creates an unassigned message for channel.
func NewMessage(channel, messageType string, payload json.RawMessage) *Message {
	return &Message{
		Channel:     channel,
		MessageType: messageType,
		Payload:     payload,
	}
}

// Enqueued returns the enqueue time as a time.Time.
func (m *Message) Enqueued() time.Time {
	return time.UnixMilli(m.EnqueueTime)
}

// Clone returns a copy that does not share the payload buffer.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &c
}

func newMessageID() string {
	return uuid.New().String()[:IDLength]
}
