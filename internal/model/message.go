package model

import (
	"time"
)

// MessageKind represents the content type of a message.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindImage   MessageKind = "image"
	KindAudio   MessageKind = "audio"
	KindFile    MessageKind = "file"
	KindDeleted MessageKind = "deleted"
)

// DeliveryState represents the client-local delivery progress of a message.
// It is never persisted remotely.
type DeliveryState string

const (
	DeliverySending   DeliveryState = "sending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliverySeen      DeliveryState = "seen"
	DeliveryFailed    DeliveryState = "failed"
)

// deliveryRank orders states for monotonic upgrades. Failed and sending sit
// below sent so a late acknowledgment can still lift them.
var deliveryRank = map[DeliveryState]int{
	DeliveryFailed:    0,
	DeliverySending:   1,
	DeliverySent:      2,
	DeliveryDelivered: 3,
	DeliverySeen:      4,
}

// Upgrade returns the higher of the two states. Delivery state only moves
// forward; a "delivered" notice must not revert a "seen" message.
func (s DeliveryState) Upgrade(to DeliveryState) DeliveryState {
	if deliveryRank[to] > deliveryRank[s] {
		return to
	}
	return s
}

// ReplyRef is a weak, informational reference to the message being replied
// to. It carries a snapshot rather than an ownership link; the original may
// have been deleted or fall outside the loaded history window.
type ReplyRef struct {
	Sender   string `json:"sender"`
	Content  string `json:"content"`
	ServerID int64  `json:"server_id,omitempty"`
}

// Message represents a single chat entry.
type Message struct {
	// Identity. ID is the client-assigned temporary id until the server
	// confirms; ServerID is the authoritative id once acknowledged.
	ID             string `json:"id"`
	ServerID       int64  `json:"server_id,omitempty"`
	ConversationID string `json:"conversation_id"`

	// Content
	Sender  string      `json:"sender"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind"`

	// Timestamp is always normalized to UTC.
	Timestamp time.Time `json:"timestamp"`

	// Client-local delivery progress.
	DeliveryState DeliveryState `json:"delivery_state"`

	// Flags
	Edited    bool `json:"edited,omitempty"`
	Pinned    bool `json:"pinned,omitempty"`
	Forwarded bool `json:"forwarded,omitempty"`

	ReplyTo *ReplyRef `json:"reply_to,omitempty"`
}

// Confirmed reports whether the message carries an authoritative server id.
func (m *Message) Confirmed() bool {
	return m.ServerID != 0
}

// Tombstone clears the message content in place, preserving its slot in the
// ordered log.
func (m *Message) Tombstone() {
	m.Kind = KindDeleted
	m.Content = ""
	m.ReplyTo = nil
}
