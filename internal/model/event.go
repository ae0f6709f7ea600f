package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates inbound event payloads that share a channel.
type EventKind string

const (
	EventMessage      EventKind = "MESSAGE"
	EventStatusUpdate EventKind = "STATUS_UPDATE"
	EventPinUpdate    EventKind = "PIN_UPDATE"
	EventUnpinUpdate  EventKind = "UNPIN_UPDATE"
)

// Event is any inbound payload the reconciliation engine can consume.
type Event interface {
	EventKind() EventKind
}

// MessageEvent is a message-shaped inbound payload: a new message, a
// self-originated acknowledgment or broadcast echo, an edit, or a delete.
// ClientID correlates an acknowledgment with the optimistic placeholder it
// confirms; it is absent on broadcast echoes.
type MessageEvent struct {
	Kind      EventKind   `json:"kind,omitempty"`
	ServerID  int64       `json:"message_id"`
	ClientID  string      `json:"client_id,omitempty"`
	Sender    string      `json:"sender"`
	Receiver  string      `json:"receiver,omitempty"`
	GroupID   string      `json:"group_id,omitempty"`
	Content   string      `json:"content"`
	Type      MessageKind `json:"type,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	IsEdited  bool        `json:"is_edited,omitempty"`
	IsDeleted bool        `json:"is_deleted,omitempty"`
	Forwarded bool        `json:"forwarded,omitempty"`
	ReplyTo   *ReplyRef   `json:"reply_to,omitempty"`
}

func (e *MessageEvent) EventKind() EventKind { return EventMessage }

// ConversationID derives the owning conversation: the explicit group id if
// present, otherwise the counterpart is "the other side" of a private chat.
func (e *MessageEvent) ConversationID(currentUser string) string {
	if e.GroupID != "" {
		return e.GroupID
	}
	if e.Sender == currentUser {
		return e.Receiver
	}
	return e.Sender
}

// Message converts the event into a confirmed store entry.
func (e *MessageEvent) Message(currentUser string) *Message {
	kind := e.Type
	if kind == "" {
		kind = KindText
	}
	if e.IsDeleted {
		kind = KindDeleted
	}
	return &Message{
		ID:             e.ClientID,
		ServerID:       e.ServerID,
		ConversationID: e.ConversationID(currentUser),
		Sender:         e.Sender,
		Content:        e.Content,
		Kind:           kind,
		Timestamp:      e.Timestamp.UTC(),
		DeliveryState:  DeliverySent,
		Edited:         e.IsEdited,
		Forwarded:      e.Forwarded,
		ReplyTo:        e.ReplyTo,
	}
}

// StatusUpdateEvent batches delivery-state upgrades for messages in one
// conversation.
type StatusUpdateEvent struct {
	Kind           EventKind     `json:"kind"`
	Status         DeliveryState `json:"status"`
	ConversationID string        `json:"conversation_id"`
	MessageIDs     []int64       `json:"message_ids"`
}

func (e *StatusUpdateEvent) EventKind() EventKind { return EventStatusUpdate }

// PinUpdateEvent pins or unpins a message in a conversation. Message is nil
// on unpin.
type PinUpdateEvent struct {
	Kind     EventKind     `json:"kind"`
	GroupID  string        `json:"group_id,omitempty"`
	Sender   string        `json:"sender,omitempty"`
	Receiver string        `json:"receiver,omitempty"`
	Message  *MessageEvent `json:"message,omitempty"`
}

func (e *PinUpdateEvent) EventKind() EventKind { return e.Kind }

// ConversationID derives the owning conversation the same way a message
// event does.
func (e *PinUpdateEvent) ConversationID(currentUser string) string {
	if e.GroupID != "" {
		return e.GroupID
	}
	if e.Sender == currentUser {
		return e.Receiver
	}
	return e.Sender
}

// TypingEvent signals typing start/stop from a participant.
type TypingEvent struct {
	SenderID string `json:"sender_id"`
	Typing   bool   `json:"typing"`
	GroupID  string `json:"group_id,omitempty"`
}

// PresenceEvent signals a counterpart going online or offline.
type PresenceEvent struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// DecodeEvent parses an inbound payload from a shared channel, using the
// "kind" discriminator when present and falling back to a message shape.
func DecodeEvent(data []byte) (Event, error) {
	var probe struct {
		Kind EventKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	switch probe.Kind {
	case EventStatusUpdate:
		var ev StatusUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode status update: %w", err)
		}
		return &ev, nil
	case EventPinUpdate, EventUnpinUpdate:
		var ev PinUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode pin update: %w", err)
		}
		return &ev, nil
	default:
		var ev MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode message event: %w", err)
		}
		return &ev, nil
	}
}
