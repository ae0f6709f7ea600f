// Package model defines data structures for the chat stream core.
package model

import (
	"time"
)

// ConversationKind distinguishes group chats from private pairings.
type ConversationKind string

const (
	ConversationGroup   ConversationKind = "group"
	ConversationPrivate ConversationKind = "private"
)

// Conversation represents either a group or a private pairing. It is the
// unit of subscription and unread tracking.
type Conversation struct {
	ID          string           `json:"id"`
	Kind        ConversationKind `json:"kind"`
	DisplayName string           `json:"display_name"`

	// MemberCount applies to groups; Counterpart and Online apply to
	// private pairings.
	MemberCount int    `json:"member_count,omitempty"`
	Counterpart string `json:"counterpart,omitempty"`
	Online      bool   `json:"online,omitempty"`

	// Derived summary fields, maintained by the summary index.
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	LastMessageAt      time.Time `json:"last_message_at,omitempty"`
	UnreadCount        int       `json:"unread_count"`
}

// IsGroup reports whether the conversation is a group chat.
func (c *Conversation) IsGroup() bool {
	return c.Kind == ConversationGroup
}
