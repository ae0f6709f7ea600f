// Package summary derives per-conversation previews, last-activity
// timestamps, and unread counters from message store mutations.
//
// The index is refreshed synchronously alongside every store mutation that
// touches a conversation's tail; it is never recomputed by polling.
package summary

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/teamly-hr/chatstream/internal/model"
)

const previewMaxRunes = 80

const deletedPreview = "This message was deleted"

// Index maintains conversation summaries and the open-conversation state
// that gates unread counting.
type Index struct {
	mu          sync.RWMutex
	convs       map[string]*model.Conversation
	currentUser string
	openID      string
}

// New creates an index for the given session user.
func New(currentUser string) *Index {
	return &Index{
		convs:       make(map[string]*model.Conversation),
		currentUser: currentUser,
	}
}

// Upsert registers or updates a conversation. Derived fields of an existing
// entry (preview, unread) are preserved.
func (x *Index) Upsert(conv model.Conversation) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.convs[conv.ID]; ok {
		existing.DisplayName = conv.DisplayName
		existing.MemberCount = conv.MemberCount
		existing.Counterpart = conv.Counterpart
		if conv.LastMessagePreview != "" {
			existing.LastMessagePreview = conv.LastMessagePreview
			existing.LastMessageAt = conv.LastMessageAt
		}
		return
	}
	c := conv
	x.convs[conv.ID] = &c
}

// Remove drops a conversation from the index.
func (x *Index) Remove(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.convs, conversationID)
	if x.openID == conversationID {
		x.openID = ""
	}
}

// Get returns a copy of the conversation summary.
func (x *Index) Get(conversationID string) (model.Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.convs[conversationID]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// Snapshot returns all summaries ordered by last activity, newest first.
func (x *Index) Snapshot() []model.Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]model.Conversation, 0, len(x.convs))
	for _, c := range x.convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// GroupIDs returns the ids of all known group conversations. This is the
// known set the subscription registry reconciles against.
func (x *Index) GroupIDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var ids []string
	for id, c := range x.convs {
		if c.IsGroup() {
			ids = append(ids, id)
		}
	}
	return ids
}

// RefreshTail recomputes the preview and last-activity timestamp from the
// conversation's new tail. A nil tail clears both.
func (x *Index) RefreshTail(conversationID string, tail *model.Message) {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.convs[conversationID]
	if !ok {
		return
	}
	if tail == nil {
		c.LastMessagePreview = ""
		c.LastMessageAt = time.Time{}
		return
	}
	c.LastMessagePreview = Preview(tail, x.currentUser)
	c.LastMessageAt = tail.Timestamp
}

// IncrementUnread bumps the unread counter by exactly 1 unless the
// conversation is the currently open one.
func (x *Index) IncrementUnread(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if conversationID == x.openID {
		return
	}
	if c, ok := x.convs[conversationID]; ok {
		c.UnreadCount++
	}
}

// Open marks the conversation as the currently open one and resets its
// unread counter to exactly zero.
func (x *Index) Open(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.openID = conversationID
	if c, ok := x.convs[conversationID]; ok {
		c.UnreadCount = 0
	}
}

// Close clears the open state if the given conversation is the open one.
func (x *Index) Close(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.openID == conversationID {
		x.openID = ""
	}
}

// IsOpen reports whether the conversation is the currently open one.
func (x *Index) IsOpen(conversationID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.openID == conversationID
}

// OpenID returns the currently open conversation id, or empty.
func (x *Index) OpenID() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.openID
}

// SetOnline flips the online flag on every private conversation whose
// counterpart is the given user.
func (x *Index) SetOnline(userID string, online bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range x.convs {
		if !c.IsGroup() && c.Counterpart == userID {
			c.Online = online
		}
	}
}

// Preview renders the type-aware preview string for a message: media kinds
// get iconographic placeholders, text is truncated, and messages sent by
// the current user are prefixed "You:".
func Preview(msg *model.Message, currentUser string) string {
	var body string
	switch msg.Kind {
	case model.KindDeleted:
		return deletedPreview
	case model.KindImage:
		body = "\U0001F4F7 Photo"
	case model.KindAudio:
		body = "\U0001F3A4 Voice message"
	case model.KindFile:
		body = "\U0001F4CE Attachment"
	default:
		body = truncate(msg.Content, previewMaxRunes)
	}
	if msg.Sender == currentUser {
		return "You: " + body
	}
	return body
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
