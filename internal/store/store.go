// Package store holds the in-memory, per-conversation ordered message log.
//
// Each conversation keeps an append-only sequence plus id indexes for O(1)
// reconciliation lookups. History prepends only ever touch the head and
// append/reconcile only the tail or an indexed element, so the two classes
// of mutation are structurally non-conflicting.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/teamly-hr/chatstream/internal/model"
	"github.com/teamly-hr/chatstream/pkg/logger"
)

type conversationLog struct {
	entries  []*model.Message
	byServer map[int64]*model.Message
	byTemp   map[string]*model.Message

	// pinned is a singleton slot per conversation, not part of the
	// ordered log.
	pinned *model.Message
}

func newConversationLog() *conversationLog {
	return &conversationLog{
		byServer: make(map[int64]*model.Message),
		byTemp:   make(map[string]*model.Message),
	}
}

// Store is the message store for one session.
type Store struct {
	mu     sync.RWMutex
	logs   map[string]*conversationLog
	logger *logger.Logger
}

// New creates an empty store.
func New(log *logger.Logger) *Store {
	return &Store{
		logs:   make(map[string]*conversationLog),
		logger: log,
	}
}

// InitConversation ensures the per-conversation sequence exists. Callers
// must initialize a conversation before mutating it; operations on unknown
// conversations are no-ops.
func (s *Store) InitConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[conversationID]; !ok {
		s.logs[conversationID] = newConversationLog()
	}
}

// Known reports whether the conversation sequence has been initialized.
func (s *Store) Known(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logs[conversationID]
	return ok
}

// AppendOptimistic inserts a locally originated message at the tail with
// deliveryState sending. The caller guarantees a locally-unique temporary id.
func (s *Store) AppendOptimistic(conversationID string, msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		s.logger.Debug("append on unknown conversation dropped",
			zap.String("conversation_id", conversationID))
		return
	}
	msg.DeliveryState = model.DeliverySending
	cl.entries = append(cl.entries, msg)
	cl.byTemp[msg.ID] = msg
}

// AppendConfirmed inserts a server-confirmed message at the tail.
func (s *Store) AppendConfirmed(conversationID string, msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return
	}
	cl.entries = append(cl.entries, msg)
	if msg.ServerID != 0 {
		cl.byServer[msg.ServerID] = msg
	}
}

// PrependHistoryPage inserts an older page at the head. The caller
// guarantees the page is pre-sorted oldest to newest. Entries whose server
// id is already present are dropped at the merge boundary; already-present
// entries are never reordered. Returns the number of entries inserted.
func (s *Store) PrependHistoryPage(conversationID string, page []*model.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return 0
	}

	fresh := make([]*model.Message, 0, len(page))
	for _, msg := range page {
		if msg.ServerID != 0 {
			if _, dup := cl.byServer[msg.ServerID]; dup {
				continue
			}
		}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return 0
	}

	cl.entries = append(fresh, cl.entries...)
	for _, msg := range fresh {
		if msg.ServerID != 0 {
			cl.byServer[msg.ServerID] = msg
		}
	}
	return len(fresh)
}

// ReconcileTemp finds the optimistic placeholder with the given temporary id
// and patches it in place. Reports whether a match was found.
func (s *Store) ReconcileTemp(conversationID, tempID string, patch func(*model.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return false
	}
	msg, ok := cl.byTemp[tempID]
	if !ok {
		return false
	}
	s.patchLocked(cl, msg, patch)
	return true
}

// ReconcileServer finds the message with the given server id and patches it
// in place. Reports whether a match was found.
func (s *Store) ReconcileServer(conversationID string, serverID int64, patch func(*model.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return false
	}
	msg, ok := cl.byServer[serverID]
	if !ok {
		return false
	}
	s.patchLocked(cl, msg, patch)
	return true
}

// patchLocked applies a patch and keeps the id indexes consistent: a
// placeholder that gains a server id stops being reconcilable by temp id.
func (s *Store) patchLocked(cl *conversationLog, msg *model.Message, patch func(*model.Message)) {
	hadServer := msg.ServerID
	patch(msg)
	if msg.ServerID != 0 && msg.ServerID != hadServer {
		cl.byServer[msg.ServerID] = msg
		delete(cl.byTemp, msg.ID)
	}
}

// LastSendingFrom returns the most recent optimistic placeholder from the
// given sender still in the sending state, or nil. This is the broadcast
// echo match target.
func (s *Store) LastSendingFrom(conversationID, sender string) *model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	for i := len(cl.entries) - 1; i >= 0; i-- {
		m := cl.entries[i]
		if m.Sender == sender && m.DeliveryState == model.DeliverySending {
			return m
		}
	}
	return nil
}

// ConfirmEcho resolves a broadcast echo against a placeholder found by
// LastSendingFrom, re-indexing under the confirmed server id.
func (s *Store) ConfirmEcho(conversationID string, placeholder *model.Message, patch func(*model.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return
	}
	s.patchLocked(cl, placeholder, patch)
}

// HasServerID reports whether a message with the given server id is already
// present. Used to discard duplicate deliveries.
func (s *Store) HasServerID(conversationID string, serverID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return false
	}
	_, present := cl.byServer[serverID]
	return present
}

// MarkDeleted tombstones the message with the given server id, preserving
// its slot in the log. With localOnly the slot is removed instead. Returns
// whether the target was found and whether it was the conversation tail
// before the mutation, so the caller can recompute the preview.
func (s *Store) MarkDeleted(conversationID string, serverID int64, localOnly bool) (found, wasTail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return false, false
	}
	msg, ok := cl.byServer[serverID]
	if !ok {
		return false, false
	}
	wasTail = len(cl.entries) > 0 && cl.entries[len(cl.entries)-1] == msg

	if !localOnly {
		msg.Tombstone()
		return true, wasTail
	}

	for i, m := range cl.entries {
		if m == msg {
			cl.entries = append(cl.entries[:i], cl.entries[i+1:]...)
			break
		}
	}
	delete(cl.byServer, serverID)
	delete(cl.byTemp, msg.ID)
	return true, wasTail
}

// RemoveFailed drops a failed optimistic message by temporary id, for
// user-initiated retry which re-enters the send path with a fresh id.
func (s *Store) RemoveFailed(conversationID, tempID string) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	msg, ok := cl.byTemp[tempID]
	if !ok || msg.DeliveryState != model.DeliveryFailed {
		return nil
	}
	for i, m := range cl.entries {
		if m == msg {
			cl.entries = append(cl.entries[:i], cl.entries[i+1:]...)
			break
		}
	}
	delete(cl.byTemp, tempID)
	return msg
}

// Tail returns the last message in the conversation, or nil.
func (s *Store) Tail(conversationID string) *model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.logs[conversationID]
	if !ok || len(cl.entries) == 0 {
		return nil
	}
	return cl.entries[len(cl.entries)-1]
}

// Messages returns a snapshot copy of the conversation log, oldest first.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(cl.entries))
	for i, m := range cl.entries {
		out[i] = *m
	}
	return out
}

// Len returns the number of entries in the conversation log.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return 0
	}
	return len(cl.entries)
}

// SetPinned sets or clears the conversation's pinned-message slot.
func (s *Store) SetPinned(conversationID string, msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return
	}
	cl.pinned = msg
}

// Pinned returns the conversation's pinned message, or nil.
func (s *Store) Pinned(conversationID string) *model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	return cl.pinned
}

// ClearHistory empties the conversation log and its indexes but keeps the
// conversation known.
func (s *Store) ClearHistory(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[conversationID]; ok {
		s.logs[conversationID] = newConversationLog()
	}
}

// Conversations returns the ids of all initialized conversations.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	return ids
}
