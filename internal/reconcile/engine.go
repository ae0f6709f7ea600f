// Package reconcile merges inbound events into the message store.
//
// Every event (acknowledgment, broadcast echo, incoming message, status
// update, edit, delete, pin) flows through Engine.Apply, which evaluates
// the matching rules in a fixed precedence order, first match wins. All
// failures are absorbed and logged; nothing here propagates an error upward.
package reconcile

import (
	"sync"

	"go.uber.org/zap"

	"github.com/teamly-hr/chatstream/internal/model"
	"github.com/teamly-hr/chatstream/internal/store"
	"github.com/teamly-hr/chatstream/internal/summary"
	"github.com/teamly-hr/chatstream/pkg/logger"
	"github.com/teamly-hr/chatstream/pkg/metrics"
)

// Engine applies inbound events to the store under the reconciliation rules.
type Engine struct {
	// mu serializes Apply so events mutate the store in exactly the
	// order the connection delivers them, even across topics.
	mu sync.Mutex

	currentUser string
	store       *store.Store
	summary     *summary.Index
	logger      *logger.Logger
}

// New creates an engine for the given session user.
func New(currentUser string, st *store.Store, idx *summary.Index, log *logger.Logger) *Engine {
	return &Engine{
		currentUser: currentUser,
		store:       st,
		summary:     idx,
		logger:      log,
	}
}

// Apply routes one inbound event to its handler.
func (e *Engine) Apply(ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev := ev.(type) {
	case *model.StatusUpdateEvent:
		e.applyStatus(ev)
	case *model.PinUpdateEvent:
		e.applyPin(ev)
	case *model.MessageEvent:
		e.applyMessage(ev)
	default:
		e.logger.Warn("unknown event type dropped")
	}
}

// applyStatus upgrades delivery state monotonically for each referenced
// message. A delivered notice never reverts a seen message.
func (e *Engine) applyStatus(ev *model.StatusUpdateEvent) {
	for _, id := range ev.MessageIDs {
		matched := e.store.ReconcileServer(ev.ConversationID, id, func(m *model.Message) {
			m.DeliveryState = m.DeliveryState.Upgrade(ev.Status)
		})
		if !matched {
			e.logger.Debug("status update target not present",
				zap.String("conversation_id", ev.ConversationID),
				zap.Int64("server_id", id))
		}
	}
	metrics.RecordEvent(string(model.EventStatusUpdate), "applied")
}

// applyPin updates the pinned-message slot of the currently open
// conversation. Pin notices for any other conversation are ignored.
func (e *Engine) applyPin(ev *model.PinUpdateEvent) {
	conversationID := ev.ConversationID(e.currentUser)
	if !e.summary.IsOpen(conversationID) {
		metrics.RecordEvent(string(ev.Kind), "ignored")
		return
	}
	if ev.Kind == model.EventUnpinUpdate || ev.Message == nil {
		e.store.SetPinned(conversationID, nil)
	} else {
		e.store.SetPinned(conversationID, ev.Message.Message(e.currentUser))
	}
	metrics.RecordEvent(string(ev.Kind), "applied")
}

// applyMessage evaluates the message-shaped rules in precedence order.
func (e *Engine) applyMessage(ev *model.MessageEvent) {
	conversationID := ev.ConversationID(e.currentUser)

	// Delete notice: tombstone in place, then recompute the preview if
	// the tombstoned message was the tail.
	if ev.IsDeleted || ev.Type == model.KindDeleted {
		found, wasTail := e.store.MarkDeleted(conversationID, ev.ServerID, false)
		if !found {
			// Likely predates the loaded page window.
			metrics.RecordEvent(string(model.EventMessage), "delete_unmatched")
			return
		}
		if wasTail {
			e.summary.RefreshTail(conversationID, e.store.Tail(conversationID))
		}
		metrics.RecordEvent(string(model.EventMessage), "deleted")
		return
	}

	// Edit notice: patch content in place, refresh the preview if the
	// edited message is the tail.
	if ev.IsEdited {
		matched := e.store.ReconcileServer(conversationID, ev.ServerID, func(m *model.Message) {
			m.Content = ev.Content
			m.Edited = true
		})
		if !matched {
			metrics.RecordEvent(string(model.EventMessage), "edit_unmatched")
			return
		}
		if tail := e.store.Tail(conversationID); tail != nil && tail.ServerID == ev.ServerID {
			e.summary.RefreshTail(conversationID, tail)
		}
		metrics.RecordEvent(string(model.EventMessage), "edited")
		return
	}

	if ev.Sender == e.currentUser {
		// Acknowledgment: replace the optimistic placeholder matched
		// by the client-assigned temporary id. No match (e.g. after a
		// reload) falls through to the duplicate check below, never
		// to the echo heuristic, which requires the absence of a
		// correlation id.
		if ev.ClientID != "" {
			if e.store.ReconcileTemp(conversationID, ev.ClientID, confirm(ev)) {
				e.refreshIfTail(conversationID, ev.ServerID)
				metrics.SendsInFlight.Dec()
				metrics.RecordEvent(string(model.EventMessage), "acknowledged")
				return
			}
		} else if placeholder := e.store.LastSendingFrom(conversationID, e.currentUser); placeholder != nil {
			// Broadcast echo: reconcile the last placeholder from
			// the current user still in the sending state.
			e.store.ConfirmEcho(conversationID, placeholder, confirm(ev))
			e.refreshIfTail(conversationID, ev.ServerID)
			metrics.SendsInFlight.Dec()
			metrics.RecordEvent(string(model.EventMessage), "echo_reconciled")
			return
		}
		if e.store.HasServerID(conversationID, ev.ServerID) {
			metrics.DuplicatesDiscarded.Inc()
			metrics.RecordEvent(string(model.EventMessage), "duplicate")
			return
		}
		e.ensureConversation(conversationID, ev)
		e.store.AppendConfirmed(conversationID, ev.Message(e.currentUser))
		e.summary.RefreshTail(conversationID, e.store.Tail(conversationID))
		metrics.RecordEvent(string(model.EventMessage), "echo_appended")
		return
	}

	// Inbound message from a counterpart: append unless already present.
	if e.store.HasServerID(conversationID, ev.ServerID) {
		metrics.DuplicatesDiscarded.Inc()
		metrics.RecordEvent(string(model.EventMessage), "duplicate")
		return
	}
	e.ensureConversation(conversationID, ev)
	e.store.AppendConfirmed(conversationID, ev.Message(e.currentUser))
	e.summary.RefreshTail(conversationID, e.store.Tail(conversationID))
	e.summary.IncrementUnread(conversationID)
	metrics.RecordEvent(string(model.EventMessage), "appended")
}

// refreshIfTail refreshes the conversation summary when the reconciled
// message is the current tail.
func (e *Engine) refreshIfTail(conversationID string, serverID int64) {
	if tail := e.store.Tail(conversationID); tail != nil && tail.ServerID == serverID {
		e.summary.RefreshTail(conversationID, tail)
	}
}

// ensureConversation initializes store and summary entries for a message
// arriving on a conversation not seen before, e.g. a brand-new private chat.
func (e *Engine) ensureConversation(conversationID string, ev *model.MessageEvent) {
	if e.store.Known(conversationID) {
		return
	}
	e.store.InitConversation(conversationID)
	if _, ok := e.summary.Get(conversationID); !ok {
		kind := model.ConversationPrivate
		counterpart := conversationID
		if ev.GroupID != "" {
			kind = model.ConversationGroup
			counterpart = ""
		}
		e.summary.Upsert(model.Conversation{
			ID:          conversationID,
			Kind:        kind,
			DisplayName: conversationID,
			Counterpart: counterpart,
		})
	}
	e.logger.Info("conversation discovered from inbound event",
		zap.String("conversation_id", conversationID))
}

// confirm builds the patch that turns an optimistic placeholder into the
// server-confirmed record.
func confirm(ev *model.MessageEvent) func(*model.Message) {
	return func(m *model.Message) {
		m.ServerID = ev.ServerID
		if ev.Content != "" {
			m.Content = ev.Content
		}
		if ev.Type != "" {
			m.Kind = ev.Type
		}
		if !ev.Timestamp.IsZero() {
			m.Timestamp = ev.Timestamp.UTC()
		}
		m.Forwarded = m.Forwarded || ev.Forwarded
		m.DeliveryState = m.DeliveryState.Upgrade(model.DeliverySent)
	}
}
