// Package service provides the session-level chat operations: the optimistic
// send path, history and conversation pagination, and open/close lifecycle.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teamly-hr/chatstream/internal/model"
	"github.com/teamly-hr/chatstream/internal/natsconn"
	"github.com/teamly-hr/chatstream/internal/store"
	"github.com/teamly-hr/chatstream/internal/summary"
	"github.com/teamly-hr/chatstream/pkg/logger"
	"github.com/teamly-hr/chatstream/pkg/metrics"
)

const defaultPageSize = 30

// Publisher is the slice of the connection manager the service needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// HistoryFetcher is the history backend contract.
type HistoryFetcher interface {
	FetchConversationsPage(ctx context.Context, userID string, page, size int) ([]model.Conversation, error)
	FetchMessagesPage(ctx context.Context, conversationID string, page, size int) ([]*model.Message, error)
	FetchPinned(ctx context.Context, conversationID string, kind model.ConversationKind, userID string) (*model.Message, error)
}

// GroupSyncer reconciles live group subscriptions against the known set.
type GroupSyncer interface {
	SyncGroupSubscriptions(knownGroupIDs []string)
}

// ChatService drives the send path and pagination for one session.
type ChatService struct {
	currentUser string
	store       *store.Store
	summary     *summary.Index
	pub         Publisher
	fetcher     HistoryFetcher
	syncer      GroupSyncer
	logger      *logger.Logger
	tracer      trace.Tracer

	pageSize int

	// mu guards the single-flight pagination state. At most one
	// history fetch per conversation and one conversation-page fetch
	// may be in flight; duplicates are dropped silently.
	mu           sync.Mutex
	histInflight map[string]bool
	histPage     map[string]int
	convInflight bool
	convPage     int
}

// NewChatService wires the service.
func NewChatService(currentUser string, st *store.Store, idx *summary.Index, pub Publisher, fetcher HistoryFetcher, syncer GroupSyncer, log *logger.Logger) *ChatService {
	return &ChatService{
		currentUser:  currentUser,
		store:        st,
		summary:      idx,
		pub:          pub,
		fetcher:      fetcher,
		syncer:       syncer,
		logger:       log,
		tracer:       otel.Tracer("chatstream/service"),
		pageSize:     defaultPageSize,
		histInflight: make(map[string]bool),
		histPage:     make(map[string]int),
	}
}

// Send inserts an optimistic message and publishes it. A publish rejection
// marks the message failed; it is not retried automatically.
func (s *ChatService) Send(ctx context.Context, conversationID, content string, kind model.MessageKind) (*model.Message, error) {
	return s.send(ctx, conversationID, content, kind, nil)
}

// SendReply sends a message carrying a weak reference to the message being
// replied to.
func (s *ChatService) SendReply(ctx context.Context, conversationID, content string, kind model.MessageKind, replyTo *model.ReplyRef) (*model.Message, error) {
	return s.send(ctx, conversationID, content, kind, replyTo)
}

func (s *ChatService) send(ctx context.Context, conversationID, content string, kind model.MessageKind, replyTo *model.ReplyRef) (*model.Message, error) {
	if err := ValidateContent(content, kind); err != nil {
		return nil, err
	}
	conv, ok := s.summary.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("unknown conversation %s", conversationID)
	}
	if kind == "" {
		kind = model.KindText
	}

	_, span := s.tracer.Start(ctx, "chat.send",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         s.currentUser,
		Content:        content,
		Kind:           kind,
		Timestamp:      time.Now().UTC(),
		DeliveryState:  model.DeliverySending,
		ReplyTo:        replyTo,
	}

	s.store.InitConversation(conversationID)
	s.store.AppendOptimistic(conversationID, msg)
	s.summary.RefreshTail(conversationID, msg)
	metrics.MessagesSent.WithLabelValues(string(kind)).Inc()
	metrics.SendsInFlight.Inc()

	out := &model.MessageEvent{
		ClientID:  msg.ID,
		Sender:    s.currentUser,
		Content:   content,
		Type:      kind,
		Timestamp: msg.Timestamp,
		ReplyTo:   replyTo,
	}
	if conv.IsGroup() {
		out.GroupID = conversationID
	} else {
		out.Receiver = conv.Counterpart
	}

	if err := s.pub.Publish(natsconn.SendMessageTopic, out); err != nil {
		// Explicit rejection: surface only through the failed state.
		s.store.ReconcileTemp(conversationID, msg.ID, func(m *model.Message) {
			m.DeliveryState = model.DeliveryFailed
		})
		metrics.SendFailures.Inc()
		metrics.SendsInFlight.Dec()
		s.logger.Warn("send publish rejected",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return msg, nil
}

// Retry re-enters the send path for a failed message with a fresh temporary
// id. The failed slot is removed first.
func (s *ChatService) Retry(ctx context.Context, conversationID, tempID string) (*model.Message, error) {
	failed := s.store.RemoveFailed(conversationID, tempID)
	if failed == nil {
		return nil, fmt.Errorf("no failed message %s in %s", tempID, conversationID)
	}
	s.summary.RefreshTail(conversationID, s.store.Tail(conversationID))
	return s.send(ctx, conversationID, failed.Content, failed.Kind, failed.ReplyTo)
}

// SendTyping publishes a typing start/stop notice. Failures are absorbed.
func (s *ChatService) SendTyping(conversationID string, typing bool) {
	conv, ok := s.summary.Get(conversationID)
	if !ok {
		return
	}
	ev := model.TypingEvent{SenderID: s.currentUser, Typing: typing}
	if conv.IsGroup() {
		ev.GroupID = conversationID
	}
	if err := s.pub.Publish(natsconn.SendTypingTopic, ev); err != nil {
		s.logger.Debug("typing publish failed", zap.Error(err))
	}
}

// EditMessage publishes an edit; the local record is patched when the edit
// notice echoes back through reconciliation.
func (s *ChatService) EditMessage(ctx context.Context, conversationID string, serverID int64, content string) error {
	if err := ValidateContent(content, model.KindText); err != nil {
		return err
	}
	conv, ok := s.summary.Get(conversationID)
	if !ok {
		return fmt.Errorf("unknown conversation %s", conversationID)
	}
	out := &model.MessageEvent{
		ServerID: serverID,
		Sender:   s.currentUser,
		Content:  content,
		IsEdited: true,
	}
	if conv.IsGroup() {
		out.GroupID = conversationID
	} else {
		out.Receiver = conv.Counterpart
	}
	if err := s.pub.Publish(natsconn.SendEditTopic, out); err != nil {
		s.logger.Warn("edit publish rejected", zap.Error(err))
	}
	return nil
}

// DeleteMessage deletes a message. With localOnly the slot is removed from
// this session only and the preview recomputed from the new tail; otherwise
// the delete is published and applied when the notice comes back.
func (s *ChatService) DeleteMessage(ctx context.Context, conversationID string, serverID int64, localOnly bool) error {
	if localOnly {
		found, wasTail := s.store.MarkDeleted(conversationID, serverID, true)
		if found && wasTail {
			s.summary.RefreshTail(conversationID, s.store.Tail(conversationID))
		}
		return nil
	}
	conv, ok := s.summary.Get(conversationID)
	if !ok {
		return fmt.Errorf("unknown conversation %s", conversationID)
	}
	out := &model.MessageEvent{
		ServerID:  serverID,
		Sender:    s.currentUser,
		IsDeleted: true,
	}
	if conv.IsGroup() {
		out.GroupID = conversationID
	} else {
		out.Receiver = conv.Counterpart
	}
	if err := s.pub.Publish(natsconn.SendMessageTopic, out); err != nil {
		s.logger.Warn("delete publish rejected", zap.Error(err))
	}
	return nil
}

// OpenConversation makes the conversation the open one: resets its unread
// counter to zero, announces presence, loads the pinned message, and pulls
// the first history page if the log is empty.
func (s *ChatService) OpenConversation(ctx context.Context, conversationID string) error {
	conv, ok := s.summary.Get(conversationID)
	if !ok {
		return fmt.Errorf("unknown conversation %s", conversationID)
	}

	s.store.InitConversation(conversationID)
	s.summary.Open(conversationID)

	if err := s.pub.Publish(natsconn.SendPresenceTopic, map[string]any{
		"user_id":         s.currentUser,
		"conversation_id": conversationID,
		"open":            true,
	}); err != nil {
		s.logger.Debug("open notice publish failed", zap.Error(err))
	}

	if pinned, err := s.fetcher.FetchPinned(ctx, conversationID, conv.Kind, s.currentUser); err != nil {
		s.logger.Warn("pinned fetch failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	} else {
		s.store.SetPinned(conversationID, pinned)
	}

	if s.store.Len(conversationID) == 0 {
		if _, err := s.LoadOlderMessages(ctx, conversationID); err != nil {
			s.logger.Warn("initial history load failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return nil
}

// CloseConversation clears the open state and announces presence.
func (s *ChatService) CloseConversation(conversationID string) {
	s.summary.Close(conversationID)
	if err := s.pub.Publish(natsconn.SendPresenceTopic, map[string]any{
		"user_id":         s.currentUser,
		"conversation_id": conversationID,
		"open":            false,
	}); err != nil {
		s.logger.Debug("close notice publish failed", zap.Error(err))
	}
}

// LoadOlderMessages fetches the next older history page and prepends it.
// At most one fetch per conversation is in flight; a duplicate request is
// dropped silently. A page resolving after the conversation stopped being
// the open one is ignored.
func (s *ChatService) LoadOlderMessages(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	if s.histInflight[conversationID] {
		s.mu.Unlock()
		return 0, nil
	}
	s.histInflight[conversationID] = true
	page := s.histPage[conversationID]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.histInflight, conversationID)
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "chat.history_page",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
		))
	defer span.End()

	msgs, err := s.fetcher.FetchMessagesPage(ctx, conversationID, page, s.pageSize)
	if err != nil {
		return 0, fmt.Errorf("load history page %d: %w", page, err)
	}

	// Relaxed cancellation: a stale resolution for a conversation no
	// longer open is dropped, except the very first page which may be
	// loading before the open completes.
	if page > 0 && !s.summary.IsOpen(conversationID) {
		s.logger.Debug("stale history page dropped",
			zap.String("conversation_id", conversationID))
		return 0, nil
	}

	wasEmpty := s.store.Len(conversationID) == 0
	added := s.store.PrependHistoryPage(conversationID, msgs)
	if wasEmpty && added > 0 {
		s.summary.RefreshTail(conversationID, s.store.Tail(conversationID))
	}

	if len(msgs) > 0 {
		s.mu.Lock()
		s.histPage[conversationID] = page + 1
		s.mu.Unlock()
	}
	return added, nil
}

// LoadMoreConversations fetches the next conversation page, registers each
// conversation, and reconciles group subscriptions against the new known
// set. Single-flight; a duplicate request is dropped silently.
func (s *ChatService) LoadMoreConversations(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.convInflight {
		s.mu.Unlock()
		return 0, nil
	}
	s.convInflight = true
	page := s.convPage
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.convInflight = false
		s.mu.Unlock()
	}()

	convs, err := s.fetcher.FetchConversationsPage(ctx, s.currentUser, page, s.pageSize)
	if err != nil {
		return 0, fmt.Errorf("load conversations page %d: %w", page, err)
	}

	for _, conv := range convs {
		s.summary.Upsert(conv)
		s.store.InitConversation(conv.ID)
	}
	if len(convs) > 0 {
		s.mu.Lock()
		s.convPage = page + 1
		s.mu.Unlock()
	}

	s.syncer.SyncGroupSubscriptions(s.summary.GroupIDs())
	return len(convs), nil
}

// ClearHistory empties the conversation log and its preview.
func (s *ChatService) ClearHistory(conversationID string) {
	s.store.ClearHistory(conversationID)
	s.summary.RefreshTail(conversationID, nil)
}
