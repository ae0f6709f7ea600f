package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teamly-hr/chatstream/internal/model"
	"github.com/teamly-hr/chatstream/internal/natsconn"
	"github.com/teamly-hr/chatstream/internal/store"
	"github.com/teamly-hr/chatstream/internal/summary"
	"github.com/teamly-hr/chatstream/pkg/logger"
)

type published struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic, payload})
	return nil
}

func (p *fakePublisher) byTopic(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, s := range p.sent {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

type fakeFetcher struct {
	mu            sync.Mutex
	conversations [][]model.Conversation
	pages         map[int][]*model.Message
	pinned        *model.Message
	msgCalls      int
	convCalls     int
	block         chan struct{}
	err           error
}

func (f *fakeFetcher) FetchConversationsPage(ctx context.Context, userID string, page, size int) ([]model.Conversation, error) {
	f.mu.Lock()
	f.convCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if page >= len(f.conversations) {
		return nil, nil
	}
	return f.conversations[page], nil
}

func (f *fakeFetcher) FetchMessagesPage(ctx context.Context, conversationID string, page, size int) ([]*model.Message, error) {
	f.mu.Lock()
	f.msgCalls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[page], nil
}

func (f *fakeFetcher) FetchPinned(ctx context.Context, conversationID string, kind model.ConversationKind, userID string) (*model.Message, error) {
	return f.pinned, nil
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls [][]string
}

func (s *fakeSyncer) SyncGroupSubscriptions(known []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), known...))
}

type harness struct {
	svc     *ChatService
	store   *store.Store
	summary *summary.Index
	pub     *fakePublisher
	fetcher *fakeFetcher
	syncer  *fakeSyncer
}

func newHarness() *harness {
	st := store.New(logger.NewNop())
	idx := summary.New("alice")
	pub := &fakePublisher{}
	fetcher := &fakeFetcher{pages: map[int][]*model.Message{}}
	syncer := &fakeSyncer{}
	return &harness{
		svc:     NewChatService("alice", st, idx, pub, fetcher, syncer, logger.NewNop()),
		store:   st,
		summary: idx,
		pub:     pub,
		fetcher: fetcher,
		syncer:  syncer,
	}
}

func (h *harness) addPrivate(id, counterpart string) {
	h.store.InitConversation(id)
	h.summary.Upsert(model.Conversation{
		ID: id, Kind: model.ConversationPrivate, DisplayName: counterpart, Counterpart: counterpart,
	})
}

func (h *harness) addGroup(id string) {
	h.store.InitConversation(id)
	h.summary.Upsert(model.Conversation{ID: id, Kind: model.ConversationGroup, DisplayName: id})
}

func TestSendInsertsOptimisticAndPublishes(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")

	msg, err := h.svc.Send(context.Background(), "bob", "Hello", model.KindText)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.DeliveryState != model.DeliverySending {
		t.Fatalf("optimistic message = %+v", msg)
	}

	tail := h.store.Tail("bob")
	if tail == nil || tail.ID != msg.ID {
		t.Fatalf("tail = %+v, want the optimistic message", tail)
	}

	conv, _ := h.summary.Get("bob")
	if conv.LastMessagePreview != "You: Hello" {
		t.Fatalf("preview = %q", conv.LastMessagePreview)
	}

	sent := h.pub.byTopic(natsconn.SendMessageTopic)
	if len(sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(sent))
	}
	out := sent[0].payload.(*model.MessageEvent)
	if out.ClientID != msg.ID || out.Receiver != "bob" || out.Content != "Hello" {
		t.Fatalf("payload = %+v", out)
	}
}

func TestSendToGroupCarriesGroupID(t *testing.T) {
	h := newHarness()
	h.addGroup("g1")

	if _, err := h.svc.Send(context.Background(), "g1", "standup time", model.KindText); err != nil {
		t.Fatal(err)
	}
	out := h.pub.byTopic(natsconn.SendMessageTopic)[0].payload.(*model.MessageEvent)
	if out.GroupID != "g1" || out.Receiver != "" {
		t.Fatalf("payload = %+v", out)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")

	if _, err := h.svc.Send(context.Background(), "bob", "", model.KindText); err == nil {
		t.Fatal("empty content accepted")
	}
	long := strings.Repeat("x", maxContentLength+1)
	if _, err := h.svc.Send(context.Background(), "bob", long, model.KindText); err == nil {
		t.Fatal("oversized content accepted")
	}
	if _, err := h.svc.Send(context.Background(), "unknown", "hi", model.KindText); err == nil {
		t.Fatal("unknown conversation accepted")
	}
}

func TestPublishRejectionMarksFailed(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")
	h.pub.err = errors.New("broker unavailable")

	msg, err := h.svc.Send(context.Background(), "bob", "Hello", model.KindText)
	if err != nil {
		t.Fatalf("send surfaced the publish error: %v", err)
	}

	tail := h.store.Tail("bob")
	if tail.DeliveryState != model.DeliveryFailed {
		t.Fatalf("state = %s, want failed", tail.DeliveryState)
	}
	_ = msg
}

func TestRetryUsesFreshTemporaryID(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")

	h.pub.err = errors.New("broker unavailable")
	failed, _ := h.svc.Send(context.Background(), "bob", "Hello", model.KindText)

	h.pub.err = nil
	retried, err := h.svc.Retry(context.Background(), "bob", failed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.ID == failed.ID {
		t.Fatal("retry reused the temporary id")
	}
	if retried.Content != "Hello" {
		t.Fatalf("retried content = %q", retried.Content)
	}

	msgs := h.store.Messages("bob")
	if len(msgs) != 1 || msgs[0].ID != retried.ID {
		t.Fatalf("log = %+v, want only the retried message", msgs)
	}
	if msgs[0].DeliveryState != model.DeliverySending {
		t.Fatalf("state = %s, want sending", msgs[0].DeliveryState)
	}
}

func TestRetryRejectsNonFailedMessages(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")

	sent, _ := h.svc.Send(context.Background(), "bob", "Hello", model.KindText)
	if _, err := h.svc.Retry(context.Background(), "bob", sent.ID); err == nil {
		t.Fatal("retry accepted a message still sending")
	}
}

func TestLoadOlderMessagesSingleFlight(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")
	h.fetcher.block = make(chan struct{})
	h.fetcher.pages[0] = []*model.Message{
		{ServerID: 1, Sender: "bob", Content: "old", Kind: model.KindText, Timestamp: time.Now().Add(-time.Hour)},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.svc.LoadOlderMessages(context.Background(), "bob")
	}()

	// Wait for the first fetch to be in flight.
	deadline := time.Now().Add(time.Second)
	for {
		h.fetcher.mu.Lock()
		calls := h.fetcher.msgCalls
		h.fetcher.mu.Unlock()
		if calls == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first fetch never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A duplicate request while one is outstanding is dropped silently.
	n, err := h.svc.LoadOlderMessages(context.Background(), "bob")
	if err != nil || n != 0 {
		t.Fatalf("duplicate request: n=%d err=%v, want 0,nil", n, err)
	}
	h.fetcher.mu.Lock()
	if h.fetcher.msgCalls != 1 {
		t.Fatalf("fetch calls = %d, want 1", h.fetcher.msgCalls)
	}
	h.fetcher.mu.Unlock()

	close(h.fetcher.block)
	<-done

	if h.store.Len("bob") != 1 {
		t.Fatalf("log len = %d, want 1", h.store.Len("bob"))
	}
}

func TestStaleHistoryPageDropped(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")
	h.summary.Open("bob")
	h.fetcher.pages[0] = []*model.Message{
		{ServerID: 2, Sender: "bob", Content: "p0", Kind: model.KindText, Timestamp: time.Now().Add(-time.Minute)},
	}
	h.fetcher.pages[1] = []*model.Message{
		{ServerID: 1, Sender: "bob", Content: "p1", Kind: model.KindText, Timestamp: time.Now().Add(-time.Hour)},
	}

	if n, _ := h.svc.LoadOlderMessages(context.Background(), "bob"); n != 1 {
		t.Fatalf("first page inserted %d, want 1", n)
	}

	// Conversation closed before the next page resolves: result ignored.
	h.summary.Close("bob")
	if n, _ := h.svc.LoadOlderMessages(context.Background(), "bob"); n != 0 {
		t.Fatalf("stale page inserted %d, want 0", n)
	}
	if h.store.Len("bob") != 1 {
		t.Fatalf("log len = %d, want 1", h.store.Len("bob"))
	}
}

func TestLoadMoreConversationsSyncsGroups(t *testing.T) {
	h := newHarness()
	h.fetcher.conversations = [][]model.Conversation{
		{
			{ID: "g1", Kind: model.ConversationGroup, DisplayName: "HR"},
			{ID: "bob", Kind: model.ConversationPrivate, Counterpart: "bob"},
		},
		{
			{ID: "g2", Kind: model.ConversationGroup, DisplayName: "Eng"},
		},
	}

	n, err := h.svc.LoadMoreConversations(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v, want 2,nil", n, err)
	}
	if !h.store.Known("g1") || !h.store.Known("bob") {
		t.Fatal("conversations not initialized in store")
	}

	h.syncer.mu.Lock()
	if len(h.syncer.calls) != 1 || len(h.syncer.calls[0]) != 1 || h.syncer.calls[0][0] != "g1" {
		t.Fatalf("sync calls = %v", h.syncer.calls)
	}
	h.syncer.mu.Unlock()

	// Next page adds g2; the sync sees the full known set.
	if n, _ := h.svc.LoadMoreConversations(context.Background()); n != 1 {
		t.Fatalf("second page n=%d, want 1", n)
	}
	h.syncer.mu.Lock()
	last := h.syncer.calls[len(h.syncer.calls)-1]
	h.syncer.mu.Unlock()
	if len(last) != 2 {
		t.Fatalf("final known set = %v, want g1 and g2", last)
	}
}

func TestOpenConversationResetsUnreadAndLoadsState(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")
	h.summary.IncrementUnread("bob")
	h.fetcher.pinned = &model.Message{ServerID: 3, Sender: "bob", Content: "rules", Kind: model.KindText}
	h.fetcher.pages[0] = []*model.Message{
		{ServerID: 1, Sender: "bob", Content: "hey", Kind: model.KindText, Timestamp: time.Now().Add(-time.Hour)},
	}

	if err := h.svc.OpenConversation(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	conv, _ := h.summary.Get("bob")
	if conv.UnreadCount != 0 {
		t.Fatalf("unread = %d, want 0", conv.UnreadCount)
	}
	if p := h.store.Pinned("bob"); p == nil || p.ServerID != 3 {
		t.Fatalf("pinned = %+v", p)
	}
	if h.store.Len("bob") != 1 {
		t.Fatalf("history not loaded, len = %d", h.store.Len("bob"))
	}

	notices := h.pub.byTopic(natsconn.SendPresenceTopic)
	if len(notices) != 1 {
		t.Fatalf("presence notices = %d, want 1", len(notices))
	}
}

func TestDeleteMessageLocalOnlyRecomputesPreview(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")
	h.store.AppendConfirmed("bob", &model.Message{ID: "1", ServerID: 1, Sender: "bob", Content: "keep", Kind: model.KindText, Timestamp: time.Now()})
	h.store.AppendConfirmed("bob", &model.Message{ID: "2", ServerID: 2, Sender: "bob", Content: "drop", Kind: model.KindText, Timestamp: time.Now()})
	h.summary.RefreshTail("bob", h.store.Tail("bob"))

	if err := h.svc.DeleteMessage(context.Background(), "bob", 2, true); err != nil {
		t.Fatal(err)
	}

	if h.store.Len("bob") != 1 {
		t.Fatalf("len = %d, want 1", h.store.Len("bob"))
	}
	conv, _ := h.summary.Get("bob")
	if conv.LastMessagePreview != "keep" {
		t.Fatalf("preview = %q, want keep", conv.LastMessagePreview)
	}

	// Nothing was published for a local-only delete.
	if len(h.pub.byTopic(natsconn.SendMessageTopic)) != 0 {
		t.Fatal("local-only delete published an event")
	}
}

func TestClearHistory(t *testing.T) {
	h := newHarness()
	h.addPrivate("bob", "bob")
	h.store.AppendConfirmed("bob", &model.Message{ID: "1", ServerID: 1, Sender: "bob", Content: "x", Kind: model.KindText, Timestamp: time.Now()})
	h.summary.RefreshTail("bob", h.store.Tail("bob"))

	h.svc.ClearHistory("bob")

	if h.store.Len("bob") != 0 {
		t.Fatal("log not cleared")
	}
	conv, _ := h.summary.Get("bob")
	if conv.LastMessagePreview != "" {
		t.Fatalf("preview = %q, want empty", conv.LastMessagePreview)
	}
}

func TestSendTypingPublishes(t *testing.T) {
	h := newHarness()
	h.addGroup("g1")

	h.svc.SendTyping("g1", true)
	sent := h.pub.byTopic(natsconn.SendTypingTopic)
	if len(sent) != 1 {
		t.Fatalf("typing notices = %d, want 1", len(sent))
	}
	ev := sent[0].payload.(model.TypingEvent)
	if ev.GroupID != "g1" || !ev.Typing || ev.SenderID != "alice" {
		t.Fatalf("payload = %+v", ev)
	}
}
