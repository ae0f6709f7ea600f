// Package api is the client for the history backend: the conversation,
// message-page, and pinned-message fetches the core consumes as black
// boxes. Wire payloads use the server's field names and are mapped to the
// core model in a pure step.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teamly-hr/chatstream/internal/model"
	"github.com/teamly-hr/chatstream/pkg/logger"
	"github.com/teamly-hr/chatstream/pkg/metrics"
)

// Client talks to the history backend.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	logger  *logger.Logger
}

// NewClient creates a history backend client.
func NewClient(baseURL, token string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		token:   token,
		logger:  log,
	}
}

// wireMessage is the server's message shape.
type wireMessage struct {
	MessageID   int64      `json:"messageId"`
	SenderName  string     `json:"senderName"`
	Receiver    string     `json:"receiverName,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`
	Content     string     `json:"content"`
	ContentType string     `json:"contentType"`
	SentAt      string     `json:"sentAt"`
	IsEdited    bool       `json:"isEdited"`
	IsPinned    bool       `json:"isPinned"`
	IsForwarded bool       `json:"isForwarded"`
	IsDeleted   bool       `json:"isDeleted"`
	RepliedTo   *wireReply `json:"repliedTo,omitempty"`
}

type wireReply struct {
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	MessageID  int64  `json:"messageId"`
}

// wireConversation is the server's conversation shape.
type wireConversation struct {
	ConversationID string `json:"conversationId"`
	IsGroup        bool   `json:"isGroup"`
	Name           string `json:"name"`
	MemberCount    int    `json:"memberCount,omitempty"`
	OtherUser      string `json:"otherUser,omitempty"`
	IsOnline       bool   `json:"isOnline,omitempty"`
	LastMessage    string `json:"lastMessage,omitempty"`
	LastActivity   string `json:"lastActivity,omitempty"`
	UnreadCount    int    `json:"unreadCount"`
}

// FetchConversationsPage retrieves one page of the user's conversations.
func (c *Client) FetchConversationsPage(ctx context.Context, userID string, page, size int) ([]model.Conversation, error) {
	start := time.Now()
	q := url.Values{
		"userId": {userID},
		"page":   {strconv.Itoa(page)},
		"size":   {strconv.Itoa(size)},
	}

	var wire []wireConversation
	err := c.get(ctx, "/api/v1/conversations", q, &wire)
	metrics.RecordHistoryFetch("conversations", statusLabel(err), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch conversations page %d: %w", page, err)
	}

	out := make([]model.Conversation, 0, len(wire))
	for _, w := range wire {
		out = append(out, mapConversation(w))
	}
	return out, nil
}

// FetchMessagesPage retrieves one page of a conversation's history. The
// result is sorted oldest to newest, ready for a head prepend.
func (c *Client) FetchMessagesPage(ctx context.Context, conversationID string, page, size int) ([]*model.Message, error) {
	start := time.Now()
	q := url.Values{
		"conversationId": {conversationID},
		"page":           {strconv.Itoa(page)},
		"size":           {strconv.Itoa(size)},
	}

	var wire []wireMessage
	err := c.get(ctx, "/api/v1/messages", q, &wire)
	metrics.RecordHistoryFetch("messages", statusLabel(err), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch messages page %d: %w", page, err)
	}

	out := make([]*model.Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, mapMessage(w, conversationID))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// FetchPinned retrieves the conversation's pinned message, or nil if none.
func (c *Client) FetchPinned(ctx context.Context, conversationID string, kind model.ConversationKind, userID string) (*model.Message, error) {
	start := time.Now()
	q := url.Values{
		"conversationId": {conversationID},
		"type":           {string(kind)},
		"userId":         {userID},
	}

	var wire *wireMessage
	err := c.get(ctx, "/api/v1/messages/pinned", q, &wire)
	metrics.RecordHistoryFetch("pinned", statusLabel(err), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch pinned message: %w", err)
	}
	if wire == nil {
		return nil, nil
	}
	msg := mapMessage(*wire, conversationID)
	msg.Pinned = true
	return msg, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.checkToken(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkToken rejects requests locally once the bearer token has expired,
// instead of burning a round trip on a guaranteed 401.
func (c *Client) checkToken() error {
	if c.token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		// Opaque tokens pass through; the server decides.
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return fmt.Errorf("bearer token expired at %s", exp.Time.Format(time.RFC3339))
	}
	return nil
}

func mapConversation(w wireConversation) model.Conversation {
	kind := model.ConversationPrivate
	if w.IsGroup {
		kind = model.ConversationGroup
	}
	c := model.Conversation{
		ID:                 w.ConversationID,
		Kind:               kind,
		DisplayName:        w.Name,
		MemberCount:        w.MemberCount,
		Counterpart:        w.OtherUser,
		Online:             w.IsOnline,
		LastMessagePreview: w.LastMessage,
		UnreadCount:        w.UnreadCount,
	}
	if ts, ok := parseTimestamp(w.LastActivity); ok {
		c.LastMessageAt = ts
	}
	return c
}

func mapMessage(w wireMessage, conversationID string) *model.Message {
	kind := model.MessageKind(w.ContentType)
	switch kind {
	case model.KindText, model.KindImage, model.KindAudio, model.KindFile, model.KindDeleted:
	default:
		kind = model.KindText
	}
	if w.IsDeleted {
		kind = model.KindDeleted
	}

	m := &model.Message{
		ID:             strconv.FormatInt(w.MessageID, 10),
		ServerID:       w.MessageID,
		ConversationID: conversationID,
		Sender:         w.SenderName,
		Content:        w.Content,
		Kind:           kind,
		DeliveryState:  model.DeliverySent,
		Edited:         w.IsEdited,
		Pinned:         w.IsPinned,
		Forwarded:      w.IsForwarded,
	}
	if kind == model.KindDeleted {
		m.Content = ""
	}
	if w.RepliedTo != nil {
		m.ReplyTo = &model.ReplyRef{
			Sender:   w.RepliedTo.SenderName,
			Content:  w.RepliedTo.Content,
			ServerID: w.RepliedTo.MessageID,
		}
	}
	if ts, ok := parseTimestamp(w.SentAt); ok {
		m.Timestamp = ts
	}
	return m
}

// timestampLayouts covers the backend's format quirks. Everything is
// normalized to UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
