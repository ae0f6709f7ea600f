package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teamly-hr/chatstream/internal/model"
	"github.com/teamly-hr/chatstream/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", time.Second, logger.NewNop()), srv
}

func TestFetchMessagesPageMapsAndSorts(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("conversationId"); got != "bob" {
			t.Errorf("conversationId = %q", got)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page = %q", got)
		}
		// Newest first, as the backend returns them.
		fmt.Fprint(w, `[
			{"messageId": 12, "senderName": "bob", "content": "later", "contentType": "text", "sentAt": "2026-03-01T10:05:00Z", "isEdited": true},
			{"messageId": 11, "senderName": "alice", "content": "earlier", "contentType": "text", "sentAt": "2026-03-01 10:00:00",
			 "repliedTo": {"senderName": "bob", "content": "orig", "messageId": 9}},
			{"messageId": 10, "senderName": "bob", "content": "gone", "contentType": "text", "sentAt": "2026-03-01T09:00:00", "isDeleted": true}
		]`)
	})

	msgs, err := c.FetchMessagesPage(context.Background(), "bob", 2, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}

	// Oldest first after sorting.
	if msgs[0].ServerID != 10 || msgs[1].ServerID != 11 || msgs[2].ServerID != 12 {
		t.Fatalf("order = %d,%d,%d", msgs[0].ServerID, msgs[1].ServerID, msgs[2].ServerID)
	}

	deleted := msgs[0]
	if deleted.Kind != model.KindDeleted || deleted.Content != "" {
		t.Fatalf("deleted message = %+v", deleted)
	}

	withReply := msgs[1]
	if withReply.ConversationID != "bob" || withReply.DeliveryState != model.DeliverySent {
		t.Fatalf("mapped message = %+v", withReply)
	}
	if withReply.ReplyTo == nil || withReply.ReplyTo.ServerID != 9 || withReply.ReplyTo.Sender != "bob" {
		t.Fatalf("reply ref = %+v", withReply.ReplyTo)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !withReply.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", withReply.Timestamp, want)
	}

	if !msgs[2].Edited {
		t.Fatal("edited flag lost in mapping")
	}
}

func TestFetchMessagesPageUnknownContentType(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"messageId": 1, "senderName": "bob", "content": "x", "contentType": "sticker", "sentAt": "2026-03-01T10:00:00Z"}]`)
	})

	msgs, err := c.FetchMessagesPage(context.Background(), "bob", 0, 30)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Kind != model.KindText {
		t.Fatalf("kind = %s, want fallback to text", msgs[0].Kind)
	}
}

func TestFetchConversationsPageMapping(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("userId"); got != "alice" {
			t.Errorf("userId = %q", got)
		}
		fmt.Fprint(w, `[
			{"conversationId": "g1", "isGroup": true, "name": "HR Team", "memberCount": 8, "lastMessage": "ok", "lastActivity": "2026-03-01T12:00:00Z", "unreadCount": 3},
			{"conversationId": "bob", "isGroup": false, "name": "Bob", "otherUser": "bob", "isOnline": true}
		]`)
	})

	convs, err := c.FetchConversationsPage(context.Background(), "alice", 0, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}

	g := convs[0]
	if g.Kind != model.ConversationGroup || g.MemberCount != 8 || g.UnreadCount != 3 {
		t.Fatalf("group = %+v", g)
	}
	if want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC); !g.LastMessageAt.Equal(want) {
		t.Fatalf("last activity = %v", g.LastMessageAt)
	}

	p := convs[1]
	if p.Kind != model.ConversationPrivate || p.Counterpart != "bob" || !p.Online {
		t.Fatalf("private = %+v", p)
	}
}

func TestFetchPinnedNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	msg, err := c.FetchPinned(context.Background(), "bob", model.ConversationPrivate, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("pinned = %+v, want nil", msg)
	}
}

func TestFetchPinnedFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messageId": 7, "senderName": "bob", "content": "rules", "contentType": "text", "sentAt": "2026-03-01T08:00:00Z"}`)
	})

	msg, err := c.FetchPinned(context.Background(), "bob", model.ConversationPrivate, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.ServerID != 7 || !msg.Pinned {
		t.Fatalf("pinned = %+v", msg)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := c.FetchMessagesPage(context.Background(), "bob", 0, 30); err == nil {
		t.Fatal("500 did not surface as an error")
	}
}

func TestExpiredTokenRejectedLocally(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	c := NewClient(srv.URL, unsignedJWT(t, time.Now().Add(-time.Hour)), time.Second, logger.NewNop())
	if _, err := c.FetchMessagesPage(context.Background(), "bob", 0, 30); err == nil {
		t.Fatal("expired token accepted")
	}
	if hits != 0 {
		t.Fatalf("server hit %d times, want 0", hits)
	}
}

func TestValidTokenPassesPreCheck(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	c.token = unsignedJWT(t, time.Now().Add(time.Hour))

	if _, err := c.FetchMessagesPage(context.Background(), "bob", 0, 30); err != nil {
		t.Fatal(err)
	}
}

func TestOpaqueTokenPassesThrough(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	c.token = "not-a-jwt-at-all"

	if _, err := c.FetchMessagesPage(context.Background(), "bob", 0, 30); err != nil {
		t.Fatal(err)
	}
}

// unsignedJWT builds a structurally valid token with the given expiry. The
// signature is junk, which is fine for the unverified local pre-check.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	claims := enc(map[string]any{"sub": "alice", "exp": exp.Unix()})
	return strings.Join([]string{header, claims, "sig"}, ".")
}
