// Package presence tracks ephemeral typing indicators per conversation.
//
// Typing state is purely a rendering hint: it never blocks or delays message
// reconciliation, and it is never persisted. A label is cleared by an
// explicit stop event or a silence timeout, whichever comes first.
package presence

import (
	"sync"
	"time"

	"github.com/teamly-hr/chatstream/internal/model"
)

// TypingExpiry is the silence timeout after which a typing label clears.
const TypingExpiry = 3 * time.Second

// Tracker owns all per-conversation typing timers. No other component reads
// or clears them.
type Tracker struct {
	mu          sync.Mutex
	currentUser string
	expiry      time.Duration
	typist      map[string]string      // conversation id -> typing participant
	timers      map[string]*time.Timer // conversation id -> expiry timer
	onChange    func(conversationID, sender string, typing bool)
}

// New creates a tracker for the given session user. onChange may be nil; it
// is invoked outside the tracker lock whenever a label is set or cleared.
func New(currentUser string, onChange func(conversationID, sender string, typing bool)) *Tracker {
	return &Tracker{
		currentUser: currentUser,
		expiry:      TypingExpiry,
		typist:      make(map[string]string),
		timers:      make(map[string]*time.Timer),
		onChange:    onChange,
	}
}

// HandleTyping applies a typing start/stop event. Events from the current
// user are ignored.
func (t *Tracker) HandleTyping(ev *model.TypingEvent) {
	if ev.SenderID == t.currentUser {
		return
	}
	conversationID := ev.GroupID
	if conversationID == "" {
		conversationID = ev.SenderID
	}

	if ev.Typing {
		t.arm(conversationID, ev.SenderID)
	} else {
		t.clear(conversationID)
	}
}

func (t *Tracker) arm(conversationID, sender string) {
	t.mu.Lock()
	t.typist[conversationID] = sender
	if timer, ok := t.timers[conversationID]; ok {
		timer.Stop()
	}
	t.timers[conversationID] = time.AfterFunc(t.expiry, func() {
		t.expire(conversationID)
	})
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(conversationID, sender, true)
	}
}

func (t *Tracker) clear(conversationID string) {
	t.mu.Lock()
	sender, armed := t.typist[conversationID]
	delete(t.typist, conversationID)
	if timer, ok := t.timers[conversationID]; ok {
		timer.Stop()
		delete(t.timers, conversationID)
	}
	cb := t.onChange
	t.mu.Unlock()

	if armed && cb != nil {
		cb(conversationID, sender, false)
	}
}

func (t *Tracker) expire(conversationID string) {
	t.mu.Lock()
	sender, armed := t.typist[conversationID]
	delete(t.typist, conversationID)
	delete(t.timers, conversationID)
	cb := t.onChange
	t.mu.Unlock()

	if armed && cb != nil {
		cb(conversationID, sender, false)
	}
}

// Typist returns the participant currently typing in the conversation.
func (t *Tracker) Typist(conversationID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sender, ok := t.typist[conversationID]
	return sender, ok
}

// Stop cancels every armed timer. Called on session teardown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
		delete(t.typist, id)
	}
}
