// Package subscription maintains the live topic subscription set and routes
// every inbound payload to the reconciliation engine or typing tracker.
//
// The registry invariant: the live topic set is always exactly the fixed
// per-user queues plus one topic pair per currently known group. No stale
// group subscription outlives its group, and no topic is subscribed twice.
package subscription

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/teamly-hr/chatstream/internal/model"
	"github.com/teamly-hr/chatstream/internal/natsconn"
	"github.com/teamly-hr/chatstream/pkg/logger"
	"github.com/teamly-hr/chatstream/pkg/metrics"
)

// Subscription is a live topic binding that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the slice of the connection manager the registry needs.
type Conn interface {
	Subscribe(topic string, handler func(topic string, data []byte)) (Subscription, error)
	IsConnected() bool
}

// EventSink consumes decoded reconciliation events.
type EventSink interface {
	Apply(ev model.Event)
}

// TypingSink consumes typing events.
type TypingSink interface {
	HandleTyping(ev *model.TypingEvent)
}

// PresenceSink consumes counterpart online/offline notices.
type PresenceSink interface {
	SetOnline(userID string, online bool)
}

type connAdapter struct {
	*natsconn.Conn
}

func (c connAdapter) Subscribe(topic string, handler func(string, []byte)) (Subscription, error) {
	return c.Conn.Subscribe(topic, handler)
}

// WrapConn adapts the concrete connection manager to the registry interface.
func WrapConn(c *natsconn.Conn) Conn {
	return connAdapter{c}
}

// Registry tracks active topic subscriptions for one session.
type Registry struct {
	mu          sync.Mutex
	conn        Conn
	events      EventSink
	typing      TypingSink
	presence    PresenceSink
	currentUser string
	logger      *logger.Logger

	subs           map[string]Subscription
	groups         map[string]bool
	userChannelsUp bool
}

// NewRegistry creates a registry routing into the given sinks.
func NewRegistry(conn Conn, currentUser string, events EventSink, typing TypingSink, presence PresenceSink, log *logger.Logger) *Registry {
	return &Registry{
		conn:        conn,
		events:      events,
		typing:      typing,
		presence:    presence,
		currentUser: currentUser,
		logger:      log,
		subs:        make(map[string]Subscription),
		groups:      make(map[string]bool),
	}
}

// EstablishUserChannels subscribes the fixed per-user queues, exactly once
// per connection lifetime. Attempted while disconnected it is a logged
// no-op, never an error.
func (r *Registry) EstablishUserChannels() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.userChannelsUp {
		return
	}
	if !r.conn.IsConnected() {
		r.logger.Warn("user channel setup skipped, connection not active")
		return
	}

	uid := r.currentUser
	r.subscribeLocked(natsconn.UserMessagesTopic(uid), r.routeEvent)
	r.subscribeLocked(natsconn.UserPrivateAckTopic(uid), r.routeEvent)
	r.subscribeLocked(natsconn.UserGroupAckTopic(uid), r.routeEvent)
	r.subscribeLocked(natsconn.UserPresenceTopic(uid), r.routePresence)
	r.subscribeLocked(natsconn.UserTypingTopic(uid), r.routeTyping)
	r.userChannelsUp = true
	metrics.ActiveSubscriptions.WithLabelValues("user").Set(5)
}

// SyncGroupSubscriptions reconciles the live group-topic set against the
// known group set: stale pairs are unsubscribed, new pairs subscribed.
// Idempotent: a second call with the same set performs no network
// operations.
func (r *Registry) SyncGroupSubscriptions(knownGroupIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.conn.IsConnected() {
		r.logger.Warn("group subscription sync skipped, connection not active")
		return
	}

	known := make(map[string]bool, len(knownGroupIDs))
	for _, id := range knownGroupIDs {
		known[id] = true
	}

	for id := range r.groups {
		if !known[id] {
			r.unsubscribeLocked(natsconn.GroupMessagesTopic(id))
			r.unsubscribeLocked(natsconn.GroupTypingTopic(id))
			delete(r.groups, id)
			r.logger.Info("group subscriptions removed", zap.String("group_id", id))
		}
	}

	for id := range known {
		if r.groups[id] {
			continue
		}
		r.subscribeLocked(natsconn.GroupMessagesTopic(id), r.routeEvent)
		r.subscribeLocked(natsconn.GroupTypingTopic(id), r.routeTyping)
		r.groups[id] = true
		r.logger.Info("group subscriptions added", zap.String("group_id", id))
	}

	metrics.ActiveSubscriptions.WithLabelValues("group").Set(float64(len(r.groups) * 2))
}

// Reestablish rebuilds every subscription from scratch after a reconnect.
func (r *Registry) Reestablish() {
	r.mu.Lock()
	groups := make([]string, 0, len(r.groups))
	for id := range r.groups {
		groups = append(groups, id)
	}
	for topic := range r.subs {
		r.unsubscribeLocked(topic)
	}
	r.groups = make(map[string]bool)
	r.userChannelsUp = false
	r.mu.Unlock()

	r.EstablishUserChannels()
	r.SyncGroupSubscriptions(groups)
}

// Topics returns the currently subscribed topic set.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		out = append(out, topic)
	}
	return out
}

// GroupIDs returns the group ids with a live topic pair.
func (r *Registry) GroupIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.groups))
	for id := range r.groups {
		out = append(out, id)
	}
	return out
}

// Close tears down every live subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.subs {
		r.unsubscribeLocked(topic)
	}
	r.groups = make(map[string]bool)
	r.userChannelsUp = false
	metrics.ActiveSubscriptions.WithLabelValues("user").Set(0)
	metrics.ActiveSubscriptions.WithLabelValues("group").Set(0)
}

func (r *Registry) subscribeLocked(topic string, route func(topic string, data []byte)) {
	if _, dup := r.subs[topic]; dup {
		return
	}
	sub, err := r.conn.Subscribe(topic, route)
	if err != nil {
		r.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	r.subs[topic] = sub
}

func (r *Registry) unsubscribeLocked(topic string) {
	sub, ok := r.subs[topic]
	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		r.logger.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	}
	delete(r.subs, topic)
}

// routeEvent is the decode boundary for message-shaped channels. Malformed
// payloads are logged and dropped; they never crash the pipeline.
func (r *Registry) routeEvent(topic string, data []byte) {
	ev, err := model.DecodeEvent(data)
	if err != nil {
		r.logger.Warn("malformed event dropped", zap.String("topic", topic), zap.Error(err))
		metrics.MalformedEvents.WithLabelValues(topic).Inc()
		return
	}
	r.events.Apply(ev)
}

func (r *Registry) routeTyping(topic string, data []byte) {
	var ev model.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("malformed typing event dropped", zap.String("topic", topic), zap.Error(err))
		metrics.MalformedEvents.WithLabelValues(topic).Inc()
		return
	}
	r.typing.HandleTyping(&ev)
}

func (r *Registry) routePresence(topic string, data []byte) {
	var ev model.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("malformed presence event dropped", zap.String("topic", topic), zap.Error(err))
		metrics.MalformedEvents.WithLabelValues(topic).Inc()
		return
	}
	r.presence.SetOnline(ev.UserID, ev.Online)
}
