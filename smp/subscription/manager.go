// Package subscription implements the SMP server's subscription
// manager (spec.md §4.5): the map from a queue's recipient_id to the
// session currently allowed to receive its pushes, with single-
// subscriber eviction. It is grounded on the teacher's incoming
// listener's per-connection bookkeeping (server/internal/incoming),
// generalized from "one net.Conn per client" to "one Handle per
// subscribed recipient_id".
package subscription

import (
	"sync"

	"github.com/simplexmq/simplexmq/smp/wire"
)

// Handle is whatever the server session layer registers as the
// recipient of pushes for a queue. It is a minimal interface so this
// package never imports the session/server types that implement it.
type Handle interface {
	// Push delivers an unsolicited MSG or END to the subscriber. It
	// must not block for long; a slow subscriber should buffer or drop
	// internally rather than stall the manager.
	Push(resp *wire.ResponseTransmission)

	// ID identifies the handle for logging/equality checks (e.g. a
	// session id), distinguishing two Subscribe calls from the same
	// session from two different sessions racing to subscribe.
	ID() string
}

// Manager tracks, for each recipient_id currently subscribed to, the
// one Handle allowed to receive its pushes.
type Manager struct {
	mu   sync.Mutex
	subs map[string]Handle // keyed by string(recipientID)
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{subs: make(map[string]Handle)}
}

// Subscribe registers h as the subscriber for recipientID. If another
// handle already holds the subscription, it is evicted with an END
// push before h takes over — spec.md §4.5's "last SUB wins" rule,
// which keeps a queue's live delivery target unambiguous without
// requiring the evicted session to poll for its own eviction.
func (m *Manager) Subscribe(recipientID []byte, h Handle) {
	key := string(recipientID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.subs[key]; ok && prev.ID() != h.ID() {
		prev.Push(&wire.ResponseTransmission{QueueID: recipientID, Response: &wire.End{}})
	}
	m.subs[key] = h
}

// Unsubscribe removes h's subscription to recipientID, but only if h
// is still the current subscriber — a session that already lost the
// queue to a newer SUB must not accidentally unregister the new one
// when it finally notices its own disconnect.
func (m *Manager) Unsubscribe(recipientID []byte, h Handle) {
	key := string(recipientID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.subs[key]; ok && cur.ID() == h.ID() {
		delete(m.subs, key)
	}
}

// UnsubscribeAll drops every subscription currently held by h, called
// when a session's transport connection closes.
func (m *Manager) UnsubscribeAll(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cur := range m.subs {
		if cur.ID() == h.ID() {
			delete(m.subs, key)
		}
	}
}

// Deliver pushes resp to recipientID's current subscriber, if any. It
// reports whether a subscriber was present — the caller uses this to
// decide whether the message is delivered immediately or left for the
// next SUB to pick up from the queue store's buffer.
func (m *Manager) Deliver(recipientID []byte, resp *wire.ResponseTransmission) bool {
	m.mu.Lock()
	h, ok := m.subs[string(recipientID)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h.Push(resp)
	return true
}

// IsSubscribed reports whether recipientID currently has a subscriber.
func (m *Manager) IsSubscribed(recipientID []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[string(recipientID)]
	return ok
}
