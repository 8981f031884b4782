// Package events is an in-memory pub/sub of gateway events. The admin API
// streams it to clients over SSE.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the gateway.
const (
	PaymentRejected   = "payment.rejected"
	PaymentSettled    = "payment.settled"
	PaymentUnresolved = "payment.unresolved"
	WebhookAccepted   = "webhook.accepted"
	JobClaimed        = "job.claimed"
	JobCompleted      = "job.completed"
)

const (
	defaultBacklog   = 100
	subscriberBuffer = 64
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps the most recent ones so a
// reconnecting client can catch up from its Last-Event-ID.
type Hub struct {
	lastID  atomic.Int64
	dropped atomic.Uint64

	mu      sync.Mutex
	backlog []Event // ascending by ID, at most limit entries
	limit   int
	subs    map[chan Event]struct{}
}

// NewHub returns a hub that retains up to backlog events. Zero or less uses
// a default.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[chan Event]struct{}),
	}
}

// Publish is a no-op on a nil Hub. data is JSON-encoded; nil or
// unencodable data becomes {}.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so the backlog stays sorted.
	ev := Event{
		ID:   h.lastID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.retain(ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it can resync from the backlog.
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of new events and a cancel func. Cancel closes
// the channel and may be called more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SnapshotSince returns retained events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.backlog), func(i int) bool { return h.backlog[i].ID > lastID })
	out := make([]Event, len(h.backlog)-i)
	copy(out, h.backlog[i:])
	return out
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) retain(ev Event) {
	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)
}
