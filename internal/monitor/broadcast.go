// Package monitor owns the per-session persistence queue that turns raw ACP
// envelopes into durable, sequenced agent events, reacts to the domain
// events it produces to maintain session metadata and task projections, and
// reconciles the database's view of running sessions against live
// subprocess handles.
package monitor

import "sync"

// pendingBufferCap bounds how many payloads are held for a session nobody
// is watching yet; beyond it the oldest are dropped. Durable replay via the
// event log is the recovery path for anything evicted here.
const pendingBufferCap = 1024

// Broadcast is an in-process pub/sub fan-out for one session's live events,
// so multiple SSE subscribers (browser tabs) can watch the same session.
// While no subscriber is attached, published payloads accumulate in a
// bounded FIFO that the first subscriber drains in arrival order. Grounded
// in the snapshot-then-unlock broadcast pattern: callers never hold the
// lock while sending, so a slow subscriber can't stall publishers.
type Broadcast struct {
	mu          sync.Mutex
	subscribers map[int]chan []byte
	nextID      int
	pending     [][]byte
}

// NewBroadcast returns an empty broadcaster.
func NewBroadcast() *Broadcast {
	return &Broadcast{subscribers: make(map[int]chan []byte)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. Payloads buffered while the session had no
// subscriber are delivered to this channel first, in arrival order. The
// channel is buffered; a subscriber that falls too far behind has messages
// dropped rather than stalling the publisher.
func (b *Broadcast) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, pendingBufferCap+256)
	b.subscribers[id] = ch
	backlog := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, payload := range backlog {
		ch <- payload
	}

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish fans payload out to every current subscriber, or buffers it
// (bounded, oldest-first eviction) when there is none.
func (b *Broadcast) Publish(payload []byte) {
	b.mu.Lock()
	if len(b.subscribers) == 0 {
		b.pending = append(b.pending, payload)
		if len(b.pending) > pendingBufferCap {
			b.pending = b.pending[len(b.pending)-pendingBufferCap:]
		}
		b.mu.Unlock()
		return
	}
	targets := make([]chan []byte, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Len reports the current subscriber count, useful for metrics/tests.
func (b *Broadcast) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Buffered reports how many payloads are waiting for a first subscriber.
func (b *Broadcast) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
