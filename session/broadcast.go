package session

import "sync"

// subscriberBuffer bounds how far a subscriber may lag before it is
// dropped: once a subscriber's queue is full, it is disconnected
// rather than allowed to stall the publisher — one slow attached
// client can never stall the child.
const subscriberBuffer = 256

// broadcaster is a multi-consumer publisher of output chunks, built on
// buffered channels plus a mutex, with drop-on-lag semantics for any
// subscriber that can't keep up.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscription is a single consumer's view of a session's output. Ch
// delivers chunks in publish order. Lagged is closed if this
// subscription fell behind and was dropped from the broadcast; Ch is
// also closed in that case, and separately closed (without Lagged)
// when the broadcaster itself is closed, i.e. the session ended.
type Subscription struct {
	Ch     chan []byte
	Lagged chan struct{}

	b *broadcaster
}

// Subscribe registers a fresh consumer. If the broadcaster has already
// been closed (the session already ended), Ch is returned pre-closed
// so the caller observes immediate end-of-stream.
func (b *broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		Ch:     make(chan []byte, subscriberBuffer),
		Lagged: make(chan struct{}),
		b:      b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.Ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub from the broadcaster. Safe to call more than
// once and safe to call after the broadcaster has closed.
func (b *broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Publish delivers data to every current subscriber. A subscriber
// whose channel is full is dropped: its Lagged channel is closed and
// its Ch is closed, and it is removed from the broadcast set.
func (b *broadcaster) Publish(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.Ch <- data:
		default:
			delete(b.subs, sub)
			close(sub.Lagged)
			close(sub.Ch)
		}
	}
}

// Close ends the broadcast: every current and future subscriber
// observes Ch closed (without Lagged), signaling end-of-stream.
func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.Ch)
	}
	b.subs = nil
}
