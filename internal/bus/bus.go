// Package bus fans conversation events out to a user's connected
// clients. Delivery is best-effort: a subscriber that stops draining
// its queue is evicted instead of slowing the publisher or its peers.
package bus

import (
	"sync"
)

// Event is one item on a user's event stream. Fields past Type are
// variant-specific; zero values stay off the wire.
type Event struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// assistant_delta
	Text string `json:"text,omitempty"`

	// tool_call_started and tool_call_finished
	Tool  string `json:"tool,omitempty"`
	Args  string `json:"args,omitempty"`
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	// turn_finished
	Reason string `json:"reason,omitempty"`

	// turn_failed
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	// turn_retrying
	Attempt int `json:"attempt,omitempty"`
}

// Subscription is one client's bounded event queue. Events is closed
// when the subscription is cancelled or evicted.
type Subscription struct {
	userID string
	ch     chan Event
	bus    *Bus
	closed bool
}

// Events returns the queue. The channel closes when the subscription
// ends; a closed channel with no error means the client should
// reconnect.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus routes events by user id.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// New builds a bus whose subscriptions queue up to buffer events.
func New(buffer int) *Bus {
	return &Bus{subs: map[string]map[*Subscription]struct{}{}, buffer: buffer}
}

// Subscribe registers a new queue for the user's events.
func (b *Bus) Subscribe(userID string) *Subscription {
	s := &Subscription{userID: userID, ch: make(chan Event, b.buffer), bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[userID] == nil {
		b.subs[userID] = map[*Subscription]struct{}{}
	}
	b.subs[userID][s] = struct{}{}
	return s
}

// Publish delivers ev to every subscription of the user. It never
// blocks: a subscription whose queue is full is closed and dropped.
func (b *Bus) Publish(userID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[userID] {
		select {
		case s.ch <- ev:
		default:
			b.dropLocked(s)
		}
	}
}

// Subscribers reports the user's live subscription count.
func (b *Bus) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(s)
}

func (b *Bus) dropLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs[s.userID], s)
	if len(b.subs[s.userID]) == 0 {
		delete(b.subs, s.userID)
	}
	close(s.ch)
}
