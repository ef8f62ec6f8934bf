package bus

import (
	"fmt"
	"testing"
	"time"
)

func recvOne(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(4)
	s1 := b.Subscribe("u1")
	s2 := b.Subscribe("u1")
	defer s1.Close()
	defer s2.Close()

	b.Publish("u1", Event{Type: "assistant_delta", ChatID: "c1", Text: "hi"})

	for _, s := range []*Subscription{s1, s2} {
		ev := recvOne(t, s)
		if ev.Type != "assistant_delta" || ev.ChatID != "c1" {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestPublishIsolatesUsers(t *testing.T) {
	b := New(4)
	mine := b.Subscribe("u1")
	other := b.Subscribe("u2")
	defer mine.Close()
	defer other.Close()

	b.Publish("u1", Event{Type: "turn_started", ChatID: "c1", MessageID: "m1"})

	recvOne(t, mine)
	select {
	case ev := <-other.Events():
		t.Errorf("u2 received u1's event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberIsEvictedNotBlocking(t *testing.T) {
	b := New(2)
	slow := b.Subscribe("u1")
	fast := b.Subscribe("u1")
	defer fast.Close()

	// Drain fast in lockstep so only the slow queue fills.
	got := make(chan Event, 16)
	go func() {
		for ev := range fast.Events() {
			got <- ev
		}
		close(got)
	}()
	for i := 0; i < 5; i++ {
		b.Publish("u1", Event{Type: "assistant_delta", ChatID: "c1", Text: fmt.Sprint(i)})
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("fast subscriber missed an event")
		}
	}

	// The slow subscription's channel must be closed after eviction.
	drained := 0
	for range slow.Events() {
		drained++
	}
	if drained != 2 {
		t.Errorf("slow drained %d buffered events, want 2", drained)
	}
	if n := b.Subscribers("u1"); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}

	// The fast subscriber keeps working.
	b.Publish("u1", Event{Type: "turn_finished", ChatID: "c1", MessageID: "m1"})
	select {
	case ev := <-got:
		if ev.Type != "turn_finished" {
			t.Errorf("event type = %q, want turn_finished", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("fast subscriber missed the final event")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(4)
	s := b.Subscribe("u1")
	s.Close()
	s.Close()
	if got := b.Subscribers("u1"); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
	b.Publish("u1", Event{Type: "assistant_delta", ChatID: "c1"})
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New(4)
	for i := 0; i < 3; i++ {
		b.Publish("nobody", Event{Type: "assistant_delta", ChatID: fmt.Sprintf("c%d", i)})
	}
}
