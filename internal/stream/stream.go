// Package stream fans operational events out to live subscribers of the ops
// HTTP endpoint.
package stream

import (
	"context"
	"sync"

	"warden.org/internal/notify"
)

const subscriberBuffer = 16

// Stream is a notify.Sink that hands every event to all active subscribers.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan notify.Event
	next    int
	dropped map[int]int
}

var _ notify.Sink = (*Stream)(nil)

func New() *Stream {
	return &Stream{
		subs:    make(map[int]chan notify.Event),
		dropped: make(map[int]int),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan notify.Event {
	ch := make(chan notify.Event, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		delete(s.dropped, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fans the event out to all subscribers. A slow subscriber loses
// events instead of blocking the loops.
func (s *Stream) Publish(ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped[id]++
		}
	}
}

// Dropped returns how many events were lost across live subscribers.
func (s *Stream) Dropped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.dropped {
		n += d
	}
	return n
}

func (*Stream) Name() string { return "stream" }

// Notify publishes ev. Events arrive already prepared by notify.Multi.
func (s *Stream) Notify(_ context.Context, ev notify.Event) error {
	s.Publish(ev)
	return nil
}
