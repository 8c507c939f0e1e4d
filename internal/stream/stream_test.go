package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden.org/internal/notify"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	require.Equal(t, 2, s.Subscribers())

	require.NoError(t, s.Notify(ctx, notify.Info(notify.KindSessionStart, "I am back")))

	for _, ch := range []<-chan notify.Event{a, b} {
		select {
		case ev := <-ch:
			require.Equal(t, notify.KindSessionStart, ev.Kind)
			require.Equal(t, "I am back", ev.Text)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx)

	for i := 0; i < subscriberBuffer+3; i++ {
		s.Publish(notify.Info(notify.KindLoopError, "tick %d", i))
	}
	require.Equal(t, 3, s.Dropped())
}
