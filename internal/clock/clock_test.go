package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFakeAfterAdvancesAndRecords(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if err := Sleep(context.Background(), f, 30*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if got := f.Now(); !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("now = %v", got)
	}
	if s := f.Sleeps(); len(s) != 1 || s[0] != 30*time.Second {
		t.Fatalf("sleeps = %v", s)
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, Real(), time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep err = %v, want context.Canceled", err)
	}
}
