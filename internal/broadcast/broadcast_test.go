package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden.org/internal/clock"
	"warden.org/internal/platform"
)

type fakeFeed struct {
	mu      sync.Mutex
	batches [][]Message
	max     int64
	err     error
	asked   []int64
}

func (f *fakeFeed) NewMessages(_ context.Context, lastID int64) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, lastID)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeFeed) MaxMessageID(context.Context) (int64, error) { return f.max, f.err }

type sent struct{ channel, text string }

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]error
}

func (s *fakeSender) Send(_ context.Context, channelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[channelID]; err != nil {
		return err
	}
	s.sent = append(s.sent, sent{channelID, text})
	return nil
}

func forwards(msgs []Message) []bool {
	out := make([]bool, len(msgs))
	for i, m := range msgs {
		out[i] = m.Forward
	}
	return out
}

func TestMarkDuplicatesConsecutiveOnly(t *testing.T) {
	msgs := []Message{{Text: "A"}, {Text: "A"}, {Text: "B"}, {Text: "A"}}
	require.Equal(t, 1, MarkDuplicates(msgs))
	require.Equal(t, []bool{true, false, true, true}, forwards(msgs))
}

func TestMarkDuplicatesFirstAlwaysForwarded(t *testing.T) {
	msgs := []Message{{Text: ""}, {Text: ""}}
	MarkDuplicates(msgs)
	require.Equal(t, []bool{true, false}, forwards(msgs))
}

func TestGroupBatchIsPerGroup(t *testing.T) {
	order, byGroup := GroupBatch([]Message{
		{ID: 1, Group: "g1", Text: "A"},
		{ID: 2, Group: "g2", Text: "A"},
		{ID: 3, Group: "g1", Text: "A"},
	})
	require.Equal(t, []string{"g1", "g2"}, order)
	MarkDuplicates(byGroup["g1"])
	MarkDuplicates(byGroup["g2"])
	require.Equal(t, []bool{true, false}, forwards(byGroup["g1"]))
	require.Equal(t, []bool{true}, forwards(byGroup["g2"]))
}

func TestBuildDestinations(t *testing.T) {
	channels := []platform.Channel{{ID: "1", Name: "ops"}, {ID: "2", Name: "fleet-pings"}, {ID: "3", Name: "capitals"}}
	dest, unresolved := BuildDestinations(map[string][]string{
		"fleet":   {"ops", "#fleet-pings", "ops"},
		"capital": {"3", "nowhere"},
	}, channels)

	require.Equal(t, []platform.Channel{{ID: "1", Name: "ops"}, {ID: "2", Name: "fleet-pings"}}, dest["fleet"])
	require.Equal(t, []platform.Channel{{ID: "3", Name: "capitals"}}, dest["capital"])
	require.Equal(t, []string{"capital->nowhere"}, unresolved)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "@everyone Director: form up", Format(Message{Origin: "Director", Text: "form up"}))
	require.Equal(t, "@everyone form up", Format(Message{Text: "form up"}))
}

func newTestForwarder(feed Feed, out Sender, dest Destinations) *Forwarder {
	return NewForwarder(feed, out, dest, 10*time.Second, nil, clock.NewFake(time.Unix(1700000000, 0)))
}

func TestTickIdenticalMessagesSentOncePerChannel(t *testing.T) {
	feed := &fakeFeed{batches: [][]Message{{
		{ID: 11, Group: "G", Origin: "fc", Text: "x up"},
		{ID: 12, Group: "G", Origin: "fc", Text: "x up"},
	}}}
	out := &fakeSender{}
	f := newTestForwarder(feed, out, Destinations{"G": {{ID: "C1"}, {ID: "C2"}}})

	require.NoError(t, f.Tick(context.Background()))
	require.Equal(t, []sent{{"C1", "@everyone fc: x up"}, {"C2", "@everyone fc: x up"}}, out.sent)
	require.EqualValues(t, 12, f.Cursor())
}

func TestTickUnmappedGroupStillAdvancesCursor(t *testing.T) {
	feed := &fakeFeed{batches: [][]Message{{
		{ID: 5, Group: "ghost", Text: "hello"},
		{ID: 7, Group: "G", Text: "real"},
	}}}
	out := &fakeSender{}
	f := newTestForwarder(feed, out, Destinations{"G": {{ID: "C1"}}})

	require.NoError(t, f.Tick(context.Background()))
	require.Equal(t, []sent{{"C1", "@everyone real"}}, out.sent)
	require.EqualValues(t, 7, f.Cursor())
}

func TestTickDeliveryFailureDoesNotBlockCursor(t *testing.T) {
	feed := &fakeFeed{batches: [][]Message{{{ID: 3, Group: "G", Text: "a"}, {ID: 4, Group: "G", Text: "b"}}}}
	out := &fakeSender{fail: map[string]error{"C1": errors.New("timeout")}}
	f := newTestForwarder(feed, out, Destinations{"G": {{ID: "C1"}, {ID: "C2"}}})

	require.NoError(t, f.Tick(context.Background()))
	require.Equal(t, []sent{{"C2", "@everyone a"}, {"C2", "@everyone b"}}, out.sent)
	require.EqualValues(t, 4, f.Cursor())
}

func TestTickSessionLostStopsButAdvances(t *testing.T) {
	feed := &fakeFeed{batches: [][]Message{{{ID: 9, Group: "G", Text: "a"}}}}
	out := &fakeSender{fail: map[string]error{"C1": &platform.APIError{StatusCode: 401}}}
	f := newTestForwarder(feed, out, Destinations{"G": {{ID: "C1"}}})

	require.ErrorIs(t, f.Tick(context.Background()), platform.ErrSessionLost)
	require.EqualValues(t, 9, f.Cursor())
}

func TestCursorIsMonotonic(t *testing.T) {
	feed := &fakeFeed{max: 100, batches: [][]Message{
		{{ID: 104, Group: "G", Text: "a"}, {ID: 102, Group: "G", Text: "b"}},
		{{ID: 101, Group: "G", Text: "late"}},
		{},
	}}
	f := newTestForwarder(feed, &fakeSender{}, Destinations{"G": {{ID: "C1"}}})
	require.NoError(t, f.Init(context.Background()))
	require.EqualValues(t, 100, f.Cursor())

	prev := f.Cursor()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.Tick(context.Background()))
		require.GreaterOrEqual(t, f.Cursor(), prev)
		prev = f.Cursor()
	}
	require.EqualValues(t, 104, f.Cursor())
	require.Equal(t, []int64{100, 104, 104}, feed.asked)
}

func TestRunRetriesInitAndSurvivesErrors(t *testing.T) {
	feed := &fakeFeed{err: errors.New("db down")}
	fc := clock.NewFake(time.Unix(1700000000, 0))
	f := NewForwarder(feed, &fakeSender{}, Destinations{}, 10*time.Second, nil, fc)

	ctx, cancel := context.WithCancel(context.Background())
	waits := 0
	fc.OnWait(func(time.Duration) {
		waits++
		if waits == 2 {
			feed.mu.Lock()
			feed.err = nil
			feed.max = 50
			feed.mu.Unlock()
		}
		if waits == 4 {
			cancel()
		}
	})
	require.NoError(t, f.Run(ctx))
	require.EqualValues(t, 50, f.Cursor())
}
