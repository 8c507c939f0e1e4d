package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden.org/internal/authz"
	"warden.org/internal/broadcast"
	"warden.org/internal/clock"
	"warden.org/internal/config"
	"warden.org/internal/notify"
	"warden.org/internal/platform"
)

type sent struct {
	channel string
	text    string
}

type fakeSession struct {
	mu         sync.Mutex
	sent       []sent
	membersErr error
}

func (f *fakeSession) GrantRoles(context.Context, platform.Member, []platform.Role) error { return nil }
func (f *fakeSession) RevokeRoles(context.Context, platform.Member, []platform.Role) error {
	return nil
}

func (f *fakeSession) Send(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{channel: channelID, text: text})
	return nil
}

func (f *fakeSession) Self(context.Context) (platform.Member, error) {
	return platform.Member{ID: "bot", Name: "warden", Bot: true}, nil
}

func (f *fakeSession) Members(context.Context) ([]platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return []platform.Member{{ID: "bot", Bot: true, Status: platform.StatusOnline}}, nil
}

func (f *fakeSession) Roles(context.Context) ([]platform.Role, string, error) {
	return []platform.Role{
		{ID: "guild", Name: "@everyone"},
		{ID: "10", Name: "fleet"},
		{ID: "11", Name: "fleet-ping"},
	}, "guild", nil
}

func (f *fakeSession) Channels(context.Context) ([]platform.Channel, error) {
	return []platform.Channel{
		{ID: "c1", Name: "pings"},
		{ID: "c2", Name: "ops"},
		{ID: "c3", Name: "debug"},
		{ID: "c4", Name: "kills"},
	}, nil
}

func (f *fakeSession) OpenDirect(context.Context, string) (platform.DirectMessage, error) {
	return platform.DirectMessage{ChannelID: "dm"}, nil
}

func (f *fakeSession) SendDirect(context.Context, string, string) (platform.DirectMessage, error) {
	return platform.DirectMessage{ChannelID: "dm", MessageID: "1"}, nil
}

func (f *fakeSession) Messages(context.Context, string, string) ([]platform.Message, error) {
	return nil, nil
}

func (f *fakeSession) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type fakeStore struct{}

func (fakeStore) Authorizations(context.Context) (authz.Snapshot, error) {
	return authz.Snapshot{}, nil
}

func (fakeStore) RedeemAuthCode(context.Context, string, string) error { return authz.ErrUnknownCode }

func (fakeStore) IsLinked(context.Context, string) (bool, error) { return false, nil }

func (fakeStore) Character(context.Context, string) (authz.Character, error) {
	return authz.Character{}, authz.ErrNotFound
}

func (fakeStore) UpdatePingWindow(context.Context, string, authz.Window) error { return nil }

func (fakeStore) NewMessages(context.Context, int64) ([]broadcast.Message, error) {
	return nil, nil
}

func (fakeStore) MaxMessageID(context.Context) (int64, error) { return 0, nil }

func (fakeStore) NewHighValueEvent(context.Context, int64) (int64, error) { return 0, nil }

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (*recordingSink) Name() string { return "recording" }

func (r *recordingSink) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Reconcile.Interval = time.Hour
	cfg.Broadcast.Interval = time.Hour
	cfg.Watcher.Interval = time.Hour
	cfg.Verify.Interval = time.Hour
	cfg.Supervisor.RestartDelay = 10 * time.Millisecond
	cfg.Notify.DebugChannel = "debug"
	cfg.Watcher.Channel = "kills"
	cfg.Reconcile.TimeDependentGroups = "fleet->fleet-ping, ghost->fleet"
	cfg.Broadcast.Channels = "fleet->#pings, fleet->ops, capitals->missing"
	return cfg
}

func startSupervisor(t *testing.T, sup *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSessionStartIsAnnounced(t *testing.T) {
	fs := &fakeSession{}
	sup, err := New(testConfig(), Deps{
		Store:   fakeStore{},
		Connect: func(context.Context) (platform.Session, error) { return fs, nil },
		Clock:   clock.Real(),
	})
	require.NoError(t, err)

	cancel, done := startSupervisor(t, sup)
	require.Eventually(t, func() bool {
		for _, s := range fs.Sent() {
			if s.channel == "c3" && strings.HasPrefix(s.text, notify.DebugPrefix+"I am back ") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, sup.Connected())
	require.False(t, sup.Since().IsZero())

	cancel()
	require.NoError(t, <-done)
	require.False(t, sup.Connected())
	require.Zero(t, sup.Restarts())
}

func TestReconnectsAfterSessionLost(t *testing.T) {
	lost := &fakeSession{membersErr: platform.ErrSessionLost}
	healthy := &fakeSession{}
	var connects atomic.Int32
	events := &recordingSink{}

	connect := func(context.Context) (platform.Session, error) {
		switch connects.Add(1) {
		case 1:
			return lost, nil
		case 2:
			return nil, errors.New("gateway unavailable")
		default:
			return healthy, nil
		}
	}
	sup, err := New(testConfig(), Deps{
		Store:   fakeStore{},
		Connect: connect,
		Sinks:   []notify.Sink{events},
		Clock:   clock.Real(),
	})
	require.NoError(t, err)

	cancel, done := startSupervisor(t, sup)
	require.Eventually(t, func() bool {
		return sup.Restarts() == 2 && sup.Connected()
	}, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, connects.Load(), int32(3))

	cancel()
	require.NoError(t, <-done)

	kinds := events.Kinds()
	require.Contains(t, kinds, notify.KindSessionLost)
	require.Contains(t, kinds, notify.KindSessionStart)
}

func TestConnectResolvesSessionState(t *testing.T) {
	sup, err := New(testConfig(), Deps{
		Store:   fakeStore{},
		Connect: func(context.Context) (platform.Session, error) { return &fakeSession{}, nil },
	})
	require.NoError(t, err)

	sess, err := sup.connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "bot", sess.self.ID)
	require.Equal(t, authz.Escalations{"10": "11"}, sess.escalate)
	require.Equal(t, "c3", sess.debugID)
	require.Equal(t, "c4", sess.killmails)
	require.Len(t, sess.dest["fleet"], 2)
	require.Equal(t, "c1", sess.dest["fleet"][0].ID)
	require.Equal(t, "c2", sess.dest["fleet"][1].ID)
	require.NotContains(t, sess.dest, "capitals")
}

func TestConnectRejectsBadPairs(t *testing.T) {
	cfg := testConfig()
	cfg.Broadcast.Channels = "fleet"
	sup, err := New(cfg, Deps{
		Store:   fakeStore{},
		Connect: func(context.Context) (platform.Session, error) { return &fakeSession{}, nil },
	})
	require.NoError(t, err)

	_, err = sup.connect(context.Background())
	require.ErrorIs(t, err, config.ErrBadPair)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(nil, Deps{})
	require.Error(t, err)
	_, err = New(testConfig(), Deps{Store: fakeStore{}})
	require.Error(t, err)
}

func TestFindChannel(t *testing.T) {
	channels := []platform.Channel{{ID: "1", Name: "general"}, {ID: "2", Name: "ops"}}

	ch, ok := findChannel(channels, "2")
	require.True(t, ok)
	require.Equal(t, "ops", ch.Name)

	ch, ok = findChannel(channels, "#general")
	require.True(t, ok)
	require.Equal(t, "1", ch.ID)

	_, ok = findChannel(channels, "missing")
	require.False(t, ok)
}
