package lock

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"warden.org/internal/clock"
)

func TestFileLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discord.lock")

	first, err := AcquireFile(path)
	require.NoError(t, err)
	require.Nil(t, first.Lost())

	_, err = AcquireFile(path)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release(context.Background()))
	require.NoError(t, first.Release(context.Background()))

	second, err := AcquireFile(path)
	require.NoError(t, err)
	require.NoError(t, second.Release(context.Background()))
}

func TestAcquireKinds(t *testing.T) {
	l, err := Acquire(context.Background(), Options{Kind: "none"})
	require.NoError(t, err)
	require.NoError(t, l.Release(context.Background()))

	_, err = Acquire(context.Background(), Options{Kind: "zookeeper"})
	require.Error(t, err)

	l, err = Acquire(context.Background(), Options{Kind: "file", Path: filepath.Join(t.TempDir(), "x.lock")})
	require.NoError(t, err)
	require.NoError(t, l.Release(context.Background()))
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	owned := f.data[keys[0]] == args[0].(string)
	if !owned {
		return redis.NewCmdResult(int64(0), nil)
	}
	if script == releaseScript {
		delete(f.data, keys[0])
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	f.data[key] = value
	f.mu.Unlock()
}

func (f *fakeRedis) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func TestRedisLeaseExclusiveAndReleased(t *testing.T) {
	rdb := newFakeRedis()
	ctx := context.Background()

	lease, err := AcquireRedis(ctx, rdb, "warden:lock", time.Hour, clock.Real())
	require.NoError(t, err)
	v, ok := rdb.get("warden:lock")
	require.True(t, ok)
	require.Equal(t, lease.Token(), v)

	_, err = AcquireRedis(ctx, rdb, "warden:lock", time.Hour, clock.Real())
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, lease.Release(ctx))
	_, ok = rdb.get("warden:lock")
	require.False(t, ok)
}

func TestRedisReleaseKeepsForeignKey(t *testing.T) {
	rdb := newFakeRedis()
	ctx := context.Background()

	lease, err := AcquireRedis(ctx, rdb, "warden:lock", time.Hour, clock.Real())
	require.NoError(t, err)
	rdb.set("warden:lock", "someone-else")

	require.NoError(t, lease.Release(ctx))
	v, _ := rdb.get("warden:lock")
	require.Equal(t, "someone-else", v)
}

func TestRedisLeaseLostWhenStolen(t *testing.T) {
	rdb := newFakeRedis()
	clk := clock.NewFake(time.Unix(0, 0))

	lease, err := AcquireRedis(context.Background(), &stealing{fakeRedis: rdb}, "k", 30*time.Second, clk)
	require.NoError(t, err)

	select {
	case <-lease.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lease not reported lost")
	}
	require.NoError(t, lease.Release(context.Background()))
	require.Contains(t, clk.Sleeps(), 10*time.Second)
}

func TestRedisLeaseValidation(t *testing.T) {
	_, err := AcquireRedis(context.Background(), newFakeRedis(), "", time.Second, clock.Real())
	require.Error(t, err)
	_, err = AcquireRedis(context.Background(), newFakeRedis(), "k", 0, clock.Real())
	require.Error(t, err)
}

// stealing overwrites the key right after it is claimed.
type stealing struct {
	*fakeRedis
}

func (s *stealing) SetNX(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	cmd := s.fakeRedis.SetNX(ctx, key, value, exp)
	s.fakeRedis.set(key, "thief")
	return cmd
}
