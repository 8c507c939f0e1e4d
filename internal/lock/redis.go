package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"warden.org/internal/clock"
	"warden.org/internal/obs"
)

const (
	refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
)

type redisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Lease is a Redis key owned by this process through a random token. It is
// refreshed every third of its TTL; a failed refresh closes Lost.
type Lease struct {
	client redisCmdable
	closer func() error
	key    string
	token  string
	ttl    time.Duration
	clock  clock.Clock
	log    *zap.Logger

	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	release  sync.Once
}

// DialRedis connects to addr and acquires key.
func DialRedis(ctx context.Context, addr string, db int, key string, ttl time.Duration) (*Lease, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("lock: redis ping failed: %w", err)
	}
	l, err := AcquireRedis(ctx, rdb, key, ttl, clock.Real())
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	l.closer = rdb.Close
	return l, nil
}

// AcquireRedis claims key with SET NX PX and starts the refresh loop.
func AcquireRedis(ctx context.Context, client redisCmdable, key string, ttl time.Duration, c clock.Clock) (*Lease, error) {
	if key == "" || ttl <= 0 {
		return nil, errors.New("lock: redis lease needs a key and a positive ttl")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: setnx %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}

	rctx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		client: client,
		key:    key,
		token:  token,
		ttl:    ttl,
		clock:  c,
		log:    obs.Named("lock").With(zap.String("key", key)),
		lost:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.refreshLoop(rctx)
	return l, nil
}

func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Token is the value stored under the key while the lease is held.
func (l *Lease) Token() string { return l.token }

func (l *Lease) refreshLoop(ctx context.Context) {
	defer close(l.done)
	for {
		if err := clock.Sleep(ctx, l.clock, l.ttl/3); err != nil {
			return
		}
		n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
		if ctx.Err() != nil {
			return
		}
		if err != nil || n == 0 {
			l.log.Error("lease lost", zap.Error(err))
			l.lostOnce.Do(func() { close(l.lost) })
			return
		}
	}
}

// Release stops refreshing and deletes the key if this process still owns it.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.release.Do(func() {
		l.cancel()
		<-l.done
		if _, eerr := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result(); eerr != nil {
			err = fmt.Errorf("lock: release %s: %w", l.key, eerr)
		}
		if l.closer != nil {
			if cerr := l.closer(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
