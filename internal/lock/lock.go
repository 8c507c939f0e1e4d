// Package lock keeps a second agent from driving the same guild.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHeld is returned when another instance owns the lock.
var ErrHeld = errors.New("lock: already held")

// Lock is an acquired single-instance guard.
type Lock interface {
	// Lost is closed when the lock can no longer be guaranteed. It is nil
	// for locks that cannot be lost.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// Options selects and configures the guard.
type Options struct {
	// Kind is "file", "redis" or "none".
	Kind string
	Path string

	RedisAddr string
	RedisDB   int
	Key       string
	TTL       time.Duration
}

// Acquire obtains the guard described by opts.
func Acquire(ctx context.Context, opts Options) (Lock, error) {
	switch opts.Kind {
	case "", "none":
		return nopLock{}, nil
	case "file":
		return AcquireFile(opts.Path)
	case "redis":
		return DialRedis(ctx, opts.RedisAddr, opts.RedisDB, opts.Key, opts.TTL)
	default:
		return nil, fmt.Errorf("lock: unknown kind %q", opts.Kind)
	}
}

type nopLock struct{}

func (nopLock) Lost() <-chan struct{}         { return nil }
func (nopLock) Release(context.Context) error { return nil }
