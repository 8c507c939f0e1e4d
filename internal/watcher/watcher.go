// Package watcher posts new high-value killmails to a fixed channel.
package watcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"warden.org/internal/clock"
	"warden.org/internal/obs"
	"warden.org/internal/platform"
)

const feedName = "killmails"

// DefaultURLTemplate renders a kill id as a link.
const DefaultURLTemplate = "https://zkillboard.com/kill/%d/"

// Feed returns the id of the most valuable recent event above lastID, or 0.
type Feed interface {
	NewHighValueEvent(ctx context.Context, lastID int64) (int64, error)
}

type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

type Config struct {
	ChannelID   string
	Interval    time.Duration
	URLTemplate string
}

// Watcher is a single-cursor tailer. The cursor starts at zero and only moves
// after a successful delivery.
type Watcher struct {
	feed   Feed
	out    Sender
	cfg    Config
	clock  clock.Clock
	log    *zap.Logger
	cursor atomic.Int64
}

func New(feed Feed, out Sender, cfg Config, c clock.Clock) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if c == nil {
		c = clock.Real()
	}
	return &Watcher{feed: feed, out: out, cfg: cfg, clock: c, log: obs.Named("watcher")}
}

func (w *Watcher) Cursor() int64 { return w.cursor.Load() }

// Run polls until ctx is cancelled. Errors are logged and retried on the next
// interval; session loss is returned.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("killmail watcher started", obs.Channel(w.cfg.ChannelID), zap.Duration("interval", w.cfg.Interval))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if platform.IsSessionLost(err) {
				return err
			}
			w.log.Warn("killmail tick failed", obs.Cursor(w.Cursor()), obs.Err(err))
		}
		if err := clock.Sleep(ctx, w.clock, w.cfg.Interval); err != nil {
			return nil
		}
	}
}

// Tick delivers at most one new event.
func (w *Watcher) Tick(ctx context.Context) error {
	id, err := w.feed.NewHighValueEvent(ctx, w.Cursor())
	if err != nil {
		return fmt.Errorf("watcher: feed: %w", err)
	}
	if id == 0 {
		return nil
	}
	if err := w.out.Send(ctx, w.cfg.ChannelID, fmt.Sprintf(w.cfg.URLTemplate, id)); err != nil {
		return fmt.Errorf("watcher: deliver %d: %w", id, err)
	}
	w.cursor.Store(id)
	obs.FeedCursor(feedName, id)
	w.log.Info("posted expensive killmail", zap.Int64("kill_id", id))
	return nil
}
