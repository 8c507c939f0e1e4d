package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"warden.org/internal/clock"
	"warden.org/internal/ids"
	"warden.org/internal/notify"
	"warden.org/internal/obs"
	"warden.org/internal/platform"
)

const feedName = "fleet"

// Forwarder moves new ping log entries to their destination channels.
type Forwarder struct {
	feed     Feed
	out      Sender
	dest     Destinations
	interval time.Duration
	clock    clock.Clock
	sink     notify.Sink
	log      *zap.Logger

	cursor atomic.Int64
	ready  atomic.Bool
}

func NewForwarder(feed Feed, out Sender, dest Destinations, interval time.Duration, sink notify.Sink, c clock.Clock) *Forwarder {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Forwarder{
		feed:     feed,
		out:      out,
		dest:     dest,
		interval: interval,
		clock:    c,
		sink:     sink,
		log:      obs.Named("broadcast"),
	}
}

// Cursor returns the highest id handled so far.
func (f *Forwarder) Cursor() int64 { return f.cursor.Load() }

// Init positions the cursor at the current end of the log so history is not
// replayed.
func (f *Forwarder) Init(ctx context.Context) error {
	id, err := f.feed.MaxMessageID(ctx)
	if err != nil {
		return fmt.Errorf("broadcast: max message id: %w", err)
	}
	f.setCursor(id)
	f.ready.Store(true)
	f.log.Info("forwarder cursor initialised", obs.Cursor(id))
	return nil
}

func (f *Forwarder) setCursor(id int64) {
	if id > f.cursor.Load() {
		f.cursor.Store(id)
		obs.FeedCursor(feedName, id)
	}
}

// Run forwards until ctx is cancelled. Only session loss ends it early.
func (f *Forwarder) Run(ctx context.Context) error {
	f.log.Info("forwarder started", zap.Duration("interval", f.interval))
	for {
		if ctx.Err() != nil {
			return nil
		}
		tick := ids.New(f.clock.Now())
		tctx := obs.WithLogger(notify.WithTick(ctx, tick), f.log.With(obs.Tick(tick)))

		var err error
		if !f.ready.Load() {
			err = f.Init(tctx)
		} else {
			err = f.Tick(tctx)
		}
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case platform.IsSessionLost(err):
			return err
		default:
			f.log.Error("forwarder tick failed", obs.Tick(tick), obs.Err(err))
			notify.Safe(tctx, f.sink, notify.Error(notify.KindLoopError, err, "broadcast forwarder tick failed"))
		}

		if err := clock.Sleep(ctx, f.clock, f.interval); err != nil {
			return nil
		}
	}
}

// Tick forwards one batch. The cursor moves to the highest id in the batch
// whatever happens to individual deliveries.
func (f *Forwarder) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broadcast: panic: %v\n%s", r, debug.Stack())
		}
	}()

	batch, err := f.feed.NewMessages(ctx, f.Cursor())
	if err != nil {
		return fmt.Errorf("broadcast: new messages: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	log := obs.FromContext(ctx)
	maxID := f.Cursor()
	for _, m := range batch {
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	defer f.setCursor(maxID)
	log.Info("new broadcast messages", obs.Count(len(batch)))

	order, byGroup := GroupBatch(batch)
	for _, group := range order {
		msgs := byGroup[group]
		if dups := MarkDuplicates(msgs); dups > 0 {
			log.Info("suppressing duplicates", obs.Group(group), obs.Count(dups))
		}
		channels, ok := f.dest[group]
		if !ok || len(channels) == 0 {
			log.Warn("no destination for group, skipping", obs.Group(group), obs.Count(len(msgs)))
			for range msgs {
				obs.BroadcastMessage(group, "unmapped")
			}
			continue
		}
		for _, m := range msgs {
			if !m.Forward {
				obs.BroadcastMessage(group, "suppressed")
				continue
			}
			if err := f.deliver(ctx, group, m, channels); err != nil {
				return err
			}
		}
	}
	return nil
}

// deliver sends m to every channel. Only session loss and cancellation are
// returned; other failures are logged per channel.
func (f *Forwarder) deliver(ctx context.Context, group string, m Message, channels []platform.Channel) error {
	text := Format(m)
	log := obs.FromContext(ctx)
	for _, ch := range channels {
		err := f.out.Send(ctx, ch.ID, text)
		switch {
		case err == nil:
			obs.BroadcastMessage(group, "forwarded")
		case platform.IsSessionLost(err), ctx.Err() != nil:
			return err
		default:
			obs.BroadcastMessage(group, "failed")
			log.Warn("broadcast delivery failed",
				obs.Group(group), obs.Channel(ch.Name), zap.Int64("message_id", m.ID), obs.Err(err))
		}
	}
	return nil
}
