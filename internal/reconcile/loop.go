package reconcile

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"warden.org/internal/authz"
	"warden.org/internal/clock"
	"warden.org/internal/ids"
	"warden.org/internal/notify"
	"warden.org/internal/obs"
	"warden.org/internal/platform"
)

// MemberLister reports who is currently connected.
type MemberLister interface {
	Members(ctx context.Context) ([]platform.Member, error)
}

// Prompter runs the direct-message exchange with members: unknown members
// are prompted to verify, linked members are listened to for commands.
type Prompter interface {
	Prompt(ctx context.Context, m platform.Member) error
	Listen(ctx context.Context, m platform.Member) error
	Forget(memberID string)
}

type LoopConfig struct {
	Interval    time.Duration
	Location    *time.Location
	Escalations authz.Escalations
	// SelfID is the agent's own member id; it is never touched.
	SelfID string
}

// Loop periodically reconciles every connected member. The online cache is
// owned by the goroutine running Run; a new Loop is built for every session.
type Loop struct {
	cfg      LoopConfig
	members  MemberLister
	source   authz.Source
	catalog  *Catalog
	engine   *Engine
	prompter Prompter
	sink     notify.Sink
	clock    clock.Clock
	log      *zap.Logger

	online      map[string]platform.Member
	onlineCount atomic.Int64
	lastTick    atomic.Int64
	trigger     chan struct{}
}

func NewLoop(cfg LoopConfig, members MemberLister, source authz.Source, catalog *Catalog, engine *Engine, prompter Prompter, sink notify.Sink, c clock.Clock) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if c == nil {
		c = clock.Real()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Loop{
		cfg:      cfg,
		members:  members,
		source:   source,
		catalog:  catalog,
		engine:   engine,
		prompter: prompter,
		sink:     sink,
		clock:    c,
		log:      obs.Named("reconcile"),
		online:   map[string]platform.Member{},
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger wakes the loop before its next interval. It never blocks.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Online returns the number of members seen online in the last tick.
func (l *Loop) Online() int { return int(l.onlineCount.Load()) }

// LastTick returns the time the last tick finished, zero before the first.
func (l *Loop) LastTick() time.Time {
	n := l.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run ticks until ctx is cancelled. It returns nil on cancellation and the
// error on session loss; every other failure is logged and the loop goes on.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("reconcile loop started", zap.Duration("interval", l.cfg.Interval))
	for {
		if ctx.Err() != nil {
			return nil
		}
		tick := ids.New(l.clock.Now())
		tctx := obs.WithLogger(notify.WithTick(ctx, tick), l.log.With(obs.Tick(tick)))
		err := l.Tick(tctx)
		switch {
		case err == nil:
			obs.ReconcileTick("ok")
		case ctx.Err() != nil:
			return nil
		case platform.IsSessionLost(err):
			obs.ReconcileTick("session_lost")
			return err
		default:
			obs.ReconcileTick("error")
			l.log.Error("reconcile tick failed", obs.Tick(tick), obs.Err(err))
			notify.Safe(tctx, l.sink, notify.Error(notify.KindLoopError, err, "reconcile tick failed"))
		}
		l.lastTick.Store(l.clock.Now().UnixNano())

		select {
		case <-ctx.Done():
			return nil
		case <-l.trigger:
		case <-l.clock.After(l.cfg.Interval):
		}
	}
}

// Tick runs one reconciliation pass over every connected member.
func (l *Loop) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile: panic: %v\n%s", r, debug.Stack())
		}
	}()

	members, err := l.members.Members(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: members: %w", err)
	}
	snap, err := l.source.Authorizations(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: authorizations: %w", err)
	}
	hour := authz.HourIn(l.clock.Now(), l.cfg.Location)
	protected := l.catalog.Protected()
	log := obs.FromContext(ctx)

	next := make(map[string]platform.Member, len(members))
	var authorized, unknown, missing int
	for _, m := range members {
		if m.ID == l.cfg.SelfID || m.Bot || !m.Online() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		next[m.ID] = m
		_, seen := l.online[m.ID]

		n, err := l.reconcileMember(ctx, m, snap, hour, protected, seen)
		missing += n
		if err != nil {
			return err
		}
		if _, ok := snap.Lookup(m.ID); ok {
			authorized++
		} else {
			unknown++
		}
	}

	for id, m := range l.online {
		if _, ok := next[id]; !ok {
			log.Info("member went offline", obs.MemberID(id), obs.MemberName(m.Name))
			if l.prompter != nil {
				l.prompter.Forget(id)
			}
		}
	}
	l.online = next
	l.onlineCount.Store(int64(len(next)))
	obs.ReconcileMembers(authorized, unknown)

	if missing > 0 {
		if err := l.catalog.Refresh(ctx); err != nil {
			log.Warn("catalog refresh failed", obs.Err(err))
		}
	}
	return nil
}

// reconcileMember returns the number of desired roles missing from the
// catalog and an error only when the whole tick must stop.
func (l *Loop) reconcileMember(ctx context.Context, m platform.Member, snap authz.Snapshot, hour int, protected string, seen bool) (missing int, err error) {
	log := obs.FromContext(ctx).With(obs.MemberID(m.ID), obs.MemberName(m.Name))
	defer func() {
		if r := recover(); r != nil {
			log.Error("member reconcile panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = clock.Sleep(ctx, l.clock, l.engine.backoff)
		}
	}()

	rec, ok := snap.Lookup(m.ID)
	if !ok {
		d := Diff(m.Roles, nil, l.catalog, protected)
		if err := l.engine.Apply(ctx, m, d); err != nil {
			return 0, err
		}
		if !seen {
			log.Info("unknown member connected, prompting")
			if l.prompter != nil {
				if err := l.prompter.Prompt(ctx, m); err != nil {
					if platform.IsSessionLost(err) {
						return 0, err
					}
					log.Warn("onboarding prompt failed", obs.Err(err))
				}
			}
		}
		return 0, nil
	}

	if !seen {
		log.Info("member just connected", zap.String("window", rec.Window.String()))
		notify.Safe(ctx, l.sink, notify.Info(notify.KindMemberConnected, "%s just connected", m.Name).With("member_id", m.ID))
		if l.prompter != nil {
			if err := l.prompter.Listen(ctx, m); err != nil {
				if platform.IsSessionLost(err) {
					return 0, err
				}
				log.Warn("opening direct messages failed", obs.Err(err))
			}
		}
	}
	desired := authz.Effective(rec, hour, l.cfg.Escalations)
	d := Diff(m.Roles, desired, l.catalog, protected)
	return len(d.Missing), l.engine.Apply(ctx, m, d)
}
