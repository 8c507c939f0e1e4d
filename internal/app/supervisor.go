// Package app runs one platform session at a time: it resolves the guild's
// roles and channels, starts every loop and reconnects with fresh state when
// the session is lost.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warden.org/internal/authz"
	"warden.org/internal/broadcast"
	"warden.org/internal/clock"
	"warden.org/internal/config"
	"warden.org/internal/notify"
	"warden.org/internal/obs"
	"warden.org/internal/platform"
	"warden.org/internal/reconcile"
	"warden.org/internal/verify"
	"warden.org/internal/watcher"
)

// Store is everything the loops read from or write to the account database.
type Store interface {
	authz.Source
	verify.Store
	broadcast.Feed
	watcher.Feed
}

// Connector opens a new platform session.
type Connector func(ctx context.Context) (platform.Session, error)

// Deps are the collaborators shared across sessions.
type Deps struct {
	Store   Store
	Connect Connector
	// Sinks receive every operational event in addition to the log and the
	// debug channel.
	Sinks []notify.Sink
	Clock clock.Clock
}

// Supervisor owns the session lifecycle.
type Supervisor struct {
	cfg   *config.Config
	deps  Deps
	clock clock.Clock
	log   *zap.Logger

	connected atomic.Bool
	since     atomic.Int64
	restarts  atomic.Int64
}

func New(cfg *config.Config, deps Deps) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if deps.Store == nil || deps.Connect == nil {
		return nil, errors.New("app: store and connector are required")
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Supervisor{cfg: cfg, deps: deps, clock: c, log: obs.Named("supervisor")}, nil
}

// Connected reports whether a session is currently running its loops.
func (s *Supervisor) Connected() bool { return s.connected.Load() }

// Since returns when the current session came up, zero while disconnected.
func (s *Supervisor) Since() time.Time {
	n := s.since.Load()
	if n == 0 || !s.connected.Load() {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Restarts counts sessions that ended with an error.
func (s *Supervisor) Restarts() int { return int(s.restarts.Load()) }

// Run keeps a session alive until ctx is cancelled. It always returns nil on
// cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	delay := s.cfg.Supervisor.RestartDelay
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.restarts.Add(1)
		if err == nil {
			err = errors.New("loops stopped unexpectedly")
		}
		s.log.Error("session ended, reconnecting",
			obs.Err(err),
			zap.Bool("session_lost", platform.IsSessionLost(err)),
			zap.Duration("delay", delay),
		)
		notify.Safe(ctx, s.baseSink(), notify.Error(notify.KindSessionLost, err, "session ended, reconnecting in %s", delay))
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			return nil
		}
	}
}

func (s *Supervisor) baseSink() notify.Sink {
	sinks := notify.Multi{notify.NewLog(nil)}
	return append(sinks, s.deps.Sinks...)
}

// session is the state built for one connection. Nothing in it outlives the
// connection.
type session struct {
	conn      platform.Session
	self      platform.Member
	catalog   *reconcile.Catalog
	escalate  authz.Escalations
	dest      broadcast.Destinations
	debugID   string
	killmails string
	sink      notify.Sink
}

func (s *Supervisor) runSession(ctx context.Context) error {
	sess, err := s.connect(ctx)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(s.cfg.Reconcile.Timezone)
	if err != nil {
		return fmt.Errorf("app: timezone: %w", err)
	}
	st := s.deps.Store
	c := s.clock

	engine := reconcile.NewEngine(sess.conn, c, s.cfg.Reconcile.ApplyPause, s.cfg.Reconcile.ErrorBackoff)

	var loop *reconcile.Loop
	verifier := verify.NewService(verify.Config{
		AuthWebsite:   s.cfg.Verify.AuthWebsite,
		SelfID:        sess.self.ID,
		Interval:      s.cfg.Verify.Interval,
		PendingTTL:    s.cfg.Verify.PendingTTL,
		MaxAttempts:   s.cfg.Verify.MaxAttempts,
		AttemptWindow: s.cfg.Verify.AttemptWindow,
		OnVerified:    func(string) { loop.Trigger() },
	}, sess.conn, st, sess.sink, c)

	loop = reconcile.NewLoop(reconcile.LoopConfig{
		Interval:    s.cfg.Reconcile.Interval,
		Location:    loc,
		Escalations: sess.escalate,
		SelfID:      sess.self.ID,
	}, sess.conn, st, sess.catalog, engine, verifier, sess.sink, c)

	forwarder := broadcast.NewForwarder(st, sess.conn, sess.dest, s.cfg.Broadcast.Interval, sess.sink, c)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return forwarder.Run(gctx) })
	g.Go(func() error { return verifier.Run(gctx) })
	if sess.killmails != "" {
		w := watcher.New(st, sess.conn, watcher.Config{
			ChannelID:   sess.killmails,
			Interval:    s.cfg.Watcher.Interval,
			URLTemplate: s.cfg.Watcher.URLTemplate,
		}, c)
		g.Go(func() error { return w.Run(gctx) })
	}

	s.since.Store(c.Now().UnixNano())
	s.connected.Store(true)
	defer s.connected.Store(false)

	notify.Safe(ctx, sess.sink, notify.Info(notify.KindSessionStart, "I am back %s!", c.Now().Format(time.DateTime)))
	return g.Wait()
}

// connect opens a session and resolves everything the loops need from it.
func (s *Supervisor) connect(ctx context.Context) (*session, error) {
	p, err := s.deps.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: connect: %w", err)
	}
	self, err := p.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: self: %w", err)
	}
	log := s.log.With(obs.MemberID(self.ID), obs.MemberName(self.Name))

	catalog := reconcile.NewCatalog(p)
	if err := catalog.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("app: role catalog: %w", err)
	}

	pairs, err := config.ParsePairs(s.cfg.Reconcile.TimeDependentGroups)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if prev, dup := refs[pair.Key]; dup && prev != pair.Value {
			log.Warn("role escalated twice, keeping the last", zap.String("role", pair.Key), zap.String("dropped", prev))
		}
		refs[pair.Key] = pair.Value
	}
	escalate, err := catalog.ResolveEscalations(refs)
	if err != nil {
		log.Warn("some time dependent roles are unknown", obs.Err(err))
	}

	channels, err := p.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: channels: %w", err)
	}
	groups, err := config.ParsePairs(s.cfg.Broadcast.Channels)
	if err != nil {
		return nil, err
	}
	dest, unresolved := broadcast.BuildDestinations(config.Multimap(groups), channels)
	if len(unresolved) > 0 {
		log.Warn("broadcast channels not found", zap.Strings("pairs", unresolved))
	}

	sess := &session{
		conn:     p,
		self:     self,
		catalog:  catalog,
		escalate: escalate,
		dest:     dest,
	}
	if ref := s.cfg.Notify.DebugChannel; ref != "" {
		if ch, ok := findChannel(channels, ref); ok {
			sess.debugID = ch.ID
		} else {
			log.Warn("debug channel not found", obs.Channel(ref))
		}
	}
	if ref := s.cfg.Watcher.Channel; ref != "" {
		if ch, ok := findChannel(channels, ref); ok {
			sess.killmails = ch.ID
		} else {
			log.Warn("killmail channel not found, watcher disabled", obs.Channel(ref))
		}
	}

	sinks := notify.Multi{notify.NewLog(nil), notify.NewChannel(p, sess.debugID)}
	sess.sink = append(sinks, s.deps.Sinks...)

	log.Info("session ready",
		obs.Count(catalog.Len()),
		zap.Int("escalations", len(escalate)),
		zap.Int("broadcast_groups", len(dest)),
		zap.Bool("watcher", sess.killmails != ""),
	)
	return sess, nil
}

func findChannel(channels []platform.Channel, ref string) (platform.Channel, bool) {
	for _, ch := range channels {
		if ch.ID == ref {
			return ch, true
		}
	}
	name := strings.TrimPrefix(ref, "#")
	for _, ch := range channels {
		if strings.TrimPrefix(ch.Name, "#") == name {
			return ch, true
		}
	}
	return platform.Channel{}, false
}
