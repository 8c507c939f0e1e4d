package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warden.org/internal/app"
	"warden.org/internal/config"
	"warden.org/internal/httpapi"
	"warden.org/internal/lock"
	"warden.org/internal/notify"
	"warden.org/internal/obs"
	"warden.org/internal/platform"
	"warden.org/internal/store/pg"
	"warden.org/internal/stream"
)

var errLockLost = errors.New("single-instance lock lost")

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts.cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := obs.Named("main")
	obs.InitMetrics()
	obs.InitBuildInfo(version, commit)

	guard, err := lock.Acquire(ctx, lock.Options{
		Kind:      cfg.Lock.Kind,
		Path:      cfg.Lock.Path,
		RedisAddr: cfg.Lock.Redis.Addr,
		RedisDB:   cfg.Lock.Redis.DB,
		Key:       cfg.Lock.Redis.Key,
		TTL:       cfg.Lock.Redis.TTL,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Release(context.Background()); err != nil {
			log.Warn("lock release failed", obs.Err(err))
		}
	}()

	store, err := pg.Open(cfg.Database.DSN, pg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		MinValue:        cfg.Watcher.MinValue,
		Lookback:        cfg.Watcher.Lookback,
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	hub := stream.New()
	sinks, closeSinks := buildSinks(cfg)
	sinks = append(sinks, hub)
	defer closeSinks()

	connect := func(context.Context) (platform.Session, error) {
		client, err := platform.New(platform.Config{
			BaseURL:           cfg.Discord.BaseURL,
			Token:             cfg.Discord.Token,
			GuildID:           cfg.Discord.GuildID,
			RequestsPerSecond: cfg.Discord.RequestsPerSecond,
			Burst:             cfg.Discord.Burst,
			HTTPClient:        &http.Client{Timeout: cfg.Discord.Timeout},
			UserAgent:         "DiscordBot (https://warden.org, " + version + ")",
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	sup, err := app.New(cfg, app.Deps{Store: store, Connect: connect, Sinks: sinks})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if lost := guard.Lost(); lost != nil {
		go func() {
			select {
			case <-lost:
				cancel(errLockLost)
			case <-ctx.Done():
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })

	if cfg.HTTP.Addr != "" {
		api := httpapi.New(httpapi.ReadyProbe{DB: store, Session: sup}, version).WithEvents(hub)
		srv := api.Server(cfg.HTTP.Addr)
		g.Go(func() error {
			log.Info("ops http listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Info("warden started", zap.String("version", version), zap.String("guild", cfg.Discord.GuildID))
	err = g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, errLockLost) {
		return cause
	}
	log.Info("warden stopped")
	return err
}

func buildSinks(cfg *config.Config) ([]notify.Sink, func()) {
	var (
		sinks   []notify.Sink
		closers []func() error
	)
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		k := notify.NewKafka(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if cfg.Notify.Mail.Host != "" {
		sinks = append(sinks, notify.NewMail(notify.MailConfig{
			Host:     cfg.Notify.Mail.Host,
			Port:     cfg.Notify.Mail.Port,
			Username: cfg.Notify.Mail.Username,
			Password: cfg.Notify.Mail.Password,
			From:     cfg.Notify.Mail.From,
			To:       cfg.Notify.Mail.To,
		}))
	}
	return sinks, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}
