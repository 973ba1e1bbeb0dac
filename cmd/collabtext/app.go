package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"collabtext/internal/auth"
	"collabtext/internal/config"
	"collabtext/internal/coordstore"
	"collabtext/internal/distribution"
	"collabtext/internal/oplog"
	"collabtext/internal/session"
	"collabtext/internal/snapshot"
)

// app holds every backend built from the configuration, so they can be
// closed in reverse order.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	log       oplog.Store
	broker    distribution.Broker
	sessions  coordstore.Store
	snapshots snapshot.Store
	coord     *session.Coordinator
	closers   []io.Closer
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.Level()}))
}

func openLog(ctx context.Context, cfg config.LogConfig) (oplog.Store, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		return oplog.OpenBolt(cfg.BoltPath)
	case config.BackendPostgres:
		return oplog.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return oplog.NewMemoryStore(), nil
	}
}

// newApp opens the configured backends and starts a coordinator on them.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.log, err = openLog(ctx, cfg.Log); err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	a.closers = append(a.closers, a.log)

	switch cfg.Broker.Backend {
	case config.BackendRedis:
		a.broker, err = distribution.NewRedisBroker(ctx, distribution.RedisConfig{
			Addr:      cfg.Broker.RedisAddr,
			Password:  cfg.Broker.RedisPassword,
			DB:        cfg.Broker.RedisDB,
			Prefix:    cfg.Broker.Prefix,
			ReadBlock: cfg.Broker.ReadBlock,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
	default:
		a.broker = distribution.NewHub(logger)
	}
	a.closers = append(a.closers, a.broker)

	switch cfg.Sessions.Backend {
	case config.BackendRedis:
		if a.sessions, err = coordstore.NewRedisStore(ctx, cfg.Sessions.RedisAddr, cfg.Sessions.Prefix); err != nil {
			return nil, fmt.Errorf("connect session store: %w", err)
		}
	default:
		a.sessions = coordstore.NewMemoryStore()
	}
	a.closers = append(a.closers, a.sessions)

	if cfg.Snapshots.Enabled {
		store, err := snapshot.OpenBadger(snapshot.Config{
			Path:     filepath.Clean(cfg.Snapshots.Path),
			InMemory: cfg.Snapshots.InMemory,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open snapshots: %w", err)
		}
		a.snapshots = store
		a.closers = append(a.closers, store)
	}

	coord, err := session.New(session.Options{
		Instance:       cfg.InstanceID,
		Log:            a.log,
		Broker:         a.broker,
		Sessions:       a.sessions,
		Verifier:       auth.NewStaticVerifier(cfg.Auth.Grants, nil),
		Snapshots:      a.snapshots,
		SnapshotEvery:  cfg.Snapshots.Every,
		Policy:         cfg.Conflicts.Policy(),
		DeferTimeout:   cfg.Conflicts.DeferTimeout,
		Expiry:         cfg.Sessions.Expiry,
		SweepInterval:  cfg.Sessions.SweepInterval,
		HeartbeatEvery: cfg.Sessions.HeartbeatEvery,
		Retry:          cfg.Broker.Retry(),
		HistoryLimit:   cfg.Log.HistoryLimit,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	a.coord = coord
	a.closers = append(a.closers, coord)
	return a, nil
}

// Close stops the coordinator and closes the backends, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
