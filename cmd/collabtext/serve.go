package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/gateway"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run an instance: websocket gateway, coordinator and sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.InstanceID == "" {
				cfg.InstanceID = uuid.NewString()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg, os.Stderr))
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger = logger.With(slog.String("instance", cfg.InstanceID))
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing backends", slog.Any("error", err))
		}
	}()

	var opts []gateway.Option
	peers := discovery.NewRegistry()
	if cfg.Discovery.Enabled {
		opts = append(opts, gateway.WithPeers(peers))
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gateway.New(a.coord, logger, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("collabtext instance starting",
			slog.String("listen_addr", cfg.ListenAddr),
			slog.String("log_backend", cfg.Log.Backend),
			slog.String("broker_backend", cfg.Broker.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	g.Go(func() error {
		return a.coord.Run(ctx)
	})
	if cfg.Discovery.Enabled {
		g.Go(func() error {
			return discovery.Run(ctx, discoveryConfig(cfg), peers, logger)
		})
	}

	err = g.Wait()
	logger.Info("collabtext instance stopped")
	return err
}

// discoveryConfig advertises the gateway's own port unless one is set.
func discoveryConfig(cfg config.Config) discovery.Config {
	port := cfg.Discovery.Port
	if port == 0 {
		if _, p, err := net.SplitHostPort(cfg.ListenAddr); err == nil {
			port, _ = strconv.Atoi(p)
		}
	}
	return discovery.Config{
		InstanceID: cfg.InstanceID,
		Service:    cfg.Discovery.Service,
		Domain:     cfg.Discovery.Domain,
		Port:       port,
		Browse:     cfg.Discovery.Browse,
	}
}
