package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"

	"github.com/Dancode-188/synckit/internal/config"
	"github.com/Dancode-188/synckit/internal/hub"
	"github.com/Dancode-188/synckit/internal/logging"
	"github.com/Dancode-188/synckit/internal/metrics"
	"github.com/Dancode-188/synckit/internal/pubsub"
	"github.com/Dancode-188/synckit/internal/security"
	"github.com/Dancode-188/synckit/internal/server"
	"github.com/Dancode-188/synckit/internal/storage"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	metricsInterval = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.Init(logging.Config{Level: "info", Format: "json"})
		boot.Fatal().Err(err).Msg("configuration invalid")
	}

	log := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	serverID := uuid.NewString()
	log.Info().
		Str("serverId", serverID).
		Str("environment", cfg.Environment).
		Str("version", server.Version).
		Msg("starting synckit-server")

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	var store storage.Adapter
	if cfg.DatabaseURL != "" {
		pg := storage.NewPostgresAdapter(&storage.Config{
			ConnectionString: cfg.DatabaseURL,
			PoolMinConns:     cfg.DatabasePoolMin,
			PoolMaxConns:     cfg.DatabasePoolMax,
			AcquireTimeout:   5 * time.Second,
			CommandTimeout:   60 * time.Second,
		}, log)
		if err := pg.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("storage connect failed")
		}
		store = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set; documents are memory-only")
	}

	var bus pubsub.Bus
	switch {
	case cfg.RedisURL != "":
		bus = pubsub.NewRedisBus(cfg.RedisURL, log)
	case cfg.NATSURL != "":
		bus = pubsub.NewNATSBus(cfg.NATSURL, log)
	}
	if bus != nil {
		if err := bus.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("bus connect failed; running single-instance")
			bus = nil
		}
	}

	limits := security.NewManager()
	limits.Start()

	h := hub.New(hub.Options{
		Logger:       log,
		ServerID:     serverID,
		JWTSecret:    cfg.JWTSecret,
		AuthRequired: cfg.AuthRequired,
		Store:        store,
		Bus:          bus,
		Channels:     pubsub.Channels{Prefix: cfg.RedisChannelPrefix},
		Limits:       limits,
		Namespace:    security.DefaultNamespace,
	})
	h.Start()
	h.WatchPresence(ctx)
	h.AnnouncePresence(ctx)

	collector := metrics.NewCollector(metricsInterval)
	collector.Start()

	srv := server.New(cfg, log, h, store, bus, limits)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listener failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	collector.Stop()
	log.Info().Msg("bye")
}
