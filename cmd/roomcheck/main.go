// roomcheck probes the backends the current environment points at:
// the archive store, Redis for the realtime transport and the relay server.
package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-roomsync/internal/config"
	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/obslog"
	"github.com/park285/cheese-roomsync/internal/roombuilder"
	"github.com/park285/cheese-roomsync/internal/transport/relay"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		panic(err)
	}
	logger := obslog.Named("roomcheck")
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config_invalid", zap.Error(err))
	}
	logger.Info("config_ok",
		zap.String("transport", string(cfg.ResolvedTransport())),
		zap.Bool("redis", cfg.RedisURL != ""),
		zap.Bool("database", cfg.DatabaseURL != ""),
		zap.Bool("sqlite", cfg.SQLitePath != ""),
		zap.Bool("relay", cfg.RelayBaseURL != ""),
	)

	ok := true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deps, err := roombuilder.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("backend_failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = deps.Close() }()

	if recs, err := deps.Store.Query(ctx, domain.RecordFilter{Limit: 1}); err != nil {
		ok = false
		logger.Error("archive_query_failed", zap.Error(err))
	} else {
		logger.Info("archive_ok", zap.Int("sample", len(recs)))
	}

	if deps.Redis != nil {
		if err := deps.Redis.Ping(ctx).Err(); err != nil {
			ok = false
			logger.Error("redis_ping_failed", zap.Error(err))
		} else {
			logger.Info("redis_ok")
		}
	}

	if cfg.RelayBaseURL != "" {
		client := relay.NewTicketClient(cfg.RelayBaseURL, relay.WithTimeout(5*time.Second), relay.WithRetry(1))
		if err := client.Ping(ctx); err != nil {
			ok = false
			logger.Error("relay_ping_failed", zap.String("base_url", cfg.RelayBaseURL), zap.Error(err))
		} else {
			logger.Info("relay_ok", zap.String("base_url", cfg.RelayBaseURL))
		}
	} else {
		logger.Info("relay_skipped", zap.String("reason", "RELAY_BASE_URL not set"))
	}

	if !ok {
		os.Exit(1)
	}
}
