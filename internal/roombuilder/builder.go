package roombuilder

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/park285/cheese-roomsync/internal/archive"
	"github.com/park285/cheese-roomsync/internal/config"
	"github.com/park285/cheese-roomsync/internal/msgcat"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/rules"
	"github.com/park285/cheese-roomsync/internal/session"
	"github.com/park285/cheese-roomsync/internal/transport"
	"github.com/park285/cheese-roomsync/internal/transport/loopback"
	"github.com/park285/cheese-roomsync/internal/transport/realtime"
	"github.com/park285/cheese-roomsync/internal/transport/relay"
)

type Deps struct {
	Config    *config.AppConfig
	Transport config.Transport
	Rules     room.Rules
	Store     archive.Store
	Guard     *archive.Guard
	Outbox    *archive.Outbox
	Catalog   *msgcat.Catalog
	Redis     *redis.Client // realtime only
	Hub       *loopback.Hub // loopback only

	NewAdapter session.AdapterFactory
	logger     *zap.Logger
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cat, err := msgcat.New(cfg.MsgOverrideDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := &Deps{
		Config:    cfg,
		Transport: cfg.ResolvedTransport(),
		Rules:     rules.New(),
		Store:     store,
		Guard:     archive.NewGuard(),
		Catalog:   cat,
		logger:    logger,
	}
	d.Outbox = archive.NewOutbox(store,
		archive.WithRetryDelay(cfg.OutboxRetryInterval, cfg.OutboxRetryMax),
		archive.WithOutboxLogger(logger),
	)

	switch d.Transport {
	case config.TransportRealtime:
		opts, err := parseRedisURL(cfg.RedisURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.Redis = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.Redis.Ping(pingCtx).Err(); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		rtCfg := realtime.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			PresenceTTL:       cfg.PresenceTTL,
			PruneInterval:     cfg.PruneInterval,
			PruneGrace:        cfg.PruneGrace,
			Logger:            logger,
		}
		d.NewAdapter = func() transport.Adapter { return realtime.New(d.Redis, d.Rules, rtCfg) }
	case config.TransportRelay:
		rlCfg := relay.Config{BaseURL: cfg.RelayBaseURL, WSURL: cfg.RelayWSURL, Logger: logger}
		d.NewAdapter = func() transport.Adapter { return relay.New(rlCfg, relay.WithTimeout(8*time.Second)) }
	default:
		d.Hub = NewHub(cfg, d.Rules, logger)
		d.NewAdapter = func() transport.Adapter { return loopback.New(d.Hub) }
	}
	logger.Info("roombuilder_ready",
		zap.String("transport", string(d.Transport)),
		zap.Bool("database", cfg.DatabaseURL != ""),
		zap.Bool("sqlite", cfg.SQLitePath != ""),
	)
	return d, nil
}

// NewHub builds the loopback authority used in-process and by the relay server.
func NewHub(cfg *config.AppConfig, r room.Rules, logger *zap.Logger) *loopback.Hub {
	return loopback.NewHub(r,
		loopback.WithPresenceTTL(cfg.PresenceTTL),
		loopback.WithPruneGrace(cfg.PruneGrace),
		loopback.WithPruneInterval(cfg.PruneInterval),
		loopback.WithLogger(logger),
	)
}

// OpenStore prefers Postgres, then SQLite, then memory.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (archive.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		s, err := archive.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	case cfg.SQLitePath != "":
		return archive.OpenSQLite(cfg.SQLitePath)
	default:
		return archive.NewMemoryStore(), nil
	}
}

func (d *Deps) NewController() *session.Controller {
	return session.New(d.NewAdapter, d.Rules, d.Guard, d.Outbox, session.Config{
		HeartbeatInterval:  d.Config.HeartbeatInterval,
		PollInterval:       d.Config.ArchivePollInterval,
		MoveConfirmTimeout: d.Config.MoveConfirmTimeout,
		ChatRate:           rate.Limit(d.Config.ChatRate),
		ChatBurst:          d.Config.ChatBurst,
		Logger:             d.logger,
	})
}

func (d *Deps) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	if d.Hub != nil {
		d.Hub.Close()
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	return errors.Join(errs...)
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := u.Port()
	if portStr == "" {
		portStr = "6379"
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return nil, err
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{
		Addr:     host + ":" + portStr,
		Username: u.User.Username(),
		Password: pass,
		DB:       db,
	}, nil
}
