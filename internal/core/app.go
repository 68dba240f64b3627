// Package core wires the dispatch engine, session manager, stores, channel
// adapter, and HTTP facade into one runnable app.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"wablast/internal/api"
	"wablast/internal/cache"
	"wablast/internal/config"
	"wablast/internal/dispatch"
	"wablast/internal/progress"
	"wablast/internal/scheduler"
	"wablast/internal/session"
	"wablast/internal/storage"
	"wablast/internal/transport"
	"wablast/internal/transport/telegram"
	"wablast/internal/transport/wagate"
	"wablast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store    storage.Store
	rdb      *redis.Client
	channel  transport.Channel
	sessions *session.Manager
	pub      *progress.Publisher
	engine   *dispatch.Engine
	sched    *scheduler.Service
	srv      *http.Server

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("info")
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	channel, err := buildChannel(cfg, logs.Logger())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	linkTimeout, err := config.ParseDurationOrDefault("session.link_timeout", cfg.Session.LinkTimeout, 60*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sessions := session.NewManager(channel, linkTimeout,
		logs.Logger().With(logx.String("comp", "session")))

	grace, err := config.ParseDurationOrDefault("dispatch.progress_grace", cfg.Dispatch.ProgressGrace, 5*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pub := progress.NewPublisher(grace)

	var rdb *redis.Client
	var ledger cache.Ledger = cache.Noop{}
	if cfg.Redis != nil && cfg.Redis.Enabled {
		ttl, err := config.ParseDurationOrDefault("redis.ttl", cfg.Redis.TTL, 24*time.Hour)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ledger = cache.NewRedisLedger(rdb, ttl)
	}

	delay, err := config.ParseDurationOrDefault("dispatch.message_delay", cfg.Dispatch.MessageDelay, 2*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := dispatch.New(dispatch.Config{MessageDelay: delay},
		store, store, channel, sessions, pub, ledger,
		logs.Logger().With(logx.String("comp", "dispatch")))

	// Disconnect-aborts-dispatch policy: losing the session cancels the
	// in-flight loop rather than letting it run against a dead transport.
	sessions.OnDisconnect(func(reason string) {
		engine.CancelInFlight("session disconnected: " + reason)
	})

	sched := scheduler.New(engine, logs.Logger().With(logx.String("comp", "scheduler")))

	handler := api.NewHandler(sessions, engine, sched, store, pub,
		logs.Logger().With(logx.String("comp", "api")))
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		store:    store,
		rdb:      rdb,
		channel:  channel,
		sessions: sessions,
		pub:      pub,
		engine:   engine,
		sched:    sched,
		srv:      srv,
	}, nil
}

func buildChannel(cfg *config.Config, log logx.Logger) (transport.Channel, error) {
	switch cfg.Channel.Kind {
	case "wagate":
		pollEvery, err := config.ParseDurationOrDefault("channel.wagate.status_poll_every",
			cfg.Channel.Wagate.StatusPollEvery, 2*time.Second)
		if err != nil {
			return nil, err
		}
		return wagate.New(wagate.Config{
			BaseURL:         cfg.Channel.Wagate.BaseURL,
			Token:           cfg.Channel.Wagate.Token,
			StatusPollEvery: pollEvery,
		}, log.With(logx.String("comp", "wagate")))
	case "telegram":
		return telegram.New(telegram.Config{
			Token: cfg.Channel.Telegram.Token,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("channel.kind %q is not supported", cfg.Channel.Kind)
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sched.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("http listening", logx.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server stopped", logx.Err(err))
		}
	}()

	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.cfgm.Watch(watchCtx, a.applyConfig)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// applyConfig propagates the live-applicable parts of a reloaded config.
// Channel, storage, and redis changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if err := a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}); err != nil {
		a.log.Warn("log config not applied", logx.Err(err))
	}
	if delay, err := config.ParseDurationField("dispatch.message_delay", cfg.Dispatch.MessageDelay); err == nil && delay > 0 {
		a.engine.Apply(dispatch.Config{MessageDelay: delay})
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}

	a.sched.Stop(shutdownCtx)
	a.engine.Stop(shutdownCtx)
	if err := a.sessions.Disconnect(shutdownCtx); err != nil {
		a.log.Warn("session disconnect on stop", logx.Err(err))
	}

	a.wg.Wait()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("app stopped")
	return a.logs.Close()
}
