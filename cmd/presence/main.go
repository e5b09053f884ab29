package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/cwrk-planet/presence-service/config"
	"github.com/cwrk-planet/presence-service/internal/coordinator"
	"github.com/cwrk-planet/presence-service/internal/metrics"
	"github.com/cwrk-planet/presence-service/internal/postgres"
	"github.com/cwrk-planet/presence-service/internal/presence"
	"github.com/cwrk-planet/presence-service/internal/reaper"
	"github.com/cwrk-planet/presence-service/internal/redisstore"
	"github.com/cwrk-planet/presence-service/internal/replay"
	"github.com/cwrk-planet/presence-service/internal/service"
	grpcx "github.com/cwrk-planet/presence-service/internal/transport/grpc"
	httpx "github.com/cwrk-planet/presence-service/internal/transport/http"
	"github.com/cwrk-planet/presence-service/internal/transport/ws"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting presence-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	ctx := context.Background()

	// --- stores ---
	rdb, err := redisstore.Connect(ctx, redisstore.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		ConnectWait:  cfg.Redis.ConnectWait,
	})
	if err != nil {
		log.Fatalf("redis: %v", err)
	}

	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:               cfg.Postgres.DSN,
		MaxConns:          cfg.Postgres.MaxConns,
		MinConns:          cfg.Postgres.MinConns,
		MaxConnLifetime:   cfg.Postgres.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Postgres.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Postgres.HealthCheckPeriod,
		ApplicationName:   cfg.Postgres.ApplicationName,
	})
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}

	m := metrics.New()
	fast := redisstore.NewFastStore(rdb)
	store := coordinator.New(fast, redisstore.NewRoomStore(rdb), postgres.NewRoomRepository(pool), m)

	// --- services ---
	roomSvc := service.NewRoomService(store, cfg.Assignment, m)
	memberSvc := service.NewMemberService(roomSvc, store, m)
	if _, err := roomSvc.EnsureDefaultRoom(ctx); err != nil {
		log.Fatalf("default room: %v", err)
	}

	var nonces replay.NonceStore = replay.NewFastStore(fast)
	if cfg.Replay.Store == "memory" {
		nonces = replay.NewMemoryStore()
	}
	guard := replay.NewGuard(nonces, cfg.Replay.Window(), m)

	// --- WS Hub & presence ---
	hub := ws.NewHub()
	events := presence.NewDispatcher()
	presenceSvc := presence.NewCoordinator(roomSvc, memberSvc, presence.NewRegistry(fast), hub, events, m)
	wsServer := ws.NewServer(hub, presenceSvc, guard, cfg.HTTP.AllowedOrigins)

	// --- HTTP ---
	router := httpx.NewRouter(httpx.RouterDeps{
		Handler:        httpx.NewHandler(roomSvc, memberSvc, presenceSvc, store.Health),
		WS:             wsServer.HandleWS,
		Metrics:        m.Handler(),
		AdminToken:     cfg.HTTP.AdminToken,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	httpSrv := httpx.NewServer(httpx.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, router)

	// --- gRPC ---
	health := grpcx.NewHealth(store.Health, 5*time.Second)
	grpcSrv := grpcx.NewServer(cfg.GRPC.Addr, health)

	// --- run ---
	workersCtx, stopWorkers := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(workersCtx)
	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		return httpSrv.Run()
	})
	g.Go(grpcSrv.Run)
	g.Go(func() error { return health.Run(gctx) })
	if !cfg.Reaper.Disabled {
		r := reaper.New(store, cfg.Assignment.EmptyRoomIdleTTL, cfg.Reaper.Interval, m)
		g.Go(func() error { return r.Run(gctx) })
	}

	go func() {
		// a listener that dies takes the process down the same way a signal does
		<-gctx.Done()
		if workersCtx.Err() == nil {
			slog.Error("worker failed, shutting down", "err", context.Cause(gctx))
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(syscall.SIGTERM)
			}
		}
	}()

	// --- graceful shutdown ---
	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"presence-service": func(ctx context.Context) error {
			err := multierr.Combine(
				httpSrv.Shutdown(ctx),
				grpcSrv.Shutdown(ctx),
			)
			stopWorkers()
			err = multierr.Append(err, g.Wait())
			pool.Close()
			return multierr.Append(err, rdb.Close())
		},
	})

	exitCode := <-wait
	slog.Info("stopped", "exit_code", exitCode)
	os.Exit(exitCode)
}
