package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/internal/auth"
	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/handler"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/ratelimit"
	"github.com/chatrelay/internal/repository"
	"github.com/chatrelay/internal/service"
	"github.com/chatrelay/internal/startup"
	"github.com/chatrelay/internal/ws"
	"github.com/chatrelay/migrations"
)

var devUsers = []string{"alice", "bob", "carol"}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and seeded users (no external DB required)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.Init(cfg.AppEnv, cfg.LogLevel)
	logger.Info("starting API service")

	if err := run(cfg, *dev, *migrate); err != nil {
		logger.Errorf("api: %v", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}

func run(cfg *config.Config, dev, migrateOnly bool) error {
	trusted, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dev {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			return fmt.Errorf("embedded postgres: %w", err)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())

	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrateCtx, migrateCancel := context.WithTimeout(ctx, 30*time.Second)
	err = migrations.Apply(migrateCtx, pool)
	migrateCancel()
	if err != nil {
		return err
	}
	logger.Info("database connected, migrations applied")
	if migrateOnly && !dev {
		return nil
	}

	userRepo := repository.NewUserRepository(pool)
	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.TTLHours)*time.Hour)

	if dev {
		if err := seedDevUsers(ctx, userRepo, tokens); err != nil {
			return err
		}
	}

	var rdb *redis.Client
	if cfg.RateLimiting.Store == "redis" || cfg.EventBus == "redis" {
		rdb, err = startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, 30*time.Second)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	limiters := newLimiterFactory(cfg.RateLimiting.Store, rdb)
	rl := cfg.RateLimiting
	var globalIP, perUser, sendMessage ratelimit.Limiter = ratelimit.Noop{}, ratelimit.Noop{}, ratelimit.Noop{}
	if rl.HTTPEnabled {
		globalIP = limiters.build("global_ip", rl.GlobalIP)
		if rl.PerUserHTTPEnabled {
			perUser = limiters.build("per_user_http", rl.PerUserHTTP)
		}
	}
	if rl.RealtimeEnabled {
		sendMessage = limiters.build("send_message", rl.SendMessage)
	}
	for _, fw := range limiters.memory {
		fw := fw
		g.Go(func() error {
			fw.RunSweeper(gctx, 0)
			return nil
		})
	}

	guard := service.NewMembershipGuard(chatRepo)
	chatSvc := service.NewChatService(guard, chatRepo, userRepo)
	msgSvc := service.NewMessageService(guard, msgRepo, sendMessage)

	var bus ws.Bus
	if cfg.EventBus == "redis" {
		redisBus := ws.NewRedisBus(rdb, ws.DefaultBusChannel)
		g.Go(func() error { return redisBus.Run(gctx) })
		bus = redisBus
	}
	registry := ws.NewRegistry(guard)
	dispatcher := ws.NewDispatcher(registry, bus)
	hub := ws.NewHub(registry, dispatcher, msgSvc, ws.HubConfig{
		MaxConnections: cfg.WS.MaxConnections,
		SendBufferSize: cfg.WS.SendBufferSize,
		WriteWait:      time.Duration(cfg.WS.WriteTimeout) * time.Second,
		PongWait:       time.Duration(cfg.WS.PongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WS.MaxMessageSize),
	})
	g.Go(func() error {
		hub.Run(gctx)
		logger.Info("hub stopped")
		return nil
	})

	router := handler.NewRouter(handler.Routes{
		Auth:           tokens,
		RateLimit:      middleware.NewRateLimit(globalIP, perUser),
		CORSOrigins:    cfg.CORSOrigins(),
		MetricsSecret:  cfg.MetricsSecret,
		TrustedProxies: trusted,
		Health:         handler.NewHealthHandler(pool, hub),
		Config:         handler.NewConfigHandler(cfg),
		Users:          handler.NewUserHandler(userRepo),
		Chats:          handler.NewChatHandler(chatSvc, cfg.IsDevelopment()),
		Messages:       handler.NewMessageHandler(msgSvc, dispatcher, cfg.IsDevelopment()),
		WS:             handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
		IdleTimeout:  cfg.IdleTimeoutDuration(),
	}
	g.Go(func() error {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
		logger.Info("server stopped accepting connections")
		return nil
	})

	return g.Wait()
}

// limiterFactory builds limiters on the configured store and remembers the
// in-memory ones so their counters can be swept.
type limiterFactory struct {
	store  string
	rdb    *redis.Client
	memory []*ratelimit.FixedWindow
}

func newLimiterFactory(store string, rdb *redis.Client) *limiterFactory {
	return &limiterFactory{store: store, rdb: rdb}
}

func (f *limiterFactory) build(name string, p config.RateLimitPolicy) ratelimit.Limiter {
	policy := ratelimit.Policy{Name: name, Limit: p.PermitLimit, Window: p.Window()}
	if f.store == "redis" && f.rdb != nil {
		return ratelimit.NewRedisFixedWindow(f.rdb, policy)
	}
	fw := ratelimit.NewFixedWindow(policy)
	f.memory = append(f.memory, fw)
	return fw
}

func seedDevUsers(ctx context.Context, users *repository.UserRepository, tokens *auth.TokenService) error {
	for _, name := range devUsers {
		if err := users.Create(ctx, &model.User{
			ID:          uuid.NewString(),
			Username:    name,
			DisplayName: name,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		u, err := users.GetByUsername(ctx, name)
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		token, err := tokens.Issue(u.ID)
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		logger.Infof("dev user %s id=%s token=%s", name, u.ID, token)
	}
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chatrelay"
		password = "chatrelay_secret"
		database = "chatrelay"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
