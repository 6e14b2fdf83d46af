package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chipatara/clinic-scheduling/internal/booking"
	"github.com/chipatara/clinic-scheduling/internal/calendar"
	"github.com/chipatara/clinic-scheduling/internal/config"
	"github.com/chipatara/clinic-scheduling/internal/db"
	"github.com/chipatara/clinic-scheduling/internal/logger"
	redisclient "github.com/chipatara/clinic-scheduling/internal/redis"
)

// token-refresher renews calendar credentials before they expire, so API
// requests rarely hit the 401 refresh-and-retry path.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	zlog.Info("token-refresher starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.TokenRefreshInterval),
		zap.Duration("lookahead", cfg.TokenRefreshLookahead),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		zlog.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	zlog.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		zlog.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			zlog.Warn("error closing redis", zap.Error(err))
		}
	}()

	repo := booking.NewPgRepository(pgPool)
	locker := redisclient.NewRedisLocker(rdb, cfg.ConversationLockTTL)
	client := calendar.NewClient(calendar.ClientConfig{
		BaseURL:      cfg.CalendarBaseURL,
		TokenURL:     cfg.CalendarTokenURL,
		ClientID:     cfg.CalendarClientID,
		ClientSecret: cfg.CalendarClientSecret,
	}, repo, zlog)
	svc := booking.NewService(repo, client, client, locker, cfg.SlotDuration, zlog)

	// Run once at startup
	runOnce(rootCtx, svc, cfg.TokenRefreshLookahead, zlog)

	ticker := time.NewTicker(cfg.TokenRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			zlog.Info("shutdown signal received, stopping token refresher")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg.TokenRefreshLookahead, zlog)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service, lookahead time.Duration, zlog *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	start := time.Now()
	if err := svc.RefreshExpiringCredentials(runCtx, lookahead); err != nil {
		zlog.Error("refresh run error", zap.Error(err))
		return
	}
	zlog.Info("refresh run complete", zap.Duration("took", time.Since(start)))
}
