package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chipatara/clinic-scheduling/internal/api"
	"github.com/chipatara/clinic-scheduling/internal/booking"
	"github.com/chipatara/clinic-scheduling/internal/calendar"
	"github.com/chipatara/clinic-scheduling/internal/chat"
	"github.com/chipatara/clinic-scheduling/internal/config"
	"github.com/chipatara/clinic-scheduling/internal/db"
	"github.com/chipatara/clinic-scheduling/internal/logger"
	redisclient "github.com/chipatara/clinic-scheduling/internal/redis"
)

const version = "0.3.0"

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

	zlog.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
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

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		zlog.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			zlog.Warn("error closing redis", zap.Error(err))
		}
	}()
	zlog.Info("connected to Redis")

	bookingRepo := booking.NewPgRepository(pgPool)
	chatRepo := chat.NewPgRepository(pgPool)
	locker := redisclient.NewRedisLocker(rdb, cfg.ConversationLockTTL)

	calendarClient := calendar.NewClient(calendar.ClientConfig{
		BaseURL:      cfg.CalendarBaseURL,
		TokenURL:     cfg.CalendarTokenURL,
		ClientID:     cfg.CalendarClientID,
		ClientSecret: cfg.CalendarClientSecret,
	}, bookingRepo, zlog)

	bookingSvc := booking.NewService(bookingRepo, calendarClient, calendarClient, locker, cfg.SlotDuration, zlog)
	chatSvc := chat.NewService(chatRepo, bookingSvc, locker, cfg.MessageStaleAfter, zlog)

	router := api.NewRouter(api.RouterConfig{
		Booking: bookingSvc,
		Chat:    chatSvc,
		PgPool:  pgPool,
		Redis:   rdb,
		Logger:  zlog,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zlog.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	zlog.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("graceful shutdown failed", zap.Error(err))
	}
}
