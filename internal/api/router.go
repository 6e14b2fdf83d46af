package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chipatara/clinic-scheduling/internal/booking"
	"github.com/chipatara/clinic-scheduling/internal/chat"
)

type RouterConfig struct {
	Booking *booking.Service
	Chat    *chat.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  *zap.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Inbound chat messages
	r.Post("/webhook/whatsapp", webhookHandler(cfg.Chat))

	// Slot search, both query-string and JSON-body forms
	r.Get("/scheduling/slots", slotsHandler(cfg.Booking))
	r.Post("/scheduling/slots", slotsHandler(cfg.Booking))

	// Provider schedule management
	r.Put("/providers/{id}/availability", rewriteAvailabilityHandler(cfg.Booking))
	r.Get("/providers/{id}/reconciliation", reconciliationHandler(cfg.Booking))

	// Appointment lifecycle
	r.Post("/appointments/{id}/commit", commitAppointmentHandler(cfg.Booking))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Booking))

	return r
}
