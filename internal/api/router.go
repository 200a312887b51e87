package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opclinic/surgical-scheduling/internal/config"
	"github.com/opclinic/surgical-scheduling/internal/schedule"
)

type RouterConfig struct {
	Service *schedule.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Config  config.Config
	Logger  zerolog.Logger
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Config.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Scheduling endpoints; identity comes from the upstream session
	// provider via headers, see ActorMiddleware.
	r.Route("/api", func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/available-slots", availableSlotsHandler(cfg.Service, cfg.Config))
			r.Post("/check-availability", checkAvailabilityHandler(cfg.Service))
			r.Post("/request", createAppointmentHandler(cfg.Service))
			r.Get("/", listAppointmentsHandler(cfg.Service))
			r.Get("/{id}", getAppointmentHandler(cfg.Service))
			r.Put("/{id}", updateAppointmentHandler(cfg.Service))
			r.Delete("/{id}", deleteAppointmentHandler(cfg.Service))
		})

		r.Route("/admin/schedules", func(r chi.Router) {
			r.Get("/", adminListAppointmentsHandler(cfg.Service))
			r.Get("/{id}", adminGetAppointmentHandler(cfg.Service))
			r.Patch("/{id}/status", transitionHandler(cfg.Service))
		})
	})

	return r
}
