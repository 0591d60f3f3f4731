package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/medidesk/clinic-queue/internal/appointment"
	"github.com/medidesk/clinic-queue/internal/sse"
)

type RouterConfig struct {
	Service    *appointment.Service
	Hub        *sse.Hub
	PgPool     *pgxpool.Pool
	Redis      *redis.Client
	FacilityTZ *time.Location
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Appointment CRUD
	r.Get("/appointments", listAppointmentsHandler(cfg.Service, cfg.FacilityTZ))
	r.Post("/appointments", createAppointmentHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Patch("/appointments/{id}", updateAppointmentHandler(cfg.Service))
	r.Delete("/appointments/{id}", deleteAppointmentHandler(cfg.Service, cfg.Hub))

	// Queue transitions
	r.Post("/appointments/{id}/accept", acceptAppointmentHandler(cfg.Service, cfg.Hub, cfg.FacilityTZ))
	r.Post("/appointments/{id}/deny", denyAppointmentHandler(cfg.Service, cfg.Hub, cfg.FacilityTZ))
	r.Post("/appointments/{id}/done", markDoneHandler(cfg.Service, cfg.Hub, cfg.FacilityTZ))
	r.Post("/queue/serve-next", serveNextHandler(cfg.Service, cfg.Hub, cfg.FacilityTZ))

	// Queue views
	r.Get("/queue", queueHandler(cfg.Service, cfg.FacilityTZ))
	if cfg.Hub != nil {
		r.Get("/events/queue", cfg.Hub.ServeHTTP)
	}

	return r
}
