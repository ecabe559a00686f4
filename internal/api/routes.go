// Package api is the HTTP surface: inbound chat events, delivery receipts,
// operator controls and the operator live feed.
package api

import (
	"context"
	"io"
	"net/http"
	"os"

	"chatflow/internal/auth"
	"chatflow/internal/dispatch"
	"chatflow/internal/model"
	"chatflow/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Conversation runs inbound turns.
type Conversation interface {
	HandleInbound(ctx context.Context, in model.Inbound) ([]model.OutboundMessage, error)
}

// DeliveryReceipts applies transport status callbacks.
type DeliveryReceipts interface {
	HandleStatus(ctx context.Context, cb model.StatusCallback) (*model.DeliveryAttempt, error)
}

// ChannelControl lifts the halt placed on a channel after a restriction.
type ChannelControl interface {
	ResumeChannel(ctx context.Context, channel, operator string) error
}

// EndpointTester runs the manual endpoint test path.
type EndpointTester interface {
	Test(ctx context.Context, endpointID string, vars map[string]interface{}) (*dispatch.Result, error)
}

// Media serves and stores campaign media.
type Media interface {
	Open(ctx context.Context, name string) (*os.File, error)
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	Conversation Conversation
	Deliveries   DeliveryReceipts
	Channels     ChannelControl
	Sessions     ws.SessionControl
	Endpoints    EndpointTester
	Media        Media
	Hub          *ws.Hub
	Auth         *auth.JWTConfig
	Health       map[string]HealthCheck
	Log          *zap.Logger
	validate     *validator.Validate
}

func Routes(d Dependencies) http.Handler {
	d.validate = validator.New(validator.WithRequiredStructEnabled())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(d.Log))
	r.Use(Recover(d.Log))

	r.Get("/healthz", d.healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/media/*", d.getMedia)

	r.Route("/v1", func(r chi.Router) {
		// transport-facing
		r.Post("/events/inbound", d.inbound)
		r.Post("/delivery/status", d.deliveryStatus)

		// operator-facing
		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Middleware)
			r.Post("/sessions/{id}/cancel", d.cancelSession)
			r.Post("/sessions/{id}/pause", d.pauseSession)
			r.Post("/sessions/{id}/resume", d.resumeSession)
			r.Post("/channels/{channel}/resume", d.resumeChannel)
			r.Post("/endpoints/{id}/test", d.testEndpoint)
			r.Put("/media/*", d.putMedia)
			r.Get("/ws", d.wsHandler)
		})
	})

	return r
}
