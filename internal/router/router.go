package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/handlers"
	"github.com/taskup/backend/internal/middleware"
)

// Deps are the handlers and guards the router mounts.
type Deps struct {
	Webhooks  *handlers.WebhookHandler
	Orders    *handlers.OrderHandler
	Payouts   *handlers.PayoutHandler
	Accounts  *handlers.AccountHandler
	Operator  *handlers.OperatorHandler
	Tokens    middleware.TokenValidator
	Inbound   *middleware.Limiter
	APILimits *middleware.Limiter
	// TrustProxy takes the client address from X-Forwarded-For and X-Real-IP.
	// Only set it behind a proxy that overwrites those headers.
	TrustProxy bool
}

// New returns the escrow HTTP surface. Webhooks are unauthenticated (the
// adapters verify signatures) and rate limited per source address; /v1 needs
// a bearer token and is limited per subject.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if d.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		if d.Inbound != nil {
			r.Use(middleware.RateLimit(d.Inbound, middleware.RemoteIP))
		}
		r.Post("/webhooks/{provider}", d.Webhooks.Receive)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(d.Tokens))
		if d.APILimits != nil {
			r.Use(middleware.RateLimit(d.APILimits, middleware.ByPrincipal))
		}

		r.Post("/orders", d.Orders.CreateOrder)
		r.Get("/orders/{id}", d.Orders.GetOrder)
		r.Post("/orders/{id}/complete", d.Orders.Complete)
		r.With(middleware.RequireRole(auth.RoleService, auth.RoleOperator)).
			Post("/orders/{id}/cancel", d.Orders.Cancel)
		r.With(middleware.RequireRole(auth.RoleOperator)).
			Post("/orders/{id}/refund", d.Orders.Refund)
		r.Get("/tasks/{id}/chat", d.Orders.ChatStatus)
		r.Post("/payouts", d.Payouts.CreatePayout)
		r.Post("/connect-accounts", d.Accounts.Onboard)
		r.Get("/connect-accounts/{provider}", d.Accounts.Status)

		r.Route("/operator", func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleOperator))
			r.Get("/anomalies", d.Operator.ListAnomalies)
			r.Post("/anomalies/{id}/resolve", d.Operator.ResolveAnomaly)
		})
	})
	return r
}
