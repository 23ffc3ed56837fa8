package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/taskup/backend/internal/app"
	"github.com/taskup/backend/internal/router"
)

// newHTTPHandler mounts the escrow routes behind CORS for the marketplace
// frontend. Webhook callers do not send Origin and are unaffected.
func newHTTPHandler(a *app.App) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   a.Config.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(router.New(*a.Routes))
}

// sweepLimiters drops idle rate limit buckets until ctx ends.
func sweepLimiters(ctx context.Context, a *app.App) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Routes.Inbound.Sweep(30 * time.Minute)
			a.Routes.APILimits.Sweep(30 * time.Minute)
		}
	}
}
