/**
 * @description
 * This file sets up the HTTP router for the payments-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for internal authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PaymentRoutes creates and returns a new router for the payments service.
// The push and callback endpoints are public surfaces (the portal posts the
// former, the provider the latter); record lookups sit behind the shared
// internal API key.
func PaymentRoutes(h *PaymentHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/stkpush", h.STKPushHandler)
	r.Post("/callback", h.CallbackHandler)

	// Group routes that require the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Get("/status/{checkoutRequestID}", h.GetPaymentStatusHandler)
		r.Get("/tenant/{accountReference}", h.ListAccountPaymentsHandler)
	})

	return r
}
