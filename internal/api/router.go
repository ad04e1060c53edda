/**
 * @description
 * This file sets up the HTTP router for the settlement-service. The
 * surface is internal-only: operator re-drives, manual sweep triggers,
 * and the dispute workflow, all behind the shared internal API key.
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

// SettlementRoutes creates and returns the router for the settlement
// service.
func SettlementRoutes(h *SettlementHandlers, internalAPIKey string) http.Handler {
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

	// All operational endpoints require the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/payments", h.CreatePaymentHandler)
		r.Get("/transactions/{id}", h.GetTransactionHandler)
		r.Post("/transactions/{id}/forward", h.ForwardTransactionHandler)
		r.Post("/transactions/{id}/cancel", h.CancelTransactionHandler)
		r.Post("/devolutions", h.CreateDevolutionHandler)

		r.Get("/transactions/stuck", h.ListStuckTransactionsHandler)
		r.Post("/sweeps/outbound", h.SweepOutboundHandler)
		r.Post("/sweeps/blocked-deposits", h.SweepBlockedDepositsHandler)

		r.Post("/disputes", h.OpenDisputeCaseHandler)
		r.Post("/disputes/{kind}/{issueID}/analysis", h.RecordCaseAnalysisHandler)
		r.Post("/disputes/{kind}/{issueID}/close", h.CloseDisputeCaseHandler)
		r.Post("/disputes/{kind}/{issueID}/cancel", h.CancelDisputeCaseHandler)
	})

	return r
}
