/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's
 * internal API. Handlers parse incoming requests, call the application
 * service, and translate the outcome — including the typed machine
 * rejections — into HTTP responses.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arvobank/settlement-service/internal/app"
	"github.com/arvobank/settlement-service/internal/domain"
	"github.com/arvobank/settlement-service/internal/store"
)

// SettlementHandlers holds the application service that handlers use.
type SettlementHandlers struct {
	service *app.Service
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{service: service}
}

type createPaymentRequest struct {
	Kind        string       `json:"kind"`
	Amount      int64        `json:"amount"`
	Origin      domain.Party `json:"origin"`
	Destination domain.Party `json:"destination"`
}

// CreatePaymentHandler records an outbound payment and forwards it to
// the network. A forward attempt lost to a transient gateway failure
// still returns the created record; the sweep re-drives it.
func (h *SettlementHandlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	kind := domain.Kind(req.Kind)
	if kind == "" {
		kind = domain.KindPayment
	}

	tx, err := h.service.CreatePayment(r.Context(), app.CreatePaymentInput{
		Kind:        kind,
		Amount:      req.Amount,
		Origin:      req.Origin,
		Destination: req.Destination,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	forwarded, err := h.service.Forward(r.Context(), tx.ID)
	if err != nil {
		log.Printf("level=warn component=api msg=\"immediate forward failed; sweep will re-drive\" transaction_id=%s err=%v", tx.ID, err)
		h.writeJSON(w, http.StatusAccepted, tx)
		return
	}

	h.writeJSON(w, http.StatusCreated, forwarded)
}

// ForwardTransactionHandler re-drives one PENDING outbound record.
func (h *SettlementHandlers) ForwardTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.service.Forward(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// CancelTransactionHandler withdraws a PENDING outbound record before
// the network sees it.
func (h *SettlementHandlers) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.service.CancelTransaction(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// GetTransactionHandler returns one settlement record.
func (h *SettlementHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

type createDevolutionRequest struct {
	OriginalEndToEndID string `json:"original_end_to_end_id"`
	Kind               string `json:"kind"`
	Amount             int64  `json:"amount"`
	Reason             string `json:"reason"`
}

// CreateDevolutionHandler records a compensating transaction for a
// settled record.
func (h *SettlementHandlers) CreateDevolutionHandler(w http.ResponseWriter, r *http.Request) {
	var req createDevolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	kind := domain.Kind(req.Kind)
	if kind == "" {
		kind = domain.KindDevolution
	}

	devolution, err := h.service.CreateDevolution(r.Context(), app.CreateDevolutionInput{
		OriginalEndToEndID: req.OriginalEndToEndID,
		Kind:               kind,
		Amount:             req.Amount,
		Reason:             req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, devolution)
}

// ListStuckTransactionsHandler reports the records the next sweep
// passes would pick up.
func (h *SettlementHandlers) ListStuckTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	stuck, err := h.service.ListStuckTransactions(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stuck)
}

// SweepOutboundHandler triggers the forward and status sweeps on demand.
func (h *SettlementHandlers) SweepOutboundHandler(w http.ResponseWriter, r *http.Request) {
	forward, err := h.service.SweepPendingOutbound(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status, err := h.service.SyncWaitingTransactions(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]*domain.SweepResult{
		"forward": forward,
		"status":  status,
	})
}

// SweepBlockedDepositsHandler triggers the expired-hold sweep on demand.
func (h *SettlementHandlers) SweepBlockedDepositsHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.SweepBlockedDeposits(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type openCaseRequest struct {
	Kind       string `json:"kind"`
	IssueID    string `json:"issue_id"`
	EndToEndID string `json:"end_to_end_id"`
	Reason     string `json:"reason"`
}

// OpenDisputeCaseHandler opens a dispute case against a settled
// transaction.
func (h *SettlementHandlers) OpenDisputeCaseHandler(w http.ResponseWriter, r *http.Request) {
	var req openCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.service.OpenCase(r.Context(), app.OpenCaseInput{
		Kind:       domain.CaseKind(req.Kind),
		IssueID:    req.IssueID,
		EndToEndID: req.EndToEndID,
		Reason:     req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

type caseAnalysisRequest struct {
	Result string `json:"result"`
}

// RecordCaseAnalysisHandler stores the compliance verdict for a case.
func (h *SettlementHandlers) RecordCaseAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	var req caseAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	kind := domain.CaseKind(chi.URLParam(r, "kind"))
	issueID := chi.URLParam(r, "issueID")
	if err := h.service.RecordAnalysis(r.Context(), kind, issueID, req.Result); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type closeCaseRequest struct {
	Result string `json:"result,omitempty"`
}

// CloseDisputeCaseHandler closes a case on behalf of internal
// compliance, which must supply or have supplied a verdict.
func (h *SettlementHandlers) CloseDisputeCaseHandler(w http.ResponseWriter, r *http.Request) {
	var req closeCaseRequest
	if r.Body != nil {
		// An empty body is fine when the verdict is already recorded.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	kind := domain.CaseKind(chi.URLParam(r, "kind"))
	issueID := chi.URLParam(r, "issueID")
	if err := h.service.CloseCase(r.Context(), kind, issueID, req.Result); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelDisputeCaseHandler withdraws an open case.
func (h *SettlementHandlers) CancelDisputeCaseHandler(w http.ResponseWriter, r *http.Request) {
	kind := domain.CaseKind(chi.URLParam(r, "kind"))
	issueID := chi.URLParam(r, "issueID")
	if err := h.service.CancelCase(r.Context(), kind, issueID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps service errors onto HTTP statuses.
func (h *SettlementHandlers) writeServiceError(w http.ResponseWriter, err error) {
	if rejection, ok := domain.IsRejection(err); ok {
		status := http.StatusConflict
		if rejection.Reason == domain.RejectMissingPrecondition {
			status = http.StatusPreconditionFailed
		}
		h.writeJSON(w, status, map[string]string{
			"error":  rejection.Error(),
			"reason": string(rejection.Reason),
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, store.ErrDisputeCaseNotFound):
		h.writeError(w, http.StatusNotFound, "Dispute case not found")
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrAmountAboveCeiling),
		errors.Is(err, app.ErrDevolutionExceeds),
		errors.Is(err, app.ErrDevolutionWindow),
		errors.Is(err, app.ErrDevolutionCount),
		errors.Is(err, app.ErrOriginalNotSettled):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrDevolutionThrottled):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
