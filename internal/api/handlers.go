/**
 * @description
 * This file contains the HTTP handlers for the payments-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - internal/app, internal/store: For service logic and custom errors.
 * - pkg/darajaclient: For typed provider errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nyumbani/payments-service/internal/app"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/nyumbani/payments-service/internal/store"
	"github.com/nyumbani/payments-service/pkg/darajaclient"
)

// maxCallbackBodyBytes bounds how much of a provider callback we will read.
// Real notifications are well under 2 KiB.
const maxCallbackBodyBytes = 64 * 1024

// callbackAck is the acknowledgment body the provider expects. It must be
// returned with HTTP 200 for every delivery, or the provider retries.
var callbackAck = map[string]interface{}{
	"ResultCode": 0,
	"ResultDesc": "Accepted",
}

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service *app.Service
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

// STKPushHandler handles requests to initiate an STK push rent payment.
// On success the provider's acknowledgment is returned verbatim: it means
// the PIN prompt reached the handset, not that the payment succeeded.
func (h *PaymentHandlers) STKPushHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.STKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=stkpush outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.service.InitiateSTKPush(r.Context(), req)
	if err != nil {
		h.writeInitiationError(w, req, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// writeInitiationError maps service errors onto the HTTP contract:
// 400 for caller mistakes, 429 for throttling, 500 with upstream diagnostics
// for auth/gateway failures.
func (h *PaymentHandlers) writeInitiationError(w http.ResponseWriter, req domain.STKPushRequest, err error) {
	switch {
	case errors.Is(err, app.ErrMissingFields),
		errors.Is(err, app.ErrInvalidPhoneNumber),
		errors.Is(err, app.ErrInvalidAmount):
		log.Printf("level=warn component=api endpoint=stkpush outcome=reject reason=validation err=%v", err)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	var authErr *darajaclient.AuthError
	if errors.As(err, &authErr) {
		log.Printf("level=error component=api endpoint=stkpush outcome=auth_failed account_ref=%s status=%d", req.AccountReference, authErr.StatusCode)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Payment processing failed",
			"details": authErr.Body,
		})
		return
	}

	var gatewayErr *darajaclient.GatewayError
	if errors.As(err, &gatewayErr) {
		log.Printf("level=error component=api endpoint=stkpush outcome=gateway_failed account_ref=%s status=%d", req.AccountReference, gatewayErr.StatusCode)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Payment processing failed",
			"details": gatewayErr.Body,
		})
		return
	}

	log.Printf("level=error component=api endpoint=stkpush outcome=failed account_ref=%s err=%v", req.AccountReference, err)
	h.writeError(w, http.StatusInternalServerError, "Internal server error")
}

// CallbackHandler accepts the provider's asynchronous result notification.
// It ALWAYS acknowledges with 200: a non-200 makes the provider redeliver,
// and a redelivery storm must never be mistaken for new payment attempts.
// Unreconcilable notifications are logged for manual follow-up.
func (h *PaymentHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		log.Printf("level=warn component=api endpoint=callback outcome=unreadable err=%v", err)
		h.writeJSON(w, http.StatusOK, callbackAck)
		return
	}

	if _, err := h.service.HandleCallback(r.Context(), body); err != nil {
		// Duplicate delivery and unknown checkout ids are expected provider
		// behavior; anything else is already logged inside the service.
		switch {
		case errors.Is(err, store.ErrCallbackAlreadyApplied),
			errors.Is(err, store.ErrPaymentNotFound),
			errors.Is(err, app.ErrMalformedCallback):
		default:
			log.Printf("level=error component=api endpoint=callback outcome=failed err=%v", err)
		}
	}

	h.writeJSON(w, http.StatusOK, callbackAck)
}

// GetPaymentStatusHandler returns the stored payment record for one checkout
// request id.
func (h *PaymentHandlers) GetPaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := strings.TrimSpace(chi.URLParam(r, "checkoutRequestID"))
	if checkoutRequestID == "" {
		h.writeError(w, http.StatusBadRequest, "Checkout request ID is required")
		return
	}

	payment, err := h.service.GetPaymentByCheckoutID(r.Context(), checkoutRequestID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api endpoint=payment_status outcome=failed checkout_request_id=%s err=%v", checkoutRequestID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// ListAccountPaymentsHandler returns payment history for one rent account.
func (h *PaymentHandlers) ListAccountPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	accountReference := strings.TrimSpace(chi.URLParam(r, "accountReference"))
	if accountReference == "" {
		h.writeError(w, http.StatusBadRequest, "Account reference is required")
		return
	}

	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), 20)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	payments, err := h.service.ListAccountPayments(r.Context(), accountReference, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=account_payments outcome=failed account_ref=%s err=%v", accountReference, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, payments)
}

func parseOptionalInt(raw string, fallback int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
