/**
 * @description
 * This file implements callback reconciliation: decoding the provider's STK
 * result notification and applying it to the stored payment row. The provider
 * may redeliver the same callback, so application is idempotent — the store's
 * compare-and-set finalization guarantees a given checkout id is applied
 * exactly once.
 *
 * @dependencies
 * - context, encoding/json, errors, log, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/nyumbani/payments-service/internal/store"
)

// ErrMalformedCallback flags a notification body that cannot be decoded or
// carries no checkout id. The HTTP layer still acknowledges receipt so the
// provider does not storm redeliveries; the raw body is logged for manual
// reconciliation.
var ErrMalformedCallback = errors.New("malformed callback notification")

// callbackDateLayout is the provider's numeric TransactionDate form,
// e.g. 20240131143022.
const callbackDateLayout = "20060102150405"

// HandleCallback reconciles one provider notification. Returns the finalized
// payment on a state change, store.ErrCallbackAlreadyApplied for duplicate
// delivery, and store.ErrPaymentNotFound for an unknown checkout id.
func (s *Service) HandleCallback(ctx context.Context, payload []byte) (*domain.Payment, error) {
	result, err := ParseCallback(payload)
	if err != nil {
		log.Printf("level=warn component=app op=callback outcome=malformed body=%q err=%v", truncate(payload, 512), err)
		return nil, err
	}

	payment, err := s.repo.FinalizePaymentByCheckoutID(ctx, result)
	if err != nil {
		if errors.Is(err, store.ErrCallbackAlreadyApplied) {
			log.Printf("level=info component=app op=callback outcome=duplicate checkout_request_id=%s", result.CheckoutRequestID)
			return nil, err
		}
		if errors.Is(err, store.ErrPaymentNotFound) {
			log.Printf("level=warn component=app op=callback outcome=unmatched checkout_request_id=%s merchant_request_id=%s result_code=%d", result.CheckoutRequestID, result.MerchantRequestID, result.ResultCode)
			return nil, err
		}
		return nil, fmt.Errorf("failed to finalize payment: %w", err)
	}

	log.Printf("level=info component=app op=callback outcome=%s checkout_request_id=%s result_code=%d", payment.Status, result.CheckoutRequestID, result.ResultCode)
	s.publishStatusEvent(ctx, payment)
	return payment, nil
}

// ParseCallback decodes the provider envelope into a normalized result.
func ParseCallback(payload []byte) (*domain.CallbackResult, error) {
	var envelope domain.STKCallback
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}

	result := &domain.CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		RawPayload:        payload,
	}

	// CallbackMetadata is only present on success, and its item values are
	// mixed-type on the wire (numbers and strings).
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if v, ok := itemAsInt64(item.Value); ok {
				amount := v
				result.Amount = &amount
			}
		case "MpesaReceiptNumber":
			if v, ok := itemAsString(item.Value); ok && v != "" {
				receipt := v
				result.MpesaReceipt = &receipt
			}
		case "PhoneNumber":
			if v, ok := itemAsString(item.Value); ok && v != "" {
				phone := v
				result.PhoneNumber = &phone
			}
		case "TransactionDate":
			if v, ok := itemAsString(item.Value); ok {
				if t, err := time.ParseInLocation(callbackDateLayout, v, time.Local); err == nil {
					date := t
					result.TransactionDate = &date
				}
			}
		}
	}

	return result, nil
}

// itemAsString reads a metadata value that may arrive as a JSON string or
// number.
func itemAsString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// itemAsInt64 reads a numeric metadata value, truncating fractional amounts
// (the provider reports whole-shilling amounts as e.g. 10.0).
func itemAsInt64(raw json.RawMessage) (int64, bool) {
	s, ok := itemAsString(raw)
	if !ok {
		return 0, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
