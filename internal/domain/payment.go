/**
 * @description
 * This file defines the core domain models for the payments-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and provider
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` whole shillings: the Daraja STK endpoint
 *   only accepts integer amounts, which also avoids floating-point
 *   inaccuracies with financial data.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payment lifecycle statuses. A payment is created locally, becomes initiated
// once the provider acknowledges the push, and is finalized by the result
// callback. Initiated payments that never receive a callback are swept to
// abandoned after a configured window.
const (
	PaymentStatusCreated   = "created"
	PaymentStatusInitiated = "initiated"
	PaymentStatusPaid      = "paid"
	PaymentStatusFailed    = "failed"
	PaymentStatusAbandoned = "abandoned"
)

// Payment represents one STK push attempt against a tenant's rent account.
// This struct maps directly to the `payments` table in the database.
type Payment struct {
	ID                uuid.UUID  `json:"id"`
	AccountReference  string     `json:"account_reference"` // rent account / unit identifier
	PhoneNumber       string     `json:"phone_number"`      // normalized MSISDN, 2547XXXXXXXX
	Amount            int64      `json:"amount"`            // whole shillings
	Description       string     `json:"description"`
	MerchantRequestID *string    `json:"merchant_request_id,omitempty"`
	CheckoutRequestID *string    `json:"checkout_request_id,omitempty"`
	Status            string     `json:"status"`
	ResultCode        *int       `json:"result_code,omitempty"`
	ResultDesc        *string    `json:"result_desc,omitempty"`
	MpesaReceipt      *string    `json:"mpesa_receipt,omitempty"`
	TransactionDate   *time.Time `json:"transaction_date,omitempty"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// STKPushRequest is the DTO for incoming payment initiation API requests.
type STKPushRequest struct {
	Amount           int64  `json:"amount"`
	Phone            string `json:"phone"`
	AccountReference string `json:"accountReference"`
	Description      string `json:"description"`
}

// STKCallback is the provider's asynchronous result notification envelope.
// Field names follow the Daraja wire format exactly.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []STKCallbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallbackItem is one name/value pair inside CallbackMetadata. Values are
// mixed-type on the wire (numbers and strings), hence json.RawMessage.
type STKCallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// CallbackResult is the normalized view of an STKCallback used for
// reconciliation against the stored payment row.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	MpesaReceipt      *string
	Amount            *int64
	PhoneNumber       *string
	TransactionDate   *time.Time
	RawPayload        []byte
}

// Succeeded reports whether the payer completed the payment.
func (c *CallbackResult) Succeeded() bool {
	return c.ResultCode == 0
}

// PaymentStatusEvent is published to RabbitMQ whenever a payment reaches a
// terminal status, so the notification pipeline can inform the tenant and
// landlord.
type PaymentStatusEvent struct {
	PaymentID         uuid.UUID `json:"payment_id"`
	AccountReference  string    `json:"account_reference"`
	PhoneNumber       string    `json:"phone_number"`
	Amount            int64     `json:"amount"`
	Status            string    `json:"status"`
	MpesaReceipt      *string   `json:"mpesa_receipt,omitempty"`
	FailureReason     *string   `json:"failure_reason,omitempty"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	Timestamp         time.Time `json:"timestamp"`
}
