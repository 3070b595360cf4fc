/**
 * @description
 * This file contains the core business logic for the payments-service. The `Service`
 * struct orchestrates the STK push payment flow, coordinating between the database
 * repository, the Daraja API client, and the message broker.
 *
 * Key features:
 * - Validates and initiates STK push payments against the provider.
 * - Reconciles asynchronous provider callbacks against stored payment rows
 *   with idempotent, compare-and-set status transitions.
 * - Publishes payment status events to RabbitMQ for the notification pipeline.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/darajaclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/nyumbani/payments-service/internal/store"
	"github.com/nyumbani/payments-service/pkg/darajaclient"
	"github.com/nyumbani/payments-service/pkg/rabbitmq"
)

var (
	// ErrMissingFields rejects an initiation before any network call. The
	// message is part of the API contract with the tenant portal.
	ErrMissingFields = errors.New("Missing required fields: amount, phone, accountReference")

	ErrInvalidPhoneNumber = errors.New("phone number is not a valid Kenyan MSISDN")
	ErrInvalidAmount      = errors.New("amount must be a positive whole number of shillings")
	ErrRateLimited        = errors.New("too many payment prompts for this phone number")
)

// PaymentGateway is the subset of the Daraja client the service depends on.
// Narrowing to an interface keeps the push flow testable without a live
// provider.
type PaymentGateway interface {
	STKPush(ctx context.Context, amount int64, phone, accountReference, description string) (*darajaclient.STKPushResponse, error)
}

// RateLimiter throttles repeated push prompts to a single handset. A nil
// limiter disables throttling.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for rent payments.
type Service struct {
	repo          store.Repository
	gateway       PaymentGateway
	eventProducer rabbitmq.Publisher

	rateLimiter        RateLimiter
	pushLimitPerMinute int
}

// NewService creates a new payments service instance.
func NewService(repo store.Repository, gateway PaymentGateway, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		gateway:       gateway,
		eventProducer: producer,
	}
}

// SetRateLimiter enables per-MSISDN initiation throttling.
func (s *Service) SetRateLimiter(limiter RateLimiter, limitPerMinute int) {
	s.rateLimiter = limiter
	s.pushLimitPerMinute = limitPerMinute
}

// InitiateSTKPush validates the request, persists a payment row, and submits
// the push to the provider. The returned response is the provider's
// synchronous acknowledgment; final success or failure arrives later via
// HandleCallback. Exactly one submission is made per call and no retry is
// attempted here: on failure the caller resubmits.
func (s *Service) InitiateSTKPush(ctx context.Context, req domain.STKPushRequest) (*darajaclient.STKPushResponse, error) {
	// Validation happens before any network call.
	if req.Amount == 0 || req.Phone == "" || req.AccountReference == "" {
		return nil, ErrMissingFields
	}
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	phone, err := NormalizeMSISDN(req.Phone)
	if err != nil {
		return nil, ErrInvalidPhoneNumber
	}

	if s.rateLimiter != nil && s.pushLimitPerMinute > 0 {
		count, retryAfter, limitErr := s.rateLimiter.ConsumeRateLimit(ctx, "stkpush", phone, s.pushLimitPerMinute, time.Minute)
		if limitErr != nil {
			// Throttling is best-effort: a limiter outage must not block rent collection.
			log.Printf("level=warn component=app op=initiate msg=\"rate limiter unavailable; allowing request\" err=%v", limitErr)
		} else if count > s.pushLimitPerMinute {
			log.Printf("level=warn component=app op=initiate outcome=rate_limited phone=%s retry_after=%d", phone, retryAfter)
			return nil, ErrRateLimited
		}
	}

	description := req.Description
	if description == "" {
		description = "Rent payment"
	}

	payment := &domain.Payment{
		ID:               uuid.New(),
		AccountReference: req.AccountReference,
		PhoneNumber:      phone,
		Amount:           req.Amount,
		Description:      description,
		Status:           domain.PaymentStatusCreated,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	resp, err := s.gateway.STKPush(ctx, payment.Amount, payment.PhoneNumber, payment.AccountReference, payment.Description)
	if err != nil {
		if markErr := s.repo.MarkPaymentFailed(ctx, payment.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=app op=initiate msg=\"failed to mark payment failed\" payment_id=%s err=%v", payment.ID, markErr)
		}
		return nil, err
	}

	if err := s.repo.MarkPaymentInitiated(ctx, payment.ID, resp.MerchantRequestID, resp.CheckoutRequestID); err != nil {
		// The push is already on the handset: the row must not be lost, so
		// surface the persistence failure to the operator but return the
		// acknowledgment to the caller.
		log.Printf("level=error component=app op=initiate msg=\"failed to mark payment initiated\" payment_id=%s checkout_request_id=%s err=%v", payment.ID, resp.CheckoutRequestID, err)
	}

	log.Printf("level=info component=app op=initiate outcome=accepted payment_id=%s account_ref=%s amount=%d checkout_request_id=%s", payment.ID, payment.AccountReference, payment.Amount, resp.CheckoutRequestID)
	return resp, nil
}

// GetPaymentByCheckoutID returns one payment record.
func (s *Service) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	return s.repo.GetPaymentByCheckoutID(ctx, checkoutRequestID)
}

// ListAccountPayments returns payment history for one rent account.
func (s *Service) ListAccountPayments(ctx context.Context, accountReference string, limit, offset int) ([]domain.Payment, error) {
	return s.repo.ListPaymentsByAccountReference(ctx, accountReference, limit, offset)
}

// publishStatusEvent notifies downstream consumers of a terminal status.
// Publishing is best-effort; the payment row remains the source of truth.
func (s *Service) publishStatusEvent(ctx context.Context, payment *domain.Payment) {
	if s.eventProducer == nil {
		return
	}

	checkoutID := ""
	if payment.CheckoutRequestID != nil {
		checkoutID = *payment.CheckoutRequestID
	}
	event := domain.PaymentStatusEvent{
		PaymentID:         payment.ID,
		AccountReference:  payment.AccountReference,
		PhoneNumber:       payment.PhoneNumber,
		Amount:            payment.Amount,
		Status:            payment.Status,
		MpesaReceipt:      payment.MpesaReceipt,
		FailureReason:     payment.FailureReason,
		CheckoutRequestID: checkoutID,
		Timestamp:         time.Now().UTC(),
	}

	routingKey := "payment.status." + payment.Status
	if err := s.eventProducer.PublishPaymentStatusEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=app msg=\"status event publish failed\" payment_id=%s routing_key=%s err=%v", payment.ID, routingKey, err)
	}
}
