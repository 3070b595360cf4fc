package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nyumbani/payments-service/internal/domain"
	"github.com/nyumbani/payments-service/internal/store"
	"github.com/nyumbani/payments-service/pkg/darajaclient"
)

// fakeRepository is an in-memory store.Repository used across the app tests.
type fakeRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*domain.Payment

	createErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{payments: make(map[uuid.UUID]*domain.Payment)}
}

func (f *fakeRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	clone := *p
	f.payments[p.ID] = &clone
	return nil
}

func (f *fakeRepository) MarkPaymentInitiated(ctx context.Context, paymentID uuid.UUID, merchantRequestID, checkoutRequestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok || p.Status != domain.PaymentStatusCreated {
		return store.ErrPaymentNotFound
	}
	p.MerchantRequestID = &merchantRequestID
	p.CheckoutRequestID = &checkoutRequestID
	p.Status = domain.PaymentStatusInitiated
	p.UpdatedAt = time.Now()
	return nil
}

func (f *fakeRepository) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok || p.Status != domain.PaymentStatusCreated {
		return store.ErrPaymentNotFound
	}
	p.Status = domain.PaymentStatusFailed
	p.FailureReason = &reason
	return nil
}

func (f *fakeRepository) FinalizePaymentByCheckoutID(ctx context.Context, result *domain.CallbackResult) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.CheckoutRequestID == nil || *p.CheckoutRequestID != result.CheckoutRequestID {
			continue
		}
		if p.Status != domain.PaymentStatusInitiated {
			return nil, store.ErrCallbackAlreadyApplied
		}
		if result.Succeeded() {
			p.Status = domain.PaymentStatusPaid
			p.MpesaReceipt = result.MpesaReceipt
		} else {
			p.Status = domain.PaymentStatusFailed
			desc := result.ResultDesc
			p.FailureReason = &desc
		}
		code := result.ResultCode
		desc := result.ResultDesc
		p.ResultCode = &code
		p.ResultDesc = &desc
		p.UpdatedAt = time.Now()
		clone := *p
		return &clone, nil
	}
	return nil, store.ErrPaymentNotFound
}

func (f *fakeRepository) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.CheckoutRequestID != nil && *p.CheckoutRequestID == checkoutRequestID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (f *fakeRepository) ListPaymentsByAccountReference(ctx context.Context, accountReference string, limit, offset int) ([]domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Payment
	for _, p := range f.payments {
		if p.AccountReference == accountReference {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeRepository) AbandonStalePayments(ctx context.Context, olderThan time.Time) ([]domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Payment
	for _, p := range f.payments {
		if p.Status == domain.PaymentStatusInitiated && p.UpdatedAt.Before(olderThan) {
			p.Status = domain.PaymentStatusAbandoned
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeRepository) paymentByID(id uuid.UUID) *domain.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil
	}
	clone := *p
	return &clone
}

// fakeGateway records STK push submissions.
type fakeGateway struct {
	mu    sync.Mutex
	calls []fakeGatewayCall
	resp  *darajaclient.STKPushResponse
	err   error
}

type fakeGatewayCall struct {
	Amount           int64
	Phone            string
	AccountReference string
	Description      string
}

func (f *fakeGateway) STKPush(ctx context.Context, amount int64, phone, accountReference, description string) (*darajaclient.STKPushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeGatewayCall{amount, phone, accountReference, description})
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &darajaclient.STKPushResponse{
		MerchantRequestID:   "29115-34620561-1",
		CheckoutRequestID:   "ws_CO_TEST_0001",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
	}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakePublisher records published status events.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	RoutingKey string
	Event      interface{}
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return f.PublishPaymentStatusEvent(ctx, routingKey, body)
}

func (f *fakePublisher) PublishPaymentStatusEvent(ctx context.Context, routingKey string, event interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{routingKey, event})
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// fakeLimiter returns a fixed count.
type fakeLimiter struct {
	count int
	err   error
}

func (f *fakeLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return f.count, 30, f.err
}

func validRequest() domain.STKPushRequest {
	return domain.STKPushRequest{
		Amount:           10,
		Phone:            "254700000000",
		AccountReference: "REF1",
	}
}

func TestInitiateSTKPush_MissingFieldsRejectedWithoutNetworkCalls(t *testing.T) {
	tests := []struct {
		name string
		req  domain.STKPushRequest
	}{
		{"missing all", domain.STKPushRequest{}},
		{"missing phone and reference", domain.STKPushRequest{Amount: 10}},
		{"missing amount", domain.STKPushRequest{Phone: "254700000000", AccountReference: "REF1"}},
		{"missing phone", domain.STKPushRequest{Amount: 10, AccountReference: "REF1"}},
		{"missing reference", domain.STKPushRequest{Amount: 10, Phone: "254700000000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepository()
			gateway := &fakeGateway{}
			svc := NewService(repo, gateway, &fakePublisher{})

			_, err := svc.InitiateSTKPush(context.Background(), tt.req)
			if !errors.Is(err, ErrMissingFields) {
				t.Fatalf("expected ErrMissingFields, got %v", err)
			}
			if gateway.callCount() != 0 {
				t.Fatalf("expected zero gateway calls, got %d", gateway.callCount())
			}
			if len(repo.payments) != 0 {
				t.Fatalf("expected no payment rows persisted, got %d", len(repo.payments))
			}
		})
	}
}

func TestInitiateSTKPush_ExactlyOneSubmission(t *testing.T) {
	repo := newFakeRepository()
	gateway := &fakeGateway{}
	svc := NewService(repo, gateway, &fakePublisher{})

	resp, err := svc.InitiateSTKPush(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("InitiateSTKPush returned error: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_TEST_0001" {
		t.Fatalf("expected provider ack returned verbatim, got %+v", resp)
	}
	if gateway.callCount() != 1 {
		t.Fatalf("expected exactly one submission, got %d", gateway.callCount())
	}

	// The row must have moved created -> initiated with the ack identifiers.
	stored, err := repo.GetPaymentByCheckoutID(context.Background(), "ws_CO_TEST_0001")
	if err != nil {
		t.Fatalf("expected initiated payment row, got %v", err)
	}
	if stored.Status != domain.PaymentStatusInitiated {
		t.Fatalf("expected status initiated, got %q", stored.Status)
	}
}

func TestInitiateSTKPush_NormalizesPhoneBeforeSubmission(t *testing.T) {
	repo := newFakeRepository()
	gateway := &fakeGateway{}
	svc := NewService(repo, gateway, &fakePublisher{})

	req := validRequest()
	req.Phone = "0700 000 000"
	if _, err := svc.InitiateSTKPush(context.Background(), req); err != nil {
		t.Fatalf("InitiateSTKPush returned error: %v", err)
	}

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if gateway.calls[0].Phone != "254700000000" {
		t.Fatalf("expected normalized MSISDN, got %q", gateway.calls[0].Phone)
	}
}

func TestInitiateSTKPush_InvalidPhoneRejected(t *testing.T) {
	repo := newFakeRepository()
	gateway := &fakeGateway{}
	svc := NewService(repo, gateway, &fakePublisher{})

	req := validRequest()
	req.Phone = "12345"
	_, err := svc.InitiateSTKPush(context.Background(), req)
	if !errors.Is(err, ErrInvalidPhoneNumber) {
		t.Fatalf("expected ErrInvalidPhoneNumber, got %v", err)
	}
	if gateway.callCount() != 0 {
		t.Fatalf("expected zero gateway calls, got %d", gateway.callCount())
	}
}

func TestInitiateSTKPush_GatewayErrorMarksPaymentFailed(t *testing.T) {
	repo := newFakeRepository()
	gateway := &fakeGateway{err: &darajaclient.GatewayError{StatusCode: 503, Body: "unavailable"}}
	svc := NewService(repo, gateway, &fakePublisher{})

	_, err := svc.InitiateSTKPush(context.Background(), validRequest())
	var gatewayErr *darajaclient.GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected *GatewayError propagated, got %T (%v)", err, err)
	}

	if len(repo.payments) != 1 {
		t.Fatalf("expected one payment row, got %d", len(repo.payments))
	}
	for id := range repo.payments {
		p := repo.paymentByID(id)
		if p.Status != domain.PaymentStatusFailed {
			t.Fatalf("expected failed status on gateway error, got %q", p.Status)
		}
	}
}

func TestInitiateSTKPush_RateLimited(t *testing.T) {
	repo := newFakeRepository()
	gateway := &fakeGateway{}
	svc := NewService(repo, gateway, &fakePublisher{})
	svc.SetRateLimiter(&fakeLimiter{count: 6}, 5)

	_, err := svc.InitiateSTKPush(context.Background(), validRequest())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if gateway.callCount() != 0 {
		t.Fatalf("rate-limited request must not reach the gateway, got %d calls", gateway.callCount())
	}
}

func TestInitiateSTKPush_LimiterOutageDoesNotBlock(t *testing.T) {
	repo := newFakeRepository()
	gateway := &fakeGateway{}
	svc := NewService(repo, gateway, &fakePublisher{})
	svc.SetRateLimiter(&fakeLimiter{err: errors.New("redis down")}, 5)

	if _, err := svc.InitiateSTKPush(context.Background(), validRequest()); err != nil {
		t.Fatalf("limiter outage must not block initiation, got %v", err)
	}
	if gateway.callCount() != 1 {
		t.Fatalf("expected one submission, got %d", gateway.callCount())
	}
}
