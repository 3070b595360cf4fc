/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payments-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nyumbani/payments-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// CreatePayment inserts a new payment row in status `created`.
	CreatePayment(ctx context.Context, p *domain.Payment) error

	// MarkPaymentInitiated records the provider acknowledgment identifiers
	// and moves the row `created -> initiated`.
	MarkPaymentInitiated(ctx context.Context, paymentID uuid.UUID, merchantRequestID, checkoutRequestID string) error

	// MarkPaymentFailed records a synchronous initiation failure
	// (`created -> failed`) so the row is not left dangling.
	MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) error

	// FinalizePaymentByCheckoutID applies a callback result with
	// compare-and-set semantics: only a row currently in `initiated` for the
	// given checkout id is updated. A duplicate delivery finds no eligible
	// row and returns ErrCallbackAlreadyApplied; an unknown checkout id
	// returns ErrPaymentNotFound. Returns the finalized row on success.
	FinalizePaymentByCheckoutID(ctx context.Context, result *domain.CallbackResult) (*domain.Payment, error)

	// GetPaymentByCheckoutID fetches one payment by its checkout request id.
	GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error)

	// ListPaymentsByAccountReference returns payment history for one rent
	// account, newest first.
	ListPaymentsByAccountReference(ctx context.Context, accountReference string, limit, offset int) ([]domain.Payment, error)

	// AbandonStalePayments sweeps `initiated` rows older than the cutoff to
	// `abandoned` and returns the affected rows so events can be published.
	AbandonStalePayments(ctx context.Context, olderThan time.Time) ([]domain.Payment, error)
}
