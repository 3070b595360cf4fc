/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the payments table:
 * creation, initiation acknowledgment, callback finalization, history queries,
 * and the stale-payment sweep.
 *
 * @notes
 * - Callback finalization is a conditional UPDATE guarded on the current
 *   status, so redelivered callbacks for the same checkout id match zero rows
 *   and are reported as already applied instead of overwriting the record.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nyumbani/payments-service/internal/domain"
)

var (
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrCallbackAlreadyApplied = errors.New("callback already applied")
)

// paymentColumns is the canonical select list used by every payment query.
const paymentColumns = `
	id, account_reference, phone_number, amount, description,
	merchant_request_id, checkout_request_id, status,
	result_code, result_desc, mpesa_receipt, transaction_date,
	failure_reason, created_at, updated_at
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.AccountReference, &p.PhoneNumber, &p.Amount, &p.Description,
		&p.MerchantRequestID, &p.CheckoutRequestID, &p.Status,
		&p.ResultCode, &p.ResultDesc, &p.MpesaReceipt, &p.TransactionDate,
		&p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayment inserts a new payment row in status `created`.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (id, account_reference, phone_number, amount, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		p.ID, p.AccountReference, p.PhoneNumber, p.Amount, p.Description, domain.PaymentStatusCreated,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// MarkPaymentInitiated records the provider acknowledgment identifiers.
func (r *PostgresRepository) MarkPaymentInitiated(ctx context.Context, paymentID uuid.UUID, merchantRequestID, checkoutRequestID string) error {
	query := `
		UPDATE payments
		SET merchant_request_id = $2, checkout_request_id = $3, status = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query, paymentID, merchantRequestID, checkoutRequestID, domain.PaymentStatusInitiated, domain.PaymentStatusCreated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// MarkPaymentFailed records a synchronous initiation failure.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) error {
	query := `
		UPDATE payments
		SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, paymentID, domain.PaymentStatusFailed, reason, domain.PaymentStatusCreated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// FinalizePaymentByCheckoutID applies a callback result with compare-and-set
// semantics keyed on checkout_request_id.
func (r *PostgresRepository) FinalizePaymentByCheckoutID(ctx context.Context, result *domain.CallbackResult) (*domain.Payment, error) {
	status := domain.PaymentStatusFailed
	var failureReason *string
	if result.Succeeded() {
		status = domain.PaymentStatusPaid
	} else {
		desc := result.ResultDesc
		failureReason = &desc
	}

	query := `
		UPDATE payments
		SET status = $2,
		    result_code = $3,
		    result_desc = $4,
		    mpesa_receipt = $5,
		    transaction_date = $6,
		    failure_reason = $7,
		    callback_payload = $8,
		    updated_at = NOW()
		WHERE checkout_request_id = $1 AND status = $9
		RETURNING ` + paymentColumns
	row := r.db.QueryRow(ctx, query,
		result.CheckoutRequestID, status,
		result.ResultCode, result.ResultDesc,
		result.MpesaReceipt, result.TransactionDate,
		failureReason, result.RawPayload,
		domain.PaymentStatusInitiated,
	)

	payment, err := scanPayment(row)
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// No eligible row: distinguish a duplicate delivery from an unknown id.
	var existingStatus string
	lookupErr := r.db.QueryRow(ctx,
		`SELECT status FROM payments WHERE checkout_request_id = $1`,
		result.CheckoutRequestID,
	).Scan(&existingStatus)
	if lookupErr != nil {
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, lookupErr
	}
	return nil, ErrCallbackAlreadyApplied
}

// GetPaymentByCheckoutID fetches one payment by its checkout request id.
func (r *PostgresRepository) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE checkout_request_id = $1`
	payment, err := scanPayment(r.db.QueryRow(ctx, query, checkoutRequestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// ListPaymentsByAccountReference returns payment history for one rent account.
func (r *PostgresRepository) ListPaymentsByAccountReference(ctx context.Context, accountReference string, limit, offset int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE account_reference = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountReference, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// AbandonStalePayments sweeps initiated rows whose push prompt was never
// answered.
func (r *PostgresRepository) AbandonStalePayments(ctx context.Context, olderThan time.Time) ([]domain.Payment, error) {
	query := `
		UPDATE payments
		SET status = $1, failure_reason = 'No callback received within the configured window', updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
		RETURNING ` + paymentColumns
	rows, err := r.db.Query(ctx, query, domain.PaymentStatusAbandoned, domain.PaymentStatusInitiated, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}
