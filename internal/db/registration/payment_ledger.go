package regdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memberhub/internal/registration/payment"
	"memberhub/internal/registration/pricing"
)

// ErrAlreadySettled signals an intent that already carries a final result.
var ErrAlreadySettled = errors.New("payment intent already settled")

// PaymentLedger is a payment.Gateway for offline payments such as invoices
// and bank transfers. Intents are settled by staff through Settle.
type PaymentLedger struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewPaymentLedger constructs a ledger backed by Postgres.
func NewPaymentLedger(db *sql.DB) *PaymentLedger {
	return &PaymentLedger{
		db:    db,
		now:   time.Now,
		newID: func() string { return "pi_" + uuid.NewString() },
	}
}

// NewPaymentLedgerWithSchema initializes the schema then returns the ledger.
func NewPaymentLedgerWithSchema(ctx context.Context, db *sql.DB) (*PaymentLedger, error) {
	ledger := NewPaymentLedger(db)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the payment_intents table if it does not exist.
func (l *PaymentLedger) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_intents (
			intent_id TEXT PRIMARY KEY,
			reference TEXT UNIQUE NOT NULL,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at TIMESTAMPTZ
		)
	`)
	return err
}

// CreateIntent records a pending intent. Repeating a reference returns the
// intent already recorded for it.
func (l *PaymentLedger) CreateIntent(ctx context.Context, amount pricing.Money, currency, reference string) (payment.Intent, error) {
	if reference == "" {
		return payment.Intent{}, fmt.Errorf("payment reference required")
	}
	if amount <= 0 {
		return payment.Intent{}, fmt.Errorf("payment amount must be positive")
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO payment_intents (intent_id, reference, amount_cents, currency, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reference) DO NOTHING`,
		l.newID(), reference, int64(amount), currency, string(payment.ResultPending),
	)
	if err != nil {
		return payment.Intent{}, err
	}

	row := l.db.QueryRowContext(ctx, `
		SELECT intent_id, amount_cents, currency
		FROM payment_intents
		WHERE reference = $1`,
		reference,
	)
	intent := payment.Intent{Reference: reference}
	var cents int64
	if err := row.Scan(&intent.ID, &cents, &intent.Currency); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return payment.Intent{}, fmt.Errorf("payment intent not found after insert")
		}
		return payment.Intent{}, err
	}
	intent.Amount = pricing.Money(cents)
	return intent, nil
}

// ConfirmStatus reads the current result of an intent.
func (l *PaymentLedger) ConfirmStatus(ctx context.Context, intentID string) (payment.Result, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT status, transaction_id, reason, settled_at
		FROM payment_intents
		WHERE intent_id = $1`,
		intentID,
	)
	var (
		status              string
		transaction, reason sql.NullString
		settledAt           sql.NullTime
	)
	if err := row.Scan(&status, &transaction, &reason, &settledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return payment.Result{}, payment.ErrIntentNotFound
		}
		return payment.Result{}, err
	}

	result := payment.Result{
		IntentID:      intentID,
		Status:        payment.ResultStatus(status),
		TransactionID: transaction.String,
		Reason:        reason.String,
	}
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		result.PaidAt = &at
	}
	return result, nil
}

// Settle records the final result of a pending intent.
func (l *PaymentLedger) Settle(ctx context.Context, intentID string, status payment.ResultStatus, transactionID, reason string) error {
	if status == payment.ResultPending {
		return fmt.Errorf("settle requires a final status")
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $2, transaction_id = $3, reason = $4, settled_at = $5
		WHERE intent_id = $1 AND status = $6`,
		intentID, string(status), nullString(transactionID), nullString(reason), l.now().UTC(),
		string(payment.ResultPending),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current string
	row := l.db.QueryRowContext(ctx, `SELECT status FROM payment_intents WHERE intent_id = $1`, intentID)
	switch scanErr := row.Scan(&current); {
	case scanErr == nil:
		return ErrAlreadySettled
	case errors.Is(scanErr, sql.ErrNoRows):
		return payment.ErrIntentNotFound
	default:
		return scanErr
	}
}
