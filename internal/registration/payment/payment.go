// Package payment drives a registration's payment intent through the gateway
// and folds provider results into the session.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/session"
)

// ErrIntentNotFound is returned by gateways for unknown intent ids.
var ErrIntentNotFound = errors.New("payment intent not found")

// ResultStatus is the provider's view of an intent.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultDeclined  ResultStatus = "declined"
	ResultPending   ResultStatus = "pending"
	ResultCancelled ResultStatus = "cancelled"
)

// Intent is a created payment intent.
type Intent struct {
	ID        string
	Amount    pricing.Money
	Currency  string
	Reference string
}

// Result is a provider outcome for an intent, from polling or a webhook.
type Result struct {
	IntentID      string
	Status        ResultStatus
	TransactionID string
	PaidAt        *time.Time
	Reason        string
}

// Gateway is the payment provider collaborator.
type Gateway interface {
	CreateIntent(ctx context.Context, amount pricing.Money, currency, reference string) (Intent, error)
	ConfirmStatus(ctx context.Context, intentID string) (Result, error)
}

// Config bounds the coordinator.
type Config struct {
	// MaxAttempts is the number of declined attempts after which the session fails.
	MaxAttempts int
	// Timeout bounds each gateway call. Zero means the caller's context only.
	Timeout time.Duration
	// Currency, when set, must match the priced currency.
	Currency string
}

// Coordinator applies payment operations to sessions. It never persists.
type Coordinator struct {
	gateway Gateway
	cfg     Config
	logger  *slog.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(gateway Gateway, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if gateway == nil {
		return nil, errors.New("payment gateway is required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("payment max attempts must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{gateway: gateway, cfg: cfg, logger: logger}, nil
}

// MaxAttempts returns the configured decline limit.
func (c *Coordinator) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// CreateIntent opens a provider intent for the priced total and moves the
// session to payment_processing. On gateway failure the returned session is
// left in payment_pending alongside a recoverable error.
func (c *Coordinator) CreateIntent(ctx context.Context, s session.Session, method string, now time.Time) (session.Session, error) {
	if s.Pricing == nil || s.Pricing.Total <= 0 {
		return s, apperrors.New(apperrors.CodePaymentInvalidAmount, "payment amount must be positive")
	}
	if c.cfg.Currency != "" && s.Pricing.Currency != c.cfg.Currency {
		return s, apperrors.New(apperrors.CodePaymentInvalidAmount,
			fmt.Sprintf("priced currency %s does not match %s", s.Pricing.Currency, c.cfg.Currency))
	}

	next := s
	if s.Status != session.StatusPaymentPending {
		var err error
		next, err = s.Transition(session.StatusPaymentPending, "payment requested", now)
		if err != nil {
			return s, err
		}
	}
	if !session.CanTransition(next.Status, session.StatusPaymentProcessing) {
		return s, session.InvalidTransition(s.Status, session.StatusPaymentProcessing)
	}

	amount := s.Pricing.Total
	currency := s.Pricing.Currency
	reference := fmt.Sprintf("%s-%d", s.ID, s.PaymentAttempts+1)
	next = next.Clone()
	next.Payment = &session.PaymentTracking{
		Status:   session.PaymentPending,
		Method:   method,
		Amount:   amount,
		Currency: currency,
	}

	callCtx, cancel := c.callContext(ctx)
	intent, err := c.gateway.CreateIntent(callCtx, amount, currency, reference)
	cancel()
	if err != nil {
		c.logger.WarnContext(ctx, "payment intent failed", "session_id", s.ID, "reference", reference, "error", err)
		next.Payment.Error = err.Error()
		return next, apperrors.Wrap(apperrors.CodePaymentGatewayUnavailable, "payment gateway unavailable", err).
			WithRecoverable(true)
	}

	next.Payment.Status = session.PaymentProcessing
	next.Payment.IntentID = intent.ID
	return next.Transition(session.StatusPaymentProcessing, "payment intent "+intent.ID, now)
}

// Verify polls the gateway for the session's intent and applies the result.
func (c *Coordinator) Verify(ctx context.Context, s session.Session, now time.Time) (session.Session, error) {
	if s.Payment != nil && s.Payment.Status == session.PaymentCompleted {
		return s, nil
	}
	if s.Payment == nil || s.Payment.IntentID == "" {
		return s, session.InvalidTransition(s.Status, session.StatusPaymentCompleted)
	}

	callCtx, cancel := c.callContext(ctx)
	result, err := c.gateway.ConfirmStatus(callCtx, s.Payment.IntentID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			return s, apperrors.Wrap(apperrors.CodeNotFound, "payment intent not found", err)
		}
		return s, apperrors.Wrap(apperrors.CodePaymentGatewayUnavailable, "payment gateway unavailable", err).
			WithRecoverable(true)
	}
	if result.IntentID == "" {
		result.IntentID = s.Payment.IntentID
	}
	return c.Confirm(s, result, now)
}

// Confirm folds a provider result into the session. Confirming an already
// completed payment returns s unchanged.
func (c *Coordinator) Confirm(s session.Session, result Result, now time.Time) (session.Session, error) {
	if s.Payment != nil && s.Payment.Status == session.PaymentCompleted {
		return s, nil
	}
	if s.Status != session.StatusPaymentProcessing || s.Payment == nil {
		return s, session.InvalidTransition(s.Status, session.StatusPaymentCompleted)
	}
	if result.IntentID != "" && result.IntentID != s.Payment.IntentID {
		return s, apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("payment result is for intent %s, session holds %s", result.IntentID, s.Payment.IntentID))
	}

	switch result.Status {
	case ResultPending:
		return s, nil
	case ResultSucceeded:
		next, err := s.Transition(session.StatusPaymentCompleted, "payment confirmed", now)
		if err != nil {
			return s, err
		}
		paidAt := now.UTC()
		if result.PaidAt != nil {
			paidAt = result.PaidAt.UTC()
		}
		next.Payment.Status = session.PaymentCompleted
		next.Payment.TransactionID = result.TransactionID
		next.Payment.PaidAt = &paidAt
		next.Payment.Error = ""
		next.LastError = nil
		return next, nil
	case ResultDeclined, ResultCancelled:
		return c.decline(s, result, now)
	default:
		return s, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown payment result status %q", result.Status))
	}
}

func (c *Coordinator) decline(s session.Session, result Result, now time.Time) (session.Session, error) {
	attempts := s.PaymentAttempts + 1
	reason := result.Reason
	if reason == "" {
		reason = "payment " + string(result.Status)
	}

	target := session.StatusPaymentFailed
	recoverable := true
	if attempts >= c.cfg.MaxAttempts {
		target = session.StatusFailed
		recoverable = false
	}
	next, err := s.Transition(target, reason, now)
	if err != nil {
		return s, err
	}
	next.PaymentAttempts = attempts
	next.Payment.Status = session.PaymentFailed
	if result.Status == ResultCancelled {
		next.Payment.Status = session.PaymentCancelled
	}
	next.Payment.Error = reason
	next.Payment.PaidAt = nil

	declined := apperrors.New(apperrors.CodePaymentDeclined,
		fmt.Sprintf("%s (attempt %d of %d)", reason, attempts, c.cfg.MaxAttempts)).WithRecoverable(recoverable)
	next = next.RecordError(declined, now)
	c.logger.Info("payment declined",
		"session_id", s.ID, "attempt", attempts, "max_attempts", c.cfg.MaxAttempts, "status", next.Status)
	return next, nil
}
