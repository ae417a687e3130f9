package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"memberhub/internal/registration/pricing"
)

// NewInMemoryGateway constructs an in-memory gateway whose intents stay
// pending until settled.
func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{
		intents:     make(map[string]Intent),
		results:     make(map[string]Result),
		byReference: make(map[string]string),
		now:         time.Now,
	}
}

// InMemoryGateway tracks intents and their outcomes in memory.
type InMemoryGateway struct {
	mu          sync.Mutex
	intents     map[string]Intent
	results     map[string]Result
	byReference map[string]string
	autoSettle  ResultStatus
	now         func() time.Time
}

// WithAutoSettle makes every new intent resolve immediately to status.
func (g *InMemoryGateway) WithAutoSettle(status ResultStatus) *InMemoryGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoSettle = status
	return g
}

func (g *InMemoryGateway) CreateIntent(ctx context.Context, amount pricing.Money, currency, reference string) (Intent, error) {
	if amount <= 0 {
		return Intent{}, errors.New("amount must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.byReference[reference]; ok && reference != "" {
		return g.intents[id], nil
	}
	intent := Intent{ID: "pi_" + uuid.NewString(), Amount: amount, Currency: currency, Reference: reference}
	g.intents[intent.ID] = intent
	g.byReference[reference] = intent.ID
	g.results[intent.ID] = Result{IntentID: intent.ID, Status: ResultPending}
	if g.autoSettle != "" {
		g.settleLocked(intent.ID, g.autoSettle, "")
	}
	return intent, nil
}

func (g *InMemoryGateway) ConfirmStatus(ctx context.Context, intentID string) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	result, ok := g.results[intentID]
	if !ok {
		return Result{}, ErrIntentNotFound
	}
	return result, nil
}

// Settle records the provider outcome for an intent.
func (g *InMemoryGateway) Settle(intentID string, status ResultStatus, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.intents[intentID]; !ok {
		return ErrIntentNotFound
	}
	g.settleLocked(intentID, status, reason)
	return nil
}

func (g *InMemoryGateway) settleLocked(intentID string, status ResultStatus, reason string) {
	result := Result{IntentID: intentID, Status: status, Reason: reason}
	if status == ResultSucceeded {
		paidAt := g.now().UTC()
		result.PaidAt = &paidAt
		result.TransactionID = "txn_" + uuid.NewString()
	}
	g.results[intentID] = result
}

// Intent returns a created intent (for testing/inspection).
func (g *InMemoryGateway) Intent(intentID string) (Intent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	return intent, ok
}
