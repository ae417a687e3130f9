package registration

import (
	"context"
	"strings"
	"sync"
	"time"

	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/session"
)

// CategoryPolicy reports what a membership category implies for the
// workflow: whether it is paid, and which reviews follow entity creation.
type CategoryPolicy interface {
	PolicyFor(ctx context.Context, category string, year int) (session.Policy, error)
}

// StaticPolicy is an in-memory CategoryPolicy. Unknown categories require
// payment and no review.
type StaticPolicy struct {
	mu       sync.RWMutex
	policies map[string]session.Policy
}

// NewStaticPolicy constructs an empty StaticPolicy.
func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{policies: make(map[string]session.Policy)}
}

// Set registers the policy for a category.
func (p *StaticPolicy) Set(category string, policy session.Policy) *StaticPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[strings.ToLower(category)] = policy
	return p
}

func (p *StaticPolicy) PolicyFor(ctx context.Context, category string, year int) (session.Policy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if policy, ok := p.policies[strings.ToLower(category)]; ok {
		return policy, nil
	}
	return session.Policy{PaymentRequired: true}, nil
}

// Event is published after every persisted change to a session.
type Event struct {
	SessionID  string              `json:"sessionId"`
	Status     session.Status      `json:"status"`
	Percentage int                 `json:"percentage"`
	Current    progress.EntityType `json:"currentStep,omitempty"`
	LastError  *session.LastError  `json:"lastError,omitempty"`
	At         time.Time           `json:"at"`
}

func eventFor(s session.Session) Event {
	return Event{
		SessionID:  s.ID,
		Status:     s.Status,
		Percentage: s.Progress.Percentage,
		Current:    s.Progress.CurrentStep,
		LastError:  s.LastError,
		At:         s.UpdatedAt,
	}
}

// Notifier receives session events. Publish must not block.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// Metrics records orchestrator activity.
type Metrics interface {
	ObserveOperation(op string, d time.Duration, err error)
	ObserveEntity(entity string, outcome string, d time.Duration)
	ObserveTransition(from, to string)
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, Event) {}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, time.Duration, error) {}
func (nopMetrics) ObserveEntity(string, string, time.Duration) {}
func (nopMetrics) ObserveTransition(string, string) {}
