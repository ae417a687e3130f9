package registration

import (
	"context"
	"errors"
	"testing"
	"time"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/payment"
	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/saga"
	"memberhub/internal/registration/session"
)

type stubCreator struct {
	errs  []error
	calls int
}

func (s *stubCreator) next() error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func (s *stubCreator) Create(ctx context.Context, link saga.Link, payload session.Payload) (string, error) {
	if err := s.next(); err != nil {
		return "", err
	}
	return "ent-1", nil
}

func (s *stubCreator) Exists(ctx context.Context, ownerID string, year int) (bool, error) {
	if err := s.next(); err != nil {
		return false, err
	}
	return true, nil
}

type stubGateway struct {
	errs  []error
	calls int
}

func (s *stubGateway) CreateIntent(ctx context.Context, amount pricing.Money, currency, reference string) (payment.Intent, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return payment.Intent{}, s.errs[s.calls-1]
	}
	return payment.Intent{ID: "pi_1", Amount: amount, Currency: currency, Reference: reference}, nil
}

func (s *stubGateway) ConfirmStatus(ctx context.Context, intentID string) (payment.Result, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return payment.Result{}, s.errs[s.calls-1]
	}
	return payment.Result{IntentID: intentID, Status: payment.ResultSucceeded}, nil
}

func instantPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_DefaultSkipsPermanentErrors(t *testing.T) {
	attempts := 0
	permanent := saga.Permanent(apperrors.New(apperrors.CodeValidation, "bad payload"))

	err := instantPolicy(5).Do(context.Background(), func(context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryPolicy_DefaultSkipsOpenCircuit(t *testing.T) {
	attempts := 0
	err := instantPolicy(5).Do(context.Background(), func(context.Context) error {
		attempts++
		return ErrCircuitOpen
	})
	if !errors.Is(err, ErrCircuitOpen) || attempts != 1 {
		t.Fatalf("expected one attempt ending in open circuit, got %d %v", attempts, err)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0
	var changes []string

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "entity.practices",
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
		OnStateChange: func(name string, from, to BreakerState) {
			changes = append(changes, name+":"+from.String()+">"+to.String())
		},
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if breaker.State() != BreakerClosed {
		t.Fatalf("expected closed breaker, got %s", breaker.State())
	}
	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}

	want := []string{
		"entity.practices:closed>open",
		"entity.practices:open>half_open",
		"entity.practices:half_open>closed",
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, changes)
		}
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})
	conflict := saga.Permanent(apperrors.New(apperrors.CodeConflict, "exists"))

	for range 3 {
		if err := breaker.Execute(func() error { return conflict }); !errors.Is(err, conflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	}
	if breaker.State() != BreakerClosed {
		t.Fatalf("domain rejections must not open the breaker, got %s", breaker.State())
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits, observed []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1, func(d time.Duration) { observed = append(observed, d) })
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
	if len(observed) != 1 {
		t.Fatalf("expected wait hook to fire once, got %v", observed)
	}
}

func TestRateLimiter_NilNeverBlocks(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReliableCreator_CreateIsNotRetried(t *testing.T) {
	base := &stubCreator{errs: []error{saga.Retryable(errors.New("timeout"))}}
	creator := NewReliableCreator(base, nil, nil, instantPolicy(3))

	if _, err := creator.Create(context.Background(), saga.Link{}, nil); err == nil {
		t.Fatalf("expected failure")
	}
	if base.calls != 1 {
		t.Fatalf("create must be attempted once, got %d", base.calls)
	}
}

func TestReliableCreator_ExistsRetries(t *testing.T) {
	base := &stubCreator{errs: []error{errors.New("connection reset")}}
	creator := NewReliableCreator(base, nil, nil, instantPolicy(3))

	exists, err := creator.Exists(context.Background(), "owner-1", 2025)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !exists || base.calls != 2 {
		t.Fatalf("expected retry to succeed, got exists=%v calls=%d", exists, base.calls)
	}
}

func TestReliableCreator_CircuitOpen(t *testing.T) {
	base := &stubCreator{errs: []error{errors.New("fail"), errors.New("fail")}}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	creator := NewReliableCreator(base, nil, breaker, instantPolicy(1))
	if _, err := creator.Create(context.Background(), saga.Link{}, nil); err == nil {
		t.Fatalf("expected failure")
	}
	if _, err := creator.Create(context.Background(), saga.Link{}, nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
	if !saga.Classify(ErrCircuitOpen) {
		t.Fatalf("an open circuit should leave the entity retryable")
	}
}

func TestReliableGateway_ConfirmRetriesButNotFoundIsFinal(t *testing.T) {
	base := &stubGateway{errs: []error{errors.New("503")}}
	gw := NewReliableGateway(base, nil, nil, instantPolicy(3))

	result, err := gw.ConfirmStatus(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Status != payment.ResultSucceeded || base.calls != 2 {
		t.Fatalf("unexpected result %+v after %d calls", result, base.calls)
	}

	missing := &stubGateway{errs: []error{payment.ErrIntentNotFound, payment.ErrIntentNotFound}}
	gw = NewReliableGateway(missing, nil, nil, instantPolicy(3))
	if _, err := gw.ConfirmStatus(context.Background(), "pi_x"); !errors.Is(err, payment.ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
	if missing.calls != 1 {
		t.Fatalf("not found must not be retried, got %d calls", missing.calls)
	}
}

func TestReliableGateway_CreateIntentIsNotRetried(t *testing.T) {
	base := &stubGateway{errs: []error{errors.New("503")}}
	gw := NewReliableGateway(base, nil, nil, instantPolicy(3))

	if _, err := gw.CreateIntent(context.Background(), pricing.Cents(10, 0), "CAD", "ref-1"); err == nil {
		t.Fatalf("expected failure")
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
}

func TestWrapCreatorsKeepsEveryEntity(t *testing.T) {
	cfg := ReliabilityConfig{RetryMaxAttempts: 2, BreakerMaxFailures: 3, BreakerResetTimeout: time.Second}
	wrapped := cfg.WrapCreators(saga.NewMemoryCreators(), nil)

	for _, entity := range progress.Order {
		if _, ok := wrapped[entity].(*ReliableCreator); !ok {
			t.Fatalf("expected %s to be guarded", entity)
		}
	}
}
