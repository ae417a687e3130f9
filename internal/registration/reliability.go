package registration

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"memberhub/internal/registration/payment"
	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/saga"
	"memberhub/internal/registration/session"
)

// ErrCircuitOpen indicates a collaborator's circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy bounds retries of idempotent outbound reads.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryableCall
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}
		delay := p.backoff(attempt)
		if delay = jitter(delay); delay > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return err
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

func retryableCall(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return saga.Classify(err)
}

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// OnStateChange is called outside the breaker lock.
	OnStateChange func(name string, from, to BreakerState)
}

// CircuitBreaker rejects calls after consecutive failures until a probe
// succeeds in the half-open state.
type CircuitBreaker struct {
	name       string
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	onChange   func(string, BreakerState, BreakerState)

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker constructs a circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		name:       cfg.Name,
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: cfg.ResetTimeout,
		now:        cfg.Now,
		onChange:   cfg.OnStateChange,
	}
	if b.resetAfter <= 0 {
		b.resetAfter = 2 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn unless the breaker is open. Only failures that count
// against the collaborator's health trip the breaker; permanent domain
// rejections do not.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *CircuitBreaker) admit() error {
	now := b.now()
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.resetAfter {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return nil
}

func (b *CircuitBreaker) record(err error) {
	healthy := err == nil || !saga.Classify(err)
	b.mu.Lock()
	from := b.state
	b.probing = false
	switch {
	case healthy:
		b.state = BreakerClosed
		b.failures = 0
	case b.state == BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.failures = 0
	default:
		b.failures++
		if b.failures >= b.maxFails {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// RateLimiter is a token bucket refilling one token every interval.
type RateLimiter struct {
	interval time.Duration
	burst    int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	onWait   func(time.Duration)

	mu     sync.Mutex
	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter. onWait, when set, observes every wait.
func NewRateLimiter(interval time.Duration, burst int, onWait func(time.Duration)) *RateLimiter {
	l := &RateLimiter{
		interval: interval,
		burst:    burst,
		now:      time.Now,
		sleep:    sleepWithContext,
		onWait:   onWait,
		tokens:   burst,
	}
	l.last = l.now()
	return l
}

// Wait blocks until a token is available or ctx ends. A nil or unconfigured
// limiter never blocks.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil || l.interval <= 0 || l.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		now := l.now()
		l.refill(now)
		if l.tokens > 0 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := l.interval - now.Sub(l.last)
		l.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if l.onWait != nil {
			l.onWait(wait)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(l.last)
	if elapsed < l.interval {
		return
	}
	add := int(elapsed / l.interval)
	l.tokens = min(l.tokens+add, l.burst)
	l.last = l.last.Add(time.Duration(add) * l.interval)
}

type guard struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
}

func (g guard) call(ctx context.Context, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.breaker.Execute(func() error { return fn(ctx) })
}

// ReliableCreator guards an entity creator. Create is attempted once per
// call; the saga and the client decide when to retry. Exists is retried.
type ReliableCreator struct {
	base  saga.Creator
	guard guard
	retry RetryPolicy
}

// NewReliableCreator wraps base with reliability controls.
func NewReliableCreator(base saga.Creator, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy) *ReliableCreator {
	return &ReliableCreator{base: base, guard: guard{limiter: limiter, breaker: breaker}, retry: retry}
}

func (c *ReliableCreator) Create(ctx context.Context, link saga.Link, payload session.Payload) (string, error) {
	var id string
	err := c.guard.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = c.base.Create(ctx, link, payload)
		return err
	})
	return id, err
}

func (c *ReliableCreator) Exists(ctx context.Context, ownerID string, year int) (bool, error) {
	var exists bool
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.guard.call(ctx, func(ctx context.Context) error {
			var err error
			exists, err = c.base.Exists(ctx, ownerID, year)
			return err
		})
	})
	return exists, err
}

// ReliableGateway guards the payment gateway. Intent creation is not retried
// here because a lost response could open a second intent; status reads are.
type ReliableGateway struct {
	base  payment.Gateway
	guard guard
	retry RetryPolicy
}

// NewReliableGateway wraps base with reliability controls.
func NewReliableGateway(base payment.Gateway, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy) *ReliableGateway {
	return &ReliableGateway{base: base, guard: guard{limiter: limiter, breaker: breaker}, retry: retry}
}

func (g *ReliableGateway) CreateIntent(ctx context.Context, amount pricing.Money, currency, reference string) (payment.Intent, error) {
	var intent payment.Intent
	err := g.guard.call(ctx, func(ctx context.Context) error {
		var err error
		intent, err = g.base.CreateIntent(ctx, amount, currency, reference)
		return err
	})
	return intent, err
}

func (g *ReliableGateway) ConfirmStatus(ctx context.Context, intentID string) (payment.Result, error) {
	var result payment.Result
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		return g.guard.call(ctx, func(ctx context.Context) error {
			var err error
			result, err = g.base.ConfirmStatus(ctx, intentID)
			if errors.Is(err, payment.ErrIntentNotFound) {
				return saga.Permanent(err)
			}
			return err
		})
	})
	return result, err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
