package registration

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"memberhub/internal/registration/payment"
	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/saga"
)

// Config holds the workflow limits. MaxEntityRetries and MaxPaymentAttempts
// have no defaults and must be supplied.
type Config struct {
	SessionTTL         time.Duration
	PaymentWindow      time.Duration
	TerminalRetention  time.Duration
	MaxEntityRetries   int
	MaxPaymentAttempts int
	Currency           string
	EntityTimeout      time.Duration
	PaymentTimeout     time.Duration
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.PaymentWindow < 0 {
		errs = append(errs, errors.New("payment window must be >= 0"))
	}
	if c.TerminalRetention <= 0 {
		errs = append(errs, errors.New("terminal retention must be positive"))
	}
	if c.MaxEntityRetries <= 0 {
		errs = append(errs, errors.New("max entity retries must be positive"))
	}
	if c.MaxPaymentAttempts <= 0 {
		errs = append(errs, errors.New("max payment attempts must be positive"))
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		errs = append(errs, fmt.Errorf("currency %q must be a three-letter code", c.Currency))
	}
	if c.EntityTimeout < 0 || c.PaymentTimeout < 0 {
		errs = append(errs, errors.New("call timeouts must be >= 0"))
	}
	return errors.Join(errs...)
}

// ReliabilityConfig configures the guards around outbound collaborators.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// Validate rejects negative settings.
func (c ReliabilityConfig) Validate() error {
	if c.RetryMaxAttempts < 0 || c.BreakerMaxFailures < 0 || c.RateLimitBurst < 0 {
		return errors.New("reliability counts must be >= 0")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 || c.BreakerResetTimeout < 0 || c.RateLimitInterval < 0 {
		return errors.New("reliability durations must be >= 0")
	}
	return nil
}

func (c ReliabilityConfig) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

func (c ReliabilityConfig) breaker(name string, onChange func(string, BreakerState, BreakerState)) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:          name,
		MaxFailures:   c.BreakerMaxFailures,
		ResetTimeout:  c.BreakerResetTimeout,
		OnStateChange: onChange,
	})
}

// WrapCreators guards every creator with its own breaker and a shared limiter.
func (c ReliabilityConfig) WrapCreators(creators saga.Creators, onChange func(string, BreakerState, BreakerState)) saga.Creators {
	limiter := NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst, nil)
	wrapped := make(saga.Creators, len(creators))
	for _, t := range progress.Order {
		base, ok := creators[t]
		if !ok {
			continue
		}
		wrapped[t] = NewReliableCreator(base, limiter, c.breaker("entity."+string(t), onChange), c.retryPolicy())
	}
	return wrapped
}

// WrapGateway guards the payment gateway.
func (c ReliabilityConfig) WrapGateway(gw payment.Gateway, onChange func(string, BreakerState, BreakerState)) payment.Gateway {
	limiter := NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst, nil)
	return NewReliableGateway(gw, limiter, c.breaker("payment.gateway", onChange), c.retryPolicy())
}
