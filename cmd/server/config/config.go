package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"memberhub/internal/registration"
)

// Config is the full server configuration read from the environment.
type Config struct {
	AppEnv       string `env:"APP_ENV" envDefault:"development"`
	DatabaseURL  string `env:"DATABASE_URL"`
	Redis        RedisConfig
	GRPC         GRPCConfig
	HTTP         HTTPConfig
	Registration RegistrationConfig
}

// RedisConfig holds Redis connection and behavior settings. An empty URL
// disables the session cache.
type RedisConfig struct {
	URL                string        `env:"REDIS_URL"`
	KeyPrefix          string        `env:"REDIS_KEY_PREFIX" envDefault:"registration:session:"`
	DialTimeout        time.Duration `env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout        time.Duration `env:"REDIS_READ_TIMEOUT"`
	WriteTimeout       time.Duration `env:"REDIS_WRITE_TIMEOUT"`
	PoolSize           int           `env:"REDIS_POOL_SIZE"`
	MinIdleConns       int           `env:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries         int           `env:"REDIS_MAX_RETRIES"`
	HealthcheckTimeout time.Duration `env:"REDIS_HEALTHCHECK_TIMEOUT" envDefault:"2s"`
	EnableOTel         bool          `env:"REDIS_OTEL"`
	TLS                RedisTLSEnv

	TLSConfig *tls.Config `env:"-"`
}

// RedisTLSEnv holds the raw REDIS_TLS_* settings.
type RedisTLSEnv struct {
	CAFile             string `env:"REDIS_TLS_CA_FILE"`
	CertFile           string `env:"REDIS_TLS_CERT_FILE"`
	KeyFile            string `env:"REDIS_TLS_KEY_FILE"`
	ServerName         string `env:"REDIS_TLS_SERVER_NAME"`
	InsecureSkipVerify *bool  `env:"REDIS_TLS_INSECURE_SKIP_VERIFY"`
}

// GRPCConfig holds the listener and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string        `env:"GRPC_ADDR" envDefault:":50051"`
	RateLimitInterval time.Duration `env:"GRPC_RATE_LIMIT_INTERVAL" envDefault:"10ms"`
	RateLimitBurst    int           `env:"GRPC_RATE_LIMIT_BURST" envDefault:"100"`
}

// HTTPConfig holds the address serving /metrics and session event streams.
type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// RegistrationConfig holds workflow limits and outbound reliability settings.
// The retry and attempt budgets have no defaults.
type RegistrationConfig struct {
	SessionTTL         time.Duration `env:"REGISTRATION_SESSION_TTL" envDefault:"24h"`
	PaymentWindow      time.Duration `env:"REGISTRATION_PAYMENT_WINDOW" envDefault:"2h"`
	TerminalRetention  time.Duration `env:"REGISTRATION_TERMINAL_RETENTION" envDefault:"720h"`
	MaxEntityRetries   int           `env:"REGISTRATION_MAX_ENTITY_RETRIES,required"`
	MaxPaymentAttempts int           `env:"REGISTRATION_MAX_PAYMENT_ATTEMPTS,required"`
	Currency           string        `env:"REGISTRATION_CURRENCY" envDefault:"CAD"`
	EntityTimeout      time.Duration `env:"REGISTRATION_ENTITY_TIMEOUT" envDefault:"10s"`
	PaymentTimeout     time.Duration `env:"REGISTRATION_PAYMENT_TIMEOUT" envDefault:"15s"`
	AutoSettlePayments bool          `env:"REGISTRATION_AUTO_SETTLE_PAYMENTS"`
	PurgeInterval      time.Duration `env:"REGISTRATION_PURGE_INTERVAL" envDefault:"1h"`

	RetryMaxAttempts    int           `env:"REGISTRATION_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay      time.Duration `env:"REGISTRATION_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay       time.Duration `env:"REGISTRATION_RETRY_MAX_DELAY" envDefault:"2s"`
	BreakerMaxFailures  int           `env:"REGISTRATION_BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"REGISTRATION_BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	RateLimitInterval   time.Duration `env:"REGISTRATION_RATE_LIMIT_INTERVAL"`
	RateLimitBurst      int           `env:"REGISTRATION_RATE_LIMIT_BURST"`
}

// Load reads and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Redis.URL = strings.TrimSpace(cfg.Redis.URL)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	tlsConfig, err := cfg.Redis.TLS.load()
	if err != nil {
		return cfg, err
	}
	cfg.Redis.TLSConfig = tlsConfig
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	r := c.Redis
	if r.DialTimeout < 0 || r.ReadTimeout < 0 || r.WriteTimeout < 0 || r.HealthcheckTimeout < 0 {
		errs = append(errs, errors.New("redis timeouts must be >= 0"))
	}
	if r.PoolSize < 0 || r.MinIdleConns < 0 || r.MaxRetries < 0 {
		errs = append(errs, errors.New("redis pool settings must be >= 0"))
	}
	if c.GRPC.RateLimitInterval < 0 || c.GRPC.RateLimitBurst < 0 {
		errs = append(errs, errors.New("grpc rate limit must be >= 0"))
	}
	if c.Registration.PurgeInterval < 0 {
		errs = append(errs, errors.New("REGISTRATION_PURGE_INTERVAL must be >= 0"))
	}
	if err := c.Registration.Workflow().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Registration.Reliability().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Production reports whether the server runs with APP_ENV=production.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
}

// Workflow returns the orchestrator limits.
func (r RegistrationConfig) Workflow() registration.Config {
	return registration.Config{
		SessionTTL:         r.SessionTTL,
		PaymentWindow:      r.PaymentWindow,
		TerminalRetention:  r.TerminalRetention,
		MaxEntityRetries:   r.MaxEntityRetries,
		MaxPaymentAttempts: r.MaxPaymentAttempts,
		Currency:           strings.ToUpper(strings.TrimSpace(r.Currency)),
		EntityTimeout:      r.EntityTimeout,
		PaymentTimeout:     r.PaymentTimeout,
	}
}

// Reliability returns the outbound guard settings.
func (r RegistrationConfig) Reliability() registration.ReliabilityConfig {
	return registration.ReliabilityConfig{
		RetryMaxAttempts:    r.RetryMaxAttempts,
		RetryBaseDelay:      r.RetryBaseDelay,
		RetryMaxDelay:       r.RetryMaxDelay,
		BreakerMaxFailures:  r.BreakerMaxFailures,
		BreakerResetTimeout: r.BreakerResetTimeout,
		RateLimitInterval:   r.RateLimitInterval,
		RateLimitBurst:      r.RateLimitBurst,
	}
}

func (t RedisTLSEnv) load() (*tls.Config, error) {
	caFile := strings.TrimSpace(t.CAFile)
	certFile := strings.TrimSpace(t.CertFile)
	keyFile := strings.TrimSpace(t.KeyFile)
	serverName := strings.TrimSpace(t.ServerName)

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && t.InsecureSkipVerify == nil {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if t.InsecureSkipVerify != nil {
		tlsConfig.InsecureSkipVerify = *t.InsecureSkipVerify
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
