package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"memberhub/internal/apperrors"
	regdb "memberhub/internal/db/registration"
	"memberhub/internal/registration/payment"
	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/saga"
	"memberhub/internal/registration/session"
)

// BuildOptions configures BuildService.
type BuildOptions struct {
	// DSN selects Postgres persistence. Empty means in-memory collaborators.
	DSN string
	// Cache, when set, fronts the Postgres session store. Without Postgres a
	// Cache that is also a session.Store becomes the session store itself.
	Cache session.Cache

	Config      Config
	Reliability ReliabilityConfig

	// AutoSettlePayments makes the in-memory gateway settle intents as
	// succeeded on the first status check. Ignored with Postgres.
	AutoSettlePayments bool

	Notifier        Notifier
	Metrics         Metrics
	OnBreakerChange func(name string, from, to BreakerState)
	Logger          *slog.Logger
	Logf            func(format string, args ...any)
}

// Runtime is a built Service with the resources behind it.
type Runtime struct {
	Service *Service
	// Purge removes sessions past their retention. It is a no-op in memory,
	// where entries expire on read.
	Purge   func(ctx context.Context) (int64, error)
	Cleanup func()

	settle settleFunc
}

// settleFunc records a final result against the gateway's intent.
type settleFunc func(ctx context.Context, result payment.Result) error

type backends struct {
	store    session.Store
	prices   pricing.PriceTable
	policy   CategoryPolicy
	gateway  payment.Gateway
	creators saga.Creators
	recorder saga.Recorder
	settle   settleFunc
	purge    func(ctx context.Context) (int64, error)
}

// BuildService wires a Service from options. If the DSN is empty or
// initialization fails, it falls back to in-memory collaborators. The
// returned Cleanup closes any external resources.
func BuildService(ctx context.Context, opts BuildOptions) (*Runtime, error) {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	if err := opts.Reliability.Validate(); err != nil {
		return nil, err
	}

	cleanup := func() {}
	b := memoryBackends(opts.Config.Currency, opts.AutoSettlePayments)
	postgres := false

	if opts.DSN != "" {
		sqlDB, err := sql.Open("pgx", opts.DSN)
		if err != nil {
			logf("postgres open failed, falling back to in-memory registration stores: %v", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pg, err := postgresBackends(setupCtx, sqlDB)
			if err != nil {
				logf("postgres init failed, falling back to in-memory registration stores: %v", err)
				_ = sqlDB.Close()
			} else {
				logf("postgres registration stores enabled")
				b = pg
				postgres = true
				cleanup = func() {
					if err := sqlDB.Close(); err != nil {
						logf("close postgres: %v", err)
					}
				}
			}
		}
	}

	store := b.store
	if opts.Cache != nil {
		if shared, ok := opts.Cache.(session.Store); ok && !postgres {
			logf("session cache promoted to session store")
			store = shared
		} else {
			store = session.NewTieredStore(store, opts.Cache).WithLogger(logf)
		}
	}

	svc, err := NewService(Dependencies{
		Store:    store,
		Prices:   b.prices,
		Policy:   b.policy,
		Gateway:  opts.Reliability.WrapGateway(b.gateway, opts.OnBreakerChange),
		Creators: opts.Reliability.WrapCreators(b.creators, opts.OnBreakerChange),
		Recorder: b.recorder,
		Notifier: opts.Notifier,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
	}, opts.Config)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &Runtime{
		Service: svc,
		Purge:   b.purge,
		Cleanup: cleanup,
		settle:  b.settle,
	}, nil
}

func postgresBackends(ctx context.Context, db *sql.DB) (backends, error) {
	sessions, err := regdb.NewPostgresSessionStoreWithSchema(ctx, db)
	if err != nil {
		return backends{}, err
	}
	prices, err := regdb.NewPostgresPriceTableWithSchema(ctx, db)
	if err != nil {
		return backends{}, err
	}
	steps, err := regdb.NewStepLogWithSchema(ctx, db)
	if err != nil {
		return backends{}, err
	}
	ledger, err := regdb.NewPaymentLedgerWithSchema(ctx, db)
	if err != nil {
		return backends{}, err
	}
	if err := regdb.InitEntitySchema(ctx, db); err != nil {
		return backends{}, err
	}
	return backends{
		store:    sessions,
		prices:   prices,
		policy:   prices,
		gateway:  ledger,
		creators: regdb.NewEntityCreators(db),
		recorder: steps,
		settle: func(ctx context.Context, r payment.Result) error {
			return ledger.Settle(ctx, r.IntentID, r.Status, r.TransactionID, r.Reason)
		},
		purge: sessions.PurgeExpired,
	}, nil
}

func memoryBackends(currency string, autoSettle bool) backends {
	gateway := payment.NewInMemoryGateway()
	if autoSettle {
		gateway.WithAutoSettle(payment.ResultSucceeded)
	}
	return backends{
		store:    session.NewMemoryStore(),
		prices:   localPriceTable(currency, time.Now().Year()),
		policy:   localPolicy(),
		gateway:  gateway,
		creators: saga.NewMemoryCreators(),
		settle: func(_ context.Context, r payment.Result) error {
			return gateway.Settle(r.IntentID, r.Status, r.Reason)
		},
		purge: func(context.Context) (int64, error) { return 0, nil },
	}
}

// localPriceTable prices the current and next membership year for runs
// without a database.
func localPriceTable(currency string, year int) *pricing.StaticTable {
	table := pricing.NewStaticTable().
		SetTaxRates("ON", pricing.TaxRate{Type: "HST", Rate: "0.13"}).
		SetTaxRates("NS", pricing.TaxRate{Type: "HST", Rate: "0.14"}).
		SetTaxRates("AB", pricing.TaxRate{Type: "GST", Rate: "0.05"}).
		SetTaxRates("BC", pricing.TaxRate{Type: "GST", Rate: "0.05"}, pricing.TaxRate{Type: "PST", Rate: "0.07"}).
		SetTaxRates("QC", pricing.TaxRate{Type: "GST", Rate: "0.05"}, pricing.TaxRate{Type: "QST", Rate: "0.09975"}).
		SetDiscount("EARLYBIRD", pricing.Discount{Type: "promotion", Amount: pricing.Cents(25, 0), Reason: "early renewal"})
	for _, y := range []int{year, year + 1} {
		table.
			SetBasePrice("FullMember", y, pricing.Price{Amount: pricing.Cents(500, 0), Currency: currency}).
			SetBasePrice("Associate", y, pricing.Price{Amount: pricing.Cents(250, 0), Currency: currency}).
			SetBasePrice("Student", y, pricing.Price{Amount: pricing.Cents(50, 0), Currency: currency}).
			SetBasePrice("Retired", y, pricing.Price{Amount: pricing.Cents(100, 0), Currency: currency}).
			SetBasePrice("Honorary", y, pricing.Price{Amount: 0, Currency: currency}).
			SetInsurancePrice("professional-liability", y, pricing.Cents(120, 0)).
			SetInsurancePrice("legal-expense", y, pricing.Cents(35, 50))
	}
	return table
}

func localPolicy() *StaticPolicy {
	return NewStaticPolicy().
		Set("Honorary", session.Policy{AdminReview: true}).
		Set("Retired", session.Policy{PaymentRequired: true, FinancialVerification: true})
}

// SettleOffline records a staff-entered result for the session's open intent,
// such as a cleared bank transfer, then verifies the payment. An empty
// IntentID selects the session's current intent.
func (rt *Runtime) SettleOffline(ctx context.Context, sessionID string, result payment.Result) (PaymentResult, error) {
	switch result.Status {
	case payment.ResultSucceeded, payment.ResultDeclined, payment.ResultCancelled:
	default:
		return PaymentResult{}, apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("settlement requires a final status, got %q", result.Status))
	}

	s, err := rt.Service.load(ctx, sessionID)
	if err != nil {
		return PaymentResult{}, err
	}
	if s.Expired(rt.Service.now()) {
		return PaymentResult{}, apperrors.New(apperrors.CodeSessionExpired,
			fmt.Sprintf("registration session %s has expired", sessionID))
	}
	if s.Payment == nil || s.Payment.IntentID == "" {
		return PaymentResult{}, apperrors.New(apperrors.CodeInvalidStateTransition, "session has no payment intent to settle")
	}
	if result.IntentID == "" {
		result.IntentID = s.Payment.IntentID
	}
	if result.IntentID != s.Payment.IntentID {
		return PaymentResult{}, apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("intent %s does not belong to session %s", result.IntentID, sessionID))
	}

	err = rt.settle(ctx, result)
	switch {
	case err == nil, errors.Is(err, regdb.ErrAlreadySettled):
	case errors.Is(err, payment.ErrIntentNotFound):
		return PaymentResult{}, apperrors.Wrap(apperrors.CodeNotFound, "payment intent not found", err)
	default:
		return PaymentResult{}, apperrors.Wrap(apperrors.CodeInternal, "settle payment intent", err).WithRecoverable(true)
	}
	return rt.Service.VerifyPayment(ctx, sessionID)
}
