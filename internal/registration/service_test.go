package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/payment"
	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/saga"
	"memberhub/internal/registration/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	entities    map[string]int
}

func (m *recordingMetrics) ObserveOperation(string, time.Duration, error) {}

func (m *recordingMetrics) ObserveEntity(entity, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entities == nil {
		m.entities = make(map[string]int)
	}
	m.entities[entity+"/"+outcome]++
}

func (m *recordingMetrics) ObserveTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+">"+to)
}

type recordingRecorder struct {
	mu    sync.Mutex
	steps []saga.StepRecord
}

func (r *recordingRecorder) RecordStep(_ context.Context, rec saga.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, rec)
	return nil
}

func (r *recordingRecorder) order() []progress.EntityType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.EntityType, 0, len(r.steps))
	for _, s := range r.steps {
		out = append(out, s.EntityType)
	}
	return out
}

// failingCreator fails the first `failures` calls with err, then delegates.
type failingCreator struct {
	saga.Creator
	mu       sync.Mutex
	failures int
	err      error
}

func (f *failingCreator) Create(ctx context.Context, link saga.Link, payload session.Payload) (string, error) {
	f.mu.Lock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		return "", f.err
	}
	f.mu.Unlock()
	return f.Creator.Create(ctx, link, payload)
}

type harness struct {
	svc      *Service
	clock    *testClock
	store    *session.MemoryStore
	gateway  *payment.InMemoryGateway
	creators saga.Creators
	recorder *recordingRecorder
	notifier *recordingNotifier
	metrics  *recordingMetrics
}

func testConfig() Config {
	return Config{
		SessionTTL:         24 * time.Hour,
		PaymentWindow:      2 * time.Hour,
		TerminalRetention:  72 * time.Hour,
		MaxEntityRetries:   3,
		MaxPaymentAttempts: 3,
		Currency:           "CAD",
	}
}

func testPrices() *pricing.StaticTable {
	return pricing.NewStaticTable().
		SetBasePrice("FullMember", 2025, pricing.Price{Amount: pricing.Cents(500, 0), Currency: "CAD"}).
		SetBasePrice("Honorary", 2025, pricing.Price{Amount: 0, Currency: "CAD"}).
		SetBasePrice("Retired", 2025, pricing.Price{Amount: pricing.Cents(100, 0), Currency: "CAD"}).
		SetInsurancePrice("professional-liability", 2025, pricing.Cents(120, 0)).
		SetDiscount("EARLYBIRD", pricing.Discount{Type: "promotion", Amount: pricing.Cents(25, 0), Reason: "early renewal"}).
		SetTaxRates("ON", pricing.TaxRate{Type: "HST", Rate: "0.13"})
}

func newHarness(t *testing.T, mutate func(*Dependencies, *Config)) *harness {
	t.Helper()

	h := &harness{
		clock:    &testClock{now: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)},
		gateway:  payment.NewInMemoryGateway(),
		creators: saga.NewMemoryCreators(),
		recorder: &recordingRecorder{},
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
	}
	h.store = session.NewMemoryStore().WithClock(h.clock.Now)

	deps := Dependencies{
		Store: h.store,
		Prices: testPrices(),
		Policy: NewStaticPolicy().
			Set("Honorary", session.Policy{AdminReview: true}).
			Set("Retired", session.Policy{PaymentRequired: true, FinancialVerification: true, AdminReview: true}),
		Gateway:  h.gateway,
		Creators: h.creators,
		Recorder: h.recorder,
		Notifier: h.notifier,
		Metrics:  h.metrics,
		Now:      h.clock.Now,
	}
	cfg := testConfig()
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	svc, err := NewService(deps, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	return h
}

func fullMemberRequest() InitiateRequest {
	return InitiateRequest{
		OwnerID:        "owner-1",
		OrganizationID: "org-1",
		MembershipYear: 2025,
		Data: session.Data{
			Category:     "FullMember",
			Employment:   session.Payload{"employer": "Acme"},
			Practices:    session.Payload{"areas": []string{"tax"}},
			Preferences:  session.Payload{"newsletter": true},
			Jurisdiction: "ON",
		},
	}
}

func (h *harness) initiate(t *testing.T, req InitiateRequest) InitiateResult {
	t.Helper()
	res, err := h.svc.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res
}

// pay opens an intent and settles it as succeeded.
func (h *harness) pay(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	res, err := h.svc.ProcessPayment(ctx, id, PaymentRequest{Method: "card"})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	if err := h.gateway.Settle(res.IntentID, payment.ResultSucceeded, ""); err != nil {
		t.Fatalf("settle: %v", err)
	}
	verified, err := h.svc.VerifyPayment(ctx, id)
	if err != nil {
		t.Fatalf("verify payment: %v", err)
	}
	if verified.Status != session.StatusPaymentCompleted {
		t.Fatalf("expected payment_completed, got %s", verified.Status)
	}
}

func (h *harness) stored(t *testing.T, id string) session.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return s
}

func requireCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if !apperrors.IsCode(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestInitiatePricesFullMember(t *testing.T) {
	h := newHarness(t, nil)

	res := h.initiate(t, fullMemberRequest())

	if res.Status != session.StatusPricingCalculated {
		t.Fatalf("expected pricing_calculated, got %s", res.Status)
	}
	if res.Pricing.BasePrice.String() != "500.00" || res.Pricing.AddOnPrice != 0 {
		t.Fatalf("unexpected base/add-on: %s/%s", res.Pricing.BasePrice, res.Pricing.AddOnPrice)
	}
	if res.Pricing.Total.String() != "565.00" || res.Pricing.Currency != "CAD" {
		t.Fatalf("expected 565.00 CAD, got %s %s", res.Pricing.Total, res.Pricing.Currency)
	}
	if !res.PaymentRequired || res.PaymentDeadline == nil {
		t.Fatalf("expected payment required with deadline: %+v", res)
	}
	if want := h.clock.Now().Add(2 * time.Hour); !res.PaymentDeadline.Equal(want) {
		t.Fatalf("expected deadline %s, got %s", want, res.PaymentDeadline)
	}

	stored := h.stored(t, res.SessionID)
	if stored.Version != 1 || len(stored.History) != 1 {
		t.Fatalf("expected one persisted transition, got version=%d history=%d", stored.Version, len(stored.History))
	}
	wantUniverse := []progress.EntityType{progress.Category, progress.Employment, progress.Practices, progress.Preferences}
	for _, et := range wantUniverse {
		if !stored.Progress.Has(et) {
			t.Fatalf("expected %s to be tracked, got %v", et, stored.Progress.Entities)
		}
	}
	if len(stored.Progress.Entities) != len(wantUniverse) {
		t.Fatalf("unexpected entity universe: %v", stored.Progress.Entities)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected one event, got %d", h.notifier.count())
	}
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t, nil)

	req := fullMemberRequest()
	req.OwnerID = ""
	req.Data.Practices = nil

	_, err := h.svc.Initiate(context.Background(), req)
	requireCode(t, err, apperrors.CodeValidation)
}

func TestInitiatePricingErrors(t *testing.T) {
	h := newHarness(t, nil)

	req := fullMemberRequest()
	req.Data.Category = "Unlisted"
	_, err := h.svc.Initiate(context.Background(), req)
	requireCode(t, err, apperrors.CodeCategoryNotPriced)

	req = fullMemberRequest()
	req.Data.Jurisdiction = "ZZ"
	_, err = h.svc.Initiate(context.Background(), req)
	requireCode(t, err, apperrors.CodeTaxJurisdictionUnknown)
}

func TestInitiateRejectsExistingMembership(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.creators[progress.Category].Create(context.Background(),
		saga.Link{SessionID: "earlier", OwnerID: "owner-1", MembershipYear: 2025}, session.Payload{})
	if err != nil {
		t.Fatalf("seed category: %v", err)
	}

	_, err = h.svc.Initiate(context.Background(), fullMemberRequest())
	requireCode(t, err, apperrors.CodeConflict)
}

func TestCalculatePricingAppliesDiscount(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, fullMemberRequest())

	b, err := h.svc.CalculatePricing(context.Background(), res.SessionID, []string{"earlybird", "BOGUS"})
	if err != nil {
		t.Fatalf("calculate pricing: %v", err)
	}
	if b.Subtotal.String() != "475.00" || b.Total.String() != "536.75" {
		t.Fatalf("unexpected pricing: subtotal=%s total=%s", b.Subtotal, b.Total)
	}
	if len(b.Warnings) != 1 {
		t.Fatalf("expected a warning for the invalid code, got %v", b.Warnings)
	}
	if s := h.stored(t, res.SessionID); s.Status != session.StatusProductSelected {
		t.Fatalf("expected product_selected, got %s", s.Status)
	}
}

// capturingCreator remembers the last payload it was asked to create.
type capturingCreator struct {
	saga.Creator
	mu      sync.Mutex
	payload session.Payload
}

func (c *capturingCreator) Create(ctx context.Context, link saga.Link, payload session.Payload) (string, error) {
	c.mu.Lock()
	c.payload = payload
	c.mu.Unlock()
	return c.Creator.Create(ctx, link, payload)
}

func TestHappyPathCompletesInOrder(t *testing.T) {
	insurance := &capturingCreator{}
	h := newHarness(t, func(d *Dependencies, _ *Config) {
		insurance.Creator = d.Creators[progress.Insurance]
		d.Creators[progress.Insurance] = insurance
	})
	req := fullMemberRequest()
	req.Data.Settings = session.Payload{"locale": "en-CA"}
	req.Data.Insurance = []session.InsuranceSelection{{Plan: "professional-liability"}}
	res := h.initiate(t, req)

	if res.Pricing.Total.String() != "700.60" {
		t.Fatalf("expected 700.60 with insurance, got %s", res.Pricing.Total)
	}
	h.pay(t, res.SessionID)

	out, err := h.svc.ExecuteEntityCreation(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
	if out.Progress.Percentage != 100 || len(out.Progress.Pending) != 0 || len(out.Progress.Failed) != 0 {
		t.Fatalf("unexpected progress: %+v", out.Progress)
	}

	got := h.recorder.order()
	if len(got) != len(progress.Order) {
		t.Fatalf("expected %d steps, got %v", len(progress.Order), got)
	}
	for i, t0 := range progress.Order {
		if got[i] != t0 {
			t.Fatalf("step %d: expected %s, got %s", i, t0, got[i])
		}
	}

	s := h.stored(t, res.SessionID)
	if s.CategoryEntityID == "" {
		t.Fatalf("expected category entity id to be cached")
	}
	insurance.mu.Lock()
	payload := insurance.payload
	insurance.mu.Unlock()
	if payload["selections"] == nil {
		t.Fatalf("expected insurance payload with selections, got %v", payload)
	}
	last := s.History[len(s.History)-1]
	if last.From != session.StatusEntitiesCompleted || last.To != session.StatusCompleted {
		t.Fatalf("unexpected final transition: %+v", last)
	}
}

func TestExecuteRequiresPayment(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, fullMemberRequest())

	_, err := h.svc.ExecuteEntityCreation(context.Background(), res.SessionID)
	requireCode(t, err, apperrors.CodeInvalidStateTransition)
	if len(h.recorder.order()) != 0 {
		t.Fatalf("no entity may be created before payment")
	}
}

func TestPermanentRequiredFailureKeepsOptionalProgress(t *testing.T) {
	var practices *failingCreator
	h := newHarness(t, func(d *Dependencies, _ *Config) {
		practices = &failingCreator{
			Creator:  d.Creators[progress.Practices],
			failures: 1,
			err:      saga.Permanent(apperrors.New(apperrors.CodeValidation, "practice area missing")),
		}
		d.Creators[progress.Practices] = practices
	})
	res := h.initiate(t, fullMemberRequest())
	h.pay(t, res.SessionID)

	out, err := h.svc.ExecuteEntityCreation(context.Background(), res.SessionID)
	requireCode(t, err, apperrors.CodeEntityCreationFailed)
	if out.Status == session.StatusEntitiesCompleted || out.Status == session.StatusCompleted {
		t.Fatalf("status must not be entities_completed, got %s", out.Status)
	}
	if len(out.Progress.Failed) != 1 || out.Progress.Failed[0] != progress.Practices {
		t.Fatalf("expected practices failed, got %v", out.Progress.Failed)
	}
	for _, done := range []progress.EntityType{progress.Category, progress.Employment} {
		if !out.Progress.IsCompleted(done) {
			t.Fatalf("expected %s completed", done)
		}
	}

	s := h.stored(t, res.SessionID)
	if s.LastError == nil || s.LastError.Code != string(apperrors.CodeEntityCreationFailed) || s.LastError.EntityType != "practices" {
		t.Fatalf("unexpected last error: %+v", s.LastError)
	}

	retried, err := h.svc.RetryEntityCreation(context.Background(), res.SessionID, "practices")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != session.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", retried.Status)
	}
	detail, _ := retried.Progress.Detail(progress.Practices)
	if detail.Status != progress.StatusCompleted || detail.RetryCount != 1 {
		t.Fatalf("expected completed practices with preserved retry count, got %+v", detail)
	}
}

func TestRetryableFailureStaysInCreation(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Config) {
		d.Creators[progress.Employment] = &failingCreator{
			Creator:  d.Creators[progress.Employment],
			failures: 1,
			err:      saga.Retryable(errors.New("employer registry timeout")),
		}
	})
	res := h.initiate(t, fullMemberRequest())
	h.pay(t, res.SessionID)

	out, err := h.svc.ExecuteEntityCreation(context.Background(), res.SessionID)
	requireCode(t, err, apperrors.CodeEntityCreationRetryable)
	if !apperrors.IsRecoverable(err) {
		t.Fatalf("expected recoverable error")
	}
	if out.Status != session.StatusEntitiesCreating {
		t.Fatalf("expected entities_creating, got %s", out.Status)
	}

	view, err := h.svc.GetStatus(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !view.CanRetry {
		t.Fatalf("expected retry to be offered: %+v", view.NextSteps)
	}

	done, err := h.svc.RetryEntityCreation(context.Background(), res.SessionID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if done.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if s := h.stored(t, res.SessionID); s.RetryCount != 1 || s.LastError != nil {
		t.Fatalf("expected one retry and cleared error, got retry=%d err=%+v", s.RetryCount, s.LastError)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, cfg *Config) {
		cfg.MaxEntityRetries = 2
		d.Creators[progress.Practices] = &failingCreator{
			Creator:  d.Creators[progress.Practices],
			failures: -1,
			err:      saga.Retryable(errors.New("practices service unavailable")),
		}
	})
	res := h.initiate(t, fullMemberRequest())
	h.pay(t, res.SessionID)
	ctx := context.Background()

	_, err := h.svc.ExecuteEntityCreation(ctx, res.SessionID)
	requireCode(t, err, apperrors.CodeEntityCreationRetryable)

	out, err := h.svc.RetryEntityCreation(ctx, res.SessionID, "practices")
	requireCode(t, err, apperrors.CodeEntityCreationFailed)
	if apperrors.IsRecoverable(err) {
		t.Fatalf("exhausted budget must not be recoverable")
	}
	if out.Status != session.StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}

	_, err = h.svc.RetryEntityCreation(ctx, res.SessionID, "")
	requireCode(t, err, apperrors.CodeEntityCreationFailed)

	_, err = h.svc.RetryEntityCreation(ctx, res.SessionID, "category")
	requireCode(t, err, apperrors.CodeValidation)
}

func TestExhaustedEntityFailsRegardlessOfOrder(t *testing.T) {
	for _, exhausted := range []progress.EntityType{progress.Employment, progress.Practices} {
		t.Run(string(exhausted), func(t *testing.T) {
			h := newHarness(t, func(d *Dependencies, cfg *Config) {
				cfg.MaxEntityRetries = 2
				for _, et := range []progress.EntityType{progress.Employment, progress.Practices} {
					d.Creators[et] = &failingCreator{
						Creator:  d.Creators[et],
						failures: -1,
						err:      saga.Retryable(fmt.Errorf("%s service unavailable", et)),
					}
				}
			})
			res := h.initiate(t, fullMemberRequest())
			h.pay(t, res.SessionID)
			ctx := context.Background()

			_, err := h.svc.ExecuteEntityCreation(ctx, res.SessionID)
			requireCode(t, err, apperrors.CodeEntityCreationRetryable)

			out, err := h.svc.RetryEntityCreation(ctx, res.SessionID, string(exhausted))
			requireCode(t, err, apperrors.CodeEntityCreationFailed)
			if out.Status != session.StatusFailed {
				t.Fatalf("expected failed once %s is exhausted, got %s", exhausted, out.Status)
			}
			var appErr *apperrors.Error
			if !errors.As(err, &appErr) || appErr.EntityType != string(exhausted) {
				t.Fatalf("expected error to name %s, got %v", exhausted, err)
			}
			if d, _ := out.Progress.Detail(exhausted); d.RetryCount != 2 {
				t.Fatalf("expected %s retry count 2, got %d", exhausted, d.RetryCount)
			}

			h.metrics.mu.Lock()
			created, retried := h.metrics.entities["category/created"], h.metrics.entities[string(exhausted)+"/retryable_failure"]
			h.metrics.mu.Unlock()
			if created != 1 || retried != 2 {
				t.Fatalf("unexpected entity outcomes: created=%d retryable=%d", created, retried)
			}
		})
	}
}

// ctxStore refuses writes on a done context, as a network-backed store would.
type ctxStore struct {
	session.Store
}

func (c ctxStore) Save(ctx context.Context, s session.Session, ttl time.Duration) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	return c.Store.Save(ctx, s, ttl)
}

// cancellingCreator creates the entity and then cancels the caller.
type cancellingCreator struct {
	saga.Creator
	cancel context.CancelFunc
}

func (c *cancellingCreator) Create(ctx context.Context, link saga.Link, payload session.Payload) (string, error) {
	id, err := c.Creator.Create(ctx, link, payload)
	c.cancel()
	return id, err
}

func TestCreatedEntitySurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(d *Dependencies, _ *Config) {
		d.Store = ctxStore{Store: d.Store}
		d.Creators[progress.Employment] = &cancellingCreator{Creator: d.Creators[progress.Employment], cancel: cancel}
	})
	res := h.initiate(t, fullMemberRequest())
	h.pay(t, res.SessionID)

	_, err := h.svc.ExecuteEntityCreation(ctx, res.SessionID)
	requireCode(t, err, apperrors.CodeEntityCreationRetryable)

	s := h.stored(t, res.SessionID)
	d, _ := s.Progress.Detail(progress.Employment)
	if !s.Progress.IsCompleted(progress.Employment) || d.EntityID == "" {
		t.Fatalf("expected employment id to be persisted, got %+v", d)
	}
	if s.Status != session.StatusEntitiesCreating {
		t.Fatalf("expected entities_creating, got %s", s.Status)
	}

	done, err := h.svc.RetryEntityCreation(context.Background(), res.SessionID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if done.Status != session.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", done.Status)
	}
}

func TestPaymentDeclineAndRetry(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, cfg *Config) { cfg.MaxPaymentAttempts = 2 })
	res := h.initiate(t, fullMemberRequest())
	ctx := context.Background()

	first, err := h.svc.ProcessPayment(ctx, res.SessionID, PaymentRequest{})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	if intent, ok := h.gateway.Intent(first.IntentID); !ok || intent.Reference != res.SessionID+"-1" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if err := h.gateway.Settle(first.IntentID, payment.ResultDeclined, "insufficient funds"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	declined, err := h.svc.VerifyPayment(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if declined.Status != session.StatusPaymentFailed || declined.AttemptsUsed != 1 || declined.AttemptsAllowed != 2 {
		t.Fatalf("expected payment_failed after one of two attempts, got %+v", declined)
	}

	retry, err := h.svc.RetryPayment(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}
	if retry.Status != session.StatusRetryPending {
		t.Fatalf("expected retry_pending, got %s", retry.Status)
	}

	second, err := h.svc.ProcessPayment(ctx, res.SessionID, PaymentRequest{Method: "card"})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if intent, _ := h.gateway.Intent(second.IntentID); intent.Reference != res.SessionID+"-2" {
		t.Fatalf("expected a fresh reference, got %s", intent.Reference)
	}

	final, err := h.svc.HandlePaymentResult(ctx, res.SessionID, payment.Result{
		IntentID: second.IntentID,
		Status:   payment.ResultDeclined,
		Reason:   "card expired",
	})
	if err != nil {
		t.Fatalf("handle result: %v", err)
	}
	if final.Status != session.StatusFailed {
		t.Fatalf("expected failed after attempts exhausted, got %s", final.Status)
	}

	_, err = h.svc.RetryPayment(ctx, res.SessionID)
	requireCode(t, err, apperrors.CodeInvalidStateTransition)
}

func TestPaymentGatewayUnavailableIsRecorded(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Config) {
		d.Gateway = brokenGateway{}
	})
	res := h.initiate(t, fullMemberRequest())

	out, err := h.svc.ProcessPayment(context.Background(), res.SessionID, PaymentRequest{})
	requireCode(t, err, apperrors.CodePaymentGatewayUnavailable)
	if out.Status != session.StatusPaymentPending {
		t.Fatalf("expected payment_pending, got %s", out.Status)
	}
	s := h.stored(t, res.SessionID)
	if s.LastError == nil || !s.LastError.Recoverable {
		t.Fatalf("expected recoverable last error, got %+v", s.LastError)
	}
}

type brokenGateway struct{}

func (brokenGateway) CreateIntent(context.Context, pricing.Money, string, string) (payment.Intent, error) {
	return payment.Intent{}, errors.New("connection refused")
}

func (brokenGateway) ConfirmStatus(context.Context, string) (payment.Result, error) {
	return payment.Result{}, errors.New("connection refused")
}

func TestHandlePaymentResultIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, fullMemberRequest())
	ctx := context.Background()

	pay, err := h.svc.ProcessPayment(ctx, res.SessionID, PaymentRequest{})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	result := payment.Result{IntentID: pay.IntentID, Status: payment.ResultSucceeded, TransactionID: "txn_1"}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.HandlePaymentResult(ctx, res.SessionID, result); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent confirm: %v", err)
	}

	s := h.stored(t, res.SessionID)
	if s.Status != session.StatusPaymentCompleted || s.Payment.TransactionID != "txn_1" {
		t.Fatalf("unexpected payment state: %s %+v", s.Status, s.Payment)
	}
	completions := 0
	for _, ch := range s.History {
		if ch.To == session.StatusPaymentCompleted {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion transition, got %d", completions)
	}
}

func TestCancelDuringPaymentBlocksCreation(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, fullMemberRequest())
	ctx := context.Background()

	if _, err := h.svc.ProcessPayment(ctx, res.SessionID, PaymentRequest{}); err != nil {
		t.Fatalf("process payment: %v", err)
	}

	out, err := h.svc.Cancel(ctx, res.SessionID, CancelRequest{
		Actor:  session.Actor{Kind: session.ActorUser, ID: "owner-1"},
		Reason: "changed my mind",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != session.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", out.Status)
	}

	s := h.stored(t, res.SessionID)
	if s.Cancellation == nil || s.Cancellation.By.ID != "owner-1" || s.Cancellation.By.Kind != session.ActorUser {
		t.Fatalf("expected cancellation actor recorded, got %+v", s.Cancellation)
	}
	if s.Payment.Status != session.PaymentCancelled {
		t.Fatalf("expected payment cancelled, got %s", s.Payment.Status)
	}

	if _, err := h.svc.ExecuteEntityCreation(ctx, res.SessionID); err == nil {
		t.Fatalf("expected entity creation to be rejected after cancel")
	}
	if len(h.recorder.order()) != 0 {
		t.Fatalf("no entity may be created after cancel")
	}

	_, err = h.svc.Cancel(ctx, res.SessionID, CancelRequest{Actor: session.Actor{Kind: session.ActorAdmin}})
	requireCode(t, err, apperrors.CodeInvalidStateTransition)
}

func TestCancelRejectsUnknownActor(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, fullMemberRequest())

	_, err := h.svc.Cancel(context.Background(), res.SessionID, CancelRequest{Actor: session.Actor{Kind: "robot"}})
	requireCode(t, err, apperrors.CodeValidation)
}

func TestGetStatusReportsExpiry(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, fullMemberRequest())
	ctx := context.Background()

	h.clock.Advance(25 * time.Hour)

	view, err := h.svc.GetStatus(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != session.StatusExpired {
		t.Fatalf("expected expired, got %s", view.Status)
	}
	if len(view.NextSteps) != 0 {
		t.Fatalf("expired sessions offer no steps, got %v", view.NextSteps)
	}
	if s := h.stored(t, res.SessionID); s.Status != session.StatusExpired {
		t.Fatalf("expected expiry to be persisted, got %s", s.Status)
	}

	_, err = h.svc.ProcessPayment(ctx, res.SessionID, PaymentRequest{})
	requireCode(t, err, apperrors.CodeSessionExpired)
}

func TestGetStatusNextSteps(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, fullMemberRequest())

	view, err := h.svc.GetStatus(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	want := []string{StepCalculatePricing, StepProcessPayment, StepCancel}
	if len(view.NextSteps) != len(want) {
		t.Fatalf("expected %v, got %v", want, view.NextSteps)
	}
	for i := range want {
		if view.NextSteps[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, view.NextSteps)
		}
	}

	h.clock.Advance(3 * time.Hour)
	view, err = h.svc.GetStatus(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !view.PaymentOverdue {
		t.Fatalf("expected payment to be overdue after the payment window")
	}

	_, err = h.svc.GetStatus(context.Background(), "missing")
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestFreeCategoryGoesToAdminApproval(t *testing.T) {
	h := newHarness(t, nil)
	req := fullMemberRequest()
	req.Data.Category = "Honorary"
	res := h.initiate(t, req)
	ctx := context.Background()

	if res.PaymentRequired {
		t.Fatalf("free category must not require payment")
	}
	_, err := h.svc.ProcessPayment(ctx, res.SessionID, PaymentRequest{})
	requireCode(t, err, apperrors.CodeInvalidStateTransition)

	out, err := h.svc.ExecuteEntityCreation(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != session.StatusPendingAdminApproval {
		t.Fatalf("expected pending_admin_approval, got %s", out.Status)
	}

	admin := session.Actor{Kind: session.ActorAdmin, ID: "admin-7"}
	_, err = h.svc.ProcessAdminApproval(ctx, res.SessionID, ApprovalRequest{Approved: false, Actor: admin})
	requireCode(t, err, apperrors.CodeValidation)

	approved, err := h.svc.ProcessAdminApproval(ctx, res.SessionID, ApprovalRequest{Approved: true, Actor: admin})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", approved.Status)
	}
	if s := h.stored(t, res.SessionID); s.Approval == nil || s.Approval.By.ID != "admin-7" {
		t.Fatalf("expected approval recorded, got %+v", s.Approval)
	}
}

func TestFinancialVerificationRouting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	admin := session.Actor{Kind: session.ActorAdmin, ID: "finance-1"}

	req := fullMemberRequest()
	req.Data.Category = "Retired"
	res := h.initiate(t, req)
	h.pay(t, res.SessionID)

	out, err := h.svc.ExecuteEntityCreation(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != session.StatusPendingFinancialVerification {
		t.Fatalf("expected pending_financial_verification, got %s", out.Status)
	}

	_, err = h.svc.ProcessAdminApproval(ctx, res.SessionID, ApprovalRequest{Approved: true, Actor: admin})
	requireCode(t, err, apperrors.CodeInvalidStateTransition)

	verified, err := h.svc.ProcessFinancialVerification(ctx, res.SessionID, VerificationRequest{
		Verified: true, Actor: admin, Reference: "DEP-42",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != session.StatusPendingAdminApproval {
		t.Fatalf("expected pending_admin_approval after verification, got %s", verified.Status)
	}

	rejected, err := h.svc.ProcessAdminApproval(ctx, res.SessionID, ApprovalRequest{
		Approved: false, Actor: admin, Reason: "not eligible",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != session.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if s := h.stored(t, res.SessionID); s.Verification == nil || s.Verification.Reference != "DEP-42" {
		t.Fatalf("expected verification recorded, got %+v", s.Verification)
	}
}

func TestTransitionsAreObserved(t *testing.T) {
	h := newHarness(t, nil)
	res := h.initiate(t, fullMemberRequest())
	h.pay(t, res.SessionID)

	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	want := []string{
		"initiated>pricing_calculated",
		"pricing_calculated>payment_pending",
		"payment_pending>payment_processing",
		"payment_processing>payment_completed",
	}
	if len(h.metrics.transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, h.metrics.transitions)
	}
	for i := range want {
		if h.metrics.transitions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, h.metrics.transitions)
		}
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	_, err := NewService(Dependencies{Store: session.NewMemoryStore(), Prices: testPrices()}, Config{})
	if err == nil {
		t.Fatalf("expected config error")
	}
}
