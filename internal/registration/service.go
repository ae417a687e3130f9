// Package registration orchestrates the membership registration workflow:
// staging, pricing, payment, ordered entity creation and review.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/payment"
	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/saga"
	"memberhub/internal/registration/session"
)

// Dependencies are the collaborators the Service drives.
type Dependencies struct {
	Store    session.Store
	Prices   pricing.PriceTable
	Policy   CategoryPolicy
	Gateway  payment.Gateway
	Creators saga.Creators
	Recorder saga.Recorder
	Notifier Notifier
	Metrics  Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Service is the registration workflow orchestrator. Operations on one
// session are serialized; distinct sessions run in parallel.
type Service struct {
	store    session.Store
	pricing  *pricing.Engine
	policy   CategoryPolicy
	payments *payment.Coordinator
	saga     *saga.Saga
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	cfg      Config
	locks    *sessionLocks
}

// NewService constructs a Service.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registration config: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Prices == nil {
		return nil, errors.New("price table is required")
	}
	if deps.Policy == nil {
		deps.Policy = NewStaticPolicy()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	payments, err := payment.NewCoordinator(deps.Gateway, payment.Config{
		MaxAttempts: cfg.MaxPaymentAttempts,
		Timeout:     cfg.PaymentTimeout,
		Currency:    cfg.Currency,
	}, deps.Logger)
	if err != nil {
		return nil, err
	}
	creation, err := saga.New(deps.Creators, saga.Config{Timeout: cfg.EntityTimeout}, deps.Logger)
	if err != nil {
		return nil, err
	}
	if deps.Recorder != nil {
		creation.WithRecorder(deps.Recorder)
	}

	return &Service{
		store:    deps.Store,
		pricing:  pricing.NewEngine(deps.Prices, cfg.Currency, deps.Logger).WithClock(deps.Now),
		policy:   deps.Policy,
		payments: payments,
		saga:     creation,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
		newID:    deps.NewID,
		cfg:      cfg,
		locks:    newSessionLocks(),
	}, nil
}

func (svc *Service) track(op string, start time.Time, errp *error) {
	svc.metrics.ObserveOperation(op, time.Since(start), *errp)
}

// Initiate validates and prices a registration and opens its session.
func (svc *Service) Initiate(ctx context.Context, req InitiateRequest) (res InitiateResult, err error) {
	defer svc.track("initiate", time.Now(), &err)

	if err := session.Validate(req.OwnerID, req.OrganizationID, req.MembershipYear, req.Data); err != nil {
		return InitiateResult{}, err
	}
	if creator, ok := svc.saga.Creator(progress.Category); ok {
		exists, err := creator.Exists(ctx, req.OwnerID, req.MembershipYear)
		if err != nil {
			return InitiateResult{}, apperrors.Wrap(apperrors.CodeInternal, "check existing membership", err).WithRecoverable(true)
		}
		if exists {
			return InitiateResult{}, apperrors.New(apperrors.CodeConflict,
				fmt.Sprintf("owner %s already holds a membership for %d", req.OwnerID, req.MembershipYear))
		}
	}

	policy, err := svc.policy.PolicyFor(ctx, req.Data.Category, req.MembershipYear)
	if err != nil {
		return InitiateResult{}, apperrors.Wrap(apperrors.CodeInternal, "load category policy", err)
	}
	breakdown, err := svc.pricing.Calculate(ctx, pricing.Request{
		Category:      req.Data.Category,
		Insurance:     req.Data.InsurancePlans(),
		Year:          req.MembershipYear,
		DiscountCodes: req.Data.DiscountCodes,
		Jurisdiction:  req.Data.Jurisdiction,
	})
	if err != nil {
		return InitiateResult{}, err
	}

	now := svc.now().UTC()
	sess := session.Session{
		ID:             svc.newID(),
		Status:         session.StatusInitiated,
		OwnerID:        req.OwnerID,
		OrganizationID: req.OrganizationID,
		MembershipYear: req.MembershipYear,
		Data:           req.Data,
		Policy:         policy,
		Progress:       progress.Initial(req.Data.EntityTypes()),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(svc.cfg.SessionTTL),
		History:        []session.Change{},
	}
	sess = svc.applyPricing(sess, breakdown, now)
	sess, err = sess.Transition(session.StatusPricingCalculated, "pricing calculated", now)
	if err != nil {
		return InitiateResult{}, err
	}

	unlock := svc.locks.lock(sess.ID)
	defer unlock()
	saved, err := svc.persist(ctx, session.Session{ID: sess.ID}, sess, now)
	if err != nil {
		return InitiateResult{}, err
	}
	svc.logger.InfoContext(ctx, "registration initiated",
		"session_id", saved.ID, "owner_id", saved.OwnerID, "year", saved.MembershipYear,
		"total", breakdown.Total.String(), "currency", breakdown.Currency)

	return InitiateResult{
		SessionID:       saved.ID,
		Status:          saved.Status,
		Pricing:         *saved.Pricing,
		PaymentRequired: saved.PaymentRequired,
		ExpiresAt:       saved.ExpiresAt,
		PaymentDeadline: saved.PaymentDeadline,
	}, nil
}

func (svc *Service) applyPricing(s session.Session, b pricing.Breakdown, now time.Time) session.Session {
	next := s.Clone()
	next.Pricing = &b
	next.PaymentRequired = next.Policy.PaymentRequired && b.Total > 0
	if next.PaymentRequired && next.PaymentDeadline == nil && svc.cfg.PaymentWindow > 0 {
		deadline := now.Add(svc.cfg.PaymentWindow)
		if deadline.After(next.ExpiresAt) {
			deadline = next.ExpiresAt
		}
		next.PaymentDeadline = &deadline
	}
	if !next.PaymentRequired {
		next.PaymentDeadline = nil
	}
	return next
}

// GetStatus returns the session with its next steps. A session past its
// expiry reports expired whatever its stored status.
func (svc *Service) GetStatus(ctx context.Context, id string) (view StatusView, err error) {
	defer svc.track("get_status", time.Now(), &err)

	unlock := svc.locks.lock(id)
	defer unlock()

	sess, err := svc.load(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	now := svc.now()
	if sess.Expired(now) {
		sess = svc.expire(ctx, sess, now)
	}
	return svc.statusView(sess, now), nil
}

// CalculatePricing re-prices the registration with the given discount codes.
func (svc *Service) CalculatePricing(ctx context.Context, id string, discountCodes []string) (b pricing.Breakdown, err error) {
	defer svc.track("calculate_pricing", time.Now(), &err)

	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		if !session.CanTransition(s.Status, session.StatusProductSelected) {
			return s, false, session.InvalidTransition(s.Status, session.StatusProductSelected)
		}
		breakdown, err := svc.pricing.Calculate(ctx, pricing.Request{
			Category:      s.Data.Category,
			Insurance:     s.Data.InsurancePlans(),
			Year:          s.MembershipYear,
			DiscountCodes: discountCodes,
			Jurisdiction:  s.Data.Jurisdiction,
		})
		if err != nil {
			return s, false, err
		}
		next, err := svc.applyPricing(s, breakdown, op.now).Transition(session.StatusProductSelected, "pricing recalculated", op.now)
		return next, err == nil, err
	})
	if err != nil {
		return pricing.Breakdown{}, err
	}
	return *sess.Pricing, nil
}

// ProcessPayment opens a payment intent for the priced total.
func (svc *Service) ProcessPayment(ctx context.Context, id string, req PaymentRequest) (res PaymentResult, err error) {
	defer svc.track("process_payment", time.Now(), &err)

	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		if !s.PaymentRequired {
			return s, false, apperrors.New(apperrors.CodeInvalidStateTransition, "payment is not required for this registration")
		}
		switch s.Status {
		case session.StatusPricingCalculated, session.StatusProductSelected,
			session.StatusPaymentPending, session.StatusRetryPending:
		default:
			return s, false, session.InvalidTransition(s.Status, session.StatusPaymentProcessing)
		}
		method := strings.TrimSpace(req.Method)
		if method == "" && s.Data.Payment != nil {
			method = s.Data.Payment.Method
		}
		next, err := svc.payments.CreateIntent(ctx, s, method, op.now)
		if err != nil {
			// Gateway failures leave the session in payment_pending with the error recorded.
			return next, apperrors.IsCode(err, apperrors.CodePaymentGatewayUnavailable), err
		}
		return next, true, nil
	})
	if err != nil && sess.ID == "" {
		return PaymentResult{}, err
	}
	return paymentResult(sess, svc.payments.MaxAttempts()), err
}

// VerifyPayment polls the gateway and applies the provider's result.
func (svc *Service) VerifyPayment(ctx context.Context, id string) (res PaymentResult, err error) {
	defer svc.track("verify_payment", time.Now(), &err)

	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		if s.Payment != nil && s.Payment.Status == session.PaymentCompleted {
			return s, false, nil
		}
		next, err := svc.payments.Verify(ctx, s, op.now)
		if err != nil {
			return s, apperrors.IsCode(err, apperrors.CodePaymentGatewayUnavailable), err
		}
		return next, next.Status != s.Status, nil
	})
	if err != nil && sess.ID == "" {
		return PaymentResult{}, err
	}
	return paymentResult(sess, svc.payments.MaxAttempts()), err
}

// HandlePaymentResult applies a provider-pushed result, such as a webhook.
// Duplicate deliveries for a completed payment are no-ops.
func (svc *Service) HandlePaymentResult(ctx context.Context, id string, result payment.Result) (res PaymentResult, err error) {
	defer svc.track("handle_payment_result", time.Now(), &err)

	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		next, err := svc.payments.Confirm(s, result, op.now)
		if err != nil {
			return s, false, err
		}
		return next, next.Status != s.Status, nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	return paymentResult(sess, svc.payments.MaxAttempts()), nil
}

// RetryPayment moves a declined payment back toward a new attempt.
func (svc *Service) RetryPayment(ctx context.Context, id string) (res PaymentResult, err error) {
	defer svc.track("retry_payment", time.Now(), &err)

	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		if s.Status == session.StatusPaymentFailed && s.PaymentAttempts >= svc.payments.MaxAttempts() {
			return s, false, apperrors.New(apperrors.CodePaymentDeclined, "payment attempt limit reached")
		}
		next, err := s.Transition(session.StatusRetryPending, "payment retry requested", op.now)
		if err != nil {
			return s, false, err
		}
		next.RetryCount++
		next.LastError = nil
		return next, true, nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	return paymentResult(sess, svc.payments.MaxAttempts()), nil
}

// ExecuteEntityCreation creates pending entities in order until none remain
// or creation cannot continue. Progress is persisted after every entity.
func (svc *Service) ExecuteEntityCreation(ctx context.Context, id string) (res ProgressResult, err error) {
	defer svc.track("execute_entity_creation", time.Now(), &err)

	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		next, err := svc.beginCreation(s, op.now)
		if err != nil {
			return s, false, err
		}
		if next, err = op.checkpoint(ctx, next); err != nil {
			return next, false, err
		}
		next, outcomes, err := svc.runSaga(ctx, op, next)
		if err != nil {
			return next, false, err
		}
		return svc.finishCreation(ctx, next, outcomes, op.now)
	})
	if err != nil && sess.ID == "" {
		return ProgressResult{}, err
	}
	return progressResult(sess), err
}

// RetryEntityCreation re-attempts failed entities still within the retry
// budget, then resumes any pending ones. An empty entityType retries every
// eligible failure.
func (svc *Service) RetryEntityCreation(ctx context.Context, id string, entityType string) (res ProgressResult, err error) {
	defer svc.track("retry_entity_creation", time.Now(), &err)

	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		if s.Status != session.StatusEntitiesCreating && s.Status != session.StatusFailed {
			return s, false, session.InvalidTransition(s.Status, session.StatusEntitiesCreating)
		}
		if !s.PaymentSatisfied() {
			return s, false, apperrors.New(apperrors.CodeInvalidStateTransition, "payment has not been completed")
		}
		if s.Status == session.StatusFailed && len(s.Progress.Failed) == 0 {
			return s, false, session.InvalidTransition(s.Status, session.StatusEntitiesCreating)
		}
		targets, err := svc.retryTargets(s, entityType)
		if err != nil {
			return s, false, err
		}

		next := s
		if s.Status != session.StatusEntitiesCreating {
			if next, err = s.Transition(session.StatusEntitiesCreating, "entity retry requested", op.now); err != nil {
				return s, false, err
			}
		} else {
			next = s.Clone()
		}
		next.RetryCount++
		next.LastError = nil
		if next, err = op.checkpoint(ctx, next); err != nil {
			return next, false, err
		}

		var outcomes []saga.Outcome
		for _, t := range targets {
			retried, out, err := svc.saga.Retry(ctx, next, t, op.now)
			if err != nil {
				return next, false, err
			}
			if out.Blocked {
				continue
			}
			svc.observeEntity(out)
			outcomes = append(outcomes, out)
			if next, err = op.checkpoint(ctx, retried); err != nil {
				return next, false, err
			}
		}
		next, more, err := svc.runSaga(ctx, op, next)
		if err != nil {
			return next, false, err
		}
		return svc.finishCreation(ctx, next, append(outcomes, more...), op.now)
	})
	if err != nil && sess.ID == "" {
		return ProgressResult{}, err
	}
	return progressResult(sess), err
}

func (svc *Service) retryTargets(s session.Session, entityType string) ([]progress.EntityType, error) {
	eligible := progress.RetryableFailures(s.Progress, svc.cfg.MaxEntityRetries)
	if entityType == "" {
		if len(eligible) == 0 && len(s.Progress.Failed) > 0 {
			return nil, apperrors.New(apperrors.CodeEntityCreationFailed, "retry budget exhausted for every failed entity")
		}
		return eligible, nil
	}

	t := progress.EntityType(strings.ToLower(strings.TrimSpace(entityType)))
	if !t.Valid() || !s.Progress.Has(t) {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown entity type %q", entityType))
	}
	if !s.Progress.IsFailed(t) {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("entity %s has not failed", t))
	}
	for _, e := range eligible {
		if e == t {
			return []progress.EntityType{t}, nil
		}
	}
	return nil, apperrors.New(apperrors.CodeEntityCreationFailed,
		fmt.Sprintf("retry budget of %d exhausted for %s", svc.cfg.MaxEntityRetries, t)).ForEntity(string(t))
}

func (svc *Service) beginCreation(s session.Session, now time.Time) (session.Session, error) {
	if !s.PaymentSatisfied() {
		return s, apperrors.New(apperrors.CodeInvalidStateTransition, "payment has not been completed")
	}
	if s.Status == session.StatusEntitiesCreating {
		return s.Clone(), nil
	}
	return s.Transition(session.StatusEntitiesCreating, "entity creation started", now)
}

func (svc *Service) runSaga(ctx context.Context, op *operation, s session.Session) (session.Session, []saga.Outcome, error) {
	var outcomes []saga.Outcome
	for ctx.Err() == nil {
		next, out := svc.saga.Step(ctx, s, op.now)
		if !out.Attempted {
			break
		}
		svc.observeEntity(out)
		outcomes = append(outcomes, out)
		saved, err := op.checkpoint(ctx, next)
		if err != nil {
			return saved, outcomes, err
		}
		s = saved
	}
	return s, outcomes, nil
}

func (svc *Service) observeEntity(out saga.Outcome) {
	outcome := "failed"
	switch {
	case out.Succeeded():
		outcome = "created"
	case out.Retryable:
		outcome = "retryable_failure"
	}
	svc.metrics.ObserveEntity(string(out.Entity), outcome, out.Duration)
}

// finishCreation decides where the workflow goes after a creation pass. A
// required entity that failed permanently in this pass, or that has used its
// whole retry budget, fails the session.
func (svc *Service) finishCreation(ctx context.Context, s session.Session, outcomes []saga.Outcome, now time.Time) (session.Session, bool, error) {
	if !progress.AnyRequiredFailed(s.Progress, session.Required) {
		if len(s.Progress.Pending) > 0 || !progress.AllRequiredCompleted(s.Progress, session.Required) {
			err := apperrors.Recoverable(apperrors.CodeEntityCreationRetryable, "entity creation interrupted before completion")
			if cerr := ctx.Err(); cerr != nil {
				err.Cause = cerr
			}
			return s, true, err
		}
		next, err := s.Transition(session.StatusEntitiesCompleted, "all required entities created", now)
		if err != nil {
			return s, false, err
		}
		next.LastError = nil
		next, err = svc.route(next, now)
		return next, err == nil, err
	}

	var entity progress.EntityType
	for _, out := range outcomes {
		if out.Err != nil && !out.Retryable && slices.Contains(session.Required, out.Entity) {
			entity = out.Entity
			break
		}
	}
	if entity == "" {
		if exhausted := svc.exhaustedRequired(s.Progress); len(exhausted) > 0 {
			entity = exhausted[0]
		}
	}

	if entity != "" {
		detail, _ := s.Progress.Detail(entity)
		next, err := s.Transition(session.StatusFailed, fmt.Sprintf("%s creation failed", entity), now)
		if err != nil {
			return s, false, err
		}
		budgetLeft := detail.RetryCount < svc.cfg.MaxEntityRetries
		return next, true, apperrors.New(apperrors.CodeEntityCreationFailed,
			fmt.Sprintf("%s creation failed: %s", entity, detail.Error)).
			ForEntity(string(entity)).WithRecoverable(budgetLeft)
	}

	retryable := progress.RetryableFailures(s.Progress, svc.cfg.MaxEntityRetries)
	entity = retryable[0]
	detail, _ := s.Progress.Detail(entity)
	return s, true, apperrors.Recoverable(apperrors.CodeEntityCreationRetryable,
		fmt.Sprintf("%s creation failed: %s", entity, detail.Error)).ForEntity(string(entity))
}

// exhaustedRequired returns the failed required entities with no retries left.
func (svc *Service) exhaustedRequired(p progress.Progress) []progress.EntityType {
	retryable := progress.RetryableFailures(p, svc.cfg.MaxEntityRetries)
	var out []progress.EntityType
	for _, t := range session.Required {
		if p.IsFailed(t) && !slices.Contains(retryable, t) {
			out = append(out, t)
		}
	}
	return out
}

// route moves a session out of entities_completed according to its policy.
func (svc *Service) route(s session.Session, now time.Time) (session.Session, error) {
	switch {
	case s.Policy.FinancialVerification:
		return s.Transition(session.StatusPendingFinancialVerification, "financial verification required", now)
	case s.Policy.AdminReview:
		return s.Transition(session.StatusPendingAdminApproval, "category requires review", now)
	default:
		return s.Transition(session.StatusCompleted, "registration completed", now)
	}
}

// ProcessAdminApproval records an admin decision.
func (svc *Service) ProcessAdminApproval(ctx context.Context, id string, req ApprovalRequest) (res StatusResult, err error) {
	defer svc.track("process_admin_approval", time.Now(), &err)

	if err := validateActor(req.Actor); err != nil {
		return StatusResult{}, err
	}
	if !req.Approved && strings.TrimSpace(req.Reason) == "" {
		return StatusResult{}, apperrors.New(apperrors.CodeValidation, "a reason is required to reject a registration")
	}
	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		if s.Status != session.StatusPendingAdminApproval {
			return s, false, session.InvalidTransition(s.Status, decisionStatus(req.Approved))
		}
		next, err := svc.decide(s, req.Approved, req.Reason, op.now)
		if err != nil {
			return s, false, err
		}
		next.Approval = &session.Approval{
			Approved:  req.Approved,
			By:        req.Actor,
			Reason:    req.Reason,
			DecidedAt: op.now.UTC(),
		}
		return next, true, nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return statusResult(sess), nil
}

// ProcessFinancialVerification records the verification of an offline payment.
func (svc *Service) ProcessFinancialVerification(ctx context.Context, id string, req VerificationRequest) (res StatusResult, err error) {
	defer svc.track("process_financial_verification", time.Now(), &err)

	if err := validateActor(req.Actor); err != nil {
		return StatusResult{}, err
	}
	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		if s.Status != session.StatusPendingFinancialVerification {
			return s, false, session.InvalidTransition(s.Status, decisionStatus(req.Verified))
		}
		var (
			next session.Session
			err  error
		)
		if req.Verified && s.Policy.AdminReview {
			next, err = s.Transition(session.StatusPendingAdminApproval, "financial verification passed", op.now)
		} else {
			next, err = svc.decide(s, req.Verified, req.Notes, op.now)
		}
		if err != nil {
			return s, false, err
		}
		next.Verification = &session.Verification{
			Verified:   req.Verified,
			By:         req.Actor,
			Reference:  req.Reference,
			Notes:      req.Notes,
			VerifiedAt: op.now.UTC(),
		}
		return next, true, nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return statusResult(sess), nil
}

func decisionStatus(approved bool) session.Status {
	if approved {
		return session.StatusApproved
	}
	return session.StatusRejected
}

func (svc *Service) decide(s session.Session, approved bool, reason string, now time.Time) (session.Session, error) {
	if !approved {
		return s.Transition(session.StatusRejected, reason, now)
	}
	next, err := s.Transition(session.StatusApproved, reason, now)
	if err != nil {
		return s, err
	}
	return next.Transition(session.StatusCompleted, "registration completed", now)
}

// Cancel stops the workflow. Entities already created are not rolled back.
func (svc *Service) Cancel(ctx context.Context, id string, req CancelRequest) (res StatusResult, err error) {
	defer svc.track("cancel", time.Now(), &err)

	if err := validateActor(req.Actor); err != nil {
		return StatusResult{}, err
	}
	sess, err := svc.mutate(ctx, id, func(ctx context.Context, op *operation, s session.Session) (session.Session, bool, error) {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "cancelled by " + string(req.Actor.Kind)
		}
		next, err := s.Transition(session.StatusCancelled, reason, op.now)
		if err != nil {
			return s, false, err
		}
		if next.Payment != nil {
			switch next.Payment.Status {
			case session.PaymentPending, session.PaymentProcessing:
				next.Payment.Status = session.PaymentCancelled
			}
		}
		next.Cancellation = &session.Cancellation{
			By:              req.Actor,
			Reason:          reason,
			At:              op.now.UTC(),
			RefundRequested: req.RefundRequested,
		}
		if len(next.Progress.Completed) > 0 {
			svc.logger.WarnContext(ctx, "registration cancelled with entities already created",
				"session_id", s.ID, "completed", next.Progress.Completed)
		}
		return next, true, nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return statusResult(sess), nil
}

func validateActor(a session.Actor) error {
	if !a.Kind.Valid() {
		return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown actor kind %q", a.Kind))
	}
	return nil
}
