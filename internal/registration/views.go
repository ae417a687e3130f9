package registration

import (
	"time"

	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/progress"
	"memberhub/internal/registration/session"
)

// Next steps a client may take, reported by GetStatus.
const (
	StepCalculatePricing           = "calculate_pricing"
	StepProcessPayment             = "process_payment"
	StepVerifyPayment              = "verify_payment"
	StepRetryPayment               = "retry_payment"
	StepExecuteEntityCreation      = "execute_entity_creation"
	StepRetryEntityCreation        = "retry_entity_creation"
	StepAwaitAdminApproval         = "await_admin_approval"
	StepAwaitFinancialVerification = "await_financial_verification"
	StepCancel                     = "cancel"
)

// InitiateRequest is the aggregated registration submitted by a client.
type InitiateRequest struct {
	OwnerID        string       `json:"ownerId"`
	OrganizationID string       `json:"organizationId"`
	MembershipYear int          `json:"membershipYear"`
	Data           session.Data `json:"registrationData"`
}

// InitiateResult is returned by Initiate.
type InitiateResult struct {
	SessionID       string            `json:"sessionId"`
	Status          session.Status    `json:"status"`
	Pricing         pricing.Breakdown `json:"pricing"`
	PaymentRequired bool              `json:"paymentRequired"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	PaymentDeadline *time.Time        `json:"paymentDeadline,omitempty"`
}

// StatusView is returned by GetStatus.
type StatusView struct {
	Session        session.Session   `json:"session"`
	Status         session.Status    `json:"status"`
	Progress       progress.Progress `json:"progress"`
	NextSteps      []string          `json:"nextSteps"`
	CanRetry       bool              `json:"canRetry"`
	PaymentOverdue bool              `json:"paymentOverdue"`
}

// PaymentRequest carries the client's payment choice.
type PaymentRequest struct {
	Method string `json:"method"`
}

// PaymentResult is returned by payment operations.
type PaymentResult struct {
	SessionID       string                `json:"sessionId"`
	Status          session.Status        `json:"status"`
	PaymentStatus   session.PaymentStatus `json:"paymentStatus"`
	IntentID        string                `json:"intentId,omitempty"`
	AttemptsUsed    int                   `json:"attemptsUsed"`
	AttemptsAllowed int                   `json:"attemptsAllowed"`
}

// ProgressResult is returned by entity creation operations.
type ProgressResult struct {
	SessionID string            `json:"sessionId"`
	Status    session.Status    `json:"status"`
	Progress  progress.Progress `json:"progress"`
}

// StatusResult is returned by decision and cancel operations.
type StatusResult struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
}

// ApprovalRequest is an admin decision.
type ApprovalRequest struct {
	Approved bool          `json:"approved"`
	Actor    session.Actor `json:"actor"`
	Reason   string        `json:"reason,omitempty"`
}

// VerificationRequest is a financial verification decision.
type VerificationRequest struct {
	Verified  bool          `json:"verified"`
	Actor     session.Actor `json:"actor"`
	Reference string        `json:"reference,omitempty"`
	Notes     string        `json:"notes,omitempty"`
}

// CancelRequest cancels a registration.
type CancelRequest struct {
	Actor           session.Actor `json:"actor"`
	Reason          string        `json:"reason"`
	RefundRequested bool          `json:"refundRequested"`
}

func paymentResult(s session.Session, maxAttempts int) PaymentResult {
	out := PaymentResult{
		SessionID:       s.ID,
		Status:          s.Status,
		AttemptsUsed:    s.PaymentAttempts,
		AttemptsAllowed: maxAttempts,
	}
	if s.Payment != nil {
		out.PaymentStatus = s.Payment.Status
		out.IntentID = s.Payment.IntentID
	}
	return out
}

func progressResult(s session.Session) ProgressResult {
	return ProgressResult{SessionID: s.ID, Status: s.Status, Progress: s.Progress.Clone()}
}

func statusResult(s session.Session) StatusResult {
	return StatusResult{SessionID: s.ID, Status: s.Status}
}

func (svc *Service) statusView(s session.Session, now time.Time) StatusView {
	view := StatusView{
		Session:   s,
		Status:    s.Status,
		Progress:  s.Progress.Clone(),
		NextSteps: []string{},
	}
	if s.Expired(now) {
		view.Status = session.StatusExpired
		return view
	}
	view.CanRetry = svc.canRetry(s)
	view.PaymentOverdue = s.PaymentRequired && !s.PaymentSatisfied() &&
		s.PaymentDeadline != nil && now.After(*s.PaymentDeadline)

	switch s.Status {
	case session.StatusPricingCalculated, session.StatusProductSelected:
		view.NextSteps = append(view.NextSteps, StepCalculatePricing)
		if s.PaymentRequired {
			view.NextSteps = append(view.NextSteps, StepProcessPayment)
		} else {
			view.NextSteps = append(view.NextSteps, StepExecuteEntityCreation)
		}
	case session.StatusPaymentPending, session.StatusRetryPending:
		view.NextSteps = append(view.NextSteps, StepProcessPayment)
	case session.StatusPaymentProcessing:
		view.NextSteps = append(view.NextSteps, StepVerifyPayment)
	case session.StatusPaymentFailed:
		if view.CanRetry {
			view.NextSteps = append(view.NextSteps, StepRetryPayment)
		}
	case session.StatusPaymentCompleted:
		view.NextSteps = append(view.NextSteps, StepExecuteEntityCreation)
	case session.StatusEntitiesCreating:
		if len(s.Progress.Pending) > 0 {
			view.NextSteps = append(view.NextSteps, StepExecuteEntityCreation)
		}
		if view.CanRetry {
			view.NextSteps = append(view.NextSteps, StepRetryEntityCreation)
		}
	case session.StatusFailed:
		if view.CanRetry {
			view.NextSteps = append(view.NextSteps, StepRetryEntityCreation)
		}
	case session.StatusPendingAdminApproval:
		view.NextSteps = append(view.NextSteps, StepAwaitAdminApproval)
	case session.StatusPendingFinancialVerification:
		view.NextSteps = append(view.NextSteps, StepAwaitFinancialVerification)
	}
	if session.CanTransition(s.Status, session.StatusCancelled) {
		view.NextSteps = append(view.NextSteps, StepCancel)
	}
	return view
}

func (svc *Service) canRetry(s session.Session) bool {
	switch s.Status {
	case session.StatusPaymentFailed:
		return s.PaymentAttempts < svc.cfg.MaxPaymentAttempts
	case session.StatusEntitiesCreating, session.StatusFailed:
		return s.PaymentSatisfied() && len(progress.RetryableFailures(s.Progress, svc.cfg.MaxEntityRetries)) > 0
	}
	return false
}
