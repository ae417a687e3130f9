package session

// Status is the workflow state of a registration session.
type Status string

const (
	StatusInitiated                    Status = "initiated"
	StatusPricingCalculated            Status = "pricing_calculated"
	StatusProductSelected              Status = "product_selected"
	StatusPaymentPending               Status = "payment_pending"
	StatusPaymentProcessing            Status = "payment_processing"
	StatusPaymentCompleted             Status = "payment_completed"
	StatusPaymentFailed                Status = "payment_failed"
	StatusEntitiesCreating             Status = "entities_creating"
	StatusEntitiesCompleted            Status = "entities_completed"
	StatusPendingAdminApproval         Status = "pending_admin_approval"
	StatusPendingFinancialVerification Status = "pending_financial_verification"
	StatusApproved                     Status = "approved"
	StatusRejected                     Status = "rejected"
	StatusCompleted                    Status = "completed"
	StatusRetryPending                 Status = "retry_pending"
	StatusExpired                      Status = "expired"
	StatusCancelled                    Status = "cancelled"
	StatusFailed                       Status = "failed"
)

// Terminal reports whether no further forward progress is possible. Failed is
// terminal but still accepts entity retries within budget.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusInitiated:                    {StatusPricingCalculated},
	StatusPricingCalculated:            {StatusProductSelected, StatusPaymentPending, StatusEntitiesCreating},
	StatusProductSelected:              {StatusProductSelected, StatusPaymentPending, StatusEntitiesCreating},
	StatusPaymentPending:               {StatusPaymentProcessing},
	StatusPaymentProcessing:            {StatusPaymentCompleted, StatusPaymentFailed, StatusFailed},
	StatusPaymentCompleted:             {StatusEntitiesCreating},
	StatusPaymentFailed:                {StatusRetryPending, StatusFailed},
	StatusRetryPending:                 {StatusPaymentPending},
	StatusEntitiesCreating:             {StatusEntitiesCreating, StatusEntitiesCompleted, StatusFailed},
	StatusEntitiesCompleted:            {StatusPendingAdminApproval, StatusPendingFinancialVerification, StatusCompleted},
	StatusPendingFinancialVerification: {StatusPendingAdminApproval, StatusApproved, StatusRejected},
	StatusPendingAdminApproval:         {StatusApproved, StatusRejected},
	StatusApproved:                     {StatusCompleted},
	StatusFailed:                       {StatusEntitiesCreating},
}

// CanTransition reports whether the workflow may move from one status to
// another. Every non-terminal status may expire or be cancelled; a failed
// session may also be cancelled.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusExpired:
		return !from.Terminal()
	case StatusCancelled:
		return !from.Terminal() || from == StatusFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
