// Package apperrors defines the registration error taxonomy shared by the
// orchestrator and its transports.
package apperrors

import "google.golang.org/grpc/codes"

// Code is a stable, machine-readable error code returned to clients.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	CodeValidation             Code = "VALIDATION"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeConflict               Code = "CONFLICT"
	CodeSessionExpired         Code = "SESSION_EXPIRED"

	// Pricing errors
	CodeCategoryNotPriced      Code = "PRICING_CATEGORY_NOT_PRICED"
	CodeInsuranceNotPriced     Code = "PRICING_INSURANCE_NOT_PRICED"
	CodeTaxJurisdictionUnknown Code = "PRICING_TAX_JURISDICTION_UNKNOWN"

	// Payment errors
	CodePaymentGatewayUnavailable Code = "PAYMENT_GATEWAY_UNAVAILABLE"
	CodePaymentDeclined           Code = "PAYMENT_DECLINED"
	CodePaymentInvalidAmount      Code = "PAYMENT_INVALID_AMOUNT"

	// Entity creation errors
	CodeEntityCreationRetryable Code = "ENTITY_CREATION_RETRYABLE"
	CodeEntityCreationFailed    Code = "ENTITY_CREATION_FAILED"

	CodeInternal Code = "INTERNAL"
)

// Kind names the taxonomy family a code belongs to.
func (c Code) Kind() string {
	switch c {
	case CodeValidation:
		return "ValidationError"
	case CodeNotFound:
		return "NotFoundError"
	case CodeInvalidStateTransition:
		return "InvalidStateTransition"
	case CodeConflict:
		return "ConflictError"
	case CodeSessionExpired:
		return "ExpiredSessionError"
	case CodeCategoryNotPriced, CodeInsuranceNotPriced, CodeTaxJurisdictionUnknown:
		return "PricingError"
	case CodePaymentGatewayUnavailable, CodePaymentDeclined, CodePaymentInvalidAmount:
		return "PaymentError"
	case CodeEntityCreationRetryable, CodeEntityCreationFailed:
		return "EntityCreationError"
	default:
		return "InternalError"
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeValidation,
		CodePaymentInvalidAmount:
		return codes.InvalidArgument

	case CodeInvalidStateTransition,
		CodeCategoryNotPriced,
		CodeInsuranceNotPriced,
		CodeTaxJurisdictionUnknown,
		CodePaymentDeclined,
		CodeEntityCreationFailed:
		return codes.FailedPrecondition

	case CodeNotFound:
		return codes.NotFound

	case CodeConflict:
		return codes.AlreadyExists

	case CodeSessionExpired:
		return codes.DeadlineExceeded

	case CodePaymentGatewayUnavailable,
		CodeEntityCreationRetryable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
