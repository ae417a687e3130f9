// Package session holds the durable registration session record, its state
// machine and the stores that persist it.
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"memberhub/internal/apperrors"
	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/progress"
)

// Payload is a free-form entity payload copied verbatim to its collaborator.
type Payload map[string]any

// InsuranceSelection is one selected insurance plan.
type InsuranceSelection struct {
	Plan    string  `json:"plan"`
	Details Payload `json:"details,omitempty"`
}

// Donation is an optional donation attached to the registration.
type Donation struct {
	Fund   string        `json:"fund"`
	Amount pricing.Money `json:"amount"`
}

// PaymentInfo is the payment method chosen at submission.
type PaymentInfo struct {
	Method string `json:"method"`
}

// Data is the registration payload. It is written once by Initiate.
type Data struct {
	Category      string               `json:"category"`
	CategoryData  Payload              `json:"categoryData,omitempty"`
	Employment    Payload              `json:"employment"`
	Practices     Payload              `json:"practices"`
	Preferences   Payload              `json:"preferences,omitempty"`
	Settings      Payload              `json:"settings,omitempty"`
	Insurance     []InsuranceSelection `json:"insurance,omitempty"`
	Donation      *Donation            `json:"donation,omitempty"`
	Payment       *PaymentInfo         `json:"payment,omitempty"`
	Jurisdiction  string               `json:"jurisdiction"`
	DiscountCodes []string             `json:"discountCodes,omitempty"`
}

// Required lists the entities every registration must create.
var Required = []progress.EntityType{progress.Category, progress.Employment, progress.Practices}

// EntityTypes returns the entity universe this registration produces.
func (d Data) EntityTypes() []progress.EntityType {
	types := slices.Clone(Required)
	if d.Preferences != nil {
		types = append(types, progress.Preferences)
	}
	if d.Settings != nil {
		types = append(types, progress.Settings)
	}
	if len(d.Insurance) > 0 {
		types = append(types, progress.Insurance)
	}
	return types
}

// InsurancePlans returns the selected plan codes.
func (d Data) InsurancePlans() []string {
	plans := make([]string, 0, len(d.Insurance))
	for _, sel := range d.Insurance {
		plans = append(plans, sel.Plan)
	}
	return plans
}

// PaymentTracking tracks the payment attempt for a session.
type PaymentTracking struct {
	Status        PaymentStatus `json:"status"`
	Method        string        `json:"method,omitempty"`
	TransactionID string        `json:"transactionId,omitempty"`
	IntentID      string        `json:"intentId,omitempty"`
	Amount        pricing.Money `json:"amount"`
	Currency      string        `json:"currency"`
	PaidAt        *time.Time    `json:"paidAt,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// PaymentStatus is the status of a payment attempt.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// LastError is the most recent failure recorded on a session.
type LastError struct {
	Kind        string    `json:"kind"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
	Recoverable bool      `json:"recoverable"`
	EntityType  string    `json:"entityType,omitempty"`
}

// Actor identifies who performed a manual action.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// ActorKind classifies an actor.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAdmin  ActorKind = "admin"
	ActorSystem ActorKind = "system"
)

// Valid reports whether k is a known actor kind.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorUser, ActorAdmin, ActorSystem:
		return true
	}
	return false
}

// Approval is the admin decision on a registration.
type Approval struct {
	Approved  bool      `json:"approved"`
	By        Actor     `json:"by"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Verification is the financial verification of an offline payment.
type Verification struct {
	Verified   bool      `json:"verified"`
	By         Actor     `json:"by"`
	Reference  string    `json:"reference,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Cancellation records why and by whom a session was cancelled.
type Cancellation struct {
	By              Actor     `json:"cancelledBy"`
	Reason          string    `json:"reason"`
	At              time.Time `json:"cancelledAt"`
	RefundRequested bool      `json:"refundRequested"`
}

// Policy is what the category implies for the workflow.
type Policy struct {
	PaymentRequired       bool `json:"paymentRequired"`
	AdminReview           bool `json:"adminReview"`
	FinancialVerification bool `json:"financialVerification"`
}

// Change is one entry of the status history.
type Change struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Session is the durable record of one registration attempt.
type Session struct {
	ID             string `json:"sessionId"`
	Version        int64  `json:"version"`
	Status         Status `json:"status"`
	OwnerID        string `json:"ownerId"`
	OrganizationID string `json:"organizationId"`
	MembershipYear int    `json:"membershipYear"`

	Data     Data               `json:"registrationData"`
	Policy   Policy             `json:"policy"`
	Progress progress.Progress  `json:"progress"`
	Pricing  *pricing.Breakdown `json:"pricing,omitempty"`
	Payment  *PaymentTracking   `json:"payment,omitempty"`

	PaymentRequired  bool   `json:"paymentRequired"`
	PaymentAttempts  int    `json:"paymentAttempts"`
	CategoryEntityID string `json:"categoryEntityId,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	PaymentDeadline *time.Time `json:"paymentDeadline,omitempty"`

	RetryCount   int           `json:"retryCount"`
	LastError    *LastError    `json:"lastError,omitempty"`
	Approval     *Approval     `json:"approval,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`
	History      []Change      `json:"history"`
}

// Expired reports whether the hard TTL has passed at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// PaymentSatisfied reports whether entity creation may begin.
func (s Session) PaymentSatisfied() bool {
	if !s.PaymentRequired {
		return true
	}
	return s.Payment != nil && s.Payment.Status == PaymentCompleted
}

// Transition returns a copy of s moved to the given status, with the change
// appended to its history. s is not modified.
func (s Session) Transition(to Status, reason string, now time.Time) (Session, error) {
	if !CanTransition(s.Status, to) {
		return s, InvalidTransition(s.Status, to)
	}
	next := s.Clone()
	next.History = append(next.History, Change{From: s.Status, To: to, At: now.UTC(), Reason: reason})
	next.Status = to
	next.UpdatedAt = now.UTC()
	return next, nil
}

// InvalidTransition builds the error returned for an illegal status change.
func InvalidTransition(from, to Status) *apperrors.Error {
	err := apperrors.New(apperrors.CodeInvalidStateTransition,
		fmt.Sprintf("cannot move registration from %s to %s", from, to))
	err.Metadata = map[string]string{"from": string(from), "to": string(to)}
	return err
}

// Clone returns a deep copy of s. Entity payloads are shared because they are
// never mutated after Initiate.
func (s Session) Clone() Session {
	cp := s
	cp.Progress = s.Progress.Clone()
	cp.History = slices.Clone(s.History)
	cp.Data.Insurance = slices.Clone(s.Data.Insurance)
	cp.Data.DiscountCodes = slices.Clone(s.Data.DiscountCodes)
	if s.Pricing != nil {
		p := *s.Pricing
		p.Discounts = slices.Clone(s.Pricing.Discounts)
		p.Taxes = slices.Clone(s.Pricing.Taxes)
		p.Warnings = slices.Clone(s.Pricing.Warnings)
		cp.Pricing = &p
	}
	if s.Payment != nil {
		p := *s.Payment
		cp.Payment = &p
	}
	if s.PaymentDeadline != nil {
		d := *s.PaymentDeadline
		cp.PaymentDeadline = &d
	}
	if s.LastError != nil {
		e := *s.LastError
		cp.LastError = &e
	}
	if s.Approval != nil {
		a := *s.Approval
		cp.Approval = &a
	}
	if s.Verification != nil {
		v := *s.Verification
		cp.Verification = &v
	}
	if s.Cancellation != nil {
		c := *s.Cancellation
		cp.Cancellation = &c
	}
	return cp
}

// RecordError returns a copy of s with LastError set from err.
func (s Session) RecordError(err error, now time.Time) Session {
	cp := s.Clone()
	le := &LastError{
		Kind:        apperrors.CodeInternal.Kind(),
		Code:        string(apperrors.CodeInternal),
		Message:     err.Error(),
		At:          now.UTC(),
		Recoverable: apperrors.IsRecoverable(err),
	}
	if code := apperrors.GetCode(err); code != apperrors.CodeUnknown {
		le.Kind = code.Kind()
		le.Code = string(code)
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		le.EntityType = appErr.EntityType
	}
	cp.LastError = le
	cp.UpdatedAt = now.UTC()
	return cp
}

// Validate checks the shape of a new registration.
func Validate(ownerID, organizationID string, year int, data Data) error {
	var problems []string
	if strings.TrimSpace(ownerID) == "" {
		problems = append(problems, "ownerId is required")
	}
	if strings.TrimSpace(organizationID) == "" {
		problems = append(problems, "organizationId is required")
	}
	if year <= 0 {
		problems = append(problems, "membershipYear must be positive")
	}
	if strings.TrimSpace(data.Category) == "" {
		problems = append(problems, "category is required")
	}
	if data.Employment == nil {
		problems = append(problems, "employment is required")
	}
	if data.Practices == nil {
		problems = append(problems, "practices is required")
	}
	for i, sel := range data.Insurance {
		if strings.TrimSpace(sel.Plan) == "" {
			problems = append(problems, fmt.Sprintf("insurance[%d].plan is required", i))
		}
	}
	if data.Donation != nil && data.Donation.Amount < 0 {
		problems = append(problems, "donation amount must not be negative")
	}
	if len(problems) == 0 {
		return nil
	}
	err := apperrors.New(apperrors.CodeValidation, strings.Join(problems, "; "))
	err.Metadata = make(map[string]string, len(problems))
	for i, p := range problems {
		err.Metadata[fmt.Sprintf("violation_%d", i)] = p
	}
	return err
}
