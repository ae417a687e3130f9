// Package pricing computes the price of a membership registration.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"memberhub/internal/apperrors"
)

var (
	// ErrNotPriced signals that no active price row exists.
	ErrNotPriced = errors.New("no active price")
	// ErrInvalidDiscountCode signals an unknown or inactive discount code.
	ErrInvalidDiscountCode = errors.New("invalid discount code")
	// ErrUnknownJurisdiction signals that no tax rates exist for a jurisdiction.
	ErrUnknownJurisdiction = errors.New("unknown tax jurisdiction")
)

// Price is a base price row.
type Price struct {
	Amount   Money
	Currency string
}

// TaxRate is one tax component for a jurisdiction. Rate is a decimal string
// such as "0.13" so it can be applied without float error.
type TaxRate struct {
	Type string
	Rate string
}

// Discount is one discount line.
type Discount struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Amount Money  `json:"amount"`
	Reason string `json:"reason"`
}

// Tax is one computed tax line.
type Tax struct {
	Type   string `json:"type"`
	Rate   string `json:"rate"`
	Amount Money  `json:"amount"`
}

// Breakdown is the priced registration.
type Breakdown struct {
	BasePrice    Money      `json:"basePrice"`
	AddOnPrice   Money      `json:"addOnPrice"`
	Subtotal     Money      `json:"subtotal"`
	Discounts    []Discount `json:"discounts"`
	Taxes        []Tax      `json:"taxes"`
	Total        Money      `json:"total"`
	Currency     string     `json:"currency"`
	CalculatedAt time.Time  `json:"calculatedAt"`
	Warnings     []string   `json:"warnings,omitempty"`
}

// TaxTotal sums the tax lines.
func (b Breakdown) TaxTotal() Money {
	var sum Money
	for _, t := range b.Taxes {
		sum += t.Amount
	}
	return sum
}

// DiscountTotal sums the discount lines.
func (b Breakdown) DiscountTotal() Money {
	var sum Money
	for _, d := range b.Discounts {
		sum += d.Amount
	}
	return sum
}

// PriceTable is the price lookup collaborator.
type PriceTable interface {
	BasePriceFor(ctx context.Context, category string, year int) (Price, error)
	InsurancePriceFor(ctx context.Context, plan string, year int) (Money, error)
	DiscountFor(ctx context.Context, code string, category string, year int) ([]Discount, error)
	TaxRatesFor(ctx context.Context, jurisdiction string) ([]TaxRate, error)
}

// Request describes what to price.
type Request struct {
	Category      string
	Insurance     []string
	Year          int
	DiscountCodes []string
	Jurisdiction  string
}

// Engine prices registrations against a PriceTable.
type Engine struct {
	table    PriceTable
	currency string
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine constructs an Engine. currency is used when a price row does not
// carry its own.
func NewEngine(table PriceTable, currency string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		table:    table,
		currency: currency,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock returns a copy of the engine using now for CalculatedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

// Calculate prices req. Invalid discount codes are dropped with a warning;
// a missing base price, insurance price, or tax jurisdiction is fatal.
func (e *Engine) Calculate(ctx context.Context, req Request) (Breakdown, error) {
	base, err := e.table.BasePriceFor(ctx, req.Category, req.Year)
	if err != nil {
		if errors.Is(err, ErrNotPriced) {
			return Breakdown{}, apperrors.Wrap(apperrors.CodeCategoryNotPriced,
				fmt.Sprintf("category %q has no active price for %d", req.Category, req.Year), err)
		}
		return Breakdown{}, fmt.Errorf("base price: %w", err)
	}
	currency := base.Currency
	if currency == "" {
		currency = e.currency
	}

	out := Breakdown{
		BasePrice: clampZero(base.Amount),
		Currency:  currency,
		Discounts: []Discount{},
		Taxes:     []Tax{},
	}

	for _, plan := range req.Insurance {
		amount, err := e.table.InsurancePriceFor(ctx, plan, req.Year)
		if err != nil {
			if errors.Is(err, ErrNotPriced) {
				return Breakdown{}, apperrors.Wrap(apperrors.CodeInsuranceNotPriced,
					fmt.Sprintf("insurance plan %q has no active price for %d", plan, req.Year), err)
			}
			return Breakdown{}, fmt.Errorf("insurance price %s: %w", plan, err)
		}
		out.AddOnPrice += clampZero(amount)
	}

	remaining := out.BasePrice + out.AddOnPrice
	for _, code := range normalizeCodes(req.DiscountCodes) {
		lines, err := e.table.DiscountFor(ctx, code, req.Category, req.Year)
		if err != nil {
			if errors.Is(err, ErrInvalidDiscountCode) {
				e.logger.WarnContext(ctx, "dropping invalid discount code", "code", code, "category", req.Category)
				out.Warnings = append(out.Warnings, fmt.Sprintf("discount code %s is not valid", code))
				continue
			}
			return Breakdown{}, fmt.Errorf("discount %s: %w", code, err)
		}
		for _, line := range lines {
			amount := min(clampZero(line.Amount), remaining)
			if amount == 0 {
				out.Warnings = append(out.Warnings, fmt.Sprintf("discount code %s has no remaining amount to apply", code))
				continue
			}
			remaining -= amount
			line.Code = code
			line.Amount = amount
			out.Discounts = append(out.Discounts, line)
		}
	}
	out.Subtotal = out.BasePrice + out.AddOnPrice - out.DiscountTotal()

	jurisdiction := strings.ToUpper(strings.TrimSpace(req.Jurisdiction))
	if jurisdiction == "" {
		return Breakdown{}, apperrors.New(apperrors.CodeTaxJurisdictionUnknown, "tax jurisdiction is required")
	}
	rates, err := e.table.TaxRatesFor(ctx, jurisdiction)
	if err != nil {
		if errors.Is(err, ErrUnknownJurisdiction) {
			return Breakdown{}, apperrors.Wrap(apperrors.CodeTaxJurisdictionUnknown,
				fmt.Sprintf("no tax rates for jurisdiction %s", jurisdiction), err)
		}
		return Breakdown{}, fmt.Errorf("tax rates: %w", err)
	}
	for _, rate := range rates {
		r, err := parseRate(rate.Rate)
		if err != nil {
			return Breakdown{}, fmt.Errorf("tax %s: %w", rate.Type, err)
		}
		out.Taxes = append(out.Taxes, Tax{
			Type:   rate.Type,
			Rate:   strings.TrimSpace(rate.Rate),
			Amount: applyRate(out.Subtotal, r),
		})
	}

	out.Total = out.Subtotal + out.TaxTotal()
	out.CalculatedAt = e.now().UTC()
	return out, nil
}

func clampZero(m Money) Money {
	if m < 0 {
		return 0
	}
	return m
}

func normalizeCodes(codes []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
