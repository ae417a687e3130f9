package pricing

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// StaticTable is an in-memory PriceTable for local runs and tests.
type StaticTable struct {
	mu        sync.RWMutex
	base      map[string]Price
	insurance map[string]Money
	discounts map[string][]Discount
	taxes     map[string][]TaxRate
}

// NewStaticTable constructs an empty StaticTable.
func NewStaticTable() *StaticTable {
	return &StaticTable{
		base:      make(map[string]Price),
		insurance: make(map[string]Money),
		discounts: make(map[string][]Discount),
		taxes:     make(map[string][]TaxRate),
	}
}

func yearKey(name string, year int) string {
	return name + "/" + strconv.Itoa(year)
}

// SetBasePrice registers a category price for a year.
func (t *StaticTable) SetBasePrice(category string, year int, price Price) *StaticTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.base[yearKey(category, year)] = price
	return t
}

// SetInsurancePrice registers an insurance plan price for a year.
func (t *StaticTable) SetInsurancePrice(plan string, year int, amount Money) *StaticTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insurance[yearKey(plan, year)] = amount
	return t
}

// SetDiscount registers the lines a discount code produces.
func (t *StaticTable) SetDiscount(code string, lines ...Discount) *StaticTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discounts[strings.ToUpper(code)] = lines
	return t
}

// SetTaxRates registers the tax components for a jurisdiction.
func (t *StaticTable) SetTaxRates(jurisdiction string, rates ...TaxRate) *StaticTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taxes[strings.ToUpper(jurisdiction)] = rates
	return t
}

func (t *StaticTable) BasePriceFor(ctx context.Context, category string, year int) (Price, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.base[yearKey(category, year)]
	if !ok {
		return Price{}, ErrNotPriced
	}
	return p, nil
}

func (t *StaticTable) InsurancePriceFor(ctx context.Context, plan string, year int) (Money, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.insurance[yearKey(plan, year)]
	if !ok {
		return 0, ErrNotPriced
	}
	return m, nil
}

func (t *StaticTable) DiscountFor(ctx context.Context, code string, category string, year int) ([]Discount, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lines, ok := t.discounts[strings.ToUpper(code)]
	if !ok {
		return nil, ErrInvalidDiscountCode
	}
	return append([]Discount(nil), lines...), nil
}

func (t *StaticTable) TaxRatesFor(ctx context.Context, jurisdiction string) ([]TaxRate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rates, ok := t.taxes[strings.ToUpper(jurisdiction)]
	if !ok {
		return nil, ErrUnknownJurisdiction
	}
	return append([]TaxRate(nil), rates...), nil
}
