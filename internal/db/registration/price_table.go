package regdb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"memberhub/internal/registration/pricing"
	"memberhub/internal/registration/session"
)

// PostgresPriceTable reads prices, discount codes, tax rates and category
// policy flags from Postgres.
type PostgresPriceTable struct {
	db *sql.DB
}

// NewPostgresPriceTable constructs a price table backed by Postgres.
func NewPostgresPriceTable(db *sql.DB) *PostgresPriceTable {
	return &PostgresPriceTable{db: db}
}

// NewPostgresPriceTableWithSchema initializes the schema then returns the table.
func NewPostgresPriceTableWithSchema(ctx context.Context, db *sql.DB) (*PostgresPriceTable, error) {
	table := NewPostgresPriceTable(db)
	if err := table.InitSchema(ctx); err != nil {
		return nil, err
	}
	return table, nil
}

// InitSchema creates the pricing tables if they do not exist.
func (p *PostgresPriceTable) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS membership_prices (
			category TEXT NOT NULL,
			membership_year INTEGER NOT NULL,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'CAD',
			payment_required BOOLEAN NOT NULL DEFAULT TRUE,
			admin_review BOOLEAN NOT NULL DEFAULT FALSE,
			financial_verification BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (category, membership_year)
		)`,
		`CREATE TABLE IF NOT EXISTS insurance_prices (
			plan TEXT NOT NULL,
			membership_year INTEGER NOT NULL,
			amount_cents BIGINT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (plan, membership_year)
		)`,
		`CREATE TABLE IF NOT EXISTS discount_codes (
			id BIGSERIAL PRIMARY KEY,
			code TEXT NOT NULL,
			category TEXT,
			membership_year INTEGER,
			discount_type TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS tax_rates (
			jurisdiction TEXT NOT NULL,
			tax_type TEXT NOT NULL,
			rate NUMERIC(6,5) NOT NULL,
			PRIMARY KEY (jurisdiction, tax_type)
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresPriceTable) BasePriceFor(ctx context.Context, category string, year int) (pricing.Price, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT amount_cents, currency
		FROM membership_prices
		WHERE lower(category) = lower($1) AND membership_year = $2 AND active`,
		category, year,
	)
	var (
		cents    int64
		currency string
	)
	if err := row.Scan(&cents, &currency); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pricing.Price{}, pricing.ErrNotPriced
		}
		return pricing.Price{}, err
	}
	return pricing.Price{Amount: pricing.Money(cents), Currency: currency}, nil
}

func (p *PostgresPriceTable) InsurancePriceFor(ctx context.Context, plan string, year int) (pricing.Money, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT amount_cents
		FROM insurance_prices
		WHERE lower(plan) = lower($1) AND membership_year = $2 AND active`,
		plan, year,
	)
	var cents int64
	if err := row.Scan(&cents); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, pricing.ErrNotPriced
		}
		return 0, err
	}
	return pricing.Money(cents), nil
}

// DiscountFor returns the lines of an active code. A code scoped to another
// category or year is invalid for this registration.
func (p *PostgresPriceTable) DiscountFor(ctx context.Context, code string, category string, year int) ([]pricing.Discount, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT discount_type, amount_cents, reason
		FROM discount_codes
		WHERE upper(code) = upper($1) AND active
			AND (category IS NULL OR lower(category) = lower($2))
			AND (membership_year IS NULL OR membership_year = $3)
		ORDER BY id`,
		code, category, year,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []pricing.Discount
	for rows.Next() {
		var (
			line  pricing.Discount
			cents int64
		)
		if err := rows.Scan(&line.Type, &cents, &line.Reason); err != nil {
			return nil, err
		}
		line.Amount = pricing.Money(cents)
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, pricing.ErrInvalidDiscountCode
	}
	return lines, nil
}

// TaxRatesFor returns the tax components of a jurisdiction. Rates are read
// as text so they reach the pricing engine without float conversion.
func (p *PostgresPriceTable) TaxRatesFor(ctx context.Context, jurisdiction string) ([]pricing.TaxRate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tax_type, rate::text
		FROM tax_rates
		WHERE upper(jurisdiction) = upper($1)
		ORDER BY tax_type`,
		jurisdiction,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []pricing.TaxRate
	for rows.Next() {
		var rate pricing.TaxRate
		if err := rows.Scan(&rate.Type, &rate.Rate); err != nil {
			return nil, err
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		return nil, pricing.ErrUnknownJurisdiction
	}
	return rates, nil
}

// PolicyFor reads the workflow flags stored with a category's price. A
// category without a price row requires payment and no review.
func (p *PostgresPriceTable) PolicyFor(ctx context.Context, category string, year int) (session.Policy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT payment_required, admin_review, financial_verification
		FROM membership_prices
		WHERE lower(category) = lower($1) AND membership_year = $2`,
		strings.TrimSpace(category), year,
	)
	var policy session.Policy
	if err := row.Scan(&policy.PaymentRequired, &policy.AdminReview, &policy.FinancialVerification); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Policy{PaymentRequired: true}, nil
		}
		return session.Policy{}, err
	}
	return policy, nil
}
