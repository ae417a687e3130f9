package pricing

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBreakdownTotalsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("total equals subtotal plus taxes and nothing is negative", prop.ForAll(
		func(base, addOn, discount int64, bps1, bps2 int) bool {
			table := NewStaticTable().
				SetBasePrice("cat", 2025, Price{Amount: Money(base), Currency: "CAD"}).
				SetInsurancePrice("plan", 2025, Money(addOn)).
				SetDiscount("CODE", Discount{Type: "promo", Amount: Money(discount), Reason: "promo"}).
				SetTaxRates("QC",
					TaxRate{Type: "GST", Rate: fmt.Sprintf("%d/10000", bps1)},
					TaxRate{Type: "QST", Rate: fmt.Sprintf("%d/10000", bps2)},
				)
			b, err := NewEngine(table, "CAD", nil).Calculate(context.Background(), Request{
				Category:      "cat",
				Year:          2025,
				Insurance:     []string{"plan"},
				DiscountCodes: []string{"code"},
				Jurisdiction:  "QC",
			})
			if err != nil {
				return false
			}
			if b.Total != b.Subtotal+b.TaxTotal() {
				return false
			}
			if b.Subtotal != b.BasePrice+b.AddOnPrice-b.DiscountTotal() {
				return false
			}
			values := []Money{b.BasePrice, b.AddOnPrice, b.Subtotal, b.Total}
			for _, d := range b.Discounts {
				values = append(values, d.Amount)
			}
			for _, tx := range b.Taxes {
				values = append(values, tx.Amount)
			}
			for _, v := range values {
				if v < 0 {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 10_000_000),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(-1000, 20_000_000),
		gen.IntRange(0, 2500),
		gen.IntRange(0, 2500),
	))

	properties.TestingRun(t)
}
