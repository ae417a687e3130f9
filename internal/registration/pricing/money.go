package pricing

import (
	"fmt"
	"math/big"
)

// Money is an amount in minor currency units (cents).
type Money int64

// String renders m with two decimal places.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Cents builds Money from a whole-unit and cent pair.
func Cents(units int64, cents int64) Money {
	return Money(units*100 + cents)
}

// applyRate returns m*rate rounded half-to-even to the cent. The product is
// computed exactly; rounding happens once.
func applyRate(m Money, rate *big.Rat) Money {
	product := new(big.Rat).Mul(new(big.Rat).SetInt64(int64(m)), rate)
	return Money(roundHalfEven(product))
}

func roundHalfEven(r *big.Rat) int64 {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	neg := num.Sign() < 0
	if neg {
		num.Neg(num)
	}

	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	twice := new(big.Int).Lsh(rem, 1)
	switch twice.Cmp(den) {
	case 1:
		q.Add(q, big.NewInt(1))
	case 0:
		if q.Bit(0) == 1 {
			q.Add(q, big.NewInt(1))
		}
	}
	if neg {
		q.Neg(q)
	}
	return q.Int64()
}

func parseRate(raw string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("invalid tax rate %q", raw)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative tax rate %q", raw)
	}
	return r, nil
}
