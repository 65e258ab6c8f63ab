package acquired

import "math/big"

// Precision is the fixed-point scale used for acquired ratios and USD
// amounts (18 decimals).
var Precision = mustBigInt("1000000000000000000")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// mulDiv computes a*b/den with 512-bit intermediates, truncating toward
// zero. A zero denominator yields zero.
func mulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, den)
}

// TokenValueUSD converts a native-decimal token amount into an 18-decimal
// USD value: amount × price18 / 10^decimals.
func TokenValueUSD(amount, price18 *big.Int, decimals uint8) *big.Int {
	if amount == nil || price18 == nil {
		return big.NewInt(0)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return mulDiv(amount, price18, scale)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
