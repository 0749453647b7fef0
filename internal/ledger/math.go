package ledger

import (
	"math/big"
	"sync"
)

// Pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MulDiv computes a * b / denom using a 128-bit intermediate to prevent
// overflow of the product. Truncates toward zero; callers hand the rounding
// residual to a designated absorber. Panics on a zero denominator, matching
// the native integer behaviour.
func MulDiv(a, b, denom int64) int64 {
	if denom == 0 {
		panic("ledger: MulDiv by zero")
	}

	product := getInt128()
	product.Mul(big.NewInt(a), big.NewInt(b))

	quotient := getInt128()
	quotient.Quo(product, big.NewInt(denom))
	result := quotient.Int64()

	putInt128(product)
	putInt128(quotient)
	return result
}
