package pid

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	coreerrors "ratecontrol/core/errors"
)

// Decimals is the number of fractional digits carried by fixed-point values.
const Decimals = 18

var (
	// One is 1.0 in fixed-point representation.
	One     = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	maxRate = new(big.Int).SetUint64(^uint64(0))
)

// mulFixed returns a*b/1e18, truncating toward zero.
func mulFixed(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, One)
}

func clamp(v, lower, upper *big.Int) *big.Int {
	out := new(big.Int).Set(v)
	if lower != nil && out.Cmp(lower) < 0 {
		out.Set(lower)
	}
	if upper != nil && out.Cmp(upper) > 0 {
		out.Set(upper)
	}
	return out
}

// ParseFixed converts a decimal string such as "0.02" or "-1.5" into a 1e18
// fixed-point integer. More than eighteen fractional digits is an error.
func ParseFixed(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("pid: empty fixed-point value: %w", coreerrors.ErrInvalidConfig)
	}
	negative := false
	switch trimmed[0] {
	case '-':
		negative = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("pid: invalid fixed-point value %q: %w", value, coreerrors.ErrInvalidConfig)
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("pid: %q exceeds %d decimals: %w", value, Decimals, coreerrors.ErrInvalidConfig)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", Decimals-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("pid: invalid fixed-point value %q: %w", value, coreerrors.ErrInvalidConfig)
		}
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("pid: invalid fixed-point value %q: %w", value, coreerrors.ErrInvalidConfig)
	}
	if negative {
		out.Neg(out)
	}
	return out, nil
}

// FormatFixed renders a fixed-point integer as a decimal string without
// trailing zeros.
func FormatFixed(v *big.Int) string {
	if v == nil {
		return "0"
	}
	abs := new(big.Int).Abs(v)
	whole, frac := new(big.Int).QuoRem(abs, One, new(big.Int))
	out := whole.String()
	if frac.Sign() != 0 {
		fracStr := frac.String()
		fracStr = strings.Repeat("0", Decimals-len(fracStr)) + fracStr
		out += "." + strings.TrimRight(fracStr, "0")
	}
	if v.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// ToRate converts a controller output into an unsigned rate. Outputs outside
// the uint64 range indicate output bounds that cannot describe a rate.
func ToRate(output *big.Int) (uint64, error) {
	if output == nil {
		return 0, fmt.Errorf("pid: nil output: %w", coreerrors.ErrInvalidConfig)
	}
	if output.Sign() < 0 || output.Cmp(maxRate) > 0 {
		return 0, fmt.Errorf("pid: output %s not representable as a rate: %w", output.String(), coreerrors.ErrInvalidConfig)
	}
	return output.Uint64(), nil
}

// ClampChange limits the move from previous to proposed to at most
// maxIncrease upwards and maxDecrease downwards. The bounds saturate at zero
// and at the largest uint64.
func ClampChange(previous, proposed, maxIncrease, maxDecrease uint64) uint64 {
	prev := uint256.NewInt(previous)
	next := uint256.NewInt(proposed)
	switch next.Cmp(prev) {
	case 1:
		ceiling := new(uint256.Int).Add(prev, uint256.NewInt(maxIncrease))
		if !ceiling.IsUint64() {
			return proposed
		}
		if next.Gt(ceiling) {
			return ceiling.Uint64()
		}
	case -1:
		if maxDecrease >= previous {
			return proposed
		}
		floor := new(uint256.Int).Sub(prev, uint256.NewInt(maxDecrease))
		if next.Lt(floor) {
			return floor.Uint64()
		}
	}
	return proposed
}
