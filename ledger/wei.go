package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// Monetary values cross the gateway in the ledger's native integer unit (wei).
// Conversion to and from the human decimal unit happens only here, with exact
// base-10 scaling. Floating point is never involved.

const weiDecimals = 18

var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(weiDecimals), nil)

// ParseAmount converts a decimal display-unit string such as "0.02" into wei.
// At most 18 fractional digits are accepted.
func ParseAmount(display string) (*big.Int, error) {
	trimmed := strings.TrimSpace(display)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("amount %q must not be negative", display)
	}
	whole := trimmed
	frac := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole, frac = trimmed[:idx], trimmed[idx+1:]
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", display)
	}
	// Both parts must be bare digit runs. SetString alone is too lenient: it
	// accepts a sign inside the fractional part, which would silently subtract
	// from the whole part.
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("invalid amount %q", display)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > weiDecimals {
		return nil, fmt.Errorf("amount %q exceeds %d fractional digits", display, weiDecimals)
	}
	wholePart, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", display)
	}
	result := new(big.Int).Mul(wholePart, weiPerUnit)
	if frac != "" {
		fracPart, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", display)
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(weiDecimals-len(frac))), nil)
		result.Add(result, fracPart.Mul(fracPart, scale))
	}
	return result, nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatAmount converts wei into the display-unit decimal string, trimming
// trailing fractional zeros. FormatAmount and ParseAmount round-trip exactly.
func FormatAmount(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	abs := new(big.Int).Abs(wei)
	quo, rem := new(big.Int).QuoRem(abs, weiPerUnit, new(big.Int))
	sign := ""
	if wei.Sign() < 0 {
		sign = "-"
	}
	if rem.Sign() == 0 {
		return sign + quo.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%018s", rem.String()), "0")
	return fmt.Sprintf("%s%s.%s", sign, quo.String(), frac)
}
