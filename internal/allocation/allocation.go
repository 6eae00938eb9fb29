// Package allocation converts milestone percentages into exact amounts in
// the ledger's smallest currency unit.
package allocation

import (
	"fmt"
	"math/big"
	"strings"

	"milestonepay/internal/escrowerr"
)

// Percent is a percentage held in basis points (hundredths of a percent).
type Percent int

const (
	// Full is 100%.
	Full Percent = 10000

	maxPercentDecimals = 2
)

var (
	bpsDenominator = big.NewInt(int64(Full))
	halfDenom      = big.NewInt(int64(Full) / 2)
)

// String formats p as a decimal percentage, e.g. 3333 -> "33.33".
func (p Percent) String() string {
	sign := ""
	v := int(p)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole, frac := v/100, v%100
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	return strings.TrimRight(fmt.Sprintf("%s%d.%02d", sign, whole, frac), "0")
}

// ParsePercent parses a decimal percentage with at most two fractional digits.
func ParsePercent(s string) (Percent, error) {
	n, err := parseFixed(strings.TrimSpace(s), maxPercentDecimals)
	if err != nil {
		return 0, &escrowerr.ValidationError{Field: "percentage", Reason: err.Error()}
	}
	if !n.IsInt64() || n.Sign() < 0 || n.Int64() > int64(Full) {
		return 0, &escrowerr.ValidationError{Field: "percentage", Reason: fmt.Sprintf("%q is outside [0, 100]", s)}
	}
	return Percent(n.Int64()), nil
}

// ValidatePercentSum checks that percents add up to exactly 100.
func ValidatePercentSum(percents []Percent) error {
	if len(percents) == 0 {
		return &escrowerr.ValidationError{Field: "milestones", Reason: "at least one milestone is required"}
	}
	var sum Percent
	for _, p := range percents {
		sum += p
	}
	if sum != Full {
		return &escrowerr.ValidationError{
			Field:  "milestones",
			Reason: fmt.Sprintf("percentages sum to %s, expected 100", sum),
		}
	}
	return nil
}

// Allocate splits total across percents. Each share is rounded half up and the
// rounding remainder, which may be negative, lands on the last element so the
// result always sums to total.
func Allocate(percents []Percent, total *big.Int) ([]*big.Int, error) {
	if len(percents) == 0 {
		return nil, &escrowerr.ValidationError{Field: "milestones", Reason: "at least one milestone is required"}
	}
	if total == nil || total.Sign() <= 0 {
		return nil, &escrowerr.ValidationError{Field: "total", Reason: "must be positive"}
	}

	amounts := make([]*big.Int, len(percents))
	sum := new(big.Int)
	for i, p := range percents {
		if p < 0 || p > Full {
			return nil, &escrowerr.ValidationError{
				Field:  fmt.Sprintf("milestones[%d].percentage", i),
				Reason: fmt.Sprintf("%s is outside [0, 100]", p),
			}
		}
		a := new(big.Int).Mul(total, big.NewInt(int64(p)))
		a.Add(a, halfDenom)
		a.Quo(a, bpsDenominator)
		amounts[i] = a
		sum.Add(sum, a)
	}

	remainder := new(big.Int).Sub(total, sum)
	last := amounts[len(amounts)-1]
	last.Add(last, remainder)
	if last.Sign() < 0 {
		return nil, &escrowerr.ValidationError{
			Field:  "milestones",
			Reason: "percentages leave a negative amount on the last milestone",
		}
	}
	return amounts, nil
}

// Sum adds amounts; nil entries count as zero.
func Sum(amounts []*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// ParseAmount converts a decimal currency string such as "1.5" into smallest
// units with the given number of decimals.
func ParseAmount(s string, decimals int) (*big.Int, error) {
	n, err := parseFixed(strings.TrimSpace(s), decimals)
	if err != nil {
		return nil, &escrowerr.ValidationError{Field: "amount", Reason: err.Error()}
	}
	if n.Sign() <= 0 {
		return nil, &escrowerr.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return n, nil
}

// FormatAmount renders v in whole units; trailing zeros are trimmed.
func FormatAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	if decimals <= 0 {
		return v.String()
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// parseFixed parses a plain decimal string into an integer scaled by 10^decimals.
func parseFixed(s string, decimals int) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("no digits")
	}
	if hasDot && frac == "" {
		return nil, fmt.Errorf("trailing decimal point")
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, fmt.Errorf("%q is not a decimal number", s)
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("at most %d decimal places allowed", decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal number", s)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
