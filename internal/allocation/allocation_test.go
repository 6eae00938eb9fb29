package allocation

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/escrowerr"
)

func strs(vals ...int64) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = big.NewInt(v).String()
	}
	return out
}

func asStrings(amounts []*big.Int) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}

func pct(vals ...float64) []Percent {
	out := make([]Percent, len(vals))
	for i, v := range vals {
		out[i] = Percent(v*100 + 0.5)
	}
	return out
}

func TestAllocateScenarios(t *testing.T) {
	cases := []struct {
		name     string
		percents []Percent
		total    int64
		want     []string
	}{
		{"even split", pct(30, 30, 40), 100, strs(30, 30, 40)},
		{"thirds of 100", pct(33, 33, 34), 100, strs(33, 33, 34)},
		{"thirds of 10", pct(33, 33, 34), 10, strs(3, 3, 4)},
		{"single milestone", pct(100), 7, strs(7)},
		{"fractional percents", pct(33.33, 33.33, 33.34), 1, strs(0, 0, 1)},
		{"zero percent entry", pct(0, 100), 9, strs(0, 9)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Allocate(c.percents, big.NewInt(c.total))
			require.NoError(t, err)
			assert.Equal(t, c.want, asStrings(got))
			assert.Equal(t, 0, Sum(got).Cmp(big.NewInt(c.total)))
		})
	}
}

func TestAllocateConservesLargeTotals(t *testing.T) {
	total, _ := new(big.Int).SetString("123456789012345678901234567", 10)
	percents := pct(12.5, 17.77, 0.01, 33.33, 36.39)
	require.NoError(t, ValidatePercentSum(percents))

	got, err := Allocate(percents, total)
	require.NoError(t, err)
	assert.Equal(t, 0, Sum(got).Cmp(total))
	for _, a := range got {
		assert.GreaterOrEqual(t, a.Sign(), 0)
	}
}

func TestAllocateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		percents []Percent
		total    *big.Int
	}{
		{"empty list", nil, big.NewInt(100)},
		{"nil total", pct(100), nil},
		{"zero total", pct(100), big.NewInt(0)},
		{"negative total", pct(100), big.NewInt(-5)},
		{"percent above 100", []Percent{10001}, big.NewInt(100)},
		{"negative percent", []Percent{-1, 10001}, big.NewInt(100)},
		{"negative last amount", pct(100, 100, 0), big.NewInt(1)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Allocate(c.percents, c.total)
			var ve *escrowerr.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestValidatePercentSum(t *testing.T) {
	assert.NoError(t, ValidatePercentSum(pct(33.33, 33.33, 33.34)))
	assert.Error(t, ValidatePercentSum(pct(50, 49.99)))
	assert.Error(t, ValidatePercentSum(nil))
}

func TestParsePercent(t *testing.T) {
	good := map[string]Percent{"0": 0, "100": 10000, "33.33": 3333, "12.5": 1250, " 7 ": 700, ".5": 50}
	for in, want := range good {
		got, err := ParsePercent(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "abc", "33.333", "100.01", "-1", "1.", "1e2"} {
		_, err := ParsePercent(in)
		assert.Error(t, err, in)
	}
}

func TestPercentString(t *testing.T) {
	assert.Equal(t, "33.33", Percent(3333).String())
	assert.Equal(t, "33.3", Percent(3330).String())
	assert.Equal(t, "100", Percent(10000).String())
	assert.Equal(t, "0.05", Percent(5).String())
}

func TestParseAndFormatAmount(t *testing.T) {
	wei, err := ParseAmount("1.5", 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wei.String())
	assert.Equal(t, "1.5", FormatAmount(wei, 18))

	one, err := ParseAmount("0.000000000000000001", 18)
	require.NoError(t, err)
	assert.Equal(t, "1", one.String())
	assert.Equal(t, "0.000000000000000001", FormatAmount(one, 18))

	assert.Equal(t, "42", FormatAmount(big.NewInt(42), 0))
	assert.Equal(t, "0", FormatAmount(nil, 18))

	for _, in := range []string{"0", "-1", "1.0000000000000000001", "one"} {
		_, err := ParseAmount(in, 18)
		assert.Error(t, err, in)
	}
}
