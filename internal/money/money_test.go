package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRound2HalfUp(t *testing.T) {
	require.Equal(t, "15.00", MustParse("14.995").Round2().String())
	require.Equal(t, "0.01", MustParse("0.005").Round2().String())
	require.Equal(t, "-0.01", MustParse("-0.005").Round2().String())
}

func TestMulAndCents(t *testing.T) {
	rate := MustParse("310")
	got := rate.Mul(decimal.NewFromFloat(1.5).Div(decimal.NewFromInt(31))).Round2()
	require.Equal(t, int64(1500), got.Cents())
}

func TestMinMaxSum(t *testing.T) {
	a, b := FromCents(150), FromCents(90)
	require.True(t, Min(a, b).Equal(b))
	require.True(t, Max(a, b).Equal(a))
	require.Equal(t, "2.40", Sum(a, b).String())
	require.True(t, Sum().IsZero())
}

func TestJSONRoundTripAcceptsNumbers(t *testing.T) {
	var m Money
	require.NoError(t, json.Unmarshal([]byte(`12.5`), &m))
	require.Equal(t, "12.50", m.String())
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	require.JSONEq(t, `"12.50"`, string(raw))
}
