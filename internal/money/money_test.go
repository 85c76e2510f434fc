package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_AddSameCurrency(t *testing.T) {
	a := MustParse("10.00", "usd")
	b := MustParse("15.50", "USD")

	sum, err := a.Add(b)

	require.NoError(t, err)
	assert.Equal(t, "USD", sum.Currency())
	assert.True(t, sum.Equal(MustParse("25.50", "USD")))
}

func TestMoney_AddCurrencyMismatch(t *testing.T) {
	_, err := MustParse("1", "USD").Add(MustParse("1", "EUR"))

	assert.True(t, errors.Is(err, ErrCurrencyMismatch))
}

func TestMoney_MulAndSum(t *testing.T) {
	lines := []Money{MustParse("10", "USD").Mul(2), MustParse("15", "USD").Mul(1)}

	total, err := Sum("USD", lines...)

	require.NoError(t, err)
	assert.True(t, total.Equal(MustParse("35", "USD")))
	assert.Equal(t, int64(3500), total.MinorUnits())
}

func TestMoney_MinorUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     int64
	}{
		{"cents", "10.99", "USD", 1099},
		{"zero decimal currency", "1500", "JPY", 1500},
		{"three decimal currency", "1.234", "KWD", 1234},
		{"rounds half away from zero", "0.125", "EUR", 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MustParse(tt.amount, tt.currency).MinorUnits())
		})
	}
}

func TestMoney_FromMinor(t *testing.T) {
	m, err := FromMinor(3500, "USD")

	require.NoError(t, err)
	assert.Equal(t, "35.00 USD", m.String())
}

func TestMoney_InvalidCurrency(t *testing.T) {
	_, err := Parse("1", "US")
	assert.True(t, errors.Is(err, ErrInvalidCurrency))

	_, err = Parse("1", "U$D")
	assert.True(t, errors.Is(err, ErrInvalidCurrency))
}

func TestMoney_JSON(t *testing.T) {
	raw, err := json.Marshal(MustParse("35", "USD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"35.00","currency":"USD"}`, string(raw))

	var m Money
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.True(t, m.Equal(MustParse("35", "USD")))
}
