package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericStringToCents(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"49.99", 4999},
		{"1250", 125000},
		{"0.5", 50},
		{"0.00", 0},
		{" 12.30 ", 1230},
		{"19.995", 2000},
		{"19.994", 1999},
		{"-7.25", -725},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := numericStringToCents(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "   ", "USD 10", "1,000.00", "1.2.3"} {
		_, err := numericStringToCents(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestCentsToNumericString(t *testing.T) {
	assert.Equal(t, "49.99", centsToNumericString(4999))
	assert.Equal(t, "0.05", centsToNumericString(5))
	assert.Equal(t, "1250.00", centsToNumericString(125000))
	assert.Equal(t, "-0.99", centsToNumericString(-99))

	// order totals survive a trip through a NUMERIC(12,2) column
	for _, cents := range []int64{1, 99, 4999, 123456789} {
		back, err := numericStringToCents(centsToNumericString(cents))
		require.NoError(t, err)
		assert.Equal(t, cents, back)
	}
}

func TestParseNumeric_CryptoAmounts(t *testing.T) {
	d, err := parseNumeric("0.00214375")
	require.NoError(t, err)
	assert.Equal(t, "0.00214375", d.StringFixed(8))

	d, err = parseNumeric(" 1999.5 ")
	require.NoError(t, err)
	assert.Equal(t, "1999.50000000", d.StringFixed(8))

	_, err = parseNumeric("0.1 BTC")
	assert.Error(t, err)
}

func TestOptionalCents(t *testing.T) {
	assert.Nil(t, optionalCents(nil))

	amount := int64(2500)
	got := optionalCents(&amount)
	require.NotNil(t, got)
	assert.Equal(t, "25.00", *got)
}
