package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHarvest_Domain_ParseAccount(t *testing.T) {
	t.Parallel()

	valid := []string{"seedsuseraaa", "org.one", "a", "first.user5"}
	for _, s := range valid {
		_, err := ParseAccount(s)
		require.NoError(t, err, "account %q", s)
	}

	invalid := []string{"", "Seeds", "6user", "waytoolongaccount", "user_x", "0"}
	for _, s := range invalid {
		_, err := ParseAccount(s)
		require.ErrorIs(t, err, ErrMalformedDirective, "account %q", s)
	}
}

func TestHarvest_Domain_ParseAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		units int64
		ok    bool
	}{
		{"500.0000 SEEDS", 5000000, true},
		{"0.0001 SEEDS", 1, true},
		{"-3.5000 SEEDS", -35000, true},
		{"1777.0000 SEEDS", 17770000, true},
		{"500 SEEDS", 0, false},
		{"500.00 SEEDS", 0, false},
		{"500.0000 EOS", 0, false},
		{"500.0000", 0, false},
		{"abc.0000 SEEDS", 0, false},
	}
	for _, tc := range tests {
		got, err := ParseAmount(tc.in)
		if !tc.ok {
			require.ErrorIs(t, err, ErrInvalidAmount, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, Amount(tc.units), got, "input %q", tc.in)
	}
}

func TestHarvest_Domain_AmountString_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"500.0000 SEEDS", "0.0001 SEEDS", "-3.5000 SEEDS", "0.0000 SEEDS"} {
		a, err := ParseAmount(s)
		require.NoError(t, err)
		require.Equal(t, s, a.String())
	}
}

func TestHarvest_Domain_AmountSub_Insufficient(t *testing.T) {
	t.Parallel()

	a := NewAmount(100)
	_, err := a.Sub(NewAmount(101))
	require.ErrorIs(t, err, ErrInsufficientStake)

	got, err := a.Sub(NewAmount(100))
	require.NoError(t, err)
	require.Equal(t, Amount(0), got)
}

func TestHarvest_Domain_Twelfths_Conservation(t *testing.T) {
	t.Parallel()

	// Awkward principals must still telescope back to the exact principal
	// over a full 12-period sequence.
	for _, principal := range []Amount{NewAmount(100), 1000007, 11, 12, 13, NewAmount(1) - 1} {
		var released Amount
		for n := 1; n <= 12; n++ {
			released += principal.Twelfths(n) - principal.Twelfths(n-1)
		}
		require.Equal(t, principal, released, "principal %d", principal)
	}
}
