package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundHalfUp(t *testing.T) {
	require.InDelta(t, 2.68, Round(2.675, 2), 1e-9)
	require.InDelta(t, 2.67, Round(2.674, 2), 1e-9)
	require.InDelta(t, -2.68, Round(-2.675, 2), 1e-9)
	require.InDelta(t, 100.0, Round(99.999, 2), 1e-9)
}

func TestRoundPrecisionZero(t *testing.T) {
	require.InDelta(t, 3.0, Round(2.5, 0), 1e-9)
	require.InDelta(t, 2.0, Round(2.4, 0), 1e-9)
}

func TestIsZeroTolerance(t *testing.T) {
	require.True(t, IsZero(0, 2))
	require.True(t, IsZero(0.0049, 2))
	require.True(t, IsZero(-0.0049, 2))
	require.False(t, IsZero(0.005, 2))
	require.False(t, IsZero(0.01, 2))

	// A 1e-7 unit delta over 1000 units is invisible at 2 decimals.
	require.True(t, IsZero(1e-7*1000, 2))
}

func TestCompare(t *testing.T) {
	require.Equal(t, 0, Compare(1.001, 1.0049, 2))
	require.Equal(t, -1, Compare(1.0, 1.01, 2))
	require.Equal(t, 1, Compare(1.02, 1.0, 2))
}

func TestMinMax(t *testing.T) {
	require.Equal(t, 1.5, Min(1.5, 2.0))
	require.Equal(t, 2.0, Max(1.5, 2.0))
}
