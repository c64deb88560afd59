package decimal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitExact(t *testing.T) {
	n := FromInt(1000)
	ratios := []Fixed{
		FromRatio(40, 100),
		FromRatio(58, 100),
		FromRatio(2, 1000),
		FromRatio(18, 1000),
	}
	parts, err := SplitExact(n, ratios)
	require.NoError(t, err)
	want := []int64{400, 580, 2, 18}
	sum := Zero()
	for i, p := range parts {
		require.Equal(t, FromInt(want[i]).String(), p.String(), "part %d", i)
		sum = sum.Add(p)
	}
	require.Equal(t, 0, sum.Cmp(n))
}

func TestSplitExactZero(t *testing.T) {
	n := Zero()
	ratios := []Fixed{FromRatio(1, 2), FromRatio(1, 2)}
	parts, err := SplitExact(n, ratios)
	require.NoError(t, err)
	for _, p := range parts {
		require.True(t, p.IsZero(), "expected zero part, got %s", p)
	}
}

func TestSplitExactBadRatios(t *testing.T) {
	_, err := SplitExact(FromInt(100), []Fixed{FromRatio(1, 2)})
	require.Error(t, err, "expected error for ratios not summing to 1")
}

func TestAddNoSaturation(t *testing.T) {
	a := FromInt(5)
	b := FromInt(3)
	require.Equal(t, "8.000000", a.Add(b).String())
}
