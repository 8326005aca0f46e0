package aggregate

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimmedMeanDropsOutliers(t *testing.T) {
	got, err := TrimmedMean([]float64{1, 2, 3, 4, 100}, 0.2)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got, 1e-9)
}

// A single Byzantine reporter among three cannot move the result outside the
// range of honest values when one third is trimmed.
func TestTrimmedMeanBoundsByzantineInfluence(t *testing.T) {
	honest := []float64{0.70, 0.72, 0.71, 0.69, 0.73, 0.70}
	for _, evil := range []float64{-1e9, 1e9, 0, 1} {
		values := append(append([]float64{}, honest...), evil, evil)
		got, err := TrimmedMean(values, DefaultTrimFraction)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, 0.69)
		assert.LessOrEqual(t, got, 0.73)
	}
}

func TestTrimmedMeanKeepsAtLeastOneValue(t *testing.T) {
	got, err := TrimmedMean([]float64{5}, 0.49)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)

	got, err = TrimmedMean([]float64{1, 9, 5}, DefaultTrimFraction)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
}

func TestTrimmedMeanDoesNotMutateInput(t *testing.T) {
	in := []float64{3, 1, 2}
	_, err := TrimmedMean(in, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1, 2}, in)
}

func TestTrimmedMeanErrors(t *testing.T) {
	_, err := TrimmedMean(nil, 0.1)
	assert.ErrorIs(t, err, ErrEmpty)

	for _, f := range []float64{-0.1, 0.5, 0.9, math.NaN()} {
		_, err := TrimmedMean([]float64{1, 2}, f)
		assert.ErrorIs(t, err, ErrTrimFraction, "fraction %v", f)
	}

	_, err = TrimmedMean([]float64{1, math.Inf(1)}, 0.1)
	assert.True(t, errors.Is(err, ErrNonFinite))
}

func TestMedian(t *testing.T) {
	got, err := Median([]float64{9, 1, 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)

	got, err = Median([]float64{4, 1, 3, 2})
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	_, err = Median(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMedianInt64ReturnsReportedValue(t *testing.T) {
	got, err := MedianInt64([]int64{400, 100, 300, 200})
	require.NoError(t, err)
	assert.Equal(t, int64(200), got)

	got, err = MedianInt64([]int64{7})
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)

	_, err = MedianInt64(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestHasSupermajority(t *testing.T) {
	assert.True(t, HasSupermajority([]bool{true, true, false}, DefaultSupermajority))
	assert.False(t, HasSupermajority([]bool{true, false, false}, DefaultSupermajority))
	assert.False(t, HasSupermajority(nil, DefaultSupermajority))
	assert.True(t, HasSupermajority([]bool{true}, 1))
}

func TestCount(t *testing.T) {
	tally := Count([]bool{true, true, true, false}, DefaultSupermajority, 3)
	assert.Equal(t, Tally{Agree: 3, Disagree: 1, Total: 4, Accepted: true}, tally)

	tally = Count([]bool{true, true}, DefaultSupermajority, 3)
	assert.False(t, tally.Accepted, "below minimum vote count")
}

func TestValidateTrimFraction(t *testing.T) {
	assert.NoError(t, ValidateTrimFraction(0))
	assert.NoError(t, ValidateTrimFraction(DefaultTrimFraction))
	assert.Error(t, ValidateTrimFraction(0.5))
}
