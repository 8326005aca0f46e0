// Package aggregate provides Byzantine-robust reductions over values reported
// by peers that may be faulty or malicious.
package aggregate

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/slices"
)

const (
	// DefaultTrimFraction tolerates up to one third faulty reporters.
	DefaultTrimFraction = 1.0 / 3.0
	// DefaultSupermajority is the share of agreeing votes required for acceptance.
	DefaultSupermajority = 2.0 / 3.0
)

var (
	// ErrEmpty is returned when a reduction receives no values.
	ErrEmpty = errors.New("aggregate: no values")
	// ErrTrimFraction is returned for trim fractions outside [0, 0.5).
	ErrTrimFraction = errors.New("aggregate: trim fraction must be in [0, 0.5)")
	// ErrNonFinite is returned when a value is NaN or infinite.
	ErrNonFinite = errors.New("aggregate: non-finite value")
)

// ValidateTrimFraction checks that f leaves at least one value after trimming.
func ValidateTrimFraction(f float64) error {
	if math.IsNaN(f) || f < 0 || f >= 0.5 {
		return fmt.Errorf("%w: got %v", ErrTrimFraction, f)
	}
	return nil
}

func sortedCopy(values []float64) ([]float64, error) {
	if len(values) == 0 {
		return nil, ErrEmpty
	}
	out := make([]float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w at index %d", ErrNonFinite, i)
		}
		out[i] = v
	}
	slices.Sort(out)
	return out, nil
}

// TrimmedMean sorts values, drops floor(n*trimFraction) from each tail and
// returns the mean of the rest. The input slice is not modified.
func TrimmedMean(values []float64, trimFraction float64) (float64, error) {
	if err := ValidateTrimFraction(trimFraction); err != nil {
		return 0, err
	}
	sorted, err := sortedCopy(values)
	if err != nil {
		return 0, err
	}
	k := int(math.Floor(float64(len(sorted)) * trimFraction))
	kept := sorted[k : len(sorted)-k]

	var sum float64
	for _, v := range kept {
		sum += v
	}
	return sum / float64(len(kept)), nil
}

// Median returns the middle value, or the mean of the two middle values for
// even-length input.
func Median(values []float64) (float64, error) {
	sorted, err := sortedCopy(values)
	if err != nil {
		return 0, err
	}
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2], nil
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2, nil
}

// MedianInt64 is Median for integer timestamps. For even-length input the
// lower middle value is returned so the result is always a reported value.
func MedianInt64(values []int64) (int64, error) {
	if len(values) == 0 {
		return 0, ErrEmpty
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return sorted[(len(sorted)-1)/2], nil
}

// HasSupermajority reports whether the share of true votes is at least
// threshold. An empty vote set never has a supermajority.
func HasSupermajority(votes []bool, threshold float64) bool {
	if len(votes) == 0 {
		return false
	}
	yes := 0
	for _, v := range votes {
		if v {
			yes++
		}
	}
	return float64(yes)/float64(len(votes)) >= threshold
}

// Tally summarizes a vote.
type Tally struct {
	Agree    int  `json:"agree"`
	Disagree int  `json:"disagree"`
	Total    int  `json:"total"`
	Accepted bool `json:"accepted"`
}

// Count tallies votes against threshold. Accepted requires at least minVotes
// votes and a supermajority of agreement.
func Count(votes []bool, threshold float64, minVotes int) Tally {
	t := Tally{Total: len(votes)}
	for _, v := range votes {
		if v {
			t.Agree++
		} else {
			t.Disagree++
		}
	}
	t.Accepted = t.Total >= minVotes && HasSupermajority(votes, threshold)
	return t
}
