// Package optimization explores a strategy's parameter space by running one
// backtest per combination and ranking the resulting reports.
package optimization

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/stratforge/backtest/pkg/types"
)

// Domain enumerates the candidate values for one parameter.
type Domain interface {
	// Values returns the full candidate list in a stable order.
	Values() []float64
	// Sample draws one candidate at random.
	Sample(rng *rand.Rand) float64
}

// IntegerDomain is an inclusive stepped integer range.
type IntegerDomain struct {
	Min, Max, Step int
}

// NewIntegerDomain validates and builds a stepped integer range.
func NewIntegerDomain(min, max, step int) (IntegerDomain, error) {
	if step <= 0 {
		return IntegerDomain{}, fmt.Errorf("optimization: integer step must be positive, got %d", step)
	}
	if min > max {
		return IntegerDomain{}, fmt.Errorf("optimization: integer range %d..%d is empty", min, max)
	}
	return IntegerDomain{Min: min, Max: max, Step: step}, nil
}

func (d IntegerDomain) Values() []float64 {
	var out []float64
	for v := d.Min; v <= d.Max; v += d.Step {
		out = append(out, float64(v))
	}
	return out
}

func (d IntegerDomain) Sample(rng *rand.Rand) float64 {
	values := d.Values()
	return values[rng.Intn(len(values))]
}

// FloatDomain is a linearly spaced float range with a fixed sample count.
type FloatDomain struct {
	Min, Max   float64
	NumSamples int
}

// NewFloatDomain validates and builds a linearly spaced float range.
func NewFloatDomain(min, max float64, numSamples int) (FloatDomain, error) {
	if numSamples <= 0 {
		return FloatDomain{}, fmt.Errorf("optimization: num_samples must be positive, got %d", numSamples)
	}
	if min > max {
		return FloatDomain{}, fmt.Errorf("optimization: float range %g..%g is empty", min, max)
	}
	return FloatDomain{Min: min, Max: max, NumSamples: numSamples}, nil
}

func (d FloatDomain) Values() []float64 {
	if d.NumSamples == 1 {
		return []float64{d.Min}
	}
	out := make([]float64, d.NumSamples)
	step := (d.Max - d.Min) / float64(d.NumSamples-1)
	for i := range out {
		out[i] = d.Min + float64(i)*step
	}
	return out
}

func (d FloatDomain) Sample(rng *rand.Rand) float64 {
	return d.Min + rng.Float64()*(d.Max-d.Min)
}

// ChoiceDomain is an explicit candidate list.
type ChoiceDomain struct {
	Choices []float64
}

// NewChoiceDomain validates and builds an explicit candidate list.
func NewChoiceDomain(choices []float64) (ChoiceDomain, error) {
	if len(choices) == 0 {
		return ChoiceDomain{}, fmt.Errorf("optimization: choice domain needs at least one value")
	}
	return ChoiceDomain{Choices: choices}, nil
}

func (d ChoiceDomain) Values() []float64 {
	out := make([]float64, len(d.Choices))
	copy(out, d.Choices)
	return out
}

func (d ChoiceDomain) Sample(rng *rand.Rand) float64 {
	return d.Choices[rng.Intn(len(d.Choices))]
}

// Space maps parameter names to their domains.
type Space map[string]Domain

// names returns the parameter names in sorted order so enumeration is
// deterministic regardless of map iteration.
func (s Space) names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size is the number of combinations in the full cross product.
func (s Space) Size() int {
	if len(s) == 0 {
		return 0
	}
	total := 1
	for _, domain := range s {
		total *= len(domain.Values())
	}
	return total
}

// Combinations enumerates the full cross product in a stable order: sorted
// parameter names, last name varying fastest.
func (s Space) Combinations() []types.ParameterSet {
	names := s.names()
	if len(names) == 0 {
		return nil
	}

	out := []types.ParameterSet{{}}
	for _, name := range names {
		values := s[name].Values()
		next := make([]types.ParameterSet, 0, len(out)*len(values))
		for _, partial := range out {
			for _, v := range values {
				combo := partial.Clone()
				combo[name] = v
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}

// SampleN draws n independent random combinations.
func (s Space) SampleN(n int, rng *rand.Rand) []types.ParameterSet {
	names := s.names()
	out := make([]types.ParameterSet, 0, n)
	for i := 0; i < n; i++ {
		combo := make(types.ParameterSet, len(names))
		for _, name := range names {
			combo[name] = s[name].Sample(rng)
		}
		out = append(out, combo)
	}
	return out
}
