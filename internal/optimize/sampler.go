package optimize

import (
	"math"
	"math/rand"

	"github.com/glowback/gateway/internal/schema"
)

// Sampler turns parameter definitions into concrete value assignments.
// Sampling has no guaranteed determinism by default; callers needing
// reproducible draws inject a seeded source.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler constructs a sampler around the given source. A nil source
// selects a time-seeded one.
func NewSampler(rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Sampler{rng: rng}
}

// SampleOne draws a single value for the parameter definition.
func (s *Sampler) SampleOne(def schema.ParameterDef) any {
	switch def.Kind {
	case schema.ParameterFloatRange:
		return round6(def.Low + s.rng.Float64()*(def.High-def.Low))
	case schema.ParameterIntRange:
		low, high := int(def.Low), int(def.High)
		return low + s.rng.Intn(high-low+1)
	case schema.ParameterLogUniform:
		logLow, logHigh := math.Log(def.Low), math.Log(def.High)
		return round6(math.Exp(logLow + s.rng.Float64()*(logHigh-logLow)))
	case schema.ParameterChoice:
		return def.Values[s.rng.Intn(len(def.Values))]
	}
	return nil
}

// SampleAssignment draws one value per parameter in the search space.
func (s *Sampler) SampleAssignment(space schema.SearchSpace) map[string]any {
	params := make(map[string]any, len(space.Parameters))
	for _, def := range space.Parameters {
		params[def.Name] = s.SampleOne(def)
	}
	return params
}

// GridValues discretizes one parameter: every integer for int ranges, steps
// evenly spaced points (linear or log space) for continuous kinds, and the
// enumerated set verbatim for choices.
func GridValues(def schema.ParameterDef, steps int) []any {
	switch def.Kind {
	case schema.ParameterIntRange:
		low, high := int(def.Low), int(def.High)
		out := make([]any, 0, high-low+1)
		for v := low; v <= high; v++ {
			out = append(out, v)
		}
		return out
	case schema.ParameterFloatRange:
		out := make([]any, 0, steps)
		for i := 0; i < steps; i++ {
			out = append(out, round6(def.Low+float64(i)*(def.High-def.Low)/float64(steps-1)))
		}
		return out
	case schema.ParameterLogUniform:
		logLow, logHigh := math.Log(def.Low), math.Log(def.High)
		out := make([]any, 0, steps)
		for i := 0; i < steps; i++ {
			out = append(out, round6(math.Exp(logLow+float64(i)*(logHigh-logLow)/float64(steps-1))))
		}
		return out
	case schema.ParameterChoice:
		out := make([]any, len(def.Values))
		copy(out, def.Values)
		return out
	}
	return nil
}

// GridCombinations expands the cartesian product of every parameter's grid
// in row-major order (the last parameter varies fastest), truncated to limit.
func GridCombinations(space schema.SearchSpace, steps, limit int) []map[string]any {
	names := make([]string, 0, len(space.Parameters))
	axes := make([][]any, 0, len(space.Parameters))
	total := 1
	for _, def := range space.Parameters {
		values := GridValues(def, steps)
		if len(values) == 0 {
			return nil
		}
		names = append(names, def.Name)
		axes = append(axes, values)
		total *= len(values)
	}
	if limit > 0 && total > limit {
		total = limit
	}

	combos := make([]map[string]any, 0, total)
	indices := make([]int, len(axes))
	for len(combos) < total {
		combo := make(map[string]any, len(axes))
		for i, name := range names {
			combo[name] = axes[i][indices[i]]
		}
		combos = append(combos, combo)

		// odometer increment, last axis fastest
		for i := len(indices) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(axes[i]) {
				break
			}
			indices[i] = 0
		}
	}
	return combos
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
