package optimize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glowback/gateway/internal/schema"
)

func TestGridValuesIntRangeEnumeratesInclusive(t *testing.T) {
	def := schema.ParameterDef{Name: "x", Kind: schema.ParameterIntRange, Low: 1, High: 3}
	require.Equal(t, []any{1, 2, 3}, GridValues(def, 5))
}

func TestGridValuesFloatRangeLinearSpacing(t *testing.T) {
	def := schema.ParameterDef{Name: "x", Kind: schema.ParameterFloatRange, Low: 0, High: 1}
	values := GridValues(def, 5)
	require.Equal(t, []any{0.0, 0.25, 0.5, 0.75, 1.0}, values)
}

func TestGridValuesLogUniformSpacing(t *testing.T) {
	def := schema.ParameterDef{Name: "lr", Kind: schema.ParameterLogUniform, Low: 0.001, High: 0.1}
	values := GridValues(def, 3)
	require.Len(t, values, 3)
	require.InDelta(t, 0.001, values[0].(float64), 1e-9)
	require.InDelta(t, 0.01, values[1].(float64), 1e-6)
	require.InDelta(t, 0.1, values[2].(float64), 1e-9)
}

func TestGridValuesChoiceVerbatim(t *testing.T) {
	def := schema.ParameterDef{Name: "mode", Kind: schema.ParameterChoice, Values: []any{"a", "b", "c"}}
	require.Equal(t, []any{"a", "b", "c"}, GridValues(def, 99))
}

func TestGridCombinationsRowMajorOrder(t *testing.T) {
	space := schema.SearchSpace{Parameters: []schema.ParameterDef{
		{Name: "a", Kind: schema.ParameterIntRange, Low: 1, High: 2},
		{Name: "b", Kind: schema.ParameterChoice, Values: []any{"x", "y"}},
	}}
	combos := GridCombinations(space, 5, 0)
	require.Equal(t, []map[string]any{
		{"a": 1, "b": "x"},
		{"a": 1, "b": "y"},
		{"a": 2, "b": "x"},
		{"a": 2, "b": "y"},
	}, combos)
}

func TestGridCombinationsTruncatedToLimit(t *testing.T) {
	space := schema.SearchSpace{Parameters: []schema.ParameterDef{
		{Name: "a", Kind: schema.ParameterIntRange, Low: 1, High: 10},
		{Name: "b", Kind: schema.ParameterIntRange, Low: 1, High: 10},
	}}
	combos := GridCombinations(space, 5, 7)
	require.Len(t, combos, 7)
	require.Equal(t, map[string]any{"a": 1, "b": 7}, combos[6])
}

func TestSampleOneRespectsBounds(t *testing.T) {
	sampler := NewSampler(rand.New(rand.NewSource(7)))

	for i := 0; i < 200; i++ {
		v := sampler.SampleOne(schema.ParameterDef{Kind: schema.ParameterFloatRange, Low: -2, High: 3}).(float64)
		require.GreaterOrEqual(t, v, -2.0)
		require.LessOrEqual(t, v, 3.0)

		n := sampler.SampleOne(schema.ParameterDef{Kind: schema.ParameterIntRange, Low: 1, High: 6}).(int)
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, 6)

		lg := sampler.SampleOne(schema.ParameterDef{Kind: schema.ParameterLogUniform, Low: 0.01, High: 10}).(float64)
		require.GreaterOrEqual(t, lg, 0.01-1e-9)
		require.LessOrEqual(t, lg, 10+1e-6)

		c := sampler.SampleOne(schema.ParameterDef{Kind: schema.ParameterChoice, Values: []any{"a", "b"}})
		require.Contains(t, []any{"a", "b"}, c)
	}
}

func TestSamplerSeededDeterminism(t *testing.T) {
	space := schema.SearchSpace{Parameters: []schema.ParameterDef{
		{Name: "x", Kind: schema.ParameterFloatRange, Low: 0, High: 1},
		{Name: "n", Kind: schema.ParameterIntRange, Low: 1, High: 100},
	}}

	first := NewSampler(rand.New(rand.NewSource(42))).SampleAssignment(space)
	second := NewSampler(rand.New(rand.NewSource(42))).SampleAssignment(space)
	require.Equal(t, first, second)
}

func TestRound6(t *testing.T) {
	require.Equal(t, 0.123457, round6(0.1234567))
	require.Equal(t, math.Round(1e6/3.0)/1e6, round6(1.0/3.0))
}
