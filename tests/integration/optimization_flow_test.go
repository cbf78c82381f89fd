package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glowback/gateway/internal/schema"
)

func TestOptimizationRandomSearchEndToEnd(t *testing.T) {
	g := startGateway(t, nil)

	var created schema.OptimizationStatus
	code := g.postJSON(t, "/optimizations", sampleOptimization(6), &created)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, created.OptimizationID)
	require.Equal(t, schema.OptimizationPending, created.State)

	final := g.awaitOptimizationTerminal(t, created.OptimizationID)
	require.Equal(t, schema.OptimizationCompleted, final.State)
	require.Equal(t, 6, final.TrialsCompleted)
	require.Zero(t, final.TrialsFailed)
	require.NotNil(t, final.BestTrial)

	var result schema.OptimizationResult
	code = g.getJSON(t, "/optimizations/"+created.OptimizationID+"/results", &result)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, result.AllTrials, 6)

	best := result.BestTrial
	require.NotNil(t, best)
	require.NotNil(t, best.Objective)
	for _, trial := range result.AllTrials {
		require.Equal(t, schema.TrialCompleted, trial.Status)
		require.NotNil(t, trial.Objective)
		require.LessOrEqual(t, *trial.Objective, *best.Objective)

		lookback, ok := trial.Parameters["lookback"].(float64)
		require.True(t, ok)
		require.GreaterOrEqual(t, lookback, 5.0)
		require.LessOrEqual(t, lookback, 30.0)

		threshold, ok := trial.Parameters["threshold"].(float64)
		require.True(t, ok)
		require.GreaterOrEqual(t, threshold, 0.1)
		require.LessOrEqual(t, threshold, 0.9)
	}
}

func TestOptimizationGridSearchEnumeratesSpace(t *testing.T) {
	g := startGateway(t, nil)

	req := map[string]any{
		"name": "grid sweep",
		"search_space": map[string]any{
			"parameters": []map[string]any{
				{"name": "lookback", "kind": "int_range", "low": 1, "high": 3},
			},
		},
		"strategy":         "grid",
		"max_trials":       10,
		"objective_metric": "sharpe_ratio",
		"direction":        "maximize",
	}
	var created schema.OptimizationStatus
	code := g.postJSON(t, "/optimizations", req, &created)
	require.Equal(t, http.StatusCreated, code)

	final := g.awaitOptimizationTerminal(t, created.OptimizationID)
	require.Equal(t, schema.OptimizationCompleted, final.State)
	require.Equal(t, 3, final.TrialsCompleted)

	var result schema.OptimizationResult
	g.getJSON(t, "/optimizations/"+created.OptimizationID+"/results", &result)
	seen := make(map[float64]bool)
	for _, trial := range result.AllTrials {
		v, ok := trial.Parameters["lookback"].(float64)
		require.True(t, ok)
		seen[v] = true
	}
	require.Equal(t, map[float64]bool{1: true, 2: true, 3: true}, seen)
}

func TestOptimizationCancelMidFlight(t *testing.T) {
	g := startGateway(t, func(o *gatewayOptions) { o.trialDelay = 100 * time.Millisecond })

	req := sampleOptimization(40)
	req["concurrency"] = 1
	var created schema.OptimizationStatus
	code := g.postJSON(t, "/optimizations", req, &created)
	require.Equal(t, http.StatusCreated, code)

	require.Eventually(t, func() bool {
		var status schema.OptimizationStatus
		g.getJSON(t, "/optimizations/"+created.OptimizationID, &status)
		return status.State == schema.OptimizationRunning
	}, 5*time.Second, 5*time.Millisecond)

	var cancelled schema.OptimizationStatus
	code = g.postJSON(t, "/optimizations/"+created.OptimizationID+"/cancel", nil, &cancelled)
	require.Equal(t, http.StatusOK, code)

	final := g.awaitOptimizationTerminal(t, created.OptimizationID)
	require.Equal(t, schema.OptimizationCancelled, final.State)
	require.Less(t, final.TrialsCompleted, 40)

	code = g.postJSON(t, "/optimizations/"+created.OptimizationID+"/cancel", nil, nil)
	require.Equal(t, http.StatusConflict, code)
}
