// Package integration exercises the assembled gateway end to end: real HTTP
// edge, real stores, simulated engine.
package integration

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/glowback/gateway/internal/engine"
	"github.com/glowback/gateway/internal/notify"
	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/optimize"
	"github.com/glowback/gateway/internal/ratelimit"
	"github.com/glowback/gateway/internal/runstore"
	"github.com/glowback/gateway/internal/schema"
	"github.com/glowback/gateway/internal/server"
	"github.com/glowback/gateway/lib/async"
)

// gatewayOptions tune the assembled stack per scenario.
type gatewayOptions struct {
	engineSteps   int
	engineRate    float64
	trialDelay    time.Duration
	rateLimit     int
	rateWindow    time.Duration
	apiKeys       []string
	withoutEngine bool
}

func defaultGatewayOptions() gatewayOptions {
	return gatewayOptions{
		engineSteps: 5,
		engineRate:  1000,
		trialDelay:  time.Millisecond,
		rateLimit:   1000,
		rateWindow:  time.Minute,
	}
}

// gateway is a fully wired in-process gateway behind an httptest server.
type gateway struct {
	runs    *runstore.Store
	opts    *optimize.Store
	metrics *observability.RuntimeMetrics
	srv     *httptest.Server
}

func startGateway(t *testing.T, tune func(*gatewayOptions)) *gateway {
	t.Helper()
	options := defaultGatewayOptions()
	if tune != nil {
		tune(&options)
	}

	metrics := observability.NewRuntimeMetrics()
	runs := runstore.New(runstore.WithMetrics(metrics))
	opts := optimize.New(
		optimize.WithMetrics(metrics),
		optimize.WithExecutor(optimize.NewSimulatedExecutor(options.trialDelay, nil)),
	)

	var adapter engine.Adapter
	if !options.withoutEngine {
		adapter = engine.NewSimulated(runs,
			engine.WithSteps(options.engineSteps),
			engine.WithStepRate(options.engineRate),
		)
	} else {
		adapter = noopAdapter{}
	}

	limiter := ratelimit.New(options.rateLimit, options.rateWindow, ratelimit.WithMetrics(metrics))
	t.Cleanup(func() { _ = limiter.Close() })

	jobs, err := async.NewPool(8, 16)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	})

	handler := server.NewHandler(server.Deps{
		Runs:     runs,
		Opts:     opts,
		Adapter:  adapter,
		Notifier: notify.New(),
		Limiter:  limiter,
		Metrics:  metrics,
		Jobs:     jobs,
		APIKeys:  options.apiKeys,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &gateway{runs: runs, opts: opts, metrics: metrics, srv: srv}
}

type noopAdapter struct{}

func (noopAdapter) Run(context.Context, string, schema.BacktestRequest) {}

func (g *gateway) url(path string) string { return g.srv.URL + path }

func (g *gateway) postJSON(t *testing.T, path string, payload any, out any) int {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(g.url(path), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (g *gateway) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(g.url(path))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// submitBacktest creates a run and returns its initial status.
func (g *gateway) submitBacktest(t *testing.T, req map[string]any) schema.BacktestStatus {
	t.Helper()
	var status schema.BacktestStatus
	code := g.postJSON(t, "/backtests", req, &status)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, status.RunID)
	return status
}

// awaitRunState polls the status endpoint until the run reaches want.
func (g *gateway) awaitRunState(t *testing.T, runID string, want schema.RunState) schema.BacktestStatus {
	t.Helper()
	var status schema.BacktestStatus
	require.Eventually(t, func() bool {
		code := g.getJSON(t, "/backtests/"+runID, &status)
		return code == http.StatusOK && status.State == want
	}, 10*time.Second, 10*time.Millisecond, "run %s never reached %s (last state %s)", runID, want, status.State)
	return status
}

// awaitOptimizationTerminal polls until the optimization stops moving.
func (g *gateway) awaitOptimizationTerminal(t *testing.T, optID string) schema.OptimizationStatus {
	t.Helper()
	var status schema.OptimizationStatus
	require.Eventually(t, func() bool {
		code := g.getJSON(t, "/optimizations/"+optID, &status)
		return code == http.StatusOK && status.State.Terminal()
	}, 30*time.Second, 10*time.Millisecond, "optimization %s never terminal (last state %s)", optID, status.State)
	return status
}

func sampleBacktest() map[string]any {
	return map[string]any{
		"symbols":         []string{"AAPL", "MSFT"},
		"start_date":      "2025-01-01T00:00:00Z",
		"end_date":        "2025-06-30T00:00:00Z",
		"resolution":      "day",
		"strategy":        map[string]any{"name": "momentum", "params": map[string]any{"lookback": 20}},
		"initial_capital": 500000,
	}
}

func sampleOptimization(maxTrials int) map[string]any {
	return map[string]any{
		"name": "momentum sweep",
		"search_space": map[string]any{
			"parameters": []map[string]any{
				{"name": "lookback", "kind": "int_range", "low": 5, "high": 30},
				{"name": "threshold", "kind": "float_range", "low": 0.1, "high": 0.9},
			},
		},
		"strategy":         "random",
		"max_trials":       maxTrials,
		"concurrency":      2,
		"objective_metric": "sharpe_ratio",
		"direction":        "maximize",
	}
}
