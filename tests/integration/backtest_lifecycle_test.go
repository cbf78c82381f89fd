package integration

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/glowback/gateway/internal/notify"
	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/schema"
)

func TestBacktestLifecycleEndToEnd(t *testing.T) {
	g := startGateway(t, nil)

	created := g.submitBacktest(t, sampleBacktest())
	require.Equal(t, schema.RunStateQueued, created.State)

	final := g.awaitRunState(t, created.RunID, schema.RunStateCompleted)
	require.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	require.Empty(t, final.Error)

	var result schema.BacktestResult
	code := g.getJSON(t, "/backtests/"+created.RunID+"/results", &result)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, created.RunID, result.RunID)
	require.Contains(t, result.MetricsSummary, "sharpe_ratio")
	require.Contains(t, result.MetricsSummary, "final_equity")

	require.Len(t, result.EquityCurve, 6)
	first, err := decimal.NewFromString(result.EquityCurve[0].Equity)
	require.NoError(t, err)
	require.True(t, first.Equal(decimal.NewFromInt(500000)))

	var listed []schema.BacktestStatus
	code = g.getJSON(t, "/backtests?state=completed", &listed)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, listed, 1)
	require.Equal(t, created.RunID, listed[0].RunID)
}

func TestBacktestResultsUnavailableWhileRunning(t *testing.T) {
	g := startGateway(t, func(o *gatewayOptions) { o.withoutEngine = true })

	created := g.submitBacktest(t, sampleBacktest())

	code := g.getJSON(t, "/backtests/"+created.RunID+"/results", nil)
	require.Equal(t, http.StatusConflict, code)

	code = g.getJSON(t, "/backtests/ghost/results", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestBacktestWebhookDelivered(t *testing.T) {
	g := startGateway(t, nil)

	var mu sync.Mutex
	var payloads []notify.Payload
	var paths []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	req := sampleBacktest()
	req["callback_url"] = hook.URL + "/hooks/{run_id}"
	created := g.submitBacktest(t, req)
	g.awaitRunState(t, created.RunID, schema.RunStateCompleted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/hooks/"+created.RunID, paths[0])
	require.Equal(t, created.RunID, payloads[0].RunID)
	require.Equal(t, schema.RunStateCompleted, payloads[0].State)
	require.NotNil(t, payloads[0].Metrics)
}

func TestMetricsEndpointReflectsActivity(t *testing.T) {
	g := startGateway(t, nil)

	created := g.submitBacktest(t, sampleBacktest())
	g.awaitRunState(t, created.RunID, schema.RunStateCompleted)

	var snap observability.GatewayMetricsSnapshot
	code := g.getJSON(t, "/metricsz", &snap)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, int64(1), snap.RunsCreated)
	require.Greater(t, snap.EventsAppended, int64(0))
}
