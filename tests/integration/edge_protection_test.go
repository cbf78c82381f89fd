package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEdgeRateLimitAppliesAcrossEndpoints(t *testing.T) {
	g := startGateway(t, func(o *gatewayOptions) {
		o.rateLimit = 3
		o.rateWindow = time.Minute
	})

	for i := 0; i < 3; i++ {
		code := g.getJSON(t, "/backtests", nil)
		require.Equal(t, http.StatusOK, code)
	}

	resp, err := http.Get(g.url("/optimizations"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestEdgeAuthGuardsEverythingButHealth(t *testing.T) {
	g := startGateway(t, func(o *gatewayOptions) { o.apiKeys = []string{"secret-key"} })

	code := g.getJSON(t, "/backtests", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code = g.getJSON(t, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)

	req, err := http.NewRequest(http.MethodGet, g.url("/backtests"), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
