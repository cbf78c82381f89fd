package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/glowback/gateway/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://example.com:4318")
	require.NoError(t, err)
	require.Equal(t, "example.com:4318", host)
	require.False(t, insecure)

	host, insecure, err = parseEndpoint("http://localhost:4318")
	require.NoError(t, err)
	require.Equal(t, "localhost:4318", host)
	require.True(t, insecure)
}

func TestInitNoEndpointUsesNoop(t *testing.T) {
	providers, shutdown, err := Init(context.Background(), config.TelemetrySettings{})
	require.NoError(t, err)
	require.NotNil(t, providers.TracerProvider)
	require.NotNil(t, providers.MeterProvider)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitInvalidEndpoint(t *testing.T) {
	_, _, err := Init(context.Background(), config.TelemetrySettings{OTLPEndpoint: "://bad"})
	require.Error(t, err)
}

func TestCollectorAgainstNoopMeter(t *testing.T) {
	collector := NewCollector(noop.NewMeterProvider())
	require.NotPanics(t, func() {
		collector.IncCounter("glowback_runs_created_total", 1, nil)
		collector.IncCounter("glowback_runs_created_total", 1, map[string]string{"a": "b"})
		collector.ObserveHistogram("glowback_trial_duration_seconds", 0.5, nil)
		collector.SetGauge("glowback_run_subscribers", 2, map[string]string{"run_id": "x"})
	})
}
