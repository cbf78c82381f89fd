package runstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glowback/gateway/errs"
	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/schema"
)

func newRequest() schema.BacktestRequest {
	req := schema.BacktestRequest{
		Symbols:   []string{"BTC-USDT"},
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	req.Normalize()
	return req
}

func TestCreateRunQueuedWithFirstEvent(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())

	require.NotEmpty(t, status.RunID)
	require.Equal(t, schema.RunStateQueued, status.State)
	require.Zero(t, status.Progress)

	events := store.EventsAfter(status.RunID, 0)
	require.Len(t, events, 1)
	require.Equal(t, int64(1), events[0].EventID)
	require.Equal(t, schema.EventTypeState, events[0].Type)
}

func TestEventIDsStrictlyIncreasingFromOne(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())

	for i := 0; i < 9; i++ {
		store.UpdateProgress(status.RunID, float64(i)/10, fmt.Sprintf("step %d", i))
	}

	events := store.EventsAfter(status.RunID, 0)
	require.Len(t, events, 10)
	for i, evt := range events {
		require.Equal(t, int64(i+1), evt.EventID)
	}
}

func TestEventsAfterCursorReturnsStrictSuffix(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())
	for i := 0; i < 5; i++ {
		store.UpdateProgress(status.RunID, 0.1*float64(i), "")
	}

	tail := store.EventsAfter(status.RunID, 3)
	require.Len(t, tail, 3)
	require.Equal(t, int64(4), tail[0].EventID)
	require.Equal(t, int64(6), tail[2].EventID)

	require.Empty(t, store.EventsAfter(status.RunID, 99))
	require.Nil(t, store.EventsAfter("nope", 0))
}

func TestUpdateProgressClamps(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())

	store.UpdateProgress(status.RunID, -0.5, "")
	got, err := store.GetStatus(status.RunID)
	require.NoError(t, err)
	require.Equal(t, 0.0, got.Progress)

	store.UpdateProgress(status.RunID, 1.7, "")
	got, err = store.GetStatus(status.RunID)
	require.NoError(t, err)
	require.Equal(t, 1.0, got.Progress)
}

func TestUpdateStateTimestamps(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())

	store.UpdateState(status.RunID, schema.RunStateRunning, "")
	got, err := store.GetStatus(status.RunID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	firstStart := *got.StartedAt

	// running transition is idempotent: started_at is set exactly once.
	store.UpdateState(status.RunID, schema.RunStateRunning, "")
	got, err = store.GetStatus(status.RunID)
	require.NoError(t, err)
	require.Equal(t, firstStart, *got.StartedAt)
	require.Nil(t, got.FinishedAt)

	store.UpdateState(status.RunID, schema.RunStateFailed, "engine exploded")
	got, err = store.GetStatus(status.RunID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, "engine exploded", got.Error)
}

func TestUpdateUnknownRunIsSilentNoop(t *testing.T) {
	store := New()
	store.UpdateState("ghost", schema.RunStateRunning, "")
	store.UpdateProgress("ghost", 0.5, "")
	store.SetResult("ghost", schema.BacktestResult{RunID: "ghost"})

	_, err := store.GetStatus("ghost")
	require.True(t, errs.IsNotFound(err))
}

func TestSetResultCompletesRun(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())

	result := schema.BacktestResult{
		RunID:          status.RunID,
		MetricsSummary: map[string]float64{"sharpe": 1.42},
		Logs:           []string{"done"},
	}
	store.SetResult(status.RunID, result)

	got, err := store.GetStatus(status.RunID)
	require.NoError(t, err)
	require.Equal(t, schema.RunStateCompleted, got.State)

	fetched, err := store.GetResult(status.RunID)
	require.NoError(t, err)
	require.Equal(t, result.MetricsSummary, fetched.MetricsSummary)
}

func TestGetResultDistinguishesNotReadyFromNotFound(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())

	_, err := store.GetResult(status.RunID)
	require.True(t, errs.IsNotReady(err))
	require.False(t, errs.IsNotFound(err))

	_, err = store.GetResult("ghost")
	require.True(t, errs.IsNotFound(err))
	require.False(t, errs.IsNotReady(err))
}

func TestListRunsFilterSortLimit(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	first := store.CreateRun(newRequest())
	second := store.CreateRun(newRequest())
	third := store.CreateRun(newRequest())
	store.UpdateState(second.RunID, schema.RunStateRunning, "")

	all := store.ListRuns("", 0)
	require.Len(t, all, 3)
	// newest first
	require.Equal(t, third.RunID, all[0].RunID)
	require.Equal(t, first.RunID, all[2].RunID)

	queued := store.ListRuns(schema.RunStateQueued, 0)
	require.Len(t, queued, 2)

	limited := store.ListRuns("", 1)
	require.Len(t, limited, 1)
	require.Equal(t, third.RunID, limited[0].RunID)
}

func TestSubscribeReceivesLiveEventsInOrder(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())

	sub, err := store.Subscribe(status.RunID)
	require.NoError(t, err)
	defer store.Unsubscribe(status.RunID, sub)

	store.UpdateState(status.RunID, schema.RunStateRunning, "")
	store.UpdateProgress(status.RunID, 0.5, "halfway")

	evt := <-sub.Events()
	require.Equal(t, int64(2), evt.EventID)
	require.Equal(t, schema.EventTypeState, evt.Type)

	evt = <-sub.Events()
	require.Equal(t, int64(3), evt.EventID)
	require.Equal(t, schema.EventTypeProgress, evt.Type)
}

func TestSubscribeUnknownRun(t *testing.T) {
	store := New()
	_, err := store.Subscribe("ghost")
	require.True(t, errs.IsNotFound(err))
}

func TestSlowSubscriberDropsWithoutBlockingProducer(t *testing.T) {
	metrics := observability.NewRuntimeMetrics()
	store := New(WithMetrics(metrics))
	status := store.CreateRun(newRequest())

	sub, err := store.Subscribe(status.RunID)
	require.NoError(t, err)

	// Never drain: overflow the bounded mailbox.
	for i := 0; i < subscriberBuffer+25; i++ {
		store.UpdateProgress(status.RunID, float64(i)/float64(subscriberBuffer+25), "")
	}

	require.Equal(t, uint64(25), sub.Drops())
	require.Equal(t, 25, metrics.Snapshot().EventsDropped[status.RunID])

	// The log retained every event regardless of the slow subscriber.
	events := store.EventsAfter(status.RunID, 0)
	require.Len(t, events, subscriberBuffer+26)

	store.Unsubscribe(status.RunID, sub)
	for range sub.Events() {
		// drain until the closed mailbox is exhausted
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	store := New()
	status := store.CreateRun(newRequest())
	sub, err := store.Subscribe(status.RunID)
	require.NoError(t, err)

	store.Unsubscribe(status.RunID, sub)
	store.Unsubscribe(status.RunID, sub)
	store.UpdateProgress(status.RunID, 0.9, "")
}
