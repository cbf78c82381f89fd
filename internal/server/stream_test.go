package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/glowback/gateway/internal/schema"
)

func toWebsocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) schema.BacktestEvent {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(readCtx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var event schema.BacktestEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestStreamReplaysBacklogThenLive(t *testing.T) {
	f := newFixture(t, nil)
	status := f.runs.CreateRun(schema.BacktestRequest{
		Symbols:   []string{"AAPL"},
		StartDate: time.Now().UTC(),
		EndDate:   time.Now().UTC().Add(time.Hour),
	})
	f.runs.AppendEvent(status.RunID, schema.EventTypeLog, map[string]any{"message": "warmup"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(f.srv.URL)+"/backtests/"+status.RunID+"/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Backlog: the creation state event, then the warmup log.
	first := readEvent(t, ctx, conn)
	require.Equal(t, int64(1), first.EventID)
	require.Equal(t, schema.EventTypeState, first.Type)

	second := readEvent(t, ctx, conn)
	require.Equal(t, int64(2), second.EventID)
	require.Equal(t, schema.EventTypeLog, second.Type)

	// Live: published after the subscription is active.
	f.runs.UpdateProgress(status.RunID, 0.5, "halfway")
	third := readEvent(t, ctx, conn)
	require.Equal(t, int64(3), third.EventID)
	require.Equal(t, schema.EventTypeProgress, third.Type)
	require.Equal(t, 0.5, third.Payload["progress"])
}

func TestStreamResumesFromCursor(t *testing.T) {
	f := newFixture(t, nil)
	status := f.runs.CreateRun(schema.BacktestRequest{
		Symbols:   []string{"AAPL"},
		StartDate: time.Now().UTC(),
		EndDate:   time.Now().UTC().Add(time.Hour),
	})
	f.runs.AppendEvent(status.RunID, schema.EventTypeLog, map[string]any{"message": "a"})
	f.runs.AppendEvent(status.RunID, schema.EventTypeLog, map[string]any{"message": "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(f.srv.URL)+"/backtests/"+status.RunID+"/stream?last_event_id=2", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	event := readEvent(t, ctx, conn)
	require.Equal(t, int64(3), event.EventID)
	require.Equal(t, "b", event.Payload["message"])
}

func TestStreamUnknownRunClosesPolicyViolation(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(f.srv.URL)+"/backtests/ghost/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	_, _, err = conn.Read(readCtx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestStreamRejectsBadCursor(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/backtests/any/stream?last_event_id=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
