package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/schema"
)

const streamWriteTimeout = 10 * time.Second

// streamBacktest upgrades to a WebSocket, replays the run's backlog from
// last_event_id, then relays live events until the client or run goes away.
// Slow consumers miss events rather than stall the store; the subscription
// counts the drops.
func (s *Server) streamBacktest(w http.ResponseWriter, r *http.Request, runID string) {
	var afterID int64
	if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "last_event_id must be a non-negative integer")
			return
		}
		afterID = parsed
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observability.Log().Warn("websocket accept failed",
			observability.Field{Key: "run_id", Value: runID},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub, err := s.runs.Subscribe(runID)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "run not found")
		return
	}
	defer s.runs.Unsubscribe(runID, sub)

	ctx := r.Context()

	// Backlog first, so a reconnecting client with a cursor sees a gapless
	// resume before live events. Events published while the backlog drains
	// queue in the subscription's buffer.
	for _, event := range s.runs.EventsAfter(runID, afterID) {
		afterID = event.EventID
		if err := writeEvent(ctx, conn, event); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			// The buffer can still hold events the backlog already covered.
			if event.EventID <= afterID {
				continue
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event schema.BacktestEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
