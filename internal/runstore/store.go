// Package runstore tracks backtest run lifecycles and streams run events to
// subscribers. All state is transient: a process restart discards it.
package runstore

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glowback/gateway/errs"
	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/schema"
)

// DefaultListLimit bounds ListRuns when the caller passes a non-positive limit.
const DefaultListLimit = 50

// runRecord owns one run's status, its append-only event log, and the
// subscriber set referenced for fan-out.
type runRecord struct {
	request     schema.BacktestRequest
	status      schema.BacktestStatus
	result      *schema.BacktestResult
	events      []schema.BacktestEvent
	subscribers map[*Subscription]struct{}
	nextEventID int64
}

// Store is a concurrency-safe registry of run records. One critical section
// protects all mutation; it is never held across external work.
type Store struct {
	mu      sync.Mutex
	runs    map[string]*runRecord
	metrics *observability.RuntimeMetrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics attaches a runtime metrics accumulator.
func WithMetrics(metrics *observability.RuntimeMetrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs an empty run store.
func New(opts ...Option) *Store {
	s := &Store{
		runs: make(map[string]*runRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateRun admits a new run in the queued state and emits its first event.
func (s *Store) CreateRun(req schema.BacktestRequest) schema.BacktestStatus {
	runID := uuid.NewString()
	now := s.now()
	rec := &runRecord{
		request: req,
		status: schema.BacktestStatus{
			RunID:     runID,
			State:     schema.RunStateQueued,
			Progress:  0,
			CreatedAt: now,
		},
		subscribers: make(map[*Subscription]struct{}),
		nextEventID: 1,
	}

	s.mu.Lock()
	s.runs[runID] = rec
	s.appendEventLocked(rec, schema.EventTypeState, map[string]any{
		"state":   schema.RunStateQueued,
		"message": "Run queued",
	})
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRunCreated()
	}
	observability.Log().Info("run created",
		observability.Field{Key: "run_id", Value: runID},
		observability.Field{Key: "strategy", Value: req.Strategy.Name},
	)
	return cloneStatus(rec.status)
}

// GetRequest returns the submitted request for a run.
func (s *Store) GetRequest(runID string) (schema.BacktestRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return schema.BacktestRequest{}, errs.New("runstore", errs.CodeNotFound, errs.WithMessage("run not found: "+runID))
	}
	return rec.request, nil
}

// GetStatus returns the point-in-time status of a run.
func (s *Store) GetStatus(runID string) (schema.BacktestStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return schema.BacktestStatus{}, errs.New("runstore", errs.CodeNotFound, errs.WithMessage("run not found: "+runID))
	}
	return cloneStatus(rec.status), nil
}

// GetResult returns the run's result payload. A run that exists but has not
// completed yields CodeNotReady, which callers must keep distinct from
// CodeNotFound.
func (s *Store) GetResult(runID string) (schema.BacktestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return schema.BacktestResult{}, errs.New("runstore", errs.CodeNotFound, errs.WithMessage("run not found: "+runID))
	}
	if rec.result == nil {
		return schema.BacktestResult{}, errs.New("runstore", errs.CodeNotReady, errs.WithMessage("results not ready: "+runID))
	}
	return *rec.result, nil
}

// ListRuns returns runs sorted by creation time descending, optionally
// filtered by state, truncated to limit.
func (s *Store) ListRuns(state schema.RunState, limit int) []schema.BacktestStatus {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.Lock()
	statuses := make([]schema.BacktestStatus, 0, len(s.runs))
	for _, rec := range s.runs {
		if state != "" && rec.status.State != state {
			continue
		}
		statuses = append(statuses, cloneStatus(rec.status))
	}
	s.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].CreatedAt.After(statuses[j].CreatedAt)
	})
	if len(statuses) > limit {
		statuses = statuses[:limit]
	}
	return statuses
}

// EventsAfter replays the retained events with ids greater than afterID, in
// ascending order. afterID <= 0 replays the full log. Unknown runs yield nil.
func (s *Store) EventsAfter(runID string, afterID int64) []schema.BacktestEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil
	}
	out := make([]schema.BacktestEvent, 0, len(rec.events))
	for _, evt := range rec.events {
		if evt.EventID > afterID {
			out = append(out, evt)
		}
	}
	return out
}

// Subscribe registers a new observer with an empty bounded mailbox.
func (s *Store) Subscribe(runID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil, errs.New("runstore", errs.CodeNotFound, errs.WithMessage("run not found: "+runID))
	}
	sub := newSubscription()
	rec.subscribers[sub] = struct{}{}
	if s.metrics != nil {
		s.metrics.RecordSubscribers(runID, len(rec.subscribers))
	}
	return sub, nil
}

// Unsubscribe removes the observer and closes its mailbox. A no-op when the
// run or subscription is already gone.
func (s *Store) Unsubscribe(runID string, sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	if rec, ok := s.runs[runID]; ok {
		delete(rec.subscribers, sub)
		if s.metrics != nil {
			s.metrics.RecordSubscribers(runID, len(rec.subscribers))
		}
	}
	s.mu.Unlock()
	sub.close()
}

// UpdateState transitions the run and emits a state event. startedAt is set
// exactly once on the first transition to running; finishedAt on the
// transition to a terminal state. Unknown ids are silently ignored so engine
// adapters can report without existence checks.
func (s *Store) UpdateState(runID string, state schema.RunState, errMsg string) {
	now := s.now()

	s.mu.Lock()
	rec, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.status.State = state
	rec.status.Error = errMsg
	if state == schema.RunStateRunning && rec.status.StartedAt == nil {
		started := now
		rec.status.StartedAt = &started
	}
	if state.Terminal() {
		finished := now
		rec.status.FinishedAt = &finished
	}
	payload := map[string]any{"state": state}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	s.appendEventLocked(rec, schema.EventTypeState, payload)
	s.mu.Unlock()
}

// UpdateProgress clamps progress into [0,1] and emits a progress event.
// Unknown ids are silently ignored.
func (s *Store) UpdateProgress(runID string, progress float64, message string) {
	clamped := progress
	if clamped < 0 {
		clamped = 0
	} else if clamped > 1 {
		clamped = 1
	}

	s.mu.Lock()
	rec, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.status.Progress = clamped
	payload := map[string]any{"progress": clamped}
	if message != "" {
		payload["message"] = message
	}
	s.appendEventLocked(rec, schema.EventTypeProgress, payload)
	s.mu.Unlock()
}

// SetResult stores the run's result and completes it. This is the only path
// to a completed state carrying data. Unknown ids are silently ignored.
func (s *Store) SetResult(runID string, result schema.BacktestResult) {
	s.mu.Lock()
	rec, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	stored := result
	rec.result = &stored
	s.mu.Unlock()

	s.UpdateState(runID, schema.RunStateCompleted, "")
}

// AppendEvent appends an auxiliary event (metric or log) to the run's log.
// Unknown ids are silently ignored.
func (s *Store) AppendEvent(runID string, evtType schema.EventType, payload map[string]any) {
	s.mu.Lock()
	rec, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.appendEventLocked(rec, evtType, payload)
	s.mu.Unlock()
}

// appendEventLocked assigns the next sequence number, stores the event, and
// fans it out to every current subscriber. Fan-out stays inside the critical
// section so each subscriber observes events in event_id order; sends never
// block, so the lock is not held across a suspension point.
func (s *Store) appendEventLocked(rec *runRecord, evtType schema.EventType, payload map[string]any) {
	evt := schema.BacktestEvent{
		EventID:   rec.nextEventID,
		RunID:     rec.status.RunID,
		Type:      evtType,
		Timestamp: s.now(),
		Payload:   payload,
	}
	rec.nextEventID++
	rec.events = append(rec.events, evt)

	for sub := range rec.subscribers {
		if !sub.offer(evt) && s.metrics != nil {
			s.metrics.RecordEventDropped(rec.status.RunID)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordEventAppended()
	}
}

func cloneStatus(status schema.BacktestStatus) schema.BacktestStatus {
	out := status
	if status.StartedAt != nil {
		started := *status.StartedAt
		out.StartedAt = &started
	}
	if status.FinishedAt != nil {
		finished := *status.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
