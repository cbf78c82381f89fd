// Package optimize schedules parameter-search jobs: it decomposes a search
// space into trials, executes them in concurrency-bounded batches, tracks the
// best trial found, and supports cooperative cancellation.
package optimize

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/glowback/gateway/errs"
	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/schema"
)

// DefaultListLimit bounds List when the caller passes a non-positive limit.
const DefaultListLimit = 50

type trialRecord struct {
	id         string
	number     int
	parameters map[string]any
	status     schema.TrialStatus
	objective  *float64
	metrics    map[string]float64
	duration   *int
	errMsg     string
	startedAt  *time.Time
	finishedAt *time.Time
}

func (t *trialRecord) summary() schema.TrialSummary {
	out := schema.TrialSummary{
		TrialID:     t.id,
		TrialNumber: t.number,
		Status:      t.status,
		Parameters:  t.parameters,
		Metrics:     t.metrics,
		Error:       t.errMsg,
	}
	if t.objective != nil {
		objective := *t.objective
		out.Objective = &objective
	}
	if t.duration != nil {
		duration := *t.duration
		out.DurationSeconds = &duration
	}
	return out
}

type optimizationRecord struct {
	id         string
	request    schema.OptimizationRequest
	state      schema.OptimizationState
	trials     []*trialRecord
	best       *trialRecord
	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time
	errMsg     string
}

func (r *optimizationRecord) status() schema.OptimizationStatus {
	out := schema.OptimizationStatus{
		OptimizationID:  r.id,
		Name:            r.request.Name,
		State:           r.state,
		Strategy:        r.request.Strategy,
		ObjectiveMetric: r.request.ObjectiveMetric,
		Direction:       r.request.Direction,
		MaxTrials:       r.request.MaxTrials,
		CreatedAt:       r.createdAt,
		StartedAt:       r.startedAt,
		FinishedAt:      r.finishedAt,
		Error:           r.errMsg,
	}
	for _, trial := range r.trials {
		switch trial.status {
		case schema.TrialCompleted:
			out.TrialsCompleted++
		case schema.TrialFailed:
			out.TrialsFailed++
		case schema.TrialRunning:
			out.TrialsRunning++
		}
	}
	if r.best != nil {
		best := r.best.summary()
		out.BestTrial = &best
	}
	return out
}

func (r *optimizationRecord) result() schema.OptimizationResult {
	out := schema.OptimizationResult{
		OptimizationID: r.id,
		State:          r.state,
		AllTrials:      make([]schema.TrialSummary, 0, len(r.trials)),
		SearchSpace:    r.request.SearchSpace,
	}
	for _, trial := range r.trials {
		out.AllTrials = append(out.AllTrials, trial.summary())
	}
	if r.best != nil {
		best := r.best.summary()
		out.BestTrial = &best
	}
	if r.startedAt != nil && r.finishedAt != nil {
		total := int(r.finishedAt.Sub(*r.startedAt).Seconds())
		out.TotalDurationSeconds = &total
	}
	return out
}

// Store is a concurrency-safe registry of optimization records. One critical
// section protects all mutation; executing a trial batch never holds it.
type Store struct {
	mu            sync.Mutex
	optimizations map[string]*optimizationRecord
	executor      TrialExecutor
	sampler       *Sampler
	metrics       *observability.RuntimeMetrics
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithExecutor overrides the trial executor.
func WithExecutor(executor TrialExecutor) Option {
	return func(s *Store) {
		if executor != nil {
			s.executor = executor
		}
	}
}

// WithSampler overrides the parameter sampler, for deterministic fixtures.
func WithSampler(sampler *Sampler) Option {
	return func(s *Store) {
		if sampler != nil {
			s.sampler = sampler
		}
	}
}

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

// New constructs an empty optimization store. Without options it schedules
// simulated trials with randomized metrics.
func New(opts ...Option) *Store {
	s := &Store{
		optimizations: make(map[string]*optimizationRecord),
		executor:      NewSimulatedExecutor(50*time.Millisecond, nil),
		sampler:       NewSampler(nil),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create admits a new optimization in the pending state.
func (s *Store) Create(req schema.OptimizationRequest) schema.OptimizationStatus {
	rec := &optimizationRecord{
		id:        uuid.NewString(),
		request:   req,
		state:     schema.OptimizationPending,
		createdAt: s.now(),
	}

	s.mu.Lock()
	s.optimizations[rec.id] = rec
	status := rec.status()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordOptimizationCreated()
	}
	observability.Log().Info("optimization created",
		observability.Field{Key: "optimization_id", Value: rec.id},
		observability.Field{Key: "strategy", Value: req.Strategy},
		observability.Field{Key: "max_trials", Value: req.MaxTrials},
	)
	return status
}

// GetStatus returns the point-in-time status of an optimization.
func (s *Store) GetStatus(optID string) (schema.OptimizationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.optimizations[optID]
	if !ok {
		return schema.OptimizationStatus{}, errs.New("optimize", errs.CodeNotFound, errs.WithMessage("optimization not found: "+optID))
	}
	return rec.status(), nil
}

// GetResult returns the result payload once the optimization reaches
// completed or cancelled. Any other state yields CodeNotReady, which callers
// must keep distinct from CodeNotFound.
func (s *Store) GetResult(optID string) (schema.OptimizationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.optimizations[optID]
	if !ok {
		return schema.OptimizationResult{}, errs.New("optimize", errs.CodeNotFound, errs.WithMessage("optimization not found: "+optID))
	}
	if rec.state != schema.OptimizationCompleted && rec.state != schema.OptimizationCancelled {
		return schema.OptimizationResult{}, errs.New("optimize", errs.CodeNotReady, errs.WithMessage("results not ready: "+optID))
	}
	return rec.result(), nil
}

// List returns optimizations sorted by creation time descending, truncated
// to limit.
func (s *Store) List(limit int) []schema.OptimizationStatus {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.Lock()
	statuses := make([]schema.OptimizationStatus, 0, len(s.optimizations))
	for _, rec := range s.optimizations {
		statuses = append(statuses, rec.status())
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

// Cancel requests cooperative cancellation. It succeeds only from a
// non-terminal state; the scheduler observes it at the next batch boundary.
func (s *Store) Cancel(optID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.optimizations[optID]
	if !ok {
		return false
	}
	if rec.state.Terminal() {
		return false
	}
	rec.state = schema.OptimizationCancelled
	finished := s.now()
	rec.finishedAt = &finished
	observability.Log().Info("optimization cancelled",
		observability.Field{Key: "optimization_id", Value: optID},
	)
	return true
}

// Run drives the scheduler loop for one optimization. Invoke it at most once
// per id; the caller owns single-dispatch. It returns when the optimization
// reaches a terminal state.
func (s *Store) Run(ctx context.Context, optID string) {
	s.mu.Lock()
	rec, ok := s.optimizations[optID]
	if !ok || rec.state != schema.OptimizationPending {
		// Cancelled-before-start or a duplicate dispatch: terminal states
		// are sticky, so there is nothing to schedule.
		s.mu.Unlock()
		return
	}
	rec.state = schema.OptimizationRunning
	started := s.now()
	rec.startedAt = &started
	req := rec.request
	s.mu.Unlock()

	assignments := s.generateAssignments(req)
	trials := make([]*trialRecord, len(assignments))
	for i, params := range assignments {
		trials[i] = &trialRecord{
			id:         uuid.NewString(),
			number:     i,
			parameters: params,
			status:     schema.TrialPending,
		}
	}

	s.mu.Lock()
	rec.trials = trials
	s.mu.Unlock()

	for start := 0; start < len(trials); start += req.Concurrency {
		end := start + req.Concurrency
		if end > len(trials) {
			end = len(trials)
		}
		batch := trials[start:end]

		s.mu.Lock()
		if rec.state == schema.OptimizationCancelled {
			// Stop at the batch boundary; completed trials stay recorded.
			s.mu.Unlock()
			observability.Log().Info("optimization stopped at batch boundary",
				observability.Field{Key: "optimization_id", Value: optID},
				observability.Field{Key: "trials_started", Value: start},
			)
			return
		}
		now := s.now()
		for _, trial := range batch {
			trial.status = schema.TrialRunning
			startedAt := now
			trial.startedAt = &startedAt
		}
		s.mu.Unlock()

		s.executeBatch(ctx, rec, batch)
	}

	s.mu.Lock()
	if rec.state == schema.OptimizationRunning {
		rec.state = schema.OptimizationCompleted
		finished := s.now()
		rec.finishedAt = &finished
	}
	s.mu.Unlock()

	observability.Log().Info("optimization finished",
		observability.Field{Key: "optimization_id", Value: optID},
		observability.Field{Key: "trials", Value: len(trials)},
	)
}

type trialOutcome struct {
	metrics map[string]float64
	err     error
}

// executeBatch scores every trial in the batch concurrently, then records the
// outcomes in submission order so tie-breaking on the best trial stays
// deterministic.
func (s *Store) executeBatch(ctx context.Context, rec *optimizationRecord, batch []*trialRecord) {
	outcomes := make([]trialOutcome, len(batch))
	p := pool.New().WithMaxGoroutines(len(batch))
	for idx, trial := range batch {
		i := idx
		params := TrialParams{
			OptimizationID: rec.id,
			TrialID:        trial.id,
			TrialNumber:    trial.number,
			Parameters:     trial.parameters,
			BaseBacktest:   rec.request.BaseBacktest,
		}
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = trialOutcome{err: fmt.Errorf("trial executor panic: %v", r)}
				}
			}()
			metrics, err := s.executor.ExecuteTrial(ctx, params)
			outcomes[i] = trialOutcome{metrics: metrics, err: err}
		})
	}
	p.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i, trial := range batch {
		finished := now
		trial.finishedAt = &finished
		if trial.startedAt != nil {
			duration := int(finished.Sub(*trial.startedAt).Seconds())
			trial.duration = &duration
		}

		if outcomes[i].err != nil {
			// A failed trial never fails the optimization; the batch loop
			// continues past it.
			trial.status = schema.TrialFailed
			trial.errMsg = outcomes[i].err.Error()
			if s.metrics != nil {
				s.metrics.RecordTrial(true)
			}
			observability.Log().Warn("trial failed",
				observability.Field{Key: "optimization_id", Value: rec.id},
				observability.Field{Key: "trial_number", Value: trial.number},
				observability.Field{Key: "error", Value: trial.errMsg},
			)
			continue
		}

		trial.metrics = outcomes[i].metrics
		objective := outcomes[i].metrics[rec.request.ObjectiveMetric]
		trial.objective = &objective
		trial.status = schema.TrialCompleted
		if s.metrics != nil {
			s.metrics.RecordTrial(false)
		}

		if rec.best == nil || improves(rec.request.Direction, objective, *rec.best.objective) {
			rec.best = trial
		}
	}
}

// improves reports a strict improvement on the incumbent objective; ties
// never replace the incumbent, so the earliest trial wins.
func improves(direction schema.ObjectiveDirection, candidate, incumbent float64) bool {
	if direction == schema.DirectionMinimize {
		return candidate < incumbent
	}
	return candidate > incumbent
}

// generateAssignments expands the request into per-trial parameter maps.
// Grid strategies enumerate the discretized cartesian product truncated to
// max_trials; random and bayesian draw max_trials independent samples.
// Bayesian degrades to random until an acquisition model exists.
func (s *Store) generateAssignments(req schema.OptimizationRequest) []map[string]any {
	if req.Strategy == schema.StrategyGrid {
		return GridCombinations(req.SearchSpace, req.GridSteps, req.MaxTrials)
	}
	out := make([]map[string]any, 0, req.MaxTrials)
	for i := 0; i < req.MaxTrials; i++ {
		out = append(out, s.sampler.SampleAssignment(req.SearchSpace))
	}
	return out
}
