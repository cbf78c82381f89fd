// Package engine bridges run submissions to a backtest engine. The gateway
// ships with a simulated engine so the full run lifecycle can be exercised
// without market data or a real execution backend.
package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/runstore"
	"github.com/glowback/gateway/internal/schema"
)

// Adapter runs one backtest to a terminal state. Implementations report all
// progress through the run store; Run returns once the run is terminal.
type Adapter interface {
	Run(ctx context.Context, runID string, req schema.BacktestRequest)
}

const defaultSteps = 5

// Simulated is the built-in engine. It drives a run through a fixed number of
// progress steps, synthesizes a plausible equity curve with decimal
// arithmetic, and marks the run failed if the simulation panics or the
// context is cancelled mid-run.
type Simulated struct {
	store *runstore.Store
	steps int
	pacer *rate.Limiter

	mu  sync.Mutex
	rng *rand.Rand
}

// SimulatedOption configures the simulated engine.
type SimulatedOption func(*Simulated)

// WithSteps overrides the number of progress steps per run.
func WithSteps(steps int) SimulatedOption {
	return func(e *Simulated) {
		if steps > 0 {
			e.steps = steps
		}
	}
}

// WithStepRate overrides the pacing of progress steps, in steps per second.
// Tests use a high rate to keep runs fast.
func WithStepRate(perSecond float64) SimulatedOption {
	return func(e *Simulated) {
		if perSecond > 0 {
			e.pacer = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithRand seeds the metric synthesis, for deterministic fixtures.
func WithRand(rng *rand.Rand) SimulatedOption {
	return func(e *Simulated) {
		if rng != nil {
			e.rng = rng
		}
	}
}

// NewSimulated builds a simulated engine bound to store.
func NewSimulated(store *runstore.Store, opts ...SimulatedOption) *Simulated {
	e := &Simulated{
		store: store,
		steps: defaultSteps,
		pacer: rate.NewLimiter(rate.Limit(4), 1),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run drives runID through running, a paced sequence of progress updates, and
// a final result. Failures land the run in the failed state with the cause.
func (e *Simulated) Run(ctx context.Context, runID string, req schema.BacktestRequest) {
	defer func() {
		if r := recover(); r != nil {
			e.store.UpdateState(runID, schema.RunStateFailed, fmt.Sprintf("engine panic: %v", r))
		}
	}()

	e.store.UpdateState(runID, schema.RunStateRunning, "")
	observability.Log().Info("backtest started",
		observability.Field{Key: "run_id", Value: runID},
		observability.Field{Key: "strategy", Value: req.Strategy.Name},
		observability.Field{Key: "symbols", Value: len(req.Symbols)},
	)

	for step := 1; step <= e.steps; step++ {
		if err := e.pacer.Wait(ctx); err != nil {
			e.store.UpdateState(runID, schema.RunStateFailed, "run cancelled: "+err.Error())
			return
		}
		progress := float64(step) / float64(e.steps)
		e.store.UpdateProgress(runID, progress, fmt.Sprintf("Step %d/%d", step, e.steps))
	}

	result := e.synthesize(runID, req)
	e.store.AppendEvent(runID, schema.EventTypeMetric, map[string]any{
		"metrics": result.MetricsSummary,
	})
	e.store.SetResult(runID, result)
	observability.Log().Info("backtest completed",
		observability.Field{Key: "run_id", Value: runID},
	)
}

// synthesize builds a deterministic-shape result with randomized metrics. The
// equity curve compounds per-step returns on the initial capital using
// decimal arithmetic so the serialized equities are exact.
func (e *Simulated) synthesize(runID string, req schema.BacktestRequest) schema.BacktestResult {
	e.mu.Lock()
	sharpe := 0.5 + e.rng.Float64()*2.0
	cagr := -0.05 + e.rng.Float64()*0.4
	drawdown := -(0.05 + e.rng.Float64()*0.25)
	stepReturns := make([]float64, e.steps)
	for i := range stepReturns {
		stepReturns[i] = -0.01 + e.rng.Float64()*0.03
	}
	e.mu.Unlock()

	capital := decimal.NewFromFloat(req.InitialCapital)
	curve := make([]schema.EquityPoint, 0, e.steps+1)
	span := req.EndDate.Sub(req.StartDate)
	curve = append(curve, schema.EquityPoint{
		Timestamp: req.StartDate,
		Equity:    capital.StringFixed(2),
	})
	equity := capital
	for i, r := range stepReturns {
		equity = equity.Mul(decimal.NewFromFloat(1 + r)).Round(2)
		ts := req.StartDate.Add(span * time.Duration(i+1) / time.Duration(e.steps))
		curve = append(curve, schema.EquityPoint{
			Timestamp: ts,
			Equity:    equity.StringFixed(2),
		})
	}

	return schema.BacktestResult{
		RunID: runID,
		MetricsSummary: map[string]float64{
			"sharpe":       round4(sharpe),
			"cagr":         round4(cagr),
			"max_drawdown": round4(drawdown),
			"final_equity": equity.InexactFloat64(),
		},
		EquityCurve: curve,
		Trades:      []map[string]any{},
		Exposures:   []map[string]any{},
		Logs:        []string{fmt.Sprintf("simulated %s run over %d symbols", req.Strategy.Name, len(req.Symbols))},
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
