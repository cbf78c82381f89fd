package optimize

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// TrialParams carries everything a trial executor needs to score one trial.
type TrialParams struct {
	OptimizationID string
	TrialID        string
	TrialNumber    int
	Parameters     map[string]any
	BaseBacktest   map[string]any
}

// TrialExecutor scores a single trial, returning its metric map. A production
// implementation dispatches the trial to a remote backtest engine; errors are
// recorded on the trial and never abort the surrounding batch.
type TrialExecutor interface {
	ExecuteTrial(ctx context.Context, params TrialParams) (map[string]float64, error)
}

// SimulatedExecutor produces randomized metrics to exercise the scheduling
// flow without a real engine behind it.
type SimulatedExecutor struct {
	delay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedExecutor builds an executor that sleeps delay per trial before
// reporting metrics. A nil source selects a time-seeded one.
func NewSimulatedExecutor(delay time.Duration, rng *rand.Rand) *SimulatedExecutor {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SimulatedExecutor{delay: delay, rng: rng}
}

// ExecuteTrial implements TrialExecutor.
func (e *SimulatedExecutor) ExecuteTrial(ctx context.Context, _ TrialParams) (map[string]float64, error) {
	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.delay):
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	uniform := func(low, high float64) float64 {
		return round6(low + e.rng.Float64()*(high-low))
	}
	return map[string]float64{
		"total_return": uniform(-0.3, 0.8),
		"sharpe_ratio": uniform(-1.0, 3.0),
		"max_drawdown": uniform(0.01, 0.5),
		"volatility":   uniform(0.05, 0.6),
		"win_rate":     uniform(0.3, 0.7),
	}, nil
}
