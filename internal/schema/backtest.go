// Package schema defines the wire and data model shared by the GlowBack stores.
package schema

import (
	"strings"
	"time"

	"github.com/glowback/gateway/errs"
)

// Resolution names a supported bar resolution for historical data replay.
type Resolution string

const (
	ResolutionTick   Resolution = "tick"
	ResolutionSecond Resolution = "second"
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
	ResolutionDay    Resolution = "day"
)

// StrategyConfig selects the trading strategy evaluated by a run.
type StrategyConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// ExecutionConfig tunes the simulated execution model for a run.
type ExecutionConfig struct {
	SlippageBps   *float64 `json:"slippage_bps,omitempty" yaml:"slippageBps,omitempty"`
	CommissionBps *float64 `json:"commission_bps,omitempty" yaml:"commissionBps,omitempty"`
	LatencyMs     *int     `json:"latency_ms,omitempty" yaml:"latencyMs,omitempty"`
}

// BacktestRequest describes one backtest submission.
type BacktestRequest struct {
	Symbols        []string        `json:"symbols"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	Resolution     Resolution      `json:"resolution,omitempty"`
	Strategy       StrategyConfig  `json:"strategy"`
	Execution      ExecutionConfig `json:"execution"`
	InitialCapital float64         `json:"initial_capital,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`

	// CallbackURL, when set, receives a webhook once the run reaches a
	// terminal state. The token {run_id} is substituted before delivery.
	CallbackURL string `json:"callback_url,omitempty"`
}

const (
	maxSymbols        = 100
	maxInitialCapital = 1e12
)

// Normalize fills the request defaults applied by the gateway before admission.
func (r *BacktestRequest) Normalize() {
	if r.Resolution == "" {
		r.Resolution = ResolutionDay
	}
	if r.Strategy.Name == "" {
		r.Strategy.Name = "buy_and_hold"
	}
	if r.InitialCapital == 0 {
		r.InitialCapital = 1_000_000
	}
	if r.Currency == "" {
		r.Currency = "USD"
	}
	if r.Timezone == "" {
		r.Timezone = "UTC"
	}
}

// Validate checks the edge-facing constraints on a backtest submission.
func (r BacktestRequest) Validate() error {
	if len(r.Symbols) == 0 {
		return errs.New("schema/backtest", errs.CodeInvalid, errs.WithMessage("at least one symbol required"))
	}
	if len(r.Symbols) > maxSymbols {
		return errs.New("schema/backtest", errs.CodeInvalid, errs.WithMessage("too many symbols"))
	}
	for _, sym := range r.Symbols {
		if strings.TrimSpace(sym) == "" {
			return errs.New("schema/backtest", errs.CodeInvalid, errs.WithMessage("empty symbol"))
		}
	}
	if r.EndDate.Before(r.StartDate) {
		return errs.New("schema/backtest", errs.CodeInvalid, errs.WithMessage("end_date precedes start_date"))
	}
	switch r.Resolution {
	case ResolutionTick, ResolutionSecond, ResolutionMinute, ResolutionHour, ResolutionDay:
	default:
		return errs.New("schema/backtest", errs.CodeInvalid, errs.WithMessage("unsupported resolution"))
	}
	if r.InitialCapital <= 0 || r.InitialCapital > maxInitialCapital {
		return errs.New("schema/backtest", errs.CodeInvalid, errs.WithMessage("initial_capital out of range"))
	}
	return nil
}

// RunState tracks where a run sits in its lifecycle.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Valid reports whether s names a known run state.
func (s RunState) Valid() bool {
	switch s {
	case RunStateQueued, RunStateRunning, RunStateCompleted, RunStateFailed:
		return true
	}
	return false
}

// BacktestStatus is the point-in-time view of a run's lifecycle.
type BacktestStatus struct {
	RunID      string     `json:"run_id"`
	State      RunState   `json:"state"`
	Progress   float64    `json:"progress"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// EventType categorises run events.
type EventType string

const (
	EventTypeLog      EventType = "log"
	EventTypeProgress EventType = "progress"
	EventTypeMetric   EventType = "metric"
	EventTypeState    EventType = "state"
)

// BacktestEvent is an immutable, ordered record of a run's observable changes.
// EventID is strictly increasing per run, starting at 1.
type BacktestEvent struct {
	EventID   int64          `json:"event_id"`
	RunID     string         `json:"run_id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// EquityPoint is a single sample on the simulated equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    string    `json:"equity"`
}

// BacktestResult carries the final payload of a completed run.
type BacktestResult struct {
	RunID          string             `json:"run_id"`
	MetricsSummary map[string]float64 `json:"metrics_summary"`
	EquityCurve    []EquityPoint      `json:"equity_curve"`
	Trades         []map[string]any   `json:"trades"`
	Exposures      []map[string]any   `json:"exposures"`
	Logs           []string           `json:"logs"`
}
