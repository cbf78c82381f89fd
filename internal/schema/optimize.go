package schema

import (
	"strings"
	"time"

	"github.com/glowback/gateway/errs"
)

// ParameterKind identifies how a parameter's values are generated.
type ParameterKind string

const (
	ParameterFloatRange ParameterKind = "float_range"
	ParameterIntRange   ParameterKind = "int_range"
	ParameterLogUniform ParameterKind = "log_uniform"
	ParameterChoice     ParameterKind = "choice"
)

// ParameterDef declares a single searchable dimension of the parameter space.
// Numeric kinds use Low/High; choice kinds use Values.
type ParameterDef struct {
	Name   string        `json:"name"`
	Kind   ParameterKind `json:"kind"`
	Low    float64       `json:"low,omitempty"`
	High   float64       `json:"high,omitempty"`
	Values []any         `json:"values,omitempty"`
}

// SearchSpace bundles the parameter definitions explored by an optimization.
type SearchSpace struct {
	Parameters []ParameterDef `json:"parameters"`
}

// ObjectiveDirection orients trial ranking.
type ObjectiveDirection string

const (
	DirectionMaximize ObjectiveDirection = "maximize"
	DirectionMinimize ObjectiveDirection = "minimize"
)

// SearchStrategy selects how trial parameters are generated.
type SearchStrategy string

const (
	StrategyGrid   SearchStrategy = "grid"
	StrategyRandom SearchStrategy = "random"
	// StrategyBayesian is accepted but degrades to random sampling; no
	// surrogate-model acquisition is implemented.
	StrategyBayesian SearchStrategy = "bayesian"
)

// OptimizationRequest describes one parameter-search submission.
type OptimizationRequest struct {
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	SearchSpace     SearchSpace        `json:"search_space"`
	Strategy        SearchStrategy     `json:"strategy,omitempty"`
	MaxTrials       int                `json:"max_trials,omitempty"`
	Concurrency     int                `json:"concurrency,omitempty"`
	ObjectiveMetric string             `json:"objective_metric,omitempty"`
	Direction       ObjectiveDirection `json:"direction,omitempty"`
	GridSteps       int                `json:"grid_steps,omitempty"`

	// BaseBacktest is the backtest configuration each trial overrides with
	// its sampled parameters.
	BaseBacktest map[string]any `json:"base_backtest,omitempty"`
}

const (
	maxSearchParameters = 50
	maxTrialsCeiling    = 10_000
	maxConcurrency      = 128
	maxGridSteps        = 100
)

// Normalize fills the submission defaults applied before admission.
func (r *OptimizationRequest) Normalize() {
	if r.Strategy == "" {
		r.Strategy = StrategyRandom
	}
	if r.MaxTrials == 0 {
		r.MaxTrials = 100
	}
	if r.Concurrency == 0 {
		r.Concurrency = 4
	}
	if r.ObjectiveMetric == "" {
		r.ObjectiveMetric = "sharpe_ratio"
	}
	if r.Direction == "" {
		r.Direction = DirectionMaximize
	}
	if r.GridSteps == 0 {
		r.GridSteps = 5
	}
}

// Validate checks the edge-facing constraints on an optimization submission.
func (r OptimizationRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("name required"))
	}
	if len(r.SearchSpace.Parameters) == 0 {
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("search space requires at least one parameter"))
	}
	if len(r.SearchSpace.Parameters) > maxSearchParameters {
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("too many search parameters"))
	}
	for _, def := range r.SearchSpace.Parameters {
		if err := def.validate(); err != nil {
			return err
		}
	}
	switch r.Strategy {
	case StrategyGrid, StrategyRandom, StrategyBayesian:
	default:
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("unknown search strategy"))
	}
	switch r.Direction {
	case DirectionMaximize, DirectionMinimize:
	default:
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("unknown objective direction"))
	}
	if r.MaxTrials < 1 || r.MaxTrials > maxTrialsCeiling {
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("max_trials out of range"))
	}
	if r.Concurrency < 1 || r.Concurrency > maxConcurrency {
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("concurrency out of range"))
	}
	if r.GridSteps < 2 || r.GridSteps > maxGridSteps {
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("grid_steps out of range"))
	}
	return nil
}

func (d ParameterDef) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("parameter name required"))
	}
	switch d.Kind {
	case ParameterFloatRange, ParameterIntRange:
		if d.Low > d.High {
			return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("parameter low exceeds high: "+d.Name))
		}
	case ParameterLogUniform:
		if d.Low <= 0 || d.Low > d.High {
			return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("log_uniform requires 0 < low <= high: "+d.Name))
		}
	case ParameterChoice:
		if len(d.Values) == 0 {
			return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("choice parameter requires values: "+d.Name))
		}
	default:
		return errs.New("schema/optimize", errs.CodeInvalid, errs.WithMessage("unknown parameter kind: "+d.Name))
	}
	return nil
}

// OptimizationState tracks where an optimization sits in its lifecycle.
type OptimizationState string

const (
	OptimizationPending   OptimizationState = "pending"
	OptimizationRunning   OptimizationState = "running"
	OptimizationCompleted OptimizationState = "completed"
	OptimizationFailed    OptimizationState = "failed"
	OptimizationCancelled OptimizationState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s OptimizationState) Terminal() bool {
	switch s {
	case OptimizationCompleted, OptimizationFailed, OptimizationCancelled:
		return true
	}
	return false
}

// TrialStatus tracks one trial's lifecycle.
type TrialStatus string

const (
	TrialPending   TrialStatus = "pending"
	TrialRunning   TrialStatus = "running"
	TrialCompleted TrialStatus = "completed"
	TrialFailed    TrialStatus = "failed"
)

// TrialSummary is the externally visible view of one trial.
type TrialSummary struct {
	TrialID         string             `json:"trial_id"`
	TrialNumber     int                `json:"trial_number"`
	Status          TrialStatus        `json:"status"`
	Parameters      map[string]any     `json:"parameters"`
	Objective       *float64           `json:"objective,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	DurationSeconds *int               `json:"duration_seconds,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// OptimizationStatus is the point-in-time view of a parameter search.
type OptimizationStatus struct {
	OptimizationID  string             `json:"optimization_id"`
	Name            string             `json:"name"`
	State           OptimizationState  `json:"state"`
	Strategy        SearchStrategy     `json:"strategy"`
	ObjectiveMetric string             `json:"objective_metric"`
	Direction       ObjectiveDirection `json:"direction"`
	MaxTrials       int                `json:"max_trials"`
	TrialsCompleted int                `json:"trials_completed"`
	TrialsFailed    int                `json:"trials_failed"`
	TrialsRunning   int                `json:"trials_running"`
	BestTrial       *TrialSummary      `json:"best_trial,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// OptimizationResult is the terminal-state payload of a parameter search.
type OptimizationResult struct {
	OptimizationID       string            `json:"optimization_id"`
	State                OptimizationState `json:"state"`
	BestTrial            *TrialSummary     `json:"best_trial,omitempty"`
	AllTrials            []TrialSummary    `json:"all_trials"`
	TotalDurationSeconds *int              `json:"total_duration_seconds,omitempty"`
	SearchSpace          SearchSpace       `json:"search_space"`
}
