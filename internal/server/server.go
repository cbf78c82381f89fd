// Package server exposes the gateway's HTTP and WebSocket surface over the
// run and optimization stores. Handlers stay thin: decode, validate, call the
// store, map the error code to a status.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/glowback/gateway/errs"
	"github.com/glowback/gateway/internal/engine"
	"github.com/glowback/gateway/internal/notify"
	"github.com/glowback/gateway/internal/observability"
	"github.com/glowback/gateway/internal/optimize"
	"github.com/glowback/gateway/internal/ratelimit"
	"github.com/glowback/gateway/internal/runstore"
	"github.com/glowback/gateway/internal/schema"
	"github.com/glowback/gateway/lib/async"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	backtestsPath        = "/backtests"
	backtestDetailPrefix = backtestsPath + "/"

	optimizationsPath        = "/optimizations"
	optimizationDetailPrefix = optimizationsPath + "/"

	healthPath  = "/healthz"
	metricsPath = "/metricsz"

	maxListLimit = 200
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Server binds the stores, engine, and edge middleware together.
type Server struct {
	runs     *runstore.Store
	opts     *optimize.Store
	adapter  engine.Adapter
	notifier *notify.Notifier
	limiter  *ratelimit.Limiter
	metrics  *observability.RuntimeMetrics
	jobs     *async.Pool
	apiKeys  map[string]struct{}
	baseCtx  context.Context
}

// Deps carries the collaborators the edge serves. Runs, Opts, and Adapter are
// required; the rest are optional and disable their feature when nil.
type Deps struct {
	Runs     *runstore.Store
	Opts     *optimize.Store
	Adapter  engine.Adapter
	Notifier *notify.Notifier
	Limiter  *ratelimit.Limiter
	Metrics  *observability.RuntimeMetrics

	// Jobs bounds the background work spawned per accepted request. When
	// nil, jobs run on unbounded goroutines.
	Jobs *async.Pool

	// APIKeys is the accepted credential set. Empty leaves auth open.
	APIKeys []string

	// BaseContext bounds the background work spawned per request (engine
	// runs, optimization schedulers, webhooks). Defaults to Background.
	BaseContext context.Context
}

// NewHandler builds the gateway's HTTP handler.
func NewHandler(deps Deps) http.Handler {
	s := &Server{
		runs:     deps.Runs,
		opts:     deps.Opts,
		adapter:  deps.Adapter,
		notifier: deps.Notifier,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		jobs:     deps.Jobs,
		apiKeys:  make(map[string]struct{}, len(deps.APIKeys)),
		baseCtx:  deps.BaseContext,
	}
	for _, key := range deps.APIKeys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			s.apiKeys[trimmed] = struct{}{}
		}
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}

	mux := http.NewServeMux()
	mux.Handle(backtestsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  s.listBacktests,
		http.MethodPost: s.createBacktest,
	}))
	mux.Handle(backtestDetailPrefix, http.HandlerFunc(s.handleBacktest))
	mux.Handle(optimizationsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  s.listOptimizations,
		http.MethodPost: s.createOptimization,
	}))
	mux.Handle(optimizationDetailPrefix, http.HandlerFunc(s.handleOptimization))
	mux.Handle(healthPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.health,
	}))
	mux.Handle(metricsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.metricsSnapshot,
	}))

	return withCORS(s.withAuth(s.withRateLimit(mux)))
}

func (s *Server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *Server) createBacktest(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req schema.BacktestRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeErr(w, err)
		return
	}

	status := s.runs.CreateRun(req)
	if err := s.launch(func(context.Context) { s.runBacktest(status.RunID, req) }); err != nil {
		s.runs.UpdateState(status.RunID, schema.RunStateFailed, "run scheduler saturated")
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

// launch hands fn to the job pool, or spawns a goroutine when no pool is
// configured.
func (s *Server) launch(fn async.Job) error {
	if s.jobs == nil {
		go fn(s.baseCtx)
		return nil
	}
	return s.jobs.Submit(fn)
}

// runBacktest drives the engine to a terminal state and fires the completion
// webhook if one was requested.
func (s *Server) runBacktest(runID string, req schema.BacktestRequest) {
	s.adapter.Run(s.baseCtx, runID, req)
	if s.notifier == nil || req.CallbackURL == "" {
		return
	}
	status, err := s.runs.GetStatus(runID)
	if err != nil {
		return
	}
	var result *schema.BacktestResult
	if got, err := s.runs.GetResult(runID); err == nil {
		result = &got
	}
	if err := s.notifier.Notify(s.baseCtx, req.CallbackURL, status, result); err != nil {
		observability.Log().Warn("completion webhook failed",
			observability.Field{Key: "run_id", Value: runID},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (s *Server) listBacktests(w http.ResponseWriter, r *http.Request) {
	var state schema.RunState
	if raw := r.URL.Query().Get("state"); raw != "" {
		state = schema.RunState(raw)
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, "unknown state filter: "+raw)
			return
		}
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.runs.ListRuns(state, limit))
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	runID, action, ok := splitDetail(r.URL.Path, backtestDetailPrefix)
	if !ok {
		writeError(w, http.StatusNotFound, "run id required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		status, err := s.runs.GetStatus(runID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case "results":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		result, err := s.runs.GetResult(runID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.streamBacktest(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *Server) createOptimization(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req schema.OptimizationRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeErr(w, err)
		return
	}

	status := s.opts.Create(req)
	if err := s.launch(func(context.Context) { s.opts.Run(s.baseCtx, status.OptimizationID) }); err != nil {
		s.opts.Cancel(status.OptimizationID)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) listOptimizations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.opts.List(limit))
}

func (s *Server) handleOptimization(w http.ResponseWriter, r *http.Request) {
	optID, action, ok := splitDetail(r.URL.Path, optimizationDetailPrefix)
	if !ok {
		writeError(w, http.StatusNotFound, "optimization id required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		status, err := s.opts.GetStatus(optID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case "results":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		result, err := s.opts.GetResult(optID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if !s.opts.Cancel(optID) {
			// Either unknown or already terminal; disambiguate for the caller.
			if _, err := s.opts.GetStatus(optID); err != nil {
				writeErr(w, err)
				return
			}
			writeError(w, http.StatusConflict, "optimization already terminal")
			return
		}
		status, err := s.opts.GetStatus(optID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// withRateLimit admits or rejects by client IP, always surfacing the
// X-RateLimit-* headers from the limiter's decision.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, decision := s.limiter.Check(clientIP(r))
		for key, value := range decision.Headers() {
			w.Header().Set(key, value)
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// splitDetail extracts the resource id and optional trailing action from a
// detail path. ok is false when the id segment is empty.
func splitDetail(path, prefix string) (id, action string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	id, action, _ = strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "", false
	}
	return id, strings.TrimSpace(action), true
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func decodeBody(r *http.Request, v any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	return json.NewDecoder(r.Body).Decode(v)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
}

// writeErr maps a store error to its HTTP status through the errs taxonomy.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
