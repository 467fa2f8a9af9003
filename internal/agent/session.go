package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/metrics"
	"github.com/samsaffron/docpilot/internal/usage"
)

const (
	defaultMaxIterations    = 20
	defaultSummaryMaxTokens = 200
)

var (
	// ErrSessionBusy is returned when a run is already in progress.
	ErrSessionBusy = errors.New("a run is already in progress")
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("query is empty")
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeMaxIterations Outcome = "max_iterations"
	OutcomeFailed        Outcome = "failed"
)

// Options configures a Session.
type Options struct {
	Model llm.Model
	Tools ToolProvider
	Rates usage.Rates

	// Ledger receives every charge. Optional.
	Ledger usage.Ledger
	// Metrics may be nil.
	Metrics *metrics.Collector
	Logger  zerolog.Logger

	MaxIterations    int
	MaxTokens        int // per turn call; 0 uses the model default
	SummaryMaxTokens int
	ResolveTool      string
	StripFields      []string
	ValidateArgs     bool
}

// RunRequest is one caller query.
type RunRequest struct {
	Query    string          `json:"query"`
	Document json.RawMessage `json:"document,omitempty"`
	Selected []string        `json:"selected,omitempty"`
}

// Result summarizes a finished run.
type Result struct {
	RunID      string
	Outcome    Outcome
	Iterations int
	Cost       float64 // this run, compaction included
	Context    string  // running context after the run
}

// Status is a point-in-time view of the session.
type Status struct {
	Processing bool    `json:"processing"`
	TotalCost  float64 `json:"total_cost"`
	Context    string  `json:"context"`
}

// Session owns the state that outlives a single run: the running context,
// the cost totals and the processing and cancellation flags. At most one
// run is active at a time.
type Session struct {
	opts Options
	acct *usage.Accountant
	log  zerolog.Logger

	mu             sync.Mutex // guards runningContext and run start/cancel
	runningContext string

	processing atomic.Bool
	cancel     atomic.Bool

	newRunID func() string
}

func NewSession(opts Options) *Session {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.SummaryMaxTokens <= 0 {
		opts.SummaryMaxTokens = defaultSummaryMaxTokens
	}
	if opts.Ledger == nil {
		opts.Ledger = usage.NoopLedger{}
	}
	return &Session{
		opts:           opts,
		acct:           usage.NewAccountant(opts.Rates),
		log:            opts.Logger,
		runningContext: NoPriorContext,
		newRunID:       uuid.NewString,
	}
}

// Run executes one query to completion, streaming events to emit. The
// returned error is ErrSessionBusy, ErrEmptyQuery, or the fatal provider
// failure that ended the run (already reported as an error event).
func (s *Session) Run(ctx context.Context, req RunRequest, emit Emitter) (Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Result{}, ErrEmptyQuery
	}
	if !s.begin() {
		return Result{}, ErrSessionBusy
	}
	defer s.end()

	r := &run{
		id:      s.newRunID(),
		session: s,
		emitter: emit,
	}
	r.log = s.log.With().Str("run_id", r.id).Logger()
	r.invoker = newInvoker(s.opts.Tools, s.opts.StripFields, s.opts.ValidateArgs, r.log, s.opts.Metrics)

	s.acct.StartRun()
	s.opts.Metrics.RunStarted()
	r.log.Info().Str("query", req.Query).Int("selected", len(req.Selected)).Msg("run started")

	var resolver ReferenceResolver = ToolResolver{Tools: s.opts.Tools, Tool: s.opts.ResolveTool}
	if len(req.Document) > 0 {
		resolver = SnapshotResolver{Document: req.Document, Fallback: resolver}
	}
	selection := resolveSelection(ctx, resolver, req.Selected)
	for _, item := range selection {
		if item.Err != nil {
			r.log.Warn().Err(item.Err).Str("ref", item.Ref).Msg("could not resolve selected reference")
		}
	}

	r.system = buildSystemPrompt(s.Context(), selection, req.Document)
	r.messages = []llm.Message{llm.UserText(req.Query)}

	outcome, err := r.loop(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("run failed")
		r.emit(ErrorEvent(err.Error()))
	}
	if outcome == OutcomeCompleted || outcome == OutcomeMaxIterations {
		r.compact(context.WithoutCancel(ctx))
	}

	s.opts.Metrics.RunFinished(string(outcome))
	res := Result{
		RunID:      r.id,
		Outcome:    outcome,
		Iterations: r.iterations,
		Cost:       s.acct.RunTotal(),
		Context:    s.Context(),
	}
	r.log.Info().Str("outcome", string(outcome)).Int("iterations", r.iterations).Float64("cost", res.Cost).Msg("run finished")
	return res, err
}

func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processing.CompareAndSwap(false, true) {
		return false
	}
	s.cancel.Store(false)
	return true
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel.Store(false)
	s.processing.Store(false)
}

// Exclusive runs fn while holding the session's processing slot, so no run
// can start until fn returns. It returns ErrSessionBusy if a run is active.
func (s *Session) Exclusive(fn func() error) error {
	if !s.begin() {
		return ErrSessionBusy
	}
	defer s.end()
	return fn()
}

// Cancel flags the active run for cancellation and reports whether one was
// active. The run stops at its next iteration boundary, after any in-flight
// model or tool call returns.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processing.Load() {
		return false
	}
	s.cancel.Store(true)
	return true
}

func (s *Session) cancelRequested() bool {
	return s.cancel.Load()
}

// ClearContext resets the running context to NoPriorContext.
func (s *Session) ClearContext() {
	s.setContext(NoPriorContext)
}

// Reset starts the session over: running context and both cost totals.
func (s *Session) Reset() {
	s.ClearContext()
	s.acct.Reset()
}

// Context returns the running context.
func (s *Session) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningContext
}

func (s *Session) setContext(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningContext = c
}

func (s *Session) IsProcessing() bool {
	return s.processing.Load()
}

// TotalCost is the lifetime cost since the session was created or reset.
func (s *Session) TotalCost() float64 {
	return s.acct.Lifetime()
}

func (s *Session) Status() Status {
	return Status{
		Processing: s.IsProcessing(),
		TotalCost:  s.TotalCost(),
		Context:    s.Context(),
	}
}
