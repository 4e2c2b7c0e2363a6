// Package engine drives a monitoring run end to end: pace a session over
// the availability page, classify every response, climb the recovery ladder
// when the edge pushes back, and hand a found slot to the booking batch.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotwatch/slotwatch/booking"
	"github.com/slotwatch/slotwatch/challenge"
	"github.com/slotwatch/slotwatch/identity"
	"github.com/slotwatch/slotwatch/pacing"
	"github.com/slotwatch/slotwatch/proxy"
	"github.com/slotwatch/slotwatch/session"
	"github.com/slotwatch/slotwatch/store"
)

// State of the engine.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// RunOutcome is how a run ended.
type RunOutcome string

const (
	OutcomeSlotFound RunOutcome = "slot-found"
	OutcomeTimedOut  RunOutcome = "timed-out"
	OutcomeAborted   RunOutcome = "aborted"
)

// ErrAlreadyRunning is returned by Start while a run is active.
var ErrAlreadyRunning = errors.New("engine: a run is already active")

// RunParams describes one monitoring run.
type RunParams struct {
	TargetURL  string
	BookingURL string // default: TargetURL
	Duration   time.Duration
	Clients    []booking.ClientRecord

	// StartOnFallback opens the run on the fallback engine straight away
	// instead of trying the primary first. The recovery ladder can still
	// switch engines either way.
	StartOnFallback bool
}

// Status is a point-in-time snapshot for the API.
type Status struct {
	State       State      `json:"state"`
	RunID       string     `json:"run_id,omitempty"`
	TargetURL   string     `json:"target_url,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	Checks      int        `json:"checks"`
	Challenges  int        `json:"challenges"`
	LastOutcome RunOutcome `json:"last_outcome,omitempty"`
	LastDetail  string     `json:"last_detail,omitempty"`
}

// Engine owns run lifecycle. One run at a time.
type Engine struct {
	cfg    *Config
	mgr    *session.Manager
	pool   *proxy.Pool
	pacer  *pacing.Pacer
	st     *store.Store // nil = history disabled
	events *Router
	solver challenge.Solver
	gen    *identity.Generator
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	cur    *run
	status Status
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore enables history persistence.
func WithStore(s *store.Store) EngineOption {
	return func(e *Engine) { e.st = s }
}

// WithSolver sets the interactive challenge solver. Default: NoopSolver.
func WithSolver(s challenge.Solver) EngineOption {
	return func(e *Engine) { e.solver = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// New assembles an Engine from its collaborators.
func New(cfg *Config, mgr *session.Manager, pool *proxy.Pool, pacer *pacing.Pacer, events *Router, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:    cfg,
		mgr:    mgr,
		pool:   pool,
		pacer:  pacer,
		events: events,
		solver: challenge.NoopSolver{},
		gen:    identity.NewGenerator(),
		logger: slog.Default(),
		state:  StateIdle,
	}
	e.status.State = StateIdle
	for _, o := range opts {
		o(e)
	}
	return e
}

// Events exposes the run event stream.
func (e *Engine) Events() *Router { return e.events }

// Start launches a monitoring run. It returns ErrAlreadyRunning while one
// is active and the run ID otherwise. The run detaches from the caller's
// context; Stop or the run duration ends it.
func (e *Engine) Start(params RunParams) (string, error) {
	if params.TargetURL == "" {
		return "", errors.New("engine: target URL is required")
	}
	if params.BookingURL == "" {
		params.BookingURL = params.TargetURL
	}
	if params.Duration <= 0 {
		params.Duration = e.cfg.RunDuration
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return "", ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:     uuid.NewString(),
		eng:    e,
		params: params,
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
	}
	e.cur = r
	e.state = StateRunning
	e.status = Status{
		State:     StateRunning,
		RunID:     r.id,
		TargetURL: params.TargetURL,
		StartedAt: r.start,
	}

	e.publish(Event{Type: EventStatusChanged, RunID: r.id, At: r.start,
		Message: "run started", Data: map[string]any{"target_url": params.TargetURL}})

	go e.runLoop(r)
	return r.id, nil
}

// Stop cancels the active run, if any. It reports whether one was active.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	cur := e.cur
	e.mu.Unlock()
	if cur == nil {
		return false
	}
	cur.cancel()
	return true
}

// Status returns a snapshot of the engine and the current (or last) run.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	if e.cur != nil {
		st.Checks = int(e.cur.checks.Load())
		st.Challenges = int(e.cur.challenges.Load())
	}
	return st
}

func (e *Engine) runLoop(r *run) {
	outcome, detail := r.execute()
	endedAt := time.Now()
	checks := int(r.checks.Load())
	challenges := int(r.challenges.Load())

	e.mu.Lock()
	e.state = StateIdle
	e.cur = nil
	e.status = Status{
		State:       StateIdle,
		RunID:       r.id,
		TargetURL:   r.params.TargetURL,
		StartedAt:   r.start,
		Checks:      checks,
		Challenges:  challenges,
		LastOutcome: outcome,
		LastDetail:  detail,
	}
	e.mu.Unlock()

	if e.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.st.FinishRun(ctx, r.id, string(outcome), checks, challenges, endedAt); err != nil {
			e.logger.Warn("engine: history write failed", "error", err)
		}
		cancel()
	}

	e.logger.Info("engine: run ended",
		"run", r.id, "outcome", outcome, "detail", detail,
		"checks", checks, "challenges", challenges)
	e.publish(Event{Type: EventRunEnded, RunID: r.id, At: endedAt,
		Message: detail, Data: map[string]any{
			"outcome": string(outcome), "checks": checks, "challenges": challenges,
		}})
}

func (e *Engine) publish(ev Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}
