package challenge

import (
	"context"
	"log/slog"
)

// Actions is the capability surface a ladder run needs from the session
// layer. Each method performs one recovery action and reports whether the
// page came back clean afterwards. Errors are absorbed as "still blocked";
// they never abort the ladder.
type Actions interface {
	// StealthRefresh re-injects the anti-fingerprinting bundle and reissues
	// the same request.
	StealthRefresh(ctx context.Context) (cleared bool, err error)
	// RotateFingerprint draws a new fingerprint for the current session
	// without a restart, then retries.
	RotateFingerprint(ctx context.Context) (bool, error)
	// RotateProxy picks a different pool endpoint and applies it. Engines
	// that cannot change network identity mid-session escalate to a
	// restart internally.
	RotateProxy(ctx context.Context) (bool, error)
	// SolveInteractive waits a bounded time for auto-resolution, then hands
	// the page to the Solver hook. Only invoked for captcha challenges.
	SolveInteractive(ctx context.Context, kind Kind) (bool, error)
	// RestartSession closes and reopens the session with a fresh identity.
	RestartSession(ctx context.Context) (bool, error)
	// SwitchEngine reopens with the fallback automation engine.
	SwitchEngine(ctx context.Context) (bool, error)
}

// rung is one recovery strategy: a name, an internal retry budget and the
// attempt itself. The fixed sequence below is the whole ladder; a generic
// driver walks it so each rung stays independently testable.
type rung struct {
	name    string
	budget  int
	applies func(st State) bool
	attempt func(ctx context.Context, st State) (bool, error)
}

// Result reports one full ladder invocation.
type Result struct {
	Cleared   bool
	ClearedBy string // rung name, empty when not cleared
	Attempts  int    // attempts consumed across all rungs
	Exhausted bool   // every applicable rung failed within the ceiling
}

// Ladder is the ordered recovery sequence tried when a challenge is
// detected. One Ladder serves the whole monitoring run.
type Ladder struct {
	rungs   []rung
	ceiling int
	logger  *slog.Logger
}

// LadderOption configures a Ladder.
type LadderOption func(*Ladder)

// WithCeiling sets the global attempt ceiling per invocation.
func WithCeiling(n int) LadderOption {
	return func(l *Ladder) {
		if n > 0 {
			l.ceiling = n
		}
	}
}

// WithLadderLogger sets a custom logger.
func WithLadderLogger(lg *slog.Logger) LadderOption {
	return func(l *Ladder) { l.logger = lg }
}

// NewLadder builds the fixed six-rung sequence over the given actions.
func NewLadder(a Actions, opts ...LadderOption) *Ladder {
	always := func(State) bool { return true }
	l := &Ladder{
		ceiling: 10,
		logger:  slog.Default(),
		rungs: []rung{
			{name: "stealth-refresh", budget: 2, applies: always,
				attempt: func(ctx context.Context, _ State) (bool, error) { return a.StealthRefresh(ctx) }},
			{name: "fingerprint-rotation", budget: 1, applies: always,
				attempt: func(ctx context.Context, _ State) (bool, error) { return a.RotateFingerprint(ctx) }},
			{name: "proxy-rotation", budget: 2, applies: always,
				attempt: func(ctx context.Context, _ State) (bool, error) { return a.RotateProxy(ctx) }},
			{name: "interactive-challenge", budget: 1,
				applies: func(st State) bool { return st.Kind == KindCaptcha },
				attempt: func(ctx context.Context, st State) (bool, error) { return a.SolveInteractive(ctx, st.Kind) }},
			{name: "session-restart", budget: 1, applies: always,
				attempt: func(ctx context.Context, _ State) (bool, error) { return a.RestartSession(ctx) }},
			{name: "engine-switch", budget: 1, applies: always,
				attempt: func(ctx context.Context, _ State) (bool, error) { return a.SwitchEngine(ctx) }},
		},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run walks the rungs in order until one clears the challenge, the ceiling
// is hit, or the sequence is exhausted. Each rung is visited at most once
// per invocation; its budget bounds retries within that visit. Cancellation
// is honoured between rungs, never mid-attempt.
func (l *Ladder) Run(ctx context.Context, st State) Result {
	res := Result{}

	for _, r := range l.rungs {
		if ctx.Err() != nil {
			return res
		}
		if !r.applies(st) {
			continue
		}

		for try := 0; try < r.budget; try++ {
			if res.Attempts >= l.ceiling {
				l.logger.Warn("challenge: attempt ceiling reached",
					"ceiling", l.ceiling, "rung", r.name)
				res.Exhausted = true
				return res
			}
			res.Attempts++

			cleared, err := r.attempt(ctx, st)
			if err != nil {
				l.logger.Debug("challenge: rung attempt errored",
					"rung", r.name, "try", try+1, "error", err)
				continue
			}
			if cleared {
				l.logger.Info("challenge: cleared",
					"rung", r.name, "attempts", res.Attempts)
				res.Cleared = true
				res.ClearedBy = r.name
				return res
			}
		}
		l.logger.Debug("challenge: rung exhausted", "rung", r.name)
	}

	res.Exhausted = true
	l.logger.Warn("challenge: ladder exhausted", "attempts", res.Attempts)
	return res
}
