package challenge

import "context"

// SolveResult is the outcome of one solver invocation.
type SolveResult int

const (
	// Solved means the challenge was cleared and the page should be
	// re-inspected.
	Solved SolveResult = iota
	// Unsolved means the solver ran but the challenge persists. This is a
	// reportable outcome, not a failure of the ladder rung.
	Unsolved
)

// Solver is the pluggable hook for interactive challenges. An external
// solving service sits behind this interface; the engine only depends on
// the contract.
type Solver interface {
	Solve(ctx context.Context, kind Kind, pageHTML []byte) (SolveResult, error)
}

// NoopSolver always reports Unsolved. Valid for environments without a
// solving service.
type NoopSolver struct{}

func (NoopSolver) Solve(context.Context, Kind, []byte) (SolveResult, error) {
	return Unsolved, nil
}
