package challenge

import (
	"context"
	"reflect"
	"testing"
)

// scriptedActions records rung invocations and answers from a per-rung
// script; missing entries report "still blocked".
type scriptedActions struct {
	calls  []string
	script map[string][]bool // answers consumed in order per rung
}

func (s *scriptedActions) answer(name string) (bool, error) {
	s.calls = append(s.calls, name)
	if q := s.script[name]; len(q) > 0 {
		s.script[name] = q[1:]
		return q[0], nil
	}
	return false, nil
}

func (s *scriptedActions) StealthRefresh(ctx context.Context) (bool, error) {
	return s.answer("stealth-refresh")
}
func (s *scriptedActions) RotateFingerprint(ctx context.Context) (bool, error) {
	return s.answer("fingerprint-rotation")
}
func (s *scriptedActions) RotateProxy(ctx context.Context) (bool, error) {
	return s.answer("proxy-rotation")
}
func (s *scriptedActions) SolveInteractive(ctx context.Context, _ Kind) (bool, error) {
	return s.answer("interactive-challenge")
}
func (s *scriptedActions) RestartSession(ctx context.Context) (bool, error) {
	return s.answer("session-restart")
}
func (s *scriptedActions) SwitchEngine(ctx context.Context) (bool, error) {
	return s.answer("engine-switch")
}

func distinct(calls []string) []string {
	var out []string
	for _, c := range calls {
		if len(out) == 0 || out[len(out)-1] != c {
			out = append(out, c)
		}
	}
	return out
}

func TestRun_ExhaustsAllRungsInOrderOnce(t *testing.T) {
	a := &scriptedActions{script: map[string][]bool{}}
	l := NewLadder(a)

	res := l.Run(context.Background(), State{IsChallenge: true, Kind: KindCaptcha})

	if res.Cleared {
		t.Fatal("always-challenged detector must not clear")
	}
	if !res.Exhausted {
		t.Fatal("ladder must report exhaustion")
	}

	want := []string{
		"stealth-refresh",
		"fingerprint-rotation",
		"proxy-rotation",
		"interactive-challenge",
		"session-restart",
		"engine-switch",
	}
	if got := distinct(a.calls); !reflect.DeepEqual(got, want) {
		t.Fatalf("rung order wrong:\n got %v\nwant %v", got, want)
	}

	// Rungs are visited once each; budgets bound retries within a visit.
	// stealth-refresh and proxy-rotation carry budget 2, the rest 1.
	if res.Attempts != 8 {
		t.Fatalf("want 8 attempts over one pass, got %d", res.Attempts)
	}
}

func TestRun_InteractiveRungSkippedForNonCaptcha(t *testing.T) {
	a := &scriptedActions{script: map[string][]bool{}}
	l := NewLadder(a)

	l.Run(context.Background(), State{IsChallenge: true, Kind: KindJSChallenge})

	for _, c := range a.calls {
		if c == "interactive-challenge" {
			t.Fatal("interactive rung must only run for captcha challenges")
		}
	}
}

func TestRun_StopsAtFirstClearingRung(t *testing.T) {
	a := &scriptedActions{script: map[string][]bool{
		"fingerprint-rotation": {true},
	}}
	l := NewLadder(a)

	res := l.Run(context.Background(), State{IsChallenge: true, Kind: KindJSChallenge})

	if !res.Cleared || res.ClearedBy != "fingerprint-rotation" {
		t.Fatalf("want cleared by fingerprint-rotation, got %+v", res)
	}
	for _, c := range a.calls {
		if c == "proxy-rotation" || c == "session-restart" || c == "engine-switch" {
			t.Fatalf("rung %s ran after the challenge cleared", c)
		}
	}
}

func TestRun_SecondAttemptWithinBudgetCanClear(t *testing.T) {
	a := &scriptedActions{script: map[string][]bool{
		"stealth-refresh": {false, true},
	}}
	l := NewLadder(a)

	res := l.Run(context.Background(), State{IsChallenge: true, Kind: KindJSChallenge})
	if !res.Cleared || res.ClearedBy != "stealth-refresh" || res.Attempts != 2 {
		t.Fatalf("want cleared on second stealth-refresh attempt, got %+v", res)
	}
}

func TestRun_CeilingCutsInvocationShort(t *testing.T) {
	a := &scriptedActions{script: map[string][]bool{}}
	l := NewLadder(a, WithCeiling(3))

	res := l.Run(context.Background(), State{IsChallenge: true, Kind: KindJSChallenge})

	if res.Attempts != 3 {
		t.Fatalf("want exactly 3 attempts under ceiling 3, got %d", res.Attempts)
	}
	if !res.Exhausted {
		t.Fatal("hitting the ceiling must count as exhaustion")
	}
}

func TestRun_CancelledContextStopsBetweenRungs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &scriptedActions{script: map[string][]bool{}}
	l := NewLadder(a)

	cancel()
	res := l.Run(ctx, State{IsChallenge: true, Kind: KindJSChallenge})
	if res.Attempts != 0 {
		t.Fatalf("cancelled ladder must not attempt any rung, got %d", res.Attempts)
	}
}
