package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/slotwatch/slotwatch/avail"
	"github.com/slotwatch/slotwatch/booking"
	"github.com/slotwatch/slotwatch/challenge"
	"github.com/slotwatch/slotwatch/proxy"
	"github.com/slotwatch/slotwatch/session"
	"github.com/slotwatch/slotwatch/store"
)

const (
	// maxExhaustedLadders aborts the run after this many consecutive
	// challenge escalations where no rung cleared the page. At that point
	// every identity and engine combination has been burned.
	maxExhaustedLadders = 3

	// maxNavErrors restarts the session after this many navigation
	// failures in a row.
	maxNavErrors = 3
)

// run is one monitoring run's mutable state. The counters are atomic
// because Status() reads them from other goroutines while the run is live;
// everything else is touched only from the run goroutine.
type run struct {
	id     string
	eng    *Engine
	params RunParams
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time

	sess     *session.Session
	curProxy *proxy.Record
	lastPage *session.Page

	checks     atomic.Int64
	challenges atomic.Int64
	fatal      error
}

// execute is the monitor-detect-book state machine. It returns the run's
// terminal outcome and a human-readable detail.
func (r *run) execute() (RunOutcome, string) {
	e := r.eng
	defer r.cancel()

	deadline := r.start.Add(r.params.Duration)

	if e.st != nil {
		if err := e.st.StartRun(r.ctx, r.id, r.params.TargetURL, r.start); err != nil {
			e.logger.Warn("engine: history write failed", "error", err)
		}
	}

	// A run that is born past its deadline ends without touching the
	// target at all.
	if !time.Now().Before(deadline) {
		return OutcomeTimedOut, "run duration elapsed"
	}

	if err := r.openSession(); err != nil {
		return OutcomeAborted, err.Error()
	}
	defer func() { e.mgr.Close(r.sess) }()

	ladder := challenge.NewLadder(r,
		challenge.WithCeiling(e.cfg.LadderCeiling),
		challenge.WithLadderLogger(e.logger))

	exhaustedStreak := 0
	for {
		if r.ctx.Err() != nil {
			return OutcomeAborted, "stopped"
		}
		if !time.Now().Before(deadline) {
			return OutcomeTimedOut, "run duration elapsed"
		}

		pg, err := r.sess.Navigate(r.ctx, r.params.TargetURL)
		if err != nil {
			if r.ctx.Err() != nil {
				return OutcomeAborted, "stopped"
			}
			e.logger.Warn("engine: check failed", "run", r.id, "error", err)
			e.pool.MarkFailure(r.curProxy)
			if r.sess.ConsecutiveErrors >= maxNavErrors {
				if rerr := r.reopenFresh(); rerr != nil {
					return OutcomeAborted, rerr.Error()
				}
			}
			r.pause(deadline)
			continue
		}
		e.pool.MarkSuccess(r.curProxy)
		r.lastPage = pg
		r.checks.Add(1)

		st := challenge.Classify(pg.Status, pg.Body)
		if st.IsChallenge {
			r.challenges.Add(1)
			e.pacer.NoteChallenge()
			r.sess.NoteChallenge()
			r.recordCheck(pg.Status, string(st.Kind), avail.Signal{})
			e.logger.Info("engine: challenge detected",
				"run", r.id, "kind", st.Kind, "signal", st.RawSignal)
			e.publish(Event{Type: EventProgress, RunID: r.id, At: time.Now(),
				Message: "challenge detected", Data: map[string]any{"kind": string(st.Kind)}})

			res := ladder.Run(r.ctx, st)
			if r.fatal != nil {
				return OutcomeAborted, r.fatal.Error()
			}
			if res.Cleared {
				exhaustedStreak = 0
				e.publish(Event{Type: EventProgress, RunID: r.id, At: time.Now(),
					Message: "challenge cleared",
					Data:    map[string]any{"rung": res.ClearedBy, "attempts": res.Attempts}})
			} else {
				exhaustedStreak++
				e.logger.Warn("engine: ladder exhausted",
					"run", r.id, "streak", exhaustedStreak)
				if exhaustedStreak >= maxExhaustedLadders {
					return OutcomeAborted, "recovery ladder exhausted repeatedly"
				}
			}
			r.pause(deadline)
			continue
		}
		exhaustedStreak = 0

		sig := avail.Scan(pg.Body)
		r.recordCheck(pg.Status, "", sig)
		e.publish(Event{Type: EventProgress, RunID: r.id, At: time.Now(),
			Message: sig.Summary(),
			Data:    map[string]any{"checks": int(r.checks.Load()), "available": sig.Available}})

		if sig.Available {
			e.logger.Info("engine: availability found",
				"run", r.id, "slots", sig.Slots, "source", sig.Source)
			e.publish(Event{Type: EventAvailabilityFound, RunID: r.id, At: time.Now(),
				Message: sig.Summary(),
				Data:    map[string]any{"slots": sig.Slots, "source": sig.Source}})

			r.book()
			return OutcomeSlotFound, sig.Summary()
		}

		r.pause(deadline)
	}
}

// openSession starts the initial session with a pool-picked proxy (or
// direct when the pool is empty), on the primary engine unless the run
// asked for the fallback.
func (r *run) openSession() error {
	rec := r.eng.pool.Pick()
	var ep *proxy.Endpoint
	if rec != nil {
		ep = &rec.Endpoint
	}
	kind := session.EnginePrimary
	if r.params.StartOnFallback {
		kind = session.EngineFallback
	}
	s, err := r.eng.mgr.Open(r.ctx, kind, r.eng.mgr.DrawIdentity(ep))
	if err != nil {
		return err
	}
	r.sess, r.curProxy = s, rec
	return nil
}

// reopenFresh replaces the session after repeated navigation failures.
func (r *run) reopenFresh() error {
	rec := r.eng.pool.Pick()
	var ep *proxy.Endpoint
	if rec != nil {
		ep = &rec.Endpoint
	}
	s, err := r.eng.mgr.Restart(r.ctx, r.sess, ep)
	if err != nil {
		return err
	}
	r.sess, r.curProxy = s, rec
	return nil
}

// book runs the batch for the configured clients and records every attempt.
func (r *run) book() {
	e := r.eng
	if len(r.params.Clients) == 0 {
		e.logger.Info("engine: no clients configured, skipping booking", "run", r.id)
		return
	}

	orch := booking.NewOrchestrator(
		sessionDriver{r},
		e.pacer,
		r.params.BookingURL,
		booking.WithMaxClients(e.cfg.MaxClients),
		booking.WithBookingLogger(e.logger),
	)
	attempts := orch.Run(r.ctx, r.params.Clients)

	succeeded := 0
	for _, a := range attempts {
		if a.Outcome == booking.OutcomeSuccess {
			succeeded++
		}
		e.publish(Event{Type: EventBookingResult, RunID: r.id, At: a.Timestamp,
			Message: string(a.Outcome),
			Data: map[string]any{
				"client_ref": a.ClientRef,
				"outcome":    string(a.Outcome),
				"reference":  a.Reference,
				"error":      a.ErrorDetail,
			}})
		if e.st != nil {
			err := e.st.RecordAttempt(r.ctx, store.AttemptRecord{
				RunID:     r.id,
				ClientRef: a.ClientRef,
				Outcome:   string(a.Outcome),
				Reference: a.Reference,
				Error:     a.ErrorDetail,
				At:        a.Timestamp,
			})
			if err != nil {
				e.logger.Warn("engine: history write failed", "error", err)
			}
		}
	}

	// Batch summary after the per-client results.
	e.publish(Event{Type: EventBookingResult, RunID: r.id, At: time.Now(),
		Data: map[string]any{"attempts": len(attempts), "succeeded": succeeded}})
}

// pause sleeps for the pacer's next check delay, capped at the run deadline
// and interruptible by cancellation.
func (r *run) pause(deadline time.Time) {
	d := r.eng.pacer.NextCheckDelay(r.sess.RequestCount)
	if remaining := time.Until(deadline); d > remaining {
		d = remaining
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
	case <-t.C:
	}
}

// recordCheck appends the check to history; failures are logged only.
func (r *run) recordCheck(status int, challengeKind string, sig avail.Signal) {
	if r.eng.st == nil {
		return
	}
	err := r.eng.st.RecordCheck(r.ctx, store.CheckRecord{
		RunID:         r.id,
		At:            time.Now(),
		HTTPStatus:    status,
		ChallengeKind: challengeKind,
		Available:     sig.Available,
		Slots:         sig.Slots,
		Source:        sig.Source,
	})
	if err != nil {
		r.eng.logger.Warn("engine: history write failed", "error", err)
	}
}

// --- challenge.Actions ------------------------------------------------

// refetch reissues the target request and reports whether the page came
// back clean.
func (r *run) refetch(ctx context.Context) (bool, error) {
	pg, err := r.sess.Navigate(ctx, r.params.TargetURL)
	if err != nil {
		return false, err
	}
	r.lastPage = pg
	st := challenge.Classify(pg.Status, pg.Body)
	return !st.IsChallenge, nil
}

func (r *run) StealthRefresh(ctx context.Context) (bool, error) {
	if err := r.sess.InjectStealth(); err != nil {
		return false, err
	}
	pg, err := r.sess.Reload(ctx)
	if err != nil {
		return false, err
	}
	r.lastPage = pg
	st := challenge.Classify(pg.Status, pg.Body)
	return !st.IsChallenge, nil
}

func (r *run) RotateFingerprint(ctx context.Context) (bool, error) {
	if err := r.sess.RotateFingerprint(r.eng.gen.Draw()); err != nil {
		return false, err
	}
	return r.refetch(ctx)
}

func (r *run) RotateProxy(ctx context.Context) (bool, error) {
	r.eng.pool.MarkFailure(r.curProxy)
	rec := r.eng.pool.PickExcept(r.curProxy)
	if rec == nil && r.curProxy == nil {
		// Direct connection and nothing to rotate to.
		return false, nil
	}
	var ep *proxy.Endpoint
	if rec != nil {
		ep = &rec.Endpoint
	}
	s, err := r.eng.mgr.ReplaceProxy(ctx, r.sess, ep)
	if err != nil {
		r.noteFatal(err)
		return false, err
	}
	r.sess, r.curProxy = s, rec
	return r.refetch(ctx)
}

func (r *run) SolveInteractive(ctx context.Context, kind challenge.Kind) (bool, error) {
	// Some challenges resolve themselves once the page's JS settles.
	settle := time.NewTimer(5 * time.Second)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-settle.C:
	}
	if cleared, err := r.refetch(ctx); err == nil && cleared {
		return true, nil
	}

	var body []byte
	if r.lastPage != nil {
		body = r.lastPage.Body
	}
	res, err := r.eng.solver.Solve(ctx, kind, body)
	if err != nil {
		return false, err
	}
	if res != challenge.Solved {
		return false, nil
	}
	return r.refetch(ctx)
}

func (r *run) RestartSession(ctx context.Context) (bool, error) {
	rec := r.eng.pool.Pick()
	var ep *proxy.Endpoint
	if rec != nil {
		ep = &rec.Endpoint
	}
	s, err := r.eng.mgr.Restart(ctx, r.sess, ep)
	if err != nil {
		r.noteFatal(err)
		return false, err
	}
	r.sess, r.curProxy = s, rec
	return r.refetch(ctx)
}

func (r *run) SwitchEngine(ctx context.Context) (bool, error) {
	rec := r.eng.pool.Pick()
	var ep *proxy.Endpoint
	if rec != nil {
		ep = &rec.Endpoint
	}
	s, err := r.eng.mgr.SwitchEngine(ctx, r.sess, ep)
	if err != nil {
		r.noteFatal(err)
		return false, err
	}
	r.sess, r.curProxy = s, rec
	return r.refetch(ctx)
}

// noteFatal records an unrecoverable session error so the run loop can
// abort once the ladder returns.
func (r *run) noteFatal(err error) {
	if session.IsNoEngine(err) && r.fatal == nil {
		r.fatal = err
	}
}

// sessionDriver adapts the run's current session to the booking Driver.
// It resolves the session at call time so a restart mid-batch is picked up.
type sessionDriver struct{ r *run }

func (d sessionDriver) Navigate(ctx context.Context, url string) error {
	_, err := d.r.sess.Navigate(ctx, url)
	return err
}

func (d sessionDriver) FillField(ctx context.Context, sel, val string, keyDelay func() time.Duration) error {
	return d.r.sess.FillField(ctx, sel, val, keyDelay)
}

func (d sessionDriver) SelectOption(ctx context.Context, sel, val string) error {
	return d.r.sess.SelectOption(ctx, sel, val)
}

func (d sessionDriver) Click(ctx context.Context, sel string) error {
	return d.r.sess.Click(ctx, sel)
}

func (d sessionDriver) Text(ctx context.Context, sel string) (string, error) {
	return d.r.sess.Text(ctx, sel)
}

func (d sessionDriver) Has(ctx context.Context, sel string) (bool, error) {
	return d.r.sess.Has(ctx, sel)
}

func (d sessionDriver) FieldValue(ctx context.Context, sel string) (string, error) {
	return d.r.sess.FieldValue(ctx, sel)
}
