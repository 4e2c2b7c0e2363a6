package booking

import (
	"context"
	"log/slog"
	"time"

	"github.com/slotwatch/slotwatch/pacing"
)

// Outcome classifies one client's booking attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeValidationFailed Outcome = "validation-failed"
	OutcomeSubmissionFailed Outcome = "submission-failed"
	OutcomeAborted          Outcome = "aborted"
)

// Attempt is the record of one client's pass through the form.
type Attempt struct {
	ClientRef   string
	Outcome     Outcome
	Reference   string // confirmation reference on success
	ErrorDetail string
	Timestamp   time.Time
}

// Orchestrator runs a bounded booking batch against one live page.
type Orchestrator struct {
	d          Driver
	pacer      *pacing.Pacer
	bookingURL string
	maxClients int
	logger     *slog.Logger
	now        func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxClients caps the batch size. Default: 5.
func WithMaxClients(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxClients = n
		}
	}
}

// WithBookingLogger sets the logger.
func WithBookingLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the timestamp source (for tests).
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates a batch orchestrator over d. bookingURL is the
// form page each client attempt navigates to.
func NewOrchestrator(d Driver, p *pacing.Pacer, bookingURL string, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		d:          d,
		pacer:      p,
		bookingURL: bookingURL,
		maxClients: 5,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, op := range opts {
		op(o)
	}
	return o
}

// Run books appointments for up to maxClients of clients, in roster order.
// One client's failure never aborts the batch; only context cancellation
// does, and then the remaining clients are recorded as aborted so the
// caller can account for every roster entry it handed in.
func (o *Orchestrator) Run(ctx context.Context, clients []ClientRecord) []Attempt {
	batch := clients
	if len(batch) > o.maxClients {
		batch = batch[:o.maxClients]
	}
	o.logger.Info("booking: batch started", "clients", len(batch))

	attempts := make([]Attempt, 0, len(batch))
	for i, c := range batch {
		if ctx.Err() != nil {
			for _, rest := range batch[i:] {
				attempts = append(attempts, Attempt{
					ClientRef:   rest.Ref(),
					Outcome:     OutcomeAborted,
					ErrorDetail: ctx.Err().Error(),
					Timestamp:   o.now(),
				})
			}
			break
		}

		attempts = append(attempts, o.attempt(ctx, c))

		if i < len(batch)-1 {
			o.sleep(ctx, o.pacer.InterClientDelay())
		}
	}

	succ := 0
	for _, a := range attempts {
		if a.Outcome == OutcomeSuccess {
			succ++
		}
	}
	o.logger.Info("booking: batch finished", "clients", len(batch), "succeeded", succ)
	return attempts
}

func (o *Orchestrator) attempt(ctx context.Context, c ClientRecord) Attempt {
	a := Attempt{ClientRef: c.Ref(), Timestamp: o.now()}

	if err := c.Validate(); err != nil {
		o.logger.Warn("booking: client rejected", "client", c.Ref(), "error", err)
		a.Outcome = OutcomeValidationFailed
		a.ErrorDetail = err.Error()
		return a
	}

	if err := o.d.Navigate(ctx, o.bookingURL); err != nil {
		o.logger.Error("booking: navigate to form failed", "client", c.Ref(), "error", err)
		a.Outcome = OutcomeSubmissionFailed
		a.ErrorDetail = err.Error()
		return a
	}

	keyDelay := o.pacer.KeystrokeDelay
	fieldPause := o.pacer.KeystrokeDelay
	if err := fillForm(ctx, o.d, c, keyDelay, fieldPause); err != nil {
		o.logger.Error("booking: form fill failed", "client", c.Ref(), "error", err)
		a.Outcome = OutcomeSubmissionFailed
		a.ErrorDetail = err.Error()
		return a
	}

	ref, err := submitForm(ctx, o.d)
	if err != nil {
		o.logger.Error("booking: submit failed", "client", c.Ref(), "error", err)
		a.Outcome = OutcomeSubmissionFailed
		a.ErrorDetail = err.Error()
		return a
	}

	o.logger.Info("booking: confirmed", "client", c.Ref(), "reference", ref)
	a.Outcome = OutcomeSuccess
	a.Reference = ref
	return a
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
