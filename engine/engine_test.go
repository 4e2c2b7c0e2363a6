package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slotwatch/slotwatch/booking"
	"github.com/slotwatch/slotwatch/identity"
	"github.com/slotwatch/slotwatch/pacing"
	"github.com/slotwatch/slotwatch/proxy"
	"github.com/slotwatch/slotwatch/session"
	"github.com/slotwatch/slotwatch/store"
)

const emptyStatePage = `<html><body>
<h1>Book an appointment</h1>
<p>No appointments available at your selected centre.</p>
</body></html>`

const slotPage = `<html><body>
<h1>Book an appointment</h1>
<div data-testid="appointment-slot">09:00</div>
<div data-testid="appointment-slot">09:30</div>
<form>
<input name="firstName"><input name="lastName">
<input name="email"><input name="phone">
<button type="submit">Book</button>
</form>
</body></html>`

const challengePage = `<html><head><title>Just a moment...</title></head>
<body><div id="cf-browser-verification">
Checking your browser before accessing
</div></body></html>`

// fakeBackend serves pages from a script function shared across restarts,
// so a test controls what the "site" answers at any point in the run.
type fakeBackend struct {
	serve func() (status int, body string)
}

var formSelectors = map[string]bool{
	`input[name="firstName"]`: true,
	`input[name="lastName"]`:  true,
	`input[name="email"]`:     true,
	`input[name="phone"]`:     true,
}

func (f *fakeBackend) Navigate(ctx context.Context, url string) (*session.Page, error) {
	st, body := f.serve()
	return &session.Page{URL: url, Status: st, Body: []byte(body)}, nil
}

func (f *fakeBackend) Reload(ctx context.Context) (*session.Page, error) {
	return f.Navigate(ctx, "")
}

func (f *fakeBackend) Inject(string) error                            { return nil }
func (f *fakeBackend) ApplyFingerprint(identity.Fingerprint) error    { return nil }
func (f *fakeBackend) SelectOption(context.Context, string, string) error { return nil }
func (f *fakeBackend) Click(context.Context, string) error            { return nil }

func (f *fakeBackend) Fill(ctx context.Context, sel, val string, _ func() time.Duration) error {
	return nil
}

func (f *fakeBackend) Text(ctx context.Context, sel string) (string, error) {
	return "VFS-2024-00042", nil
}

func (f *fakeBackend) Has(ctx context.Context, sel string) (bool, error) {
	if formSelectors[sel] {
		return true, nil
	}
	return strings.Contains(sel, "confirmation"), nil
}

func (f *fakeBackend) FieldValue(context.Context, string) (string, error) {
	// Inputs on the fake page retain whatever was typed.
	return "filled", nil
}
func (f *fakeBackend) Close() error                                       { return nil }

// testEngine wires an Engine over fake backends. serve controls the site's
// answers; opened counts backend launches across restarts and switches.
func testEngine(t *testing.T, serve func() (int, string), opts ...EngineOption) (*Engine, *atomic.Int32) {
	t.Helper()

	var opened atomic.Int32
	factory := func(ctx context.Context, kind session.EngineKind, id identity.Identity) (session.Backend, error) {
		opened.Add(1)
		return &fakeBackend{serve: serve}, nil
	}
	mgr := session.NewManager(session.Config{}, session.WithBackendFactory(factory))

	pacer := pacing.New(pacing.Config{
		MinInterval:  time.Millisecond,
		MaxInterval:  2 * time.Millisecond,
		KeystrokeMin: time.Microsecond,
		KeystrokeMax: 2 * time.Microsecond,
	})

	cfg := DefaultConfig()
	e := New(cfg, mgr, proxy.NewPool(), pacer, NewRouter(), opts...)
	return e, &opened
}

// waitEnd blocks until the run publishes run-ended and returns that event.
func waitEnd(t *testing.T, events <-chan Event) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before run ended")
			}
			if ev.Type == EventRunEnded {
				return ev
			}
		case <-deadline:
			t.Fatal("run did not end in time")
		}
	}
}

func TestStart_SecondStartConflicts(t *testing.T) {
	e, _ := testEngine(t, func() (int, string) { return 200, emptyStatePage })
	events, cancel := e.Events().Subscribe()
	defer cancel()

	id, err := e.Start(RunParams{TargetURL: "https://example.test/book", Duration: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("start must return a run ID")
	}

	if _, err := e.Start(RunParams{TargetURL: "https://example.test/book"}); err != ErrAlreadyRunning {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}

	if !e.Stop() {
		t.Fatal("stop must report an active run")
	}
	ev := waitEnd(t, events)
	if ev.Data["outcome"] != string(OutcomeAborted) {
		t.Fatalf("stopped run must end aborted, got %v", ev.Data)
	}
	if e.Status().State != StateIdle {
		t.Fatal("engine must be idle after the run ends")
	}
}

func TestStatus_ConcurrentWithRun(t *testing.T) {
	// Status is read from API goroutines while the run loop counts checks;
	// the race detector flags any unsynchronised access to the counters.
	e, _ := testEngine(t, func() (int, string) { return 200, emptyStatePage })
	events, cancel := e.Events().Subscribe()
	defer cancel()

	if _, err := e.Start(RunParams{TargetURL: "https://example.test/book", Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 200; i++ {
		if st := e.Status(); st.Checks < 0 || st.Challenges < 0 {
			t.Fatalf("counters went negative: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}

	e.Stop()
	waitEnd(t, events)
	if e.Status().Checks == 0 {
		t.Fatal("run should have recorded checks while Status was polled")
	}
}

func TestRun_PastDeadlineEndsWithoutNavigating(t *testing.T) {
	e, opened := testEngine(t, func() (int, string) { return 200, emptyStatePage })
	events, cancel := e.Events().Subscribe()
	defer cancel()

	_, err := e.Start(RunParams{TargetURL: "https://example.test/book", Duration: time.Nanosecond})
	if err != nil {
		t.Fatal(err)
	}

	ev := waitEnd(t, events)
	if ev.Data["outcome"] != string(OutcomeTimedOut) {
		t.Fatalf("want timed-out, got %v", ev.Data)
	}
	if ev.Data["checks"] != 0 {
		t.Fatalf("expired run must not perform checks, got %v", ev.Data["checks"])
	}
	if opened.Load() != 0 {
		t.Fatalf("expired run must not open a browser, opened %d", opened.Load())
	}
}

func TestRun_SlotFoundRunsBookingBatch(t *testing.T) {
	// First two checks come back empty, the third shows slots.
	var n atomic.Int32
	serve := func() (int, string) {
		if n.Add(1) >= 3 {
			return 200, slotPage
		}
		return 200, emptyStatePage
	}

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	e, _ := testEngine(t, serve, WithStore(st))
	events, cancel := e.Events().Subscribe()
	defer cancel()

	clients := []booking.ClientRecord{
		{FirstName: "Ana", LastName: "Silva", Email: "ana@example.test", MobileCountryCode: "+351", MobileNumber: "912345678"},
		{FirstName: "Joao", LastName: "Santos", Email: "joao@example.test", MobileCountryCode: "+351", MobileNumber: "913333333"},
	}
	runID, err := e.Start(RunParams{
		TargetURL: "https://example.test/book",
		Duration:  time.Minute,
		Clients:   clients,
	})
	if err != nil {
		t.Fatal(err)
	}

	sawAvailability := false
	var perClient, summaries []Event
	deadline := time.After(10 * time.Second)
	for {
		var ev Event
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatal("run did not end in time")
		}
		switch ev.Type {
		case EventAvailabilityFound:
			sawAvailability = true
		case EventBookingResult:
			if _, ok := ev.Data["client_ref"]; ok {
				perClient = append(perClient, ev)
			} else {
				summaries = append(summaries, ev)
			}
		case EventRunEnded:
			if ev.Data["outcome"] != string(OutcomeSlotFound) {
				t.Fatalf("want slot-found, got %v", ev.Data)
			}
			if !sawAvailability {
				t.Fatal("availability event missing before run end")
			}
			if len(perClient) != 2 {
				t.Fatalf("want one booking event per client, got %d", len(perClient))
			}
			refs := map[any]bool{}
			for _, be := range perClient {
				refs[be.Data["client_ref"]] = true
				if be.Data["outcome"] != string(booking.OutcomeSuccess) {
					t.Fatalf("per-client event should report success, got %v", be.Data)
				}
			}
			if !refs["ana@example.test"] || !refs["joao@example.test"] {
				t.Fatalf("per-client events must name each client, got %v", refs)
			}
			if len(summaries) != 1 || summaries[0].Data["attempts"] != 2 {
				t.Fatalf("want one batch summary with 2 attempts, got %v", summaries)
			}

			attempts, err := st.AttemptsForRun(context.Background(), runID)
			if err != nil {
				t.Fatal(err)
			}
			if len(attempts) != 2 {
				t.Fatalf("want 2 recorded attempts, got %d", len(attempts))
			}
			for _, a := range attempts {
				if a.Outcome != string(booking.OutcomeSuccess) {
					t.Fatalf("want successful attempts, got %+v", a)
				}
			}
			return
		}
	}
}

func TestRun_RepeatedLadderExhaustionAborts(t *testing.T) {
	e, opened := testEngine(t, func() (int, string) { return 503, challengePage })
	events, cancel := e.Events().Subscribe()
	defer cancel()

	_, err := e.Start(RunParams{TargetURL: "https://example.test/book", Duration: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	ev := waitEnd(t, events)
	if ev.Data["outcome"] != string(OutcomeAborted) {
		t.Fatalf("want aborted after repeated exhaustion, got %v", ev.Data)
	}
	if !strings.Contains(ev.Message, "exhausted") {
		t.Fatalf("detail should name the exhaustion, got %q", ev.Message)
	}
	// Session restarts and the engine switch both relaunch a backend; the
	// initial open plus three full ladders must have opened several.
	if opened.Load() < 3 {
		t.Fatalf("ladder escalation should have recycled the browser, opened %d", opened.Load())
	}
	if e.Status().LastOutcome != OutcomeAborted {
		t.Fatalf("status must carry the last outcome, got %+v", e.Status())
	}
}

func TestRun_ExhaustionStreakResetsOnCleanCheck(t *testing.T) {
	// With an empty proxy pool a fully exhausted check consumes six serves:
	// the loop navigation plus five rung refetches. Serve two checks' worth
	// of challenges, then let the site recover.
	var n atomic.Int32
	serve := func() (int, string) {
		if n.Add(1) <= 12 {
			return 503, challengePage
		}
		return 200, slotPage
	}

	e, _ := testEngine(t, serve)
	events, cancel := e.Events().Subscribe()
	defer cancel()

	if _, err := e.Start(RunParams{TargetURL: "https://example.test/book", Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}

	ev := waitEnd(t, events)
	if ev.Data["outcome"] != string(OutcomeSlotFound) {
		t.Fatalf("two exhausted ladders followed by a clean check must not abort, got %v", ev.Data)
	}
}

func TestRun_SlotFoundWithoutClientsSkipsBooking(t *testing.T) {
	e, _ := testEngine(t, func() (int, string) { return 200, slotPage })
	events, cancel := e.Events().Subscribe()
	defer cancel()

	if _, err := e.Start(RunParams{TargetURL: "https://example.test/book", Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}

	sawBooking := false
	deadline := time.After(10 * time.Second)
	for {
		var ev Event
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatal("run did not end in time")
		}
		if ev.Type == EventBookingResult {
			sawBooking = true
		}
		if ev.Type == EventRunEnded {
			if ev.Data["outcome"] != string(OutcomeSlotFound) {
				t.Fatalf("want slot-found, got %v", ev.Data)
			}
			if sawBooking {
				t.Fatal("no clients configured, booking batch must be skipped")
			}
			return
		}
	}
}
