// Package session manages the live browser context the engine drives:
// launching Chrome through Rod with a chosen identity, injecting the
// anti-fingerprinting bundle, and recycling the whole context on restart or
// engine switch.
//
// Two automation engines exist. The primary runs Chrome headless behind
// go-rod/stealth; the fallback runs it headful under an Xvfb display, which
// presents a materially different automation surface to edge defences. A
// session is only ever bound to one engine; switching engines is a full
// close-and-reopen.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/slotwatch/slotwatch/identity"
	"github.com/slotwatch/slotwatch/proxy"
)

// EngineKind names the automation engine backing a session.
type EngineKind string

const (
	EnginePrimary  EngineKind = "primary"  // headless Chrome + stealth
	EngineFallback EngineKind = "fallback" // headful Chrome under Xvfb
)

func (k EngineKind) other() EngineKind {
	if k == EnginePrimary {
		return EngineFallback
	}
	return EnginePrimary
}

// ErrNoEngine is returned when neither automation engine can start. This is
// a broken environment (missing browser binaries, no display), not a
// transient condition; callers must not retry.
type ErrNoEngine struct {
	Primary  error
	Fallback error
}

func (e *ErrNoEngine) Error() string {
	return fmt.Sprintf("session: no automation engine available (primary: %v; fallback: %v)",
		e.Primary, e.Fallback)
}

// Page is the outcome of one navigation or reload.
type Page struct {
	URL    string
	Status int
	Body   []byte
}

// Backend is the per-engine surface a Session drives. rodEngine implements
// it for both kinds; tests substitute fakes through WithBackendFactory.
type Backend interface {
	Navigate(ctx context.Context, url string) (*Page, error)
	Reload(ctx context.Context) (*Page, error)
	Inject(script string) error
	ApplyFingerprint(fp identity.Fingerprint) error
	Fill(ctx context.Context, selector, value string, keyDelay func() time.Duration) error
	SelectOption(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	Has(ctx context.Context, selector string) (bool, error)
	FieldValue(ctx context.Context, selector string) (string, error)
	Close() error
}

// Session is one live browser context. All mutation happens on the engine
// goroutine; external callers interact through the engine's command surface
// only.
type Session struct {
	ID                string
	Kind              EngineKind
	Identity          identity.Identity
	CreatedAt         time.Time
	RequestCount      int
	ConsecutiveErrors int
	LastChallengeAt   time.Time

	lastURL string
	backend Backend
	logger  *slog.Logger
}

// Config configures the session Manager.
type Config struct {
	// Headless applies to the primary engine only; the fallback engine is
	// headful by definition. Default: true.
	Headless *bool

	// NavigateTimeout bounds a single navigation. Default: 30s.
	NavigateTimeout time.Duration

	// XvfbDisplay for the fallback engine. Default: ":99".
	XvfbDisplay string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Headless == nil {
		t := true
		c.Headless = &t
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BackendFactory builds a backend for an engine kind and identity.
type BackendFactory func(ctx context.Context, kind EngineKind, id identity.Identity) (Backend, error)

// Manager opens, restarts and switches sessions. At most one session per
// monitoring run is live; the Manager does not track it, the engine does.
type Manager struct {
	cfg    Config
	gen    *identity.Generator
	make   BackendFactory
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdentityGenerator sets the generator used for fresh identities.
func WithIdentityGenerator(g *identity.Generator) ManagerOption {
	return func(m *Manager) { m.gen = g }
}

// WithBackendFactory replaces the Rod-backed constructor (for tests).
func WithBackendFactory(f BackendFactory) ManagerOption {
	return func(m *Manager) { m.make = f }
}

// NewManager creates a session Manager.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:    cfg,
		gen:    identity.NewGenerator(),
		logger: cfg.Logger,
	}
	m.make = m.newRodEngine
	for _, o := range opts {
		o(m)
	}
	return m
}

// DrawIdentity returns a fresh identity with the given proxy endpoint
// (nil = direct).
func (m *Manager) DrawIdentity(ep *proxy.Endpoint) identity.Identity {
	return identity.Identity{Proxy: ep, Fingerprint: m.gen.Draw()}
}

// Open starts a session on the preferred engine, falling back to the other
// engine when the preferred one cannot start. It fails with *ErrNoEngine
// only when both engines are unavailable.
func (m *Manager) Open(ctx context.Context, preferred EngineKind, id identity.Identity) (*Session, error) {
	b, err := m.make(ctx, preferred, id)
	if err == nil {
		return m.wrap(preferred, id, b), nil
	}
	m.logger.Warn("session: engine start failed, trying fallback",
		"engine", preferred, "error", err)

	other := preferred.other()
	b2, err2 := m.make(ctx, other, id)
	if err2 != nil {
		if preferred == EnginePrimary {
			return nil, &ErrNoEngine{Primary: err, Fallback: err2}
		}
		return nil, &ErrNoEngine{Primary: err2, Fallback: err}
	}
	return m.wrap(other, id, b2), nil
}

// Close shuts down the session's browser context. Safe on nil.
func (m *Manager) Close(s *Session) {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.backend.Close(); err != nil {
		m.logger.Warn("session: close", "session", s.ID, "error", err)
	}
	s.backend = nil
}

// Restart closes s and reopens on the same engine kind with a freshly drawn
// identity. The new proxy endpoint is supplied by the caller so the proxy
// pool keeps ownership of endpoint selection.
func (m *Manager) Restart(ctx context.Context, s *Session, ep *proxy.Endpoint) (*Session, error) {
	m.Close(s)
	return m.Open(ctx, s.Kind, m.DrawIdentity(ep))
}

// SwitchEngine closes s and reopens on the other engine kind with a fresh
// identity.
func (m *Manager) SwitchEngine(ctx context.Context, s *Session, ep *proxy.Endpoint) (*Session, error) {
	m.Close(s)
	return m.Open(ctx, s.Kind.other(), m.DrawIdentity(ep))
}

// ReplaceProxy applies a different proxy endpoint to the session. Chrome
// cannot change its network identity inside a live context, so this is
// deterministically a restart that keeps the current fingerprint; only the
// proxy half of the identity changes, and the Identity value is replaced
// wholesale.
func (m *Manager) ReplaceProxy(ctx context.Context, s *Session, ep *proxy.Endpoint) (*Session, error) {
	kind := s.Kind
	id := identity.Identity{Proxy: ep, Fingerprint: s.Identity.Fingerprint}
	m.Close(s)
	return m.Open(ctx, kind, id)
}

func (m *Manager) wrap(kind EngineKind, id identity.Identity, b Backend) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Identity:  id,
		CreatedAt: time.Now(),
		backend:   b,
		logger:    m.logger,
	}
	m.logger.Info("session: opened",
		"session", s.ID, "engine", kind, "identity", id.String())
	return s
}

// Navigate fetches url and returns the rendered page. Every call counts
// against the session's request budget.
func (s *Session) Navigate(ctx context.Context, url string) (*Page, error) {
	s.RequestCount++
	s.lastURL = url
	pg, err := s.backend.Navigate(ctx, url)
	if err != nil {
		s.ConsecutiveErrors++
		return nil, fmt.Errorf("session: navigate %s: %w", url, err)
	}
	s.ConsecutiveErrors = 0
	return pg, nil
}

// Reload reissues the last navigation.
func (s *Session) Reload(ctx context.Context) (*Page, error) {
	s.RequestCount++
	pg, err := s.backend.Reload(ctx)
	if err != nil {
		s.ConsecutiveErrors++
		return nil, fmt.Errorf("session: reload: %w", err)
	}
	s.ConsecutiveErrors = 0
	return pg, nil
}

// InjectStealth (re-)applies the anti-fingerprinting bundle for the current
// fingerprint. Injection is idempotent: the bundle guards every property it
// defines, so repeat calls on the same page are harmless.
func (s *Session) InjectStealth() error {
	script := stealthScript(s.Identity.Fingerprint)
	if err := s.backend.Inject(script); err != nil {
		return fmt.Errorf("session: inject stealth: %w", err)
	}
	return nil
}

// RotateFingerprint replaces the session's fingerprint wholesale with fp and
// re-applies overrides plus the stealth bundle, without restarting the
// browser context.
func (s *Session) RotateFingerprint(fp identity.Fingerprint) error {
	s.Identity = identity.Identity{Proxy: s.Identity.Proxy, Fingerprint: fp}
	if err := s.backend.ApplyFingerprint(fp); err != nil {
		return fmt.Errorf("session: apply fingerprint: %w", err)
	}
	return s.InjectStealth()
}

// NoteChallenge records that this session was served a challenge page.
func (s *Session) NoteChallenge() { s.LastChallengeAt = time.Now() }

// FillField types value into the first element matching selector using
// per-keystroke delays from keyDelay.
func (s *Session) FillField(ctx context.Context, selector, value string, keyDelay func() time.Duration) error {
	return s.backend.Fill(ctx, selector, value, keyDelay)
}

// SelectOption chooses value in the select element matching selector.
func (s *Session) SelectOption(ctx context.Context, selector, value string) error {
	return s.backend.SelectOption(ctx, selector, value)
}

// Click clicks the first element matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.backend.Click(ctx, selector)
}

// Text returns the text content of the first element matching selector.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	return s.backend.Text(ctx, selector)
}

// Has reports whether selector matches anything on the current page.
func (s *Session) Has(ctx context.Context, selector string) (bool, error) {
	return s.backend.Has(ctx, selector)
}

// FieldValue returns the current value of the input matching selector.
func (s *Session) FieldValue(ctx context.Context, selector string) (string, error) {
	return s.backend.FieldValue(ctx, selector)
}

// LastURL returns the most recently navigated URL.
func (s *Session) LastURL() string { return s.lastURL }

// Closed reports whether the session's backend has been shut down.
func (s *Session) Closed() bool { return s.backend == nil }

// IsNoEngine reports whether err is the process-fatal both-engines-down
// condition.
func IsNoEngine(err error) bool {
	var e *ErrNoEngine
	return errors.As(err, &e)
}
