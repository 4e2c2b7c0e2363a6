// Package proxy manages the pool of outbound proxy endpoints the engine
// rotates through. Records carry advisory health updated after every real
// use, not just at load time; a retired record is re-admitted on the next
// pool reload so transient outages self-heal.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// retireAfter is the consecutive-failure count that excludes a record
// from Pick until the pool is reloaded or the record is retested.
const retireAfter = 3

// Endpoint identifies one proxy. Username/Password are optional.
type Endpoint struct {
	Host     string
	Port     string
	Username string
	Password string
}

// Addr returns host:port.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, e.Port) }

// URL returns the http proxy URL including credentials when present.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: e.Addr()}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// Record is one pool entry with advisory health.
type Record struct {
	Endpoint            Endpoint
	Healthy             bool
	LastTestedAt        time.Time
	ConsecutiveFailures int
}

// Pool owns the proxy records. All methods are safe for concurrent use,
// though the engine mutates it from a single goroutine.
type Pool struct {
	mu      sync.Mutex
	records []*Record
	rnd     *rand.Rand
	client  *http.Client
	probe   string
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithProbeURL sets the URL fetched through a proxy during Test.
func WithProbeURL(u string) PoolOption {
	return func(p *Pool) { p.probe = u }
}

// WithTestTimeout sets the per-probe timeout.
func WithTestTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.client.Timeout = d }
}

// WithPoolLogger sets a custom logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithPoolRand sets a custom random source (for deterministic tests).
func WithPoolRand(rnd *rand.Rand) PoolOption {
	return func(p *Pool) { p.rnd = rnd }
}

// WithPoolClock sets a custom clock function (for testing).
func WithPoolClock(fn func() time.Time) PoolOption {
	return func(p *Pool) { p.now = fn }
}

// NewPool creates an empty pool. Call Load to populate it.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 10 * time.Second},
		probe:  "https://www.gstatic.com/generate_204",
		// One probe per second with small bursts keeps TestAll from
		// looking like a scan from the egress IP.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Load replaces the pool contents with records parsed from r. Lines are
// host:port or host:port:user:pass; blank lines and #-comments are ignored,
// malformed lines are skipped with a warning. Records that were retired
// before the reload come back healthy and get re-tested on next use.
func (p *Pool) Load(r io.Reader) (int, error) {
	var records []*Record

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ep, err := parseLine(line)
		if err != nil {
			p.logger.Warn("proxy: skipping malformed line", "line", lineNo, "error", err)
			continue
		}
		records = append(records, &Record{Endpoint: ep, Healthy: true})
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("proxy: read list: %w", err)
	}

	p.mu.Lock()
	p.records = records
	p.mu.Unlock()

	p.logger.Info("proxy: pool loaded", "count", len(records))
	return len(records), nil
}

func parseLine(line string) (Endpoint, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Endpoint{}, fmt.Errorf("want host:port or host:port:user:pass, got %d fields", len(parts))
	}
	if parts[0] == "" || parts[1] == "" {
		return Endpoint{}, fmt.Errorf("empty host or port")
	}
	ep := Endpoint{Host: parts[0], Port: parts[1]}
	if len(parts) == 4 {
		ep.Username, ep.Password = parts[2], parts[3]
	}
	return ep, nil
}

// Pick returns a uniformly random healthy record, or nil when none remain.
// A nil result means the caller should fall back to a direct connection.
func (p *Pool) Pick() *Record {
	return p.PickExcept(nil)
}

// PickExcept picks like Pick but never returns skip, so a rotation always
// lands on a different endpoint. Nil when no alternative exists.
func (p *Pool) PickExcept(skip *Record) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy []*Record
	for _, r := range p.records {
		if r.Healthy && r != skip {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	return healthy[p.rnd.Intn(len(healthy))]
}

// Size returns total and healthy record counts.
func (p *Pool) Size() (total, healthy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.records {
		total++
		if r.Healthy {
			healthy++
		}
	}
	return total, healthy
}

// Test probes rec through the proxy with a short timeout and updates its
// health. Returns true when the endpoint relayed the probe.
func (p *Pool) Test(ctx context.Context, rec *Record) bool {
	ok := p.probeOnce(ctx, rec.Endpoint)

	p.mu.Lock()
	rec.LastTestedAt = p.now()
	if ok {
		rec.Healthy = true
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= retireAfter {
			rec.Healthy = false
		}
	}
	p.mu.Unlock()
	return ok
}

// TestAll probes every record, throttled so the whole pool sweep does not
// burst. Returns the number of healthy records after the sweep.
func (p *Pool) TestAll(ctx context.Context) int {
	p.mu.Lock()
	snapshot := append([]*Record(nil), p.records...)
	p.mu.Unlock()

	for _, rec := range snapshot {
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		p.Test(ctx, rec)
	}

	_, healthy := p.Size()
	return healthy
}

func (p *Pool) probeOnce(ctx context.Context, ep Endpoint) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probe, nil)
	if err != nil {
		return false
	}

	client := &http.Client{
		Timeout: p.client.Timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(ep.URL()),
			DisableKeepAlives: true,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		p.logger.Debug("proxy: probe failed", "proxy", ep.Addr(), "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// MarkFailure records a real-usage failure, independent of Test. The record
// is retired from Pick after three consecutive failures.
func (p *Pool) MarkFailure(rec *Record) {
	if rec == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.ConsecutiveFailures++
	if rec.ConsecutiveFailures >= retireAfter {
		if rec.Healthy {
			p.logger.Warn("proxy: retiring endpoint",
				"proxy", rec.Endpoint.Addr(), "failures", rec.ConsecutiveFailures)
		}
		rec.Healthy = false
	}
}

// MarkSuccess records a real-usage success and clears the failure streak.
func (p *Pool) MarkSuccess(rec *Record) {
	if rec == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.ConsecutiveFailures = 0
	rec.Healthy = true
}
