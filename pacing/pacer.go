// Package pacing computes the spacing between engine actions so the traffic
// pattern stays inside what a human operator would produce. Every delay is
// resampled at call time; nothing is cached, so there is no fixed cadence a
// defender could key on.
package pacing

import (
	"math/rand"
	"sync"
	"time"
)

// Config bounds the pacer. Zero fields fall back to defaults.
type Config struct {
	// MinInterval/MaxInterval bound the base delay between monitor checks.
	MinInterval time.Duration
	MaxInterval time.Duration

	// LongSessionThreshold is the request count past which the session
	// starts to look stale; LongSessionFactor stretches delays beyond it.
	LongSessionThreshold int
	LongSessionFactor    float64

	// ChallengeFactor multiplies delays for ChallengeCooldown checks after
	// any detected challenge.
	ChallengeFactor   float64
	ChallengeCooldown int

	// KeystrokeMin/KeystrokeMax bound the inter-keystroke delay used when
	// typing into form fields.
	KeystrokeMin time.Duration
	KeystrokeMax time.Duration
}

func (c *Config) defaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 30 * time.Second
	}
	if c.MaxInterval <= c.MinInterval {
		c.MaxInterval = c.MinInterval + 30*time.Second
	}
	if c.LongSessionThreshold <= 0 {
		c.LongSessionThreshold = 10
	}
	if c.LongSessionFactor <= 1 {
		c.LongSessionFactor = 2.0
	}
	if c.ChallengeFactor <= 1 {
		c.ChallengeFactor = 2.0
	}
	if c.ChallengeCooldown <= 0 {
		c.ChallengeCooldown = 3
	}
	if c.KeystrokeMin <= 0 {
		c.KeystrokeMin = 50 * time.Millisecond
	}
	if c.KeystrokeMax <= c.KeystrokeMin {
		c.KeystrokeMax = c.KeystrokeMin + 100*time.Millisecond
	}
}

// Pacer produces randomized delays. Safe for use from the engine goroutine;
// the mutex only guards the cooldown counter and rand source.
type Pacer struct {
	cfg Config

	mu       sync.Mutex
	rnd      *rand.Rand
	cooldown int // checks remaining under the post-challenge penalty
}

// PacerOption configures a Pacer.
type PacerOption func(*Pacer)

// WithRand sets a custom random source (for deterministic tests).
func WithRand(rnd *rand.Rand) PacerOption {
	return func(p *Pacer) { p.rnd = rnd }
}

// New creates a Pacer from cfg.
func New(cfg Config, opts ...PacerOption) *Pacer {
	cfg.defaults()
	p := &Pacer{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NextCheckDelay returns the delay before the next availability check.
// requestCount is the session's lifetime request counter. The result is
// freshly sampled on every call.
func (p *Pacer) NextCheckDelay(requestCount int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.sample(p.cfg.MinInterval, p.cfg.MaxInterval)

	if requestCount > p.cfg.LongSessionThreshold {
		d = time.Duration(float64(d) * p.cfg.LongSessionFactor)
	}
	if p.cooldown > 0 {
		d = time.Duration(float64(d) * p.cfg.ChallengeFactor)
		p.cooldown--
	}
	return d
}

// NoteChallenge arms the post-challenge penalty for the next few checks.
func (p *Pacer) NoteChallenge() {
	p.mu.Lock()
	p.cooldown = p.cfg.ChallengeCooldown
	p.mu.Unlock()
}

// KeystrokeDelay returns a fresh inter-keystroke delay for form typing.
func (p *Pacer) KeystrokeDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample(p.cfg.KeystrokeMin, p.cfg.KeystrokeMax)
}

// InterClientDelay returns the pause between two booking submissions. It
// reuses the base interval bounds scaled down, so a batch of five never
// lands in a tight burst but also finishes before the slot disappears.
func (p *Pacer) InterClientDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample(p.cfg.MinInterval/10, p.cfg.MaxInterval/10)
}

// sample draws uniformly from [min, max). Caller holds p.mu.
func (p *Pacer) sample(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(p.rnd.Int63n(int64(max-min)))
}
