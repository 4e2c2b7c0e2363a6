package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Fingerprint is the set of browser-reported characteristics anti-bot
// systems key on. All fields are filled at draw time.
type Fingerprint struct {
	ViewportWidth       int
	ViewportHeight      int
	UserAgent           string
	Platform            string
	Languages           []string
	Timezone            string
	HardwareConcurrency int
	DeviceMemory        int
	ConnectionType      string
	ConnectionRTT       int     // ms
	ConnectionDownlink  float64 // Mbps
}

// AcceptLanguage renders the language preference as an Accept-Language
// header value ("en-US,en;q=0.9").
func (f Fingerprint) AcceptLanguage() string {
	if len(f.Languages) == 0 {
		return "en-US,en;q=0.9"
	}
	parts := make([]string, len(f.Languages))
	for i, l := range f.Languages {
		if i == 0 {
			parts[i] = l
			continue
		}
		q := 1.0 - 0.1*float64(i)
		parts[i] = fmt.Sprintf("%s;q=%.1f", l, q)
	}
	return strings.Join(parts, ",")
}

// uaPool groups user agents by the navigator.platform value they imply.
// Drawing keeps the pair consistent: a Windows UA never reports MacIntel.
type uaPool struct {
	platform string
	weight   int
	agents   []string
}

var uaPools = []uaPool{
	{
		platform: "Win32",
		weight:   5,
		agents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
		},
	},
	{
		platform: "MacIntel",
		weight:   3,
		agents: []string{
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:120.0) Gecko/20100101 Firefox/120.0",
		},
	},
	{
		platform: "Linux x86_64",
		weight:   1,
		agents: []string{
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
	},
}

var viewports = [][2]int{
	{1920, 1080},
	{1366, 768},
	{1440, 900},
	{1536, 864},
	{1600, 900},
}

var timezones = []string{
	"Europe/London", "Europe/Paris", "Europe/Lisbon",
	"America/New_York", "America/Los_Angeles", "Australia/Sydney",
}

var languageSets = [][]string{
	{"en-US", "en"}, {"en-GB", "en"}, {"pt-PT", "pt"},
	{"fr-FR", "fr"}, {"de-DE", "de"}, {"es-ES", "es"},
}

var connectionTypes = []string{"3g", "4g", "5g"}

// Generator draws fingerprints from the pools. The zero value is not usable;
// use NewGenerator.
type Generator struct {
	rnd *rand.Rand
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand sets a custom random source (for deterministic tests).
func WithRand(rnd *rand.Rand) Option {
	return func(g *Generator) { g.rnd = rnd }
}

// NewGenerator creates a fingerprint generator seeded from the clock.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Draw returns a fresh, internally consistent fingerprint.
func (g *Generator) Draw() Fingerprint {
	pool := g.pickPool()
	vp := viewports[g.rnd.Intn(len(viewports))]
	langs := languageSets[g.rnd.Intn(len(languageSets))]

	return Fingerprint{
		ViewportWidth:       vp[0],
		ViewportHeight:      vp[1],
		UserAgent:           pool.agents[g.rnd.Intn(len(pool.agents))],
		Platform:            pool.platform,
		Languages:           append([]string(nil), langs...),
		Timezone:            timezones[g.rnd.Intn(len(timezones))],
		HardwareConcurrency: []int{2, 4, 8, 16}[g.rnd.Intn(4)],
		DeviceMemory:        []int{2, 4, 8, 16}[g.rnd.Intn(4)],
		ConnectionType:      connectionTypes[g.rnd.Intn(len(connectionTypes))],
		ConnectionRTT:       50 + g.rnd.Intn(151),
		ConnectionDownlink:  1.0 + g.rnd.Float64()*9.0,
	}
}

func (g *Generator) pickPool() uaPool {
	total := 0
	for _, p := range uaPools {
		total += p.weight
	}
	n := g.rnd.Intn(total)
	for _, p := range uaPools {
		if n < p.weight {
			return p
		}
		n -= p.weight
	}
	return uaPools[0]
}
