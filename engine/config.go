package engine

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's file configuration. Zero fields fall back to
// defaults in applyDefaults; only target_url is mandatory, and it may also
// arrive per run through the API instead.
type Config struct {
	// TargetURL is the availability page the monitor polls.
	TargetURL string `yaml:"target_url"`

	// BookingURL is the form page a booking batch navigates to.
	// Default: TargetURL.
	BookingURL string `yaml:"booking_url"`

	// ClientsFile is the roster CSV path.
	ClientsFile string `yaml:"clients_file"`

	// ProxyFile lists proxies, one host:port[:user:pass] per line.
	// Empty = direct connection.
	ProxyFile string `yaml:"proxy_file"`

	// HistoryDB is the SQLite history path. Default: "slotwatch.db".
	HistoryDB string `yaml:"history_db"`

	// Listen is the API listen address. Default: ":8080".
	Listen string `yaml:"listen"`

	// RunDuration bounds one monitoring run. Default: 30m.
	RunDuration time.Duration `yaml:"run_duration"`

	// MaxClients caps a booking batch. Default: 5.
	MaxClients int `yaml:"max_clients"`

	// LadderCeiling caps total recovery attempts per challenge. Default: 10.
	LadderCeiling int `yaml:"ladder_ceiling"`

	Browser struct {
		// Headful forces the primary engine to run with a visible window
		// (useful for debugging); headless is the default.
		Headful         bool          `yaml:"headful"`
		XvfbDisplay     string        `yaml:"xvfb_display"`
		NavigateTimeout time.Duration `yaml:"navigate_timeout"`
	} `yaml:"browser"`

	Pacing struct {
		MinInterval   time.Duration `yaml:"min_interval"`
		MaxInterval   time.Duration `yaml:"max_interval"`
		KeystrokeMin  time.Duration `yaml:"keystroke_min"`
		KeystrokeMax  time.Duration `yaml:"keystroke_max"`
		LongThreshold int           `yaml:"long_session_threshold"`
	} `yaml:"pacing"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig decodes a YAML config from r and applies defaults.
func ParseConfig(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("engine: parse config: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.BookingURL == "" {
		c.BookingURL = c.TargetURL
	}
	if c.HistoryDB == "" {
		c.HistoryDB = "slotwatch.db"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.RunDuration <= 0 {
		c.RunDuration = 30 * time.Minute
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 5
	}
	if c.LadderCeiling <= 0 {
		c.LadderCeiling = 10
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
}
