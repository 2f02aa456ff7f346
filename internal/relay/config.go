package relay

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/tacitprotocol/tacit-sub000/internal/match"
)

// Config holds relay server settings. Environment variables are parsed from
// the TACIT_ prefix, e.g. TACIT_LISTEN_ADDR, TACIT_MATCH_SWEEP_INTERVAL.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":9520"`
	KeyPath    string `envconfig:"KEY_PATH" default:"relay.key"`

	// MaxConnsPerIP caps concurrent connections from one source address.
	MaxConnsPerIP int `envconfig:"MAX_CONNS_PER_IP" default:"8"`

	// Rate limiting per identifier (connection id before a card is bound).
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"60"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	MatchSweepInterval  time.Duration `envconfig:"MATCH_SWEEP_INTERVAL" default:"5s"`
	ExpirySweepInterval time.Duration `envconfig:"EXPIRY_SWEEP_INTERVAL" default:"60s"`

	// MatchThreshold is the minimum sweep score that triggers notification.
	MatchThreshold int `envconfig:"MATCH_THRESHOLD" default:"60"`

	// PairRetention bounds the memory of the already-scored pair set.
	PairRetention time.Duration `envconfig:"PAIR_RETENTION" default:"24h"`

	// MaxEnvelopeAge is the replay freshness window for inbound envelopes.
	MaxEnvelopeAge time.Duration `envconfig:"MAX_ENVELOPE_AGE" default:"5m"`
}

// LoadConfig parses the relay configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("TACIT", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in defaults without reading the
// environment, for tests and embedded relays.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":9520",
		KeyPath:             "relay.key",
		MaxConnsPerIP:       8,
		RateLimit:           60,
		RateLimitWindow:     time.Minute,
		MatchSweepInterval:  5 * time.Second,
		ExpirySweepInterval: 60 * time.Second,
		MatchThreshold:      match.NotifyThreshold,
		PairRetention:       24 * time.Hour,
		MaxEnvelopeAge:      5 * time.Minute,
	}
}
