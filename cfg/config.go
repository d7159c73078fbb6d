// Package cfg holds the realtime layer configuration: TOML file loading,
// documented defaults and fail-fast validation.
package cfg

import (
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ReconnectConfiguration controls backoff between reconnection attempts
type ReconnectConfiguration struct {
	BaseDelayMS int `toml:"base_delay_ms"` // Initial backoff delay
	MaxDelayMS  int `toml:"max_delay_ms"`  // Backoff cap
	JitterMS    int `toml:"jitter_ms"`     // Random offset added to each delay
	MaxAttempts int `toml:"max_attempts"`  // Attempts before giving up
}

// DedupConfiguration controls the duplicate-event suppression window
type DedupConfiguration struct {
	WindowMS   int `toml:"window_ms"`   // Identical events within this span collapse to one
	MaxEntries int `toml:"max_entries"` // Bounded size of the recent-events store
}

// RateLimitConfiguration controls per-scope admission
type RateLimitConfiguration struct {
	EventsPerSecond int `toml:"events_per_second"` // Fixed-window admission limit per scope
}

// HeartbeatConfiguration controls the liveness broadcast
type HeartbeatConfiguration struct {
	Enabled    bool   `toml:"enabled"`
	IntervalMS int    `toml:"interval_ms"`
	Channel    string `toml:"channel"` // Transport channel used for liveness broadcasts
}

// DispatchConfiguration controls per-subscription delivery queues
type DispatchConfiguration struct {
	QueueDepth int `toml:"queue_depth"` // Buffered events per subscription before drops
}

// NATSConfiguration for the NATS transport adapter
type NATSConfiguration struct {
	URL              string `toml:"url"`
	SubjectPrefix    string `toml:"subject_prefix"`
	CompressionLevel int    `toml:"compression_level"` // 0 disables payload compression
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// AdminConfiguration for the observability HTTP endpoint
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure. Instances are created
// via Default or Load and injected where needed; there is no process-wide
// shared configuration, so independent managers (and tests) never interfere.
type Configuration struct {
	ClientID uint64 `toml:"client_id"` // 0 = derive from machine id

	Reconnect  ReconnectConfiguration  `toml:"reconnect"`
	Dedup      DedupConfiguration      `toml:"dedup"`
	RateLimit  RateLimitConfiguration  `toml:"rate_limit"`
	Heartbeat  HeartbeatConfiguration  `toml:"heartbeat"`
	Dispatch   DispatchConfiguration   `toml:"dispatch"`
	NATS       NATSConfiguration       `toml:"nats"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Admin      AdminConfiguration      `toml:"admin"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Default returns a configuration with documented defaults.
func Default() *Configuration {
	return &Configuration{
		Reconnect: ReconnectConfiguration{
			BaseDelayMS: 1000,
			MaxDelayMS:  30000,
			JitterMS:    1000,
			MaxAttempts: 5,
		},

		Dedup: DedupConfiguration{
			WindowMS:   2000,
			MaxEntries: 1000,
		},

		RateLimit: RateLimitConfiguration{
			EventsPerSecond: 10,
		},

		Heartbeat: HeartbeatConfiguration{
			Enabled:    true,
			IntervalMS: 30000,
			Channel:    "system",
		},

		Dispatch: DispatchConfiguration{
			QueueDepth: 64,
		},

		NATS: NATSConfiguration{
			URL:              "nats://localhost:4222",
			SubjectPrefix:    "realtime",
			CompressionLevel: 0,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Admin: AdminConfiguration{
			Enabled:     false,
			BindAddress: "127.0.0.1",
			Port:        9480,
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load reads configuration from a TOML file layered over defaults and
// validates the result. A missing file is not an error; defaults apply.
func Load(configPath string) (*Configuration, error) {
	config := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading realtime configuration")
			if _, err := toml.DecodeFile(configPath, config); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if config.ClientID == 0 {
		id, err := generateClientID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate client ID: %w", err)
		}
		config.ClientID = id
		log.Info().Uint64("client_id", config.ClientID).Msg("Auto-generated client ID")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// generateClientID creates a stable client ID based on machine ID
func generateClientID() (uint64, error) {
	id, err := machineid.ProtectedID("opencivic-realtime")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors. Invalid limiter or backoff
// parameters are rejected here, at construction, not at first use.
func (c *Configuration) Validate() error {
	if c.Reconnect.BaseDelayMS < 1 {
		return fmt.Errorf("reconnect base delay must be >= 1ms, got %d", c.Reconnect.BaseDelayMS)
	}

	if c.Reconnect.MaxDelayMS < c.Reconnect.BaseDelayMS {
		return fmt.Errorf("reconnect max delay (%dms) must be >= base delay (%dms)",
			c.Reconnect.MaxDelayMS, c.Reconnect.BaseDelayMS)
	}

	if c.Reconnect.JitterMS < 0 {
		return fmt.Errorf("reconnect jitter must be >= 0ms, got %d", c.Reconnect.JitterMS)
	}

	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect max attempts must be >= 1, got %d", c.Reconnect.MaxAttempts)
	}

	if c.Dedup.WindowMS < 1 {
		return fmt.Errorf("dedup window must be >= 1ms, got %d", c.Dedup.WindowMS)
	}

	if c.Dedup.MaxEntries < 1 {
		return fmt.Errorf("dedup max entries must be >= 1, got %d", c.Dedup.MaxEntries)
	}

	// 0 is valid and means "admit nothing"; only negative limits are a
	// configuration error.
	if c.RateLimit.EventsPerSecond < 0 {
		return fmt.Errorf("rate limit must be >= 0 events/second, got %d", c.RateLimit.EventsPerSecond)
	}

	if c.Heartbeat.Enabled {
		if c.Heartbeat.IntervalMS < 1 {
			return fmt.Errorf("heartbeat interval must be >= 1ms, got %d", c.Heartbeat.IntervalMS)
		}
		if c.Heartbeat.Channel == "" {
			return fmt.Errorf("heartbeat channel is required when heartbeat is enabled")
		}
	}

	if c.Dispatch.QueueDepth < 1 {
		return fmt.Errorf("dispatch queue depth must be >= 1, got %d", c.Dispatch.QueueDepth)
	}

	if c.NATS.CompressionLevel < 0 || c.NATS.CompressionLevel > 4 {
		return fmt.Errorf("NATS compression level must be 0-4, got %d", c.NATS.CompressionLevel)
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}
