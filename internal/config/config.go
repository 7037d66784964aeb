package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the speech relay
type Config struct {
	// Listener configuration
	BindHost       string `envconfig:"BIND_HOST" default:"127.0.0.1" yaml:"bind_host"`
	InboundPort    int    `envconfig:"INBOUND_PORT" default:"8090" yaml:"inbound_port"`        // Upstream text producers connect here
	RendezvousPort int    `envconfig:"RENDEZVOUS_PORT" default:"13001" yaml:"rendezvous_port"` // UDP REGISTER/BYE announcements
	PollInterval   int    `envconfig:"POLL_INTERVAL" default:"1000" yaml:"poll_interval"`      // Accept/receive poll in milliseconds

	// Downstream audio processors listen on OUTBOUND_BASE_PORT + numeric call ID.
	// Non-numeric (or out of range) call IDs use OUTBOUND_FALLBACK_OFFSET instead,
	// so two such calls collide on the same port. Deployers choosing non-numeric
	// identifiers must ensure only one such call is active at a time.
	OutboundHost           string `envconfig:"OUTBOUND_HOST" default:"127.0.0.1" yaml:"outbound_host"`
	OutboundBasePort       int    `envconfig:"OUTBOUND_BASE_PORT" default:"9002" yaml:"outbound_base_port"`
	OutboundFallbackOffset int    `envconfig:"OUTBOUND_FALLBACK_OFFSET" default:"0" yaml:"outbound_fallback_offset"`

	// Dial schedule
	DialMaxAttempts  int `envconfig:"DIAL_MAX_ATTEMPTS" default:"10" yaml:"dial_max_attempts"`
	DialFastAttempts int `envconfig:"DIAL_FAST_ATTEMPTS" default:"5" yaml:"dial_fast_attempts"`
	DialFastBackoff  int `envconfig:"DIAL_FAST_BACKOFF" default:"200" yaml:"dial_fast_backoff"`  // milliseconds
	DialSlowBackoff  int `envconfig:"DIAL_SLOW_BACKOFF" default:"1000" yaml:"dial_slow_backoff"` // milliseconds
	DialTimeout      int `envconfig:"DIAL_TIMEOUT" default:"500" yaml:"dial_timeout"`            // Per-attempt connect timeout in milliseconds
	DialWorkers      int `envconfig:"DIAL_WORKERS" default:"64" yaml:"dial_workers"`             // Concurrent dial tasks
	WriteTimeout     int `envconfig:"WRITE_TIMEOUT" default:"5000" yaml:"write_timeout"`         // Outbound write deadline in milliseconds

	// Framing limits
	MaxIdentityBytes int `envconfig:"MAX_IDENTITY_BYTES" default:"1024" yaml:"max_identity_bytes"`
	MaxTextBytes     int `envconfig:"MAX_TEXT_BYTES" default:"10485760" yaml:"max_text_bytes"`
	FrameDurationMs  int `envconfig:"FRAME_DURATION_MS" default:"40" yaml:"frame_duration_ms"` // Audio window length

	// Synthesis engine
	SynthMode       string  `envconfig:"SYNTH_MODE" default:"tone" yaml:"synth_mode"` // tone, exec, http, websocket
	SynthVoice      string  `envconfig:"SYNTH_VOICE" default:"af_sky" yaml:"synth_voice"`
	SynthSpeed      float64 `envconfig:"SYNTH_SPEED" default:"1.0" yaml:"synth_speed"`
	SynthSampleRate int     `envconfig:"SYNTH_SAMPLE_RATE" default:"24000" yaml:"synth_sample_rate"`
	SynthCommand    string  `envconfig:"SYNTH_COMMAND" default:"" yaml:"synth_command"` // exec mode
	SynthURL        string  `envconfig:"SYNTH_URL" default:"" yaml:"synth_url"`         // http and websocket modes
	SynthAPIKey     string  `envconfig:"SYNTH_API_KEY" default:"" yaml:"synth_api_key"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5" yaml:"circuit_breaker_max_failures"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30" yaml:"circuit_breaker_reset_timeout"` // seconds

	// Call event delivery (each disabled when empty)
	NATSURL            string `envconfig:"NATS_URL" default:"" yaml:"nats_url"`
	NATSSubjectPrefix  string `envconfig:"NATS_SUBJECT_PREFIX" default:"relay" yaml:"nats_subject_prefix"`
	EventStorePath     string `envconfig:"EVENT_STORE_PATH" default:"" yaml:"event_store_path"`
	EventRetentionDays int    `envconfig:"EVENT_RETENTION_DAYS" default:"7" yaml:"event_retention_days"`

	// Observability configuration
	HTTPPort       int    `envconfig:"HTTP_PORT" default:"8080" yaml:"http_port"`
	GRPCHealthPort int    `envconfig:"GRPC_HEALTH_PORT" default:"0" yaml:"grpc_health_port"` // 0 disables the gRPC health service
	OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT" default:"" yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `envconfig:"OTLP_INSECURE" default:"true" yaml:"otlp_insecure"`
	StatsInterval  int    `envconfig:"STATS_INTERVAL" default:"30" yaml:"stats_interval"` // seconds, 0 disables the periodic stats log
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`         // debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false" yaml:"log_pretty"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true" yaml:"metrics_enabled"`

	// Optional YAML file whose keys override environment values
	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration can run a relay.
func (c *Config) Validate() error {
	var problems []string

	for name, port := range map[string]int{
		"INBOUND_PORT":       c.InboundPort,
		"RENDEZVOUS_PORT":    c.RendezvousPort,
		"OUTBOUND_BASE_PORT": c.OutboundBasePort,
		"HTTP_PORT":          c.HTTPPort,
	} {
		if port < 1 || port > 65535 {
			problems = append(problems, fmt.Sprintf("%s must be within 1-65535, got %d", name, port))
		}
	}
	if c.GRPCHealthPort < 0 || c.GRPCHealthPort > 65535 {
		problems = append(problems, fmt.Sprintf("GRPC_HEALTH_PORT must be within 0-65535, got %d", c.GRPCHealthPort))
	}
	if c.OutboundFallbackOffset < 0 || c.OutboundBasePort+c.OutboundFallbackOffset > 65535 {
		problems = append(problems, "OUTBOUND_FALLBACK_OFFSET must keep the fallback port within 1-65535")
	}
	if c.DialMaxAttempts < 1 {
		problems = append(problems, "DIAL_MAX_ATTEMPTS must be at least 1")
	}
	if c.DialFastAttempts < 0 || c.DialFastBackoff < 0 || c.DialSlowBackoff < 0 {
		problems = append(problems, "dial backoff settings must not be negative")
	}
	if c.DialTimeout <= 0 || c.WriteTimeout <= 0 || c.PollInterval <= 0 {
		problems = append(problems, "DIAL_TIMEOUT, WRITE_TIMEOUT and POLL_INTERVAL must be positive")
	}
	if c.DialWorkers < 1 {
		problems = append(problems, "DIAL_WORKERS must be at least 1")
	}
	if c.MaxIdentityBytes < 1 || c.MaxTextBytes < 1 {
		problems = append(problems, "MAX_IDENTITY_BYTES and MAX_TEXT_BYTES must be positive")
	}
	if c.FrameDurationMs < 1 {
		problems = append(problems, "FRAME_DURATION_MS must be positive")
	}
	if c.SynthSampleRate < 1 {
		problems = append(problems, "SYNTH_SAMPLE_RATE must be positive")
	}
	if c.SynthSpeed <= 0 {
		problems = append(problems, "SYNTH_SPEED must be positive")
	}

	switch strings.ToLower(c.SynthMode) {
	case "tone":
	case "exec":
		if c.SynthCommand == "" {
			problems = append(problems, "SYNTH_COMMAND is required when SYNTH_MODE=exec")
		}
	case "http", "websocket":
		if c.SynthURL == "" {
			problems = append(problems, fmt.Sprintf("SYNTH_URL is required when SYNTH_MODE=%s", c.SynthMode))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown SYNTH_MODE %q", c.SynthMode))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InboundAddr is the upstream TCP listen address.
func (c *Config) InboundAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.InboundPort)
}

// RendezvousAddr is the UDP listen address.
func (c *Config) RendezvousAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.RendezvousPort)
}

func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c *Config) DialTimeoutDuration() time.Duration {
	return time.Duration(c.DialTimeout) * time.Millisecond
}

func (c *Config) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Millisecond
}

func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

func (c *Config) StatsIntervalDuration() time.Duration {
	return time.Duration(c.StatsInterval) * time.Second
}

func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
