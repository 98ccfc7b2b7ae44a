package voxbridge

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/voxbridge/voxbridge/pkg/media"
)

// Config is the full application configuration, loaded from a YAML file
// with ${ENV_VAR} expansion applied to string values.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	Control  ControlConfig `mapstructure:"control"`
	Media    MediaConfig   `mapstructure:"media"`
	Calls    CallsConfig   `mapstructure:"calls"`
	Upstream VendorConfig  `mapstructure:"upstream"`
	Sink     VendorConfig  `mapstructure:"sink"`
	Stream   StreamConfig  `mapstructure:"stream"`
	Privacy  PrivacyConfig `mapstructure:"privacy"`
}

// PrivacyConfig controls transcript scrubbing before publication.
type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// ControlConfig points at the PBX control plane.
type ControlConfig struct {
	URL          string        `mapstructure:"url"`
	Application  string        `mapstructure:"application"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	MediaFormat  string        `mapstructure:"media_format"`
	ExternalHost string        `mapstructure:"external_host"`
	Reconnect    BackoffConfig `mapstructure:"reconnect"`
}

// MediaConfig tunes the UDP ingest socket.
type MediaConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	HeaderSize int    `mapstructure:"header_size"`
	Swap16     bool   `mapstructure:"swap16"`
}

// CallsConfig tunes per-call media handling.
type CallsConfig struct {
	QueueDepth int    `mapstructure:"queue_depth"`
	SwapPolicy string `mapstructure:"swap_policy"`
}

// VendorConfig names a pluggable provider plus its free-form settings.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// StreamConfig tunes the per-call transcription stream.
type StreamConfig struct {
	FlushGraceMs    int           `mapstructure:"flush_grace_ms"`
	DrainTimeoutMs  int           `mapstructure:"drain_timeout_ms"`
	GapBufferFrames int           `mapstructure:"gap_buffer_frames"`
	InterleaveMs    int           `mapstructure:"interleave_flush_ms"`
	Reconnect       BackoffConfig `mapstructure:"reconnect"`
}

// BackoffConfig is the wire form of a reconnect backoff.
type BackoffConfig struct {
	BaseMs     int     `mapstructure:"base_ms"`
	Multiplier float64 `mapstructure:"multiplier"`
	MaxMs      int     `mapstructure:"max_ms"`
	Jitter     bool    `mapstructure:"jitter"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("control.url", "http://localhost:8088")
	v.SetDefault("control.application", "voxbridge")
	v.SetDefault("control.media_format", "slin16")
	v.SetDefault("control.reconnect.base_ms", 1000)
	v.SetDefault("control.reconnect.max_ms", 30000)
	v.SetDefault("control.reconnect.jitter", true)
	v.SetDefault("media.host", "0.0.0.0")
	v.SetDefault("media.port", 10000)
	v.SetDefault("media.header_size", 12)
	v.SetDefault("media.swap16", false)
	v.SetDefault("calls.queue_depth", media.DefaultQueueDepth)
	v.SetDefault("calls.swap_policy", string(media.SwapPolicyExplicit))
	v.SetDefault("upstream.provider", "deepgram")
	v.SetDefault("sink.provider", "log")
	v.SetDefault("stream.flush_grace_ms", 250)
	v.SetDefault("stream.drain_timeout_ms", 3000)
	v.SetDefault("stream.gap_buffer_frames", 200)
	v.SetDefault("stream.interleave_flush_ms", 250)
	v.SetDefault("stream.reconnect.base_ms", 1000)
	v.SetDefault("stream.reconnect.max_ms", 30000)
	v.SetDefault("stream.reconnect.jitter", true)
	v.SetDefault("privacy.redact_pii", false)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Control.ExternalHost) == "" {
		return fmt.Errorf("control.external_host is required")
	}
	if strings.TrimSpace(c.Upstream.Provider) == "" {
		return fmt.Errorf("upstream.provider is required")
	}
	if strings.TrimSpace(c.Sink.Provider) == "" {
		return fmt.Errorf("sink.provider is required")
	}
	if c.Media.Port <= 0 || c.Media.Port > 65535 {
		return fmt.Errorf("media.port %d is out of range", c.Media.Port)
	}
	switch media.SwapPolicy(c.Calls.SwapPolicy) {
	case media.SwapPolicyExplicit, media.SwapPolicyFirstPacket:
	default:
		return fmt.Errorf("calls.swap_policy %q is not one of explicit, first_packet", c.Calls.SwapPolicy)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	cfg.Control.URL = os.ExpandEnv(cfg.Control.URL)
	cfg.Control.Username = os.ExpandEnv(cfg.Control.Username)
	cfg.Control.Password = os.ExpandEnv(cfg.Control.Password)
	cfg.Control.ExternalHost = os.ExpandEnv(cfg.Control.ExternalHost)
	cfg.Upstream.Settings = expandSettings(cfg.Upstream.Settings)
	cfg.Sink.Settings = expandSettings(cfg.Sink.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}
