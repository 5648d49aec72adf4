// Package config loads gateway settings from YAML, dotenv files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	gwerrors "github.com/odvcencio/listopia/pkg/errors"
)

// Supported protocol versions, newest first.
var defaultSupportedVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
	"2024-10-07",
}

// DefaultProtocolVersion is used when neither the request nor config names one.
const DefaultProtocolVersion = "2025-06-18"

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Injection InjectionConfig `yaml:"injection"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Summary   SummaryConfig   `yaml:"summary"`
	Keyword   KeywordConfig   `yaml:"keyword"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Bind            string        `yaml:"bind"`
	RoutePrefix     string        `yaml:"route_prefix"`
	AggregateRoot   bool          `yaml:"aggregate_root"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StreamWriteTimeout bounds each write to a streaming client. A client
	// that stays unwritable this long is dropped while the reply is still
	// read to the end.
	StreamWriteTimeout time.Duration `yaml:"stream_write_timeout"`
}

// UpstreamConfig describes the OpenAI-compatible chat provider.
type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	Referer      string        `yaml:"referer"`
	Title        string        `yaml:"title"`
	Timeout      time.Duration `yaml:"timeout"`
	LogBodies    bool          `yaml:"log_bodies"`
}

// Configured reports whether upstream forwarding is possible.
func (u UpstreamConfig) Configured() bool {
	return strings.TrimSpace(u.BaseURL) != "" && strings.TrimSpace(u.APIKey) != ""
}

// RetrievalConfig describes the workflow engine serving anchor context.
type RetrievalConfig struct {
	WorkflowURL        string        `yaml:"workflow_url"`
	APIKey             string        `yaml:"api_key"`
	WorkflowID         string        `yaml:"workflow_id"`
	Timeout            time.Duration `yaml:"timeout"`
	SnippetMin         int           `yaml:"snippet_min"`
	SnippetMax         int           `yaml:"snippet_max"`
	CacheSize          int           `yaml:"cache_size"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	RatePerSecond      float64       `yaml:"rate_per_second"`
	Burst              int           `yaml:"burst"`
	BreakerMaxFailures int           `yaml:"breaker_max_failures"`
	BreakerReset       time.Duration `yaml:"breaker_reset"`
}

// Configured reports whether a retrieval workflow is wired.
func (r RetrievalConfig) Configured() bool {
	return strings.TrimSpace(r.WorkflowURL) != "" && strings.TrimSpace(r.APIKey) != ""
}

// InjectionConfig controls per-turn context injection.
type InjectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ForceEveryTurn bool          `yaml:"force_every_turn"`
	LocalToolURL   string        `yaml:"local_tool_url"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`

	// SanitizeToolTraces repairs orphan tool messages before forwarding.
	// Caller messages are forwarded unchanged when false.
	SanitizeToolTraces bool `yaml:"sanitize_tool_traces"`
}

// ProtocolConfig lists the tool protocol versions the gateway accepts.
type ProtocolConfig struct {
	Default   string   `yaml:"default"`
	Supported []string `yaml:"supported"`
}

// SummaryConfig sets the two summary horizons, in user turns.
type SummaryConfig struct {
	ShortWindow int `yaml:"short_window"`
	LongWindow  int `yaml:"long_window"`
	MaxRunes    int `yaml:"max_runes"`
}

// KeywordConfig tunes the default keyword extractor.
type KeywordConfig struct {
	Count             int      `yaml:"count"`
	AnchorTerm        string   `yaml:"anchor_term"`
	SmalltalkFallback []string `yaml:"smalltalk_fallback"`
	EmptyFallback     []string `yaml:"empty_fallback"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig selects the event bus. An empty NATSURL uses the in-memory bus.
type EventsConfig struct {
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TelegramConfig maps Telegram chat ids onto gateway sessions.
type TelegramConfig struct {
	SessionMap     map[string]string `yaml:"session_map"`
	FallbackPrefix string            `yaml:"fallback_prefix"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig toggles tracing export.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            "127.0.0.1:8080",
			RoutePrefix:     "/api/v1",
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,

			StreamWriteTimeout: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			DefaultModel: "openai/gpt-4o-mini",
			Timeout:      5 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			Timeout:            60 * time.Second,
			SnippetMin:         1,
			SnippetMax:         400,
			CacheSize:          256,
			CacheTTL:           5 * time.Minute,
			RatePerSecond:      5,
			Burst:              10,
			BreakerMaxFailures: 5,
			BreakerReset:       30 * time.Second,
		},
		Injection: InjectionConfig{
			Enabled:        true,
			ForceEveryTurn: true,
			ToolTimeout:    8 * time.Second,
		},
		Protocol: ProtocolConfig{
			Default:   DefaultProtocolVersion,
			Supported: slices.Clone(defaultSupportedVersions),
		},
		Summary: SummaryConfig{
			ShortWindow: 4,
			LongWindow:  30,
			MaxRunes:    600,
		},
		Keyword: KeywordConfig{
			Count:             2,
			AnchorTerm:        "猫咪",
			SmalltalkFallback: []string{"撒娇", "哥哥"},
			EmptyFallback:     []string{"猫咪", "哥哥"},
		},
		Storage: StorageConfig{
			Path: defaultDBPath(),
		},
		Events: EventsConfig{
			SubjectPrefix: "listopia",
			Timeout:       5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".listopia", "listopia.db")
	}
	return filepath.Join(home, ".listopia", "listopia.db")
}

// Load reads ~/.listopia/config.yaml, then ./.listopia/config.yaml, then
// dotenv files and the environment, and validates the result.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".listopia", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".listopia", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg, loadConfigEnvVars(home))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.ErrCodeConfigLoad, "loading config").
			WithContext("path", path)
	}

	home, _ := os.UserHomeDir()
	applyEnvOverrides(cfg, loadConfigEnvVars(home))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate rejects half-configured pairs and inconsistent bounds.
func (c *Config) Validate() error {
	if err := validatePair("upstream", "base_url", c.Upstream.BaseURL, "api_key", c.Upstream.APIKey); err != nil {
		return err
	}
	if err := validatePair("retrieval", "workflow_url", c.Retrieval.WorkflowURL, "api_key", c.Retrieval.APIKey); err != nil {
		return err
	}

	if c.Retrieval.SnippetMin <= 0 || c.Retrieval.SnippetMax < c.Retrieval.SnippetMin {
		return invalid("retrieval snippet bounds must satisfy 0 < min <= max (got %d, %d)",
			c.Retrieval.SnippetMin, c.Retrieval.SnippetMax)
	}
	if c.Summary.ShortWindow <= 0 || c.Summary.LongWindow <= c.Summary.ShortWindow {
		return invalid("summary windows must satisfy 0 < short < long (got %d, %d)",
			c.Summary.ShortWindow, c.Summary.LongWindow)
	}
	if c.Server.StreamWriteTimeout <= 0 {
		return invalid("server stream_write_timeout must be positive")
	}
	if c.Injection.ToolTimeout <= 0 {
		return invalid("injection tool_timeout must be positive")
	}
	if c.Upstream.Timeout > 0 && c.Injection.ToolTimeout >= c.Upstream.Timeout {
		return invalid("injection tool_timeout (%s) must be shorter than upstream timeout (%s)",
			c.Injection.ToolTimeout, c.Upstream.Timeout)
	}
	if len(c.Protocol.Supported) == 0 {
		return invalid("protocol supported versions must not be empty")
	}
	if !slices.Contains(c.Protocol.Supported, c.Protocol.Default) {
		return invalid("protocol default %q is not in the supported set %v",
			c.Protocol.Default, c.Protocol.Supported)
	}
	if c.Keyword.Count <= 0 {
		return invalid("keyword count must be positive")
	}
	if prefix := c.Server.RoutePrefix; prefix != "" && !strings.HasPrefix(prefix, "/") {
		return invalid("server route_prefix must start with '/' (got %q)", prefix)
	}
	return nil
}

// Warnings lists non-fatal configuration gaps worth logging at startup.
func (c *Config) Warnings() []string {
	var out []string
	if !c.Upstream.Configured() {
		out = append(out, "upstream not configured: chat completions will answer 503")
	}
	if c.Injection.Enabled && c.Injection.ForceEveryTurn && !c.Retrieval.Configured() {
		out = append(out, "context injection enabled without a retrieval workflow: turns will run without context")
	}
	return out
}

func validatePair(section, aName, a, bName, b string) error {
	hasA := strings.TrimSpace(a) != ""
	hasB := strings.TrimSpace(b) != ""
	if hasA == hasB {
		return nil
	}
	missing := bName
	if !hasA {
		missing = aName
	}
	return gwerrors.Newf(gwerrors.ErrCodeConfigInvalid,
		"%s.%s and %s.%s must be set together (missing %s)", section, aName, section, bName, missing).
		WithContext("section", section)
}

func invalid(format string, args ...any) error {
	return gwerrors.Newf(gwerrors.ErrCodeConfigInvalid, format, args...)
}
