package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// loadAndMerge decodes a YAML file over cfg. Keys absent from the file keep
// their current values.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// loadConfigEnvVars reads ~/.listopia/config.env and ./.env. Project values
// win over user values; the real environment wins over both.
func loadConfigEnvVars(home string) map[string]string {
	vars := make(map[string]string)
	paths := []string{".env"}
	if home != "" {
		paths = []string{filepath.Join(home, ".listopia", "config.env"), ".env"}
	}
	for _, path := range paths {
		file, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		for k, v := range file {
			vars[k] = v
		}
	}
	return vars
}

type envSource struct {
	file map[string]string
}

func (e envSource) get(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(e.file[key])
}

func (e envSource) first(keys ...string) string {
	for _, k := range keys {
		if v := e.get(k); v != "" {
			return v
		}
	}
	return ""
}

func (e envSource) bool(key string) (bool, bool) {
	return parseBool(e.get(key))
}

func (e envSource) int(key string) (int, bool) {
	v := e.get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// duration accepts Go durations ("8s") or bare seconds ("8", "2.5").
func (e envSource) duration(key string) (time.Duration, bool) {
	v := e.get(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	env := envSource{file: configEnv}

	// Upstream
	if v := env.get("UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := env.get("UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := env.get("DEFAULT_MODEL"); v != "" {
		cfg.Upstream.DefaultModel = v
	}
	if v := env.get("OPENROUTER_HTTP_REFERER"); v != "" {
		cfg.Upstream.Referer = v
	}
	if v := env.get("OPENROUTER_X_TITLE"); v != "" {
		cfg.Upstream.Title = v
	}
	if d, ok := env.duration("UPSTREAM_TIMEOUT"); ok {
		cfg.Upstream.Timeout = d
	}

	// Retrieval workflow
	if v := env.get("DIFY_WORKFLOW_RUN_URL"); v != "" {
		cfg.Retrieval.WorkflowURL = v
	} else if base := env.get("DIFY_BASE_URL"); base != "" {
		cfg.Retrieval.WorkflowURL = strings.TrimRight(base, "/") + "/v1/workflows/run"
	}
	if v := env.first("DIFY_API_KEY", "DIFY_WORKFLOW_API_KEY"); v != "" {
		cfg.Retrieval.APIKey = v
	}
	if v := env.get("DIFY_WORKFLOW_ID_ANCHOR"); v != "" {
		cfg.Retrieval.WorkflowID = v
	}
	if d, ok := env.duration("DIFY_TIMEOUT_SECS"); ok {
		cfg.Retrieval.Timeout = d
	}
	if n, ok := env.int("ANCHOR_SNIP_MIN"); ok {
		cfg.Retrieval.SnippetMin = n
	}
	if n, ok := env.int("ANCHOR_SNIP_MAX"); ok {
		cfg.Retrieval.SnippetMax = n
	}
	if d, ok := env.duration("ANCHOR_CACHE_TTL"); ok {
		cfg.Retrieval.CacheTTL = d
	}

	// Injection
	if v, ok := env.bool("ANCHOR_INJECT_ENABLED"); ok {
		cfg.Injection.Enabled = v
	}
	if v, ok := env.bool("FORCE_GATEWAY_EVERY_TURN"); ok {
		cfg.Injection.ForceEveryTurn = v
	}
	if v := env.get("LOCAL_MCP_GATEWAY_URL"); v != "" {
		cfg.Injection.LocalToolURL = v
	}
	if d, ok := env.duration("LOCAL_MCP_TIMEOUT"); ok {
		cfg.Injection.ToolTimeout = d
	}
	if v, ok := env.bool("SANITIZE_TOOL_TRACES"); ok {
		cfg.Injection.SanitizeToolTraces = v
	}

	// Protocol
	if v := env.get("MCP_PROTOCOL_VERSION"); v != "" {
		cfg.Protocol.Default = v
	}
	if v := env.get("MCP_SUPPORTED_VERSIONS"); v != "" {
		cfg.Protocol.Supported = splitCommaList(v)
	}

	// Summaries
	if n, ok := env.int("S4_WINDOW_USER_TURNS"); ok {
		cfg.Summary.ShortWindow = n
	}
	if n, ok := env.int("S60_WINDOW_USER_TURNS"); ok {
		cfg.Summary.LongWindow = n
	}

	// Process
	if v := env.get("LISTOPIA_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := env.get("LISTOPIA_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := env.get("LISTOPIA_ROUTE_PREFIX"); v != "" {
		cfg.Server.RoutePrefix = v
	}
	if v, ok := env.bool("LISTOPIA_AGGREGATE_ROOT"); ok {
		cfg.Server.AggregateRoot = v
	}
	if d, ok := env.duration("LISTOPIA_STREAM_WRITE_TIMEOUT"); ok {
		cfg.Server.StreamWriteTimeout = d
	}
	if v := env.get("LISTOPIA_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := env.get("LISTOPIA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := env.bool("LISTOPIA_TRACING"); ok {
		cfg.Telemetry.Tracing = v
	}

	// Telegram session mapping
	if v := env.get("TG_RK_SESSION_MAP_JSON"); v != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			cfg.Telegram.SessionMap = m
		}
	}
	if v := env.get("TG_RK_FALLBACK_PREFIX"); v != "" {
		cfg.Telegram.FallbackPrefix = v
	}
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseBool(val string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
