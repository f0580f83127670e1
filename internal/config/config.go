package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Mihomo daemon connection
	MihomoURL     string        `koanf:"mihomo_url"`
	MihomoSecret  string        `koanf:"mihomo_secret"`
	MihomoTimeout time.Duration `koanf:"mihomo_timeout"`
	MihomoDebug   bool          `koanf:"mihomo_debug"`
	PollInterval  time.Duration `koanf:"poll_interval"`

	// Router helper agent (optional)
	AgentEnabled          bool          `koanf:"agent_enabled"`
	AgentURL              string        `koanf:"agent_url"`
	AgentToken            string        `koanf:"agent_token"`
	AgentTimeout          time.Duration `koanf:"agent_timeout"`
	AgentEnforceBandwidth bool          `koanf:"agent_enforce_bandwidth"`
	ProviderCacheTTL      time.Duration `koanf:"provider_cache_ttl"`

	// Enforcement behavior
	AutoDisconnect      bool          `koanf:"auto_disconnect"`
	HardBlock           bool          `koanf:"hard_block"`
	EnforceDebounce     time.Duration `koanf:"enforce_debounce"`
	ShaperDebounce      time.Duration `koanf:"shaper_debounce"`
	BlocklistMinPushGap time.Duration `koanf:"blocklist_min_push_gap"`
	DisconnectCooldown  time.Duration `koanf:"disconnect_cooldown"`

	// Usage ledger
	RetentionDays   int           `koanf:"retention_days"`
	PersistDebounce time.Duration `koanf:"persist_debounce"`

	// Identity mapping
	IdentityRefreshInterval time.Duration `koanf:"identity_refresh_interval"`
	IPLabels                []string      `koanf:"ip_labels"`

	// Worker pool (agent MAC-block jobs)
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	DryRun          bool          `koanf:"dry_run"`
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// IPLabel is a parsed manual ip=label identity override.
type IPLabel struct {
	IP    string
	Label string
}

// ParseIPLabels parses ip=label override entries.
func (c *Config) ParseIPLabels() ([]IPLabel, error) {
	labels := make([]IPLabel, 0, len(c.IPLabels))
	for _, p := range c.IPLabels {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid ip label %q: expected format ip=label", p)
		}
		ip := strings.TrimSpace(parts[0])
		label := strings.TrimSpace(parts[1])
		if net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("invalid ip label %q: %q is not an IP address", p, ip)
		}
		if label == "" {
			return nil, fmt.Errorf("invalid ip label %q: label must not be empty", p)
		}
		labels = append(labels, IPLabel{IP: ip, Label: label})
	}
	return labels, nil
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.MihomoURL = stripEnvQuotes(c.MihomoURL)
	c.MihomoSecret = stripEnvQuotes(c.MihomoSecret)
	c.AgentURL = stripEnvQuotes(c.AgentURL)
	c.AgentToken = stripEnvQuotes(c.AgentToken)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	for i, s := range c.IPLabels {
		c.IPLabels[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"mihomo_timeout":            "15s",
		"poll_interval":             "1s",
		"agent_enabled":             false,
		"agent_timeout":             "4s",
		"agent_enforce_bandwidth":   false,
		"provider_cache_ttl":        "60s",
		"auto_disconnect":           true,
		"hard_block":                true,
		"enforce_debounce":          "500ms",
		"shaper_debounce":           "600ms",
		"blocklist_min_push_gap":    "15s",
		"disconnect_cooldown":       "2500ms",
		"retention_days":            35,
		"persist_debounce":          "1500ms",
		"identity_refresh_interval": "1m",
		"pool_workers":              2,
		"pool_queue_depth":          256,
		"pool_max_retries":          3,
		"pool_retry_base":           "1s",
		"data_dir":                  "/data",
		"log_level":                 "info",
		"log_format":                "json",
		"metrics_enabled":           true,
		"metrics_addr":              ":9090",
		"health_addr":               ":8081",
		"janitor_interval":          "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. This normalises values set via Docker --env-file, which does not
// strip shell quoting. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. MIHOMO_URL → "mihomo_url"
	// maps to struct tag koanf:"mihomo_url" without any nesting.
	k := koanf.New(".")

	// Apply defaults first
	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Load from environment — use "." as delimiter so env vars aren't split
	// by "_". Our env var names don't contain ".", so they stay flat.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Inject _FILE secrets
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.IPLabels = splitCSV(k.String("ip_labels"))

	// Strip Docker env-file quoting from all string values
	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.MihomoURL == "" {
		return fmt.Errorf("MIHOMO_URL is required")
	}
	if !strings.HasPrefix(c.MihomoURL, "http://") && !strings.HasPrefix(c.MihomoURL, "https://") {
		return fmt.Errorf("MIHOMO_URL must start with http:// or https://; got %q", c.MihomoURL)
	}

	if c.AgentEnabled {
		if c.AgentURL == "" {
			return fmt.Errorf("AGENT_URL is required when AGENT_ENABLED is true")
		}
		if !strings.HasPrefix(c.AgentURL, "http://") && !strings.HasPrefix(c.AgentURL, "https://") {
			return fmt.Errorf("AGENT_URL must start with http:// or https://; got %q", c.AgentURL)
		}
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0; got %s", c.PollInterval)
	}

	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be >= 1; got %d", c.RetentionDays)
	}

	if c.EnforceDebounce <= 0 || c.ShaperDebounce <= 0 {
		return fmt.Errorf("ENFORCE_DEBOUNCE and SHAPER_DEBOUNCE must be > 0")
	}

	if c.DisconnectCooldown <= 0 {
		return fmt.Errorf("DISCONNECT_COOLDOWN must be > 0; got %s", c.DisconnectCooldown)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}

	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	if _, err := c.ParseIPLabels(); err != nil {
		return fmt.Errorf("IP_LABELS: %w", err)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"mihomo_secret",
	"agent_token",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
