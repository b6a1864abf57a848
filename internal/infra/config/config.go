// Package config provides enact's runtime configuration.
// Values come from environment variables with safe defaults so the CLI runs
// without any setup; an optional TOML file (ENACT_CONFIG) overlays the keys
// it defines.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds runtime configuration for enact.
type Config struct {
	Home           string // ENACT_HOME, default: ~/.enact
	DBPath         string // ENACT_DB_PATH, default: <home>/enact.db
	TrustedKeysDir string // ENACT_TRUSTED_KEYS_DIR, default: <home>/trusted-keys
	Policy         string // ENACT_POLICY, default: "permissive"; a built-in or [policies] name
	Backend        string // ENACT_BACKEND: "direct" | "container", default: "direct"

	// TrustedKeys is ENACT_TRUSTED_KEYS (comma-separated key fingerprints) or
	// trusted_keys in the file. It restricts every policy without its own list.
	TrustedKeys []string
	// Policies are the [policies.<name>] tables of the config file.
	Policies []PolicyConfig

	DefaultTimeout    time.Duration // ENACT_DEFAULT_TIMEOUT, default: 30s
	EngineTimeout     time.Duration // ENACT_ENGINE_TIMEOUT, default: 30s
	MaxRetries        int           // ENACT_MAX_RETRIES, default: 3
	RetryInitialDelay time.Duration // ENACT_RETRY_INITIAL_DELAY, default: 1s
	RetryMaxDelay     time.Duration // ENACT_RETRY_MAX_DELAY, default: 10s
	HealthInterval    time.Duration // ENACT_HEALTH_INTERVAL, default: 30s
	ShutdownGrace     time.Duration // ENACT_SHUTDOWN_GRACE, default: 10s
	OperationTTL      time.Duration // ENACT_OPERATION_TTL, default: 5m

	EngineBinary string // ENACT_ENGINE_BINARY, default: "docker"
	BaseImage    string // ENACT_BASE_IMAGE, default: "alpine:3.20"

	SecretKey string // ENACT_SECRET_KEY, seed for the managed env store key

	LogLevel  string // ENACT_LOG_LEVEL, default: "info"
	LogFormat string // ENACT_LOG_FORMAT, "console" | "json", default: "console"
	HTTPAddr  string // ENACT_HTTP_ADDR, default: "127.0.0.1:8787"
}

const (
	envKeyConfig            = "ENACT_CONFIG"
	envKeyHome              = "ENACT_HOME"
	envKeyDBPath            = "ENACT_DB_PATH"
	envKeyTrustedKeysDir    = "ENACT_TRUSTED_KEYS_DIR"
	envKeyPolicy            = "ENACT_POLICY"
	envKeyTrustedKeys       = "ENACT_TRUSTED_KEYS"
	envKeyBackend           = "ENACT_BACKEND"
	envKeyDefaultTimeout    = "ENACT_DEFAULT_TIMEOUT"
	envKeyEngineTimeout     = "ENACT_ENGINE_TIMEOUT"
	envKeyMaxRetries        = "ENACT_MAX_RETRIES"
	envKeyRetryInitialDelay = "ENACT_RETRY_INITIAL_DELAY"
	envKeyRetryMaxDelay     = "ENACT_RETRY_MAX_DELAY"
	envKeyHealthInterval    = "ENACT_HEALTH_INTERVAL"
	envKeyShutdownGrace     = "ENACT_SHUTDOWN_GRACE"
	envKeyOperationTTL      = "ENACT_OPERATION_TTL"
	envKeyEngineBinary      = "ENACT_ENGINE_BINARY"
	envKeyBaseImage         = "ENACT_BASE_IMAGE"
	envKeySecretKey         = "ENACT_SECRET_KEY"
	envKeyLogLevel          = "ENACT_LOG_LEVEL"
	envKeyLogFormat         = "ENACT_LOG_FORMAT"
	envKeyHTTPAddr          = "ENACT_HTTP_ADDR"
)

const (
	BackendDirect    = "direct"
	BackendContainer = "container"
)

// Load reads configuration from environment variables, applying defaults for
// missing or unparsable values.
func Load() Config {
	home := envOr(envKeyHome, defaultHome())
	return Config{
		Home:              home,
		DBPath:            envOr(envKeyDBPath, filepath.Join(home, "enact.db")),
		TrustedKeysDir:    envOr(envKeyTrustedKeysDir, filepath.Join(home, "trusted-keys")),
		Policy:            envOr(envKeyPolicy, "permissive"),
		TrustedKeys:       envList(envKeyTrustedKeys),
		Backend:           envOr(envKeyBackend, BackendDirect),
		DefaultTimeout:    envDuration(envKeyDefaultTimeout, 30*time.Second),
		EngineTimeout:     envDuration(envKeyEngineTimeout, 30*time.Second),
		MaxRetries:        envInt(envKeyMaxRetries, 3),
		RetryInitialDelay: envDuration(envKeyRetryInitialDelay, time.Second),
		RetryMaxDelay:     envDuration(envKeyRetryMaxDelay, 10*time.Second),
		HealthInterval:    envDuration(envKeyHealthInterval, 30*time.Second),
		ShutdownGrace:     envDuration(envKeyShutdownGrace, 10*time.Second),
		OperationTTL:      envDuration(envKeyOperationTTL, 5*time.Minute),
		EngineBinary:      envOr(envKeyEngineBinary, "docker"),
		BaseImage:         envOr(envKeyBaseImage, "alpine:3.20"),
		SecretKey:         os.Getenv(envKeySecretKey),
		LogLevel:          envOr(envKeyLogLevel, "info"),
		LogFormat:         envOr(envKeyLogFormat, "console"),
		HTTPAddr:          envOr(envKeyHTTPAddr, "127.0.0.1:8787"),
	}
}

// LoadWithFile is Load followed by the TOML overlay named by ENACT_CONFIG,
// when set.
func LoadWithFile() (Config, error) {
	cfg := Load()
	path := strings.TrimSpace(os.Getenv(envKeyConfig))
	if path == "" {
		return cfg, nil
	}
	if err := cfg.ApplyFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PolicyConfig is one custom verification policy.
type PolicyConfig struct {
	Name              string   `toml:"-"`
	MinimumSignatures int      `toml:"minimum_signatures"`
	RequireRoles      []string `toml:"require_roles"`
	TrustedKeys       []string `toml:"trusted_keys"`
	AllowUnsigned     bool     `toml:"allow_unsigned"`
}

// fileConfig is the config.toml key mapping.
type fileConfig struct {
	Home              string `toml:"home"`
	DBPath            string `toml:"db_path"`
	TrustedKeysDir    string `toml:"trusted_keys_dir"`
	Policy            string `toml:"policy"`
	Backend           string `toml:"backend"`
	DefaultTimeout    string `toml:"default_timeout"`
	EngineTimeout     string `toml:"engine_timeout"`
	MaxRetries        int    `toml:"max_retries"`
	RetryInitialDelay string `toml:"retry_initial_delay"`
	RetryMaxDelay     string `toml:"retry_max_delay"`
	HealthInterval    string `toml:"health_interval"`
	ShutdownGrace     string `toml:"shutdown_grace"`
	OperationTTL      string `toml:"operation_ttl"`
	EngineBinary      string `toml:"engine_binary"`
	BaseImage         string `toml:"base_image"`
	LogLevel          string `toml:"log_level"`
	LogFormat         string `toml:"log_format"`
	HTTPAddr          string `toml:"http_addr"`

	TrustedKeys []string                `toml:"trusted_keys"`
	Policies    map[string]PolicyConfig `toml:"policies"`
}

// ApplyFile overlays the keys defined in the TOML file at path.
// Secrets are never read from the file.
func (c *Config) ApplyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	setString := func(key, value string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(value)
		}
	}
	setDuration := func(key, value string, dst *time.Duration) error {
		if !meta.IsDefined(key) {
			return nil
		}
		d, parseErr := time.ParseDuration(strings.TrimSpace(value))
		if parseErr != nil {
			return fmt.Errorf("config %s: %s: %w", path, key, parseErr)
		}
		*dst = d
		return nil
	}

	setString("home", raw.Home, &c.Home)
	setString("db_path", raw.DBPath, &c.DBPath)
	setString("trusted_keys_dir", raw.TrustedKeysDir, &c.TrustedKeysDir)
	setString("policy", raw.Policy, &c.Policy)
	setString("backend", raw.Backend, &c.Backend)
	setString("engine_binary", raw.EngineBinary, &c.EngineBinary)
	setString("base_image", raw.BaseImage, &c.BaseImage)
	setString("log_level", raw.LogLevel, &c.LogLevel)
	setString("log_format", raw.LogFormat, &c.LogFormat)
	setString("http_addr", raw.HTTPAddr, &c.HTTPAddr)
	if meta.IsDefined("max_retries") {
		c.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("trusted_keys") {
		c.TrustedKeys = trimList(raw.TrustedKeys)
	}
	if len(raw.Policies) > 0 {
		names := make([]string, 0, len(raw.Policies))
		for name := range raw.Policies {
			names = append(names, name)
		}
		sort.Strings(names)
		c.Policies = c.Policies[:0]
		for _, name := range names {
			pc := raw.Policies[name]
			pc.Name = name
			pc.TrustedKeys = trimList(pc.TrustedKeys)
			c.Policies = append(c.Policies, pc)
		}
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"default_timeout", raw.DefaultTimeout, &c.DefaultTimeout},
		{"engine_timeout", raw.EngineTimeout, &c.EngineTimeout},
		{"retry_initial_delay", raw.RetryInitialDelay, &c.RetryInitialDelay},
		{"retry_max_delay", raw.RetryMaxDelay, &c.RetryMaxDelay},
		{"health_interval", raw.HealthInterval, &c.HealthInterval},
		{"shutdown_grace", raw.ShutdownGrace, &c.ShutdownGrace},
		{"operation_ttl", raw.OperationTTL, &c.OperationTTL},
	}
	for _, d := range durations {
		if err := setDuration(d.key, d.value, d.dst); err != nil {
			return err
		}
	}

	return c.Validate()
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendDirect, BackendContainer:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	for _, p := range c.Policies {
		if p.MinimumSignatures < 0 {
			return fmt.Errorf("config: policy %q: minimum_signatures must be >= 0", p.Name)
		}
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be >= 1, got %d", c.MaxRetries)
	}
	return nil
}

// envOr returns the value of the environment variable key, or fallback if not set.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	return trimList(strings.Split(os.Getenv(key), ","))
}

// trimList drops blank entries and surrounding space.
func trimList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func defaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil || dir == "" {
		return ".enact"
	}
	return filepath.Join(dir, ".enact")
}
