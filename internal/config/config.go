// Package config resolves the sidecar's process-wide configuration from
// the environment at boot.
//
// There is no config file and no hot-reload: every setting is read once in
// Load and the resulting Config is immutable for the lifetime of the
// process. Tool manifests have their own reload-free lifecycle (see
// internal/registry) for the same reason — Non-goals exclude hot-reload
// entirely, not just of tools.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration for the sidecar.
type Config struct {
	SocketPath string

	ToolDir      string
	AllowedPaths []string

	MaxMemoryBytes uint64
	MaxFuel        uint64
	TimeoutMs      uint64

	HTTPTimeoutMs         uint64
	HTTPMaxResponseBytes  uint64
	ShellTimeoutMs        uint64
	ShellMaxOutputBytes   uint64

	MaxWorkers int

	AuditDBPath  string
	MetricsAddr  string
	LogLevel     string
	LogFormat    string

	VaultAddr string
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SocketPath: "/run/sentinel/sidecar.sock",

		ToolDir:      "/etc/sentinel/tools",
		AllowedPaths: []string{"/workspace"},

		MaxMemoryBytes: 64 * 1024 * 1024,
		MaxFuel:        10_000_000,
		TimeoutMs:      5000,

		HTTPTimeoutMs:        10_000,
		HTTPMaxResponseBytes: 1024 * 1024,
		ShellTimeoutMs:       5000,
		ShellMaxOutputBytes:  64 * 1024,

		MaxWorkers: 8,

		AuditDBPath: "/var/lib/sentinel/audit.db",
		MetricsAddr: "127.0.0.1:9090",
		LogLevel:    "info",
		LogFormat:   "json",

		VaultAddr: "",
	}
}

// Load resolves configuration from the environment, starting from Defaults
// and overriding with any SENTINEL_* variable that is set. Returns an error
// if a set variable fails to parse or Validate rejects the result.
func Load() (*Config, error) {
	cfg := Defaults()

	if v, ok := os.LookupEnv("SENTINEL_SOCKET_PATH"); ok {
		cfg.SocketPath = v
	}
	if v, ok := os.LookupEnv("SENTINEL_TOOL_DIR"); ok {
		cfg.ToolDir = v
	}
	if v, ok := os.LookupEnv("SENTINEL_ALLOWED_PATHS"); ok {
		cfg.AllowedPaths = splitNonEmpty(v, ",")
	}

	var err error
	if cfg.MaxMemoryBytes, err = envUint64("SENTINEL_MAX_MEMORY_BYTES", cfg.MaxMemoryBytes); err != nil {
		return nil, err
	}
	if cfg.MaxFuel, err = envUint64("SENTINEL_MAX_FUEL", cfg.MaxFuel); err != nil {
		return nil, err
	}
	if cfg.TimeoutMs, err = envUint64("SENTINEL_TIMEOUT_MS", cfg.TimeoutMs); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeoutMs, err = envUint64("SENTINEL_HTTP_TIMEOUT_MS", cfg.HTTPTimeoutMs); err != nil {
		return nil, err
	}
	if cfg.HTTPMaxResponseBytes, err = envUint64("SENTINEL_HTTP_MAX_RESPONSE_BYTES", cfg.HTTPMaxResponseBytes); err != nil {
		return nil, err
	}
	if cfg.ShellTimeoutMs, err = envUint64("SENTINEL_SHELL_TIMEOUT_MS", cfg.ShellTimeoutMs); err != nil {
		return nil, err
	}
	if cfg.ShellMaxOutputBytes, err = envUint64("SENTINEL_SHELL_MAX_OUTPUT_BYTES", cfg.ShellMaxOutputBytes); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("SENTINEL_MAX_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config.Load: SENTINEL_MAX_WORKERS: %w", err)
		}
		cfg.MaxWorkers = n
	}

	if v, ok := os.LookupEnv("SENTINEL_AUDIT_DB_PATH"); ok {
		cfg.AuditDBPath = v
	}
	if v, ok := os.LookupEnv("SENTINEL_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("SENTINEL_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("SENTINEL_LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := os.LookupEnv("SENTINEL_VAULT_ADDR"); ok {
		cfg.VaultAddr = v
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, collecting every
// violation into one descriptive error rather than failing on the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SocketPath == "" {
		errs = append(errs, "socket_path must not be empty")
	}
	if cfg.ToolDir == "" {
		errs = append(errs, "tool_dir must not be empty")
	}
	if len(cfg.AllowedPaths) == 0 {
		errs = append(errs, "allowed_paths must not be empty")
	}
	for _, p := range cfg.AllowedPaths {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Sprintf("allowed_paths entry %q must be absolute", p))
		}
	}
	if cfg.MaxMemoryBytes == 0 {
		errs = append(errs, "max_memory_bytes must be > 0")
	}
	if cfg.MaxFuel == 0 {
		errs = append(errs, "max_fuel must be > 0")
	}
	if cfg.TimeoutMs == 0 {
		errs = append(errs, "timeout_ms must be > 0")
	}
	if cfg.HTTPMaxResponseBytes == 0 {
		errs = append(errs, "http_max_response_bytes must be > 0")
	}
	if cfg.ShellMaxOutputBytes == 0 {
		errs = append(errs, "shell_max_output_bytes must be > 0")
	}
	if cfg.MaxWorkers < 1 {
		errs = append(errs, fmt.Sprintf("max_workers must be >= 1, got %d", cfg.MaxWorkers))
	}
	if cfg.AuditDBPath == "" {
		errs = append(errs, "audit_db_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func envUint64(name string, def uint64) (uint64, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config.Load: %s: %w", name, err)
	}
	return n, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
