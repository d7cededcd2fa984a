package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vclsched/vclsched/internal/logging"
)

// Config holds daemon paths, listener settings and scheduling knobs.
type Config struct {
	ConfigPath           string
	DataDir              string
	DBPath               string
	PendingDBPath        string
	PendingKeyPath       string
	PendingTTLMinutes    int
	SocketPath           string
	MetricsListen        string
	LogLevel             string
	LogFormat            string
	SemaphoreMaxAttempts int
	SemaphoreTTLSeconds  int
	VMGraceMinutes       int
	ManagementNodeID     int
	BatchRateQPS         float64
	BatchRateBurst       int
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir              string `yaml:"data_dir"`
	DBPath               string `yaml:"db_path"`
	PendingDBPath        string `yaml:"pending_db_path"`
	PendingKeyPath       string `yaml:"pending_key_path"`
	PendingTTLMinutes    int    `yaml:"pending_ttl_minutes"`
	SocketPath           string `yaml:"socket_path"`
	MetricsListen        string `yaml:"metrics_listen"`
	LogLevel             string `yaml:"log_level"`
	LogFormat            string `yaml:"log_format"`
	SemaphoreMaxAttempts int    `yaml:"semaphore_max_attempts"`
	SemaphoreTTLSeconds  int    `yaml:"semaphore_ttl_seconds"`
	VMGraceMinutes       *int   `yaml:"vm_grace_minutes"`
	ManagementNodeID     int    `yaml:"management_node_id"`
	// BatchRateQPS and BatchRateBurst limit batch submissions per actor.
	// A negative qps disables the limit.
	BatchRateQPS   float64 `yaml:"batch_rate_qps"`
	BatchRateBurst int     `yaml:"batch_rate_burst"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/vclsched"
	return Config{
		ConfigPath:           "/etc/vclsched/config.yaml",
		DataDir:              dataDir,
		DBPath:               filepath.Join(dataDir, "vclsched.db"),
		PendingDBPath:        filepath.Join(dataDir, "pending.db"),
		PendingKeyPath:       "/etc/vclsched/keys/pending.key",
		PendingTTLMinutes:    15,
		SocketPath:           "/run/vclsched/vcld.sock",
		MetricsListen:        "",
		LogLevel:             "info",
		LogFormat:            logging.FormatAuto,
		SemaphoreMaxAttempts: 5,
		SemaphoreTTLSeconds:  300,
		VMGraceMinutes:       5,
		BatchRateQPS:         1,
		BatchRateBurst:       5,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "vclsched.db")
	}
	if fileCfg.DataDir != "" && fileCfg.PendingDBPath == "" {
		cfg.PendingDBPath = filepath.Join(cfg.DataDir, "pending.db")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDefault loads the default config file when it exists and falls back to
// built-in defaults when it does not. It reports whether a file was read.
func LoadDefault() (Config, bool, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(cfg.ConfigPath); errors.Is(err, os.ErrNotExist) {
		return cfg, false, cfg.Validate()
	}
	cfg, err := Load("")
	return cfg, err == nil, err
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.PendingDBPath != "" {
		cfg.PendingDBPath = fileCfg.PendingDBPath
	}
	if fileCfg.PendingKeyPath != "" {
		cfg.PendingKeyPath = fileCfg.PendingKeyPath
	}
	if fileCfg.PendingTTLMinutes > 0 {
		cfg.PendingTTLMinutes = fileCfg.PendingTTLMinutes
	}
	if fileCfg.SocketPath != "" {
		cfg.SocketPath = fileCfg.SocketPath
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if fileCfg.LogFormat != "" {
		cfg.LogFormat = fileCfg.LogFormat
	}
	if fileCfg.SemaphoreMaxAttempts > 0 {
		cfg.SemaphoreMaxAttempts = fileCfg.SemaphoreMaxAttempts
	}
	if fileCfg.SemaphoreTTLSeconds > 0 {
		cfg.SemaphoreTTLSeconds = fileCfg.SemaphoreTTLSeconds
	}
	// Zero is a valid grace period, so only an absent key keeps the default.
	if fileCfg.VMGraceMinutes != nil {
		cfg.VMGraceMinutes = *fileCfg.VMGraceMinutes
	}
	if fileCfg.ManagementNodeID > 0 {
		cfg.ManagementNodeID = fileCfg.ManagementNodeID
	}
	if fileCfg.BatchRateQPS != 0 {
		cfg.BatchRateQPS = fileCfg.BatchRateQPS
	}
	if fileCfg.BatchRateBurst > 0 {
		cfg.BatchRateBurst = fileCfg.BatchRateBurst
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.PendingDBPath == "" {
		return fmt.Errorf("pending_db_path is required")
	}
	if c.PendingKeyPath == "" {
		return fmt.Errorf("pending_key_path is required")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if filepath.Clean(c.PendingDBPath) == filepath.Clean(c.DBPath) {
		return fmt.Errorf("pending_db_path must differ from db_path")
	}
	if c.PendingTTLMinutes <= 0 {
		return fmt.Errorf("pending_ttl_minutes must be positive")
	}
	if c.SemaphoreMaxAttempts <= 0 {
		return fmt.Errorf("semaphore_max_attempts must be positive")
	}
	if c.SemaphoreTTLSeconds <= 0 {
		return fmt.Errorf("semaphore_ttl_seconds must be positive")
	}
	if c.VMGraceMinutes < 0 {
		return fmt.Errorf("vm_grace_minutes must not be negative")
	}
	if c.ManagementNodeID < 0 {
		return fmt.Errorf("management_node_id must not be negative")
	}
	if c.BatchRateQPS > 0 && c.BatchRateBurst <= 0 {
		return fmt.Errorf("batch_rate_burst must be positive when batch_rate_qps is set")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "", logging.FormatAuto, logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("log_format must be auto, json or console (got %q)", c.LogFormat)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return nil
}

// PendingTTL is how long a previewed batch can be confirmed.
func (c Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLMinutes) * time.Minute
}

// SemaphoreTTL is how long an unreleased semaphore stays valid.
func (c Config) SemaphoreTTL() time.Duration {
	return time.Duration(c.SemaphoreTTLSeconds) * time.Second
}

// VMGrace is the buffer added after the last reservation before VM-level work.
func (c Config) VMGrace() time.Duration {
	return time.Duration(c.VMGraceMinutes) * time.Minute
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
