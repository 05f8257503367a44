package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all daemon configuration. Values come from an optional YAML
// file, overridden by environment variables (a .env file in the working
// directory is loaded first when present).
type Config struct {
	// APIKey authenticates control API callers (X-Api-Key header).
	APIKey string `yaml:"api_key"`

	// Listen is the address the control API binds to.
	Listen string `yaml:"listen"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`

	// DataDir is the root directory for instance records and artifacts.
	DataDir string `yaml:"data_dir"`

	// LogDir is the directory for the daemon's own log files.
	LogDir string `yaml:"log_dir"`

	// ForwardBinary is the external forward-proxy executable.
	ForwardBinary string `yaml:"forward_binary"`

	// TunnelBinary is the external SNI tunnel executable.
	TunnelBinary string `yaml:"tunnel_binary"`

	// PortRangeLow/High bound the administrative listen-port range.
	PortRangeLow  int `yaml:"port_range_low"`
	PortRangeHigh int `yaml:"port_range_high"`

	// StopTimeout bounds the graceful-termination wait before a forced kill.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// SweepInterval is the liveness sweep period. Empty disables the sweep.
	SweepInterval string `yaml:"sweep_interval"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:7433",
		DataDir:       "/var/lib/proxyfleet",
		LogDir:        "/var/log/proxyfleet",
		ForwardBinary: "/usr/bin/3proxy",
		TunnelBinary:  "/usr/bin/sniproxy",
		PortRangeLow:  30000,
		PortRangeHigh: 30999,
		StopTimeout:   5 * time.Second,
		SweepInterval: "@every 30s",
	}
}

// Load reads configuration from the optional YAML file named by
// PROXYFLEET_CONFIG, then applies environment overrides. Returns an error if
// required values are missing or malformed.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("PROXYFLEET_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("PROXYFLEET_API_KEY")); v != "" {
		cfg.APIKey = v
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("PROXYFLEET_API_KEY is required")
	}

	if v := os.Getenv("PROXYFLEET_LISTEN"); v != "" {
		cfg.Listen = v
	}

	if os.Getenv("PROXYFLEET_DEBUG") == "true" {
		cfg.Debug = true
	}

	if v := os.Getenv("PROXYFLEET_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("PROXYFLEET_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	if v := os.Getenv("PROXYFLEET_FORWARD_BINARY"); v != "" {
		cfg.ForwardBinary = v
	}

	if v := os.Getenv("PROXYFLEET_TUNNEL_BINARY"); v != "" {
		cfg.TunnelBinary = v
	}

	if v := os.Getenv("PROXYFLEET_PORT_RANGE"); v != "" {
		low, high, err := parsePortRange(v)
		if err != nil {
			return nil, err
		}
		cfg.PortRangeLow, cfg.PortRangeHigh = low, high
	}

	if v := os.Getenv("PROXYFLEET_STOP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PROXYFLEET_STOP_TIMEOUT: %w", err)
		}
		cfg.StopTimeout = d
	}

	if v, ok := os.LookupEnv("PROXYFLEET_SWEEP_INTERVAL"); ok {
		if v == "" || v == "off" {
			cfg.SweepInterval = ""
		} else {
			cfg.SweepInterval = "@every " + v
		}
	}

	if cfg.PortRangeLow < 1 || cfg.PortRangeHigh > 65535 || cfg.PortRangeLow > cfg.PortRangeHigh {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.PortRangeLow, cfg.PortRangeHigh)
	}

	return cfg, nil
}

func parsePortRange(raw string) (int, int, error) {
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("PROXYFLEET_PORT_RANGE must be LOW-HIGH, got %q", raw)
	}
	low, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("PROXYFLEET_PORT_RANGE low bound: %w", err)
	}
	high, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("PROXYFLEET_PORT_RANGE high bound: %w", err)
	}
	return low, high, nil
}

// NewLogger creates a structured logger that writes JSON to a file under
// LogDir and, in debug mode, mirrors to stderr.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, name+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	var out io.Writer = file
	if cfg.Debug {
		level = slog.LevelDebug
		out = io.MultiWriter(file, os.Stderr)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}
