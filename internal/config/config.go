// Package config loads the supervisor's configuration with a layered
// precedence: code defaults, then an optional YAML file, then environment
// variables, matching the priority order the teacher's devops config loader
// uses — but via viper's binding machinery instead of a hand-rolled
// reflection walk.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config is the supervisor's full runtime configuration.
type Config struct {
	// Docker / container runtime.
	BaseDockerImage string `mapstructure:"base_docker_image"`
	ProductName     string `mapstructure:"product_name"`
	MountRoot       string `mapstructure:"mount_root"`

	// Persistence (C10).
	StorePath string `mapstructure:"store_path"`

	// Log pipe (C4).
	LogDir           string `mapstructure:"log_dir"`
	LogMaxSizeRaw    string `mapstructure:"log_max_size"`
	LogMaxFiles      int    `mapstructure:"log_max_files"`

	// HTTP surface (C8/C9).
	HTTPListenAddr string `mapstructure:"http_listen_addr"`
	CORSOrigins    []string `mapstructure:"cors_origins"`

	// Telemetry.
	TelemetryExporter string `mapstructure:"telemetry_exporter"` // "none" | "otlphttp" | "jaeger" | "zipkin"
	TelemetryEndpoint string `mapstructure:"telemetry_endpoint"`
	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Timeouts. SetDefault below seeds these with spec.md's values; serve.go
	// plumbs RequestTimeout into the HTTP server's Read/WriteTimeout and
	// ReadinessProbeMax/AnalysisRefreshEvery into wrapper.Options, so a
	// config file or env var can shrink all three for faster test cycles
	// without touching code.
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	ReadinessProbeMax    int           `mapstructure:"readiness_probe_max_attempts"`
	AnalysisRefreshEvery time.Duration `mapstructure:"analysis_refresh_interval"`
}

// LogMaxSizeBytes parses LogMaxSizeRaw with binary (1024-based) K/M/G
// suffixes, so "5M" is 5 MiB.
func (c *Config) LogMaxSizeBytes() (int64, error) {
	if strings.TrimSpace(c.LogMaxSizeRaw) == "" {
		return 5 * 1024 * 1024, nil
	}
	size, err := units.RAMInBytes(c.LogMaxSizeRaw)
	if err != nil {
		return 0, fmt.Errorf("parse MCP_SERVER_LOG_MAX_SIZE %q: %w", c.LogMaxSizeRaw, err)
	}
	return size, nil
}

// Load builds a Config from code defaults, an optional YAML file at
// configPath (skipped silently if unset or absent), and environment
// variables (highest precedence), mirroring the teacher's
// defaults -> file -> env order.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !isNotExistLike(err) && !os.IsNotExist(err) && !os.IsNotExist(errors.Unwrap(err)) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	} else {
		v.SetConfigName("sandboxd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sandboxd")
		if err := v.ReadInConfig(); err != nil {
			if !isNotExistLike(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if !filepath.IsAbs(cfg.LogDir) {
		abs, err := filepath.Abs(cfg.LogDir)
		if err == nil {
			cfg.LogDir = abs
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_docker_image", "archestra/mcp-sandbox-base:latest")
	v.SetDefault("product_name", "archestra")
	v.SetDefault("mount_root", "/mnt/archestra")
	v.SetDefault("store_path", "./sandboxd.yaml")
	v.SetDefault("log_dir", "./logs/mcp-servers")
	v.SetDefault("log_max_size", "5M")
	v.SetDefault("log_max_files", 2)
	v.SetDefault("http_listen_addr", "127.0.0.1:9876")
	v.SetDefault("cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("telemetry_exporter", "none")
	v.SetDefault("telemetry_endpoint", "")
	v.SetDefault("metrics_listen_addr", "127.0.0.1:9877")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("readiness_probe_max_attempts", 30)
	v.SetDefault("analysis_refresh_interval", 5*time.Second)
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("base_docker_image", "MCP_BASE_DOCKER_IMAGE")
	_ = v.BindEnv("store_path", "SANDBOXD_STORE_PATH")
	_ = v.BindEnv("log_max_size", "MCP_SERVER_LOG_MAX_SIZE")
	_ = v.BindEnv("log_max_files", "MCP_SERVER_LOG_MAX_FILES")
	_ = v.BindEnv("log_dir", "MCP_SERVER_LOG_DIR")
	_ = v.BindEnv("http_listen_addr", "SANDBOXD_HTTP_ADDR")
	_ = v.BindEnv("metrics_listen_addr", "SANDBOXD_METRICS_ADDR")
	_ = v.BindEnv("telemetry_exporter", "SANDBOXD_TELEMETRY_EXPORTER")
	_ = v.BindEnv("telemetry_endpoint", "SANDBOXD_TELEMETRY_ENDPOINT")
	_ = v.BindEnv("log_level", "SANDBOXD_LOG_LEVEL")
}

func isNotExistLike(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}
