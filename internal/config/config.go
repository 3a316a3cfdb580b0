package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/daimoniac/servicekit/internal/errors"
)

const (
	// DefaultConfigPath is used when APP_CONFIG_PATH is not set
	DefaultConfigPath = "config.yml"

	// SourceEnvOnly is reported as ConfigSource when no YAML file contributed values
	SourceEnvOnly = "env-only"

	defaultServiceName      = "servicekit"
	defaultEnv              = "dev"
	defaultLogLevel         = "INFO"
	defaultMetricsEnabled   = true
	defaultMetricsPort      = 8000
	defaultLoopSleepSeconds = 5.0
	defaultVersion          = "0.0.0"
	defaultCommit           = "unknown"
)

// Config is the resolved configuration snapshot shared read-only by every component
type Config struct {
	ServiceName      string  `yaml:"service_name" validate:"required"`
	Env              string  `yaml:"env" validate:"required"`
	LogLevel         string  `yaml:"log_level" validate:"required,loglevel"`
	MetricsEnabled   bool    `yaml:"metrics_enabled"`
	MetricsPort      int     `yaml:"metrics_port" validate:"min=1,max=65535"`
	LoopSleepSeconds float64 `yaml:"loop_sleep_seconds" validate:"gte=0"`
	Version          string  `yaml:"version"`
	Commit           string  `yaml:"commit"`
	ConfigSource     string  `yaml:"-"`
	Instance         string  `yaml:"instance" validate:"required"`
}

// envKeys maps configuration keys onto their environment variables
var envKeys = map[string]string{
	"service_name":       "APP_SERVICE_NAME",
	"env":                "APP_ENV",
	"log_level":          "APP_LOG_LEVEL",
	"metrics_enabled":    "APP_METRICS_ENABLED",
	"metrics_port":       "APP_METRICS_PORT",
	"loop_sleep_seconds": "APP_LOOP_SLEEP_SECONDS",
	"version":            "APP_VERSION",
	"commit":             "APP_COMMIT",
	"instance":           "APP_INSTANCE",
}

// Load resolves the configuration from environment variables, the optional
// YAML file named by APP_CONFIG_PATH and built-in defaults, in that order of
// precedence
func Load() (*Config, error) {
	path := expandHome(getEnv("APP_CONFIG_PATH", DefaultConfigPath))

	fileValues, err := loadYAML(path)
	if err != nil {
		return nil, err
	}

	lookup := func(key string) interface{} {
		if value, ok := os.LookupEnv(envKeys[key]); ok && value != "" {
			return value
		}
		if value, ok := fileValues[key]; ok {
			return value
		}
		return nil
	}

	defaults := Defaults()
	cfg := &Config{
		ServiceName:      toString(lookup("service_name"), defaults.ServiceName),
		Env:              toString(lookup("env"), defaults.Env),
		LogLevel:         toString(lookup("log_level"), defaults.LogLevel),
		MetricsEnabled:   toBool(lookup("metrics_enabled"), defaults.MetricsEnabled),
		MetricsPort:      toInt(lookup("metrics_port"), defaults.MetricsPort),
		LoopSleepSeconds: toFloat(lookup("loop_sleep_seconds"), defaults.LoopSleepSeconds),
		Version:          toString(lookup("version"), defaults.Version),
		Commit:           toString(lookup("commit"), defaults.Commit),
		ConfigSource:     SourceEnvOnly,
		Instance:         toString(lookup("instance"), defaults.Instance),
	}

	if len(fileValues) > 0 {
		cfg.ConfigSource = resolvePath(path)
	}

	return cfg, nil
}

// Defaults returns the built-in configuration, ignoring environment and file
func Defaults() *Config {
	return &Config{
		ServiceName:      defaultServiceName,
		Env:              defaultEnv,
		LogLevel:         defaultLogLevel,
		MetricsEnabled:   defaultMetricsEnabled,
		MetricsPort:      defaultMetricsPort,
		LoopSleepSeconds: defaultLoopSleepSeconds,
		Version:          defaultVersion,
		Commit:           defaultCommit,
		ConfigSource:     SourceEnvOnly,
		Instance:         hostname(),
	}
}

// Validate validates the configuration using struct tags
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return isKnownLogLevel(fl.Field().String())
	}); err != nil {
		return fmt.Errorf("register log level validation: %w", err)
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return nil
}

// LoopSleep returns the pause between two loop iterations
func (c *Config) LoopSleep() time.Duration {
	if c.LoopSleepSeconds <= 0 {
		return 0
	}
	return time.Duration(c.LoopSleepSeconds * float64(time.Second))
}

// MetricsAddr returns the listen address of the metrics server
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf(":%d", c.MetricsPort)
}

// HasSemanticVersion reports whether Version parses as a semantic version
func (c *Config) HasSemanticVersion() bool {
	_, err := semver.NewVersion(c.Version)
	return err == nil
}

// loadYAML reads the optional configuration file. A missing file yields no
// values; a file whose top level is not a mapping is an error.
func loadYAML(path string) (map[string]interface{}, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return map[string]interface{}{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errors.ErrInvalidConfig, path, err)
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errors.ErrInvalidConfig, path, err)
	}

	if doc == nil {
		return map[string]interface{}{}, nil
	}

	values, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top-level YAML config must be a mapping", errors.ErrInvalidConfig)
	}
	return values, nil
}

func isKnownLogLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error", "critical":
		return true
	}
	return false
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
