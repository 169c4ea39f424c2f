// Package config handles configuration loading and validation for the demo
// API and its observability stack.
//
// Configuration is strictly environment-based with fail-fast validation.
// All settings are loaded from environment variables with sensible defaults
// where appropriate.
//
// # Environment Variables
//
// Required variables:
//   - APP_NAME: Service name for identification
//   - APP_VERSION: Service version (e.g., "1.0.0", "v2.3.1")
//   - APP_ENV: Environment (development, dev, local, staging, stage, test, production, prod)
//
// HTTP server:
//   - HTTP_HOST: Listen host (default: 0.0.0.0)
//   - HTTP_PORT: Listen port (default: 3000)
//   - REQUEST_TIMEOUT_SEC: Per-request deadline in seconds, 0 disables (default: 30)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//
// Feature flags (default: false):
//   - OBSERVABILITY_METRICS_ENABLED: Enable OTLP metrics export
//   - OBSERVABILITY_TRACING_ENABLED: Enable OTLP trace export
//   - OBSERVABILITY_LOGS_ENABLED: Enable OTLP log export
//
// Endpoints:
//   - OBSERVABILITY_OTLP_ENDPOINT: OTLP collector endpoint in host:port format (required when a feature is enabled)
//   - OBSERVABILITY_PROMETHEUS_ADDR: Listen address of the Prometheus scrape endpoint (optional)
//   - OBSERVABILITY_COLLECTOR_METRICS_URL: Where the collector re-exposes metrics (informational)
//
// Optional configuration:
//   - DEPLOYMENT_ID: Unique deployment identifier
//   - HOSTNAME: Override system hostname
//   - OBSERVABILITY_METRIC_EXPORT_INTERVAL: Metrics export interval in seconds (default: 10)
//   - OBSERVABILITY_TRACE_SAMPLING_RATE: Trace sampling rate 0.0-1.0 (default: environment-based)
//   - OBSERVABILITY_TRACE_BATCH_SIZE: Trace batch size (default: 512)
//
// Simulated workload:
//   - DEMO_FAILING_USER_ID: User id that always fails the database query, negative disables (default: 13)
//   - DEMO_DB_FAILURE_RATE: Database query failure probability (default: 0)
//   - DEMO_EXTERNAL_FAILURE_RATE: External API failure probability (default: 0.2)
//   - DEMO_TRANSFORM_FAILURE_RATE: Transformation failure probability (default: 0)
//   - DEMO_EXTERNAL_ENDPOINT: URL reported for the external API call
//   - DEMO_PERFORMANCE_USERS: Users processed by /performance-test (default: 3)
//   - DEMO_BREAKER_THRESHOLD: Consecutive external failures that open the circuit (default: 5)
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config defines the complete service configuration.
//
// All fields are populated from environment variables during LoadFromEnv().
type Config struct {
	// ServiceName identifies the application (from APP_NAME).
	ServiceName string

	// ServiceVersion is the application version (from APP_VERSION).
	ServiceVersion string

	// Environment specifies the deployment environment (from APP_ENV).
	Environment string

	// DeploymentID is an optional unique identifier for this deployment.
	DeploymentID string

	// HostName is the system hostname, auto-detected if not provided.
	HostName string

	HTTPHost          string
	HTTPPort          int
	RequestTimeoutSec int
	LogLevel          string

	MetricsEnabled bool
	TracingEnabled bool
	LogsEnabled    bool

	// OTLPEndpoint is the OTLP collector endpoint in host:port format.
	// Required when any of MetricsEnabled, TracingEnabled, or LogsEnabled is true.
	OTLPEndpoint string

	// PrometheusAddr is the listen address of the Prometheus scrape endpoint.
	// Empty disables the endpoint.
	PrometheusAddr string

	// CollectorMetricsURL is where the collector exposes the metrics it received.
	CollectorMetricsURL string

	// MetricExportIntervalSec is the interval in seconds between metric exports.
	// Valid range: 1-300. Default: 10.
	MetricExportIntervalSec int

	// TraceSamplingRate determines what fraction of traces to sample.
	// Valid range: 0.0-1.0. Default is environment-based.
	TraceSamplingRate float64

	// TraceBatchSize is the maximum number of spans per export batch.
	TraceBatchSize int

	Demo DemoConfig
}

// DemoConfig tunes the simulated dependencies.
type DemoConfig struct {
	FailingUserID        int64
	DBFailureRate        float64
	ExternalFailureRate  float64
	TransformFailureRate float64
	ExternalEndpoint     string
	PerformanceUsers     int
	BreakerThreshold     int
}

// Common validation errors returned by LoadFromEnv and Validate.
var (
	// ErrMissingServiceName indicates APP_NAME is not set or empty.
	ErrMissingServiceName = errors.New("APP_NAME is required and cannot be empty")

	// ErrMissingServiceVersion indicates APP_VERSION is not set or empty.
	ErrMissingServiceVersion = errors.New("APP_VERSION is required and cannot be empty")

	// ErrMissingEnvironment indicates APP_ENV is not set or empty.
	ErrMissingEnvironment = errors.New("APP_ENV is required and cannot be empty")

	// ErrInvalidEnvironment indicates APP_ENV has an invalid value.
	ErrInvalidEnvironment = errors.New("APP_ENV must be one of: development, dev, local, staging, stage, test, production, prod")

	// ErrInvalidOTLPEndpoint indicates the OTLP endpoint format is invalid.
	ErrInvalidOTLPEndpoint = errors.New("OBSERVABILITY_OTLP_ENDPOINT must be in format host:port")

	// ErrMissingOTLPEndpoint indicates OTLP endpoint is required but not set.
	ErrMissingOTLPEndpoint = errors.New("OBSERVABILITY_OTLP_ENDPOINT is required when observability features are enabled")
)

var validEnvs = map[string]bool{
	"development": true,
	"dev":         true,
	"local":       true,
	"staging":     true,
	"stage":       true,
	"test":        true,
	"production":  true,
	"prod":        true,
}

// LoadFromEnv loads and validates configuration from environment variables.
//
// It returns an error if:
//   - Required variables (APP_NAME, APP_VERSION, APP_ENV) are missing or empty
//   - APP_ENV contains an invalid environment name
//   - Any OTLP feature is enabled but OBSERVABILITY_OTLP_ENDPOINT is missing
//   - OBSERVABILITY_OTLP_ENDPOINT is not in host:port format
//   - Numeric values are out of valid ranges
func LoadFromEnv() (Config, error) {
	serviceName := os.Getenv("APP_NAME")
	if strings.TrimSpace(serviceName) == "" {
		return Config{}, ErrMissingServiceName
	}

	serviceVersion := os.Getenv("APP_VERSION")
	if strings.TrimSpace(serviceVersion) == "" {
		return Config{}, ErrMissingServiceVersion
	}

	environment := os.Getenv("APP_ENV")
	if strings.TrimSpace(environment) == "" {
		return Config{}, ErrMissingEnvironment
	}
	if !validEnvs[strings.ToLower(environment)] {
		return Config{}, fmt.Errorf("%w: got '%s'", ErrInvalidEnvironment, environment)
	}

	cfg := Config{
		ServiceName:             serviceName,
		ServiceVersion:          serviceVersion,
		Environment:             environment,
		DeploymentID:            getEnvString("DEPLOYMENT_ID", ""),
		HTTPHost:                getEnvString("HTTP_HOST", "0.0.0.0"),
		HTTPPort:                getEnvInt("HTTP_PORT", 3000),
		RequestTimeoutSec:       getEnvInt("REQUEST_TIMEOUT_SEC", 30),
		LogLevel:                getEnvString("LOG_LEVEL", "info"),
		MetricsEnabled:          getEnvBool("OBSERVABILITY_METRICS_ENABLED", false),
		TracingEnabled:          getEnvBool("OBSERVABILITY_TRACING_ENABLED", false),
		LogsEnabled:             getEnvBool("OBSERVABILITY_LOGS_ENABLED", false),
		OTLPEndpoint:            getEnvString("OBSERVABILITY_OTLP_ENDPOINT", ""),
		PrometheusAddr:          getEnvString("OBSERVABILITY_PROMETHEUS_ADDR", ""),
		CollectorMetricsURL:     getEnvString("OBSERVABILITY_COLLECTOR_METRICS_URL", "http://otel-collector:8888/metrics"),
		MetricExportIntervalSec: getEnvInt("OBSERVABILITY_METRIC_EXPORT_INTERVAL", 10),
		TraceSamplingRate:       getEnvFloat("OBSERVABILITY_TRACE_SAMPLING_RATE", getDefaultSamplingRate(environment)),
		TraceBatchSize:          getEnvInt("OBSERVABILITY_TRACE_BATCH_SIZE", 512),
		Demo: DemoConfig{
			FailingUserID:        int64(getEnvInt("DEMO_FAILING_USER_ID", 13)),
			DBFailureRate:        getEnvFloat("DEMO_DB_FAILURE_RATE", 0),
			ExternalFailureRate:  getEnvFloat("DEMO_EXTERNAL_FAILURE_RATE", 0.2),
			TransformFailureRate: getEnvFloat("DEMO_TRANSFORM_FAILURE_RATE", 0),
			ExternalEndpoint:     getEnvString("DEMO_EXTERNAL_ENDPOINT", "https://api.example.com/user-details"),
			PerformanceUsers:     getEnvInt("DEMO_PERFORMANCE_USERS", 3),
			BreakerThreshold:     getEnvInt("DEMO_BREAKER_THRESHOLD", 5),
		},
	}

	if cfg.OTLPEnabled() {
		if strings.TrimSpace(cfg.OTLPEndpoint) == "" {
			return Config{}, ErrMissingOTLPEndpoint
		}
		if !isValidEndpoint(cfg.OTLPEndpoint) {
			return Config{}, fmt.Errorf("%w: got '%s'", ErrInvalidOTLPEndpoint, cfg.OTLPEndpoint)
		}
	}

	cfg = applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate verifies that the configuration is internally consistent and
// complete. It returns an error describing all validation failures.
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.ServiceName) == "" {
		problems = append(problems, "ServiceName is required")
	}
	if strings.TrimSpace(c.ServiceVersion) == "" {
		problems = append(problems, "ServiceVersion is required")
	}
	if strings.TrimSpace(c.Environment) == "" {
		problems = append(problems, "Environment is required")
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("HTTP_PORT must be 1-65535, got: %d", c.HTTPPort))
	}
	if c.RequestTimeoutSec < 0 {
		problems = append(problems, fmt.Sprintf("REQUEST_TIMEOUT_SEC must be >= 0, got: %d", c.RequestTimeoutSec))
	}

	if c.OTLPEnabled() {
		if c.OTLPEndpoint == "" {
			problems = append(problems, "OBSERVABILITY_OTLP_ENDPOINT is required when metrics/tracing/logs are enabled")
		} else if !isValidEndpoint(c.OTLPEndpoint) {
			problems = append(problems, fmt.Sprintf("OBSERVABILITY_OTLP_ENDPOINT invalid format '%s' (expected host:port)", c.OTLPEndpoint))
		}
	}

	if c.TraceSamplingRate < 0.0 || c.TraceSamplingRate > 1.0 {
		problems = append(problems, fmt.Sprintf("OBSERVABILITY_TRACE_SAMPLING_RATE must be 0.0-1.0, got: %f", c.TraceSamplingRate))
	}
	if c.MetricExportIntervalSec < 1 || c.MetricExportIntervalSec > 300 {
		problems = append(problems, fmt.Sprintf("OBSERVABILITY_METRIC_EXPORT_INTERVAL must be 1-300, got: %d", c.MetricExportIntervalSec))
	}

	for name, rate := range map[string]float64{
		"DEMO_DB_FAILURE_RATE":        c.Demo.DBFailureRate,
		"DEMO_EXTERNAL_FAILURE_RATE":  c.Demo.ExternalFailureRate,
		"DEMO_TRANSFORM_FAILURE_RATE": c.Demo.TransformFailureRate,
	} {
		if rate < 0 || rate > 1 {
			problems = append(problems, fmt.Sprintf("%s must be 0.0-1.0, got: %f", name, rate))
		}
	}
	if c.Demo.PerformanceUsers < 1 {
		problems = append(problems, fmt.Sprintf("DEMO_PERFORMANCE_USERS must be >= 1, got: %d", c.Demo.PerformanceUsers))
	}
	if c.Demo.BreakerThreshold < 0 {
		problems = append(problems, fmt.Sprintf("DEMO_BREAKER_THRESHOLD must be >= 0, got: %d", c.Demo.BreakerThreshold))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	return nil
}

// OTLPEnabled returns true if any component exporting over OTLP is enabled.
func (c Config) OTLPEnabled() bool {
	return c.MetricsEnabled || c.TracingEnabled || c.LogsEnabled
}

// IsEnabled returns true if at least one observability component is enabled.
func (c Config) IsEnabled() bool {
	return c.OTLPEnabled() || c.PrometheusAddr != ""
}

// ListenAddr returns the HTTP listen address in host:port form.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

// EnabledComponents returns the names of enabled observability components.
//
// The returned slice contains zero or more of: "metrics", "tracing", "logs", "prometheus".
func (c Config) EnabledComponents() []string {
	components := []string{}
	if c.MetricsEnabled {
		components = append(components, "metrics")
	}
	if c.TracingEnabled {
		components = append(components, "tracing")
	}
	if c.LogsEnabled {
		components = append(components, "logs")
	}
	if c.PrometheusAddr != "" {
		components = append(components, "prometheus")
	}
	return components
}

// applyDefaults fills in default values for unset configuration fields.
func applyDefaults(cfg Config) Config {
	if cfg.MetricExportIntervalSec == 0 {
		cfg.MetricExportIntervalSec = 10
	}
	if cfg.TraceBatchSize == 0 {
		cfg.TraceBatchSize = 512
	}
	if cfg.HostName == "" {
		cfg.HostName = getHostName()
	}
	return cfg
}

// getDefaultSamplingRate returns the default trace sampling rate based on
// environment: everything outside production, 10% in production.
func getDefaultSamplingRate(env string) float64 {
	switch strings.ToLower(env) {
	case "development", "dev", "local":
		return 1.0
	case "staging", "stage", "test":
		return 1.0
	case "production", "prod":
		return 0.1
	default:
		return 0.05
	}
}

// getHostName returns the HOSTNAME variable, then os.Hostname(), then "unknown".
func getHostName() string {
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "unknown"
}

// isValidEndpoint verifies that an endpoint string is in host:port format.
func isValidEndpoint(endpoint string) bool {
	parts := strings.Split(endpoint, ":")
	if len(parts) != 2 {
		return false
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return false
	}
	return parts[0] != ""
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool treats "true" (case-insensitive) and "1" as true.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
