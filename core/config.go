// Package core holds the types, errors, logger/config interfaces shared by
// every AIOS component: Clock, Event, Task, Plan, Agent, Trace, Playbook,
// ChangeProposal, plus the ambient logging and configuration stack.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable for an AIOS process. Layered priority, lowest
// to highest: defaults, environment variables, functional options.
type Config struct {
	// Env selects prod vs test. Traces and agents inherit it; analyzers
	// filter by it so test noise never drives self-improvement.
	Env string `json:"env" yaml:"env" env:"AIOS_ENV" default:"prod"`

	// EventRoot is the directory holding events/, traces/, rollback/ etc.
	EventRoot string `json:"event_root" yaml:"event_root" env:"AIOS_EVENT_ROOT" default:"./data"`

	WorkerCount       int           `json:"worker_count" yaml:"worker_count" env:"AIOS_WORKER_COUNT" default:"5"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" env:"AIOS_HEARTBEAT_INTERVAL" default:"30s"`

	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Quality    QualityConfig    `json:"quality" yaml:"quality"`

	logger Logger `json:"-" yaml:"-"`
}

// HTTPConfig configures the control-surface listener.
type HTTPConfig struct {
	Address         string        `json:"address" yaml:"address" env:"AIOS_ADDRESS" default:"localhost"`
	Port            int           `json:"port" yaml:"port" env:"AIOS_PORT" default:"8090"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" default:"10s"`
}

// ResilienceConfig configures the default CircuitBreaker and retry policy
// applied to every (agent_id, task_type) and playbook_id key.
type ResilienceConfig struct {
	ErrorThreshold    int           `json:"error_threshold" yaml:"error_threshold" env:"AIOS_CB_THRESHOLD" default:"5"`
	SleepWindow       time.Duration `json:"sleep_window" yaml:"sleep_window" env:"AIOS_CB_SLEEP_WINDOW" default:"30s"`
	HalfOpenRequests  int           `json:"half_open_requests" yaml:"half_open_requests" default:"1"`
	QuarantineAfter   time.Duration `json:"quarantine_after" yaml:"quarantine_after" env:"AIOS_CB_QUARANTINE_AFTER" default:"24h"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries" env:"AIOS_MAX_RETRIES" default:"2"`
	InitialRetryDelay time.Duration `json:"initial_retry_delay" yaml:"initial_retry_delay" default:"1s"`
	MaxRetryDelay     time.Duration `json:"max_retry_delay" yaml:"max_retry_delay" default:"30s"`
}

// LoggingConfig controls the ProductionLogger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"AIOS_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"AIOS_LOG_FORMAT" default:"text"`
	Output string `json:"output" yaml:"output" env:"AIOS_LOG_OUTPUT" default:"stdout"`
	Debug  bool   `json:"debug" yaml:"debug" env:"AIOS_DEBUG" default:"false"`
}

// TelemetryConfig controls OpenTelemetry span/metric export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"AIOS_TELEMETRY_ENABLED" default:"false"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"AIOS_OTEL_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	ServiceName string `json:"service_name" yaml:"service_name" env:"AIOS_SERVICE_NAME" default:"aios"`
}

// RedisConfig is the optional accelerated path for the Scheduler's durable
// queue. Disabled by default: the file-backed
// queue under EventRoot is the durability baseline.
type RedisConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"AIOS_REDIS_ENABLED" default:"false"`
	URL     string `json:"url" yaml:"url" env:"AIOS_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
}

// QualityConfig configures the regression thresholds QualityGates and
// Rollback compare metrics_after against.
type QualityConfig struct {
	SuccessRateDropThreshold float64       `json:"success_rate_drop_threshold" yaml:"success_rate_drop_threshold" default:"0.10"`
	DurationIncreaseThreshold float64      `json:"duration_increase_threshold" yaml:"duration_increase_threshold" default:"0.20"`
	VerificationWindowTraces int           `json:"verification_window_traces" yaml:"verification_window_traces" default:"20"`
	ObserveWindow            time.Duration `json:"observe_window" yaml:"observe_window" default:"24h"`
	AgentCooldown            time.Duration `json:"agent_cooldown" yaml:"agent_cooldown" default:"6h"`
}

// Option is a functional configuration option, applied after defaults and
// environment variables — the highest-priority layer.
type Option func(*Config) error

// DefaultConfig returns AIOS's baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Env:               "prod",
		EventRoot:         "./data",
		WorkerCount:       5,
		HeartbeatInterval: 30 * time.Second,
		HTTP: HTTPConfig{
			Address:         "localhost",
			Port:            8090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Resilience: ResilienceConfig{
			ErrorThreshold:    5,
			SleepWindow:       30 * time.Second,
			HalfOpenRequests:  1,
			QuarantineAfter:   24 * time.Hour,
			MaxRetries:        2,
			InitialRetryDelay: time.Second,
			MaxRetryDelay:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{ServiceName: "aios"},
		Redis:     RedisConfig{URL: "redis://localhost:6379"},
		Quality: QualityConfig{
			SuccessRateDropThreshold:  0.10,
			DurationIncreaseThreshold: 0.20,
			VerificationWindowTraces:  20,
			ObserveWindow:             24 * time.Hour,
			AgentCooldown:             6 * time.Hour,
		},
	}
}

// DetectEnvironment adjusts defaults for a containerized deployment, the
// on the KUBERNETES_SERVICE_HOST convention.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.HTTP.Address = "0.0.0.0"
		c.Logging.Format = "json"
	}
}

// LoadFromEnv overlays environment variables onto the current config.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("AIOS_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("AIOS_EVENT_ROOT"); v != "" {
		c.EventRoot = v
	}
	if v := os.Getenv("AIOS_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv("AIOS_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AIOS_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("AIOS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = n
		}
	}
	if v := os.Getenv("AIOS_CB_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.ErrorThreshold = n
		}
	}
	if v := os.Getenv("AIOS_CB_SLEEP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Resilience.SleepWindow = d
		}
	}
	if v := os.Getenv("AIOS_CB_QUARANTINE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Resilience.QuarantineAfter = d
		}
	}
	if v := os.Getenv("AIOS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.MaxRetries = n
		}
	}
	if v := os.Getenv("AIOS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AIOS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AIOS_DEBUG"); v != "" {
		c.Logging.Debug = parseBool(v)
		if c.Logging.Debug {
			c.Logging.Level = "debug"
		}
	}
	if v := os.Getenv("AIOS_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("AIOS_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("AIOS_REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = parseBool(v)
	}
	if v := os.Getenv("AIOS_REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "aios"
	}

	return c.Validate()
}

// LoadFromFile loads configuration from a JSON or YAML file, overriding
// whatever environment variables already set but yielding to functional
// options applied afterward.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- path cleaned above
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate rejects a configuration that would leave components in an
// inconsistent state.
func (c *Config) Validate() error {
	if c.Env != "prod" && c.Env != "test" {
		return fmt.Errorf("env must be prod or test, got %q: %w", c.Env, ErrInvalidConfiguration)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Resilience.ErrorThreshold <= 0 {
		return fmt.Errorf("resilience.error_threshold must be positive: %w", ErrInvalidConfiguration)
	}
	if c.EventRoot == "" {
		return fmt.Errorf("event_root is required: %w", ErrMissingConfiguration)
	}
	return nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// --- functional options ---

func WithEnv(env string) Option {
	return func(c *Config) error {
		c.Env = env
		return nil
	}
}

func WithEventRoot(path string) Option {
	return func(c *Config) error {
		c.EventRoot = path
		return nil
	}
}

func WithWorkerCount(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("worker count must be positive")
		}
		c.WorkerCount = n
		return nil
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.HeartbeatInterval = d
		return nil
	}
}

func WithHTTPAddress(addr string, port int) Option {
	return func(c *Config) error {
		c.HTTP.Address = addr
		c.HTTP.Port = port
		return nil
	}
}

func WithRedis(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		c.Redis.Enabled = true
		return nil
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig builds a Config from defaults, environment, then options, in
// that priority order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DetectEnvironment()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Telemetry.ServiceName)
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the configured logger, building a default one if needed.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Telemetry.ServiceName)
	}
	return c.logger
}

// ============================================================================
// ProductionLogger — layered observability (console + metrics emission)
// ============================================================================

// ProductionLogger is the default Logger/ComponentAwareLogger implementation.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger builds a logger from LoggingConfig. JSON format is
// auto-selected under Kubernetes.
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	format := logging.Format
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}

	return &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          logging.Debug || logging.Level == "debug",
		serviceName:    serviceName,
		component:      "aios",
		format:         format,
		output:         output,
		metricsEnabled: false,
	}
}

// WithComponent returns a logger stamped with the given component name,
// sharing this logger's configuration.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

// EnableMetrics is called by the telemetry package once it initializes.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		var fieldStr strings.Builder
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
		}
		fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s\n",
			timestamp, level, p.serviceName, p.component, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitMetric(level, fields, ctx)
	}
}

func (p *ProductionLogger) emitMetric(level string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{"level", level, "service", p.serviceName, "component", p.component}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "error_signature":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	registry := GetGlobalMetricsRegistry()
	if registry == nil {
		return
	}
	if ctx != nil {
		registry.EmitWithContext(ctx, "aios.operations", 1.0, labels...)
	} else {
		registry.Counter("aios.operations", labels...)
	}
}
