package core

import (
	"context"
	"sync"
)

// Logger is the minimal logging interface every AIOS component depends on.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a component stamp its own identity onto a
// shared base logger so structured logs can be filtered by component:
//
//	jq 'select(.component == "aios/scheduler")'
//
// Component naming convention:
//   - "aios/core"          - Clock, Event, Config
//   - "aios/store"         - EventStore
//   - "aios/bus"           - EventBus
//   - "aios/registry"      - AgentRegistry, Rollback
//   - "aios/resilience"    - CircuitBreaker, retry
//   - "aios/scheduler"     - Scheduler, worker pool
//   - "aios/router"        - Router
//   - "aios/dispatch"      - Dispatcher
//   - "aios/reactor"       - Reactor
//   - "aios/quality"       - QualityGates
//   - "aios/improve"       - SelfImprovingLoop
//   - "aios/heartbeat"     - Heartbeat
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry is optional span/metric support wired from the telemetry package.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// AIClient is the optional LLM collaborator used by the SelfImprovingLoop's
// analysis stage. It is never called from the hot task-dispatch path.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NoOpLogger discards everything; used as a safe default when no Logger is supplied.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpTelemetry discards spans and metrics.
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// ============================================================================
// Global metrics registry pattern for telemetry integration
// ============================================================================

// MetricsRegistry lets the telemetry package register itself with core,
// avoiding an import cycle between core and telemetry.
type MetricsRegistry interface {
	Counter(name string, labels ...string)
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
}

var globalMetricsRegistry MetricsRegistry

// SetMetricsRegistry allows the telemetry package to register itself.
func SetMetricsRegistry(registry MetricsRegistry) {
	globalMetricsRegistry = registry
	enableMetricsOnExistingLoggers()
}

// GetGlobalMetricsRegistry returns the registered metrics registry, or nil
// if telemetry hasn't initialized yet.
func GetGlobalMetricsRegistry() MetricsRegistry {
	return globalMetricsRegistry
}

var (
	createdLoggers []*ProductionLogger
	loggersMutex   sync.RWMutex
)

func trackLogger(logger *ProductionLogger) {
	loggersMutex.Lock()
	defer loggersMutex.Unlock()

	createdLoggers = append(createdLoggers, logger)
	if globalMetricsRegistry != nil {
		logger.EnableMetrics()
	}
}

func enableMetricsOnExistingLoggers() {
	loggersMutex.Lock()
	defer loggersMutex.Unlock()

	for _, logger := range createdLoggers {
		logger.EnableMetrics()
	}
}
