package tablequeue

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultWorkers      = 1
	tracerName          = "github.com/velmie/tablequeue"
)

// RelayConfig defines how the Relay polls and processes messages.
type RelayConfig struct {
	PollInterval      time.Duration
	Workers           int
	Clock             Clock
	ErrorHandler      FailureHandler
	Logger            Logger
	Metrics           Metrics
	Tracer            trace.Tracer
	FailureClassifier FailureClassifier
	HandlerTimeout    time.Duration
	AvailableInterval time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}
	if c.AvailableInterval < 0 {
		c.AvailableInterval = 0
	}

	return c
}

// RelayOption configures Relay behavior.
type RelayOption func(*RelayConfig)

// WithPollInterval sets the delay after a poll found nothing.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent polling workers.
func WithWorkers(count int) RelayOption {
	return func(c *RelayConfig) {
		c.Workers = count
	}
}

// WithClock sets the Relay clock.
func WithClock(clock Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for handler failures.
func WithErrorHandler(handler FailureHandler) RelayOption {
	return func(c *RelayConfig) {
		c.ErrorHandler = handler
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the relay metrics recorder.
func WithMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}

// WithTracer overrides the tracer taken from the global OpenTelemetry provider.
func WithTracer(tracer trace.Tracer) RelayOption {
	return func(c *RelayConfig) {
		c.Tracer = tracer
	}
}

// WithFailureClassifier decides what happens to a message whose handler failed.
func WithFailureClassifier(classifier FailureClassifier) RelayOption {
	return func(c *RelayConfig) {
		c.FailureClassifier = classifier
	}
}

// WithHandlerTimeout sets a per-message handler timeout.
func WithHandlerTimeout(timeout time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithAvailableInterval sets the minimum interval between available-count samples.
// Zero keeps sampling disabled.
func WithAvailableInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.AvailableInterval = interval
	}
}
