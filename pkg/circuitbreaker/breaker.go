// Package circuitbreaker guards calls to object storage and the realtime
// broker with sony/gobreaker, tracing every call.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State mirrors gobreaker states as metric label values
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes the trip rule and recovery probing
type Config struct {
	Name string
	// MaxRequests bounds trial calls while half-open
	MaxRequests uint32
	// Interval resets counts while closed
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker while traffic is below MinRequests
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultConfig suits short calls to MinIO and Redis
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         2,
		Interval:            30 * time.Second,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// StateListener is told about every transition
type StateListener func(name string, to State)

// CircuitBreaker wraps gobreaker with tracing and state hooks
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter

	mu        sync.RWMutex
	state     State
	listeners []StateListener
}

// New creates a circuit breaker
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}
	calls, err := otel.Meter("circuit-breaker").Int64Counter("clinic_breaker_calls_total",
		metric.WithDescription("Calls through a circuit breaker by outcome"))
	if err != nil {
		logger.Warn("breaker call counter unavailable", zap.String("breaker", cfg.Name), zap.Error(err))
		calls, _ = noop.NewMeterProvider().Meter("circuit-breaker").Int64Counter("clinic_breaker_calls_total")
	}
	c.calls = calls
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(n gobreaker.Counts) bool {
			if n.Requests >= cfg.MinRequests {
				return float64(n.TotalFailures) >= cfg.FailureRatio*float64(n.Requests)
			}
			return n.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about the backend
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c
}

// OnStateChange registers a listener, called synchronously on transitions.
func (c *CircuitBreaker) OnStateChange(fn StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string { return c.name }

// Execute runs fn through the breaker
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	_, span := c.tracer.Start(ctx, "breaker."+c.name,
		trace.WithAttributes(attribute.String("breaker.state", string(c.State()))))
	defer span.End()

	out, err := c.cb.Execute(fn)
	outcome := "success"
	switch {
	case IsOpen(err):
		outcome = "rejected"
	case err != nil:
		outcome = "failure"
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", c.name),
		attribute.String("outcome", outcome)))

	if err != nil {
		span.SetAttributes(attribute.Bool("breaker.rejected", outcome == "rejected"))
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// Do runs fn through the breaker when there is no result to return
func (c *CircuitBreaker) Do(ctx context.Context, fn func() error) error {
	_, err := c.Execute(ctx, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// IsOpen reports whether err was a rejection by an open or saturated breaker
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the current state
func (c *CircuitBreaker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	next := stateOf(to)

	c.mu.Lock()
	c.state = next
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	c.logger.Warn("breaker transition",
		zap.String("breaker", c.name),
		zap.String("from", string(stateOf(from))),
		zap.String("to", string(next)))
	for _, fn := range listeners {
		fn(c.name, next)
	}
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Health is the readiness view of one breaker
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health reports the breaker counts
func (c *CircuitBreaker) Health() Health {
	counts := c.cb.Counts()
	state := c.State()
	return Health{
		Name:     c.name,
		State:    state,
		Requests: counts.Requests,
		Failures: counts.TotalFailures,
		Healthy:  state != StateOpen,
	}
}
