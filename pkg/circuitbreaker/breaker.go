// Package circuitbreaker wraps sony/gobreaker with OpenTelemetry integration.
// The record store uses it to guard audit trail publishes against a broker
// outage: once the circuit opens, mutations keep working and audit events are
// dropped instead of blocking on a dead broker.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// FailureRatio is the failure ratio threshold (alternative to count)
	FailureRatio float64
	// MinRequests is minimum requests before the ratio is considered
	MinRequests uint32
}

// DefaultConfig returns defaults suitable for audit stream publishing.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// CircuitBreaker wraps gobreaker with observability.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	meter          metric.Meter
	requestCounter metric.Int64Counter
	failureCounter metric.Int64Counter
	successCounter metric.Int64Counter
	rejectCounter  metric.Int64Counter
	currentState   State
	stateMu        sync.RWMutex
}

// New creates a new circuit breaker.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:         cfg.Name,
		logger:       logger,
		tracer:       otel.Tracer("circuit-breaker"),
		meter:        otel.Meter("circuit-breaker"),
		currentState: StateClosed,
	}

	var err error
	cb.requestCounter, err = cb.meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}

	cb.failureCounter, err = cb.meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests"))
	if err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}

	cb.successCounter, err = cb.meter.Int64Counter("circuit_breaker_successes_total",
		metric.WithDescription("Total successful requests"))
	if err != nil {
		return nil, fmt.Errorf("create success counter: %w", err)
	}

	cb.rejectCounter, err = cb.meter.Int64Counter("circuit_breaker_rejections_total",
		metric.WithDescription("Total requests rejected due to open circuit"))
	if err != nil {
		return nil, fmt.Errorf("create rejection counter: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cb.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}

	cb.cb = gobreaker.NewCircuitBreaker(settings)

	return cb, nil
}

// Execute runs a function through the circuit breaker.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))

	result, err := c.cb.Execute(fn)

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			c.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))
			span.SetAttributes(attribute.Bool("circuit_open", true))
		} else {
			c.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))
		}
		span.RecordError(err)
		return nil, err
	}

	c.successCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))
	return result, nil
}

// GetState returns the current circuit breaker state.
func (c *CircuitBreaker) GetState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.currentState
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	fromState := mapState(from)
	toState := mapState(to)

	c.stateMu.Lock()
	c.currentState = toState
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(fromState)),
		zap.String("to", string(toState)))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// IsOpen returns true if the circuit is open.
func (c *CircuitBreaker) IsOpen() bool {
	return c.GetState() == StateOpen
}

// IsClosed returns true if the circuit is closed.
func (c *CircuitBreaker) IsClosed() bool {
	return c.GetState() == StateClosed
}

// Counts returns the current counts from the circuit breaker.
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}
