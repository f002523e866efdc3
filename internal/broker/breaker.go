package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings returns the settings used for live providers.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker wraps b with the default settings.
func NewCircuitBreakerBroker(b Broker, logger zerolog.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerBrokerWithSettings wraps b with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings, logger zerolog.Logger) *CircuitBreakerBroker {
	return &CircuitBreakerBroker{
		broker:  b,
		breaker: newBreaker(b.Name(), settings, logger),
	}
}

func newBreaker(name string, settings CircuitBreakerSettings, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Caller cancellations say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

func execCircuitBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s: %v", apperrors.ErrCircuitOpen, breaker.Name(), err)
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Name implements Broker.
func (c *CircuitBreakerBroker) Name() string {
	return c.broker.Name()
}

// State reports the breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetHistorical wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetHistorical(ctx context.Context, req HistoricalRequest) (models.BarSeries, error) {
	return execCircuitBreaker(c.breaker, func() (models.BarSeries, error) { return c.broker.GetHistorical(ctx, req) })
}

// GetInstruments wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	return execCircuitBreaker(c.breaker, func() ([]models.Instrument, error) { return c.broker.GetInstruments(ctx, exchange) })
}

var _ Broker = (*CircuitBreakerBroker)(nil)
