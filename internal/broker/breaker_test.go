package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
)

// MockBroker is a mock implementation of Broker for testing.
type MockBroker struct {
	shouldFail bool
	failAfter  int
	callCount  int
	err        error
}

func (m *MockBroker) Name() string { return "mock" }

func (m *MockBroker) GetHistorical(ctx context.Context, req HistoricalRequest) (models.BarSeries, error) {
	m.callCount++
	if m.shouldFail && m.callCount > m.failAfter {
		if m.err != nil {
			return nil, m.err
		}
		return nil, errors.New("mock broker error")
	}
	return models.BarSeries{{Timestamp: req.From, Open: 1, High: 1, Low: 1, Close: 1}}, nil
}

func (m *MockBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	m.callCount++
	return []models.Instrument{{SecurityID: "13", Exchange: exchange}}, nil
}

func TestCircuitBreakerBroker_SuccessfulCalls(t *testing.T) {
	mockBroker := &MockBroker{}
	cb := NewCircuitBreakerBroker(mockBroker, zerolog.Nop())

	if cb.Name() != "mock" {
		t.Errorf("Name() = %q", cb.Name())
	}
	bars, err := cb.GetHistorical(context.Background(), HistoricalRequest{})
	if err != nil {
		t.Fatalf("GetHistorical failed: %v", err)
	}
	if len(bars) != 1 {
		t.Errorf("GetHistorical returned %d bars, want 1", len(bars))
	}
	instruments, err := cb.GetInstruments(context.Background(), models.NFO)
	if err != nil || len(instruments) != 1 || instruments[0].Exchange != models.NFO {
		t.Errorf("GetInstruments = %v, %v", instruments, err)
	}
}

func TestCircuitBreakerBroker_FailureScenarios(t *testing.T) {
	mockBroker := &MockBroker{shouldFail: true, failAfter: 3}
	testSettings := CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.5,
	}
	cb := NewCircuitBreakerBrokerWithSettings(mockBroker, testSettings, zerolog.Nop())

	for i := 0; i < 8; i++ {
		_, err := cb.GetHistorical(context.Background(), HistoricalRequest{})
		if i < 3 {
			if err != nil {
				t.Errorf("Call %d should succeed but failed: %v", i+1, err)
			}
		} else if err == nil {
			t.Errorf("Call %d should fail but succeeded", i+1)
		}
	}

	if cb.State() != gobreaker.StateOpen {
		t.Errorf("Circuit breaker should be open, but state is %s", cb.State())
	}
	_, err := cb.GetHistorical(context.Background(), HistoricalRequest{})
	if !errors.Is(err, apperrors.ErrCircuitOpen) {
		t.Errorf("open breaker returned %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerBroker_CancellationDoesNotTrip(t *testing.T) {
	mockBroker := &MockBroker{shouldFail: true, err: context.Canceled}
	testSettings := CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.5,
	}
	cb := NewCircuitBreakerBrokerWithSettings(mockBroker, testSettings, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if _, err := cb.GetHistorical(context.Background(), HistoricalRequest{}); !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: got %v", i+1, err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("cancellations tripped the breaker: %s", cb.State())
	}
}
