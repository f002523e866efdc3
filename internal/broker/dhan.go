package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	apperrors "optsim/internal/errors"
	"optsim/internal/logging"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// DefaultDhanBaseURL is the Dhan v2 REST root.
const DefaultDhanBaseURL = "https://api.dhan.co/v2"

// Dhan exchange segments used in REST payloads and feed subscriptions.
const (
	SegmentIndex     = "IDX_I"
	SegmentNSEEquity = "NSE_EQ"
	SegmentNSEFNO    = "NSE_FNO"
	SegmentMCX       = "MCX_COMM"
)

// MasterParser turns a Dhan instrument master CSV into instruments.
type MasterParser func(r io.Reader) ([]models.Instrument, error)

// DhanClient reads intraday charts and the instrument master from the
// Dhan REST API. Every call goes through one circuit breaker and the
// shared retry policy.
type DhanClient struct {
	baseURL     string
	clientID    string
	accessToken string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	retry       utils.RetryConfig
	parseMaster MasterParser
	observe     func(endpoint string, took time.Duration, err error)
	logger      zerolog.Logger
}

// DhanConfig holds configuration for the Dhan client.
type DhanConfig struct {
	BaseURL     string
	ClientID    string
	AccessToken string
	Timeout     time.Duration
	Retry       *utils.RetryConfig
	Breaker     *CircuitBreakerSettings
	// ParseMaster decodes /instrument/{segment}; GetInstruments fails without it.
	ParseMaster MasterParser
	// Observe, when set, is called after every HTTP round trip.
	Observe func(endpoint string, took time.Duration, err error)
	Logger  *zerolog.Logger
}

// NewDhanClient creates a Dhan REST client.
func NewDhanClient(cfg DhanConfig) *DhanClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultDhanBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retry := utils.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	retry.RetryableErrors = []error{apperrors.ErrRateLimited, apperrors.ErrConnectionFailed}
	settings := DefaultCircuitBreakerSettings()
	if cfg.Breaker != nil {
		settings = *cfg.Breaker
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("provider", ProviderDhan).Logger()
	}

	return &DhanClient{
		baseURL:     baseURL,
		clientID:    cfg.ClientID,
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: timeout},
		breaker:     newBreaker(ProviderDhan, settings, logger),
		retry:       retry,
		parseMaster: cfg.ParseMaster,
		observe:     cfg.Observe,
		logger:      logger,
	}
}

// Name implements Broker.
func (d *DhanClient) Name() string {
	return ProviderDhan
}

type intradayRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	Interval        string `json:"interval"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
}

type intradayResponse struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []float64 `json:"volume"`
	Timestamp []float64 `json:"timestamp"`
}

const dhanTimeLayout = "2006-01-02 15:04:05"

// GetHistorical fetches intraday bars from /charts/intraday.
func (d *DhanClient) GetHistorical(ctx context.Context, req HistoricalRequest) (models.BarSeries, error) {
	if d.accessToken == "" {
		return nil, apperrors.ErrNotAuthenticated
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Instrument.SecurityID == "" {
		return nil, apperrors.NewBrokerError(ProviderDhan, "INPUT", "instrument has no security id: "+req.Instrument.Symbol, nil)
	}

	payload := intradayRequest{
		SecurityID:      req.Instrument.SecurityID,
		ExchangeSegment: DhanSegment(req.Instrument),
		Instrument:      dhanInstrument(req.Instrument),
		Interval:        fmt.Sprint(req.IntervalMinutes),
		FromDate:        req.From.In(utils.IndiaLocation).Format(dhanTimeLayout),
		ToDate:          req.To.In(utils.IndiaLocation).Format(dhanTimeLayout),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var resp intradayResponse
	raw, err := d.call(ctx, "intraday", http.MethodPost, "/charts/intraday", body)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperrors.NewBrokerError(ProviderDhan, "DECODE", "invalid intraday response", err)
	}
	return resp.bars(req.Instrument)
}

func (r intradayResponse) bars(inst models.Instrument) (models.BarSeries, error) {
	n := len(r.Timestamp)
	if len(r.Open) != n || len(r.High) != n || len(r.Low) != n || len(r.Close) != n {
		return nil, apperrors.NewDataError("bars", inst.Symbol, "intraday arrays differ in length", apperrors.ErrMalformedBar)
	}
	hasVolume := len(r.Volume) == n && inst.InstrType != models.InstrumentIndex
	bars := make(models.BarSeries, 0, n)
	for i := 0; i < n; i++ {
		b := models.Bar{
			Timestamp: time.Unix(int64(r.Timestamp[i]), 0).In(utils.IndiaLocation),
			Open:      r.Open[i],
			High:      r.High[i],
			Low:       r.Low[i],
			Close:     r.Close[i],
			HasVolume: hasVolume,
		}
		if hasVolume {
			b.Volume = int64(r.Volume[i])
		}
		bars = append(bars, b)
	}
	bars.Sort()
	return bars, nil
}

// GetInstruments downloads the instrument master of the exchange's
// derivatives segment.
func (d *DhanClient) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if d.parseMaster == nil {
		return nil, apperrors.NewBrokerError(ProviderDhan, "CONFIG", "no instrument master parser configured", nil)
	}
	segment := SegmentNSEFNO
	switch exchange {
	case models.MCX:
		segment = SegmentMCX
	case models.NSE:
		segment = SegmentNSEEquity
	}

	raw, err := d.call(ctx, "instrument", http.MethodGet, "/instrument/"+segment, nil)
	if err != nil {
		return nil, err
	}
	instruments, err := d.parseMaster(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.NewBrokerError(ProviderDhan, "DECODE", "invalid instrument master", err)
	}
	return instruments, nil
}

// call performs one request through the breaker, retrying rate limits
// and server errors.
func (d *DhanClient) call(ctx context.Context, endpoint, method, path string, body []byte) ([]byte, error) {
	return utils.RetryWithResult(ctx, d.retry, func() ([]byte, error) {
		return execCircuitBreaker(d.breaker, func() ([]byte, error) {
			start := time.Now()
			raw, err := d.do(ctx, method, path, body)
			took := time.Since(start)
			if d.observe != nil {
				d.observe(endpoint, took, err)
			}
			logging.LogAPICall(d.logger, method, endpoint, took, err)
			return raw, err
		})
	})
}

func (d *DhanClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("access-token", d.accessToken)
	if d.clientID != "" {
		req.Header.Set("client-id", d.clientID)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", apperrors.ErrConnectionFailed, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewBrokerError(ProviderDhan, "429", "rate limited", apperrors.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.NewBrokerError(ProviderDhan, fmt.Sprint(resp.StatusCode), string(raw), apperrors.ErrNotAuthenticated)
	case resp.StatusCode >= 500:
		return nil, apperrors.NewBrokerError(ProviderDhan, fmt.Sprint(resp.StatusCode), "server error", apperrors.ErrConnectionFailed)
	case resp.StatusCode >= 400:
		return nil, apperrors.NewBrokerError(ProviderDhan, fmt.Sprint(resp.StatusCode), strings.TrimSpace(string(raw)), nil)
	}
	return raw, nil
}

// DhanSegment returns the exchange segment string for an instrument.
func DhanSegment(inst models.Instrument) string {
	if inst.InstrType == models.InstrumentIndex {
		return SegmentIndex
	}
	switch inst.Segment {
	case SegmentIndex, SegmentNSEEquity, SegmentNSEFNO, SegmentMCX:
		return inst.Segment
	}
	switch inst.InstrType {
	case models.InstrumentFutCom, models.InstrumentOptFut:
		return SegmentMCX
	}
	if inst.Exchange == models.MCX {
		return SegmentMCX
	}
	return SegmentNSEFNO
}

func dhanInstrument(inst models.Instrument) string {
	if inst.InstrType == "" {
		if inst.OptionType == models.CE || inst.OptionType == models.PE {
			return string(models.InstrumentOptIdx)
		}
		return string(models.InstrumentIndex)
	}
	return string(inst.InstrType)
}

var _ Broker = (*DhanClient)(nil)
