package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// ZerodhaBroker reads historical data and instruments from Kite Connect.
type ZerodhaBroker struct {
	client        *kiteconnect.Client
	apiKey        string
	apiSecret     string
	userID        string
	accessToken   string
	tokenPath     string
	authenticated bool
	retry         utils.RetryConfig
	logger        zerolog.Logger
	mu            sync.RWMutex
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey      string
	APISecret   string
	UserID      string
	AccessToken string
	TokenPath   string
	BaseURI     string
	Logger      *zerolog.Logger
}

// NewZerodhaBroker creates a new Zerodha broker instance.
// An explicit access token wins over a saved session.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	client := kiteconnect.New(cfg.APIKey)
	if cfg.BaseURI != "" {
		client.SetBaseURI(cfg.BaseURI)
	}

	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "optsim", "kite_session.json")
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("provider", ProviderZerodha).Logger()
	}

	zb := &ZerodhaBroker{
		client:    client,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		userID:    cfg.UserID,
		tokenPath: tokenPath,
		retry:     utils.DefaultRetryConfig(),
		logger:    logger,
	}
	zb.retry.RetryableErrors = []error{apperrors.ErrRateLimited, apperrors.ErrConnectionFailed}

	if cfg.AccessToken != "" {
		zb.setAccessToken(cfg.AccessToken)
	} else {
		_ = zb.loadSession()
	}
	return zb
}

// Name implements Broker.
func (z *ZerodhaBroker) Name() string {
	return ProviderZerodha
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LoginURL returns the Kite login page that issues a request token.
func (z *ZerodhaBroker) LoginURL() string {
	return z.client.GetLoginURL()
}

// CompleteLogin exchanges a request token for an access token and
// persists it until the next 06:00 IST expiry.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := z.client.GenerateSession(requestToken, z.apiSecret)
	if err != nil {
		return apperrors.NewBrokerError(ProviderZerodha, "AUTH", "failed to generate session", err)
	}
	z.setAccessToken(session.AccessToken)

	if err := z.saveSession(session.AccessToken); err != nil {
		z.logger.Warn().Err(err).Msg("failed to persist session")
	}
	return nil
}

// IsAuthenticated returns whether the broker holds an access token.
func (z *ZerodhaBroker) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

// AccessToken returns the current access token, for the ticker.
func (z *ZerodhaBroker) AccessToken() string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.accessToken
}

func (z *ZerodhaBroker) setAccessToken(token string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.accessToken = token
	z.authenticated = token != ""
	z.client.SetAccessToken(token)
}

func (z *ZerodhaBroker) loadSession() error {
	data, err := os.ReadFile(z.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	// Kite tokens expire at 06:00 IST the next day
	if time.Now().After(session.ExpiresAt) {
		return fmt.Errorf("session expired")
	}
	z.setAccessToken(session.AccessToken)
	return nil
}

func (z *ZerodhaBroker) saveSession(accessToken string) error {
	dir := filepath.Dir(z.tokenPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	now := time.Now().In(utils.IndiaLocation)
	session := sessionData{
		AccessToken: accessToken,
		UserID:      z.userID,
		ExpiresAt:   time.Date(now.Year(), now.Month(), now.Day()+1, 6, 0, 0, 0, utils.IndiaLocation),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return os.WriteFile(z.tokenPath, data, 0600)
}

// GetHistorical fetches historical OHLCV data.
func (z *ZerodhaBroker) GetHistorical(ctx context.Context, req HistoricalRequest) (models.BarSeries, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Instrument.Token == 0 {
		return nil, apperrors.NewBrokerError(ProviderZerodha, "INPUT", "instrument has no kite token: "+req.Instrument.Symbol, nil)
	}
	interval, err := kiteInterval(req.IntervalMinutes)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := utils.RetryWithResult(ctx, z.retry, func() ([]kiteconnect.HistoricalData, error) {
		d, err := z.client.GetHistoricalData(int(req.Instrument.Token), interval, req.From, req.To, false, false)
		return d, classifyKiteError(err)
	})
	z.logger.Debug().
		Str("symbol", req.Instrument.Symbol).
		Dur("duration", time.Since(start)).
		Int("bars", len(data)).
		Err(err).
		Msg("historical data")
	if err != nil {
		return nil, apperrors.NewBrokerError(ProviderZerodha, "HISTORICAL", "failed to get historical data", err)
	}

	bars := make(models.BarSeries, 0, len(data))
	for _, d := range data {
		bars = append(bars, models.Bar{
			Timestamp: d.Date.Time.In(utils.IndiaLocation),
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    int64(d.Volume),
			HasVolume: req.Instrument.InstrType != models.InstrumentIndex,
		})
	}
	return bars, nil
}

// GetInstruments fetches all instruments for an exchange.
func (z *ZerodhaBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	instruments, err := utils.RetryWithResult(ctx, z.retry, func() (kiteconnect.Instruments, error) {
		list, err := z.client.GetInstrumentsByExchange(string(exchange))
		return list, classifyKiteError(err)
	})
	if err != nil {
		return nil, apperrors.NewBrokerError(ProviderZerodha, "INSTRUMENTS", "failed to get instruments", err)
	}

	result := make([]models.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		result = append(result, fromKiteInstrument(inst))
	}
	return result, nil
}

func fromKiteInstrument(inst kiteconnect.Instrument) models.Instrument {
	out := models.Instrument{
		Token:      uint32(inst.InstrumentToken),
		SecurityID: strconv.Itoa(inst.InstrumentToken),
		Symbol:     inst.Tradingsymbol,
		Name:       inst.Name,
		Underlying: inst.Name,
		Exchange:   models.Exchange(inst.Exchange),
		Segment:    inst.Segment,
		LotSize:    int(inst.LotSize),
		TickSize:   inst.TickSize,
		Expiry:     inst.Expiry.Time,
		Strike:     inst.StrikePrice,
		OptionType: models.None,
	}
	switch inst.InstrumentType {
	case "CE", "PE":
		out.OptionType = models.OptionType(inst.InstrumentType)
		out.InstrType = models.InstrumentOptIdx
		if inst.Exchange == string(models.MCX) {
			out.InstrType = models.InstrumentOptFut
		}
	case "FUT":
		out.InstrType = models.InstrumentFutIdx
		if inst.Exchange == string(models.MCX) {
			out.InstrType = models.InstrumentFutCom
		}
	default:
		if inst.Segment == "INDICES" {
			out.InstrType = models.InstrumentIndex
		}
	}
	return out
}

// kiteInterval maps a bar width to a Kite interval name.
func kiteInterval(minutes int) (string, error) {
	switch minutes {
	case 1:
		return "minute", nil
	case 5:
		return "5minute", nil
	case 15:
		return "15minute", nil
	case 60:
		return "60minute", nil
	default:
		return "", apperrors.NewBrokerError(ProviderZerodha, "INPUT", fmt.Sprintf("no kite interval for %d minutes", minutes), nil)
	}
}

// classifyKiteError maps Kite error types onto the retry sentinels.
func classifyKiteError(err error) error {
	if err == nil {
		return nil
	}
	var kerr kiteconnect.Error
	if apperrors.As(err, &kerr) {
		switch kerr.ErrorType {
		case kiteconnect.NetworkError:
			if kerr.Code == 429 {
				return fmt.Errorf("%w: %v", apperrors.ErrRateLimited, err)
			}
			return fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err)
		case kiteconnect.TokenError:
			return fmt.Errorf("%w: %v", apperrors.ErrNotAuthenticated, err)
		}
	}
	return err
}

var _ Broker = (*ZerodhaBroker)(nil)
