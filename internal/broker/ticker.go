package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// ZerodhaTicker streams last-traded prices over the Kite websocket.
type ZerodhaTicker struct {
	ticker      *kiteticker.Ticker
	apiKey      string
	accessToken string

	onTick       func(models.Tick)
	onError      func(error)
	onConnect    func()
	onDisconnect func()

	connected    bool
	closing      bool
	reconnecting bool
	subscribed   map[uint32]string // token -> segment
	maxRetries   int
	baseDelay    time.Duration
	logger       zerolog.Logger

	mu      sync.RWMutex
	writeMu sync.Mutex // Protects websocket writes (Subscribe, SetMode)
}

// ZerodhaTickerConfig holds configuration for the ticker.
type ZerodhaTickerConfig struct {
	APIKey      string
	AccessToken string
	MaxRetries  int
	BaseDelay   time.Duration
	Logger      *zerolog.Logger
}

// NewZerodhaTicker creates a new Zerodha ticker instance.
func NewZerodhaTicker(cfg ZerodhaTickerConfig) *ZerodhaTicker {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("feed", ProviderZerodha).Logger()
	}

	return &ZerodhaTicker{
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		subscribed:  make(map[uint32]string),
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		logger:      logger,
	}
}

// Connect establishes the websocket connection and waits for the first
// OnConnect callback.
func (t *ZerodhaTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.accessToken == "" {
		t.mu.Unlock()
		return apperrors.ErrNotAuthenticated
	}
	t.closing = false
	t.ticker = kiteticker.New(t.apiKey, t.accessToken)
	t.ticker.SetAutoReconnect(false)

	connectedCh := make(chan struct{}, 1)
	firstConnect := true

	t.ticker.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		t.reconnecting = false
		isFirst := firstConnect
		firstConnect = false
		handler := t.onConnect
		t.mu.Unlock()

		select {
		case connectedCh <- struct{}{}:
		default:
		}

		// On reconnection the previous subscriptions are restored here;
		// the external handler only runs once.
		if !isFirst {
			t.resubscribe()
			return
		}
		if handler != nil {
			go handler()
		}
	})

	t.ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		wasConnected := t.connected
		t.connected = false
		closing := t.closing
		handler := t.onDisconnect
		t.mu.Unlock()

		t.logger.Warn().Int("code", code).Str("reason", reason).Msg("ticker closed")
		if handler != nil && wasConnected {
			go handler()
		}
		if !closing {
			go t.reconnect(ctx)
		}
	})

	t.ticker.OnError(func(err error) {
		t.mu.RLock()
		handler := t.onError
		t.mu.RUnlock()
		if handler != nil {
			go handler(err)
		}
	})

	t.ticker.OnTick(func(tick kitemodels.Tick) {
		t.mu.RLock()
		handler := t.onTick
		segment := t.subscribed[tick.InstrumentToken]
		t.mu.RUnlock()
		if handler != nil {
			handler(convertKiteTick(tick, segment))
		}
	})

	t.mu.Unlock()

	go t.ticker.ServeWithContext(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-time.After(30 * time.Second):
		if !t.IsConnected() {
			return apperrors.Wrap(apperrors.ErrTimeout, "kite ticker connect")
		}
		return nil
	}
}

// Disconnect closes the websocket connection without reconnecting.
func (t *ZerodhaTicker) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true
	if t.ticker != nil {
		t.ticker.Stop()
		t.connected = false
	}
	return nil
}

// Subscribe subscribes instruments in LTP mode. Instruments need a Kite
// token; the security id is reported back on every tick.
func (t *ZerodhaTicker) Subscribe(instruments []models.Instrument) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return apperrors.ErrConnectionFailed
	}
	tokens := make([]uint32, 0, len(instruments))
	for _, inst := range instruments {
		if inst.Token == 0 {
			t.mu.Unlock()
			return fmt.Errorf("instrument %s has no kite token", inst.Symbol)
		}
		tokens = append(tokens, inst.Token)
		t.subscribed[inst.Token] = inst.Segment
	}
	t.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := t.ticker.SetMode(kiteticker.ModeLTP, tokens); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

// OnTick sets the tick handler.
func (t *ZerodhaTicker) OnTick(handler func(models.Tick)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = handler
}

// OnError sets the error handler.
func (t *ZerodhaTicker) OnError(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

// OnConnect sets the connect handler.
func (t *ZerodhaTicker) OnConnect(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = handler
}

// OnDisconnect sets the disconnect handler.
func (t *ZerodhaTicker) OnDisconnect(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = handler
}

// IsConnected returns whether the ticker is connected.
func (t *ZerodhaTicker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func convertKiteTick(tick kitemodels.Tick, segment string) models.Tick {
	ts := tick.LastTradeTime.Time
	if ts.IsZero() {
		ts = tick.Timestamp.Time
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.Tick{
		SecurityID: strconv.FormatUint(uint64(tick.InstrumentToken), 10),
		Segment:    segment,
		LTP:        tick.LastPrice,
		Volume:     int64(tick.VolumeTraded),
		Timestamp:  ts.In(utils.IndiaLocation),
	}
}

// reconnect attempts to reconnect with exponential backoff.
func (t *ZerodhaTicker) reconnect(ctx context.Context) {
	t.mu.Lock()
	if t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	for attempt := 0; attempt < t.maxRetries; attempt++ {
		delay := utils.CalculateBackoff(attempt, t.baseDelay, 30*time.Second, 2.0)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if t.IsConnected() {
			return
		}
		t.logger.Info().Int("attempt", attempt+1).Msg("reconnecting ticker")
		if err := t.Connect(ctx); err == nil {
			t.resubscribe()
			return
		}
	}

	t.mu.RLock()
	handler := t.onError
	t.mu.RUnlock()
	if handler != nil {
		handler(fmt.Errorf("%w: max reconnection attempts reached", apperrors.ErrConnectionFailed))
	}
}

// resubscribe restores every previously subscribed token.
func (t *ZerodhaTicker) resubscribe() {
	t.mu.RLock()
	tokens := make([]uint32, 0, len(t.subscribed))
	for token := range t.subscribed {
		tokens = append(tokens, token)
	}
	t.mu.RUnlock()

	if len(tokens) == 0 {
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Subscribe(tokens); err != nil {
		t.logger.Error().Err(err).Msg("resubscribe failed")
		return
	}
	if err := t.ticker.SetMode(kiteticker.ModeLTP, tokens); err != nil {
		t.logger.Error().Err(err).Msg("set mode failed")
	}
}

var _ Ticker = (*ZerodhaTicker)(nil)
