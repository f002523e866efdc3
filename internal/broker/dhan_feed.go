package broker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// DefaultDhanFeedURL is the Dhan v2 live market feed endpoint.
const DefaultDhanFeedURL = "wss://api-feed.dhan.co"

const (
	feedRequestSubscribeTicker = 15
	feedResponseTicker         = 2
	feedResponseDisconnect     = 50
	feedTickerPacketLen        = 16
	feedMaxInstrumentsPerMsg   = 100
)

// feedSegments maps the one-byte exchange segment of a feed packet.
var feedSegments = map[byte]string{
	0: SegmentIndex,
	1: SegmentNSEEquity,
	2: SegmentNSEFNO,
	3: "NSE_CURRENCY",
	4: "BSE_EQ",
	5: SegmentMCX,
	7: "BSE_CURRENCY",
	8: "BSE_FNO",
}

// DhanFeedConfig configures the Dhan websocket feed.
type DhanFeedConfig struct {
	URL         string
	ClientID    string
	AccessToken string
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// ExchangeTime stamps ticks with the packet's last-trade time instead
	// of the receive time.
	ExchangeTime bool
	Now          func() time.Time
	Logger       *zerolog.Logger
}

// DefaultDhanFeedConfig returns default feed configuration.
func DefaultDhanFeedConfig() DhanFeedConfig {
	return DhanFeedConfig{
		URL:               DefaultDhanFeedURL,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// DhanFeed streams ticker packets from the Dhan binary feed.
type DhanFeed struct {
	config DhanFeedConfig
	logger zerolog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	subscribed   []models.Instrument
	subscribedMu sync.Mutex

	onTick       func(models.Tick)
	onError      func(error)
	onConnect    func()
	onDisconnect func()
	handlersMu   sync.RWMutex

	done         chan struct{}
	wg           sync.WaitGroup
	reconnecting atomic.Bool
}

// NewDhanFeed creates a feed; Connect dials it.
func NewDhanFeed(cfg DhanFeedConfig) *DhanFeed {
	def := DefaultDhanFeedConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("feed", ProviderDhan).Logger()
	}
	return &DhanFeed{
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (f *DhanFeed) endpoint() (string, error) {
	u, err := url.Parse(f.config.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", f.config.AccessToken)
	q.Set("clientId", f.config.ClientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the feed and starts the read and ping loops.
func (f *DhanFeed) Connect(ctx context.Context) error {
	if f.closed.Load() {
		return fmt.Errorf("feed closed")
	}
	if f.config.AccessToken == "" {
		return apperrors.ErrNotAuthenticated
	}
	if err := f.dial(ctx); err != nil {
		return err
	}

	f.wg.Add(2)
	go f.readLoop()
	go f.pingLoop()

	f.handlersMu.RLock()
	handler := f.onConnect
	f.handlersMu.RUnlock()
	if handler != nil {
		go handler()
	}
	return nil
}

func (f *DhanFeed) dial(ctx context.Context) error {
	endpoint, err := f.endpoint()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: websocket dial: %v", apperrors.ErrConnectionFailed, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	return nil
}

// Disconnect closes the connection and waits for the loops to exit.
func (f *DhanFeed) Disconnect() error {
	if f.closed.Swap(true) {
		return nil
	}
	close(f.done)

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.conn.Close()
	}
	f.connMu.Unlock()

	f.wg.Wait()
	return nil
}

type feedInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

type feedSubscribe struct {
	RequestCode     int              `json:"RequestCode"`
	InstrumentCount int              `json:"InstrumentCount"`
	InstrumentList  []feedInstrument `json:"InstrumentList"`
}

// Subscribe requests ticker packets for the instruments. Subscriptions are
// replayed after a reconnect.
func (f *DhanFeed) Subscribe(instruments []models.Instrument) error {
	if f.closed.Load() {
		return fmt.Errorf("feed closed")
	}
	f.subscribedMu.Lock()
	f.subscribed = append(f.subscribed, instruments...)
	f.subscribedMu.Unlock()
	return f.sendSubscribe(instruments)
}

func (f *DhanFeed) sendSubscribe(instruments []models.Instrument) error {
	for start := 0; start < len(instruments); start += feedMaxInstrumentsPerMsg {
		end := start + feedMaxInstrumentsPerMsg
		if end > len(instruments) {
			end = len(instruments)
		}
		msg := feedSubscribe{RequestCode: feedRequestSubscribeTicker}
		for _, inst := range instruments[start:end] {
			msg.InstrumentList = append(msg.InstrumentList, feedInstrument{
				ExchangeSegment: DhanSegment(inst),
				SecurityID:      inst.SecurityID,
			})
		}
		msg.InstrumentCount = len(msg.InstrumentList)

		f.connMu.Lock()
		if f.conn == nil {
			f.connMu.Unlock()
			return apperrors.ErrConnectionFailed
		}
		f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
		err := f.conn.WriteJSON(msg)
		f.connMu.Unlock()
		if err != nil {
			return fmt.Errorf("write subscribe: %w", err)
		}
	}
	return nil
}

// OnTick sets the tick handler. It runs on the read goroutine.
func (f *DhanFeed) OnTick(handler func(models.Tick)) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onTick = handler
}

// OnError sets the error handler.
func (f *DhanFeed) OnError(handler func(error)) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onError = handler
}

// OnConnect sets the connect handler.
func (f *DhanFeed) OnConnect(handler func()) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onConnect = handler
}

// OnDisconnect sets the disconnect handler.
func (f *DhanFeed) OnDisconnect(handler func()) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.onDisconnect = handler
}

func (f *DhanFeed) readLoop() {
	defer f.wg.Done()

	reconnectDelay := f.config.ReconnectDelay

	for !f.closed.Load() {
		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		if conn == nil {
			select {
			case <-f.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if f.closed.Load() {
				return
			}
			f.reportError(fmt.Errorf("%w: read: %v", apperrors.ErrConnectionFailed, err))

			if !f.reconnecting.Swap(true) {
				f.handlersMu.RLock()
				handler := f.onDisconnect
				f.handlersMu.RUnlock()
				if handler != nil {
					go handler()
				}
				go f.reconnect(reconnectDelay)
			}

			reconnectDelay *= 2
			if reconnectDelay > f.config.MaxReconnectDelay {
				reconnectDelay = f.config.MaxReconnectDelay
			}

			select {
			case <-f.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = f.config.ReconnectDelay
		if msgType != websocket.BinaryMessage {
			continue
		}
		f.handlePacket(message)
	}
}

func (f *DhanFeed) handlePacket(message []byte) {
	if len(message) > 0 && message[0] == feedResponseDisconnect {
		f.reportError(fmt.Errorf("%w: server sent disconnect packet", apperrors.ErrConnectionFailed))
		return
	}
	pkt, ok := ParseTickerPacket(message)
	if !ok {
		return
	}

	ts := f.config.Now()
	if f.config.ExchangeTime && pkt.LTT != 0 {
		ts = exchangeTime(pkt.LTT)
	}
	tick := models.Tick{
		SecurityID: strconv.FormatUint(uint64(pkt.SecurityID), 10),
		Segment:    pkt.Segment,
		LTP:        pkt.LTP,
		Timestamp:  ts.In(utils.IndiaLocation),
	}

	f.handlersMu.RLock()
	handler := f.onTick
	f.handlersMu.RUnlock()
	if handler != nil {
		handler(tick)
	}
}

func (f *DhanFeed) reportError(err error) {
	f.logger.Warn().Err(err).Msg("feed error")
	f.handlersMu.RLock()
	handler := f.onError
	f.handlersMu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

func (f *DhanFeed) pingLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.connMu.Lock()
			if f.conn != nil {
				f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
				if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.logger.Debug().Err(err).Msg("ping failed")
				}
			}
			f.connMu.Unlock()
		}
	}
}

// reconnect drops the broken connection and redials until a dial succeeds
// or the feed is closed, doubling the wait after each failure up to
// MaxReconnectDelay. The subscriptions are replayed on the new connection.
func (f *DhanFeed) reconnect(delay time.Duration) {
	defer f.reconnecting.Store(false)

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()

	for attempt := 1; ; attempt++ {
		if f.closed.Load() {
			return
		}
		select {
		case <-f.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := f.dial(ctx)
		cancel()
		if err == nil {
			break
		}
		f.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
		delay *= 2
		if delay > f.config.MaxReconnectDelay {
			delay = f.config.MaxReconnectDelay
		}
	}

	if f.closed.Load() {
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()
		return
	}
	f.logger.Info().Msg("feed reconnected")

	f.subscribedMu.Lock()
	instruments := append([]models.Instrument(nil), f.subscribed...)
	f.subscribedMu.Unlock()
	if err := f.sendSubscribe(instruments); err != nil {
		f.reportError(err)
	}
}

// TickerPacket is a decoded ticker packet.
type TickerPacket struct {
	Segment    string
	SecurityID uint32
	LTP        float64
	LTT        uint32
}

// ParseTickerPacket decodes a little-endian ticker packet: response code,
// message length, segment, security id, float32 LTP and uint32 LTT.
func ParseTickerPacket(msg []byte) (TickerPacket, bool) {
	if len(msg) < feedTickerPacketLen || msg[0] != feedResponseTicker {
		return TickerPacket{}, false
	}
	segment, ok := feedSegments[msg[3]]
	if !ok {
		segment = strconv.Itoa(int(msg[3]))
	}
	ltp := math.Float32frombits(binary.LittleEndian.Uint32(msg[8:12]))
	// float32 prices carry noise below the paisa.
	price := math.Round(float64(ltp)*100) / 100
	return TickerPacket{
		Segment:    segment,
		SecurityID: binary.LittleEndian.Uint32(msg[4:8]),
		LTP:        price,
		LTT:        binary.LittleEndian.Uint32(msg[12:16]),
	}, true
}

// exchangeTime reads an LTT that encodes IST wall-clock seconds.
func exchangeTime(ltt uint32) time.Time {
	u := time.Unix(int64(ltt), 0).UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), 0, utils.IndiaLocation)
}

var _ Ticker = (*DhanFeed)(nil)
