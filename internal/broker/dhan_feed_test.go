package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optsim/internal/models"
	"optsim/pkg/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestDhanFeedSubscribeAndTick(t *testing.T) {
	queries := make(chan string, 1)
	subscribed := make(chan feedSubscribe, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req feedSubscribe
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req

		conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		conn.WriteMessage(websocket.BinaryMessage, tickerPacket(2, 43210, 108.5, 0))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	now := time.Date(2025, 1, 6, 9, 17, 30, 0, time.UTC)
	feed := NewDhanFeed(DhanFeedConfig{
		URL:         "ws" + strings.TrimPrefix(server.URL, "http"),
		ClientID:    "1000",
		AccessToken: "token",
		Now:         func() time.Time { return now },
	})
	ticks := make(chan models.Tick, 1)
	feed.OnTick(func(tick models.Tick) { ticks <- tick })

	require.NoError(t, feed.Connect(context.Background()))
	defer feed.Disconnect()

	query := <-queries
	assert.Contains(t, query, "version=2")
	assert.Contains(t, query, "token=token")
	assert.Contains(t, query, "clientId=1000")
	assert.Contains(t, query, "authType=2")

	require.NoError(t, feed.Subscribe([]models.Instrument{
		{SecurityID: "43210", InstrType: models.InstrumentOptIdx},
		{SecurityID: "13", InstrType: models.InstrumentIndex},
	}))

	select {
	case req := <-subscribed:
		assert.Equal(t, 15, req.RequestCode)
		assert.Equal(t, 2, req.InstrumentCount)
		assert.Equal(t, []feedInstrument{
			{ExchangeSegment: SegmentNSEFNO, SecurityID: "43210"},
			{ExchangeSegment: SegmentIndex, SecurityID: "13"},
		}, req.InstrumentList)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscribe")
	}

	select {
	case tick := <-ticks:
		assert.Equal(t, "43210", tick.SecurityID)
		assert.Equal(t, SegmentNSEFNO, tick.Segment)
		assert.Equal(t, 108.5, tick.LTP)
		assert.True(t, tick.Timestamp.Equal(now))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for tick")
	}
}

func TestDhanFeedResubscribesAfterReconnect(t *testing.T) {
	connections := make(chan int, 4)
	var count atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(count.Add(1))

		var req feedSubscribe
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		connections <- n
		if n == 1 {
			// Drop the first connection after the subscription.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	feed := NewDhanFeed(DhanFeedConfig{
		URL:            "ws" + strings.TrimPrefix(server.URL, "http"),
		AccessToken:    "token",
		ReconnectDelay: 10 * time.Millisecond,
	})
	disconnected := make(chan struct{}, 1)
	feed.OnDisconnect(func() {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})
	require.NoError(t, feed.Connect(context.Background()))
	defer feed.Disconnect()
	require.NoError(t, feed.Subscribe([]models.Instrument{{SecurityID: "43210"}}))

	for want := 1; want <= 2; want++ {
		select {
		case n := <-connections:
			assert.Equal(t, want, n)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for subscription on connection %d", want)
		}
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Error("disconnect handler not called")
	}
}

func TestDhanFeedRetriesFailedRedial(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n == 2 {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req feedSubscribe
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if n == 1 {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, tickerPacket(2, 43210, 97.25, 0))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	feed := NewDhanFeed(DhanFeedConfig{
		URL:               "ws" + strings.TrimPrefix(server.URL, "http"),
		AccessToken:       "token",
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 40 * time.Millisecond,
	})
	ticks := make(chan models.Tick, 4)
	feed.OnTick(func(tick models.Tick) { ticks <- tick })

	require.NoError(t, feed.Connect(context.Background()))
	defer feed.Disconnect()
	require.NoError(t, feed.Subscribe([]models.Instrument{{SecurityID: "43210"}}))

	select {
	case tick := <-ticks:
		assert.Equal(t, "43210", tick.SecurityID)
		assert.Equal(t, 97.25, tick.LTP)
	case <-time.After(5 * time.Second):
		t.Fatalf("no tick after %d connection attempts", attempts.Load())
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestDhanFeedDisconnectIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	feed := NewDhanFeed(DhanFeedConfig{
		URL:         "ws" + strings.TrimPrefix(server.URL, "http"),
		AccessToken: "token",
	})
	require.NoError(t, feed.Connect(context.Background()))
	assert.NoError(t, feed.Disconnect())
	assert.NoError(t, feed.Disconnect())
	assert.Error(t, feed.Subscribe([]models.Instrument{{SecurityID: "1"}}))
}

func TestExchangeTimeReadsISTWallClock(t *testing.T) {
	ltt := uint32(time.Date(2025, 1, 6, 9, 17, 0, 0, time.UTC).Unix())
	got := exchangeTime(ltt)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 17, got.Minute())
	assert.Equal(t, utils.IndiaLocation, got.Location())
}
