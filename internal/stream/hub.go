// Package stream runs strategies on live market data: it turns feed ticks
// into bars, drives a session coordinator and fans its updates out.
package stream

import (
	"context"
	"sync"
	"time"

	"optsim/internal/models"
	"optsim/internal/trading"
)

// Topic classifies hub updates.
type Topic string

const (
	TopicBar    Topic = "bar"
	TopicEvent  Topic = "event"
	TopicTrade  Topic = "trade"
	TopicStatus Topic = "status"
	// TopicAll subscribes to every topic.
	TopicAll Topic = "*"
)

// Update is one message distributed by the hub.
type Update struct {
	Topic  Topic
	Time   time.Time
	Leg    models.OptionType
	Bar    *models.Bar
	Event  *trading.Event
	Trade  *trading.TradeRecord
	FillID string
	MTM    float64
	Halted bool
}

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// BufferSize is the size of the internal update channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Hub fans session updates out to subscribers. Sends never block: a
// subscriber whose buffer is full misses the update.
type Hub struct {
	config      HubConfig
	mu          sync.RWMutex
	subscribers map[Topic][]*Subscriber
	updates     chan Update
	done        chan struct{}
	stopped     chan struct{}
	started     bool

	// Metrics
	received  uint64
	delivered uint64
	dropped   uint64
	metricsMu sync.RWMutex
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber struct {
	ID           string
	Channel      chan Update
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a new hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a new hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	return &Hub{
		config:      config,
		subscribers: make(map[Topic][]*Subscriber),
		updates:     make(chan Update, config.BufferSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start begins the hub's distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			// deliver what is already queued
			for {
				select {
				case u := <-h.updates:
					h.broadcast(u)
				default:
					return
				}
			}
		case u := <-h.updates:
			h.broadcast(u)
		}
	}
}

// Stop drains queued updates, stops the hub and closes all subscriber
// channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	close(h.done)
	h.mu.Unlock()

	<-h.stopped

	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, topic)
	}
}

// Subscribe adds a subscriber for a topic.
func (h *Hub) Subscribe(topic Topic) <-chan Update {
	return h.SubscribeWithID(topic, "")
}

// SubscribeWithID adds a subscriber with a specific ID for a topic.
func (h *Hub) SubscribeWithID(topic Topic, id string) <-chan Update {
	ch := make(chan Update, h.config.SubscriberBufferSize)
	sub := &Subscriber{
		ID:        id,
		Channel:   ch,
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[topic] = append(h.subscribers[topic], sub)
	h.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber channel.
func (h *Hub) Unsubscribe(topic Topic, ch <-chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[topic]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[topic]) == 0 {
		delete(h.subscribers, topic)
	}
}

// Publish queues an update for distribution. If the internal buffer is
// full the update is dropped.
func (h *Hub) Publish(u Update) {
	select {
	case h.updates <- u:
		h.metricsMu.Lock()
		h.received++
		h.metricsMu.Unlock()
	default:
		h.metricsMu.Lock()
		h.dropped++
		h.metricsMu.Unlock()
	}
}

func (h *Hub) broadcast(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := [][]*Subscriber{h.subscribers[u.Topic], h.subscribers[TopicAll]}
	for _, subs := range targets {
		for _, sub := range subs {
			select {
			case sub.Channel <- u:
				h.metricsMu.Lock()
				h.delivered++
				h.metricsMu.Unlock()
			default:
				sub.DroppedCount++
				h.metricsMu.Lock()
				h.dropped++
				h.metricsMu.Unlock()
			}
		}
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

// HubMetrics contains hub delivery counters.
type HubMetrics struct {
	Received  uint64
	Delivered uint64
	Dropped   uint64
}

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() HubMetrics {
	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()
	return HubMetrics{Received: h.received, Delivered: h.delivered, Dropped: h.dropped}
}
