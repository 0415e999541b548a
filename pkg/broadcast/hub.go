// Package broadcast fans enriched read events and broker status changes out
// to an arbitrary number of live subscribers, typically WebSocket sessions.
// Delivery is best-effort: a subscriber that cannot keep up loses messages
// rather than slowing the ingestion pipeline down.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// Channel names carried in every envelope so a single socket can multiplex
// both streams.
const (
	ChannelTagRead      = "tag-read"
	ChannelBrokerStatus = "broker-status"
)

// Envelope is the frame delivered to subscribers.
type Envelope struct {
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

const defaultSubscriberBuffer = 64

// Hub is an in-process publish/subscribe fan-out. Publishing never blocks:
// when a subscriber's buffer is full the envelope is dropped for that
// subscriber only and counted.
type Hub struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	subs       map[string]chan Envelope
	closed     bool
	bufferSize int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a Hub whose subscriber channels buffer bufferSize envelopes.
// A non-positive bufferSize selects the default.
func NewHub(bufferSize int, logger zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Hub{
		logger:     logger.With().Str("component", "Hub").Logger(),
		subs:       make(map[string]chan Envelope),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its id along with the
// channel envelopes arrive on. The channel is closed by Unsubscribe or Close.
func (h *Hub) Subscribe() (string, <-chan Envelope) {
	id := uuid.NewString()
	ch := make(chan Envelope, h.bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	h.logger.Debug().Str("subscriber_id", id).Int("subscribers", len(h.subs)).Msg("Subscriber registered.")
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored so callers can unsubscribe unconditionally on teardown.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(ch)
	h.logger.Debug().Str("subscriber_id", id).Int("subscribers", len(h.subs)).Msg("Subscriber removed.")
}

// PublishRead broadcasts an enriched tag read on the tag-read channel.
func (h *Hub) PublishRead(event rfid.EnrichedReadEvent) {
	h.publish(Envelope{Channel: ChannelTagRead, Payload: event})
}

// PublishStatus broadcasts a broker connection transition on the
// broker-status channel.
func (h *Hub) PublishStatus(event rfid.StatusEvent) {
	h.publish(Envelope{Channel: ChannelBrokerStatus, Payload: event})
}

func (h *Hub) publish(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for id, ch := range h.subs {
		select {
		case ch <- env:
		default:
			// Slow subscriber; drop rather than stall the pipeline.
			h.dropped.Add(1)
			h.logger.Warn().Str("subscriber_id", id).Str("channel", env.Channel).Msg("Subscriber buffer full, envelope dropped.")
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total envelopes discarded because of slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close terminates every subscription. Publishing after Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.logger.Info().Uint64("published", h.published.Load()).Uint64("dropped", h.dropped.Load()).Msg("Hub closed.")
}
