// Package rfid defines the shared domain types for the tag-read ingestion
// service: broker configuration, connection state, and the raw and enriched
// read-event shapes that flow through the pipeline.
package rfid

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidBrokerConfig is the sentinel for configuration errors surfaced
// synchronously to callers of Configure/Connect.
var ErrInvalidBrokerConfig = errors.New("invalid broker configuration")

// BrokerConfig holds the desired MQTT broker endpoint and session settings.
// A config is immutable once applied to a live session; changing the endpoint
// always tears the old session down before a new one is opened.
type BrokerConfig struct {
	Protocol string `json:"protocol" yaml:"protocol"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	ClientID string `json:"clientId" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
	// Topic is the subscription filter. Empty means subscribe to everything.
	Topic string `json:"topic" yaml:"topic"`
}

// Validate checks that the config describes a reachable endpoint. Failures
// wrap ErrInvalidBrokerConfig so callers can classify them as ConfigErrors.
func (c BrokerConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidBrokerConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidBrokerConfig, c.Port)
	}
	return nil
}

// BrokerURL renders the endpoint in the scheme://host:port form the Paho
// client expects. The protocol defaults to tcp and a trailing "://" on the
// configured protocol is tolerated.
func (c BrokerConfig) BrokerURL() string {
	proto := strings.TrimSuffix(strings.TrimSpace(c.Protocol), "://")
	if proto == "" || proto == "mqtt" {
		proto = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", proto, c.Host, c.Port)
}

// SubscriptionTopic returns the configured topic filter, defaulting to the
// wildcard filter when none is set.
func (c BrokerConfig) SubscriptionTopic() string {
	if c.Topic == "" {
		return "#"
	}
	return c.Topic
}

// SameEndpoint reports whether two configs target the same broker. Only the
// endpoint triple matters here: a Connect against the endpoint we are already
// attached to is a no-op, anything else forces a reconnect.
func (c BrokerConfig) SameEndpoint(other BrokerConfig) bool {
	return c.BrokerURL() == other.BrokerURL()
}

// ConnectionState describes the lifecycle of the single logical broker
// session. It is owned exclusively by the connection manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lowercase name used in logs and status payloads.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Connected reports whether the state counts as attached for the purposes of
// the dashboard indicator.
func (s ConnectionState) Connected() bool {
	return s == StateConnected
}

// StatusEvent is broadcast to subscribers on every transition into
// Connected, Error, or Disconnected.
type StatusEvent struct {
	Connected bool            `json:"connected"`
	State     ConnectionState `json:"-"`
	Broker    string          `json:"broker,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewStatusEvent builds a StatusEvent for the given state transition.
func NewStatusEvent(state ConnectionState, broker string) StatusEvent {
	return StatusEvent{
		Connected: state.Connected(),
		State:     state,
		Broker:    broker,
		Timestamp: time.Now().UTC(),
	}
}

// TagInfo is the registry metadata resolved for a tag identifier.
type TagInfo struct {
	TagID       string `json:"epc" firestore:"tagId"`
	DisplayName string `json:"tag_name" firestore:"displayName"`
	Position    string `json:"position" firestore:"position"`
	Purpose     string `json:"purpose" firestore:"purpose"`
}

// TagStatistic tracks how often a tag has been observed. ReadCount never
// decreases and LastSeen is monotonically non-decreasing per tag under the
// ordering the broker delivers messages to a single subscriber.
type TagStatistic struct {
	TagID     string    `json:"epc"`
	ReadCount int64     `json:"scan_count"`
	LastSeen  time.Time `json:"last_seen"`
}

// RawReadEvent is a validated tag read as parsed off the wire. All fields
// other than TagID and ReadTime are optional reader telemetry passed through
// verbatim to the enriched event.
type RawReadEvent struct {
	TagID    string `json:"epc"`
	ReadTime string `json:"read_time"`

	TID       string `json:"tid,omitempty"`
	RSSI      string `json:"rssi,omitempty"`
	AntID     string `json:"antId,omitempty"`
	ReaderMAC string `json:"mac,omitempty"`
	Device    string `json:"device,omitempty"`
	ReadType  string `json:"readType,omitempty"`
	ReaderIP  string `json:"ip,omitempty"`
	NetMsg    string `json:"netMsg,omitempty"`
}

// EnrichedReadEvent is a RawReadEvent plus registry metadata and the server
// receipt timestamp. This is the only shape ever handed to subscribers.
type EnrichedReadEvent struct {
	RawReadEvent

	DisplayName string    `json:"tag_name"`
	Position    string    `json:"position,omitempty"`
	Purpose     string    `json:"purpose,omitempty"`
	ReceivedAt  time.Time `json:"timestamp"`
}
