// Package connection owns the single logical MQTT session slot for the
// ingestion service. The Manager is the only writer of connection state:
// control-surface calls (Configure/Connect/Disconnect) and broker callbacks
// (connect ack, connection lost) all funnel through its lock, so overlapping
// reconfigurations and broker-initiated failures always resolve to one
// consistent terminal state with at most one live session.
package connection

import (
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Options holds the transport tuning knobs for the managed session. These are
// passthrough configuration for the Paho client, not manager policy: the
// manager reflects transport truth, it does not implement retry logic of its
// own.
type Options struct {
	// KeepAlive is the interval at which the client pings the broker.
	KeepAlive time.Duration
	// ConnectTimeout bounds how long a Connect call waits for the broker ack
	// before reporting the session as still pending.
	ConnectTimeout time.Duration
	// ReconnectWaitMax caps the transport's reconnect backoff.
	ReconnectWaitMax time.Duration
	// DisconnectQuiesce is how long a graceful close waits for in-flight
	// work to complete before the network connection is dropped.
	DisconnectQuiesce time.Duration
	// SubscribeQoS is the QoS level used for the ingestion subscription.
	SubscribeQoS byte
	// MessageBuffer is the capacity of the channel raw messages are handed
	// to the pipeline on.
	MessageBuffer int
	// StatusBuffer is the capacity of the status event channel.
	StatusBuffer int
}

// Env constants for overriding transport settings.
const (
	EnvKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	EnvConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
)

// DefaultOptions returns transport settings suitable for most deployments,
// with keep-alive and connect timeout overridable from the environment.
func DefaultOptions() Options {
	opts := Options{
		KeepAlive:         60 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ReconnectWaitMax:  2 * time.Minute,
		DisconnectQuiesce: 250 * time.Millisecond,
		SubscribeQoS:      1,
		MessageBuffer:     1000,
		StatusBuffer:      16,
	}
	if ka := os.Getenv(EnvKeepAliveSeconds); ka != "" {
		if d, err := time.ParseDuration(ka + "s"); err == nil {
			opts.KeepAlive = d
		}
	}
	if ct := os.Getenv(EnvConnectTimeoutSeconds); ct != "" {
		if d, err := time.ParseDuration(ct + "s"); err == nil {
			opts.ConnectTimeout = d
		}
	}
	return opts
}

// ClientFactory builds the underlying transport client. The default factory
// returns a real Paho client; tests substitute a fake to drive the state
// machine without a broker.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// ManagerOption customises a Manager at construction time.
type ManagerOption func(*Manager)

// WithClientFactory replaces the transport client constructor.
func WithClientFactory(factory ClientFactory) ManagerOption {
	return func(m *Manager) {
		m.newClient = factory
	}
}
