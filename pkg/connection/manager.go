package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/messagepipeline"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// ErrNotConfigured is returned by ConnectSaved when no broker configuration
// has been stored yet. It is a ConfigError: the only failure class Connect
// reports synchronously.
var ErrNotConfigured = fmt.Errorf("%w: no broker configuration saved", rfid.ErrInvalidBrokerConfig)

// ErrManagerStopped is returned by control calls issued after Stop. A stopped
// manager has closed its channels and cannot host another session.
var ErrManagerStopped = errors.New("connection manager stopped")

// Manager owns the single broker session slot. It implements
// messagepipeline.MessageConsumer so the ingestion pipeline can be wired
// directly to it, and it emits a status event on every transition into
// Connected, Error, or Disconnected.
//
// Transport failures after a Connect has been accepted are never returned to
// callers; they surface as state transitions and status events while the
// Paho client reconnects in the background.
type Manager struct {
	opts      Options
	logger    zerolog.Logger
	newClient ClientFactory

	mu      sync.Mutex
	client  mqtt.Client
	active  rfid.BrokerConfig
	saved   *rfid.BrokerConfig
	state   rfid.ConnectionState
	stopped bool

	// session is bumped on every teardown so callbacks belonging to a
	// replaced client are recognised as stale and ignored. This is what
	// prevents a half-closed prior session from writing state after a
	// reconfiguration.
	session atomic.Uint64

	out      chan messagepipeline.Message
	statusCh chan rfid.StatusEvent
	doneChan chan struct{}
	stopOnce sync.Once

	// deliverMu fences message delivery against channel close: transport
	// callbacks hold the read side while sending, Stop takes the write side
	// before closing out.
	deliverMu sync.RWMutex
	outClosed bool
}

// NewManager creates a Manager in the Disconnected state. No connection is
// attempted until Connect is called.
func NewManager(opts Options, logger zerolog.Logger, managerOpts ...ManagerOption) *Manager {
	m := &Manager{
		opts:      opts,
		logger:    logger.With().Str("component", "ConnectionManager").Logger(),
		newClient: func(o *mqtt.ClientOptions) mqtt.Client { return mqtt.NewClient(o) },
		state:     rfid.StateDisconnected,
		out:       make(chan messagepipeline.Message, opts.MessageBuffer),
		statusCh:  make(chan rfid.StatusEvent, opts.StatusBuffer),
		doneChan:  make(chan struct{}),
	}
	for _, opt := range managerOpts {
		opt(m)
	}
	return m
}

// Configure stores the desired broker configuration without opening a
// connection. Invalid configs are rejected synchronously.
func (m *Manager) Configure(cfg rfid.BrokerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = &cfg
	m.logger.Info().
		Str("broker", cfg.BrokerURL()).
		Str("client_id", cfg.ClientID).
		Str("topic", cfg.SubscriptionTopic()).
		Msg("Broker configuration saved.")
	return nil
}

// SavedConfig returns the stored broker configuration, if any.
func (m *Manager) SavedConfig() (rfid.BrokerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return rfid.BrokerConfig{}, false
	}
	return *m.saved, true
}

// ConnectSaved connects using the configuration stored by Configure.
func (m *Manager) ConnectSaved(ctx context.Context) error {
	m.mu.Lock()
	saved := m.saved
	m.mu.Unlock()
	if saved == nil {
		return ErrNotConfigured
	}
	return m.Connect(ctx, *saved)
}

// Connect opens a session to the configured broker. It is an idempotent-
// intent operation: connecting to the endpoint the manager is already
// attached to (or attaching to) is a no-op success. Connecting to a
// different endpoint tears the prior session down, waits for its close, and
// only then dials the new one — the whole transition happens under one lock
// acquisition, so two Connects can never interleave into two live sessions.
//
// Only configuration errors are returned. Transport-level connect failures
// move the state to Error and are reported through the status channel.
//
// Connect holds the manager lock while it waits for the broker ack, bounded
// by Options.ConnectTimeout, so Status and Disconnect block until the dial
// resolves or the wait expires.
func (m *Manager) Connect(ctx context.Context, cfg rfid.BrokerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}

	if m.client != nil && m.active.SameEndpoint(cfg) &&
		(m.state == rfid.StateConnected || m.state == rfid.StateConnecting) {
		m.logger.Info().Str("broker", cfg.BrokerURL()).Msg("Already connected to this broker, ignoring connect request.")
		return nil
	}

	if m.client != nil {
		m.logger.Info().
			Str("old_broker", m.active.BrokerURL()).
			Str("new_broker", cfg.BrokerURL()).
			Msg("Reconfiguring broker connection, tearing down existing session first.")
		m.teardownLocked()
	}

	sess := m.session.Add(1)
	m.state = rfid.StateConnecting
	m.active = cfg
	m.client = m.newClient(m.pahoOptions(cfg, sess))

	m.logger.Info().Str("broker", cfg.BrokerURL()).Msg("Attempting to connect to MQTT broker...")
	token := m.client.Connect()
	if !token.WaitTimeout(m.opts.ConnectTimeout) {
		// Dial still in flight. Release the caller; the watcher reflects the
		// eventual failure and the connect handler reflects success.
		m.logger.Warn().Str("broker", cfg.BrokerURL()).Msg("Broker did not ack within the connect timeout, awaiting dial outcome.")
		go m.watchConnect(token, cfg, sess)
		return nil
	}
	if err := token.Error(); err != nil {
		m.logger.Error().Err(err).Str("broker", cfg.BrokerURL()).Msg("Failed to connect to MQTT broker.")
		m.state = rfid.StateError
		m.emitStatusLocked(rfid.StateError)
	}
	return nil
}

// watchConnect waits out a dial that outlived the synchronous wait in
// Connect. Only the failure needs handling here: a late ack enters through
// the connect handler as usual.
func (m *Manager) watchConnect(token mqtt.Token, cfg rfid.BrokerConfig, sess uint64) {
	token.Wait()
	err := token.Error()
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess != m.session.Load() || m.stopped {
		return
	}
	m.logger.Error().Err(err).Str("broker", cfg.BrokerURL()).Msg("Failed to connect to MQTT broker.")
	m.state = rfid.StateError
	m.emitStatusLocked(rfid.StateError)
}

// Disconnect closes any active session. Calling it while already
// disconnected is a no-op success.
func (m *Manager) Disconnect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	if m.client == nil {
		m.logger.Debug().Msg("Disconnect requested while already disconnected.")
		return nil
	}
	m.teardownLocked()
	return nil
}

// Status returns the last known connection state. It reflects asynchronous
// transport callbacks, not a live poll of the transport.
func (m *Manager) Status() rfid.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StatusEvents returns the channel carrying state-transition events. The
// channel is closed when the manager stops.
func (m *Manager) StatusEvents() <-chan rfid.StatusEvent {
	return m.statusCh
}

// Messages returns the raw message channel consumed by the pipeline.
func (m *Manager) Messages() <-chan messagepipeline.Message {
	return m.out
}

// Start satisfies messagepipeline.MessageConsumer. The manager does not dial
// on Start — connecting is an operator action — it only ties its shutdown to
// the given context.
func (m *Manager) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = m.Stop(context.Background())
		case <-m.doneChan:
		}
	}()
	return nil
}

// Stop tears down any session and closes the message and status channels.
// Message delivery is suppressed before the channels close, so admitted
// in-flight handlers finish while no new deliveries are accepted.
func (m *Manager) Stop(_ context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		if m.client != nil {
			m.teardownLocked()
		}
		m.stopped = true
		close(m.statusCh)
		m.mu.Unlock()

		// Unblock any transport callback waiting on the message channel
		// before the channel is closed under the delivery lock.
		close(m.doneChan)
		m.deliverMu.Lock()
		m.outClosed = true
		close(m.out)
		m.deliverMu.Unlock()

		m.logger.Info().Msg("Connection manager stopped.")
	})
	return nil
}

// Done is closed when the manager has fully shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// teardownLocked gracefully closes the current session and waits for the
// close to complete before returning. Callers hold m.mu. The session counter
// is bumped first, so any callback still in flight for the old client sees
// itself as stale and does not touch state or deliver messages.
func (m *Manager) teardownLocked() {
	m.session.Add(1)
	client := m.client
	if client.IsConnected() {
		topic := m.active.SubscriptionTopic()
		if token := client.Unsubscribe(topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
			m.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to unsubscribe during teardown.")
		}
	}
	client.Disconnect(uint(m.opts.DisconnectQuiesce.Milliseconds()))
	m.client = nil
	m.state = rfid.StateDisconnected
	m.logger.Info().Str("broker", m.active.BrokerURL()).Msg("Broker session closed.")
	m.emitStatusLocked(rfid.StateDisconnected)
}

// pahoOptions assembles the transport options for one session generation.
func (m *Manager) pahoOptions(cfg rfid.BrokerConfig, sess uint64) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("rfid-ingestion-%d", time.Now().UnixNano()%1000000)
	}
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(m.opts.KeepAlive)
	opts.SetConnectTimeout(m.opts.ConnectTimeout)
	// The initial dial must fail loudly: with connect-retry enabled the
	// transport swallows the error and the connect token never completes.
	// Drops after an established session still reconnect automatically.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(m.opts.ReconnectWaitMax)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(m.onConnect(cfg, sess))
	opts.SetConnectionLostHandler(m.onConnectionLost(sess))
	return opts
}

// onConnect runs on every broker ack, including the transport's automatic
// reconnects, which re-enter through here without creating a second session.
func (m *Manager) onConnect(cfg rfid.BrokerConfig, sess uint64) mqtt.OnConnectHandler {
	return func(client mqtt.Client) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sess != m.session.Load() {
			m.logger.Debug().Msg("Ignoring connect ack for a replaced session.")
			return
		}
		m.state = rfid.StateConnected
		m.logger.Info().Str("broker", cfg.BrokerURL()).Msg("Connected to MQTT broker.")
		m.emitStatusLocked(rfid.StateConnected)

		topic := cfg.SubscriptionTopic()
		token := client.Subscribe(topic, m.opts.SubscribeQoS, m.messageHandler(sess))
		go func() {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				m.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to ingestion topic.")
			} else {
				m.logger.Info().Str("topic", topic).Msg("Subscribed to ingestion topic.")
			}
		}()
	}
}

// onConnectionLost reflects a broker-initiated close. The transport keeps
// reconnecting, so after reporting the failure the state re-enters
// Connecting rather than settling on Error.
func (m *Manager) onConnectionLost(sess uint64) mqtt.ConnectionLostHandler {
	return func(_ mqtt.Client, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sess != m.session.Load() {
			return
		}
		m.logger.Error().Err(err).Str("broker", m.active.BrokerURL()).Msg("Lost connection to MQTT broker.")
		m.state = rfid.StateError
		m.emitStatusLocked(rfid.StateError)
		m.state = rfid.StateConnecting
	}
}

// messageHandler copies each delivery off the transport callback and hands
// it to the pipeline. Deliveries for a stale session are dropped.
func (m *Manager) messageHandler(sess uint64) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if sess != m.session.Load() {
			return
		}
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())

		m.deliverMu.RLock()
		defer m.deliverMu.RUnlock()
		if m.outClosed {
			return
		}
		select {
		case m.out <- messagepipeline.Message{
			ID:         fmt.Sprintf("%d", msg.MessageID()),
			Topic:      msg.Topic(),
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		}:
		case <-m.doneChan:
			m.logger.Warn().Str("topic", msg.Topic()).Msg("Manager stopping, dropping message.")
		}
	}
}

// emitStatusLocked publishes a status event without ever blocking the state
// machine. Callers hold m.mu.
func (m *Manager) emitStatusLocked(state rfid.ConnectionState) {
	ev := rfid.NewStatusEvent(state, m.active.BrokerURL())
	select {
	case m.statusCh <- ev:
	default:
		m.logger.Warn().Str("state", state.String()).Msg("Status channel full, dropping status event.")
	}
}
