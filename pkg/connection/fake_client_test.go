package connection_test

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already-completed paho token.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// slowToken is a paho token that stays pending until fail is called, the way
// a real dial behaves when the broker is unreachable.
type slowToken struct {
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func newSlowToken() *slowToken {
	return &slowToken{done: make(chan struct{})}
}

func (t *slowToken) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

func (t *slowToken) Wait() bool {
	<-t.done
	return true
}

func (t *slowToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *slowToken) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *slowToken) Done() <-chan struct{} { return t.done }

// sessionLog records transport-level operations across every client a test
// creates, so teardown-before-reconnect ordering can be asserted.
type sessionLog struct {
	mu     sync.Mutex
	events []string
}

func (l *sessionLog) record(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *sessionLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// fakeClient is an in-memory stand-in for the paho client. Connect succeeds
// (or fails with connectErr) immediately and fires the configured OnConnect
// handler on a separate goroutine, the way the real client does.
type fakeClient struct {
	name string
	opts *mqtt.ClientOptions
	log  *sessionLog

	mu            sync.Mutex
	connected     bool
	connectErr    error
	connectToken  mqtt.Token
	subscriptions map[string]mqtt.MessageHandler
}

func newFakeClient(name string, opts *mqtt.ClientOptions, log *sessionLog) *fakeClient {
	return &fakeClient{
		name:          name,
		opts:          opts,
		log:           log,
		subscriptions: make(map[string]mqtt.MessageHandler),
	}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.log.record(c.name + ":connect")
	c.mu.Lock()
	if token := c.connectToken; token != nil {
		c.mu.Unlock()
		return token
	}
	err := c.connectErr
	if err == nil {
		c.connected = true
	}
	c.mu.Unlock()
	if err != nil {
		return &fakeToken{err: err}
	}
	if handler := c.opts.OnConnect; handler != nil {
		go handler(c)
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.log.record(c.name + ":disconnect")
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.log.record(c.name + ":subscribe:" + topic)
	c.mu.Lock()
	c.subscriptions[topic] = callback
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	for _, topic := range topics {
		c.log.record(c.name + ":unsubscribe:" + topic)
		c.mu.Lock()
		delete(c.subscriptions, topic)
		c.mu.Unlock()
	}
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver invokes the handler subscribed to topic, simulating a broker
// delivery.
func (c *fakeClient) deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	handler, ok := c.subscriptions[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(c, &fakeMessage{topic: topic, payload: payload})
	return true
}

// loseConnection simulates a broker-initiated close.
func (c *fakeClient) loseConnection(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if handler := c.opts.OnConnectionLost; handler != nil {
		handler(c, err)
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
