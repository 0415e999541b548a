// Package messagepipeline provides the small consume/transform/process core
// the ingestion service is built on. A MessageConsumer feeds raw broker
// messages onto a channel, a MessageTransformer turns each one into a typed
// payload (or drops it), and a StreamProcessor handles the result one message
// at a time.
package messagepipeline

import (
	"context"
	"time"
)

// Message is the canonical representation of one raw broker delivery flowing
// through the pipeline.
type Message struct {
	// ID identifies the message within its source session. MQTT message ids
	// are only unique per connection, which is all the pipeline needs.
	ID string

	// Topic is the broker topic the message arrived on.
	Topic string

	// Payload is the untrusted raw message body.
	Payload []byte

	// ReceivedAt is the server receipt time, stamped when the message was
	// taken off the transport. Statistics use this, not the device-reported
	// read time.
	ReceivedAt time.Time

	// Ack and Nack report the processing outcome back to the source. For
	// QoS>0 MQTT the protocol-level ack has already happened by the time the
	// pipeline sees the message, so sources may supply no-ops. Either may be
	// nil.
	Ack  func()
	Nack func()
}

// MessageConsumer is a source of raw messages (an attached MQTT session slot,
// or a mock in tests).
type MessageConsumer interface {
	// Messages returns the channel pipeline workers receive from. The source
	// closes it when it stops.
	Messages() <-chan Message
	// Start begins delivery. It must not block.
	Start(ctx context.Context) error
	// Stop ceases delivery, lets the source clean up, and closes Messages.
	Stop(ctx context.Context) error
	// Done is closed once the consumer has fully shut down.
	Done() <-chan struct{}
}

// MessageTransformer converts one raw message into a typed payload. Returning
// skip=true drops the message (it is still acked); returning an error nacks
// it. The transformer must never panic on malformed input: a bad payload is a
// skip, not a failure.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// StreamProcessor handles one transformed payload. An error nacks the
// original message.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error
