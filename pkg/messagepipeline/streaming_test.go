package messagepipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/rfid-ingestion/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamTestPayload struct {
	Data string
}

// newTestStreamingService wires a StreamingService to a mock consumer with a
// transformer that understands the "skip" and "transform_error" payloads.
func newTestStreamingService(
	t *testing.T,
	cfg messagepipeline.StreamingServiceConfig,
	processor messagepipeline.StreamProcessor[streamTestPayload],
) (*messagepipeline.StreamingService[streamTestPayload], *MockMessageConsumer) {
	t.Helper()
	consumer := NewMockMessageConsumer(10)

	transformer := func(ctx context.Context, msg *messagepipeline.Message) (*streamTestPayload, bool, error) {
		switch string(msg.Payload) {
		case "skip":
			return nil, true, nil
		case "transform_error":
			return nil, false, errors.New("transformation failed")
		}
		return &streamTestPayload{Data: string(msg.Payload)}, false, nil
	}

	service, err := messagepipeline.NewStreamingService[streamTestPayload](cfg, consumer, transformer, processor, zerolog.Nop())
	require.NoError(t, err)
	return service, consumer
}

func TestNewStreamingService_Validation(t *testing.T) {
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		return nil
	}
	transformer := func(ctx context.Context, msg *messagepipeline.Message) (*streamTestPayload, bool, error) {
		return nil, true, nil
	}

	_, err := messagepipeline.NewStreamingService[streamTestPayload](
		messagepipeline.StreamingServiceConfig{}, nil, transformer, processor, zerolog.Nop())
	require.Error(t, err)

	_, err = messagepipeline.NewStreamingService[streamTestPayload](
		messagepipeline.StreamingServiceConfig{}, NewMockMessageConsumer(1), nil, processor, zerolog.Nop())
	require.Error(t, err)

	_, err = messagepipeline.NewStreamingService[streamTestPayload](
		messagepipeline.StreamingServiceConfig{}, NewMockMessageConsumer(1), transformer, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestStreamingService_Lifecycle(t *testing.T) {
	// Arrange
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		return nil
	}
	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)

	// Act
	require.NoError(t, service.Start(context.Background()))
	assert.Equal(t, 1, consumer.GetStartCount())

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Stop(stopCtx))

	// Assert
	assert.Equal(t, 1, consumer.GetStopCount())
}

func TestStreamingService_ProcessMessage_Success(t *testing.T) {
	// Arrange
	var mu sync.Mutex
	var received *streamTestPayload
	var processed atomic.Int32

	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		mu.Lock()
		received = payload
		mu.Unlock()
		processed.Add(1)
		return nil
	}
	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)
	require.NoError(t, service.Start(context.Background()))
	defer func() { _ = service.Stop(context.Background()) }()

	var acked atomic.Bool
	msg := messagepipeline.Message{
		ID:      "msg-1",
		Payload: []byte("hello"),
		Ack:     func() { acked.Store(true) },
		Nack:    func() { t.Error("Nack called unexpectedly") },
	}

	// Act
	consumer.Push(msg)

	// Assert
	require.Eventually(t, func() bool { return processed.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return acked.Load() }, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hello", received.Data)
}

func TestStreamingService_SkipAndErrorPaths(t *testing.T) {
	// Arrange
	var processed atomic.Int32
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		processed.Add(1)
		if payload.Data == "process_error" {
			return errors.New("processing failed")
		}
		return nil
	}
	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)
	require.NoError(t, service.Start(context.Background()))
	defer func() { _ = service.Stop(context.Background()) }()

	var skippedAcked, transformNacked, processNacked atomic.Bool

	// Act: a skipped message is acked and never reaches the processor.
	consumer.Push(messagepipeline.Message{
		ID: "skip-1", Payload: []byte("skip"),
		Ack: func() { skippedAcked.Store(true) },
	})
	// A transform failure nacks.
	consumer.Push(messagepipeline.Message{
		ID: "bad-1", Payload: []byte("transform_error"),
		Nack: func() { transformNacked.Store(true) },
	})
	// A processor failure nacks.
	consumer.Push(messagepipeline.Message{
		ID: "bad-2", Payload: []byte("process_error"),
		Nack: func() { processNacked.Store(true) },
	})
	// The pipeline keeps going afterwards.
	consumer.Push(messagepipeline.Message{ID: "ok-1", Payload: []byte("fine")})

	// Assert
	require.Eventually(t, func() bool {
		return skippedAcked.Load() && transformNacked.Load() && processNacked.Load()
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return processed.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestStreamingService_NilAckHandlesSafely(t *testing.T) {
	// Messages from MQTT sources carry no ack callbacks at all.
	var processed atomic.Int32
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		processed.Add(1)
		return nil
	}
	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 2}, processor)
	require.NoError(t, service.Start(context.Background()))
	defer func() { _ = service.Stop(context.Background()) }()

	consumer.Push(messagepipeline.Message{ID: "no-ack", Payload: []byte("data")})
	consumer.Push(messagepipeline.Message{ID: "no-ack-skip", Payload: []byte("skip")})

	require.Eventually(t, func() bool { return processed.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStreamingService_StartFailsWhenConsumerFails(t *testing.T) {
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		return nil
	}
	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)
	consumer.SetStartError(errors.New("broker unavailable"))

	err := service.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start message consumer")
}
