package messagepipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// StreamingServiceConfig holds configuration for a StreamingService.
type StreamingServiceConfig struct {
	// NumWorkers is the number of concurrent processing goroutines. Messages
	// for different tags may be handled in parallel; ordering is only
	// preserved as far as the broker's single-subscriber delivery order and
	// the atomicity of the storage layer provide it.
	NumWorkers int
}

// StreamingService pulls messages from a consumer and runs each through a
// transformer and processor, one message per worker at a time. It is the
// non-batching pipeline runner: enriched reads go out the moment they are
// handled.
type StreamingService[T any] struct {
	numWorkers  int
	consumer    MessageConsumer
	transformer MessageTransformer[T]
	processor   StreamProcessor[T]
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

// NewStreamingService creates a StreamingService. All three stages are
// required.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	return &StreamingService[T]{
		numWorkers:  cfg.NumWorkers,
		consumer:    consumer,
		transformer: transformer,
		processor:   processor,
		logger:      logger.With().Str("component", "StreamingService").Logger(),
	}, nil
}

// Start starts the consumer and the worker pool.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(ctx, i)
	}
	s.logger.Info().Int("workers", s.numWorkers).Msg("Streaming service started.")
	return nil
}

// Stop shuts the pipeline down in order: the consumer first, so no new
// messages are admitted, then the workers, which drain whatever is already
// in flight. Messages admitted before the close always finish processing.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error stopping consumer, continuing shutdown.")
	}

	workersDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		s.logger.Info().Msg("Streaming service stopped.")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for pipeline workers to finish.")
		return ctx.Err()
	}
}

func (s *StreamingService[T]) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for msg := range s.consumer.Messages() {
		s.handle(ctx, msg, id)
	}
	s.logger.Debug().Int("worker_id", id).Msg("Consumer channel closed, worker exiting.")
}

// handle runs a single message through transform and process. A transformer
// skip acks and drops; any stage error nacks. Failures never propagate out of
// the worker loop.
func (s *StreamingService[T]) handle(ctx context.Context, msg Message, workerID int) {
	payload, skip, err := s.transformer(ctx, &msg)
	if err != nil {
		s.logger.Error().Err(err).Int("worker_id", workerID).Str("msg_id", msg.ID).Msg("Transform failed, dropping message.")
		nack(msg)
		return
	}
	if skip {
		ack(msg)
		return
	}

	if err := s.processor(ctx, msg, payload); err != nil {
		s.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Processor failed.")
		nack(msg)
		return
	}
	ack(msg)
}

func ack(msg Message) {
	if msg.Ack != nil {
		msg.Ack()
	}
}

func nack(msg Message) {
	if msg.Nack != nil {
		msg.Nack()
	}
}
