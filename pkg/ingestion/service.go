package ingestion

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/broadcast"
	"github.com/illmade-knight/rfid-ingestion/pkg/messagepipeline"
	"github.com/illmade-knight/rfid-ingestion/pkg/registry"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
	"github.com/illmade-knight/rfid-ingestion/pkg/stats"
)

// BrokerSource is the slice of the connection manager the ingestion service
// consumes: a message stream plus connection status transitions.
type BrokerSource interface {
	messagepipeline.MessageConsumer
	StatusEvents() <-chan rfid.StatusEvent
}

// Service runs the full ingestion flow: the broker connection manager feeds a
// worker pool that parses, enriches, counts, and publishes every read, while
// a side pump relays connection status transitions to the same hub.
type Service struct {
	pipeline *messagepipeline.StreamingService[rfid.RawReadEvent]
	source   BrokerSource
	hub      *broadcast.Hub
	logger   zerolog.Logger

	statusWG sync.WaitGroup
}

// NewService assembles the pipeline around an existing connection manager and
// hub. Archiver and forwarder may be nil.
func NewService(
	config Config,
	source BrokerSource,
	tagRegistry registry.TagRegistry,
	statStore stats.StatStore,
	hub *broadcast.Hub,
	archiver ScanArchiver,
	fwd EventForwarder,
	logger zerolog.Logger,
) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingestion config: %w", err)
	}

	processor := NewProcessor(config, tagRegistry, statStore, hub, archiver, fwd, logger)
	pipeline, err := messagepipeline.NewStreamingService[rfid.RawReadEvent](
		messagepipeline.StreamingServiceConfig{NumWorkers: config.NumWorkers},
		source,
		NewReadEventTransformer(logger),
		processor.Process,
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		pipeline: pipeline,
		source:   source,
		hub:      hub,
		logger:   logger.With().Str("component", "IngestionService").Logger(),
	}, nil
}

// Start launches the pipeline workers and the status relay. The broker
// connection itself is established separately via the manager, typically
// from a saved configuration or the control API.
func (s *Service) Start(ctx context.Context) error {
	s.statusWG.Add(1)
	go func() {
		defer s.statusWG.Done()
		for status := range s.source.StatusEvents() {
			s.logger.Info().
				Str("state", status.State.String()).
				Str("broker", status.Broker).
				Msg("Broker connection transition.")
			s.hub.PublishStatus(status)
		}
	}()

	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingestion pipeline: %w", err)
	}
	s.logger.Info().Msg("Ingestion service started.")
	return nil
}

// Stop shuts the pipeline down: the source stops first, the workers drain,
// and the status relay exits once the source closes its status channel.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping ingestion service...")
	err := s.pipeline.Stop(ctx)
	s.statusWG.Wait()
	s.logger.Info().Msg("Ingestion service stopped.")
	return err
}
