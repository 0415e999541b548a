package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/broadcast"
	"github.com/illmade-knight/rfid-ingestion/pkg/messagepipeline"
	"github.com/illmade-knight/rfid-ingestion/pkg/registry"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
	"github.com/illmade-knight/rfid-ingestion/pkg/scanstore"
	"github.com/illmade-knight/rfid-ingestion/pkg/stats"
)

// ScanArchiver receives accepted reads for warehouse archival. Add must not
// block.
type ScanArchiver interface {
	Add(record scanstore.ScanRecord)
}

// EventForwarder mirrors accepted reads to an external stream.
type EventForwarder interface {
	Forward(ctx context.Context, event rfid.EnrichedReadEvent)
}

// Processor applies the enrichment, counting, and fan-out steps to each
// parsed read. Archiver and forwarder are optional; nil disables the step.
type Processor struct {
	config   Config
	registry registry.TagRegistry
	stats    stats.StatStore
	hub      *broadcast.Hub
	archiver ScanArchiver
	fwd      EventForwarder
	logger   zerolog.Logger
}

// NewProcessor creates a Processor. The config must already be validated.
func NewProcessor(
	config Config,
	tagRegistry registry.TagRegistry,
	statStore stats.StatStore,
	hub *broadcast.Hub,
	archiver ScanArchiver,
	fwd EventForwarder,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		config:   config,
		registry: tagRegistry,
		stats:    statStore,
		hub:      hub,
		archiver: archiver,
		fwd:      fwd,
		logger:   logger.With().Str("component", "Processor").Logger(),
	}
}

// Process implements messagepipeline.StreamProcessor for raw read events.
// Storage failures are logged and the read flows on: losing a counter update
// or an archive row must never cost subscribers a live event. Only returning
// nil keeps the at-least-once source from redelivering, which is the right
// trade here since every step is itself best-effort.
func (p *Processor) Process(ctx context.Context, original messagepipeline.Message, raw *rfid.RawReadEvent) error {
	event, known, err := p.enrich(ctx, *raw, original.ReceivedAt)
	if err != nil {
		return err
	}
	if !known && p.config.UnknownTagPolicy == UnknownTagDrop {
		p.logger.Debug().Str("tag_id", raw.TagID).Msg("Dropping read for unregistered tag.")
		return nil
	}

	p.recordStatistic(ctx, event)

	if p.archiver != nil {
		p.archiver.Add(scanstore.NewScanRecord(event))
	}

	p.hub.PublishRead(event)

	if p.fwd != nil {
		p.fwd.Forward(ctx, event)
	}
	return nil
}

// enrich resolves registry metadata for the read. A lookup transport failure
// is treated as a miss so ingestion stays up when the registry backend is
// down.
func (p *Processor) enrich(ctx context.Context, raw rfid.RawReadEvent, receivedAt time.Time) (rfid.EnrichedReadEvent, bool, error) {
	event := rfid.EnrichedReadEvent{
		RawReadEvent: raw,
		ReceivedAt:   receivedAt.UTC(),
	}

	info, err := p.registry.Lookup(ctx, raw.TagID)
	switch {
	case err == nil:
		event.DisplayName = info.DisplayName
		event.Position = info.Position
		event.Purpose = info.Purpose
		return event, true, nil
	case errors.Is(err, registry.ErrTagNotFound):
	default:
		p.logger.Error().Err(err).Str("tag_id", raw.TagID).Msg("Registry lookup failed, treating tag as unregistered.")
	}

	// The tag id doubles as the display name so dashboards still show
	// something identifiable.
	event.DisplayName = raw.TagID
	return event, false, nil
}

func (p *Processor) recordStatistic(ctx context.Context, event rfid.EnrichedReadEvent) {
	var err error
	switch p.config.StatsPolicy {
	case StatsStrict:
		var updated bool
		updated, err = p.stats.IncrementIfExists(ctx, event.TagID, event.ReceivedAt)
		if err == nil && !updated {
			p.logger.Debug().Str("tag_id", event.TagID).Msg("No statistic row for tag, read not counted.")
		}
	default:
		err = p.stats.IncrementOrCreate(ctx, event.TagID, event.ReceivedAt)
	}
	if err != nil {
		p.logger.Error().Err(err).Str("tag_id", event.TagID).Msg("Failed to update tag statistic.")
	}
}
