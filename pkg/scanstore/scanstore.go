// Package scanstore archives every accepted tag read into a warehouse table
// for later analysis. Archival is best-effort and fully decoupled from the
// live pipeline: records are batched in memory and flushed in the background,
// and a full buffer drops records rather than exerting backpressure.
package scanstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// ScanRecord is one archived tag read. The column layout mirrors the
// enriched event so warehouse queries need no joins for the common fields.
type ScanRecord struct {
	TagID       string    `bigquery:"epc"`
	DisplayName string    `bigquery:"tag_name"`
	ReadTime    string    `bigquery:"read_time"`
	RSSI        string    `bigquery:"rssi"`
	AntID       string    `bigquery:"ant_id"`
	ReaderMAC   string    `bigquery:"reader_mac"`
	Device      string    `bigquery:"device"`
	ReaderIP    string    `bigquery:"reader_ip"`
	ReceivedAt  time.Time `bigquery:"received_at"`
}

// NewScanRecord flattens an enriched event into its archive row.
func NewScanRecord(event rfid.EnrichedReadEvent) ScanRecord {
	return ScanRecord{
		TagID:       event.TagID,
		DisplayName: event.DisplayName,
		ReadTime:    event.ReadTime,
		RSSI:        event.RSSI,
		AntID:       event.AntID,
		ReaderMAC:   event.ReaderMAC,
		Device:      event.Device,
		ReaderIP:    event.ReaderIP,
		ReceivedAt:  event.ReceivedAt,
	}
}

// RowInserter abstracts the warehouse destination so the archiver can be
// tested without a live backend.
type RowInserter interface {
	InsertBatch(ctx context.Context, rows []*ScanRecord) error
	Close() error
}

// ArchiverConfig tunes the batching behaviour.
type ArchiverConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	InsertTimeout time.Duration
}

// NewArchiverConfigDefaults provides conservative defaults suited to the
// read rates a handful of readers produce.
func NewArchiverConfigDefaults() ArchiverConfig {
	return ArchiverConfig{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// Archiver collects scan records into batches and flushes them to the
// configured inserter when either the batch fills or the flush interval
// elapses.
type Archiver struct {
	config   ArchiverConfig
	inserter RowInserter
	logger   zerolog.Logger

	input    chan ScanRecord
	wg       sync.WaitGroup
	stopOnce sync.Once

	dropped atomic.Uint64
}

// NewArchiver creates an Archiver. Zero config fields fall back to defaults.
func NewArchiver(config ArchiverConfig, inserter RowInserter, logger zerolog.Logger) *Archiver {
	defaults := NewArchiverConfigDefaults()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = defaults.InsertTimeout
	}
	return &Archiver{
		config:   config,
		inserter: inserter,
		logger:   logger.With().Str("component", "Archiver").Logger(),
		input:    make(chan ScanRecord, config.BatchSize*2),
	}
}

// Start launches the background flush worker.
func (a *Archiver) Start(ctx context.Context) {
	a.logger.Info().
		Int("batch_size", a.config.BatchSize).
		Dur("flush_interval", a.config.FlushInterval).
		Msg("Starting archiver worker...")
	a.wg.Add(1)
	go a.worker(ctx)
}

// Add enqueues a record without blocking. When the buffer is full the record
// is dropped and counted; the live pipeline must never wait on the archive.
func (a *Archiver) Add(record ScanRecord) {
	defer func() {
		// Add racing Stop loses the record, same as a full buffer.
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	select {
	case a.input <- record:
	default:
		a.dropped.Add(1)
		a.logger.Warn().Str("tag_id", record.TagID).Msg("Archive buffer full, scan record dropped.")
	}
}

// Dropped returns the number of records lost to buffer overflow or shutdown.
func (a *Archiver) Dropped() uint64 {
	return a.dropped.Load()
}

// Stop drains buffered records, flushes the final batch, and closes the
// inserter. The context bounds how long the drain may take.
func (a *Archiver) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("Stopping archiver...")
		close(a.input)

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for archiver worker to stop.")
			err = ctx.Err()
			return
		}

		if closeErr := a.inserter.Close(); closeErr != nil {
			a.logger.Error().Err(closeErr).Msg("Error closing row inserter.")
		}
		a.logger.Info().Uint64("dropped", a.dropped.Load()).Msg("Archiver stopped.")
	})
	return err
}

func (a *Archiver) worker(ctx context.Context) {
	defer a.wg.Done()
	batch := make([]*ScanRecord, 0, a.config.BatchSize)
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Service shutdown; flush what we have on a fresh context.
			a.flush(context.Background(), batch)
			return

		case record, ok := <-a.input:
			if !ok {
				a.flush(context.Background(), batch)
				return
			}
			batch = append(batch, &record)
			if len(batch) >= a.config.BatchSize {
				a.flush(ctx, batch)
				batch = make([]*ScanRecord, 0, a.config.BatchSize)
				ticker.Reset(a.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(ctx, batch)
				batch = make([]*ScanRecord, 0, a.config.BatchSize)
			}
		}
	}
}

func (a *Archiver) flush(ctx context.Context, batch []*ScanRecord) {
	if len(batch) == 0 {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, a.config.InsertTimeout)
	defer cancel()

	if err := a.inserter.InsertBatch(insertCtx, batch); err != nil {
		// Archival is advisory; the rows are gone but the pipeline goes on.
		a.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to archive scan batch.")
		a.dropped.Add(uint64(len(batch)))
		return
	}
	a.logger.Debug().Int("batch_size", len(batch)).Msg("Archived scan batch.")
}
