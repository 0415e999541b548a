package scanstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/rfid-ingestion/pkg/scanstore"
)

// memoryInserter captures flushed batches for assertions.
type memoryInserter struct {
	mu        sync.Mutex
	batches   [][]*scanstore.ScanRecord
	insertErr error
	closed    bool
}

func (m *memoryInserter) InsertBatch(_ context.Context, rows []*scanstore.ScanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	batch := make([]*scanstore.ScanRecord, len(rows))
	copy(batch, rows)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memoryInserter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryInserter) totalRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, batch := range m.batches {
		n += len(batch)
	}
	return n
}

func (m *memoryInserter) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func record(tagID string) scanstore.ScanRecord {
	return scanstore.ScanRecord{TagID: tagID, ReadTime: "2026-09-01 10:15:00", ReceivedAt: time.Now().UTC()}
}

func TestArchiver_FlushesWhenBatchFills(t *testing.T) {
	inserter := &memoryInserter{}
	archiver := scanstore.NewArchiver(scanstore.ArchiverConfig{
		BatchSize:     3,
		FlushInterval: time.Hour, // only the size trigger should fire
	}, inserter, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	archiver.Start(ctx)

	for i := 0; i < 3; i++ {
		archiver.Add(record("E1"))
	}

	require.Eventually(t, func() bool {
		return inserter.totalRows() == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, inserter.batchCount())

	require.NoError(t, archiver.Stop(context.Background()))
}

func TestArchiver_FlushesPartialBatchOnInterval(t *testing.T) {
	inserter := &memoryInserter{}
	archiver := scanstore.NewArchiver(scanstore.ArchiverConfig{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	}, inserter, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	archiver.Start(ctx)

	archiver.Add(record("E1"))

	require.Eventually(t, func() bool {
		return inserter.totalRows() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, archiver.Stop(context.Background()))
}

func TestArchiver_StopDrainsRemainingRecords(t *testing.T) {
	inserter := &memoryInserter{}
	archiver := scanstore.NewArchiver(scanstore.ArchiverConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, inserter, zerolog.Nop())

	archiver.Start(context.Background())
	archiver.Add(record("E1"))
	archiver.Add(record("E2"))

	require.NoError(t, archiver.Stop(context.Background()))
	assert.Equal(t, 2, inserter.totalRows())
	assert.True(t, inserter.closed)

	// A second Stop is a no-op.
	require.NoError(t, archiver.Stop(context.Background()))
}

func TestArchiver_InsertFailureCountsDroppedRows(t *testing.T) {
	inserter := &memoryInserter{insertErr: errors.New("stream unavailable")}
	archiver := scanstore.NewArchiver(scanstore.ArchiverConfig{
		BatchSize:     2,
		FlushInterval: time.Hour,
	}, inserter, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	archiver.Start(ctx)

	archiver.Add(record("E1"))
	archiver.Add(record("E2"))

	require.Eventually(t, func() bool {
		return archiver.Dropped() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, archiver.Stop(context.Background()))
}

func TestArchiver_AddAfterStopDoesNotPanic(t *testing.T) {
	inserter := &memoryInserter{}
	archiver := scanstore.NewArchiver(scanstore.ArchiverConfig{}, inserter, zerolog.Nop())
	archiver.Start(context.Background())
	require.NoError(t, archiver.Stop(context.Background()))

	before := archiver.Dropped()
	archiver.Add(record("E1"))
	assert.Equal(t, before+1, archiver.Dropped())
}
