// Package stats maintains per-tag read counters. Increments are atomic at
// the storage layer — the pipeline never does read-modify-write — so
// concurrent deliveries for the same tag cannot lose updates. Both observed
// update policies are first-class operations: permissive create-or-increment
// and strict increment-only-if-registered.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// ErrStatNotFound is the sentinel for a tag with no statistic row.
var ErrStatNotFound = errors.New("tag statistic not found")

// StatStore is the pipeline's statistics collaborator.
type StatStore interface {
	// IncrementOrCreate atomically creates the row on first sight or
	// increments it, and advances LastSeen to at (never backwards).
	IncrementOrCreate(ctx context.Context, tagID string, at time.Time) error
	// IncrementIfExists increments only when the row already exists,
	// reporting whether an update happened. Unregistered tags are never
	// silently created.
	IncrementIfExists(ctx context.Context, tagID string, at time.Time) (bool, error)
	// Create pre-creates a zero-count row, used when a tag is registered so
	// the strict policy has something to increment.
	Create(ctx context.Context, tagID string) error
	// Get returns the statistic for tagID or ErrStatNotFound.
	Get(ctx context.Context, tagID string) (rfid.TagStatistic, error)
	// List returns every statistic row.
	List(ctx context.Context) ([]rfid.TagStatistic, error)
}

// InMemoryStatStore is a mutex-guarded StatStore for tests and single-node
// deployments.
type InMemoryStatStore struct {
	mu    sync.Mutex
	stats map[string]rfid.TagStatistic
}

// NewInMemoryStatStore creates an empty in-memory store.
func NewInMemoryStatStore() *InMemoryStatStore {
	return &InMemoryStatStore{stats: make(map[string]rfid.TagStatistic)}
}

func (s *InMemoryStatStore) IncrementOrCreate(_ context.Context, tagID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementLocked(tagID, at)
	return nil
}

func (s *InMemoryStatStore) IncrementIfExists(_ context.Context, tagID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stats[tagID]; !ok {
		return false, nil
	}
	s.incrementLocked(tagID, at)
	return true, nil
}

func (s *InMemoryStatStore) Create(_ context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stats[tagID]; !ok {
		s.stats[tagID] = rfid.TagStatistic{TagID: tagID}
	}
	return nil
}

func (s *InMemoryStatStore) Get(_ context.Context, tagID string) (rfid.TagStatistic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stat, ok := s.stats[tagID]
	if !ok {
		return rfid.TagStatistic{}, fmt.Errorf("%w: %s", ErrStatNotFound, tagID)
	}
	return stat, nil
}

func (s *InMemoryStatStore) List(_ context.Context) ([]rfid.TagStatistic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rfid.TagStatistic, 0, len(s.stats))
	for _, stat := range s.stats {
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out, nil
}

// incrementLocked bumps the counter and advances LastSeen monotonically.
func (s *InMemoryStatStore) incrementLocked(tagID string, at time.Time) {
	stat := s.stats[tagID]
	stat.TagID = tagID
	stat.ReadCount++
	if at.After(stat.LastSeen) {
		stat.LastSeen = at
	}
	s.stats[tagID] = stat
}
