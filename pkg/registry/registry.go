// Package registry resolves tag identifiers to display metadata. The
// pipeline treats it as a read-only collaborator; the control surface uses
// the writable TagStore to manage registrations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// ErrTagNotFound is the sentinel for a lookup miss. A miss is a policy
// decision for the pipeline (drop or fallback), never a failure.
var ErrTagNotFound = errors.New("tag not found in registry")

// TagRegistry is the read side used by the ingestion pipeline.
type TagRegistry interface {
	Lookup(ctx context.Context, tagID string) (rfid.TagInfo, error)
}

// TagStore adds the write operations the control surface needs.
type TagStore interface {
	TagRegistry
	Put(ctx context.Context, info rfid.TagInfo) error
	Delete(ctx context.Context, tagID string) error
	List(ctx context.Context) ([]rfid.TagInfo, error)
}

// InMemoryRegistry is a thread-safe map-backed TagStore, used in tests and
// single-node deployments that do not need an external registry.
type InMemoryRegistry struct {
	mu   sync.RWMutex
	tags map[string]rfid.TagInfo
}

// NewInMemoryRegistry creates an empty in-memory registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tags: make(map[string]rfid.TagInfo)}
}

// Lookup returns the metadata for tagID or ErrTagNotFound.
func (r *InMemoryRegistry) Lookup(_ context.Context, tagID string) (rfid.TagInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tags[tagID]
	if !ok {
		return rfid.TagInfo{}, fmt.Errorf("%w: %s", ErrTagNotFound, tagID)
	}
	return info, nil
}

// Put creates or replaces a registration.
func (r *InMemoryRegistry) Put(_ context.Context, info rfid.TagInfo) error {
	if info.TagID == "" {
		return errors.New("tag id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[info.TagID] = info
	return nil
}

// Delete removes a registration. Deleting an unknown tag is a no-op.
func (r *InMemoryRegistry) Delete(_ context.Context, tagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tags, tagID)
	return nil
}

// List returns all registrations ordered by tag id.
func (r *InMemoryRegistry) List(_ context.Context) ([]rfid.TagInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rfid.TagInfo, 0, len(r.tags))
	for _, info := range r.tags {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out, nil
}
