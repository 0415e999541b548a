package registry

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// FirestoreConfig holds configuration for the Firestore-backed registry.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreRegistry is a TagStore with one document per tag identifier. It is
// the registry's source of truth; put a CachedRegistry in front of it for
// high-volume deployments.
type FirestoreRegistry struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreRegistry wraps an existing Firestore client. The client's
// lifecycle is managed by the caller.
func NewFirestoreRegistry(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("Firestore registry initialized.")
	return &FirestoreRegistry{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreRegistry").Logger(),
	}, nil
}

// Lookup fetches the document keyed by tagID. A Firestore NotFound maps to
// ErrTagNotFound.
func (r *FirestoreRegistry) Lookup(ctx context.Context, tagID string) (rfid.TagInfo, error) {
	docSnap, err := r.client.Collection(r.collection).Doc(tagID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return rfid.TagInfo{}, fmt.Errorf("%w: %s", ErrTagNotFound, tagID)
		}
		r.logger.Error().Err(err).Str("tag_id", tagID).Msg("Failed to get tag document from Firestore.")
		return rfid.TagInfo{}, fmt.Errorf("firestore get for %s: %w", tagID, err)
	}

	var info rfid.TagInfo
	if err := docSnap.DataTo(&info); err != nil {
		return rfid.TagInfo{}, fmt.Errorf("firestore DataTo for %s: %w", tagID, err)
	}
	info.TagID = tagID
	return info, nil
}

// Put creates or replaces the registration document.
func (r *FirestoreRegistry) Put(ctx context.Context, info rfid.TagInfo) error {
	if info.TagID == "" {
		return fmt.Errorf("tag id is required")
	}
	if _, err := r.client.Collection(r.collection).Doc(info.TagID).Set(ctx, info); err != nil {
		return fmt.Errorf("firestore set for %s: %w", info.TagID, err)
	}
	return nil
}

// Delete removes the registration document.
func (r *FirestoreRegistry) Delete(ctx context.Context, tagID string) error {
	if _, err := r.client.Collection(r.collection).Doc(tagID).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for %s: %w", tagID, err)
	}
	return nil
}

// List reads every registration in the collection.
func (r *FirestoreRegistry) List(ctx context.Context) ([]rfid.TagInfo, error) {
	iter := r.client.Collection(r.collection).Documents(ctx)
	defer iter.Stop()

	var out []rfid.TagInfo
	for {
		docSnap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list: %w", err)
		}
		var info rfid.TagInfo
		if err := docSnap.DataTo(&info); err != nil {
			r.logger.Warn().Err(err).Str("doc", docSnap.Ref.ID).Msg("Skipping unmappable tag document.")
			continue
		}
		info.TagID = docSnap.Ref.ID
		out = append(out, info)
	}
	return out, nil
}
