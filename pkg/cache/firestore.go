package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// firestoreDoc mirrors record with Firestore-native field types.
type firestoreDoc struct {
	Key       string    `firestore:"cache_key"`
	Source    string    `firestore:"source"`
	Kind      string    `firestore:"kind"`
	Payload   string    `firestore:"payload"`
	Metadata  string    `firestore:"metadata,omitempty"`
	CachedAt  time.Time `firestore:"cached_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func (d firestoreDoc) record() record {
	rec := record{
		Key:       d.Key,
		Source:    d.Source,
		Kind:      d.Kind,
		Payload:   []byte(d.Payload),
		CachedAt:  d.CachedAt,
		ExpiresAt: d.ExpiresAt,
	}
	if d.Metadata != "" {
		rec.Metadata = []byte(d.Metadata)
	}
	return rec
}

// FirestoreStore is a Store backed by a Firestore collection, one document per key.
// It suits low volume deployments; use Redis or Postgres for heavier traffic.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
	clock          Clock
}

// NewFirestoreStore creates a new FirestoreStore.
func NewFirestoreStore(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
	opts ...Option,
) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	o := applyOptions(opts)
	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
		clock:          o.clock,
	}, nil
}

// docID escapes characters Firestore does not allow in document IDs.
func docID(key string) string {
	return url.PathEscape(key)
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(docID(key))
}

// Get retrieves an entry and classifies it against the window.
func (s *FirestoreStore) Get(ctx context.Context, key string, w freshness.Window) (*Lookup, error) {
	docSnap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to get document from Firestore.")
		return nil, storageErr("get", key, err)
	}

	var d firestoreDoc
	if err := docSnap.DataTo(&d); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to map Firestore document data.")
		return nil, storageErr("get", key, err)
	}
	l, err := d.record().lookup(s.clock(), w)
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return l, nil
}

// Set creates or overwrites the document for req.Key.
func (s *FirestoreStore) Set(ctx context.Context, req SetRequest) error {
	rec, err := newRecord(req, s.clock())
	if err != nil {
		return err
	}
	d := firestoreDoc{
		Key:       rec.Key,
		Source:    rec.Source,
		Kind:      rec.Kind,
		Payload:   string(rec.Payload),
		Metadata:  string(rec.Metadata),
		CachedAt:  rec.CachedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if _, err := s.doc(req.Key).Set(ctx, d); err != nil {
		s.logger.Error().Err(err).Str("key", req.Key).Msg("Failed to write document to Firestore.")
		return storageErr("set", req.Key, err)
	}
	s.logger.Debug().Str("key", req.Key).Msg("Successfully wrote data to Firestore.")
	return nil
}

// Invalidate deletes the document, reporting whether it existed.
func (s *FirestoreStore) Invalidate(ctx context.Context, key string) (bool, error) {
	_, err := s.doc(key).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, storageErr("invalidate", key, err)
	}
	return true, nil
}

// Cleanup deletes every document cached before now-olderThan.
func (s *FirestoreStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock().Add(-olderThan).UTC()
	iter := s.client.Collection(s.collectionName).Where("cached_at", "<", cutoff).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		docSnap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, storageErr("cleanup", "", err)
		}
		if _, err := docSnap.Ref.Delete(ctx); err != nil {
			return removed, storageErr("cleanup", docSnap.Ref.ID, err)
		}
		removed++
	}
	s.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Firestore cache cleanup finished.")
	return removed, nil
}

// Stats aggregates the current contents.
func (s *FirestoreStore) Stats(ctx context.Context) (Stats, error) {
	now := s.clock()
	stats := newStats()
	iter := s.client.Collection(s.collectionName).Select("source", "kind", "expires_at").Documents(ctx)
	defer iter.Stop()

	for {
		docSnap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return Stats{}, storageErr("stats", "", err)
		}
		var d firestoreDoc
		if err := docSnap.DataTo(&d); err != nil {
			s.logger.Warn().Err(err).Str("doc_id", docSnap.Ref.ID).Msg("Skipping undecodable cache document.")
			continue
		}
		stats.add(d.Source, d.Kind, d.ExpiresAt, now)
	}
	return stats, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}
