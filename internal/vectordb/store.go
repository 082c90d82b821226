// Package vectordb defines the contract shared by every vector store backend
// and the factory that selects one at startup. Three adapters implement the
// contract: pgvector (PostgreSQL + vector extension), elasticsearch
// (dense_vector indices), and milvus (dedicated vector database).
package vectordb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"docindex/internal/models"
)

// Sentinel errors distinguishing failure classes so callers can decide retry
// versus fatal.
var (
	// ErrBackendUnavailable marks connection-level failures, retryable at the
	// run level.
	ErrBackendUnavailable = errors.New("vector store backend unavailable")
	// ErrNotFound is returned when a requested record or collection is absent.
	ErrNotFound = errors.New("not found")
	// ErrSchemaMismatch marks an existing collection whose schema (for example
	// the vector dimension) conflicts with the configured one.
	ErrSchemaMismatch = errors.New("collection schema mismatch")
	// ErrUnsupportedFilter marks a filter a backend cannot apply. Filters are
	// never silently ignored.
	ErrUnsupportedFilter = errors.New("unsupported filter")
	// ErrUnsupportedBackend is returned by the factory for unknown db types.
	ErrUnsupportedBackend = errors.New("unsupported vector database type")
)

// UpsertFailure identifies one record of a batch that could not be persisted.
type UpsertFailure struct {
	RecordID string
	Err      error
}

// Store is the contract every vector database adapter implements. Similarity
// scores returned by Query are normalized to [0,1] on every backend: cosine
// similarity s maps to (s+1)/2.
type Store interface {
	// EnsureCollection idempotently creates the logical namespace, schema and
	// vector index for a collection. Safe to call on every run.
	EnsureCollection(ctx context.Context, name string, dimension int) error

	// Upsert inserts or replaces records keyed by record id. Each record is
	// atomic on its own; the batch as a whole may partially succeed, with
	// failures reported per id.
	Upsert(ctx context.Context, collection string, records []models.StoredRecord) ([]UpsertFailure, error)

	// Delete removes the whole-document record with the given parent id and
	// every chunk record sharing it, so a re-ingestion never leaves stale
	// chunks behind.
	Delete(ctx context.Context, collection, parentID string) error

	// Query returns up to limit hits ordered by descending similarity.
	// Filters restrict on metadata fields; a key the backend cannot apply
	// fails with ErrUnsupportedFilter.
	Query(ctx context.Context, collection string, vector []float32, limit int, filters map[string]any) ([]models.SearchHit, error)

	// Close releases the backend connection.
	Close() error
}

// ValidateFilters rejects filter values no backend can apply uniformly. Only
// scalar values are supported; adapters add their own key restrictions on top.
func ValidateFilters(filters map[string]any) error {
	for key, value := range filters {
		switch value.(type) {
		case string, bool, int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("%w: %q must be a scalar, got %T", ErrUnsupportedFilter, key, value)
		}
	}
	return nil
}

// sortedKeys returns filter keys in stable order so generated filter
// expressions are deterministic.
func sortedKeys(filters map[string]any) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizeCosine maps a cosine similarity in [-1,1] onto the backend-agnostic
// [0,1] scale used across adapters.
func NormalizeCosine(similarity float64) float64 {
	s := (similarity + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
