package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"docindex/internal/config"
	"docindex/internal/models"
	"docindex/pkg/logger"
)

// ElasticStore implements Store on Elasticsearch dense_vector indices. Each
// collection maps to one index named "<prefix>_<collection>"; similarity is a
// script_score over cosineSimilarity, shifted onto the shared [0,1] scale.
type ElasticStore struct {
	client      *elasticsearch.Client
	indexPrefix string
	log         *logger.Logger
}

// NewElasticStore creates the adapter. Client construction performs no I/O.
func NewElasticStore(cfg config.ElasticsearchConfig, log *logger.Logger) (*ElasticStore, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticStore{client: client, indexPrefix: cfg.IndexPrefix, log: log}, nil
}

func (s *ElasticStore) indexName(collection string) string {
	return fmt.Sprintf("%s_%s", s.indexPrefix, strings.ToLower(collection))
}

// EnsureCollection creates the index with a dense_vector mapping if missing.
func (s *ElasticStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	index := s.indexName(name)

	res, err := s.client.Indices.Exists([]string{index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to check index %s: %s", index, res.Status())
	}

	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"parent_id":    map[string]any{"type": "keyword"},
				"chunk_index":  map[string]any{"type": "integer"},
				"is_chunk":     map[string]any{"type": "boolean"},
				"title":        map[string]any{"type": "text"},
				"content":      map[string]any{"type": "text"},
				"content_hash": map[string]any{"type": "keyword"},
				"metadata":     map[string]any{"type": "object"},
				"embedding": map[string]any{
					"type":       "dense_vector",
					"dims":       dimension,
					"index":      true,
					"similarity": "cosine",
				},
			},
		},
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	createRes, err := s.client.Indices.Create(index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		return fmt.Errorf("failed to create index %s: %s", index, responseError(createRes))
	}
	s.log.Info(fmt.Sprintf("created elasticsearch index %s with dimension %d", index, dimension))
	return nil
}

type esDocument struct {
	ParentID    string         `json:"parent_id,omitempty"`
	ChunkIndex  int            `json:"chunk_index"`
	IsChunk     bool           `json:"is_chunk"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Embedding   []float32      `json:"embedding"`
}

// Upsert indexes records one by one (index with an explicit document id is an
// insert-or-replace in Elasticsearch). Failures are collected per record.
func (s *ElasticStore) Upsert(ctx context.Context, collection string, records []models.StoredRecord) ([]UpsertFailure, error) {
	index := s.indexName(collection)
	var failures []UpsertFailure
	for _, rec := range records {
		doc := esDocument{
			ParentID:    rec.ParentID,
			ChunkIndex:  rec.ChunkIndex,
			IsChunk:     rec.IsChunk,
			Title:       rec.Title,
			Content:     rec.Content,
			ContentHash: rec.ContentHash,
			Metadata:    rec.Metadata,
			Embedding:   rec.Embedding,
		}
		body, err := json.Marshal(doc)
		if err != nil {
			failures = append(failures, UpsertFailure{RecordID: rec.ID, Err: err})
			continue
		}
		res, err := s.client.Index(index, bytes.NewReader(body),
			s.client.Index.WithContext(ctx),
			s.client.Index.WithDocumentID(rec.ID),
		)
		if err != nil {
			// Transport-level failure: the batch cannot continue.
			return failures, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if res.IsError() {
			failures = append(failures, UpsertFailure{
				RecordID: rec.ID,
				Err:      fmt.Errorf("index failed: %s", responseError(res)),
			})
		}
		res.Body.Close()
	}
	return failures, nil
}

// Delete removes the document record and all chunks sharing its parent id.
func (s *ElasticStore) Delete(ctx context.Context, collection, parentID string) error {
	index := s.indexName(collection)
	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"should": []any{
					map[string]any{"ids": map[string]any{"values": []string{parentID}}},
					map[string]any{"term": map[string]any{"parent_id": parentID}},
				},
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return err
	}
	res, err := s.client.DeleteByQuery([]string{index}, bytes.NewReader(body),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil // nothing stored for this collection yet
	}
	if res.IsError() {
		return fmt.Errorf("failed to delete records for %s: %s", parentID, responseError(res))
	}
	return nil
}

// Query runs a script_score search over the dense_vector field. The script
// emits (cosine + 1) / 2 directly, so hit scores are already on the shared
// [0,1] scale.
func (s *ElasticStore) Query(ctx context.Context, collection string, vector []float32, limit int, filters map[string]any) ([]models.SearchHit, error) {
	index := s.indexName(collection)
	query, err := buildESQuery(vector, limit, filters)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(index),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: index %s", ErrNotFound, index)
	}
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search failed: %s", responseError(res))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string     `json:"_id"`
				Score  float64    `json:"_score"`
				Source esDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := make([]models.SearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, models.SearchHit{
			RecordID:   h.ID,
			ParentID:   h.Source.ParentID,
			ChunkIndex: h.Source.ChunkIndex,
			IsChunk:    h.Source.IsChunk,
			Title:      h.Source.Title,
			Content:    h.Source.Content,
			Similarity: h.Score,
			Metadata:   h.Source.Metadata,
		})
	}
	return hits, nil
}

// Close releases the client. The underlying transport has no explicit close.
func (s *ElasticStore) Close() error {
	return nil
}

// buildESQuery assembles the script_score search body with optional filters.
// title and content filter as full-text matches; other keys match fields under
// metadata.
func buildESQuery(vector []float32, limit int, filters map[string]any) (map[string]any, error) {
	if err := ValidateFilters(filters); err != nil {
		return nil, err
	}
	inner := map[string]any{"match_all": map[string]any{}}
	if len(filters) > 0 {
		var clauses []any
		for _, key := range sortedKeys(filters) {
			value := filters[key]
			switch key {
			case "title", "content":
				clauses = append(clauses, map[string]any{"match": map[string]any{key: value}})
			case "parent_id":
				clauses = append(clauses, map[string]any{"term": map[string]any{"parent_id": value}})
			default:
				clauses = append(clauses, map[string]any{"match": map[string]any{"metadata." + key: value}})
			}
		}
		inner = map[string]any{"bool": map[string]any{"filter": clauses}}
	}
	return map[string]any{
		"size": limit,
		"query": map[string]any{
			"script_score": map[string]any{
				"query": inner,
				"script": map[string]any{
					"source": "(cosineSimilarity(params.query_vector, 'embedding') + 1.0) / 2",
					"params": map[string]any{"query_vector": vector},
				},
			},
		},
	}, nil
}

func responseError(res *esapi.Response) string {
	data, err := io.ReadAll(res.Body)
	if err != nil || len(data) == 0 {
		return res.Status()
	}
	return fmt.Sprintf("%s: %s", res.Status(), string(data))
}
