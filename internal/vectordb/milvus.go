package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"docindex/internal/config"
	"docindex/internal/models"
	"docindex/pkg/logger"
)

// Milvus collection field names.
const (
	milvusFieldID          = "id"
	milvusFieldParentID    = "parent_id"
	milvusFieldChunkIndex  = "chunk_index"
	milvusFieldIsChunk     = "is_chunk"
	milvusFieldTitle       = "title"
	milvusFieldContent     = "content"
	milvusFieldContentHash = "content_hash"
	milvusFieldMetadata    = "metadata"
	milvusFieldEmbedding   = "embedding"
)

// MilvusStore implements Store on Milvus. The connection is established on
// first use; collections are created with a COSINE ivfflat index so returned
// scores only need the shared (s+1)/2 shift.
type MilvusStore struct {
	address string
	log     *logger.Logger

	connectOnce sync.Once
	connectErr  error
	client      client.Client
}

// NewMilvusStore creates the adapter without dialing the server.
func NewMilvusStore(cfg config.MilvusConfig, log *logger.Logger) *MilvusStore {
	return &MilvusStore{address: cfg.Address, log: log}
}

func (s *MilvusStore) connect(ctx context.Context) (client.Client, error) {
	s.connectOnce.Do(func() {
		c, err := client.NewClient(ctx, client.Config{Address: s.address})
		if err != nil {
			s.connectErr = fmt.Errorf("%w: milvus at %s: %v", ErrBackendUnavailable, s.address, err)
			return
		}
		s.client = c
	})
	return s.client, s.connectErr
}

// EnsureCollection creates the collection, its COSINE index and loads it. A
// pre-existing collection has its vector dimension verified against the
// configured one.
func (s *MilvusStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}

	exists, err := c.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: failed to check collection %s: %v", ErrBackendUnavailable, name, err)
	}

	if exists {
		desc, err := c.DescribeCollection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to describe collection %s: %w", name, err)
		}
		for _, field := range desc.Schema.Fields {
			if field.Name != milvusFieldEmbedding {
				continue
			}
			if dimStr, ok := field.TypeParams[entity.TypeParamDim]; ok {
				if dimStr != fmt.Sprint(dimension) {
					return fmt.Errorf("%w: collection %s has dimension %s, configured %d",
						ErrSchemaMismatch, name, dimStr, dimension)
				}
			}
		}
	} else {
		schema := entity.NewSchema().
			WithName(name).
			WithDescription("document and chunk vectors").
			WithField(entity.NewField().WithName(milvusFieldID).
				WithDataType(entity.FieldTypeVarChar).WithMaxLength(512).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName(milvusFieldParentID).
				WithDataType(entity.FieldTypeVarChar).WithMaxLength(512)).
			WithField(entity.NewField().WithName(milvusFieldChunkIndex).
				WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().WithName(milvusFieldIsChunk).
				WithDataType(entity.FieldTypeBool)).
			WithField(entity.NewField().WithName(milvusFieldTitle).
				WithDataType(entity.FieldTypeVarChar).WithMaxLength(2048)).
			WithField(entity.NewField().WithName(milvusFieldContent).
				WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535)).
			WithField(entity.NewField().WithName(milvusFieldContentHash).
				WithDataType(entity.FieldTypeVarChar).WithMaxLength(128)).
			WithField(entity.NewField().WithName(milvusFieldMetadata).
				WithDataType(entity.FieldTypeJSON)).
			WithField(entity.NewField().WithName(milvusFieldEmbedding).
				WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dimension)))

		if err := c.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
		idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
		if err != nil {
			return fmt.Errorf("failed to build index for %s: %w", name, err)
		}
		if err := c.CreateIndex(ctx, name, milvusFieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", name, err)
		}
		s.log.Info(fmt.Sprintf("created milvus collection %s with dimension %d", name, dimension))
	}

	if err := c.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection %s: %w", name, err)
	}
	return nil
}

// Upsert writes records as one columnar batch. Milvus applies the batch as a
// whole, so a batch-level failure reports every record id as failed.
func (s *MilvusStore) Upsert(ctx context.Context, collection string, records []models.StoredRecord) ([]UpsertFailure, error) {
	if len(records) == 0 {
		return nil, nil
	}
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(records))
	parentIDs := make([]string, len(records))
	chunkIndexes := make([]int64, len(records))
	isChunks := make([]bool, len(records))
	titles := make([]string, len(records))
	contents := make([]string, len(records))
	hashes := make([]string, len(records))
	metadatas := make([][]byte, len(records))
	embeddings := make([][]float32, len(records))

	dim := 0
	for i, rec := range records {
		ids[i] = rec.ID
		parentIDs[i] = rec.ParentID
		chunkIndexes[i] = int64(rec.ChunkIndex)
		isChunks[i] = rec.IsChunk
		titles[i] = rec.Title
		contents[i] = rec.Content
		hashes[i] = rec.ContentHash
		embeddings[i] = rec.Embedding
		if len(rec.Embedding) > dim {
			dim = len(rec.Embedding)
		}
		metadata := rec.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		data, err := json.Marshal(metadata)
		if err != nil {
			return s.allFailed(records, err), nil
		}
		metadatas[i] = data
	}

	columns := []entity.Column{
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldParentID, parentIDs),
		entity.NewColumnInt64(milvusFieldChunkIndex, chunkIndexes),
		entity.NewColumnBool(milvusFieldIsChunk, isChunks),
		entity.NewColumnVarChar(milvusFieldTitle, titles),
		entity.NewColumnVarChar(milvusFieldContent, contents),
		entity.NewColumnVarChar(milvusFieldContentHash, hashes),
		entity.NewColumnJSONBytes(milvusFieldMetadata, metadatas),
		entity.NewColumnFloatVector(milvusFieldEmbedding, dim, embeddings),
	}

	if _, err := c.Upsert(ctx, collection, "", columns...); err != nil {
		return s.allFailed(records, err), nil
	}
	return nil, nil
}

func (s *MilvusStore) allFailed(records []models.StoredRecord, err error) []UpsertFailure {
	failures := make([]UpsertFailure, len(records))
	for i, rec := range records {
		failures[i] = UpsertFailure{RecordID: rec.ID, Err: err}
	}
	return failures
}

// Delete removes the document record and every chunk sharing its parent id.
func (s *MilvusStore) Delete(ctx context.Context, collection, parentID string) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	escaped := escapeMilvusString(parentID)
	expr := fmt.Sprintf(`%s == "%s" or %s == "%s"`,
		milvusFieldID, escaped, milvusFieldParentID, escaped)
	if err := c.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("failed to delete records for %s: %w", parentID, err)
	}
	return nil
}

// Query performs a COSINE similarity search with an optional filter
// expression. Milvus has no substring match over scalar fields, so title and
// content filters are rejected rather than silently ignored.
func (s *MilvusStore) Query(ctx context.Context, collection string, vector []float32, limit int, filters map[string]any) ([]models.SearchHit, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	filterExpr, err := buildMilvusFilterExpr(filters)
	if err != nil {
		return nil, err
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(10)
	outputFields := []string{
		milvusFieldParentID, milvusFieldChunkIndex, milvusFieldIsChunk,
		milvusFieldTitle, milvusFieldContent, milvusFieldMetadata,
	}

	results, err := c.Search(
		ctx, collection, []string{}, filterExpr, outputFields,
		[]entity.Vector{entity.FloatVector(vector)},
		milvusFieldEmbedding, entity.COSINE, limit, sp,
	)
	if err != nil {
		if strings.Contains(err.Error(), "can't find collection") ||
			strings.Contains(err.Error(), "collection not found") {
			return nil, fmt.Errorf("%w: collection %s", ErrNotFound, collection)
		}
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}

	var hits []models.SearchHit
	for _, res := range results {
		findColumn := func(name string) entity.Column {
			for _, field := range res.Fields {
				if field.Name() == name {
					return field
				}
			}
			return nil
		}

		idCol, ok := res.IDs.(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		idData := idCol.Data()

		var parentData, titleData, contentData []string
		var chunkIndexData []int64
		var isChunkData []bool
		var metadataData [][]byte
		if col, ok := findColumn(milvusFieldParentID).(*entity.ColumnVarChar); ok {
			parentData = col.Data()
		}
		if col, ok := findColumn(milvusFieldChunkIndex).(*entity.ColumnInt64); ok {
			chunkIndexData = col.Data()
		}
		if col, ok := findColumn(milvusFieldIsChunk).(*entity.ColumnBool); ok {
			isChunkData = col.Data()
		}
		if col, ok := findColumn(milvusFieldTitle).(*entity.ColumnVarChar); ok {
			titleData = col.Data()
		}
		if col, ok := findColumn(milvusFieldContent).(*entity.ColumnVarChar); ok {
			contentData = col.Data()
		}
		if col, ok := findColumn(milvusFieldMetadata).(*entity.ColumnJSONBytes); ok {
			metadataData = col.Data()
		}

		for i := 0; i < res.ResultCount; i++ {
			hit := models.SearchHit{
				RecordID:   idData[i],
				Similarity: NormalizeCosine(float64(res.Scores[i])),
			}
			if parentData != nil {
				hit.ParentID = parentData[i]
			}
			if chunkIndexData != nil {
				hit.ChunkIndex = int(chunkIndexData[i])
			}
			if isChunkData != nil {
				hit.IsChunk = isChunkData[i]
			}
			if titleData != nil {
				hit.Title = titleData[i]
			}
			if contentData != nil {
				hit.Content = contentData[i]
			}
			if metadataData != nil && len(metadataData[i]) > 0 {
				if err := json.Unmarshal(metadataData[i], &hit.Metadata); err != nil {
					return nil, fmt.Errorf("failed to parse metadata for %s: %w", hit.RecordID, err)
				}
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// Close closes the Milvus connection if one was established.
func (s *MilvusStore) Close() error {
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

// buildMilvusFilterExpr translates the generic filter map into a Milvus
// boolean expression. parent_id filters on its scalar field, other keys on the
// JSON metadata field. title and content would need substring semantics the
// expression language does not offer, so they fail with ErrUnsupportedFilter.
func buildMilvusFilterExpr(filters map[string]any) (string, error) {
	if err := ValidateFilters(filters); err != nil {
		return "", err
	}
	var conditions []string
	for _, key := range sortedKeys(filters) {
		value := filters[key]
		switch key {
		case "title", "content":
			return "", fmt.Errorf("%w: %q filter is not supported on milvus", ErrUnsupportedFilter, key)
		case "parent_id":
			conditions = append(conditions, fmt.Sprintf(`%s == "%s"`,
				milvusFieldParentID, escapeMilvusString(fmt.Sprint(value))))
		default:
			switch v := value.(type) {
			case string:
				conditions = append(conditions, fmt.Sprintf(`%s["%s"] == "%s"`,
					milvusFieldMetadata, escapeMilvusString(key), escapeMilvusString(v)))
			case bool:
				conditions = append(conditions, fmt.Sprintf(`%s["%s"] == %t`,
					milvusFieldMetadata, escapeMilvusString(key), v))
			default:
				conditions = append(conditions, fmt.Sprintf(`%s["%s"] == %v`,
					milvusFieldMetadata, escapeMilvusString(key), v))
			}
		}
	}
	return strings.Join(conditions, " and "), nil
}

func escapeMilvusString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
