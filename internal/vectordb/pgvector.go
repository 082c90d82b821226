package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"docindex/internal/config"
	"docindex/internal/models"
	"docindex/pkg/logger"
)

var collectionNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// PGVectorStore implements Store on PostgreSQL with the pgvector extension.
// Each collection is one table with an ivfflat cosine index; upserts use
// INSERT ... ON CONFLICT keyed by record id.
type PGVectorStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewPGVectorStore creates the adapter. The pgx pool dials lazily, so no I/O
// happens here.
func NewPGVectorStore(cfg config.PGVectorConfig, log *logger.Logger) (*PGVectorStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgvector connection string: %w", err)
	}
	// Register pgvector types on each new connection.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgvector pool: %w", err)
	}
	return &PGVectorStore{pool: pool, log: log, ensured: make(map[string]bool)}, nil
}

func (s *PGVectorStore) tableName(collection string) (string, error) {
	if !collectionNameRe.MatchString(collection) {
		return "", fmt.Errorf("invalid collection name %q", collection)
	}
	return "docs_" + strings.ReplaceAll(strings.ToLower(collection), "-", "_"), nil
}

// EnsureCollection creates the extension, table and vector index if missing,
// and verifies the vector dimension of a pre-existing table.
func (s *PGVectorStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	table, err := s.tableName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	done := s.ensured[table]
	s.mu.Unlock()
	if done {
		return nil
	}

	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return classifyPGErr(fmt.Errorf("failed to create pgvector extension: %w", err))
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table,
	).Scan(&exists)
	if err != nil {
		return classifyPGErr(fmt.Errorf("failed to check table %s: %w", table, err))
	}

	if exists {
		// vector(N) stores N in atttypmod.
		var typmod int
		err = s.pool.QueryRow(ctx,
			"SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'", table,
		).Scan(&typmod)
		if err != nil {
			return classifyPGErr(fmt.Errorf("failed to inspect table %s: %w", table, err))
		}
		if typmod != dimension {
			return fmt.Errorf("%w: table %s has dimension %d, configured %d", ErrSchemaMismatch, table, typmod, dimension)
		}
	} else {
		createSQL := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				parent_id TEXT,
				chunk_index INTEGER NOT NULL DEFAULT 0,
				is_chunk BOOLEAN NOT NULL DEFAULT FALSE,
				title TEXT,
				content TEXT NOT NULL,
				content_hash TEXT,
				metadata JSONB,
				embedding vector(%d)
			)`, table, dimension)
		if _, err := s.pool.Exec(ctx, createSQL); err != nil {
			return classifyPGErr(fmt.Errorf("failed to create table %s: %w", table, err))
		}
		indexSQL := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`, table, table)
		if _, err := s.pool.Exec(ctx, indexSQL); err != nil {
			return classifyPGErr(fmt.Errorf("failed to create vector index on %s: %w", table, err))
		}
		parentIdxSQL := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s_parent_idx ON %s (parent_id)", table, table)
		if _, err := s.pool.Exec(ctx, parentIdxSQL); err != nil {
			return classifyPGErr(fmt.Errorf("failed to create parent index on %s: %w", table, err))
		}
		s.log.Info(fmt.Sprintf("created pgvector table %s with dimension %d", table, dimension))
	}

	s.mu.Lock()
	s.ensured[table] = true
	s.mu.Unlock()
	return nil
}

// Upsert inserts or replaces records one by one so a failure on one record
// never corrupts the others. Per-record failures are collected and returned.
func (s *PGVectorStore) Upsert(ctx context.Context, collection string, records []models.StoredRecord) ([]UpsertFailure, error) {
	table, err := s.tableName(collection)
	if err != nil {
		return nil, err
	}
	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s (id, parent_id, chunk_index, is_chunk, title, content, content_hash, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			chunk_index = EXCLUDED.chunk_index,
			is_chunk = EXCLUDED.is_chunk,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, table)

	var failures []UpsertFailure
	for _, rec := range records {
		metadataJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			failures = append(failures, UpsertFailure{RecordID: rec.ID, Err: err})
			continue
		}
		_, err = s.pool.Exec(ctx, upsertSQL,
			rec.ID, rec.ParentID, rec.ChunkIndex, rec.IsChunk,
			rec.Title, rec.Content, rec.ContentHash, metadataJSON,
			pgvector.NewVector(rec.Embedding),
		)
		if err != nil {
			if unavailable := classifyPGErr(err); errors.Is(unavailable, ErrBackendUnavailable) {
				return failures, unavailable
			}
			failures = append(failures, UpsertFailure{RecordID: rec.ID, Err: err})
		}
	}
	return failures, nil
}

// Delete removes the document record and every chunk sharing its parent id.
func (s *PGVectorStore) Delete(ctx context.Context, collection, parentID string) error {
	table, err := s.tableName(collection)
	if err != nil {
		return err
	}
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE id = $1 OR parent_id = $1", table)
	if _, err := s.pool.Exec(ctx, deleteSQL, parentID); err != nil {
		err = classifyPGErr(fmt.Errorf("failed to delete records for %s: %w", parentID, err))
		if errors.Is(err, ErrNotFound) {
			return nil // nothing stored for this collection yet
		}
		return err
	}
	return nil
}

// Query performs cosine similarity search. The <=> operator yields cosine
// distance in [0,2]; 1 - d/2 is the shared [0,1] similarity scale.
func (s *PGVectorStore) Query(ctx context.Context, collection string, vector []float32, limit int, filters map[string]any) ([]models.SearchHit, error) {
	table, err := s.tableName(collection)
	if err != nil {
		return nil, err
	}
	clauses, args, err := buildPGFilters(filters, 2)
	if err != nil {
		return nil, err
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	querySQL := fmt.Sprintf(`
		SELECT id, parent_id, chunk_index, is_chunk, title, content, metadata,
		       1 - (embedding <=> $1) / 2 AS similarity
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT %d`, table, where, limit)

	queryArgs := append([]any{pgvector.NewVector(vector)}, args...)
	rows, err := s.pool.Query(ctx, querySQL, queryArgs...)
	if err != nil {
		return nil, classifyPGErr(fmt.Errorf("pgvector search failed: %w", err))
	}
	defer rows.Close()

	hits := make([]models.SearchHit, 0, limit)
	for rows.Next() {
		var hit models.SearchHit
		var parentID, title *string
		var metadataJSON []byte
		if err := rows.Scan(&hit.RecordID, &parentID, &hit.ChunkIndex, &hit.IsChunk,
			&title, &hit.Content, &metadataJSON, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		if parentID != nil {
			hit.ParentID = *parentID
		}
		if title != nil {
			hit.Title = *title
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &hit.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata for %s: %w", hit.RecordID, err)
			}
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPGErr(err)
	}
	return hits, nil
}

// Close closes the connection pool.
func (s *PGVectorStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// buildPGFilters translates the generic filter map into SQL clauses. title and
// content match as substrings; every other key restricts on the metadata JSONB.
func buildPGFilters(filters map[string]any, firstArg int) ([]string, []any, error) {
	if err := ValidateFilters(filters); err != nil {
		return nil, nil, err
	}
	keys := sortedKeys(filters)
	var clauses []string
	var args []any
	n := firstArg
	for _, key := range keys {
		value := filters[key]
		switch key {
		case "title":
			clauses = append(clauses, fmt.Sprintf("title ILIKE '%%' || $%d || '%%'", n))
			args = append(args, fmt.Sprint(value))
		case "content":
			clauses = append(clauses, fmt.Sprintf("content ILIKE '%%' || $%d || '%%'", n))
			args = append(args, fmt.Sprint(value))
		case "parent_id":
			clauses = append(clauses, fmt.Sprintf("parent_id = $%d", n))
			args = append(args, fmt.Sprint(value))
		default:
			clauses = append(clauses, fmt.Sprintf("metadata->>'%s' = $%d", strings.ReplaceAll(key, "'", ""), n))
			args = append(args, fmt.Sprint(value))
		}
		n++
	}
	return clauses, args, nil
}

// classifyPGErr maps pgx failures onto the shared error taxonomy: connection
// failures become ErrBackendUnavailable, a missing table (SQLSTATE 42P01, the
// collection was never created) becomes ErrNotFound.
func classifyPGErr(err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
