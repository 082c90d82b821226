package vectordb

import (
	"fmt"
	"strings"

	"docindex/internal/config"
	"docindex/pkg/logger"
)

// Supported db type identifiers, as used in configuration and the search API.
const (
	TypePGVector      = "pgvector"
	TypeElasticsearch = "elasticsearch"
	TypeMilvus        = "milvus"
)

// Types lists the selectable backends.
func Types() []string {
	return []string{TypePGVector, TypeElasticsearch, TypeMilvus}
}

// NewStore constructs the configured backend adapter. It performs no I/O:
// adapters connect lazily on first use. Unknown db types fail with
// ErrUnsupportedBackend.
func NewStore(dbType string, cfg *config.VectorDBConfig, log *logger.Logger) (Store, error) {
	switch strings.ToLower(dbType) {
	case TypePGVector:
		return NewPGVectorStore(cfg.PGVector, log)
	case TypeElasticsearch:
		return NewElasticStore(cfg.Elasticsearch, log)
	case TypeMilvus:
		return NewMilvusStore(cfg.Milvus, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, dbType)
	}
}
