package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PGVectorConfig holds the connection settings for the PostgreSQL + pgvector
// backend.
type PGVectorConfig struct {
	Address  string `yaml:"address"`  // host:port
	Username string `yaml:"username"` // database user
	Password string `yaml:"password"` // database password
	Database string `yaml:"database"` // database name
	SSLMode  string `yaml:"sslMode"`  // e.g. "disable", "require"
}

// ConnString renders the pgx connection string.
func (c PGVectorConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		c.Username, c.Password, c.Address, c.Database, sslMode)
}

// ElasticsearchConfig holds the connection settings for the Elasticsearch
// backend. Collections map onto indices named "<indexPrefix>_<collection>".
type ElasticsearchConfig struct {
	URL         string `yaml:"url"`         // e.g. "http://localhost:9200"
	Username    string `yaml:"username"`    // optional basic auth user
	Password    string `yaml:"password"`    // optional basic auth password
	IndexPrefix string `yaml:"indexPrefix"` // index name prefix
}

// MilvusConfig holds the connection settings for the Milvus backend.
type MilvusConfig struct {
	Address string `yaml:"address"` // e.g. "localhost:19530"
}

// VectorDBConfig selects and configures the active vector store backend.
type VectorDBConfig struct {
	Type          string              `yaml:"type"`      // "pgvector", "elasticsearch" or "milvus"
	Dimension     int                 `yaml:"dimension"` // embedding vector dimension
	PGVector      PGVectorConfig      `yaml:"pgvector"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Milvus        MilvusConfig        `yaml:"milvus"`
}

// EmbeddingConfig configures the remote embedding service and its budget.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"`          // "openai" or "ollama"
	URL               string  `yaml:"url"`               // endpoint base URL, empty for the provider default
	APIKey            string  `yaml:"apiKey"`            // bearer credential; DOCINDEX_EMBEDDING_API_KEY overrides
	Model             string  `yaml:"model"`             // embedding model name
	TokenLimit        int     `yaml:"tokenLimit"`        // per-request token limit of the service
	MaxRetries        int     `yaml:"maxRetries"`        // attempt cap for transient failures
	RequestsPerSecond float64 `yaml:"requestsPerSecond"` // process-wide throttle
	TimeoutSeconds    int     `yaml:"timeoutSeconds"`    // per-call timeout
}

// ChunkingConfig configures the structural chunker.
type ChunkingConfig struct {
	Mode      string `yaml:"mode"`      // "advanced" or "basic"
	MaxTokens int    `yaml:"maxTokens"` // token budget per chunk
	Overlap   int    `yaml:"overlap"`   // basic-mode token overlap
}

// IngestConfig configures ingestion runs.
type IngestConfig struct {
	Incremental   bool   `yaml:"incremental"`   // skip unchanged documents by content hash
	MaxConcurrent int    `yaml:"maxConcurrent"` // in-flight documents per run
	MetadataDir   string `yaml:"metadataDir"`   // document tracker state directory
}

// SourceConfig maps one documentation source onto a collection.
type SourceConfig struct {
	Name       string `yaml:"name"`       // source identifier
	Collection string `yaml:"collection"` // collection name, defaults to Name
	InputDir   string `yaml:"inputDir"`   // directory of processed document files
}

// ServerConfig configures the search HTTP service.
type ServerConfig struct {
	Address string `yaml:"address"` // listen address, e.g. ":8080"
}

// AppConfig is the root configuration document.
type AppConfig struct {
	LogLevel  string          `yaml:"logLevel"`
	VectorDB  VectorDBConfig  `yaml:"vectorDB"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Sources   []SourceConfig  `yaml:"sources"`
	Server    ServerConfig    `yaml:"server"`
}

// LoadConfig reads and parses the yaml configuration file, then applies
// environment overrides for credentials so secrets can stay out of the file.
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("DOCINDEX_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("DOCINDEX_PGVECTOR_PASSWORD"); v != "" {
		c.VectorDB.PGVector.Password = v
	}
	if v := os.Getenv("DOCINDEX_ELASTICSEARCH_PASSWORD"); v != "" {
		c.VectorDB.Elasticsearch.Password = v
	}
}

func (c *AppConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.VectorDB.Dimension == 0 {
		c.VectorDB.Dimension = 768
	}
	if c.VectorDB.Elasticsearch.IndexPrefix == "" {
		c.VectorDB.Elasticsearch.IndexPrefix = "docindex"
	}
	if c.Chunking.Mode == "" {
		c.Chunking.Mode = "advanced"
	}
	if c.Chunking.MaxTokens == 0 {
		c.Chunking.MaxTokens = 512
	}
	if c.Ingest.MaxConcurrent == 0 {
		c.Ingest.MaxConcurrent = 5
	}
	if c.Ingest.MetadataDir == "" {
		c.Ingest.MetadataDir = "data/metadata"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	for i := range c.Sources {
		if c.Sources[i].Collection == "" {
			c.Sources[i].Collection = c.Sources[i].Name
		}
	}
}
