package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
logLevel: debug
vectorDB:
  type: pgvector
  pgvector:
    address: localhost:5432
    username: indexer
    database: docs
embedding:
  provider: openai
  model: granite-embedding
  tokenLimit: 512
chunking:
  maxTokens: 256
sources:
  - name: generic
    inputDir: data/processed/generic
  - name: api-docs
    collection: apidocs
    inputDir: data/processed/api
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTestConfig(t, testYAML))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.VectorDB.Dimension != 768 {
		t.Errorf("default dimension = %d, want 768", cfg.VectorDB.Dimension)
	}
	if cfg.Chunking.Mode != "advanced" {
		t.Errorf("default chunk mode = %q, want advanced", cfg.Chunking.Mode)
	}
	if cfg.Ingest.MaxConcurrent != 5 {
		t.Errorf("default max concurrent = %d, want 5", cfg.Ingest.MaxConcurrent)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("default server address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.VectorDB.Elasticsearch.IndexPrefix != "docindex" {
		t.Errorf("default index prefix = %q", cfg.VectorDB.Elasticsearch.IndexPrefix)
	}

	// Collection falls back to the source name only when unset.
	if cfg.Sources[0].Collection != "generic" {
		t.Errorf("source 0 collection = %q, want generic", cfg.Sources[0].Collection)
	}
	if cfg.Sources[1].Collection != "apidocs" {
		t.Errorf("source 1 collection = %q, want apidocs", cfg.Sources[1].Collection)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("DOCINDEX_EMBEDDING_API_KEY", "secret-from-env")
	t.Setenv("DOCINDEX_PGVECTOR_PASSWORD", "pg-secret")

	cfg, err := LoadConfig(writeTestConfig(t, testYAML))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Embedding.APIKey != "secret-from-env" {
		t.Errorf("embedding api key not taken from environment")
	}
	if cfg.VectorDB.PGVector.Password != "pg-secret" {
		t.Errorf("pgvector password not taken from environment")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestPGVectorConnString(t *testing.T) {
	cfg := PGVectorConfig{
		Address: "db:5432", Username: "u", Password: "p", Database: "docs",
	}
	want := "postgres://u:p@db:5432/docs?sslmode=disable"
	if got := cfg.ConnString(); got != want {
		t.Errorf("ConnString() = %q, want %q", got, want)
	}

	cfg.SSLMode = "require"
	if got := cfg.ConnString(); got != "postgres://u:p@db:5432/docs?sslmode=require" {
		t.Errorf("ConnString() with sslmode = %q", got)
	}
}
