package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ProcessedDocument is the normalized output of the upstream processing step.
// It is read-only input to the indexing pipeline: one record per source file,
// with a stable ID derived from the source URL or path.
type ProcessedDocument struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
}

// Hash returns the document's content fingerprint, computing it from Content
// when the upstream processor did not record one.
func (d *ProcessedDocument) Hash() string {
	if d.ContentHash != "" {
		return d.ContentHash
	}
	return HashContent(d.Content)
}

// HashContent computes the sha256 fingerprint used for change detection.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Chunk is a token-bounded span of a document's content. Chunks of one parent,
// concatenated in Index order, reconstruct the parent's content up to boundary
// whitespace.
type Chunk struct {
	ParentID   string
	Index      int
	Text       string
	TokenCount int
	// Truncated marks a chunk produced by force-splitting a single structural
	// unit that alone exceeded the token budget.
	Truncated bool
	Embedding []float32
}

// ChunkID derives the stable record id for a chunk from its parent and position.
func (c *Chunk) ChunkID() string {
	return fmt.Sprintf("%s_chunk_%d", c.ParentID, c.Index)
}

// StoredRecord is the unit persisted by a vector store backend: either a whole
// document as one vector, or a single chunk as one vector.
type StoredRecord struct {
	ID          string
	ParentID    string
	ChunkIndex  int
	IsChunk     bool
	Title       string
	Content     string
	ContentHash string
	Embedding   []float32
	Metadata    map[string]any
}

// SearchHit is one chunk- or document-level match returned by a vector store.
// Similarity is normalized to [0,1] on every backend so ranking logic upstream
// is backend-agnostic.
type SearchHit struct {
	RecordID   string         `json:"id"`
	ParentID   string         `json:"parent_id,omitempty"`
	ChunkIndex int            `json:"chunk_index,omitempty"`
	IsChunk    bool           `json:"is_chunk,omitempty"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content"`
	Similarity float64        `json:"similarity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// GroupedResult is a document-level search result aggregating the chunk hits
// that contributed to it. Similarity is the best contributing hit's score.
type GroupedResult struct {
	ParentID   string      `json:"id"`
	Title      string      `json:"title,omitempty"`
	Content    string      `json:"content"`
	Similarity float64     `json:"similarity"`
	Chunks     []SearchHit `json:"chunks,omitempty"`
}
