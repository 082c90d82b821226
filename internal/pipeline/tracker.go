package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"docindex/internal/models"
)

// TrackedDocument is one document's entry in a source's metadata file.
type TrackedDocument struct {
	ContentHash string         `json:"content_hash"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	Version     int            `json:"version"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
	DeletedAt   string         `json:"deleted_at,omitempty"`
}

type sourceMetadata struct {
	Documents map[string]*TrackedDocument `json:"documents"`
	LastRun   string                      `json:"last_run,omitempty"`
}

// Tracker records per-source content hashes and versions on disk, powering
// incremental mode: a document whose hash is unchanged since the last run is
// skipped without re-embedding.
type Tracker struct {
	metadataDir string
	mu          sync.Mutex
}

// NewTracker creates the tracker, ensuring the metadata directory exists.
func NewTracker(metadataDir string) (*Tracker, error) {
	if err := os.MkdirAll(metadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory %s: %w", metadataDir, err)
	}
	return &Tracker{metadataDir: metadataDir}, nil
}

func (t *Tracker) metadataPath(source string) string {
	return filepath.Join(t.metadataDir, source+"_metadata.json")
}

func (t *Tracker) load(source string) (*sourceMetadata, error) {
	data, err := os.ReadFile(t.metadataPath(source))
	if os.IsNotExist(err) {
		return &sourceMetadata{Documents: make(map[string]*TrackedDocument)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", source, err)
	}
	var meta sourceMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		// Corrupt metadata means every document looks new; that is safe.
		return &sourceMetadata{Documents: make(map[string]*TrackedDocument)}, nil
	}
	if meta.Documents == nil {
		meta.Documents = make(map[string]*TrackedDocument)
	}
	return &meta, nil
}

func (t *Tracker) save(source string, meta *sourceMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.metadataPath(source), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", source, err)
	}
	return nil
}

// HasChanged reports whether the document is new or its content hash differs
// from the recorded one. It does not modify the metadata file.
func (t *Tracker) HasChanged(source string, doc *models.ProcessedDocument) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta, err := t.load(source)
	if err != nil {
		return true, err
	}
	tracked, ok := meta.Documents[doc.ID]
	if !ok || tracked.Deleted {
		return true, nil
	}
	return tracked.ContentHash != doc.Hash(), nil
}

// Update records the document's current hash, bumping the version when the
// content changed. Returns (isNew, hasChanged) like a crawl-side tracker would.
func (t *Tracker) Update(source string, doc *models.ProcessedDocument) (bool, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta, err := t.load(source)
	if err != nil {
		return false, false, err
	}

	hash := doc.Hash()
	now := time.Now().Format(time.RFC3339)
	tracked, exists := meta.Documents[doc.ID]

	isNew := !exists
	hasChanged := true
	if exists {
		hasChanged = tracked.ContentHash != hash || tracked.Deleted
	}

	if isNew {
		meta.Documents[doc.ID] = &TrackedDocument{
			ContentHash: hash,
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
			Metadata:    doc.Metadata,
		}
	} else if hasChanged {
		tracked.ContentHash = hash
		tracked.UpdatedAt = now
		tracked.Version++
		tracked.Deleted = false
		tracked.DeletedAt = ""
		if doc.Metadata != nil {
			if tracked.Metadata == nil {
				tracked.Metadata = make(map[string]any)
			}
			for k, v := range doc.Metadata {
				tracked.Metadata[k] = v
			}
		}
	}

	meta.LastRun = now
	if err := t.save(source, meta); err != nil {
		return isNew, hasChanged, err
	}
	return isNew, hasChanged, nil
}

// MarkDeleted flags a document as removed from the source. Returns false when
// the document was never tracked.
func (t *Tracker) MarkDeleted(source, documentID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta, err := t.load(source)
	if err != nil {
		return false, err
	}
	tracked, ok := meta.Documents[documentID]
	if !ok {
		return false, nil
	}
	tracked.Deleted = true
	tracked.DeletedAt = time.Now().Format(time.RFC3339)
	if err := t.save(source, meta); err != nil {
		return true, err
	}
	return true, nil
}

// DocumentIDs lists every tracked document id for a source, deleted included.
func (t *Tracker) DocumentIDs(source string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta, err := t.load(source)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(meta.Documents))
	for id := range meta.Documents {
		ids = append(ids, id)
	}
	return ids, nil
}
