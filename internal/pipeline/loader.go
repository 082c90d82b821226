package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"docindex/internal/models"
)

// LoadDocuments reads every processed-document JSON file from a source
// directory, one document per file. Files are returned in name order so runs
// over the same input are deterministic.
func LoadDocuments(dir string) ([]models.ProcessedDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read document directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	docs := make([]models.ProcessedDocument, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read document file %s: %w", path, err)
		}
		var doc models.ProcessedDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse document file %s: %w", path, err)
		}
		if doc.ID == "" {
			// Fall back to the file name so upstream files without an explicit
			// id still get a stable one.
			doc.ID = strings.TrimSuffix(name, ".json")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
