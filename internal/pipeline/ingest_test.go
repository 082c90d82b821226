package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"docindex/internal/chunker"
	"docindex/internal/embedding"
	"docindex/internal/models"
	"docindex/internal/tokenizer"
	"docindex/internal/vectordb"
	"docindex/pkg/logger"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	mu          sync.Mutex
	records     map[string]models.StoredRecord
	queryHits   []models.SearchHit
	queryLimit  int
	deleteCalls []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]models.StoredRecord)}
}

func (s *fakeStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	return nil
}

func (s *fakeStore) Upsert(ctx context.Context, collection string, records []models.StoredRecord) ([]vectordb.UpsertFailure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.records[rec.ID] = rec
	}
	return nil, nil
}

func (s *fakeStore) Delete(ctx context.Context, collection, parentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls = append(s.deleteCalls, parentID)
	for id, rec := range s.records {
		if id == parentID || rec.ParentID == parentID {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *fakeStore) Query(ctx context.Context, collection string, vector []float32, limit int, filters map[string]any) ([]models.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryLimit = limit
	hits := s.queryHits
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) recordsForParent(parentID string) []models.StoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StoredRecord
	for id, rec := range s.records {
		if id == parentID || rec.ParentID == parentID {
			out = append(out, rec)
		}
	}
	return out
}

// fakeEmbedder counts calls and fails texts containing a marker substring.
type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	failMarker string
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	items := e.EmbedBatch(ctx, []string{text})
	return items[0].Vector, items[0].Err
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) []embedding.BatchItem {
	e.mu.Lock()
	e.calls += len(texts)
	e.mu.Unlock()
	items := make([]embedding.BatchItem, len(texts))
	for i, text := range texts {
		items[i].Index = i
		if e.failMarker != "" && strings.Contains(text, e.failMarker) {
			items[i].Err = errors.New("embedding failed after retries")
			continue
		}
		items[i].Vector = []float32{float32(len(text)), 1, 2}
	}
	return items
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// cancellingEmbedder cancels the run context right after its first successful
// embedding, so later texts in the same batch see a dead context.
type cancellingEmbedder struct {
	cancel context.CancelFunc
}

func (e *cancellingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	items := e.EmbedBatch(ctx, []string{text})
	return items[0].Vector, items[0].Err
}

func (e *cancellingEmbedder) EmbedBatch(ctx context.Context, texts []string) []embedding.BatchItem {
	items := make([]embedding.BatchItem, len(texts))
	for i, text := range texts {
		items[i].Index = i
		if err := ctx.Err(); err != nil {
			items[i].Err = err
			continue
		}
		items[i].Vector = []float32{float32(len(text)), 1, 2}
		e.cancel()
	}
	return items
}

func newTestIngestor(t *testing.T, store *fakeStore, embedder Embedder) *Ingestor {
	t.Helper()
	counter, err := tokenizer.New()
	if err != nil {
		t.Fatalf("tokenizer.New() error = %v", err)
	}
	tracker, err := NewTracker(t.TempDir())
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	logger.Init(logrus.ErrorLevel)
	return NewIngestor(chunker.New(counter), embedder, store, tracker, logger.New("test", ""))
}

func testOptions(incremental bool) IngestOptions {
	return IngestOptions{
		Source:        "testsrc",
		Collection:    "testdocs",
		ChunkMode:     chunker.ModeAdvanced,
		MaxTokens:     30,
		Dimension:     3,
		Incremental:   incremental,
		MaxConcurrent: 2,
	}
}

// multiParagraph builds content whose paragraphs each fit the budget alone but
// not in pairs, so every paragraph becomes its own chunk.
func multiParagraph(markers ...string) string {
	paragraphs := make([]string, len(markers))
	for i, marker := range markers {
		paragraphs[i] = fmt.Sprintf(
			"Paragraph %s explains one part of the system in enough words to fill most of the chunk budget on its own.", marker)
	}
	return strings.Join(paragraphs, "\n\n")
}

func TestIngestStoresChunkRecords(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{}
	ingestor := newTestIngestor(t, store, embedder)

	doc := models.ProcessedDocument{
		ID: "doc-a", Title: "Doc A",
		Content:  multiParagraph("one", "two", "three"),
		Metadata: map[string]any{"language": "en"},
	}
	report, err := ingestor.Run(context.Background(), testOptions(false), []models.ProcessedDocument{doc})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Succeeded != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	records := store.recordsForParent("doc-a")
	if len(records) != 3 {
		t.Fatalf("expected 3 chunk records, got %d", len(records))
	}
	for _, rec := range records {
		if !rec.IsChunk || rec.ParentID != "doc-a" {
			t.Errorf("record %s missing parent linkage: %+v", rec.ID, rec)
		}
		if rec.Metadata["is_chunk"] != true || rec.Metadata["language"] != "en" {
			t.Errorf("record %s has incomplete metadata: %v", rec.ID, rec.Metadata)
		}
		if rec.ID != fmt.Sprintf("doc-a_chunk_%d", rec.ChunkIndex) {
			t.Errorf("record id %s does not follow the chunk naming scheme", rec.ID)
		}
	}
}

func TestIngestWholeDocumentWhenSingleChunk(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{}
	ingestor := newTestIngestor(t, store, embedder)

	doc := models.ProcessedDocument{ID: "doc-small", Title: "Small", Content: "One short paragraph."}
	if _, err := ingestor.Run(context.Background(), testOptions(false), []models.ProcessedDocument{doc}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	records := store.recordsForParent("doc-small")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.ID != "doc-small" || rec.IsChunk {
		t.Errorf("small document should be stored whole, got %+v", rec)
	}
}

func TestIncrementalSkipsUnchangedDocument(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{}
	ingestor := newTestIngestor(t, store, embedder)

	doc := models.ProcessedDocument{ID: "doc-b", Content: multiParagraph("one", "two")}
	opts := testOptions(true)

	if _, err := ingestor.Run(context.Background(), opts, []models.ProcessedDocument{doc}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	firstCalls := embedder.callCount()
	if firstCalls == 0 {
		t.Fatal("first run performed no embedding calls")
	}

	report, err := ingestor.Run(context.Background(), opts, []models.ProcessedDocument{doc})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("second run should skip the unchanged document, report: %+v", report)
	}
	if embedder.callCount() != firstCalls {
		t.Errorf("second run performed %d extra embedding calls", embedder.callCount()-firstCalls)
	}
}

func TestReingestLeavesNoOrphanChunks(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{}
	ingestor := newTestIngestor(t, store, embedder)
	opts := testOptions(false)

	big := models.ProcessedDocument{ID: "doc-c", Content: multiParagraph("one", "two", "three", "four")}
	if _, err := ingestor.Run(context.Background(), opts, []models.ProcessedDocument{big}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(store.recordsForParent("doc-c")); got != 4 {
		t.Fatalf("expected 4 records after first ingest, got %d", got)
	}

	small := models.ProcessedDocument{ID: "doc-c", Content: multiParagraph("one", "two")}
	if _, err := ingestor.Run(context.Background(), opts, []models.ProcessedDocument{small}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(store.recordsForParent("doc-c")); got != 2 {
		t.Errorf("expected exactly 2 records after shrinking re-ingest, got %d", got)
	}
}

func TestPartialBatchFailureStoresSurvivors(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{failMarker: "poison"}
	ingestor := newTestIngestor(t, store, embedder)

	doc := models.ProcessedDocument{
		ID:      "doc-d",
		Content: multiParagraph("one", "two", "poison", "four", "five"),
	}
	report, err := ingestor.Run(context.Background(), testOptions(false), []models.ProcessedDocument{doc})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Failed != 1 {
		t.Fatalf("expected the document to fail, report: %+v", report)
	}
	res := report.Documents[0]
	if res.State != models.StateFailed {
		t.Errorf("expected FAILED state, got %s", res.State)
	}
	if len(res.FailedChunks) != 1 || res.FailedChunks[0] != 2 {
		t.Errorf("expected failed chunk index [2], got %v", res.FailedChunks)
	}
	if got := len(store.recordsForParent("doc-d")); got != 4 {
		t.Errorf("expected 4 surviving records, got %d", got)
	}
	if report.Outcome() != models.RunPartial {
		t.Errorf("expected partial outcome, got %s", report.Outcome())
	}
}

func TestAllChunksFailedKeepsPreviousRecords(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{failMarker: "poison"}
	ingestor := newTestIngestor(t, store, embedder)
	opts := testOptions(false)

	good := models.ProcessedDocument{ID: "doc-e", Content: multiParagraph("one", "two")}
	if _, err := ingestor.Run(context.Background(), opts, []models.ProcessedDocument{good}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(store.recordsForParent("doc-e")); got != 2 {
		t.Fatalf("expected 2 records after first ingest, got %d", got)
	}

	bad := models.ProcessedDocument{ID: "doc-e", Content: multiParagraph("poison-a", "poison-b")}
	report, err := ingestor.Run(context.Background(), opts, []models.ProcessedDocument{bad})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected the document to fail, report: %+v", report)
	}
	if got := len(store.recordsForParent("doc-e")); got != 2 {
		t.Errorf("previously stored records were destroyed, %d left", got)
	}
	if len(store.deleteCalls) != 1 {
		t.Errorf("delete issued with nothing to write, calls: %v", store.deleteCalls)
	}
}

func TestCancellationStoresAlreadyEmbeddedChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newFakeStore()
	ingestor := newTestIngestor(t, store, &cancellingEmbedder{cancel: cancel})

	doc := models.ProcessedDocument{ID: "doc-f", Content: multiParagraph("one", "two", "three")}
	report, err := ingestor.Run(ctx, testOptions(false), []models.ProcessedDocument{doc})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	res := report.Documents[0]
	if res.State != models.StateFailed {
		t.Errorf("expected FAILED state, got %s", res.State)
	}
	if len(res.FailedChunks) != 2 || res.FailedChunks[0] != 1 || res.FailedChunks[1] != 2 {
		t.Errorf("expected failed chunk indexes [1 2], got %v", res.FailedChunks)
	}

	// The store rejects calls on a dead context, so a surviving record proves
	// the write ran detached from the cancelled run context.
	records := store.recordsForParent("doc-f")
	if len(records) != 1 {
		t.Fatalf("expected the embedded chunk to be stored, got %d records", len(records))
	}
	if records[0].ID != "doc-f_chunk_0" {
		t.Errorf("stored record id = %s, want doc-f_chunk_0", records[0].ID)
	}
}

func TestSiblingDocumentsUnaffectedByFailure(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{failMarker: "poison"}
	ingestor := newTestIngestor(t, store, embedder)

	docs := []models.ProcessedDocument{
		{ID: "doc-ok", Content: multiParagraph("one", "two")},
		{ID: "doc-bad", Content: multiParagraph("poison")},
	}
	report, err := ingestor.Run(context.Background(), testOptions(false), docs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Succeeded != 1 || report.Failed != 1 {
		t.Errorf("expected one success and one failure, report: %+v", report)
	}
	if got := len(store.recordsForParent("doc-ok")); got != 2 {
		t.Errorf("healthy sibling lost records: %d", got)
	}
}

func TestDuplicateDocumentIDProcessedOnce(t *testing.T) {
	store := newFakeStore()
	embedder := &fakeEmbedder{}
	ingestor := newTestIngestor(t, store, embedder)

	docs := []models.ProcessedDocument{
		{ID: "doc-dup", Content: multiParagraph("one", "two")},
		{ID: "doc-dup", Content: multiParagraph("different", "content", "here")},
	}
	report, err := ingestor.Run(context.Background(), testOptions(false), docs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Documents) != 1 {
		t.Errorf("expected a single result for duplicate ids, got %d", len(report.Documents))
	}
}

func TestRunRejectsBadOptions(t *testing.T) {
	store := newFakeStore()
	ingestor := newTestIngestor(t, store, &fakeEmbedder{})

	opts := testOptions(false)
	opts.MaxTokens = 0
	if _, err := ingestor.Run(context.Background(), opts, nil); err == nil {
		t.Error("expected error for zero max tokens")
	}

	opts = testOptions(false)
	opts.Dimension = 0
	if _, err := ingestor.Run(context.Background(), opts, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
}
