package pipeline

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"docindex/internal/models"
	"docindex/pkg/logger"
)

func newTestSearcher(store *fakeStore) *Searcher {
	logger.Init(logrus.ErrorLevel)
	return NewSearcher(&fakeEmbedder{}, store, logger.New("test", ""))
}

func chunkHit(parentID string, index int, similarity float64) models.SearchHit {
	return models.SearchHit{
		ParentID:   parentID,
		ChunkIndex: index,
		IsChunk:    true,
		Content:    parentID + " chunk " + string(rune('0'+index)),
		Similarity: similarity,
	}
}

func TestGroupingCorrectness(t *testing.T) {
	store := newFakeStore()
	hitA0 := chunkHit("doc-a", 0, 0.9)
	hitA0.RecordID = "doc-a_chunk_0"
	hitA1 := chunkHit("doc-a", 1, 0.7)
	hitA1.RecordID = "doc-a_chunk_1"
	hitB0 := chunkHit("doc-b", 0, 0.95)
	hitB0.RecordID = "doc-b_chunk_0"
	store.queryHits = []models.SearchHit{hitA0, hitA1, hitB0}

	searcher := newTestSearcher(store)
	resp, err := searcher.Search(context.Background(), SearchRequest{
		Query: "how do I configure this", Collection: "testdocs", Limit: 2, GroupChunks: true,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	groups := resp.Groups
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].ParentID != "doc-b" || groups[0].Similarity != 0.95 {
		t.Errorf("group 0 = %s (%.2f), want doc-b (0.95)", groups[0].ParentID, groups[0].Similarity)
	}
	if groups[1].ParentID != "doc-a" || groups[1].Similarity != 0.9 {
		t.Errorf("group 1 = %s (%.2f), want doc-a (0.90)", groups[1].ParentID, groups[1].Similarity)
	}

	chunks := groups[1].Chunks
	if len(chunks) != 2 {
		t.Fatalf("doc-a group should list both contributing hits, got %d", len(chunks))
	}
	if chunks[0].Similarity != 0.9 || chunks[1].Similarity != 0.7 {
		t.Errorf("doc-a chunks not sorted by similarity: [%.2f, %.2f]", chunks[0].Similarity, chunks[1].Similarity)
	}
}

func TestGroupContentJoinsChunksInDocumentOrder(t *testing.T) {
	store := newFakeStore()
	late := chunkHit("doc-a", 2, 0.9)
	late.RecordID = "doc-a_chunk_2"
	late.Content = "third part"
	early := chunkHit("doc-a", 0, 0.8)
	early.RecordID = "doc-a_chunk_0"
	early.Content = "first part"
	store.queryHits = []models.SearchHit{late, early}

	searcher := newTestSearcher(store)
	resp, err := searcher.Search(context.Background(), SearchRequest{
		Query: "anything", Collection: "testdocs", Limit: 5, GroupChunks: true,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(resp.Groups))
	}
	if got, want := resp.Groups[0].Content, "first part\n\nthird part"; got != want {
		t.Errorf("group content = %q, want %q", got, want)
	}
}

func TestDeterministicTieBreak(t *testing.T) {
	store := newFakeStore()
	store.queryHits = []models.SearchHit{
		{RecordID: "doc-2", Content: "two", Similarity: 0.5},
		{RecordID: "doc-1", Content: "one", Similarity: 0.5},
	}

	searcher := newTestSearcher(store)
	resp, err := searcher.Search(context.Background(), SearchRequest{
		Query: "tie", Collection: "testdocs", Limit: 10, GroupChunks: false,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	hits := resp.Hits
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].RecordID != "doc-1" || hits[1].RecordID != "doc-2" {
		t.Errorf("tie not broken by record id: [%s, %s]", hits[0].RecordID, hits[1].RecordID)
	}
}

func TestGroupingOverfetchesStore(t *testing.T) {
	store := newFakeStore()
	searcher := newTestSearcher(store)

	if _, err := searcher.Search(context.Background(), SearchRequest{
		Query: "q", Collection: "testdocs", Limit: 4, GroupChunks: true,
	}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if store.queryLimit != 4*groupOverfetch {
		t.Errorf("grouped query fetched %d hits, want %d", store.queryLimit, 4*groupOverfetch)
	}

	if _, err := searcher.Search(context.Background(), SearchRequest{
		Query: "q", Collection: "testdocs", Limit: 4, GroupChunks: false,
	}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if store.queryLimit != 4 {
		t.Errorf("ungrouped query fetched %d hits, want 4", store.queryLimit)
	}
}

func TestWholeDocumentHitsPassThroughGrouping(t *testing.T) {
	store := newFakeStore()
	store.queryHits = []models.SearchHit{
		{RecordID: "doc-whole", Content: "entire document", Similarity: 0.8},
		{RecordID: "doc-a_chunk_0", ParentID: "doc-a", IsChunk: true, Content: "chunk", Similarity: 0.6},
	}

	searcher := newTestSearcher(store)
	resp, err := searcher.Search(context.Background(), SearchRequest{
		Query: "mixed", Collection: "testdocs", Limit: 5, GroupChunks: true,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(resp.Groups))
	}
	if resp.Groups[0].ParentID != "doc-whole" || resp.Groups[0].Content != "entire document" {
		t.Errorf("whole-document hit mangled by grouping: %+v", resp.Groups[0])
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	searcher := newTestSearcher(newFakeStore())
	if _, err := searcher.Search(context.Background(), SearchRequest{Query: "  ", Collection: "testdocs"}); err == nil {
		t.Error("expected error for empty query")
	}
}
