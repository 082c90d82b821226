package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"docindex/internal/models"
	"docindex/internal/vectordb"
	"docindex/pkg/logger"
)

// groupOverfetch is the multiple of the requested limit fetched when grouping,
// so each parent has enough chunk candidates before truncation.
const groupOverfetch = 3

// topChunksPerGroup caps the supporting chunk hits attached to each group.
const topChunksPerGroup = 3

// SearchRequest describes one similarity search.
type SearchRequest struct {
	Query       string
	Collection  string
	Limit       int
	GroupChunks bool
	Filters     map[string]any
}

// SearchResponse holds either grouped document-level results or raw hits,
// depending on the request's GroupChunks flag.
type SearchResponse struct {
	Groups []models.GroupedResult `json:"groups,omitempty"`
	Hits   []models.SearchHit     `json:"hits,omitempty"`
}

// Searcher embeds queries and ranks vector store hits, grouping chunk hits
// into document-level results when requested.
type Searcher struct {
	embedder Embedder
	store    vectordb.Store
	log      *logger.Logger
}

// NewSearcher creates a Searcher over the given store.
func NewSearcher(embedder Embedder, store vectordb.Store, log *logger.Logger) *Searcher {
	return &Searcher{embedder: embedder, store: store, log: log}
}

// Search embeds the query and returns ranked results. With GroupChunks set,
// chunk hits sharing a parent collapse into one result scored by the best
// contributing hit.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	vector, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	fetchLimit := req.Limit
	if req.GroupChunks {
		fetchLimit = req.Limit * groupOverfetch
	}
	hits, err := s.store.Query(ctx, req.Collection, vector, fetchLimit, req.Filters)
	if err != nil {
		return nil, err
	}

	sortHits(hits)
	if !req.GroupChunks {
		if len(hits) > req.Limit {
			hits = hits[:req.Limit]
		}
		return &SearchResponse{Hits: hits}, nil
	}

	groups := groupByParent(hits)
	if len(groups) > req.Limit {
		groups = groups[:req.Limit]
	}
	return &SearchResponse{Groups: groups}, nil
}

// sortHits orders hits by descending similarity, breaking ties by record id
// ascending so repeated identical queries return identical orderings.
func sortHits(hits []models.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].RecordID < hits[j].RecordID
	})
}

// groupByParent collapses chunk hits into one result per parent document.
// Whole-document hits pass through as single-member groups. Hits must already
// be sorted; group order follows each group's best hit.
func groupByParent(hits []models.SearchHit) []models.GroupedResult {
	byParent := make(map[string]*models.GroupedResult)
	var order []string

	keyOf := func(hit models.SearchHit) string {
		if hit.IsChunk && hit.ParentID != "" {
			return hit.ParentID
		}
		return hit.RecordID
	}

	for _, hit := range hits {
		key := keyOf(hit)
		group, ok := byParent[key]
		if !ok {
			group = &models.GroupedResult{
				ParentID:   key,
				Title:      hit.Title,
				Similarity: hit.Similarity,
			}
			byParent[key] = group
			order = append(order, key)
		}
		if hit.IsChunk && hit.ParentID != "" {
			group.Chunks = append(group.Chunks, hit)
			if hit.Similarity > group.Similarity {
				group.Similarity = hit.Similarity
			}
		} else if group.Content == "" {
			group.Content = hit.Content
		}
	}

	results := make([]models.GroupedResult, 0, len(order))
	for _, key := range order {
		group := byParent[key]
		finishGroup(group)
		results = append(results, *group)
	}
	// Input order already ranks groups by best hit; re-sort only to apply the
	// record-id tie-break at the group level.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ParentID < results[j].ParentID
	})
	return results
}

// finishGroup joins the group's chunk contents in document order and trims the
// supporting chunk list to the top hits sorted by similarity.
func finishGroup(group *models.GroupedResult) {
	if len(group.Chunks) == 0 {
		return
	}
	byIndex := make([]models.SearchHit, len(group.Chunks))
	copy(byIndex, group.Chunks)
	sort.SliceStable(byIndex, func(i, j int) bool {
		return byIndex[i].ChunkIndex < byIndex[j].ChunkIndex
	})
	parts := make([]string, len(byIndex))
	for i, c := range byIndex {
		parts[i] = c.Content
	}
	group.Content = strings.Join(parts, "\n\n")

	sortHits(group.Chunks)
	if len(group.Chunks) > topChunksPerGroup {
		group.Chunks = group.Chunks[:topChunksPerGroup]
	}
}
