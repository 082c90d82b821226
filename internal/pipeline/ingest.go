package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"docindex/internal/chunker"
	"docindex/internal/embedding"
	"docindex/internal/models"
	"docindex/internal/vectordb"
	"docindex/pkg/logger"
)

// Embedder is the slice of embedding.Client the pipeline depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) []embedding.BatchItem
}

// IngestOptions configures one ingestion run.
type IngestOptions struct {
	Source        string
	Collection    string
	ChunkMode     chunker.Mode
	MaxTokens     int
	Overlap       int
	Dimension     int
	Incremental   bool
	MaxConcurrent int
}

// Ingestor drives documents through chunking, embedding and storage. Each
// document moves through PENDING, CHUNKING, EMBEDDING, STORING to DONE, with
// FAILED reachable from any stage; failures are isolated per document and
// aggregated into the run report.
type Ingestor struct {
	chunker  *chunker.Chunker
	embedder Embedder
	store    vectordb.Store
	tracker  *Tracker
	log      *logger.Logger
}

// NewIngestor wires the pipeline stages together. The tracker may be nil when
// incremental mode is never used.
func NewIngestor(ch *chunker.Chunker, embedder Embedder, store vectordb.Store, tracker *Tracker, log *logger.Logger) *Ingestor {
	return &Ingestor{chunker: ch, embedder: embedder, store: store, tracker: tracker, log: log}
}

// Run ingests a batch of documents into the collection. Documents are
// processed concurrently up to MaxConcurrent; a failure in one never cancels
// its siblings. The returned error is reserved for run-level aborts
// (configuration or backend-unavailable before any document work).
func (in *Ingestor) Run(ctx context.Context, opts IngestOptions, docs []models.ProcessedDocument) (*models.Report, error) {
	if opts.MaxTokens <= 0 {
		return nil, fmt.Errorf("max tokens per chunk must be positive, got %d", opts.MaxTokens)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", opts.Dimension)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Incremental && in.tracker == nil {
		return nil, fmt.Errorf("incremental mode requires a document tracker")
	}

	if err := in.store.EnsureCollection(ctx, opts.Collection, opts.Dimension); err != nil {
		return nil, fmt.Errorf("failed to ensure collection %s: %w", opts.Collection, err)
	}

	report := &models.Report{Collection: opts.Collection}
	var mu sync.Mutex

	// One worker per parent id: duplicate ids in the batch would race on
	// delete-before-store, so only the first occurrence is processed.
	seen := make(map[string]bool, len(docs))

	var g errgroup.Group
	g.SetLimit(opts.MaxConcurrent)
	for i := range docs {
		doc := &docs[i]
		if seen[doc.ID] {
			in.log.Warn(fmt.Sprintf("duplicate document id %s in batch, ignoring later occurrence", doc.ID))
			continue
		}
		seen[doc.ID] = true

		g.Go(func() error {
			res := in.ingestDocument(ctx, opts, doc)
			mu.Lock()
			report.Add(res)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	in.log.Info(fmt.Sprintf("ingestion run for %s: %d succeeded, %d skipped, %d failed",
		opts.Collection, report.Succeeded, report.Skipped, report.Failed))
	return report, nil
}

func (in *Ingestor) ingestDocument(ctx context.Context, opts IngestOptions, doc *models.ProcessedDocument) models.DocumentResult {
	res := models.DocumentResult{DocumentID: doc.ID, State: models.StatePending}

	if err := ctx.Err(); err != nil {
		res.State = models.StateFailed
		res.Err = err
		return res
	}

	if opts.Incremental {
		changed, err := in.tracker.HasChanged(opts.Source, doc)
		if err != nil {
			res.State = models.StateFailed
			res.Err = err
			return res
		}
		if !changed {
			res.State = models.StateSkipped
			return res
		}
	}

	res.State = models.StateChunking
	chunks, err := in.chunker.Chunk(doc, chunker.Options{
		Mode:      opts.ChunkMode,
		MaxTokens: opts.MaxTokens,
		Overlap:   opts.Overlap,
	})
	if err != nil {
		res.State = models.StateFailed
		res.Err = fmt.Errorf("chunking failed: %w", err)
		return res
	}

	res.State = models.StateEmbedding
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	items := in.embedder.EmbedBatch(ctx, texts)
	embedded := chunks[:0:0]
	for i, item := range items {
		if item.Err != nil {
			res.FailedChunks = append(res.FailedChunks, i)
			res.Err = fmt.Errorf("embedding chunk %d failed: %w", i, item.Err)
			continue
		}
		chunk := chunks[i]
		chunk.Embedding = item.Vector
		embedded = append(embedded, chunk)
	}

	// A batch with no surviving embeddings has nothing to write; deleting the
	// previous records now would leave the document gone from the store.
	if len(embedded) == 0 && len(chunks) > 0 {
		res.State = models.StateFailed
		return res
	}

	// Surviving chunks are still stored even when siblings failed, so a later
	// run only has the failed subset left to redo.
	res.State = models.StateStoring

	// Cancellation stops new embedding calls above, but records that were
	// already embedded are written with a detached context so the document is
	// not left half-replaced.
	storeCtx := context.WithoutCancel(ctx)

	// Stale records must be gone before any new write for this parent; a
	// shrinking chunk count must not leave orphans behind.
	if err := in.store.Delete(storeCtx, opts.Collection, doc.ID); err != nil {
		res.State = models.StateFailed
		res.Err = fmt.Errorf("failed to delete previous records: %w", err)
		return res
	}

	records := buildRecords(doc, embedded, len(chunks))
	res.Chunks = len(records)
	if len(records) > 0 {
		failures, err := in.store.Upsert(storeCtx, opts.Collection, records)
		if err != nil {
			res.State = models.StateFailed
			res.Err = fmt.Errorf("storing failed: %w", err)
			return res
		}
		for _, f := range failures {
			res.Err = fmt.Errorf("storing record %s failed: %w", f.RecordID, f.Err)
		}
		if len(failures) > 0 {
			res.State = models.StateFailed
			return res
		}
	}

	if len(res.FailedChunks) > 0 {
		res.State = models.StateFailed
		return res
	}

	if in.tracker != nil {
		// Record the hash only after a full success so a failed document is
		// retried on the next incremental run.
		if _, _, err := in.tracker.Update(opts.Source, doc); err != nil {
			in.log.Warn(fmt.Sprintf("failed to update tracker for %s: %v", doc.ID, err))
		}
	}
	res.State = models.StateDone
	return res
}

// buildRecords converts embedded chunks into stored records. A document that
// fits in a single chunk is stored as one whole-document record; otherwise
// every chunk becomes its own record carrying parent linkage metadata.
func buildRecords(doc *models.ProcessedDocument, chunks []models.Chunk, totalChunks int) []models.StoredRecord {
	if len(chunks) == 0 {
		return nil
	}
	if totalChunks == 1 {
		return []models.StoredRecord{{
			ID:          doc.ID,
			Title:       doc.Title,
			Content:     doc.Content,
			ContentHash: doc.Hash(),
			Embedding:   chunks[0].Embedding,
			Metadata:    doc.Metadata,
		}}
	}
	records := make([]models.StoredRecord, 0, len(chunks))
	for _, c := range chunks {
		metadata := map[string]any{
			"parent_id":   doc.ID,
			"chunk_index": c.Index,
			"chunk_count": totalChunks,
			"is_chunk":    true,
		}
		if c.Truncated {
			metadata["truncated"] = true
		}
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		records = append(records, models.StoredRecord{
			ID:          c.ChunkID(),
			ParentID:    doc.ID,
			ChunkIndex:  c.Index,
			IsChunk:     true,
			Title:       doc.Title,
			Content:     c.Text,
			ContentHash: doc.Hash(),
			Embedding:   c.Embedding,
			Metadata:    metadata,
		})
	}
	return records
}
