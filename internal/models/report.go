package models

// DocumentState tracks a document's progress through one ingestion run.
type DocumentState string

const (
	StatePending   DocumentState = "PENDING"
	StateChunking  DocumentState = "CHUNKING"
	StateEmbedding DocumentState = "EMBEDDING"
	StateStoring   DocumentState = "STORING"
	StateDone      DocumentState = "DONE"
	StateSkipped   DocumentState = "SKIPPED"
	StateFailed    DocumentState = "FAILED"
)

// DocumentResult is the per-document outcome of an ingestion run.
type DocumentResult struct {
	DocumentID string
	State      DocumentState
	Chunks     int
	// FailedChunks lists the chunk indexes whose embedding exhausted retries.
	FailedChunks []int
	Err          error
}

// RunOutcome classifies a finished ingestion run.
type RunOutcome string

const (
	RunCompleted   RunOutcome = "completed"
	RunPartial     RunOutcome = "completed_with_failures"
	RunConfigError RunOutcome = "config_error"
)

// Report summarizes an ingestion run: one entry per input document plus
// aggregate counts. Per-document failures are collected here rather than
// aborting the run.
type Report struct {
	Collection string
	Documents  []DocumentResult
	Succeeded  int
	Failed     int
	Skipped    int
}

// Outcome reduces the report to the run-level exit classification.
func (r *Report) Outcome() RunOutcome {
	if r.Failed > 0 {
		return RunPartial
	}
	return RunCompleted
}

// Add records one document result and updates the aggregate counts.
func (r *Report) Add(res DocumentResult) {
	r.Documents = append(r.Documents, res)
	switch res.State {
	case StateDone:
		r.Succeeded++
	case StateSkipped:
		r.Skipped++
	case StateFailed:
		r.Failed++
	}
}
