package ingestion_engine

import (
	"context"
	"log"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/models"
)

// Progress checkpoints for one ingestion run. The exact values are advisory;
// what matters is their ordering. The database clamps updates with GREATEST,
// so a stale report from a retried stage can never move progress backwards.
const (
	pctAnalyzing      = 5.0
	pctExtracted      = 20.0
	pctBatchSubmitted = 20.0
	pctBatchWaitEnd   = 42.0
	pctResultsFetched = 42.0
	pctConfigured     = 50.0
	pctChunked        = 58.0
	pctChunksSaved    = 78.0
	pctEmbedded       = 97.0
	pctDone           = 100.0
)

// tracker couples a document and its processing job for status reporting.
// Progress updates are best-effort: a failed write is logged, never fatal.
type tracker struct {
	db    core.DbClient
	docID string
	jobID string
}

func (t tracker) update(ctx context.Context, status string, pct float64, operation string) {
	if err := t.db.UpdateDocumentProgress(ctx, t.docID, status, pct, operation); err != nil {
		log.Printf("ingest: progress update failed for doc %s: %v", t.docID, err)
	}
}

// embedProgress maps completed embedding waves into the 78-97 band.
func embedProgress(wavesDone, wavesTotal int) float64 {
	if wavesTotal <= 0 {
		return pctEmbedded
	}
	return pctChunksSaved + (pctEmbedded-pctChunksSaved)*float64(wavesDone)/float64(wavesTotal)
}

// pollProgress maps poll attempts into the 20-42 OCR wait band.
func pollProgress(attempt, maxAttempts int) float64 {
	if maxAttempts <= 0 {
		return pctBatchWaitEnd
	}
	pct := pctBatchSubmitted + (pctBatchWaitEnd-pctBatchSubmitted)*float64(attempt)/float64(maxAttempts)
	if pct > pctBatchWaitEnd {
		pct = pctBatchWaitEnd
	}
	return pct
}

// fail drives both the document and the job into their terminal failure
// states. Document progress resets to 0 by MarkDocumentError.
func (t tracker) fail(ctx context.Context, message string) {
	if err := t.db.MarkDocumentError(ctx, t.docID, message); err != nil {
		log.Printf("ingest: marking doc %s failed: %v", t.docID, err)
	}
	if t.jobID != "" {
		if err := t.db.UpdateProcessingJob(ctx, t.jobID, "", "", models.JobFailed, message); err != nil {
			log.Printf("ingest: marking job %s failed: %v", t.jobID, err)
		}
	}
}
