package ingestion_engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/models"
)

// BatchPoller watches an external OCR operation for a document on a fixed
// interval, bounded by a maximum attempt budget. It is idempotent against
// concurrent invocation for the same document: post-processing is triggered
// only by the one caller that wins the processing_locked transition, and that
// guard lives on the document row, so it holds across process restarts.
type BatchPoller struct {
	db          core.DbClient
	ocr         core.OCRProvider
	ing         *DocumentIngestor
	interval    time.Duration
	maxAttempts int
}

func NewBatchPoller(db core.DbClient, ocr core.OCRProvider, ing *DocumentIngestor, interval time.Duration, maxAttempts int) *BatchPoller {
	return &BatchPoller{db: db, ocr: ocr, ing: ing, interval: interval, maxAttempts: maxAttempts}
}

// Schedule starts polling for one document in the background.
func (p *BatchPoller) Schedule(docID string) {
	go p.Run(context.Background(), docID)
}

// Run polls until the operation resolves, the document moves on, or the
// attempt budget runs out.
func (p *BatchPoller) Run(ctx context.Context, docID string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if done := p.tick(ctx, docID, attempt); done {
			return
		}
	}

	p.failDocument(ctx, docID, fmt.Sprintf(
		"text recognition timed out after %s", time.Duration(p.maxAttempts)*p.interval))
}

// tick performs one poll. Returns true when polling should stop.
func (p *BatchPoller) tick(ctx context.Context, docID string, attempt int) bool {
	doc, err := p.db.GetDocumentByID(ctx, docID)
	if err != nil {
		log.Printf("poller: load doc %s: %v", docID, err)
		return false
	}
	// Anything outside the two batch-wait states means another invocation
	// already took over (or the document terminated); no-op.
	if doc == nil || (doc.Status != models.StatusBatchQueued && doc.Status != models.StatusBatchProcessing) {
		return true
	}

	job, err := p.db.GetLatestJobByDocument(ctx, docID)
	if err != nil || job == nil || job.OperationRef == "" {
		p.failDocument(ctx, docID, "no batch operation recorded for document")
		return true
	}
	tr := tracker{db: p.db, docID: docID, jobID: job.ID}

	res, err := p.ocr.Poll(ctx, job.OperationRef)
	if err != nil {
		// Transient poll failures burn an attempt but do not fail the run.
		log.Printf("poller: poll %s (attempt %d): %v", job.OperationRef, attempt, err)
		return false
	}

	if !res.Done {
		// The wait-band update is conditional on the document still being in
		// a batch-wait state. A false return means another invocation locked
		// or terminated the document while this poll was in flight; writing
		// the status unconditionally here would re-open the processing lock.
		alive, err := p.db.UpdateBatchWaitProgress(ctx, docID, pollProgress(attempt, p.maxAttempts), "waiting for text recognition")
		if err != nil {
			log.Printf("poller: wait progress doc %s: %v", docID, err)
			return false
		}
		return !alive
	}

	if res.Failed {
		msg := res.StatusMessage
		if msg == "" {
			msg = "text recognition failed"
		}
		tr.fail(ctx, msg)
		return true
	}

	locked, err := p.db.TryLockProcessing(ctx, docID)
	if err != nil {
		log.Printf("poller: lock doc %s: %v", docID, err)
		return false
	}
	if !locked {
		// Another worker is already post-processing.
		return true
	}

	tr.update(ctx, models.StatusProcessing, pctResultsFetched, "fetched recognition results")

	segments := make([]core.ExtractedSegment, 0, len(res.Pages))
	for _, page := range res.Pages {
		n := page.PageNumber
		segments = append(segments, core.ExtractedSegment{
			Text:      page.Text,
			PageStart: &n,
			PageEnd:   &n,
		})
	}

	if err := p.ing.postProcess(ctx, doc, tr, segments); err != nil {
		log.Printf("poller: post-processing doc %s: %v", docID, err)
	}
	return true
}

func (p *BatchPoller) failDocument(ctx context.Context, docID, message string) {
	if err := p.db.MarkDocumentError(ctx, docID, message); err != nil {
		log.Printf("poller: marking doc %s failed: %v", docID, err)
	}
	if job, err := p.db.GetLatestJobByDocument(ctx, docID); err == nil && job != nil {
		if err := p.db.UpdateProcessingJob(ctx, job.ID, "", "", models.JobFailed, message); err != nil {
			log.Printf("poller: marking job %s failed: %v", job.ID, err)
		}
	}
}
