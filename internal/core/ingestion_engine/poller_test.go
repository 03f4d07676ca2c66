package ingestion_engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/core/coretest"
	"github.com/veridoc-ai/veridoc/internal/models"
)

type pollerFixture struct {
	db     *coretest.FakeDB
	ocr    *coretest.FakeOCR
	poller *BatchPoller
}

func newPollerFixture(t *testing.T, maxAttempts int) *pollerFixture {
	t.Helper()
	f := newPipelineFixture(t, &coretest.FakeExtractor{})
	poller := NewBatchPoller(f.db, f.ocr, f.ing, 2*time.Millisecond, maxAttempts)
	return &pollerFixture{db: f.db, ocr: f.ocr, poller: poller}
}

// seedBatchDocument puts a document into the batch-wait state with a running
// OCR job, as the worker leaves it after submission.
func (f *pollerFixture) seedBatchDocument(t *testing.T, status string) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{
		ID: "d1", UserID: "u1", FileName: "scan.png",
		StorageURL:  "https://test-bucket.s3.us-east-2.amazonaws.com/users/u1/documents/d1/scan.png",
		ContentType: "image/png",
		Status:      status,
		Progress:    20,
	}
	if err := f.db.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("seed doc: %v", err)
	}
	job := &models.ProcessingJob{
		ID: "j1", DocumentID: "d1",
		Type: models.JobTypeBatchOCR, OperationRef: "op-1", Status: models.JobRunning,
	}
	if err := f.db.CreateProcessingJob(ctx, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestPollerStopsWhenDocumentMovedOn(t *testing.T) {
	f := newPollerFixture(t, 10)
	f.seedBatchDocument(t, models.StatusProcessingLocked)

	f.poller.Run(context.Background(), "d1")

	if f.ocr.PollCount() != 0 {
		t.Fatalf("poller polled %d times for a locked document, want 0", f.ocr.PollCount())
	}
	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusProcessingLocked {
		t.Fatalf("status changed to %s", doc.Status)
	}
}

func TestPollerAdvancesProgressWhileWaiting(t *testing.T) {
	f := newPollerFixture(t, 3)
	f.ocr.PollFn = func(ctx context.Context, ref string) (*core.OCRResult, error) {
		return &core.OCRResult{Done: false}, nil
	}
	f.seedBatchDocument(t, models.StatusBatchQueued)

	f.poller.Run(context.Background(), "d1")

	events := f.db.Progress("d1")
	if len(events) == 0 {
		t.Fatal("expected wait-band progress updates")
	}
	for _, ev := range events {
		if ev.Status != models.StatusBatchProcessing {
			t.Fatalf("wait updates must use batch_processing, got %s", ev.Status)
		}
		if ev.Progress > pctBatchWaitEnd {
			t.Fatalf("wait progress %v exceeded the wait band", ev.Progress)
		}
	}
}

func TestPollerStopsWhenLockedMidPoll(t *testing.T) {
	f := newPollerFixture(t, 10)
	f.seedBatchDocument(t, models.StatusBatchProcessing)
	ctx := context.Background()

	// A concurrent invocation wins the processing lock while this poll is in
	// flight; the wait-band update must not land on top of it.
	f.ocr.PollFn = func(ctx context.Context, ref string) (*core.OCRResult, error) {
		locked, err := f.db.TryLockProcessing(ctx, "d1")
		if err != nil || !locked {
			t.Errorf("concurrent lock: locked=%v err=%v", locked, err)
		}
		return &core.OCRResult{Done: false}, nil
	}

	f.poller.Run(ctx, "d1")

	doc, _ := f.db.GetDocumentByID(ctx, "d1")
	if doc.Status != models.StatusProcessingLocked {
		t.Fatalf("wait update overwrote the lock: status = %s", doc.Status)
	}
	if f.ocr.PollCount() != 1 {
		t.Fatalf("poller kept polling after losing the lock: %d polls", f.ocr.PollCount())
	}
	if again, _ := f.db.TryLockProcessing(ctx, "d1"); again {
		t.Fatal("processing lock acquired twice for the same document")
	}
}

func TestWaitProgressRejectedAfterLock(t *testing.T) {
	f := newPollerFixture(t, 10)
	f.seedBatchDocument(t, models.StatusBatchQueued)
	ctx := context.Background()

	locked, err := f.db.TryLockProcessing(ctx, "d1")
	if err != nil || !locked {
		t.Fatalf("first lock: locked=%v err=%v", locked, err)
	}

	// A stale wait update arriving after the lock must be a no-op.
	ok, err := f.db.UpdateBatchWaitProgress(ctx, "d1", 30, "waiting for text recognition")
	if err != nil {
		t.Fatalf("UpdateBatchWaitProgress: %v", err)
	}
	if ok {
		t.Fatal("wait update applied to a locked document")
	}
	doc, _ := f.db.GetDocumentByID(ctx, "d1")
	if doc.Status != models.StatusProcessingLocked {
		t.Fatalf("status = %s, want processing_locked", doc.Status)
	}
	if again, _ := f.db.TryLockProcessing(ctx, "d1"); again {
		t.Fatal("processing lock acquired twice for the same document")
	}
}

func TestPollerTimesOutAfterAttemptBudget(t *testing.T) {
	f := newPollerFixture(t, 3)
	f.ocr.PollFn = func(ctx context.Context, ref string) (*core.OCRResult, error) {
		return &core.OCRResult{Done: false}, nil
	}
	f.seedBatchDocument(t, models.StatusBatchQueued)

	f.poller.Run(context.Background(), "d1")

	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusError {
		t.Fatalf("status = %s, want error after timeout", doc.Status)
	}
	if doc.Progress != 0 {
		t.Fatalf("error state must reset progress, got %v", doc.Progress)
	}
	job, _ := f.db.GetLatestJobByDocument(context.Background(), "d1")
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
}

func TestPollerProviderFailureFailsDocument(t *testing.T) {
	f := newPollerFixture(t, 10)
	f.ocr.PollFn = func(ctx context.Context, ref string) (*core.OCRResult, error) {
		return &core.OCRResult{Done: true, Failed: true, StatusMessage: "unreadable scan"}, nil
	}
	f.seedBatchDocument(t, models.StatusBatchQueued)

	f.poller.Run(context.Background(), "d1")

	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusError {
		t.Fatalf("status = %s, want error", doc.Status)
	}
	if doc.ErrorMessage != "unreadable scan" {
		t.Fatalf("error message = %q, want the provider's message", doc.ErrorMessage)
	}
}

func TestPollerTransientErrorsBurnAttemptsOnly(t *testing.T) {
	f := newPollerFixture(t, 3)
	calls := 0
	f.ocr.PollFn = func(ctx context.Context, ref string) (*core.OCRResult, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("throttled")
		}
		return &core.OCRResult{Done: true, Pages: []core.OCRPage{{PageNumber: 1, Text: "recovered text"}}}, nil
	}
	f.seedBatchDocument(t, models.StatusBatchQueued)

	f.poller.Run(context.Background(), "d1")

	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusProcessed {
		t.Fatalf("status = %s, want processed after transient errors resolve", doc.Status)
	}
}

func TestPollerMissingOperationRefFails(t *testing.T) {
	f := newPollerFixture(t, 10)
	ctx := context.Background()
	doc := &models.Document{ID: "d1", UserID: "u1", Status: models.StatusBatchQueued}
	if err := f.db.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	// No job was ever recorded.
	f.poller.Run(ctx, "d1")

	got, _ := f.db.GetDocumentByID(ctx, "d1")
	if got.Status != models.StatusError {
		t.Fatalf("status = %s, want error when no operation is recorded", got.Status)
	}
}

func TestPollProgressStaysInWaitBand(t *testing.T) {
	if got := pollProgress(1, 300); got <= pctBatchSubmitted || got > pctBatchWaitEnd {
		t.Fatalf("pollProgress(1,300) = %v, outside (%v, %v]", got, pctBatchSubmitted, pctBatchWaitEnd)
	}
	if got := pollProgress(300, 300); got != pctBatchWaitEnd {
		t.Fatalf("pollProgress(300,300) = %v, want %v", got, pctBatchWaitEnd)
	}
	if got := pollProgress(999, 300); got != pctBatchWaitEnd {
		t.Fatalf("pollProgress must clamp, got %v", got)
	}
}
