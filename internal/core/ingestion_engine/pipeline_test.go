package ingestion_engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/core/coretest"
	"github.com/veridoc-ai/veridoc/internal/models"
)

type pipelineFixture struct {
	db       *coretest.FakeDB
	obj      *coretest.FakeObjectStore
	provider *coretest.FakeEmbeddingProvider
	ocr      *coretest.FakeOCR
	llm      *coretest.FakeLLM
	ing      *DocumentIngestor
}

func newPipelineFixture(t *testing.T, extractor core.LocalExtractor) *pipelineFixture {
	t.Helper()
	db := coretest.NewFakeDB()
	obj := coretest.NewFakeObjectStore()
	provider := &coretest.FakeEmbeddingProvider{}
	ocrClient := &coretest.FakeOCR{}
	llm := &coretest.FakeLLM{Answer: "a short summary"}

	cfg := &IngestConfig{
		Bucket:          "test-bucket",
		ChunkMethod:     "recursive",
		TargetTokens:    50,
		OverlapTokens:   5,
		PollInterval:    5 * time.Millisecond,
		PollMaxAttempts: 50,
	}
	ing := NewDocumentIngestor(db, obj, provider, ocrClient, llm, extractor, cfg)
	return &pipelineFixture{db: db, obj: obj, provider: provider, ocr: ocrClient, llm: llm, ing: ing}
}

func (f *pipelineFixture) seedDocument(t *testing.T, contentType string, data []byte) *models.Document {
	t.Helper()
	ctx := context.Background()
	url, err := f.obj.UploadFile(ctx, "test-bucket", "users/u1/documents/d1/file", strings.NewReader(string(data)), contentType)
	if err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	doc := &models.Document{
		ID: "d1", UserID: "u1", FileName: "file",
		StorageURL: url, ContentType: contentType,
		Status: models.StatusQueued,
	}
	if err := f.db.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return doc
}

func (f *pipelineFixture) waitForStatus(t *testing.T, docID string, statuses ...string) *models.Document {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doc, _ := f.db.GetDocumentByID(context.Background(), docID)
		if doc != nil {
			for _, s := range statuses {
				if doc.Status == s {
					return doc
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	doc, _ := f.db.GetDocumentByID(context.Background(), docID)
	t.Fatalf("document %s never reached %v, stuck at %+v", docID, statuses, doc)
	return nil
}

func textNativeExtractor() *coretest.FakeExtractor {
	text := strings.Repeat("plenty of embedded body text on this page. ", 10)
	return &coretest.FakeExtractor{Res: &core.LocalExtraction{
		PageCount: 2,
		Segments: []core.ExtractedSegment{
			{Text: text, PageStart: intp(1), PageEnd: intp(1)},
			{Text: text, PageStart: intp(2), PageEnd: intp(2)},
		},
		WordCount: 140,
		CharCount: 800,
	}}
}

func TestProcessOneLocalRouteCompletes(t *testing.T) {
	f := newPipelineFixture(t, textNativeExtractor())
	f.seedDocument(t, "application/pdf", pdfWithFonts)

	if err := f.ing.processOne(context.Background(), "d1"); err != nil {
		t.Fatalf("processOne: %v", err)
	}

	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusProcessed || doc.Progress != 100 {
		t.Fatalf("doc = %s/%v, want processed/100", doc.Status, doc.Progress)
	}
	if doc.Summary == "" {
		t.Fatal("expected a stored summary")
	}

	chunks, _ := f.db.GetChunksByDocument(context.Background(), "d1")
	if len(chunks) == 0 {
		t.Fatal("expected persisted chunks")
	}
	for i, ch := range chunks {
		if ch.Position != i {
			t.Fatalf("chunk positions not dense: %d at index %d", ch.Position, i)
		}
		if ch.PageStart == nil {
			t.Fatalf("chunk %d lost its page metadata", i)
		}
	}
	n, _ := f.db.CountVectorsByDocument(context.Background(), "d1")
	if n != len(chunks) {
		t.Fatalf("%d vectors for %d chunks, want 1:1", n, len(chunks))
	}

	job, _ := f.db.GetLatestJobByDocument(context.Background(), "d1")
	if job == nil || job.Status != models.JobCompleted {
		t.Fatalf("job = %+v, want completed", job)
	}
	if f.ocr.Submits != 0 {
		t.Fatalf("local route must not touch the OCR provider, got %d submits", f.ocr.Submits)
	}
}

func TestProcessOneProgressIsMonotonic(t *testing.T) {
	f := newPipelineFixture(t, textNativeExtractor())
	f.seedDocument(t, "application/pdf", pdfWithFonts)

	if err := f.ing.processOne(context.Background(), "d1"); err != nil {
		t.Fatalf("processOne: %v", err)
	}

	events := f.db.Progress("d1")
	if len(events) < 5 {
		t.Fatalf("expected a full progress trail, got %d events", len(events))
	}
	last := -1.0
	for i, ev := range events {
		if ev.Progress < last {
			t.Fatalf("progress regressed at event %d: %v -> %v (%s)", i, last, ev.Progress, ev.Operation)
		}
		last = ev.Progress
	}
	if events[len(events)-1].Progress != 100 {
		t.Fatalf("final progress = %v", events[len(events)-1].Progress)
	}
}

func TestProcessOneBatchRouteSubmitsAndResumes(t *testing.T) {
	// Image upload: always routed to OCR.
	f := newPipelineFixture(t, &coretest.FakeExtractor{})
	pageText := strings.Repeat("recognized line of scanned text. ", 8)
	f.ocr.PollFn = func(ctx context.Context, operationRef string) (*core.OCRResult, error) {
		return &core.OCRResult{Done: true, Pages: []core.OCRPage{
			{PageNumber: 1, Text: pageText},
			{PageNumber: 2, Text: pageText},
		}}, nil
	}
	f.seedDocument(t, "image/png", []byte("not really a png"))

	if err := f.ing.processOne(context.Background(), "d1"); err != nil {
		t.Fatalf("processOne: %v", err)
	}

	// The worker's half ends at batch_queued with the operation recorded.
	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusBatchQueued && doc.Status != models.StatusProcessed {
		t.Fatalf("after submit, status = %s", doc.Status)
	}
	if f.ocr.Submits != 1 {
		t.Fatalf("expected exactly one OCR submission, got %d", f.ocr.Submits)
	}

	// The poller picks it up and finishes the back half.
	doc = f.waitForStatus(t, "d1", models.StatusProcessed)
	if doc.Progress != 100 {
		t.Fatalf("progress = %v", doc.Progress)
	}

	chunks, _ := f.db.GetChunksByDocument(context.Background(), "d1")
	if len(chunks) == 0 {
		t.Fatal("expected chunks from OCR pages")
	}
	sawPage2 := false
	for _, ch := range chunks {
		if ch.PageStart == nil {
			t.Fatal("OCR chunks must carry page numbers")
		}
		if *ch.PageStart == 2 {
			sawPage2 = true
		}
	}
	if !sawPage2 {
		t.Fatal("page 2 never made it into chunks")
	}

	job, _ := f.db.GetLatestJobByDocument(context.Background(), "d1")
	if job.Type != models.JobTypeBatchOCR || job.OperationRef == "" {
		t.Fatalf("job = %+v, want batch_ocr with operation ref", job)
	}
}

func TestStartResumesBatchOperationsAfterRestart(t *testing.T) {
	f := newPipelineFixture(t, &coretest.FakeExtractor{})
	pageText := strings.Repeat("recognized line of scanned text. ", 8)
	f.ocr.PollFn = func(ctx context.Context, ref string) (*core.OCRResult, error) {
		return &core.OCRResult{Done: true, Pages: []core.OCRPage{{PageNumber: 1, Text: pageText}}}, nil
	}

	// A document left mid-batch by a previous process: wait state plus the
	// job carrying the operation handle, but no poller attached to it.
	ctx := context.Background()
	doc := &models.Document{
		ID: "d1", UserID: "u1", FileName: "scan.png",
		StorageURL:  "https://test-bucket.s3.us-east-2.amazonaws.com/users/u1/documents/d1/scan.png",
		ContentType: "image/png",
		Status:      models.StatusBatchProcessing,
		Progress:    30,
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

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	f.ing.Start(startCtx, 1)

	got := f.waitForStatus(t, "d1", models.StatusProcessed)
	if got.Progress != 100 {
		t.Fatalf("progress = %v after resume", got.Progress)
	}
	if f.ocr.Submits != 0 {
		t.Fatalf("resume must reuse the recorded operation, got %d new submissions", f.ocr.Submits)
	}
	chunks, _ := f.db.GetChunksByDocument(ctx, "d1")
	if len(chunks) == 0 {
		t.Fatal("expected chunks from the resumed operation")
	}
}

func TestChunkMethodResolvedPerRun(t *testing.T) {
	// Three paragraphs of four runes each: the recursive splitter breaks on
	// paragraphs, the fixed splitter on rune windows, so a tiny chunk target
	// makes the active method observable in the chunk count.
	extractor := &coretest.FakeExtractor{Res: &core.LocalExtraction{
		PageCount: 1,
		Segments:  []core.ExtractedSegment{{Text: "aaaa\n\nbbbb\n\ncccc"}},
		WordCount: 140,
		CharCount: 800,
	}}
	f := newPipelineFixture(t, extractor)
	f.ing.cfg.TargetTokens = 1
	f.ing.cfg.OverlapTokens = 0

	ctx := context.Background()
	seed := func(id string) {
		url, err := f.obj.UploadFile(ctx, "test-bucket", "users/u1/documents/"+id+"/file",
			strings.NewReader(string(pdfWithFonts)), "application/pdf")
		if err != nil {
			t.Fatalf("seed upload: %v", err)
		}
		doc := &models.Document{
			ID: id, UserID: "u1", FileName: "file",
			StorageURL: url, ContentType: "application/pdf",
			Status: models.StatusQueued,
		}
		if err := f.db.CreateDocument(ctx, doc); err != nil {
			t.Fatalf("seed document: %v", err)
		}
	}

	seed("d1")
	if err := f.ing.processOne(ctx, "d1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := f.db.GetChunksByDocument(ctx, "d1")
	if len(first) != 3 {
		t.Fatalf("recursive method produced %d chunks, want 3", len(first))
	}

	// Reconfigure between runs: the next document must pick up the new
	// method without rebuilding the ingestor.
	f.ing.cfg.ChunkMethod = "fixed"
	seed("d2")
	if err := f.ing.processOne(ctx, "d2"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := f.db.GetChunksByDocument(ctx, "d2")
	if len(second) != 4 {
		t.Fatalf("fixed method produced %d chunks, want 4", len(second))
	}
}

func TestProcessOneZeroChunksIsProcessed(t *testing.T) {
	f := newPipelineFixture(t, &coretest.FakeExtractor{Res: &core.LocalExtraction{
		PageCount: 1,
		Segments:  []core.ExtractedSegment{{Text: "   "}},
	}})
	f.seedDocument(t, "text/plain", []byte("   "))

	if err := f.ing.processOne(context.Background(), "d1"); err != nil {
		t.Fatalf("processOne: %v", err)
	}
	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusProcessed || doc.Progress != 100 {
		t.Fatalf("empty document should be processed/100, got %s/%v", doc.Status, doc.Progress)
	}
	if f.provider.CallCount() != 0 {
		t.Fatal("empty document must not hit the embedding provider")
	}
}

func TestProcessOneChunkVerifyFailureFailsDocument(t *testing.T) {
	f := newPipelineFixture(t, textNativeExtractor())
	f.db.CountChunksFn = func(ctx context.Context, documentID string) (int, error) {
		return 0, nil // read-back sees nothing
	}
	f.seedDocument(t, "application/pdf", pdfWithFonts)

	err := f.ing.processOne(context.Background(), "d1")
	if err == nil || !strings.Contains(err.Error(), "chunk count mismatch") {
		t.Fatalf("expected chunk count mismatch, got %v", err)
	}
	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusError || doc.Progress != 0 {
		t.Fatalf("doc = %s/%v, want error/0", doc.Status, doc.Progress)
	}
	if doc.ErrorMessage == "" {
		t.Fatal("expected the error message to be recorded")
	}
}

func TestProcessOneVectorVerifyFailureFailsDocument(t *testing.T) {
	f := newPipelineFixture(t, textNativeExtractor())
	f.db.GetVectorsFn = func(ctx context.Context, chunkIDs []string) ([]models.ChunkVector, error) {
		return nil, nil // vectors vanished
	}
	f.seedDocument(t, "application/pdf", pdfWithFonts)

	err := f.ing.processOne(context.Background(), "d1")
	if err == nil || !strings.Contains(err.Error(), "vector count mismatch") {
		t.Fatalf("expected vector count mismatch, got %v", err)
	}
	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusError {
		t.Fatalf("doc status = %s, want error", doc.Status)
	}
}

func TestProcessOneEmbeddingFailureFailsDocument(t *testing.T) {
	f := newPipelineFixture(t, textNativeExtractor())
	f.provider.Fn = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("provider down")
	}
	f.seedDocument(t, "application/pdf", pdfWithFonts)

	if err := f.ing.processOne(context.Background(), "d1"); err == nil {
		t.Fatal("expected embedding failure to propagate")
	}
	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusError {
		t.Fatalf("doc status = %s, want error", doc.Status)
	}
	job, _ := f.db.GetLatestJobByDocument(context.Background(), "d1")
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
}

func TestProcessOneSummaryFailureDoesNotFailRun(t *testing.T) {
	f := newPipelineFixture(t, textNativeExtractor())
	f.llm.Fn = func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		return "", errors.New("llm down")
	}
	f.seedDocument(t, "application/pdf", pdfWithFonts)

	if err := f.ing.processOne(context.Background(), "d1"); err != nil {
		t.Fatalf("summary failure must not fail ingestion: %v", err)
	}
	doc, _ := f.db.GetDocumentByID(context.Background(), "d1")
	if doc.Status != models.StatusProcessed {
		t.Fatalf("doc status = %s, want processed", doc.Status)
	}
}
