package ingestion_engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/models"
	objectclient "github.com/veridoc-ai/veridoc/internal/core/object-client"
)

// Ingestor is the surface handlers enqueue work through.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(docID string)
}

// DocumentIngestor coordinates the ingestion pipeline for one document at a
// time per worker: route selection, chunking, embedding and persistence, with
// the progress state machine advanced at every stage. Documents routed to
// batch OCR leave the worker early and resume via the poller.
type DocumentIngestor struct {
	db       core.DbClient
	obj      core.ObjectClient
	embedder *Embedder
	selector *ExtractionSelector
	ocr      core.OCRProvider
	llm      core.LLMProvider
	poller   *BatchPoller
	cfg      *IngestConfig

	jobs   chan string
	active atomic.Int64
}

// NewDocumentIngestor constructs the ingestor with a bounded job queue (64)
// and its batch completion poller.
func NewDocumentIngestor(
	db core.DbClient,
	obj core.ObjectClient,
	emb core.EmbeddingProvider,
	ocr core.OCRProvider,
	llm core.LLMProvider,
	extractor core.LocalExtractor,
	cfg *IngestConfig,
) *DocumentIngestor {
	cfg = cfg.withDefaults()
	i := &DocumentIngestor{
		db:       db,
		obj:      obj,
		embedder: NewEmbedder(db, emb, cfg.EmbedBatchSize, cfg.EmbedMaxParallel, cfg.EmbedDim),
		selector: NewExtractionSelector(extractor),
		ocr:      ocr,
		llm:      llm,
		cfg:      cfg,
		jobs:     make(chan string, 64),
	}
	i.poller = NewBatchPoller(db, ocr, i, cfg.PollInterval, cfg.PollMaxAttempts)
	return i
}

// Start runs numWorkers goroutines reading from the jobs channel and
// re-attaches pollers to batch operations that were in flight when the
// process last stopped.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	i.resumeBatchOperations(ctx)
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					return
				case docID := <-i.jobs:
					i.active.Add(1)
					if err := i.processOne(ctx, docID); err != nil {
						log.Printf("ingest: worker %d: document %s: %v", w, docID, err)
					}
					i.active.Add(-1)
				}
			}
		}(w)
	}
}

// resumeBatchOperations reschedules polling for documents stranded in a
// batch-wait state by a restart. The operation handle lives on the latest
// processing job row, so the poller can pick up exactly where it left off;
// documents without a recorded handle are failed by the poller's first tick.
func (i *DocumentIngestor) resumeBatchOperations(ctx context.Context) {
	docs, err := i.db.ListDocumentsByStatus(ctx,
		[]string{models.StatusBatchQueued, models.StatusBatchProcessing})
	if err != nil {
		log.Printf("ingest: scanning for in-flight batch operations: %v", err)
		return
	}
	for _, doc := range docs {
		log.Printf("ingest: resuming batch operation for document %s", doc.ID)
		i.poller.Schedule(doc.ID)
	}
}

// Enqueue schedules a document ID for ingestion. Blocks when the queue is
// full.
func (i *DocumentIngestor) Enqueue(docID string) {
	i.jobs <- docID
}

// Active reports how many documents are being processed right now.
func (i *DocumentIngestor) Active() int64 {
	return i.active.Load()
}

// processOne runs one ingestion attempt up to either completion (local
// route) or OCR submission (batch route).
func (i *DocumentIngestor) processOne(ctx context.Context, docID string) error {
	// Stage work outlives the request that enqueued it.
	proctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	doc, err := i.db.GetDocumentByID(proctx, docID)
	if err != nil || doc == nil {
		return fmt.Errorf("document not found: %w", err)
	}

	job := &models.ProcessingJob{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		Type:       models.JobTypeLocal,
		Status:     models.JobRunning,
	}
	if err := i.db.CreateProcessingJob(proctx, job); err != nil {
		return fmt.Errorf("create processing job: %w", err)
	}
	tr := tracker{db: i.db, docID: doc.ID, jobID: job.ID}

	tr.update(proctx, models.StatusQueued, pctAnalyzing, "analyzing document")

	bucket, key, err := objectclient.ParseStorageURL(doc.StorageURL)
	if err != nil {
		tr.fail(proctx, err.Error())
		return err
	}
	data, err := i.obj.GetFile(proctx, bucket, key)
	if err != nil {
		err = fmt.Errorf("fetch document bytes: %w", err)
		tr.fail(proctx, err.Error())
		return err
	}

	sel := i.selector.Select(proctx, data, doc.ContentType)

	if sel.Route == RouteBatch {
		opRef, err := i.ocr.Submit(proctx, bucket, key, doc.ContentType)
		if err != nil {
			err = fmt.Errorf("submit OCR operation: %w", err)
			tr.fail(proctx, err.Error())
			return err
		}
		if err := i.db.UpdateProcessingJob(proctx, job.ID, models.JobTypeBatchOCR, opRef, models.JobRunning, ""); err != nil {
			tr.fail(proctx, err.Error())
			return err
		}
		tr.update(proctx, models.StatusBatchQueued, pctBatchSubmitted, "submitted for text recognition")
		i.poller.Schedule(doc.ID)
		return nil
	}

	tr.update(proctx, models.StatusProcessing, pctExtracted, "extracted text locally")
	return i.postProcess(proctx, doc, tr, sel.Segments)
}

// postProcess is the shared back half of ingestion: chunk, persist, embed,
// verify, summarize. Reached directly on the local route and via the poller
// after OCR completion.
func (i *DocumentIngestor) postProcess(ctx context.Context, doc *models.Document, tr tracker, segments []core.ExtractedSegment) error {
	tr.update(ctx, models.StatusProcessing, pctConfigured, "preparing chunker")

	// The chunk method is resolved here, not at construction, so each run
	// picks up the currently configured method. The batch route reaches this
	// point minutes after enqueue.
	chunker := NewChunker(i.cfg.ChunkMethod, i.cfg.TargetTokens, i.cfg.OverlapTokens)
	chunks := chunker.Chunk(segments, doc.ID)
	tr.update(ctx, models.StatusProcessing, pctChunked, fmt.Sprintf("chunked into %d parts", len(chunks)))

	// Empty documents are a valid outcome, not an error.
	if len(chunks) == 0 {
		if err := i.db.UpdateProcessingJob(ctx, tr.jobID, "", "", models.JobCompleted, ""); err != nil {
			log.Printf("ingest: completing job %s: %v", tr.jobID, err)
		}
		tr.update(ctx, models.StatusProcessed, pctDone, "no content")
		return nil
	}

	if err := i.db.InsertChunks(ctx, chunks); err != nil {
		err = fmt.Errorf("save chunks: %w", err)
		tr.fail(ctx, err.Error())
		return err
	}
	saved, err := i.db.CountChunksByDocument(ctx, doc.ID)
	if err != nil {
		err = fmt.Errorf("verify chunks: %w", err)
		tr.fail(ctx, err.Error())
		return err
	}
	if saved != len(chunks) {
		err = fmt.Errorf("chunk count mismatch after save: stored %d, expected %d", saved, len(chunks))
		tr.fail(ctx, err.Error())
		return err
	}
	tr.update(ctx, models.StatusProcessing, pctChunksSaved, "saved chunks")

	vectors, err := i.embedder.EmbedChunks(ctx, chunks, func(done, total int) {
		tr.update(ctx, models.StatusProcessing, embedProgress(done, total),
			fmt.Sprintf("embedding wave %d/%d", done, total))
	})
	if err != nil {
		err = fmt.Errorf("generate embeddings: %w", err)
		tr.fail(ctx, err.Error())
		return err
	}

	if err := i.db.InsertVectors(ctx, vectors); err != nil {
		err = fmt.Errorf("save vectors: %w", err)
		tr.fail(ctx, err.Error())
		return err
	}

	// Read-back verification: a processed document with missing vectors is
	// indistinguishable from a processed empty one downstream, so fail loudly
	// here instead.
	chunkIDs := make([]string, len(chunks))
	for k := range chunks {
		chunkIDs[k] = chunks[k].ID
	}
	persisted, err := i.db.GetVectorsByChunkIDs(ctx, chunkIDs)
	if err != nil {
		err = fmt.Errorf("verify vectors: %w", err)
		tr.fail(ctx, err.Error())
		return err
	}
	if len(persisted) != len(chunks) {
		err = fmt.Errorf("vector count mismatch after save: stored %d, expected %d", len(persisted), len(chunks))
		tr.fail(ctx, err.Error())
		return err
	}

	tr.update(ctx, models.StatusProcessing, pctEmbedded, "finalizing")
	i.summarize(ctx, doc, chunks)

	if err := i.db.UpdateProcessingJob(ctx, tr.jobID, "", "", models.JobCompleted, ""); err != nil {
		log.Printf("ingest: completing job %s: %v", tr.jobID, err)
	}
	tr.update(ctx, models.StatusProcessed, pctDone, "completed")
	return nil
}

// summarize stores a short document summary built from the leading chunks.
// Best-effort: a generation failure never fails ingestion.
func (i *DocumentIngestor) summarize(ctx context.Context, doc *models.Document, chunks []models.DocumentChunk) {
	if i.llm == nil {
		return
	}
	var b strings.Builder
	for _, ch := range chunks {
		if b.Len() > 6000 {
			break
		}
		b.WriteString(ch.Text)
		b.WriteString("\n")
	}
	summary, err := i.llm.Generate(ctx,
		"You summarize documents in two or three sentences. Be factual and concise.",
		b.String())
	if err != nil || summary == "" {
		log.Printf("ingest: summary generation for doc %s skipped: %v", doc.ID, err)
		return
	}
	if err := i.db.SetDocumentSummary(ctx, doc.ID, summary); err != nil {
		log.Printf("ingest: saving summary for doc %s: %v", doc.ID, err)
	}
}
