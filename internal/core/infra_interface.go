package core

import (
	"context"
	"io"

	"github.com/veridoc-ai/veridoc/internal/models"
)

// DbClient defines all persistence operations the services and the ingestion
// engine need. It abstracts Postgres/pgvector so higher layers never depend
// on a specific DB.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	// ListDocumentsByStatus returns documents in any of the given statuses,
	// across all users. Used to re-attach pollers to in-flight batch
	// operations after a restart.
	ListDocumentsByStatus(ctx context.Context, statuses []string) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// UpdateDocumentProgress advances the status read model. Progress is
	// clamped so it never decreases while a run is in flight.
	UpdateDocumentProgress(ctx context.Context, id, status string, progress float64, operation string) error
	// UpdateBatchWaitProgress advances wait-band progress only while the
	// document is still in a batch-wait state (batch_queued or
	// batch_processing). Returns false when the document moved on, so a stale
	// poller invocation can never overwrite processing_locked and re-open the
	// lock.
	UpdateBatchWaitProgress(ctx context.Context, id string, progress float64, operation string) (bool, error)
	// MarkDocumentError puts the document in the terminal error state with
	// progress reset to 0 and the message recorded.
	MarkDocumentError(ctx context.Context, id, message string) error
	SetDocumentSummary(ctx context.Context, id, summary string) error
	// TryLockProcessing flips a batch-wait state (batch_queued or
	// batch_processing) to processing_locked for the given document. Returns
	// false when another worker already holds the lock or the document moved
	// on; the guard lives in the row, so it is safe across process restarts.
	TryLockProcessing(ctx context.Context, id string) (bool, error)

	InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error
	GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
	CountChunksByDocument(ctx context.Context, documentID string) (int, error)
	ListChunksByStatus(ctx context.Context, userID, docStatus string) ([]models.DocumentChunk, error)

	InsertVectors(ctx context.Context, vectors []models.ChunkVector) error
	GetVectorsByChunkIDs(ctx context.Context, chunkIDs []string) ([]models.ChunkVector, error)
	CountVectorsByDocument(ctx context.Context, documentID string) (int, error)
	// SearchDocumentChunks runs nearest-neighbor search over one document's
	// vectors and returns chunks ordered by ascending distance.
	SearchDocumentChunks(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error)

	CreateProcessingJob(ctx context.Context, job *models.ProcessingJob) error
	UpdateProcessingJob(ctx context.Context, id, jobType, operationRef, status, errMessage string) error
	GetLatestJobByDocument(ctx context.Context, documentID string) (*models.ProcessingJob, error)

	GetEmbeddingCacheEntries(ctx context.Context, hashes []string) (map[string]models.EmbeddingCacheEntry, error)
	PutEmbeddingCacheEntry(ctx context.Context, entry *models.EmbeddingCacheEntry) error

	InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error
	ListChatMessages(ctx context.Context, userID, documentID string) ([]models.ChatMessage, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
// It's abstract so AWS can be swapped for MinIO, GCP, etc.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)

	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}
