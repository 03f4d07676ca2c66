package models

import (
	"time"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	FirstName    string    `db:"first_name" json:"first_name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Document lifecycle statuses. Transitions are monotonic within one ingestion
// run; any state may fall to StatusError.
const (
	StatusQueued           = "queued"
	StatusBatchQueued      = "batch_queued"
	StatusBatchProcessing  = "batch_processing"
	StatusProcessingLocked = "processing_locked"
	StatusProcessing       = "processing"
	StatusProcessed        = "processed"
	StatusError            = "error"
)

// ProcessingJob statuses and types.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"

	JobTypeLocal    = "local"
	JobTypeBatchOCR = "batch_ocr"
)

// Document represents a user-uploaded file and its ingestion state.
//
// Status/Progress/Operation form the read model clients poll while the
// pipeline runs. Progress is 0-100 and never regresses within a run except
// when the document falls to StatusError (reset to 0).
type Document struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	FileName     string    `db:"file_name" json:"file_name"`
	StorageURL   string    `db:"storage_url" json:"storage_url"`
	ContentType  string    `db:"content_type" json:"content_type"`
	SizeBytes    int64     `db:"size_bytes" json:"size_bytes"`
	Status       string    `db:"status" json:"status"`
	Progress     float64   `db:"progress" json:"progress"`
	Operation    string    `db:"operation" json:"operation"`
	Summary      string    `db:"summary" json:"summary,omitempty"`
	ErrorMessage string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// DocumentChunk is one retrievable unit of document text.
//
// Position is dense and zero-based per document. PageEnd defaults to
// PageStart when extraction could not determine a range; both are nil when
// the source carries no page information at all.
type DocumentChunk struct {
	ID         string    `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Position   int       `db:"position" json:"position"`
	Text       string    `db:"text" json:"text"`
	TokenCount int       `db:"token_count" json:"token_count"`
	PageStart  *int      `db:"page_start" json:"page_start,omitempty"`
	PageEnd    *int      `db:"page_end" json:"page_end,omitempty"`
	Heading    string    `db:"heading" json:"heading,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ChunkVector is the embedding attached 1:1 to a chunk. DocumentID is
// duplicated for filtered nearest-neighbor search.
type ChunkVector struct {
	ChunkID    string    `db:"chunk_id" json:"chunk_id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Embedding  []float32 `db:"embedding" json:"embedding"`
	Model      string    `db:"model" json:"model"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ScoredChunk is a chunk plus its distance to a query vector, as returned by
// nearest-neighbor search.
type ScoredChunk struct {
	DocumentChunk
	Distance float64 `json:"distance"`
}

// ProcessingJob records one ingestion attempt for a document. Jobs are never
// deleted by the pipeline; they are the audit trail.
type ProcessingJob struct {
	ID           string    `db:"id" json:"id"`
	DocumentID   string    `db:"document_id" json:"document_id"`
	Type         string    `db:"type" json:"type"`
	OperationRef string    `db:"operation_ref" json:"operation_ref,omitempty"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// EmbeddingCacheEntry caches one embedding keyed by a content hash of chunk
// text. Write-once, read-many; identical text maps to the same entry no
// matter which document it came from.
type EmbeddingCacheEntry struct {
	ContentHash string    `db:"content_hash" json:"content_hash"`
	Embedding   []float32 `db:"embedding" json:"embedding"`
	Model       string    `db:"model" json:"model"`
	TokenCount  int       `db:"token_count" json:"token_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ChatMessage is an individual chat turn (user question or assistant answer).
// Assistant rows carry the chunk ids used as evidence.
type ChatMessage struct {
	ID               string    `db:"id" json:"id"`
	UserID           string    `db:"user_id" json:"user_id"`
	DocumentID       string    `db:"document_id" json:"document_id"`
	Role             string    `db:"role" json:"role"`
	Content          string    `db:"content" json:"content"`
	EvidenceChunkIDs []string  `db:"evidence_chunk_ids" json:"evidence_chunk_ids,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
