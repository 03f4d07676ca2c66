package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/veridoc-ai/veridoc/internal/config"
	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(pingCtx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Users

func (c *DatabaseClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, first_name, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`
	_, err := c.db.ExecContext(ctx, q, user.ID, user.FirstName, user.Email, user.PasswordHash)
	return err
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, first_name, email, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(
		&u.ID, &u.FirstName, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Documents

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, user_id, file_name, storage_url, content_type, size_bytes, status, progress, operation, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.UserID, doc.FileName, doc.StorageURL, doc.ContentType, doc.SizeBytes,
		doc.Status, doc.Progress, doc.Operation)
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_url, content_type, size_bytes,
		       status, progress, operation, COALESCE(summary, ''), COALESCE(error_message, ''),
		       created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var d models.Document
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&d.ID, &d.UserID, &d.FileName, &d.StorageURL, &d.ContentType, &d.SizeBytes,
		&d.Status, &d.Progress, &d.Operation, &d.Summary, &d.ErrorMessage,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_url, content_type, size_bytes,
		       status, progress, operation, COALESCE(summary, ''), COALESCE(error_message, ''),
		       created_at, updated_at
		FROM documents
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.FileName, &d.StorageURL, &d.ContentType, &d.SizeBytes,
			&d.Status, &d.Progress, &d.Operation, &d.Summary, &d.ErrorMessage,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) ListDocumentsByStatus(ctx context.Context, statuses []string) ([]models.Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, user_id, file_name, storage_url, content_type, size_bytes,
		       status, progress, operation, COALESCE(summary, ''), COALESCE(error_message, ''),
		       created_at, updated_at
		FROM documents
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`
	rows, err := c.db.QueryContext(ctx, q, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.FileName, &d.StorageURL, &d.ContentType, &d.SizeBytes,
			&d.Status, &d.Progress, &d.Operation, &d.Summary, &d.ErrorMessage,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	// Chunks, vectors, jobs and chat rows cascade via foreign keys.
	const q = `DELETE FROM documents WHERE id = $1`
	res, err := c.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

// UpdateDocumentProgress advances status/progress/operation. GREATEST keeps
// progress monotonic even if a stage reports a stale value on retry.
func (c *DatabaseClient) UpdateDocumentProgress(ctx context.Context, id, status string, progress float64, operation string) error {
	const q = `
		UPDATE documents
		SET status = $2, progress = GREATEST(progress, $3), operation = $4, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, status, progress, operation)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

// UpdateBatchWaitProgress is the wait-band sibling of UpdateDocumentProgress:
// it only applies while the document is still waiting on the batch operation.
// A poller whose document was locked (or terminated) by another worker gets
// false back and must stop; an unconditional write here would re-open the
// processing lock.
func (c *DatabaseClient) UpdateBatchWaitProgress(ctx context.Context, id string, progress float64, operation string) (bool, error) {
	const q = `
		UPDATE documents
		SET status = $2, progress = GREATEST(progress, $3), operation = $4, updated_at = now()
		WHERE id = $1 AND status IN ($5, $6)
	`
	res, err := c.db.ExecContext(ctx, q, id,
		models.StatusBatchProcessing, progress, operation,
		models.StatusBatchQueued, models.StatusBatchProcessing)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (c *DatabaseClient) MarkDocumentError(ctx context.Context, id, message string) error {
	const q = `
		UPDATE documents
		SET status = $2, progress = 0, operation = 'failed', error_message = $3, updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.ExecContext(ctx, q, id, models.StatusError, message)
	return err
}

func (c *DatabaseClient) SetDocumentSummary(ctx context.Context, id, summary string) error {
	const q = `UPDATE documents SET summary = $2, updated_at = now() WHERE id = $1`
	_, err := c.db.ExecContext(ctx, q, id, summary)
	return err
}

// TryLockProcessing is the cross-process guard between the batch poller and
// post-processing: only a transition from one of the batch-wait states to
// processing_locked succeeds, and only once. batch_queued is included because
// a fast operation can complete before the first wait-state update lands.
func (c *DatabaseClient) TryLockProcessing(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE documents
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)
	`
	res, err := c.db.ExecContext(ctx, q, id,
		models.StatusProcessingLocked, models.StatusBatchQueued, models.StatusBatchProcessing)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Chunks

func (c *DatabaseClient) InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO document_chunks
			(id, document_id, position, text, token_count, page_start, page_end, heading, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, ch.Position, ch.Text, ch.TokenCount, ch.PageStart, ch.PageEnd, ch.Heading,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	const q = `
		SELECT id, document_id, position, text, token_count, page_start, page_end, COALESCE(heading, ''), created_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY position ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var ch models.DocumentChunk
		if err := rows.Scan(
			&ch.ID, &ch.DocumentID, &ch.Position, &ch.Text, &ch.TokenCount,
			&ch.PageStart, &ch.PageEnd, &ch.Heading, &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) CountChunksByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

// ListChunksByStatus returns all chunks of a user's documents that are in the
// given lifecycle status. Used by the retrieval pooled fallback.
func (c *DatabaseClient) ListChunksByStatus(ctx context.Context, userID, docStatus string) ([]models.DocumentChunk, error) {
	const q = `
		SELECT ch.id, ch.document_id, ch.position, ch.text, ch.token_count,
		       ch.page_start, ch.page_end, COALESCE(ch.heading, ''), ch.created_at
		FROM document_chunks ch
		JOIN documents d ON d.id = ch.document_id
		WHERE d.user_id = $1 AND d.status = $2
		ORDER BY ch.document_id, ch.position ASC
	`
	rows, err := c.db.QueryContext(ctx, q, userID, docStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var ch models.DocumentChunk
		if err := rows.Scan(
			&ch.ID, &ch.DocumentID, &ch.Position, &ch.Text, &ch.TokenCount,
			&ch.PageStart, &ch.PageEnd, &ch.Heading, &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Vectors

func (c *DatabaseClient) InsertVectors(ctx context.Context, vectors []models.ChunkVector) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO chunk_vectors (chunk_id, document_id, embedding, model, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (chunk_id) DO NOTHING
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range vectors {
		v := &vectors[i]
		if _, err := stmt.ExecContext(ctx,
			v.ChunkID, v.DocumentID, pgvector.NewVector(v.Embedding), v.Model,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetVectorsByChunkIDs(ctx context.Context, chunkIDs []string) ([]models.ChunkVector, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	const q = `
		SELECT chunk_id, document_id, embedding, model, created_at
		FROM chunk_vectors
		WHERE chunk_id = ANY($1)
	`
	rows, err := c.db.QueryContext(ctx, q, chunkIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChunkVector
	for rows.Next() {
		var (
			v   models.ChunkVector
			emb pgvector.Vector
		)
		if err := rows.Scan(&v.ChunkID, &v.DocumentID, &emb, &v.Model, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Embedding = emb.Slice()
		out = append(out, v)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) CountVectorsByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_vectors WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

// SearchDocumentChunks finds top-k nearest chunks within a document for a
// query embedding, ordered by ascending L2 distance.
func (c *DatabaseClient) SearchDocumentChunks(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	const q = `
		SELECT ch.id, ch.document_id, ch.position, ch.text, ch.token_count,
		       ch.page_start, ch.page_end, COALESCE(ch.heading, ''), ch.created_at,
		       v.embedding <-> $2 AS distance
		FROM chunk_vectors v
		JOIN document_chunks ch ON ch.id = v.chunk_id
		WHERE v.document_id = $1
		ORDER BY v.embedding <-> $2
		LIMIT $3
	`
	rows, err := c.db.QueryContext(ctx, q, documentID, pgvector.NewVector(queryVec), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(
			&sc.ID, &sc.DocumentID, &sc.Position, &sc.Text, &sc.TokenCount,
			&sc.PageStart, &sc.PageEnd, &sc.Heading, &sc.CreatedAt, &sc.Distance,
		); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Processing jobs

func (c *DatabaseClient) CreateProcessingJob(ctx context.Context, job *models.ProcessingJob) error {
	if job == nil {
		return errors.New("nil job")
	}
	const q = `
		INSERT INTO processing_jobs (id, document_id, type, operation_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
	`
	_, err := c.db.ExecContext(ctx, q, job.ID, job.DocumentID, job.Type, job.OperationRef, job.Status)
	return err
}

func (c *DatabaseClient) UpdateProcessingJob(ctx context.Context, id, jobType, operationRef, status, errMessage string) error {
	const q = `
		UPDATE processing_jobs
		SET type = COALESCE(NULLIF($2, ''), type),
		    operation_ref = COALESCE(NULLIF($3, ''), operation_ref),
		    status = $4,
		    error_message = $5,
		    updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, jobType, operationRef, status, errMessage)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("processing job not found: %s", id)
	}
	return nil
}

func (c *DatabaseClient) GetLatestJobByDocument(ctx context.Context, documentID string) (*models.ProcessingJob, error) {
	const q = `
		SELECT id, document_id, type, COALESCE(operation_ref, ''), status, COALESCE(error_message, ''), created_at, updated_at
		FROM processing_jobs
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var j models.ProcessingJob
	err := c.db.QueryRowContext(ctx, q, documentID).Scan(
		&j.ID, &j.DocumentID, &j.Type, &j.OperationRef, &j.Status, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Embedding cache

func (c *DatabaseClient) GetEmbeddingCacheEntries(ctx context.Context, hashes []string) (map[string]models.EmbeddingCacheEntry, error) {
	out := make(map[string]models.EmbeddingCacheEntry, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	const q = `
		SELECT content_hash, embedding, model, token_count, created_at
		FROM embedding_cache
		WHERE content_hash = ANY($1)
	`
	rows, err := c.db.QueryContext(ctx, q, hashes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e   models.EmbeddingCacheEntry
			emb pgvector.Vector
		)
		if err := rows.Scan(&e.ContentHash, &emb, &e.Model, &e.TokenCount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Embedding = emb.Slice()
		out[e.ContentHash] = e
	}
	return out, rows.Err()
}

func (c *DatabaseClient) PutEmbeddingCacheEntry(ctx context.Context, entry *models.EmbeddingCacheEntry) error {
	if entry == nil {
		return errors.New("nil cache entry")
	}
	const q = `
		INSERT INTO embedding_cache (content_hash, embedding, model, token_count, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (content_hash) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, q,
		entry.ContentHash, pgvector.NewVector(entry.Embedding), entry.Model, entry.TokenCount)
	return err
}

// Chat messages

func (c *DatabaseClient) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg == nil {
		return errors.New("nil message")
	}
	evidence, err := json.Marshal(msg.EvidenceChunkIDs)
	if err != nil {
		return fmt.Errorf("marshal evidence ids: %w", err)
	}
	// Cross-document conversations carry no document id; store NULL so the
	// foreign key stays intact.
	var docID sql.NullString
	if msg.DocumentID != "" {
		docID = sql.NullString{String: msg.DocumentID, Valid: true}
	}
	const q = `
		INSERT INTO chat_messages (id, user_id, document_id, role, content, evidence_chunk_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`
	_, err = c.db.ExecContext(ctx, q,
		msg.ID, msg.UserID, docID, msg.Role, msg.Content, string(evidence))
	return err
}

func (c *DatabaseClient) ListChatMessages(ctx context.Context, userID, documentID string) ([]models.ChatMessage, error) {
	// An empty documentID selects the user's whole history.
	const q = `
		SELECT id, user_id, COALESCE(document_id, ''), role, content, COALESCE(evidence_chunk_ids, '[]'), created_at
		FROM chat_messages
		WHERE user_id = $1 AND ($2 = '' OR document_id = $2)
		ORDER BY created_at ASC
	`
	rows, err := c.db.QueryContext(ctx, q, userID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var (
			m        models.ChatMessage
			evidence string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.DocumentID, &m.Role, &m.Content, &evidence, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evidence), &m.EvidenceChunkIDs); err != nil {
			return nil, fmt.Errorf("unmarshal evidence ids: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
