package services

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/veridoc-ai/veridoc/internal/core"
	objectclient "github.com/veridoc-ai/veridoc/internal/core/object-client"
	"github.com/veridoc-ai/veridoc/internal/models"
)

type DocumentService struct {
	db      core.DbClient
	storage core.ObjectClient
	bucket  string
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, bucket string) *DocumentService {
	return &DocumentService{db: db, storage: storage, bucket: bucket}
}

// UploadAndCreate stores the file and creates the document in its initial
// queued state. The caller enqueues it for ingestion.
func (s *DocumentService) UploadAndCreate(ctx context.Context, userID, filename, contentType string, data []byte) (*models.Document, error) {
	docID := uuid.NewString()
	key := s.objectKey(userID, docID, filename)

	url, err := s.storage.UploadFile(ctx, s.bucket, key, bytes.NewReader(data), contentType)
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	doc := &models.Document{
		ID:          docID,
		UserID:      userID,
		FileName:    filename,
		StorageURL:  url,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		Status:      models.StatusQueued,
		Progress:    0,
		Operation:   "queued",
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

func (s *DocumentService) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.db.GetDocumentByID(ctx, id)
}

func (s *DocumentService) ListByUser(ctx context.Context, userID string) ([]models.Document, error) {
	return s.db.ListDocumentsByUser(ctx, userID)
}

// Delete removes the document, its chunks/vectors/jobs (cascaded), and the
// stored object. Only explicit user deletion reaches here; the pipeline
// never destroys documents.
func (s *DocumentService) Delete(ctx context.Context, doc *models.Document) error {
	if err := s.db.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	bucket, key, err := objectclient.ParseStorageURL(doc.StorageURL)
	if err != nil {
		return err
	}
	return s.storage.DeleteFile(ctx, bucket, key)
}

// ChunkExport is one row of the per-document chunk/vector export used by
// citation UIs.
type ChunkExport struct {
	Chunk     models.DocumentChunk `json:"chunk"`
	HasVector bool                 `json:"has_vector"`
	Model     string               `json:"model,omitempty"`
}

// ExportChunks returns every chunk of a document along with whether its
// vector is present and which model produced it.
func (s *DocumentService) ExportChunks(ctx context.Context, documentID string) ([]ChunkExport, error) {
	chunks, err := s.db.GetChunksByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	vectors, err := s.db.GetVectorsByChunkIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byChunk := make(map[string]models.ChunkVector, len(vectors))
	for _, v := range vectors {
		byChunk[v.ChunkID] = v
	}

	out := make([]ChunkExport, len(chunks))
	for i, ch := range chunks {
		v, ok := byChunk[ch.ID]
		out[i] = ChunkExport{Chunk: ch, HasVector: ok, Model: v.Model}
	}
	return out, nil
}

// objectKey creates a consistent storage key layout.
func (s *DocumentService) objectKey(userID, docID, filename string) string {
	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "documents", docID, filename)
}
