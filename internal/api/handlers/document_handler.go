package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	middleware "github.com/veridoc-ai/veridoc/internal/api/middlewares"
	"github.com/veridoc-ai/veridoc/internal/core/ingestion_engine"
	"github.com/veridoc-ai/veridoc/internal/models"
	"github.com/veridoc-ai/veridoc/internal/services"
)

type DocumentHandler struct {
	docs     *services.DocumentService
	ingestor ingestion_engine.Ingestor
}

func NewDocumentHandler(docs *services.DocumentService, ing ingestion_engine.Ingestor) *DocumentHandler {
	return &DocumentHandler{docs: docs, ingestor: ing}
}

// UploadDocument stores the file, creates the queued document and hands it to
// the ingestion workers.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.ParseMultipartForm(52 << 20)

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "could not read file", http.StatusBadRequest)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	// Strip any path components the client may have sent along.
	filename := filepath.Base(header.Filename)

	uploadctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	doc, err := h.docs.UploadAndCreate(uploadctx, userID, filename, contentType, data)
	if err != nil {
		log.Printf("upload failed for user %s: %v", userID, err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	h.ingestor.Enqueue(doc.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	documents, err := h.docs.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(documents)
}

// GetDocumentStatus is the progress read model clients poll while ingestion
// runs.
func (h *DocumentHandler) GetDocumentStatus(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownedDocument(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":            doc.ID,
		"status":        doc.Status,
		"progress":      doc.Progress,
		"operation":     doc.Operation,
		"error_message": doc.ErrorMessage,
	})
}

// ExportChunks returns the document's chunks with page metadata and vector
// presence, for citation UIs.
func (h *DocumentHandler) ExportChunks(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownedDocument(w, r)
	if !ok {
		return
	}

	export, err := h.docs.ExportChunks(r.Context(), doc.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(export)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownedDocument(w, r)
	if !ok {
		return
	}

	if err := h.docs.Delete(r.Context(), doc); err != nil {
		log.Printf("delete doc %s: %v", doc.ID, err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedDocument loads the {document_id} URL param and enforces ownership.
func (h *DocumentHandler) ownedDocument(w http.ResponseWriter, r *http.Request) (*models.Document, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return nil, false
	}

	docID := chi.URLParam(r, "document_id")
	doc, err := h.docs.Get(r.Context(), docID)
	if err != nil || doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return nil, false
	}
	if doc.UserID != userID {
		http.Error(w, "document not found", http.StatusNotFound)
		return nil, false
	}
	return doc, true
}
