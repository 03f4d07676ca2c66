package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	middleware "github.com/veridoc-ai/veridoc/internal/api/middlewares"
	"github.com/veridoc-ai/veridoc/internal/core/retrieval"
	"github.com/veridoc-ai/veridoc/internal/services"
)

type ChatHandler struct {
	queries *services.QueryService
}

func NewChatHandler(queries *services.QueryService) *ChatHandler {
	return &ChatHandler{queries: queries}
}

type ChatRequest struct {
	// DocumentIDs restricts the question to specific documents. Empty means
	// all of the user's documents.
	DocumentIDs []string `json:"document_ids"`
	Query       string   `json:"query"`
}

func (h *ChatHandler) QueryDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserID(ctx)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	result, err := h.queries.Ask(ctx, userID, req.Query, req.DocumentIDs)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotOwner):
			http.Error(w, "document not found", http.StatusNotFound)
		case errors.Is(err, retrieval.ErrStillProcessing):
			// 409: the question is fine, the documents just are not ready.
			http.Error(w, "documents are still processing, try again shortly", http.StatusConflict)
		case errors.Is(err, retrieval.ErrNoEvidence):
			http.Error(w, "no relevant content found in your documents", http.StatusNotFound)
		default:
			log.Printf("chat: query for user %s: %v", userID, err)
			http.Error(w, "query failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetHistory returns stored chat turns, optionally filtered by the
// document_id query parameter.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	messages, err := h.queries.History(r.Context(), userID, r.URL.Query().Get("document_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}
