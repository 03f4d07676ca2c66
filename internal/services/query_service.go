package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/core/retrieval"
	"github.com/veridoc-ai/veridoc/internal/models"
)

// ErrNotOwner is returned when a referenced document does not belong to the
// requesting user.
var ErrNotOwner = errors.New("document does not belong to user")

// QueryService answers questions through the retrieval planner and persists
// the conversation as chat messages.
type QueryService struct {
	db      core.DbClient
	planner *retrieval.Planner
}

func NewQueryService(db core.DbClient, planner *retrieval.Planner) *QueryService {
	return &QueryService{db: db, planner: planner}
}

// QueryResult is what a chat query returns to the caller.
type QueryResult struct {
	Answer           string             `json:"answer"`
	Strategy         retrieval.Strategy `json:"strategy"`
	EvidenceChunkIDs []string           `json:"evidence_chunk_ids"`
}

// Ask resolves the candidate documents, validates ownership, runs the planner
// and records both chat turns. documentIDs may be empty, which means "all of
// the user's documents".
func (s *QueryService) Ask(ctx context.Context, userID, question string, documentIDs []string) (*QueryResult, error) {
	docs, err := s.resolveDocuments(ctx, userID, documentIDs)
	if err != nil {
		return nil, err
	}

	answer, err := s.planner.Answer(ctx, userID, question, docs)
	if err != nil {
		return nil, err
	}

	// Persisting the conversation is best-effort; a failed insert does not
	// take the answer away from the user.
	convDocID := ""
	if len(documentIDs) == 1 {
		convDocID = documentIDs[0]
	}
	s.record(ctx, userID, convDocID, "user", question, nil)
	s.record(ctx, userID, convDocID, "assistant", answer.Text, answer.EvidenceChunkIDs)

	return &QueryResult{
		Answer:           answer.Text,
		Strategy:         answer.Strategy,
		EvidenceChunkIDs: answer.EvidenceChunkIDs,
	}, nil
}

// History returns the stored chat turns for a user, optionally filtered to
// one document.
func (s *QueryService) History(ctx context.Context, userID, documentID string) ([]models.ChatMessage, error) {
	return s.db.ListChatMessages(ctx, userID, documentID)
}

func (s *QueryService) resolveDocuments(ctx context.Context, userID string, documentIDs []string) ([]models.Document, error) {
	if len(documentIDs) == 0 {
		return s.db.ListDocumentsByUser(ctx, userID)
	}
	docs := make([]models.Document, 0, len(documentIDs))
	for _, id := range documentIDs {
		doc, err := s.db.GetDocumentByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
		if doc == nil {
			return nil, fmt.Errorf("document %s not found", id)
		}
		if doc.UserID != userID {
			return nil, ErrNotOwner
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func (s *QueryService) record(ctx context.Context, userID, documentID, role, content string, evidence []string) {
	msg := &models.ChatMessage{
		ID:               uuid.NewString(),
		UserID:           userID,
		DocumentID:       documentID,
		Role:             role,
		Content:          content,
		EvidenceChunkIDs: evidence,
		CreatedAt:        time.Now(),
	}
	if err := s.db.InsertChatMessage(ctx, msg); err != nil {
		log.Printf("chat: saving %s message: %v", role, err)
	}
}
