package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/veridoc-ai/veridoc/internal/core/coretest"
	"github.com/veridoc-ai/veridoc/internal/models"
)

func intp(n int) *int { return &n }

func seedProcessedDoc(t *testing.T, db *coretest.FakeDB, docID string, withVectors bool, texts ...string) []models.DocumentChunk {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{
		ID: docID, UserID: "u1", FileName: docID + ".pdf",
		Status: models.StatusProcessed, Progress: 100,
	}
	if err := db.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	var chunks []models.DocumentChunk
	for i, text := range texts {
		chunks = append(chunks, models.DocumentChunk{
			ID: docID + "-c" + string(rune('0'+i)), DocumentID: docID,
			Position: i, Text: text, TokenCount: 10,
			PageStart: intp(i + 1), PageEnd: intp(i + 1),
		})
	}
	if err := db.InsertChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}
	if withVectors {
		var vecs []models.ChunkVector
		for _, ch := range chunks {
			vecs = append(vecs, models.ChunkVector{ChunkID: ch.ID, DocumentID: docID, Embedding: []float32{1, 2}, Model: "fake-embed"})
		}
		if err := db.InsertVectors(ctx, vecs); err != nil {
			t.Fatal(err)
		}
	}
	return chunks
}

func newTestPlanner(db *coretest.FakeDB, llm *coretest.FakeLLM) *Planner {
	return NewPlanner(db, &coretest.FakeEmbeddingProvider{}, llm, PlannerConfig{TopK: 10, MaxContextChars: 24000})
}

func TestAnswerVectorSearchPath(t *testing.T) {
	db := coretest.NewFakeDB()
	llm := &coretest.FakeLLM{Answer: "the termination clause is in section 9"}
	chunks := seedProcessedDoc(t, db, "d1", true, "section nine termination", "other content")

	db.SearchFn = func(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
		return []models.ScoredChunk{{DocumentChunk: chunks[0], Distance: 0.1}}, nil
	}

	p := newTestPlanner(db, llm)
	docs, _ := db.ListDocumentsByUser(context.Background(), "u1")
	ans, err := p.Answer(context.Background(), "u1", "when does the termination notice period begin for the supplier", docs)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text == "" {
		t.Fatal("empty answer text")
	}
	if len(ans.EvidenceChunkIDs) != 1 || ans.EvidenceChunkIDs[0] != chunks[0].ID {
		t.Fatalf("evidence = %v, want exactly [%s]", ans.EvidenceChunkIDs, chunks[0].ID)
	}
	if !strings.Contains(llm.LastPrompt(), "p.1") {
		t.Fatal("context prompt lost the page attribution")
	}
	if !strings.Contains(llm.LastPrompt(), "d1.pdf") {
		t.Fatal("context prompt lost the document attribution")
	}
}

func TestAnswerThresholdMissFallsBackToAllChunks(t *testing.T) {
	db := coretest.NewFakeDB()
	llm := &coretest.FakeLLM{}
	chunks := seedProcessedDoc(t, db, "d1", true, "alpha", "beta")

	// Distance 1.0 -> similarity 0.5, below the targeted 0.80 threshold.
	db.SearchFn = func(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
		return []models.ScoredChunk{{DocumentChunk: chunks[0], Distance: 1.0}}, nil
	}

	p := newTestPlanner(db, llm)
	docs, _ := db.ListDocumentsByUser(context.Background(), "u1")
	ans, err := p.Answer(context.Background(), "u1", "locate the delivery obligations in the supplier agreement please now", docs)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	// Weak evidence beats no evidence: every chunk comes back.
	if len(ans.EvidenceChunkIDs) != len(chunks) {
		t.Fatalf("evidence = %v, want all %d chunks", ans.EvidenceChunkIDs, len(chunks))
	}
}

func TestAnswerChunksWithoutVectorsStillContribute(t *testing.T) {
	db := coretest.NewFakeDB()
	llm := &coretest.FakeLLM{}
	chunks := seedProcessedDoc(t, db, "d1", false, "only chunk, never embedded")

	p := newTestPlanner(db, llm)
	docs, _ := db.ListDocumentsByUser(context.Background(), "u1")
	ans, err := p.Answer(context.Background(), "u1", "what does the document say about payment schedules and penalties", docs)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(ans.EvidenceChunkIDs) != 1 || ans.EvidenceChunkIDs[0] != chunks[0].ID {
		t.Fatalf("evidence = %v", ans.EvidenceChunkIDs)
	}
}

func TestAnswerStillProcessing(t *testing.T) {
	db := coretest.NewFakeDB()
	doc := &models.Document{ID: "d1", UserID: "u1", Status: models.StatusProcessing, Progress: 58}
	if err := db.CreateDocument(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	p := newTestPlanner(db, &coretest.FakeLLM{})
	docs, _ := db.ListDocumentsByUser(context.Background(), "u1")
	_, err := p.Answer(context.Background(), "u1", "what is the effective date of this agreement and its term", docs)
	if !errors.Is(err, ErrStillProcessing) {
		t.Fatalf("err = %v, want ErrStillProcessing", err)
	}
}

func TestAnswerNoEvidence(t *testing.T) {
	db := coretest.NewFakeDB()
	// One failed document, nothing else.
	doc := &models.Document{ID: "d1", UserID: "u1", Status: models.StatusError}
	if err := db.CreateDocument(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	p := newTestPlanner(db, &coretest.FakeLLM{})
	docs, _ := db.ListDocumentsByUser(context.Background(), "u1")
	_, err := p.Answer(context.Background(), "u1", "what is the effective date of this agreement and its term", docs)
	if !errors.Is(err, ErrNoEvidence) {
		t.Fatalf("err = %v, want ErrNoEvidence", err)
	}
}

func TestAnswerPooledFallback(t *testing.T) {
	db := coretest.NewFakeDB()
	llm := &coretest.FakeLLM{}
	// The queried document is processed but empty; a sibling document has
	// content to pool from.
	empty := &models.Document{ID: "d1", UserID: "u1", FileName: "empty.pdf", Status: models.StatusProcessed}
	if err := db.CreateDocument(context.Background(), empty); err != nil {
		t.Fatal(err)
	}
	sibling := seedProcessedDoc(t, db, "d2", true, "pooled content")

	p := newTestPlanner(db, llm)
	ans, err := p.Answer(context.Background(), "u1", "what are the payment terms agreed with the supplier in detail",
		[]models.Document{*empty})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(ans.EvidenceChunkIDs) != 1 || ans.EvidenceChunkIDs[0] != sibling[0].ID {
		t.Fatalf("evidence = %v, want the pooled sibling chunk", ans.EvidenceChunkIDs)
	}
}

func TestAnswerFailedDocumentsNeverContribute(t *testing.T) {
	db := coretest.NewFakeDB()
	llm := &coretest.FakeLLM{}
	good := seedProcessedDoc(t, db, "d1", true, "good content")
	db.SearchFn = func(ctx context.Context, documentID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
		return []models.ScoredChunk{{DocumentChunk: good[0], Distance: 0.1}}, nil
	}

	// A failed sibling with chunks that must stay invisible.
	bad := &models.Document{ID: "d2", UserID: "u1", Status: models.StatusError}
	if err := db.CreateDocument(context.Background(), bad); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertChunks(context.Background(), []models.DocumentChunk{
		{ID: "bad-c0", DocumentID: "d2", Position: 0, Text: "partial garbage"},
	}); err != nil {
		t.Fatal(err)
	}

	p := newTestPlanner(db, llm)
	docs, _ := db.ListDocumentsByUser(context.Background(), "u1")
	ans, err := p.Answer(context.Background(), "u1", "what does the contract say about renewal and cancellation windows", docs)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	for _, id := range ans.EvidenceChunkIDs {
		if id == "bad-c0" {
			t.Fatal("failed document leaked into evidence")
		}
	}
}

func TestAssembleContextRespectsTopKAndBudget(t *testing.T) {
	db := coretest.NewFakeDB()
	p := NewPlanner(db, &coretest.FakeEmbeddingProvider{}, &coretest.FakeLLM{}, PlannerConfig{TopK: 2, MaxContextChars: 10000})

	cands := []Candidate{
		{Chunk: models.DocumentChunk{ID: "low", DocumentID: "d1", Position: 2, Text: "low"}, Similarity: 0.3},
		{Chunk: models.DocumentChunk{ID: "high", DocumentID: "d1", Position: 0, Text: "high"}, Similarity: 0.9},
		{Chunk: models.DocumentChunk{ID: "mid", DocumentID: "d1", Position: 1, Text: "mid"}, Similarity: 0.6},
	}
	_, evidence := p.assembleContext(cands, map[string]string{"d1": "doc.pdf"})
	if len(evidence) != 2 {
		t.Fatalf("evidence = %v, want top 2", evidence)
	}
	if evidence[0] != "high" || evidence[1] != "mid" {
		t.Fatalf("evidence order = %v, want [high mid]", evidence)
	}
}

func TestAssembleContextBudgetCutsButKeepsFirst(t *testing.T) {
	db := coretest.NewFakeDB()
	p := NewPlanner(db, &coretest.FakeEmbeddingProvider{}, &coretest.FakeLLM{}, PlannerConfig{TopK: 10, MaxContextChars: 60})

	big := strings.Repeat("x", 200)
	cands := []Candidate{
		{Chunk: models.DocumentChunk{ID: "first", DocumentID: "d1", Position: 0, Text: big}, Similarity: 0.9},
		{Chunk: models.DocumentChunk{ID: "second", DocumentID: "d1", Position: 1, Text: big}, Similarity: 0.8},
	}
	ctxText, evidence := p.assembleContext(cands, nil)
	// The first chunk always goes in even when oversized; the second must be
	// cut by the budget.
	if len(evidence) != 1 || evidence[0] != "first" {
		t.Fatalf("evidence = %v, want [first]", evidence)
	}
	if ctxText == "" {
		t.Fatal("context text empty")
	}
}
