package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/models"
)

// ErrStillProcessing distinguishes "no evidence yet" from "no evidence at
// all": at least one candidate document has not reached a terminal state.
var ErrStillProcessing = errors.New("documents are still processing")

// ErrNoEvidence means every fallback came up empty.
var ErrNoEvidence = errors.New("no relevant content found")

// Fixed similarity scores for fallback evidence. Chunks surfaced because a
// document has no vectors score higher than chunks surfaced because search
// found nothing above threshold.
const (
	scoreNoVectors = 0.40
	scoreNoHits    = 0.30
)

// PlannerConfig tunes retrieval and context assembly.
type PlannerConfig struct {
	TopK            int
	MaxContextChars int
	Keywords        KeywordPolicy
}

// Candidate is one piece of evidence under consideration.
type Candidate struct {
	Chunk      models.DocumentChunk
	Similarity float64
	Source     string // which retrieval step produced it
}

// Answer is the planner's result: the generated text plus the exact chunk
// ids used as evidence.
type Answer struct {
	Text             string
	Strategy         Strategy
	EvidenceChunkIDs []string
}

// docState is everything the fallback chain needs to know about one
// candidate document.
type docState struct {
	doc         models.Document
	chunks      []models.DocumentChunk
	vectorCount int
	queryVec    []float32
	threshold   float64
}

// retrievalStep is one link of the fallback chain. Steps return nil when not
// applicable; the chain stops at the first non-empty result.
type retrievalStep struct {
	name string
	run  func(ctx context.Context, st *docState) ([]Candidate, error)
}

// Planner answers questions against a set of candidate documents.
type Planner struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
	llm      core.LLMProvider
	cfg      PlannerConfig
	steps    []retrievalStep
}

func NewPlanner(db core.DbClient, embedder core.EmbeddingProvider, llm core.LLMProvider, cfg PlannerConfig) *Planner {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 24000
	}
	if len(cfg.Keywords.Comprehensive) == 0 && len(cfg.Keywords.Targeted) == 0 {
		cfg.Keywords = DefaultKeywordPolicy()
	}
	p := &Planner{db: db, embedder: embedder, llm: llm, cfg: cfg}
	p.steps = []retrievalStep{
		{name: "vector-search", run: p.stepVectorSearch},
		{name: "all-chunks-no-vectors", run: p.stepAllChunksNoVectors},
		{name: "all-chunks-no-hits", run: p.stepAllChunksNoHits},
	}
	return p
}

// Answer classifies the question, gathers evidence per document through the
// fallback chain, assembles a bounded context and generates the answer.
func (p *Planner) Answer(ctx context.Context, userID, question string, docs []models.Document) (*Answer, error) {
	cls := Classify(question, p.cfg.Keywords)

	vecs, err := p.embedder.EmbedTexts(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed question: got %d vectors", len(vecs))
	}
	queryVec := vecs[0]

	var (
		merged  []Candidate
		pending bool
		names   = map[string]string{}
	)
	for _, doc := range docs {
		names[doc.ID] = doc.FileName
		switch doc.Status {
		case models.StatusProcessed:
		case models.StatusError:
			// Failed documents never contribute partial data.
			continue
		default:
			pending = true
			continue
		}

		cands, err := p.retrieveForDocument(ctx, doc, queryVec, cls.Threshold)
		if err != nil {
			return nil, err
		}
		merged = append(merged, cands...)
	}

	if len(merged) == 0 {
		if pending {
			return nil, ErrStillProcessing
		}
		merged, err = p.pooledFallback(ctx, userID, names)
		if err != nil {
			return nil, err
		}
		if len(merged) == 0 {
			return nil, ErrNoEvidence
		}
	}

	contextText, evidence := p.assembleContext(merged, names)

	const systemPrompt = "You are an assistant answering strictly from the provided document excerpts. " +
		"If the excerpts do not contain the answer, say you cannot find it in the documents."
	userPrompt := fmt.Sprintf("Excerpts:\n%s\nQuestion: %s", contextText, question)

	text, err := p.llm.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	return &Answer{Text: text, Strategy: cls.Strategy, EvidenceChunkIDs: evidence}, nil
}

// retrieveForDocument walks the fallback chain for one document. A document
// with zero chunks is skipped; it cannot contribute.
func (p *Planner) retrieveForDocument(ctx context.Context, doc models.Document, queryVec []float32, threshold float64) ([]Candidate, error) {
	chunks, err := p.db.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("load chunks for %s: %w", doc.ID, err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	vectorCount, err := p.db.CountVectorsByDocument(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("count vectors for %s: %w", doc.ID, err)
	}

	st := &docState{doc: doc, chunks: chunks, vectorCount: vectorCount, queryVec: queryVec, threshold: threshold}
	for _, step := range p.steps {
		cands, err := step.run(ctx, st)
		if err != nil {
			return nil, err
		}
		if len(cands) > 0 {
			return cands, nil
		}
	}
	return nil, nil
}

// stepVectorSearch is the primary path: nearest-neighbor search filtered to
// the document, distances converted to similarity via 1/(1+d) and cut at the
// classification threshold.
func (p *Planner) stepVectorSearch(ctx context.Context, st *docState) ([]Candidate, error) {
	if st.vectorCount == 0 {
		return nil, nil
	}
	hits, err := p.db.SearchDocumentChunks(ctx, st.doc.ID, st.queryVec, p.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("vector search for %s: %w", st.doc.ID, err)
	}
	var out []Candidate
	for _, h := range hits {
		sim := 1.0 / (1.0 + h.Distance)
		if sim < st.threshold {
			continue
		}
		out = append(out, Candidate{Chunk: h.DocumentChunk, Similarity: sim, Source: "vector-search"})
	}
	return out, nil
}

// stepAllChunksNoVectors degrades gracefully when embeddings were never
// generated: the document still contributes all of its chunks, at a fixed
// low score, rather than being excluded.
func (p *Planner) stepAllChunksNoVectors(ctx context.Context, st *docState) ([]Candidate, error) {
	if st.vectorCount != 0 {
		return nil, nil
	}
	log.Printf("retrieval: document %s has %d chunks but no vectors, using all chunks as fallback", st.doc.ID, len(st.chunks))
	return allChunks(st.chunks, scoreNoVectors, "all-chunks-no-vectors"), nil
}

// stepAllChunksNoHits catches the case where vectors exist but nothing
// cleared the threshold: weak evidence beats no evidence.
func (p *Planner) stepAllChunksNoHits(ctx context.Context, st *docState) ([]Candidate, error) {
	return allChunks(st.chunks, scoreNoHits, "all-chunks-no-hits"), nil
}

func allChunks(chunks []models.DocumentChunk, score float64, source string) []Candidate {
	out := make([]Candidate, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, Candidate{Chunk: ch, Similarity: score, Source: source})
	}
	return out
}

// pooledFallback is the last resort before giving up: all chunks from all of
// the user's processed documents.
func (p *Planner) pooledFallback(ctx context.Context, userID string, names map[string]string) ([]Candidate, error) {
	chunks, err := p.db.ListChunksByStatus(ctx, userID, models.StatusProcessed)
	if err != nil {
		return nil, fmt.Errorf("pooled fallback: %w", err)
	}
	for _, ch := range chunks {
		if _, ok := names[ch.DocumentID]; !ok {
			if doc, err := p.db.GetDocumentByID(ctx, ch.DocumentID); err == nil && doc != nil {
				names[ch.DocumentID] = doc.FileName
			}
		}
	}
	return allChunks(chunks, scoreNoHits, "pooled-fallback"), nil
}

// assembleContext sorts candidates by similarity, takes the top-N and
// concatenates them under per-chunk attribution headers, bounded by the
// context budget. Returns the context text and the chunk ids actually used.
func (p *Planner) assembleContext(cands []Candidate, names map[string]string) (string, []string) {
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].Similarity != cands[b].Similarity {
			return cands[a].Similarity > cands[b].Similarity
		}
		if cands[a].Chunk.DocumentID != cands[b].Chunk.DocumentID {
			return cands[a].Chunk.DocumentID < cands[b].Chunk.DocumentID
		}
		return cands[a].Chunk.Position < cands[b].Chunk.Position
	})

	if len(cands) > p.cfg.TopK {
		cands = cands[:p.cfg.TopK]
	}

	var (
		b        strings.Builder
		evidence []string
	)
	for _, c := range cands {
		block := fmt.Sprintf("[%s%s]\n%s\n---\n",
			attributionName(names, c.Chunk.DocumentID), pageLabel(c.Chunk), c.Chunk.Text)
		if b.Len() > 0 && b.Len()+len(block) > p.cfg.MaxContextChars {
			break
		}
		b.WriteString(block)
		evidence = append(evidence, c.Chunk.ID)
	}
	return b.String(), evidence
}

func attributionName(names map[string]string, docID string) string {
	if name, ok := names[docID]; ok && name != "" {
		return "Document: " + name
	}
	return "Document: " + docID
}

func pageLabel(ch models.DocumentChunk) string {
	if ch.PageStart == nil {
		return ""
	}
	if ch.PageEnd == nil || *ch.PageEnd == *ch.PageStart {
		return fmt.Sprintf(", p.%d", *ch.PageStart)
	}
	return fmt.Sprintf(", p.%d-%d", *ch.PageStart, *ch.PageEnd)
}
