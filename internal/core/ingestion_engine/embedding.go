package ingestion_engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/models"
)

// Embedder produces one vector per chunk with content-addressed caching:
// identical text costs exactly one provider call no matter how many chunks
// or documents share it. Cache misses are embedded in fixed-size batches,
// at most maxParallel batches in flight per wave.
type Embedder struct {
	db          core.DbClient
	provider    core.EmbeddingProvider
	batchSize   int
	maxParallel int
	dim         int // expected vector length, 0 disables the check
}

func NewEmbedder(db core.DbClient, provider core.EmbeddingProvider, batchSize, maxParallel, dim int) *Embedder {
	if batchSize <= 0 {
		batchSize = 32
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Embedder{db: db, provider: provider, batchSize: batchSize, maxParallel: maxParallel, dim: dim}
}

// ContentHash is the cache key for a chunk's text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type pendingText struct {
	hash       string
	text       string
	tokenCount int
}

// EmbedChunks returns vectors aligned 1:1 with chunks. onWave, when non-nil,
// is called after each completed wave with (wavesDone, wavesTotal).
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []models.DocumentChunk, onWave func(done, total int)) ([]models.ChunkVector, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	hashes := make([]string, len(chunks))
	unique := make([]string, 0, len(chunks))
	seen := map[string]bool{}
	for i := range chunks {
		hashes[i] = ContentHash(chunks[i].Text)
		if !seen[hashes[i]] {
			seen[hashes[i]] = true
			unique = append(unique, hashes[i])
		}
	}

	cached, err := e.db.GetEmbeddingCacheEntries(ctx, unique)
	if err != nil {
		// A broken cache read only costs reuse, never the run.
		log.Printf("embed: cache lookup failed: %v", err)
		cached = map[string]models.EmbeddingCacheEntry{}
	}

	byHash := make(map[string][]float32, len(unique))
	for h, entry := range cached {
		byHash[h] = entry.Embedding
	}

	// Deduplicate misses so repeated text within one document is also a
	// single provider call.
	var missing []pendingText
	queued := map[string]bool{}
	for i := range chunks {
		h := hashes[i]
		if _, ok := byHash[h]; ok || queued[h] {
			continue
		}
		queued[h] = true
		missing = append(missing, pendingText{hash: h, text: chunks[i].Text, tokenCount: chunks[i].TokenCount})
	}

	if err := e.embedMissing(ctx, missing, byHash, onWave); err != nil {
		return nil, err
	}

	model := e.provider.ModelName()
	vectors := make([]models.ChunkVector, len(chunks))
	for i := range chunks {
		emb, ok := byHash[hashes[i]]
		if !ok {
			return nil, fmt.Errorf("no embedding produced for chunk %s", chunks[i].ID)
		}
		vectors[i] = models.ChunkVector{
			ChunkID:    chunks[i].ID,
			DocumentID: chunks[i].DocumentID,
			Embedding:  emb,
			Model:      model,
		}
	}
	return vectors, nil
}

// embedMissing drives the provider in waves of at most maxParallel batches,
// awaiting each wave before starting the next.
func (e *Embedder) embedMissing(ctx context.Context, missing []pendingText, byHash map[string][]float32, onWave func(done, total int)) error {
	if len(missing) == 0 {
		if onWave != nil {
			onWave(0, 0)
		}
		return nil
	}

	var batches [][]pendingText
	for start := 0; start < len(missing); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batches = append(batches, missing[start:end])
	}

	results := make([][][]float32, len(batches))
	waves := (len(batches) + e.maxParallel - 1) / e.maxParallel

	for w := 0; w < waves; w++ {
		start := w * e.maxParallel
		end := start + e.maxParallel
		if end > len(batches) {
			end = len(batches)
		}

		g, gctx := errgroup.WithContext(ctx)
		for bi := start; bi < end; bi++ {
			g.Go(func() error {
				batch := batches[bi]
				texts := make([]string, len(batch))
				for k := range batch {
					texts[k] = batch[k].text
				}
				vecs, err := e.provider.EmbedTexts(gctx, texts)
				if err != nil {
					return fmt.Errorf("embed batch %d: %w", bi, err)
				}
				// A silent truncation here would strand chunks without
				// vectors, so a count mismatch is a hard failure.
				if len(vecs) != len(texts) {
					return fmt.Errorf("embed batch %d: got %d vectors for %d texts", bi, len(vecs), len(texts))
				}
				// A wrong-dimension vector would only surface later as a
				// pgvector insert error, far from the provider call.
				if e.dim > 0 {
					for k, v := range vecs {
						if len(v) != e.dim {
							return fmt.Errorf("embed batch %d: vector %d has dimension %d, want %d", bi, k, len(v), e.dim)
						}
					}
				}
				results[bi] = vecs
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for bi := start; bi < end; bi++ {
			for k, p := range batches[bi] {
				byHash[p.hash] = results[bi][k]
				e.cachePut(ctx, p, results[bi][k])
			}
		}
		if onWave != nil {
			onWave(w+1, waves)
		}
	}
	return nil
}

// cachePut is best-effort: losing a cache write only forgoes future reuse.
func (e *Embedder) cachePut(ctx context.Context, p pendingText, emb []float32) {
	entry := &models.EmbeddingCacheEntry{
		ContentHash: p.hash,
		Embedding:   emb,
		Model:       e.provider.ModelName(),
		TokenCount:  p.tokenCount,
	}
	if err := e.db.PutEmbeddingCacheEntry(ctx, entry); err != nil {
		log.Printf("embed: cache write failed for %s: %v", p.hash[:12], err)
	}
}
