package ingestion_engine

import "time"

// IngestConfig tunes the ingestion pipeline.
//
// TargetTokens/OverlapTokens: approximate tokens per chunk and the tail kept
// between consecutive chunks. EmbedBatchSize/EmbedMaxParallel: chunks per
// embedding call and concurrent calls per wave. PollInterval/PollMaxAttempts:
// cadence and wall-clock budget of the batch OCR completion poller.
type IngestConfig struct {
	Bucket           string
	ChunkMethod      string
	TargetTokens     int
	OverlapTokens    int
	EmbedBatchSize   int
	EmbedMaxParallel int
	// EmbedDim, when > 0, is the expected vector length from the embedding
	// provider; mismatched responses fail the run before anything is stored.
	EmbedDim int
	PollInterval     time.Duration
	PollMaxAttempts  int
}

func (c *IngestConfig) withDefaults() *IngestConfig {
	out := *c
	if out.ChunkMethod == "" {
		out.ChunkMethod = defaultChunkMethod
	}
	if out.TargetTokens <= 0 {
		out.TargetTokens = 400
	}
	if out.OverlapTokens < 0 {
		out.OverlapTokens = 0
	}
	if out.EmbedBatchSize <= 0 {
		out.EmbedBatchSize = 32
	}
	if out.EmbedMaxParallel <= 0 {
		out.EmbedMaxParallel = 4
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.PollMaxAttempts <= 0 {
		out.PollMaxAttempts = 300
	}
	return &out
}
