package core

import "context"

// EmbeddingProvider turns texts into vectors. Implementations must return
// exactly one vector per input text; the caller treats any count mismatch as
// a provider error.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}

// OCRPage is one page of text returned by the batch OCR provider.
type OCRPage struct {
	PageNumber int
	Text       string
}

// OCRResult is the observed state of a batch OCR operation.
type OCRResult struct {
	Done          bool
	Failed        bool
	StatusMessage string
	Pages         []OCRPage
}

// OCRProvider is the external batch text-extraction service. Submit starts an
// asynchronous operation over an object already staged in storage and returns
// an opaque handle; Poll reports its current state and, once done, the
// per-page text.
type OCRProvider interface {
	Submit(ctx context.Context, bucket, key, contentType string) (operationRef string, err error)
	Poll(ctx context.Context, operationRef string) (*OCRResult, error)
}
