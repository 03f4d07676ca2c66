package core

import "context"

// ExtractedSegment is a unit of raw text produced by extraction, with page
// bounds when the source format carries them. Segments are transient: they
// feed the chunker and are never persisted.
type ExtractedSegment struct {
	Text      string
	PageStart *int
	PageEnd   *int
}

// LocalExtraction is the outcome of a cheap local text extraction attempt,
// with the counts the selector needs for its density floors.
type LocalExtraction struct {
	Segments  []ExtractedSegment
	PageCount int
	WordCount int
	CharCount int
}

// LocalExtractor pulls text out of document bytes without OCR. The
// contentType hint picks the parsing strategy.
type LocalExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (*LocalExtraction, error)
}
