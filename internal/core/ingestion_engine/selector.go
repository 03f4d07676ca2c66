package ingestion_engine

import (
	"bytes"
	"context"
	"log"
	"strings"

	"github.com/veridoc-ai/veridoc/internal/core"
)

// Route is where a document's text comes from.
type Route int

const (
	// RouteLocal: text extracted locally, segments are ready for chunking.
	RouteLocal Route = iota
	// RouteBatch: the document must go through the external OCR provider.
	RouteBatch
)

// Absolute density floors for the text-native decision. They are floors, not
// ratios: a handful of text-bearing pages in an otherwise scanned document
// cannot pass them.
const (
	minWordsPerPage = 10
	minCharsPerPage = 100
)

// Selection is the extraction decision for one document. Segments are only
// populated on the local route.
type Selection struct {
	Route     Route
	Segments  []core.ExtractedSegment
	PageCount int
}

// ExtractionSelector decides whether a document's text can be pulled locally
// or needs the external OCR provider. The initial heuristic is a cheap byte
// sniff; the word/char floors computed from the actual extraction output are
// authoritative and always override it.
type ExtractionSelector struct {
	extractor core.LocalExtractor
}

func NewExtractionSelector(extractor core.LocalExtractor) *ExtractionSelector {
	return &ExtractionSelector{extractor: extractor}
}

func (s *ExtractionSelector) Select(ctx context.Context, data []byte, contentType string) *Selection {
	if alwaysScanned(contentType) {
		return &Selection{Route: RouteBatch}
	}

	paginated := isPaginatedType(contentType)
	if paginated && !sniffTextNative(data) {
		// No font objects in the file at all: nothing for local
		// extraction to find.
		return &Selection{Route: RouteBatch}
	}

	res, err := s.extractor.Extract(ctx, data, contentType)
	if err != nil {
		// Classification failure falls back to the safer path instead
		// of failing the document.
		log.Printf("selector: local extraction failed (%v), routing to OCR", err)
		return &Selection{Route: RouteBatch}
	}

	if paginated && !passesFloors(res) {
		return &Selection{Route: RouteBatch, PageCount: res.PageCount}
	}

	return &Selection{Route: RouteLocal, Segments: res.Segments, PageCount: res.PageCount}
}

// passesFloors is the authoritative text-native check: extracted word count
// must reach 10x the page count AND extracted character count 100x.
func passesFloors(res *core.LocalExtraction) bool {
	pages := res.PageCount
	if pages < 1 {
		pages = 1
	}
	return res.WordCount >= minWordsPerPage*pages && res.CharCount >= minCharsPerPage*pages
}

// alwaysScanned reports formats that can never carry embedded text and skip
// local extraction entirely.
func alwaysScanned(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

func isPaginatedType(contentType string) bool {
	return strings.EqualFold(contentType, "application/pdf")
}

// sniffTextNative is the cheap pre-filter: a PDF without any font object is
// image-only. It is a weak proxy and never trusted over the floors.
func sniffTextNative(data []byte) bool {
	return bytes.Contains(data, []byte("/Font")) || bytes.Contains(data, []byte("/FontDescriptor"))
}
