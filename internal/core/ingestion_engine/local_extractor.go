package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"

	"github.com/veridoc-ai/veridoc/internal/core"
)

// DocconvExtractor implements core.LocalExtractor using sajari/docconv.
// For PDFs the underlying pdftotext separates pages with form feeds, which
// is where the per-page segments and the page counts come from.
type DocconvExtractor struct{}

func NewDocconvExtractor() *DocconvExtractor {
	return &DocconvExtractor{}
}

var _ core.LocalExtractor = (*DocconvExtractor)(nil)

func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, contentType string) (res *core.LocalExtraction, err error) {
	// docconv delegates to format-specific parsers that can panic on
	// malformed input; the selector treats that as a classification failure.
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("local extraction panicked: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conv, err := docconv.Convert(bytes.NewReader(data), contentType, false)
	if err != nil {
		return nil, fmt.Errorf("docconv: %w", err)
	}

	if isPaginated(contentType) {
		return paginatedExtraction(conv.Body), nil
	}

	text := strings.TrimSpace(conv.Body)
	out := &core.LocalExtraction{PageCount: 1}
	if text != "" {
		out.Segments = []core.ExtractedSegment{{Text: text}}
		out.WordCount = len(strings.Fields(text))
		out.CharCount = utf8.RuneCountInString(text)
	}
	return out, nil
}

func isPaginated(contentType string) bool {
	return strings.EqualFold(contentType, "application/pdf")
}

// paginatedExtraction splits pdftotext output on form feeds into per-page
// segments. Blank pages still count toward PageCount but yield no segment.
func paginatedExtraction(body string) *core.LocalExtraction {
	pages := strings.Split(body, "\f")
	// pdftotext emits a trailing form feed, leaving an empty final element.
	if len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	out := &core.LocalExtraction{PageCount: len(pages)}

	for i, page := range pages {
		text := strings.TrimSpace(page)
		if text == "" {
			continue
		}
		n := i + 1
		out.Segments = append(out.Segments, core.ExtractedSegment{
			Text:      text,
			PageStart: &n,
			PageEnd:   &n,
		})
		out.WordCount += len(strings.Fields(text))
		out.CharCount += utf8.RuneCountInString(text)
	}
	if out.PageCount < 1 {
		out.PageCount = 1
	}
	return out
}
