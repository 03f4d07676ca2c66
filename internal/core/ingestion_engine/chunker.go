package ingestion_engine

import (
	"log"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/veridoc-ai/veridoc/internal/core"
	"github.com/veridoc-ai/veridoc/internal/models"
)

const defaultChunkMethod = "recursive"

// charsPerToken is the cheap token estimate (~4 chars per token).
const charsPerToken = 4

// splitFunc breaks segment text into small units the chunker then packs into
// token-bounded chunks. Units longer than maxChars get hard-split.
type splitFunc func(text string, maxChars int) []string

var chunkMethods = map[string]splitFunc{
	"recursive": splitRecursive,
	"sentence":  splitSentences,
	"fixed":     splitFixed,
}

// Chunker turns extracted segments into persistable chunks, carrying page
// ranges and heading context through from the segments.
type Chunker struct {
	split         splitFunc
	targetTokens  int
	overlapTokens int
}

// NewChunker resolves the method by name. Unknown methods fall back to the
// default splitter rather than failing the job.
func NewChunker(method string, targetTokens, overlapTokens int) *Chunker {
	fn, ok := chunkMethods[strings.ToLower(method)]
	if !ok {
		log.Printf("chunker: unknown method %q, using %s", method, defaultChunkMethod)
		fn = chunkMethods[defaultChunkMethod]
	}
	return &Chunker{split: fn, targetTokens: targetTokens, overlapTokens: overlapTokens}
}

// Chunk packs segment text into chunks of roughly targetTokens, with an
// overlap tail between consecutive chunks inside one segment. Positions are
// dense and zero-based across the whole document. A chunk's page range comes
// from its segment; PageEnd defaults to PageStart, and both stay nil only
// when the segment has no page information.
func (c *Chunker) Chunk(segments []core.ExtractedSegment, documentID string) []models.DocumentChunk {
	var chunks []models.DocumentChunk
	pos := 0

	for _, seg := range segments {
		units := c.split(seg.Text, c.targetTokens*charsPerToken)

		var (
			buf     []string
			tokSum  int
			fresh   int // units added since the last flush
			heading string
		)

		flush := func() {
			if tokSum == 0 {
				return
			}
			pageStart, pageEnd := segmentPages(seg)
			chunks = append(chunks, models.DocumentChunk{
				ID:         uuid.NewString(),
				DocumentID: documentID,
				Position:   pos,
				Text:       strings.Join(buf, "\n"),
				TokenCount: tokSum,
				PageStart:  pageStart,
				PageEnd:    pageEnd,
				Heading:    heading,
			})
			pos++

			if c.overlapTokens > 0 {
				// Keep a tail of ~overlapTokens as the seed of the
				// next chunk, preserving unit order.
				var keep []string
				remain := c.overlapTokens
				for j := len(buf) - 1; j >= 0 && remain > 0; j-- {
					keep = append([]string{buf[j]}, keep...)
					remain -= approxTokens(buf[j])
				}
				buf = keep
				tokSum = 0
				for _, s := range buf {
					tokSum += approxTokens(s)
				}
			} else {
				buf = buf[:0]
				tokSum = 0
			}
			fresh = 0
		}

		for _, u := range units {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if h, ok := detectHeading(u); ok {
				heading = h
			}
			buf = append(buf, u)
			tokSum += approxTokens(u)
			fresh++
			if tokSum >= c.targetTokens {
				flush()
			}
		}
		// Segment tail. A buffer holding only the overlap of the previous
		// flush carries nothing new and is dropped.
		if fresh > 0 {
			flush()
		}
	}

	return chunks
}

func segmentPages(seg core.ExtractedSegment) (*int, *int) {
	if seg.PageStart == nil {
		return nil, nil
	}
	start := *seg.PageStart
	end := start
	if seg.PageEnd != nil {
		end = *seg.PageEnd
	}
	return &start, &end
}

// detectHeading recognizes markdown headings and short all-caps lines, which
// is what section titles look like after text extraction.
func detectHeading(unit string) (string, bool) {
	line := strings.TrimSpace(strings.SplitN(unit, "\n", 2)[0])
	if line == "" {
		return "", false
	}
	if strings.HasPrefix(line, "#") {
		return strings.TrimSpace(strings.TrimLeft(line, "# ")), true
	}
	if len(line) <= 80 && isAllCaps(line) {
		return line, true
	}
	return "", false
}

func isAllCaps(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

// approxTokens is a cheap token estimator (~4 chars per token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// splitRecursive splits on progressively finer separators until every unit
// fits in maxChars: paragraphs, then lines, then sentences, then words.
func splitRecursive(text string, maxChars int) []string {
	return recursiveSplit(text, maxChars, []string{"\n\n", "\n", ". ", " "})
}

func recursiveSplit(text string, maxChars int, seps []string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= maxChars || len(seps) == 0 {
		if len(seps) == 0 {
			return splitFixed(text, maxChars)
		}
		return []string{text}
	}
	var out []string
	for _, part := range strings.Split(text, seps[0]) {
		out = append(out, recursiveSplit(part, maxChars, seps[1:])...)
	}
	return out
}

// splitSentences cuts on sentence terminators, hard-splitting runaways.
func splitSentences(text string, maxChars int) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	var bounded []string
	for _, s := range out {
		bounded = append(bounded, splitFixed(s, maxChars)...)
	}
	return bounded
}

// splitFixed cuts into rune windows of maxChars.
func splitFixed(text string, maxChars int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if maxChars <= 0 {
		return []string{string(runes)}
	}
	var out []string
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
