// Package retrieval selects and assembles the evidence a question is
// answered from: intent classification, per-document nearest-neighbor search
// with an ordered fallback chain, and bounded context assembly.
package retrieval

import "strings"

// Strategy is how a question is answered: broad whole-document treatment or
// narrow chunk retrieval.
type Strategy string

const (
	FullDocument Strategy = "full_document"
	TargetedRAG  Strategy = "targeted_rag"
)

// Similarity thresholds derived from classification.
const (
	thresholdFullDocument = 0.0
	thresholdTargeted     = 0.80
	thresholdDefault      = 0.75
)

// KeywordPolicy holds the phrase lists driving intent classification. The
// policy is data, not control flow, so it can be tuned from configuration
// and tested on its own.
type KeywordPolicy struct {
	Comprehensive []string
	Targeted      []string
}

func DefaultKeywordPolicy() KeywordPolicy {
	return KeywordPolicy{
		Comprehensive: []string{
			"summary", "summarize", "summarise", "overview", "analyze", "analyse",
			"timeline", "key points", "main points", "entire", "whole document", "explain",
		},
		Targeted: []string{
			"locate", "find the", "specific", "section", "clause", "page",
			"paragraph", "article", "exhibit", "definition of",
		},
	}
}

// Classification is the outcome of intent analysis for one question.
type Classification struct {
	Strategy  Strategy
	Threshold float64
	Reason    string
}

var broadOpeners = map[string]bool{
	"what": true, "who": true, "when": true, "where": true, "why": true, "how": true,
}

// Classify picks the retrieval strategy for a question. Precedence:
// comprehensive keywords win outright; targeted keywords win over the
// short/broad heuristics; otherwise short or broad wh-questions get the
// whole document, and everything else is targeted with a softer threshold.
func Classify(question string, policy KeywordPolicy) Classification {
	q := strings.ToLower(strings.TrimSpace(question))

	if containsAny(q, policy.Comprehensive) {
		return Classification{FullDocument, thresholdFullDocument, "comprehensive keyword"}
	}
	if containsAny(q, policy.Targeted) {
		return Classification{TargetedRAG, thresholdTargeted, "targeted keyword"}
	}

	words := strings.Fields(q)
	if len(words) > 0 && len(words) <= 5 {
		return Classification{FullDocument, thresholdFullDocument, "short question"}
	}
	if len(words) > 0 && broadOpeners[strings.Trim(words[0], "?.,!")] {
		return Classification{FullDocument, thresholdFullDocument, "broad question"}
	}
	return Classification{TargetedRAG, thresholdDefault, "default"}
}

func containsAny(q string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(q, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
