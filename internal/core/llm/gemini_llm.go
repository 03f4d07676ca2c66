package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/veridoc-ai/veridoc/internal/core"
)

const defaultGenModel = "gemini-1.5-flash"

// Answers are grounded in retrieved excerpts; a low temperature keeps the
// model close to the provided evidence.
const genTemperature = 0.2

// GeminiLLM generates answers and document summaries through the Gemini API.
type GeminiLLM struct {
	client    *genai.Client
	modelName string
}

// NewGeminiLLM connects to Gemini. An empty apiKey falls back to the
// GEMINI_API_KEY environment variable, an empty modelName to the default
// generation model.
func NewGeminiLLM(ctx context.Context, apiKey, modelName string) (*GeminiLLM, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if modelName == "" {
		modelName = defaultGenModel
	}
	return &GeminiLLM{client: cl, modelName: modelName}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Generate produces a completion for userPrompt, with systemPrompt installed
// as the system instruction when non-empty. A response with no candidates is
// returned as "" without error; callers treat an empty answer as "nothing to
// say", not as a failure.
func (g *GeminiLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(genTemperature)
	if systemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}

	resp, err := m.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	return flattenText(resp.Candidates[0].Content), nil
}

// flattenText joins the text parts of a candidate's content, skipping
// non-text parts.
func flattenText(c *genai.Content) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

var _ core.LLMProvider = (*GeminiLLM)(nil)
