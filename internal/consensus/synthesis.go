package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ModelProvider generates text for compromise synthesis. Implementations
// wrap a concrete model vendor; the engine depends only on this interface
// and ships without a binding.
type ModelProvider interface {
	GenerateContent(ctx context.Context, prompt string, settings GenerationSettings) (*GenerationResult, error)
}

// GenerationSettings bound a single generation call.
type GenerationSettings struct {
	MaxTokens   int
	Temperature float64
}

// GenerationResult carries the model output and optional usage accounting.
type GenerationResult struct {
	Text  string
	Usage *TokenUsage
}

// TokenUsage reports token counts for a generation call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// synthesisOutput is the response contract for model-assisted synthesis.
type synthesisOutput struct {
	Analysis        string `json:"analysis"`
	TargetFile      string `json:"targetFile"`
	SuggestedChange string `json:"suggestedChange"`
	Reason          string `json:"reason"`
}

func (e *Engine) llmEnabled() bool {
	return e.cfg.LLMSynthesisEnabled && e.provider != nil
}

// synthesizeWithModel asks the model provider to phrase a compromise and
// parses the reply as strict JSON. Any deviation from the contract is an
// error; the caller keeps the deterministic compromise instead.
func (e *Engine) synthesizeWithModel(ctx context.Context, proposal string, viewpoints []ViewPoint, compromises []Compromise) (string, error) {
	generated, err := e.provider.GenerateContent(ctx, buildSynthesisPrompt(proposal, viewpoints, compromises), GenerationSettings{
		MaxTokens:   512,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	out, err := parseSynthesisOutput(generated.Text)
	if err != nil {
		return "", err
	}
	return out.SuggestedChange, nil
}

// parseSynthesisOutput enforces the response contract: a single JSON
// object with only the expected keys and a non-empty suggestedChange.
func parseSynthesisOutput(text string) (*synthesisOutput, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(text)))
	dec.DisallowUnknownFields()

	var out synthesisOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed synthesis response: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("malformed synthesis response: trailing content")
	}
	if strings.TrimSpace(out.SuggestedChange) == "" {
		return nil, fmt.Errorf("synthesis response missing suggestedChange")
	}
	return &out, nil
}

func buildSynthesisPrompt(proposal string, viewpoints []ViewPoint, compromises []Compromise) string {
	var b strings.Builder
	b.WriteString("Agents could not reach consensus on the proposal below. Synthesize a compromise.\n")
	b.WriteString(`Respond with a single JSON object with keys "analysis", "targetFile", "suggestedChange", "reason".`)
	b.WriteString("\n\nProposal: ")
	b.WriteString(proposal)
	b.WriteString("\n\nViewpoints:\n")
	for _, vp := range viewpoints {
		fmt.Fprintf(&b, "- %s (confidence %.2f): %s\n", vp.AgentID, vp.Confidence, vp.Position)
	}
	if len(compromises) > 0 {
		b.WriteString("\nShared ground found so far:\n")
		for _, c := range compromises {
			fmt.Fprintf(&b, "- %s\n", c.Description)
		}
	}
	return b.String()
}
