package medical

import (
	"context"
	"fmt"
	"strings"
)

// GenerateOptions are the decoding parameters passed to a Generator on every call.
type GenerateOptions struct {
	// DecodingMethod names the decoding strategy, e.g. "greedy" or "sample".
	DecodingMethod string
	// MaxNewTokens bounds the length of the generated text.
	MaxNewTokens int
}

// Generator turns a prompt into generated text. Implementations wrap a hosted model; the chat
// tool only depends on this interface.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

// OfflineGenerator is a deterministic Generator for running the chatbot without a hosted model.
// It acknowledges the prompt and recommends seeing a clinician, truncated to MaxNewTokens words.
type OfflineGenerator struct {
	ModelID string
}

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return f(ctx, prompt, opts)
}

// Generate implements Generator.
func (g OfflineGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	model := g.ModelID
	if model == "" {
		model = "offline"
	}

	reply := fmt.Sprintf("[%s] I received your request: %q. "+
		"I can't examine you, so please treat this as general guidance only. "+
		"Rest, stay hydrated and monitor how your symptoms develop. "+
		"See a doctor if they get worse or last more than a few days, "+
		"and seek immediate care for chest pain, trouble breathing or confusion.",
		model, lastLine(prompt))

	return truncateWords(reply, opts.MaxNewTokens), nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return s
}

// truncateWords keeps the first n words of s. Zero or less keeps everything.
func truncateWords(s string, n int) string {
	if n <= 0 {
		return s
	}
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
