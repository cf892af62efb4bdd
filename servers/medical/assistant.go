package medical

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Caller is the part of a session the Assistant needs. *mcp.Session satisfies it.
type Caller interface {
	ReadResource(ctx context.Context, uri string) (string, error)
	RenderPrompt(ctx context.Context, name string, args map[string]string) (string, error)
	CallTool(ctx context.Context, name string, args map[string]string) (string, error)
}

// Assistant drives the chatbot conversation over a session: greet the patient, turn their
// symptoms into a diagnosis prompt and ask the chat tool for advice.
type Assistant struct {
	caller Caller
	logger *slog.Logger
}

// Assessment is the outcome of one symptom assessment.
type Assessment struct {
	Prompt string `json:"prompt"`
	Advice string `json:"advice"`
}

// AssistantOption configures an Assistant.
type AssistantOption func(*Assistant)

// NewAssistant creates an Assistant issuing its requests through caller.
func NewAssistant(caller Caller, options ...AssistantOption) Assistant {
	a := Assistant{
		caller: caller,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&a)
	}
	return a
}

// WithAssistantLogger sets the logger of the assistant.
func WithAssistantLogger(logger *slog.Logger) AssistantOption {
	return func(a *Assistant) {
		a.logger = logger.With(
			slog.String("package", "medical"),
			slog.String("component", "assistant"),
		)
	}
}

// GreetingURI returns the resource URI of the greeting for name. The name is escaped so it stays
// a single path segment.
func GreetingURI(name string) string {
	const hexDigits = "0123456789ABCDEF"

	var b strings.Builder
	b.WriteString("greeting://patient/")
	for i := 0; i < len(name); i++ {
		switch c := name[i]; {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// Greet fetches the greeting for the patient called name.
func (a Assistant) Greet(ctx context.Context, name string) (string, error) {
	a.logger.Info("fetching greeting", slog.String("name", name))

	greeting, err := a.caller.ReadResource(ctx, GreetingURI(name))
	if err != nil {
		return "", fmt.Errorf("failed to fetch greeting: %w", err)
	}
	return greeting, nil
}

// DiagnosisPrompt renders the symptom assessment prompt for symptoms.
func (a Assistant) DiagnosisPrompt(ctx context.Context, symptoms string) (string, error) {
	prompt, err := a.caller.RenderPrompt(ctx, PromptAssessSymptoms, map[string]string{"symptoms": symptoms})
	if err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", PromptAssessSymptoms, err)
	}
	return prompt, nil
}

// Chat sends query to the chat tool and returns the reply.
func (a Assistant) Chat(ctx context.Context, query string) (string, error) {
	reply, err := a.caller.CallTool(ctx, ToolChat, map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("failed to call %s tool: %w", ToolChat, err)
	}
	return reply, nil
}

// Assess renders the diagnosis prompt for symptoms and asks the chat tool about it.
func (a Assistant) Assess(ctx context.Context, symptoms string) (Assessment, error) {
	prompt, err := a.DiagnosisPrompt(ctx, symptoms)
	if err != nil {
		return Assessment{}, err
	}
	a.logger.Debug("diagnosis prompt rendered", slog.String("prompt", prompt))

	advice, err := a.Chat(ctx, prompt)
	if err != nil {
		return Assessment{}, err
	}

	return Assessment{Prompt: prompt, Advice: advice}, nil
}
