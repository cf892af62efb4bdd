package medical

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcp "github.com/MegaGrindStone/go-mcp-medbot"
)

// Capability names served by the medical server.
const (
	GreetingTemplate     = "greeting://patient/{name}"
	PromptAssessSymptoms = "assess_symptoms"
	ToolChat             = "chat"
)

// ServerName is the name the medical server reports during the handshake.
const ServerName = "Watsonx Chatbot Server"

// Server hosts the chatbot's capabilities: a personalized greeting resource, the symptom
// assessment prompt and the chat tool backed by a Generator.
type Server struct {
	generator Generator
	options   GenerateOptions
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

type assessSymptomsArgs struct {
	Symptoms string `json:"symptoms" jsonschema:"description=Description of patient symptoms"`
}

type chatArgs struct {
	Query string `json:"query" jsonschema:"description=User's input message"`
}

// NewServer creates a medical server that answers chat queries with generator.
func NewServer(generator Generator, cfg Config, options ...ServerOption) Server {
	s := Server{
		generator: generator,
		options:   cfg.GenerateOptions(),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithLogger sets the logger of the medical server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "medical"),
			slog.String("component", "server"),
		)
	}
}

// Registry returns a new Registry holding the capabilities of s.
func (s Server) Registry() (*mcp.Registry, error) {
	r := mcp.NewRegistry()
	if err := s.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds the capabilities of s to r.
func (s Server) Register(r *mcp.Registry) error {
	if err := r.RegisterResource(GreetingTemplate, s.greeting,
		mcp.WithDescription("Return a medical-style greeting for the given patient name."),
		mcp.WithMIMEType("text/plain"),
	); err != nil {
		return fmt.Errorf("failed to register greeting: %w", err)
	}

	if err := r.RegisterPrompt(PromptAssessSymptoms, s.assessSymptoms,
		mcp.WithDescription("Prompt template for symptom assessment."),
		mcp.WithArguments(assessSymptomsArgs{}),
	); err != nil {
		return fmt.Errorf("failed to register %s prompt: %w", PromptAssessSymptoms, err)
	}

	if err := r.RegisterTool(ToolChat, s.chat,
		mcp.WithDescription("Generate a chatbot response."),
		mcp.WithArguments(chatArgs{}),
	); err != nil {
		return fmt.Errorf("failed to register %s tool: %w", ToolChat, err)
	}

	return nil
}

// Greeting returns the greeting for a patient.
func Greeting(name string) string {
	return fmt.Sprintf("Hello %s, I'm your medical assistant. How can I help you today?", name)
}

// AssessmentPrompt returns the prompt asking the model to analyze symptoms.
func AssessmentPrompt(symptoms string) string {
	return "You are a qualified medical assistant. The patient reports the following symptoms:\n" +
		symptoms + "\n\n" +
		"Please provide possible causes, recommended next steps, and when to seek immediate care."
}

func (s Server) greeting(_ context.Context, args mcp.Arguments) (mcp.Payload, error) {
	return mcp.Text(Greeting(args.Get("name"))), nil
}

func (s Server) assessSymptoms(_ context.Context, args mcp.Arguments) (mcp.Payload, error) {
	p := mcp.Messages(AssessmentPrompt(args.Get("symptoms")))
	p.Description = "Symptom assessment"
	return p, nil
}

// chat never fails the request: generator errors are reported to the user as the reply text.
func (s Server) chat(ctx context.Context, args mcp.Arguments) (mcp.Payload, error) {
	query := args.Get("query")
	s.logger.Info("received chat query", slog.String("query", query))

	text, err := s.generator.Generate(ctx, query, s.options)
	if err != nil {
		s.logger.Error("inference error", slog.String("err", err.Error()))
		return mcp.Text(fmt.Sprintf("Error generating response: %s", err)), nil
	}

	text = strings.TrimSpace(text)
	s.logger.Info("generated response", slog.String("response", text))

	return mcp.Text(text), nil
}
