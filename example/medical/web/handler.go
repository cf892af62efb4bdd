package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/go-mcp-medbot/servers/medical"
)

// Renderer renders the page called name from data. HTML templating lives outside this program;
// the JSON renderer below is what ships with it.
type Renderer interface {
	Render(w http.ResponseWriter, name string, data any) error
}

// JSONRenderer renders every page as a JSON document {"page": name, "data": data}.
type JSONRenderer struct{}

type app struct {
	assistant medical.Assistant
	renderer  Renderer
	logger    *slog.Logger
}

type greetingPage struct {
	Name     string `json:"name"`
	Greeting string `json:"greeting"`
}

type diagnosisPage struct {
	Symptoms  string `json:"symptoms"`
	Diagnosis string `json:"diagnosis"`
	Prompt    string `json:"prompt,omitempty"`
}

type errorPage struct {
	Error string `json:"error"`
}

// Render implements Renderer.
func (JSONRenderer) Render(w http.ResponseWriter, name string, data any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(struct {
		Page string `json:"page"`
		Data any    `json:"data"`
	}{Page: name, Data: data})
}

func (a app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /greeting", a.handleGreeting)
	mux.HandleFunc("POST /assess", a.handleAssess)
	return mux
}

func (a app) handleGreeting(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		a.renderError(w, http.StatusBadRequest, "missing name")
		return
	}

	greeting, err := a.assistant.Greet(r.Context(), name)
	if err != nil {
		a.logger.Error("failed to fetch greeting", slog.String("err", err.Error()))
		a.renderError(w, http.StatusBadGateway, err.Error())
		return
	}

	a.render(w, "symptoms", greetingPage{Name: name, Greeting: greeting})
}

func (a app) handleAssess(w http.ResponseWriter, r *http.Request) {
	symptoms, err := readSymptoms(r)
	if err != nil {
		a.renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	assessment, err := a.assistant.Assess(r.Context(), symptoms)
	if err != nil {
		a.logger.Error("failed to assess symptoms", slog.String("err", err.Error()))
		a.renderError(w, http.StatusBadGateway, err.Error())
		return
	}

	a.render(w, "diagnosis", diagnosisPage{
		Symptoms:  symptoms,
		Diagnosis: assessment.Advice,
		Prompt:    assessment.Prompt,
	})
}

// readSymptoms accepts a JSON body {"symptoms": "..."} or a form field.
func readSymptoms(r *http.Request) (string, error) {
	var symptoms string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Symptoms string `json:"symptoms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("invalid body: %w", err)
		}
		symptoms = body.Symptoms
	} else {
		symptoms = r.FormValue("symptoms")
	}

	symptoms = strings.TrimSpace(symptoms)
	if symptoms == "" {
		return "", fmt.Errorf("missing symptoms")
	}
	return symptoms, nil
}

func (a app) render(w http.ResponseWriter, name string, data any) {
	if err := a.renderer.Render(w, name, data); err != nil {
		a.logger.Error("failed to render page", slog.String("page", name), slog.String("err", err.Error()))
	}
}

func (a app) renderError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	a.render(w, "error", errorPage{Error: msg})
}
