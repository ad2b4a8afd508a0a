package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const systemPrompt = `You are a specialized dental assistant that converts clinical notes into standardized SOAP format.
Organize the dental examination notes into these sections:

1. Subjective: patient complaints, history and symptoms from the patient's perspective.
2. Objective: clinical findings during examination, including visual observations, probing depths and radiographic findings.
3. Assessment: diagnosis and interpretation of the findings.
4. Plan: treatment recommendations, procedures performed, medications prescribed and follow-up.

Guidelines:
- Use clear, professional dental terminology consistent with standard practice.
- Include all relevant clinical information from the provided notes and nothing that is not in them.
- Use the Universal/ADA numbering system for teeth and include CDT procedure codes where appropriate.
- Format with clear section headers and bullet points so the note can be entered directly into a practice management system.`

// ErrEmptyNote is returned when the model produced no content.
var ErrEmptyNote = errors.New("openai returned an empty note")

// OpenAIConfig configures an OpenAIGenerator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Retry       RetryPolicy
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// OpenAIGenerator turns clinician text into a SOAP note with the chat
// completions API.
type OpenAIGenerator struct {
	client *http.Client
	cfg    OpenAIConfig
	logger zerolog.Logger
}

// NewOpenAIGenerator creates a generator using client for transport.
func NewOpenAIGenerator(client *http.Client, cfg OpenAIConfig, logger zerolog.Logger) *OpenAIGenerator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	return &OpenAIGenerator{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "openai").Logger(),
	}
}

// Generate returns a SOAP note for text.
func (g *OpenAIGenerator) Generate(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		TopP:        0.9,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	var note string
	err = do(ctx, g.cfg.Retry, g.logger, func(ctx context.Context) error {
		var err error
		note, err = g.complete(ctx, body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("generate note: %w", err)
	}

	g.logger.Debug().Int("input_len", len(text)).Int("note_len", len(note)).Msg("note generated")
	return note, nil
}

func (g *OpenAIGenerator) complete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Vendor: "openai", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyNote
	}
	note := strings.TrimSpace(out.Choices[0].Message.Content)
	if note == "" {
		return "", ErrEmptyNote
	}
	return note, nil
}
