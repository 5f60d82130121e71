package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Text generation errors.
var (
	ErrQuotaExceeded    = errors.New("livesync: generation quota exceeded")
	ErrPermissionDenied = errors.New("livesync: generation not permitted")
	ErrEmptyResult      = errors.New("livesync: generation returned no text")
)

// GenerateOptions tunes a generation call.
type GenerateOptions struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// Generator is the external text-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// ============================================================================
// HTTPGenerator
// ============================================================================

// HTTPGenerator calls a JSON text-generation endpoint:
// POST {baseURL}/generate {"prompt": ..., ...} -> {"text": ...}.
type HTTPGenerator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// GeneratorOption configures an HTTPGenerator.
type GeneratorOption func(*HTTPGenerator)

// WithGeneratorAPIKey sets the bearer token.
func WithGeneratorAPIKey(key string) GeneratorOption {
	return func(g *HTTPGenerator) { g.apiKey = key }
}

// WithGeneratorHTTPClient sets a custom HTTP client.
func WithGeneratorHTTPClient(hc *http.Client) GeneratorOption {
	return func(g *HTTPGenerator) { g.httpClient = hc }
}

// NewHTTPGenerator creates a generator for baseURL.
func NewHTTPGenerator(baseURL string, opts ...GeneratorOption) *HTTPGenerator {
	g := &HTTPGenerator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	GenerateOptions
}

type generateResponse struct {
	Text  string    `json:"text"`
	Error *APIError `json:"error,omitempty"`
}

// Generate sends prompt and returns the generated text.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	b, err := json.Marshal(generateRequest{Prompt: prompt, GenerateOptions: opts})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return "", ErrQuotaExceeded
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", ErrPermissionDenied
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode >= 300 {
			return "", &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.Error != nil {
		return "", out.Error
	}
	if resp.StatusCode >= 300 {
		return "", &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "generation failed"}
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", ErrEmptyResult
	}
	return out.Text, nil
}

// ============================================================================
// Summarizer
// ============================================================================

// Summarizer builds conversation summaries through a Generator.
type Summarizer struct {
	gen  Generator
	opts GenerateOptions
	// MaxMessages bounds how many recent records go into the prompt.
	MaxMessages int
}

// NewSummarizer creates a summarizer.
func NewSummarizer(gen Generator, opts GenerateOptions) *Summarizer {
	return &Summarizer{gen: gen, opts: opts, MaxMessages: 200}
}

// Summarize summarizes the confirmed, non-deleted records of msgs. Pending
// and failed records are never sent out.
func (s *Summarizer) Summarize(ctx context.Context, msgs []Message) (string, error) {
	prompt, n := s.prompt(msgs)
	if n == 0 {
		return "", ErrEmptyResult
	}
	text, err := s.gen.Generate(ctx, prompt, s.opts)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}

func (s *Summarizer) prompt(msgs []Message) (string, int) {
	var lines []string
	for _, m := range msgs {
		if m.State != StateConfirmed || m.Deleted || m.Body == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.CreatedAt.UTC().Format(time.RFC3339), m.AuthorID, m.Body))
	}
	if s.MaxMessages > 0 && len(lines) > s.MaxMessages {
		lines = lines[len(lines)-s.MaxMessages:]
	}
	if len(lines) == 0 {
		return "", 0
	}
	var b strings.Builder
	b.WriteString("Summarize the following conversation in a few sentences.\n\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String(), len(lines)
}

// UserMessage maps a generation error to text suitable for the end user.
func UserMessage(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return "The summary quota has been used up. Try again later."
	case errors.Is(err, ErrPermissionDenied):
		return "You do not have permission to generate summaries."
	case errors.Is(err, ErrEmptyResult):
		return "There was nothing to summarize."
	case errors.Is(err, context.DeadlineExceeded):
		return "The summary took too long. Try again."
	case errors.As(err, &apiErr):
		return "The summary service returned an error."
	default:
		return "The summary could not be generated."
	}
}
