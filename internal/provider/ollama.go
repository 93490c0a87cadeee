package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// Ollama calls a local Ollama daemon. It needs no credentials.
type Ollama struct {
	httpBase
}

// NewOllama returns an adapter for an Ollama daemon at baseURL.
func NewOllama(baseURL string, timeout time.Duration) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{httpBase: newHTTPBase("ollama", strings.TrimRight(baseURL, "/"), timeout)}
}

func (o *Ollama) Kind() string { return o.kind }

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func toOllama(msgs []models.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaMessage{Role: string(m.Role), Content: m.Text()}
		for _, p := range m.Parts {
			// Ollama only accepts inline base64 images.
			if p.ImageB64 != "" {
				om.Images = append(om.Images, p.ImageB64)
			}
		}
		out = append(out, om)
	}
	return out
}

// Complete calls /api/chat without streaming.
func (o *Ollama) Complete(ctx context.Context, model string, msgs []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	options := map[string]any{"temperature": opts.Temperature}
	if opts.MaxOutputTokens > 0 {
		options["num_predict"] = opts.MaxOutputTokens
	}
	req := ollamaRequest{Model: model, Messages: toOllama(msgs), Options: options}

	start := time.Now()
	var resp ollamaResponse
	if err := o.postJSON(ctx, o.deadline(opts), "/api/chat", nil, req, &resp); err != nil {
		return nil, err
	}

	res := &models.CompletionResult{
		Text:      resp.Message.Content,
		LatencyMS: time.Since(start).Milliseconds(),
		Provider:  o.kind,
		Model:     model,
	}
	fillUsage(res, msgs, resp.PromptEvalCount, resp.EvalCount)
	return res, nil
}

// ListModels calls GET /api/tags.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := o.do(ctx, 10*time.Second, http.MethodGet, "/api/tags", nil, nil, &tags); err != nil {
		return nil, fmt.Errorf("ollama tags: %w", err)
	}
	out := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, m.Name)
	}
	return out, nil
}
