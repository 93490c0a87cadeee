package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the Messages API.
type Anthropic struct {
	httpBase
	apiKey string
}

// NewAnthropic returns an adapter for api.anthropic.com.
func NewAnthropic(apiKey, baseURL string, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Anthropic{httpBase: newHTTPBase("anthropic", strings.TrimRight(baseURL, "/"), timeout), apiKey: apiKey}
}

func (a *Anthropic) Kind() string { return a.kind }

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// toAnthropic splits system messages out into the top-level system field.
func toAnthropic(msgs []models.Message) (string, []anthropicMessage) {
	var system []string
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			system = append(system, m.Text())
			continue
		}
		var blocks []anthropicBlock
		if len(m.Parts) == 0 {
			blocks = []anthropicBlock{{Type: "text", Text: m.Content}}
		}
		for _, p := range m.Parts {
			switch {
			case p.ImageB64 != "":
				mt := p.MediaType
				if mt == "" {
					mt = "image/png"
				}
				blocks = append(blocks, anthropicBlock{Type: "image", Source: &anthropicSource{Type: "base64", MediaType: mt, Data: p.ImageB64}})
			case p.ImageURL != "":
				blocks = append(blocks, anthropicBlock{Type: "image", Source: &anthropicSource{Type: "url", URL: p.ImageURL}})
			default:
				blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
			}
		}
		out = append(out, anthropicMessage{Role: string(m.Role), Content: blocks})
	}
	return strings.Join(system, "\n\n"), out
}

// Complete calls /v1/messages.
func (a *Anthropic) Complete(ctx context.Context, model string, msgs []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	system, converted := toAnthropic(msgs)
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	req := anthropicRequest{
		Model:       model,
		System:      system,
		Messages:    converted,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}

	start := time.Now()
	var resp anthropicResponse
	if err := a.postJSON(ctx, a.deadline(opts), "/v1/messages", headers, req, &resp); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 && len(resp.Content) == 0 {
		return nil, &TransientError{Provider: a.kind, Err: fmt.Errorf("empty content")}
	}

	res := &models.CompletionResult{
		Text:      sb.String(),
		LatencyMS: time.Since(start).Milliseconds(),
		Provider:  a.kind,
		Model:     model,
	}
	fillUsage(res, msgs, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return res, nil
}
