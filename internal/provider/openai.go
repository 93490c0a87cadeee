package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// OpenAI speaks the chat-completions wire format. Groq serves the same
// format, so one type covers both.
type OpenAI struct {
	httpBase
	apiKey string
}

// NewOpenAI returns an adapter for api.openai.com (or a compatible base URL).
func NewOpenAI(apiKey, baseURL string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{httpBase: newHTTPBase("openai", strings.TrimRight(baseURL, "/"), timeout), apiKey: apiKey}
}

// NewGroq returns an OpenAI-compatible adapter registered as "groq".
func NewGroq(apiKey, baseURL string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	return &OpenAI{httpBase: newHTTPBase("groq", strings.TrimRight(baseURL, "/"), timeout), apiKey: apiKey}
}

func (o *OpenAI) Kind() string { return o.kind }

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toOpenAIMessages(msgs []models.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Parts) == 0 {
			out = append(out, openAIMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := make([]openAIPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.ImageURL != "":
				parts = append(parts, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: p.ImageURL}})
			case p.ImageB64 != "":
				mt := p.MediaType
				if mt == "" {
					mt = "image/png"
				}
				url := fmt.Sprintf("data:%s;base64,%s", mt, p.ImageB64)
				parts = append(parts, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: url}})
			default:
				parts = append(parts, openAIPart{Type: "text", Text: p.Text})
			}
		}
		out = append(out, openAIMessage{Role: string(m.Role), Content: parts})
	}
	return out
}

// Complete calls /chat/completions.
func (o *OpenAI) Complete(ctx context.Context, model string, msgs []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	req := openAIRequest{
		Model:       model,
		Messages:    toOpenAIMessages(msgs),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxOutputTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	start := time.Now()
	var resp openAIResponse
	if err := o.postJSON(ctx, o.deadline(opts), "/chat/completions", headers, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &TransientError{Provider: o.kind, Err: fmt.Errorf("no choices returned")}
	}

	res := &models.CompletionResult{
		Text:      resp.Choices[0].Message.Content,
		LatencyMS: time.Since(start).Milliseconds(),
		Provider:  o.kind,
		Model:     model,
	}
	fillUsage(res, msgs, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return res, nil
}

type openAIModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels calls GET /models.
func (o *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	var list openAIModelList
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
	if err := o.do(ctx, o.deadline(models.CompletionOptions{}), "GET", "/models", headers, nil, &list); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, m.ID)
	}
	return out, nil
}
