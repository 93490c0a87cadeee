package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"github.com/appforge/appforge/pkg/models"
)

// Google calls Gemini through the official genai client.
type Google struct {
	cli     *genai.Client
	timeout time.Duration
}

// NewGoogle builds a Gemini API client for apiKey.
func NewGoogle(ctx context.Context, apiKey string, timeout time.Duration) (*Google, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Google{cli: cli, timeout: timeout}, nil
}

func (g *Google) Kind() string { return "google" }

// toGenai maps messages to genai contents. System messages become the
// system instruction; assistant turns use the "model" role.
func toGenai(msgs []models.Message) (*genai.Content, []*genai.Content) {
	var system []*genai.Part
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			system = append(system, &genai.Part{Text: m.Text()})
			continue
		}
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		var parts []*genai.Part
		if len(m.Parts) == 0 {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, p := range m.Parts {
			switch {
			case p.ImageB64 != "":
				data, err := base64.StdEncoding.DecodeString(p.ImageB64)
				if err != nil {
					continue
				}
				mt := p.MediaType
				if mt == "" {
					mt = "image/png"
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mt, Data: data}})
			case p.ImageURL != "":
				mt := p.MediaType
				if mt == "" {
					mt = "image/png"
				}
				parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: p.ImageURL, MIMEType: mt}})
			default:
				parts = append(parts, &genai.Part{Text: p.Text})
			}
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	if len(system) == 0 {
		return nil, contents
	}
	return &genai.Content{Parts: system}, contents
}

// Complete calls Models.GenerateContent.
func (g *Google) Complete(ctx context.Context, model string, msgs []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	system, contents := toGenai(msgs)
	temp := float32(opts.Temperature)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       &temp,
	}
	if opts.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxOutputTokens)
	}

	start := time.Now()
	resp, err := g.cli.Models.GenerateContent(callCtx, model, contents, cfg)
	if err != nil {
		return nil, g.classify(ctx, callCtx, timeout, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &TransientError{Provider: g.Kind(), Err: fmt.Errorf("no candidates returned")}
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	res := &models.CompletionResult{
		Text:      sb.String(),
		LatencyMS: time.Since(start).Milliseconds(),
		Provider:  g.Kind(),
		Model:     model,
	}
	var in, out int
	if u := resp.UsageMetadata; u != nil {
		in, out = int(u.PromptTokenCount), int(u.CandidatesTokenCount)
	}
	fillUsage(res, msgs, in, out)
	return res, nil
}

func (g *Google) classify(parent, callCtx context.Context, timeout time.Duration, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(g.Kind(), apiErr.Code, []byte(apiErr.Status+": "+apiErr.Message))
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyStatus(g.Kind(), apiErrPtr.Code, []byte(apiErrPtr.Status+": "+apiErrPtr.Message))
	}
	return classifyTransport(g.Kind(), parent, callCtx, timeout, err)
}
