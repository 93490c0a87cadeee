package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/pkg/models"
)

func userMsg(text string) []models.Message {
	return []models.Message{
		models.TextMessage(models.RoleSystem, "be brief"),
		models.TextMessage(models.RoleUser, text),
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	// multi-byte runes count by bytes
	assert.Equal(t, 2, EstimateTokens("héllo"))
}

func TestOpenAIComplete(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi there"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	a := NewOpenAI("sk-test", srv.URL, time.Second)
	res, err := a.Complete(context.Background(), "gpt-4o-mini", userMsg("hello"), models.CompletionOptions{Temperature: 0.2, MaxOutputTokens: 50})
	require.NoError(t, err)

	assert.Equal(t, "hi there", res.Text)
	assert.Equal(t, 12, res.TokensIn)
	assert.Equal(t, 3, res.TokensOut)
	assert.False(t, res.Estimated)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 50, got.MaxTokens)
	require.Len(t, got.Messages, 2)
}

func TestOpenAIImagePartsBecomeDataURLs(t *testing.T) {
	msgs := []models.Message{{
		Role:  models.RoleUser,
		Parts: []models.ContentPart{{Text: "what is this"}, {ImageB64: "AAAA", MediaType: "image/jpeg"}},
	}}
	out := toOpenAIMessages(msgs)
	parts, ok := out[0].Content.([]openAIPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", parts[1].ImageURL.URL)
}

func TestOpenAIMissingUsageIsEstimated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"12345678"}}]}`))
	}))
	defer srv.Close()

	res, err := NewGroq("k", srv.URL, time.Second).Complete(context.Background(), "llama", userMsg("abcd"), models.CompletionOptions{})
	require.NoError(t, err)
	assert.True(t, res.Estimated)
	assert.Equal(t, 2, res.TokensOut)
	assert.Equal(t, "groq", res.Provider)
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		retryable bool
	}{
		{http.StatusInternalServerError, "boom", true},
		{http.StatusBadGateway, "", true},
		{http.StatusTooManyRequests, "slow down", true},
		{http.StatusTooManyRequests, `{"error":{"code":"insufficient_quota"}}`, false},
		{http.StatusUnauthorized, "bad key", false},
		{http.StatusNotFound, "no such model", false},
		{http.StatusBadRequest, "bad", false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := NewOpenAI("k", srv.URL, time.Second).Complete(context.Background(), "m", userMsg("x"), models.CompletionOptions{})
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tc.retryable, IsRetryable(err), "status %d body %q", tc.status, tc.body)
		assert.Equal(t, !tc.retryable, IsFatal(err), "status %d body %q", tc.status, tc.body)
	}
}

func TestTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	a := NewOpenAI("k", srv.URL, time.Minute)
	_, err := a.Complete(context.Background(), "m", userMsg("x"), models.CompletionOptions{Timeout: 50 * time.Millisecond})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, IsRetryable(err))
}

func TestCallerCancellationIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := NewOpenAI("k", srv.URL, time.Minute).Complete(ctx, "m", userMsg("x"), models.CompletionOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
}

func TestAnthropicComplete(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":7,"output_tokens":1}}`))
	}))
	defer srv.Close()

	msgs := []models.Message{
		models.TextMessage(models.RoleSystem, "sys"),
		{Role: models.RoleUser, Parts: []models.ContentPart{{Text: "look"}, {ImageB64: "QUJD", MediaType: "image/png"}}},
	}
	res, err := NewAnthropic("ak", srv.URL, time.Second).Complete(context.Background(), "claude-sonnet-4", msgs, models.CompletionOptions{})
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 7, res.TokensIn)
	assert.Equal(t, "sys", got.System)
	assert.Equal(t, 4096, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "image", got.Messages[0].Content[1].Type)
	assert.Equal(t, "base64", got.Messages[0].Content[1].Source.Type)
}

func TestOllamaCompleteAndList(t *testing.T) {
	var got ollamaRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"content":"local"},"prompt_eval_count":5,"eval_count":2}`))
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"llava:7b"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := NewOllama(srv.URL, time.Second)
	msgs := []models.Message{{Role: models.RoleUser, Parts: []models.ContentPart{{Text: "see"}, {ImageB64: "QUJD"}}}}
	res, err := o.Complete(context.Background(), "llava:7b", msgs, models.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Text)
	assert.False(t, got.Stream)
	assert.Equal(t, []string{"QUJD"}, got.Messages[0].Images)

	names, err := o.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1:8b", "llava:7b"}, names)
}

func TestGenaiConversion(t *testing.T) {
	msgs := []models.Message{
		models.TextMessage(models.RoleSystem, "sys"),
		models.TextMessage(models.RoleUser, "hi"),
		models.TextMessage(models.RoleAssistant, "hello"),
	}
	system, contents := toGenai(msgs)
	require.NotNil(t, system)
	assert.Equal(t, "sys", system.Parts[0].Text)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
}

func TestEmulated(t *testing.T) {
	e := NewEmulated()
	res, err := e.Complete(context.Background(), "synthetic", userMsg("build a login"), models.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "[synthetic] build a login", res.Text)
	assert.True(t, res.Estimated)

	boom := &TransientError{Provider: "emulated", Err: errors.New("boom")}
	e.FailNext(boom)
	_, err = e.Complete(context.Background(), "synthetic", userMsg("x"), models.CompletionOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, e.Calls())

	e.WithLatency(time.Second)
	_, err = e.Complete(context.Background(), "synthetic", userMsg("x"), models.CompletionOptions{Timeout: 10 * time.Millisecond})
	var te *TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestRegistryFromConfig(t *testing.T) {
	reg := FromConfig(context.Background(), config.ProvidersConfig{
		OpenAIKey:     "sk",
		OllamaEnabled: true,
		Emulated:      true,
		Timeout:       time.Second,
	})
	assert.Equal(t, []string{"emulated", "ollama", "openai"}, reg.Kinds())
	assert.False(t, reg.Has("anthropic"))

	listers := reg.Listers()
	require.Len(t, listers, 2)
	assert.Equal(t, "ollama", listers[0].Kind())
	assert.Equal(t, "openai", listers[1].Kind())
}
