// Package provider talks to LLM vendors behind one uniform Adapter.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// DefaultTimeout is the adapter-local deadline when neither the adapter nor
// the call sets one.
const DefaultTimeout = 60 * time.Second

// Adapter is the uniform completion surface every provider implements.
type Adapter interface {
	Kind() string
	Complete(ctx context.Context, model string, msgs []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error)
}

// Lister is implemented by adapters that can enumerate their live models.
type Lister interface {
	Kind() string
	ListModels(ctx context.Context) ([]string, error)
}

// EstimateTokens approximates a token count as one token per four UTF-8
// bytes, rounded up.
func EstimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func estimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Text())
	}
	return total
}

// fillUsage sets token counts on res, estimating any the provider omitted.
func fillUsage(res *models.CompletionResult, msgs []models.Message, in, out int) {
	res.TokensIn, res.TokensOut = in, out
	if in <= 0 {
		res.TokensIn = estimateMessages(msgs)
		res.Estimated = true
	}
	if out <= 0 {
		res.TokensOut = EstimateTokens(res.Text)
		res.Estimated = true
	}
}

// Registry holds the configured adapters by kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a provider kind.
func (r *Registry) Get(kind string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// Has reports whether a provider kind is registered.
func (r *Registry) Has(kind string) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds returns the registered provider kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Listers returns every registered adapter that can list models.
func (r *Registry) Listers() []Lister {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Lister
	for _, a := range r.adapters {
		if l, ok := a.(Lister); ok {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// httpBase carries the plumbing shared by the raw-HTTP adapters.
type httpBase struct {
	kind    string
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func (b *httpBase) deadline(opts models.CompletionOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if b.timeout > 0 {
		return b.timeout
	}
	return DefaultTimeout
}

// postJSON sends body to path and decodes a 2xx response into out.
func (b *httpBase) postJSON(ctx context.Context, timeout time.Duration, path string, headers map[string]string, body, out any) error {
	return b.do(ctx, timeout, http.MethodPost, path, headers, body, out)
}

func (b *httpBase) do(ctx context.Context, timeout time.Duration, method, path string, headers map[string]string, body, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &FatalError{Provider: b.kind, Err: fmt.Errorf("marshal request: %w", err)}
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(callCtx, method, b.baseURL+path, rdr)
	if err != nil {
		return &FatalError{Provider: b.kind, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return classifyTransport(b.kind, ctx, callCtx, timeout, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(b.kind, ctx, callCtx, timeout, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(b.kind, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransientError{Provider: b.kind, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func newHTTPBase(kind, baseURL string, timeout time.Duration) httpBase {
	return httpBase{
		kind:    kind,
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{},
	}
}
