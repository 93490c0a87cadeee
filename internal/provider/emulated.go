package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// ReplyFunc produces the text an Emulated adapter returns.
type ReplyFunc func(model string, msgs []models.Message) string

// Emulated is a deterministic local stand-in for a real provider. It never
// leaves the process, so it is used in development and tests only.
type Emulated struct {
	kind    string
	timeout time.Duration

	mu       sync.Mutex
	latency  time.Duration
	reply    ReplyFunc
	failures []error
	calls    int
}

// NewEmulated returns the "emulated" adapter.
func NewEmulated() *Emulated {
	return NewEmulatedAs("emulated")
}

// NewEmulatedAs returns an emulated adapter registered under another kind.
func NewEmulatedAs(kind string) *Emulated {
	return &Emulated{kind: kind, timeout: DefaultTimeout}
}

func (e *Emulated) Kind() string { return e.kind }

// WithReply replaces the default echo reply.
func (e *Emulated) WithReply(fn ReplyFunc) *Emulated {
	e.mu.Lock()
	e.reply = fn
	e.mu.Unlock()
	return e
}

// WithLatency makes every call take d.
func (e *Emulated) WithLatency(d time.Duration) *Emulated {
	e.mu.Lock()
	e.latency = d
	e.mu.Unlock()
	return e
}

// FailNext queues errors returned, in order, by the next calls.
func (e *Emulated) FailNext(errs ...error) {
	e.mu.Lock()
	e.failures = append(e.failures, errs...)
	e.mu.Unlock()
}

// Calls returns how many times Complete ran.
func (e *Emulated) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Emulated) Complete(ctx context.Context, model string, msgs []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	e.mu.Lock()
	e.calls++
	latency, reply := e.latency, e.reply
	var failure error
	if len(e.failures) > 0 {
		failure, e.failures = e.failures[0], e.failures[1:]
	}
	e.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	start := time.Now()
	if latency > 0 {
		timer := time.NewTimer(latency)
		deadline := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			deadline.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			timer.Stop()
			return nil, &TimeoutError{Provider: e.kind, After: timeout}
		case <-timer.C:
			deadline.Stop()
		}
	}
	if failure != nil {
		return nil, failure
	}

	var text string
	if reply != nil {
		text = reply(model, msgs)
	} else {
		text = echo(model, msgs)
	}
	res := &models.CompletionResult{
		Text:      text,
		LatencyMS: time.Since(start).Milliseconds(),
		Provider:  e.kind,
		Model:     model,
	}
	fillUsage(res, msgs, 0, 0)
	return res, nil
}

func echo(model string, msgs []models.Message) string {
	last := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			last = msgs[i].Text()
			break
		}
	}
	last = strings.Join(strings.Fields(last), " ")
	if len(last) > 200 {
		last = last[:200]
	}
	return fmt.Sprintf("[%s] %s", model, last)
}
