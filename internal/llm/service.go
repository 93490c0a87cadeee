// Package llm is the single entry point agents use to talk to language
// models. A call is routed to a model, priced, admitted against the
// caller's budget, executed with fallback and finally charged.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/budget"
	"github.com/appforge/appforge/internal/provider"
	"github.com/appforge/appforge/internal/resilience"
	"github.com/appforge/appforge/internal/router"
	"github.com/appforge/appforge/pkg/models"
)

// defaultExpectedOut is the output size assumed when a role sets no limit.
const defaultExpectedOut = 1024

// ContextSource supplies project memory for system prompts.
type ContextSource interface {
	ContextForAI(owner, projectID string) (string, error)
}

// Observer receives usage and denials. telemetry.Metrics implements it.
type Observer interface {
	ObserveCompletion(role, model string, tokensIn, tokensOut int, cost float64)
	ObserveBudgetDenied(period string)
}

// Request is one completion on behalf of a user.
type Request struct {
	User      string
	ProjectID string
	Role      string // empty infers the role from Prompt
	System    string
	Prompt    string
	Images    []models.ContentPart
	Hint      string // recorded on the transaction
	Timeout   time.Duration
}

// Service wires the router, ledger and fallback caller.
type Service struct {
	router   *router.Router
	ledger   *budget.Ledger
	caller   *resilience.Caller
	memory   ContextSource
	observer Observer
}

// NewService returns a service. memory may be nil.
func NewService(r *router.Router, l *budget.Ledger, c *resilience.Caller, memory ContextSource) *Service {
	return &Service{router: r, ledger: l, caller: c, memory: memory}
}

// SetObserver installs a usage observer.
func (s *Service) SetObserver(o Observer) { s.observer = o }

// Complete runs req. A budget denial returns apperr.ErrBudgetDenied before
// any provider is contacted; nothing is charged in that case.
func (s *Service) Complete(ctx context.Context, req Request) (*models.CompletionResult, error) {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Images) == 0 {
		return nil, apperr.New(apperr.ErrValidation, "prompt is required")
	}
	roleName := req.Role
	if roleName == "" {
		roleName = router.InferRole(req.Prompt)
	}
	role, ok := s.router.Role(roleName)
	if !ok {
		return nil, apperr.New(apperr.ErrValidation, "unknown agent role %q", roleName)
	}

	modelID, err := s.router.Route(req.User, req.Prompt, roleName)
	if err != nil {
		return nil, err
	}

	msgs := s.messages(req)
	expectedOut := role.MaxOutputTokens
	if expectedOut <= 0 {
		expectedOut = defaultExpectedOut
	}
	tokensIn := 0
	for _, m := range msgs {
		tokensIn += provider.EstimateTokens(m.Text())
	}
	est, err := s.ledger.EstimateCost(modelID, tokensIn, expectedOut)
	if err != nil {
		return nil, err
	}
	if period, ok := s.ledger.AdmitAll(req.User, est); !ok {
		if s.observer != nil {
			s.observer.ObserveBudgetDenied(string(period))
		}
		return nil, apperr.New(apperr.ErrBudgetDenied, "estimated cost %.4f exceeds the %s budget", est, period).
			WithDetail("period", period).
			WithDetail("estimated_cost", est).
			WithDetail("model", modelID)
	}

	opts := models.CompletionOptions{
		Temperature:     role.Temperature,
		MaxOutputTokens: role.MaxOutputTokens,
		Timeout:         req.Timeout,
	}
	res, err := s.caller.CallWithFallback(ctx, modelID, msgs, opts)
	if err != nil {
		return nil, err
	}

	hint := req.Hint
	if hint == "" {
		hint = roleName
	}
	cost, err := s.ledger.Charge(ctx, req.User, res.ModelID(), res.TokensIn, res.TokensOut, hint)
	if err != nil {
		// The call already happened; losing the charge is logged, not fatal.
		log.Warn().Err(err).Str("user", req.User).Str("model", res.ModelID()).Msg("charge failed")
	}
	res.Cost = cost
	if s.observer != nil {
		s.observer.ObserveCompletion(roleName, res.ModelID(), res.TokensIn, res.TokensOut, cost)
	}
	log.Debug().
		Str("user", req.User).
		Str("role", roleName).
		Str("model", res.ModelID()).
		Bool("fallback", res.FallbackUsed).
		Int("tokens_in", res.TokensIn).
		Int("tokens_out", res.TokensOut).
		Float64("cost", cost).
		Msg("completion")
	return res, nil
}

// messages assembles the system prompt (with project memory) and the user
// turn.
func (s *Service) messages(req Request) []models.Message {
	system := strings.TrimSpace(req.System)
	if s.memory != nil && req.ProjectID != "" {
		mem, err := s.memory.ContextForAI(req.User, req.ProjectID)
		if err != nil {
			log.Debug().Err(err).Str("project", req.ProjectID).Msg("project memory unavailable")
		} else if mem != "" {
			if system != "" {
				system += "\n\n"
			}
			system += mem
		}
	}

	var msgs []models.Message
	if system != "" {
		msgs = append(msgs, models.TextMessage(models.RoleSystem, system))
	}
	user := models.Message{Role: models.RoleUser, Content: req.Prompt}
	if len(req.Images) > 0 {
		user.Parts = append(user.Parts, req.Images...)
	}
	return append(msgs, user)
}
