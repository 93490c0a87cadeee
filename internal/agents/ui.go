package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/llm"
	"github.com/appforge/appforge/internal/router"
	"github.com/appforge/appforge/pkg/models"
)

// Completer is the slice of llm.Service the LLM-backed agents need.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*models.CompletionResult, error)
}

const uiSystemPrompt = `You are a UI designer for mobile and web apps.
Reply with a single JSON object and nothing else, shaped as:
{"screen":{"name":"...","layout":"column","components":[{"type":"text|input|button|image|list|link","props":{...},"children":[...]}]}}
Inputs carry props.placeholder and props.input_type; buttons carry props.text.`

// UIAgent turns a prompt into a screen structure.
type UIAgent struct {
	llm Completer
}

// NewUIAgent returns the ui agent.
func NewUIAgent(c Completer) *UIAgent { return &UIAgent{llm: c} }

func (a *UIAgent) Kind() Kind { return KindUI }

// Execute asks the model for a screen. A reply that is not a usable screen
// falls back to a structure derived from the prompt itself, so the step
// still yields a screen the code agent can render.
func (a *UIAgent) Execute(ctx context.Context, task *models.Task) (*models.TaskOutput, error) {
	prompt := str(task.Params, "prompt")
	if prompt == "" {
		return nil, apperr.New(apperr.ErrValidation, "prompt is required")
	}
	fw := framework(task.Params)
	style := str(task.Params, "style")
	if style == "" {
		style = "material"
	}

	user := fmt.Sprintf("Design the screen for: %s\nFramework: %s\nStyle: %s", prompt, fw, style)
	res, err := a.llm.Complete(ctx, llm.Request{
		User:      task.Owner,
		ProjectID: task.ProjectID,
		Role:      router.RoleUI,
		System:    uiSystemPrompt,
		Prompt:    user,
		Images:    images(task.Params),
		Hint:      task.Type,
	})
	if err != nil {
		return nil, err
	}

	screen, source := parseScreen(res.Text), "model"
	if screen == nil {
		log.Debug().Str("task_id", task.ID).Msg("model reply had no screen, deriving one from the prompt")
		screen, source = HeuristicScreen(prompt), "heuristic"
	}
	return &models.TaskOutput{
		Result: map[string]any{
			"screen":    screen,
			"framework": string(fw),
			"style":     style,
			"source":    source,
			"provider":  res.Provider,
		},
		Model:     res.ModelID(),
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		Cost:      res.Cost,
	}, nil
}

// images lifts inline reference images from params ("image_b64" with an
// optional "media_type", or "image_url").
func images(p map[string]any) []models.ContentPart {
	var parts []models.ContentPart
	if b64 := str(p, "image_b64"); b64 != "" {
		mt := str(p, "media_type")
		if mt == "" {
			mt = "image/png"
		}
		parts = append(parts, models.ContentPart{ImageB64: b64, MediaType: mt})
	}
	if u := str(p, "image_url"); u != "" {
		parts = append(parts, models.ContentPart{ImageURL: u})
	}
	return parts
}

// parseScreen extracts {"screen":{...,"components":[...]}} (or a bare
// screen object) from a model reply. nil means no usable screen.
func parseScreen(text string) map[string]any {
	raw := jsonObject(text)
	if raw == "" {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	screen, ok := doc["screen"].(map[string]any)
	if !ok {
		screen = doc
	}
	comps, ok := screen["components"].([]any)
	if !ok || len(comps) == 0 {
		return nil
	}
	return screen
}

// jsonObject returns the first fenced block, or the outermost {...} span.
func jsonObject(text string) string {
	if code, _, ok := fencedBlock(text); ok {
		text = code
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// ── prompt heuristics ────────────────────────────────────────

type field struct {
	words       []string
	placeholder string
	inputType   string
}

var fields = []field{
	{[]string{"username"}, "Username", "text"},
	{[]string{"name", "fullname"}, "Name", "text"},
	{[]string{"email", "e-mail", "mail"}, "Email", "email"},
	{[]string{"phone", "mobile"}, "Phone", "phone"},
	{[]string{"password", "passcode"}, "Password", "password"},
	{[]string{"search"}, "Search", "search"},
	{[]string{"message", "comment", "note", "notes"}, "Message", "multiline"},
}

var actions = []struct {
	phrases []string
	text    string
}{
	{[]string{"login", "log in", "sign in", "signin"}, "Login"},
	{[]string{"signup", "sign up", "register", "registration"}, "Sign Up"},
	{[]string{"checkout", "pay", "payment"}, "Pay"},
	{[]string{"save", "edit"}, "Save"},
	{[]string{"send", "contact"}, "Send"},
	{[]string{"submit"}, "Submit"},
}

type placed struct {
	at   int
	comp map[string]any
}

// HeuristicScreen derives a plausible screen from the prompt's wording:
// a title, one input per recognised field, collection and media widgets,
// and the primary action as a button.
func HeuristicScreen(prompt string) map[string]any {
	lower := strings.ToLower(prompt)
	words := tokens(lower)
	first := func(ws ...string) int {
		best := -1
		for i, w := range words {
			for _, cand := range ws {
				if w == cand && (best < 0 || i < best) {
					best = i
				}
			}
		}
		return best
	}

	name := screenName(prompt)
	comps := []map[string]any{
		component("text", map[string]any{"text": name, "variant": "headline"}),
	}

	var body []placed
	inputs := 0
	for _, f := range fields {
		if at := first(f.words...); at >= 0 {
			// "note" in "notes app" is a collection, not an input
			if f.placeholder == "Message" && first("app", "list", "keep") >= 0 {
				continue
			}
			props := map[string]any{"placeholder": f.placeholder, "input_type": f.inputType}
			if f.inputType == "password" {
				props["obscure"] = true
			}
			body = append(body, placed{at, component("input", props)})
			inputs++
		}
	}
	if at := first("profile", "avatar", "photo", "picture", "gallery", "image"); at >= 0 {
		body = append(body, placed{at, component("image", map[string]any{"shape": "circle", "source": "placeholder"})})
	}
	if at := first("list", "notes", "todo", "todos", "tasks", "items", "feed", "history", "products"); at >= 0 {
		body = append(body, placed{at, component("list", map[string]any{"item": "card", "items": []any{}})})
	}
	sort.SliceStable(body, func(i, j int) bool { return body[i].at < body[j].at })
	for _, p := range body {
		comps = append(comps, p.comp)
	}

	button := ""
	for _, act := range actions {
		for _, ph := range act.phrases {
			if containsPhrase(words, ph) {
				button = act.text
				break
			}
		}
		if button != "" {
			break
		}
	}
	if button == "" && inputs > 0 {
		button = "Submit"
	}
	if button != "" {
		comps = append(comps, component("button", map[string]any{"text": button, "variant": "primary"}))
	}
	if containsPhrase(words, "password") && button == "Login" {
		comps = append(comps, component("link", map[string]any{"text": "Forgot password?"}))
	}

	list := make([]any, len(comps))
	for i, c := range comps {
		list[i] = c
	}
	return map[string]any{"name": name, "layout": "column", "components": list}
}

func component(kind string, props map[string]any) map[string]any {
	return map[string]any{"type": kind, "props": props}
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

func containsPhrase(words []string, phrase string) bool {
	want := strings.Fields(phrase)
	for i := 0; i+len(want) <= len(words); i++ {
		match := true
		for j, w := range want {
			if words[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// screenName takes the subject before "with"/"for"/"that" and title-cases
// it: "Login screen with email" gives "Login Screen".
func screenName(prompt string) string {
	words := strings.Fields(prompt)
	var keep []string
	for _, w := range words {
		w = strings.Trim(w, ".,!?:;\"'")
		if w == "" {
			continue
		}
		lw := strings.ToLower(w)
		if lw == "with" || lw == "for" || lw == "that" || lw == "and" || lw == "which" {
			break
		}
		if lw == "a" || lw == "an" || lw == "the" || lw == "build" || lw == "create" || lw == "make" {
			continue
		}
		keep = append(keep, w)
		if len(keep) == 4 {
			break
		}
	}
	if len(keep) == 0 {
		return "Home Screen"
	}
	for i, w := range keep {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		keep[i] = string(r)
	}
	return strings.Join(keep, " ")
}
