package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/llm"
	"github.com/appforge/appforge/internal/router"
	"github.com/appforge/appforge/pkg/models"
)

// Scaffold entry points written by the orchestrator.
const (
	FlutterEntry = "lib/main.dart"
	ReactEntry   = "src/App.jsx"
)

// EntryFile is the generated-code target for a framework.
func EntryFile(fw models.Framework) string {
	if fw == models.FrameworkFlutter {
		return FlutterEntry
	}
	return ReactEntry
}

// CodeAgent turns a screen structure (or a bare prompt) into source code.
type CodeAgent struct {
	llm Completer
}

// NewCodeAgent returns the code agent.
func NewCodeAgent(c Completer) *CodeAgent { return &CodeAgent{llm: c} }

func (a *CodeAgent) Kind() Kind { return KindCode }

func (a *CodeAgent) Execute(ctx context.Context, task *models.Task) (*models.TaskOutput, error) {
	fw := framework(task.Params)
	screen := screenParam(task.Params)
	prompt := str(task.Params, "prompt")
	if prompt == "" && screen == nil {
		return nil, apperr.New(apperr.ErrValidation, "prompt or ui screen is required")
	}
	if screen == nil {
		screen = HeuristicScreen(prompt)
	}

	lang, target := "jsx", "a React function component exported as default from src/App.jsx"
	if fw == models.FrameworkFlutter {
		lang, target = "dart", "a complete Flutter lib/main.dart with a main() function"
	}
	spec, _ := json.MarshalIndent(screen, "", "  ")
	res, err := a.llm.Complete(ctx, llm.Request{
		User:      task.Owner,
		ProjectID: task.ProjectID,
		Role:      router.RoleCode,
		System:    fmt.Sprintf("You are a senior %s developer. Reply with one fenced ```%s code block containing %s.", fw, lang, target),
		Prompt:    fmt.Sprintf("Request: %s\nScreen structure:\n%s", prompt, spec),
		Hint:      task.Type,
	})
	if err != nil {
		return nil, err
	}

	code, source := extractCode(res.Text, fw), "model"
	if code == "" {
		code, source = RenderScreen(fw, screen), "template"
	}
	return &models.TaskOutput{
		Result: map[string]any{
			"code":      code,
			"file":      EntryFile(fw),
			"language":  lang,
			"framework": string(fw),
			"source":    source,
			"screen":    screen,
			"provider":  res.Provider,
		},
		Model:     res.ModelID(),
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		Cost:      res.Cost,
	}, nil
}

// screenParam finds a screen in params: {"ui": {"screen": ...}},
// {"screen": ...} or the flattened result of a previous ui step.
func screenParam(p map[string]any) map[string]any {
	if ui := mapParam(p, "ui"); ui != nil {
		if s := mapParam(ui, "screen"); s != nil {
			return s
		}
	}
	if s := mapParam(p, "screen"); s != nil {
		return s
	}
	return nil
}

// fencedBlock returns the body and language tag of the first ``` block.
func fencedBlock(text string) (code, lang string, ok bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", "", false
	}
	rest := text[start+3:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", "", false
	}
	lang = strings.TrimSpace(rest[:nl])
	body := rest[nl+1:]
	end := strings.Index(body, "```")
	if end < 0 {
		return "", "", false
	}
	return strings.TrimRight(body[:end], " \n\t") + "\n", lang, true
}

// extractCode takes the fenced block, or the whole reply when it already
// reads as source for fw. "" means the reply carries no code.
func extractCode(text string, fw models.Framework) string {
	if code, _, ok := fencedBlock(text); ok && strings.TrimSpace(code) != "" {
		return code
	}
	t := strings.TrimSpace(text)
	markers := []string{"export default", "import React", "from 'react'", "from \"react\""}
	if fw == models.FrameworkFlutter {
		markers = []string{"import 'package:flutter", "void main("}
	}
	for _, m := range markers {
		if strings.Contains(t, m) {
			return t + "\n"
		}
	}
	return ""
}

// ── templates ────────────────────────────────────────────────

// RenderScreen renders a screen structure as a single-file app.
func RenderScreen(fw models.Framework, screen map[string]any) string {
	name, _ := screen["name"].(string)
	if name == "" {
		name = "Home"
	}
	comps, _ := screen["components"].([]any)
	if fw == models.FrameworkFlutter {
		return renderFlutter(name, comps)
	}
	return renderReact(name, comps)
}

func props(c map[string]any) map[string]any {
	p, _ := c["props"].(map[string]any)
	if p == nil {
		p = map[string]any{}
	}
	return p
}

func propStr(p map[string]any, key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

func dartString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `$`, `\$`, "\n", `\n`)
	return "'" + r.Replace(s) + "'"
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func renderFlutter(name string, comps []any) string {
	var w strings.Builder
	for _, raw := range comps {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		p := props(c)
		switch c["type"] {
		case "text":
			fmt.Fprintf(&w, "            Text(%s, style: Theme.of(context).textTheme.headlineSmall),\n", dartString(propStr(p, "text", name)))
		case "input":
			obscure := p["obscure"] == true || p["input_type"] == "password"
			fmt.Fprintf(&w, "            TextField(decoration: InputDecoration(labelText: %s), obscureText: %t),\n",
				dartString(propStr(p, "placeholder", "")), obscure)
		case "button":
			fmt.Fprintf(&w, "            FilledButton(onPressed: () {}, child: Text(%s)),\n", dartString(propStr(p, "text", "OK")))
		case "link":
			fmt.Fprintf(&w, "            TextButton(onPressed: () {}, child: Text(%s)),\n", dartString(propStr(p, "text", "More")))
		case "image":
			w.WriteString("            const CircleAvatar(radius: 40, child: Icon(Icons.person)),\n")
		case "list":
			w.WriteString("            Expanded(child: ListView(children: const [ListTile(title: Text('Item'))])),\n")
		}
		w.WriteString("            const SizedBox(height: 12),\n")
	}

	return fmt.Sprintf(`import 'package:flutter/material.dart';

void main() => runApp(const App());

class App extends StatelessWidget {
  const App({super.key});

  @override
  Widget build(BuildContext context) {
    return MaterialApp(
      title: %[1]s,
      theme: ThemeData(useMaterial3: true),
      home: const HomeScreen(),
    );
  }
}

class HomeScreen extends StatelessWidget {
  const HomeScreen({super.key});

  @override
  Widget build(BuildContext context) {
    return Scaffold(
      appBar: AppBar(title: Text(%[1]s)),
      body: Padding(
        padding: const EdgeInsets.all(24),
        child: Column(
          crossAxisAlignment: CrossAxisAlignment.stretch,
          children: [
%[2]s          ],
        ),
      ),
    );
  }
}
`, dartString(name), w.String())
}

func renderReact(name string, comps []any) string {
	var w strings.Builder
	for _, raw := range comps {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		p := props(c)
		switch c["type"] {
		case "text":
			fmt.Fprintf(&w, "      <h1>{%s}</h1>\n", jsString(propStr(p, "text", name)))
		case "input":
			typ := propStr(p, "input_type", "text")
			if typ == "multiline" {
				fmt.Fprintf(&w, "      <textarea placeholder={%s} />\n", jsString(propStr(p, "placeholder", "")))
				continue
			}
			if typ == "phone" {
				typ = "tel"
			}
			fmt.Fprintf(&w, "      <input type=%s placeholder={%s} />\n", jsString(typ), jsString(propStr(p, "placeholder", "")))
		case "button":
			fmt.Fprintf(&w, "      <button type=\"submit\">{%s}</button>\n", jsString(propStr(p, "text", "OK")))
		case "link":
			fmt.Fprintf(&w, "      <a href=\"#\">{%s}</a>\n", jsString(propStr(p, "text", "More")))
		case "image":
			w.WriteString("      <div className=\"avatar\" />\n")
		case "list":
			w.WriteString("      <ul>\n        <li>Item</li>\n      </ul>\n")
		}
	}

	return fmt.Sprintf(`export default function App() {
  return (
    <main className="screen" aria-label={%s}>
%s    </main>
  );
}
`, jsString(name), w.String())
}
