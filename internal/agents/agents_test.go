package agents

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/llm"
	"github.com/appforge/appforge/pkg/models"
)

type replyFunc func(req llm.Request) string

func (f replyFunc) Complete(_ context.Context, req llm.Request) (*models.CompletionResult, error) {
	return &models.CompletionResult{Text: f(req), Provider: "emulated", Model: "synthetic", TokensIn: 10, TokensOut: 20, Cost: 0.001}, nil
}

func components(t *testing.T, screen map[string]any) []map[string]any {
	t.Helper()
	raw, ok := screen["components"].([]any)
	require.True(t, ok, "components missing: %v", screen)
	out := make([]map[string]any, 0, len(raw))
	for _, c := range raw {
		out = append(out, c.(map[string]any))
	}
	return out
}

func TestKindForTask(t *testing.T) {
	cases := map[string]Kind{
		"create_ui":       KindUI,
		"generate_code":   KindCode,
		"generate_screen": KindCode,
		"preview":         KindPreview,
		"build_app":       KindBuild,
		"deploy":          KindPackage,
		" Create_UI ":     KindUI,
	}
	for in, want := range cases {
		got, ok := KindForTask(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := KindForTask("bake_cake")
	assert.False(t, ok)
	assert.Equal(t, "ui_agent", KindUI.AgentName())
}

func TestSetResolve(t *testing.T) {
	set := NewSet(NewUIAgent(nil), NewCodeAgent(nil))

	a, err := set.Resolve("create_ui", "")
	require.NoError(t, err)
	assert.Equal(t, KindUI, a.Kind())

	a, err = set.Resolve("create_ui", "code_agent")
	require.NoError(t, err)
	assert.Equal(t, KindCode, a.Kind(), "explicit agent wins")

	_, err = set.Resolve("nope", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = set.Resolve("build", "")
	assert.ErrorIs(t, err, apperr.ErrValidation, "no build agent registered")
}

func TestHeuristicLoginScreen(t *testing.T) {
	screen := HeuristicScreen("Login screen with email and password")
	assert.Equal(t, "Login Screen", screen["name"])

	var placeholders []string
	var button string
	for _, c := range components(t, screen) {
		p := c["props"].(map[string]any)
		switch c["type"] {
		case "input":
			placeholders = append(placeholders, p["placeholder"].(string))
		case "button":
			button = p["text"].(string)
		}
	}
	assert.Equal(t, []string{"Email", "Password"}, placeholders)
	assert.Regexp(t, regexp.MustCompile(`(?i)login|sign in`), button)
}

func TestHeuristicNotesApp(t *testing.T) {
	screen := HeuristicScreen("Build a Flutter notes app")
	kinds := map[string]int{}
	for _, c := range components(t, screen) {
		kinds[c["type"].(string)]++
	}
	assert.Equal(t, 1, kinds["list"])
	assert.Zero(t, kinds["input"])
}

func TestUIAgentFallsBackToHeuristic(t *testing.T) {
	a := NewUIAgent(replyFunc(func(llm.Request) string { return "[synthetic] Login screen" }))
	out, err := a.Execute(context.Background(), &models.Task{
		Type:   "create_ui",
		Owner:  "u",
		Params: map[string]any{"prompt": "Login screen with email and password", "framework": "flutter", "style": "material"},
	})
	require.NoError(t, err)
	assert.Equal(t, "heuristic", out.Result["source"])
	assert.Equal(t, "emulated:synthetic", out.Model)
	assert.Equal(t, 0.001, out.Cost)
	assert.NotEmpty(t, components(t, out.Result["screen"].(map[string]any)))
}

func TestUIAgentUsesModelScreen(t *testing.T) {
	reply := "Here you go:\n```json\n{\"screen\":{\"name\":\"Signup\",\"components\":[{\"type\":\"button\",\"props\":{\"text\":\"Sign in\"}}]}}\n```"
	var seen llm.Request
	a := NewUIAgent(replyFunc(func(req llm.Request) string { seen = req; return reply }))
	out, err := a.Execute(context.Background(), &models.Task{
		Type: "create_ui", Owner: "u", ProjectID: "p",
		Params: map[string]any{"prompt": "signup", "image_url": "https://example.com/mock.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "model", out.Result["source"])
	assert.Equal(t, "Signup", out.Result["screen"].(map[string]any)["name"])
	assert.Equal(t, "ui_agent", seen.Role)
	assert.Equal(t, "p", seen.ProjectID)
	require.Len(t, seen.Images, 1)
}

func TestUIAgentRequiresPrompt(t *testing.T) {
	_, err := NewUIAgent(nil).Execute(context.Background(), &models.Task{Params: map[string]any{}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCodeAgentExtractsFence(t *testing.T) {
	reply := "Sure.\n```dart\nimport 'package:flutter/material.dart';\nvoid main() {}\n```\nDone."
	a := NewCodeAgent(replyFunc(func(llm.Request) string { return reply }))
	out, err := a.Execute(context.Background(), &models.Task{
		Owner:  "u",
		Params: map[string]any{"prompt": "login", "framework": "flutter", "ui": map[string]any{"screen": HeuristicScreen("login")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "model", out.Result["source"])
	assert.Equal(t, FlutterEntry, out.Result["file"])
	assert.Equal(t, "import 'package:flutter/material.dart';\nvoid main() {}\n", out.Result["code"])
}

func TestCodeAgentRendersTemplate(t *testing.T) {
	a := NewCodeAgent(replyFunc(func(llm.Request) string { return "I cannot write code today." }))
	out, err := a.Execute(context.Background(), &models.Task{
		Owner:  "u",
		Params: map[string]any{"prompt": "Profile page with name and email", "framework": "react"},
	})
	require.NoError(t, err)
	assert.Equal(t, "template", out.Result["source"])
	assert.Equal(t, ReactEntry, out.Result["file"])
	code := out.Result["code"].(string)
	assert.True(t, strings.HasPrefix(code, "export default function App()"))
	assert.Contains(t, code, `placeholder={"Email"}`)
}

func TestRenderFlutterEscapesStrings(t *testing.T) {
	code := RenderScreen(models.FrameworkFlutter, map[string]any{
		"name":       "Bob's $tore",
		"components": []any{map[string]any{"type": "button", "props": map[string]any{"text": "Pay $5"}}},
	})
	assert.Contains(t, code, `'Bob\'s \$tore'`)
	assert.Contains(t, code, `FilledButton(onPressed: () {}, child: Text('Pay \$5'))`)
	assert.Contains(t, code, "void main() => runApp(const App());")
}

func TestPlatformFor(t *testing.T) {
	assert.Equal(t, models.PlatformFlutterAPK, PlatformFor("", models.FrameworkFlutter))
	assert.Equal(t, models.PlatformReactWeb, PlatformFor("", models.FrameworkWeb))
	assert.Equal(t, models.PlatformFlutterWeb, PlatformFor("web", models.FrameworkFlutter))
	assert.Equal(t, models.PlatformNextJSWeb, PlatformFor("nextjs", models.FrameworkWeb))
	assert.Equal(t, models.PlatformFlutterAPK, PlatformFor("APK", models.FrameworkWeb))
	assert.Equal(t, models.BuildPlatform("electron"), PlatformFor("electron", models.FrameworkWeb))
}

// ── runtime agents ───────────────────────────────────────────

type fakeBuilds struct {
	final   *models.BuildJob
	started models.BuildPlatform
}

func (f *fakeBuilds) StartBuild(_ context.Context, owner, projectID string, p models.BuildPlatform) (*models.BuildJob, error) {
	f.started = p
	return &models.BuildJob{ID: f.final.ID, Owner: owner, ProjectID: projectID, Platform: p, State: models.BuildQueued}, nil
}

func (f *fakeBuilds) WaitBuild(context.Context, string) (*models.BuildJob, error) { return f.final, nil }

func (f *fakeBuilds) GetBuild(id string) (*models.BuildJob, error) {
	if id != f.final.ID {
		return nil, apperr.New(apperr.ErrNotFound, "build %s not found", id)
	}
	return f.final, nil
}

type fakeProjects struct{ fw models.Framework }

func (f fakeProjects) Path(owner, id string) (string, error) { return "/projects/" + owner + "/" + id, nil }
func (f fakeProjects) DetectFramework(string, string) (models.Framework, error) {
	return f.fw, nil
}

type fakePackager struct{ packaged int }

func (f *fakePackager) Package(_ context.Context, buildID, dir string, arts []models.Artifact) (*models.Artifact, error) {
	f.packaged++
	return &models.Artifact{Kind: "zip", Name: buildID + ".zip", Path: "build_artifacts/" + buildID + "/" + buildID + ".zip"}, nil
}

func (f *fakePackager) DownloadURL(buildID string, ttl time.Duration) (string, error) {
	return "/build/" + buildID + "/download?token=t", nil
}

func TestBuildAgentSucceeds(t *testing.T) {
	apk := models.Artifact{Kind: "apk", Name: "app-release.apk", Path: "build_artifacts/b1/app-release.apk"}
	builds := &fakeBuilds{final: &models.BuildJob{ID: "b1", State: models.BuildSucceeded, Platform: models.PlatformFlutterAPK, Artifacts: []models.Artifact{apk}}}
	a := NewBuildAgent(builds, fakeProjects{fw: models.FrameworkFlutter})

	out, err := a.Execute(context.Background(), &models.Task{Type: "build", Owner: "u", ProjectID: "notes", Params: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, models.PlatformFlutterAPK, builds.started)
	assert.Equal(t, "b1", out.Result["build_id"])
	assert.True(t, strings.HasSuffix(out.Result["artifact_path"].(string), ".apk"))
}

func TestBuildAgentCancelled(t *testing.T) {
	builds := &fakeBuilds{final: &models.BuildJob{ID: "b1", State: models.BuildCancelled}}
	_, err := NewBuildAgent(builds, nil).Execute(context.Background(), &models.Task{Owner: "u", ProjectID: "p", Params: map[string]any{}})
	require.ErrorIs(t, err, apperr.ErrCancelled)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestBuildAgentNeedsProject(t *testing.T) {
	_, err := NewBuildAgent(&fakeBuilds{}, nil).Execute(context.Background(), &models.Task{Type: "build", Params: map[string]any{}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPackageAgent(t *testing.T) {
	one := &fakeBuilds{final: &models.BuildJob{ID: "b1", Owner: "u", ProjectID: "p", State: models.BuildSucceeded,
		Artifacts: []models.Artifact{{Name: "app-release.apk", Path: "build_artifacts/b1/app-release.apk"}}}}
	pk := &fakePackager{}
	out, err := NewPackageAgent(one, pk, fakeProjects{}, 0).Execute(context.Background(), &models.Task{Params: map[string]any{"build_id": "b1"}})
	require.NoError(t, err)
	assert.Zero(t, pk.packaged, "a single artifact is served directly")
	assert.Equal(t, "/build/b1/download?token=t", out.Result["download_url"])
	assert.Equal(t, "build_artifacts/b1/app-release.apk", out.Result["artifact_path"])

	many := &fakeBuilds{final: &models.BuildJob{ID: "b2", Owner: "u", ProjectID: "p", State: models.BuildSucceeded,
		Artifacts: []models.Artifact{{Name: "a.js"}, {Name: "index.html"}}}}
	out, err = NewPackageAgent(many, pk, fakeProjects{}, 0).Execute(context.Background(), &models.Task{Params: map[string]any{"build_id": "b2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, pk.packaged)
	assert.Equal(t, "build_artifacts/b2/b2.zip", out.Result["artifact_path"])

	failed := &fakeBuilds{final: &models.BuildJob{ID: "b3", State: models.BuildFailed}}
	_, err = NewPackageAgent(failed, pk, fakeProjects{}, 0).Execute(context.Background(), &models.Task{Params: map[string]any{"build_id": "b3"}})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}
