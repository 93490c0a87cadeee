package api

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/agents"
	"github.com/appforge/appforge/internal/api/handlers"
	"github.com/appforge/appforge/internal/artifact"
	"github.com/appforge/appforge/internal/budget"
	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/events"
	"github.com/appforge/appforge/internal/llm"
	"github.com/appforge/appforge/internal/memory"
	"github.com/appforge/appforge/internal/process"
	"github.com/appforge/appforge/internal/provider"
	"github.com/appforge/appforge/internal/resilience"
	"github.com/appforge/appforge/internal/router"
	"github.com/appforge/appforge/internal/store"
	"github.com/appforge/appforge/internal/workflow"
	"github.com/appforge/appforge/internal/workspace"
	"github.com/appforge/appforge/pkg/models"
)

const (
	devServer     = `echo "starting dev server"; echo "  Local:   http://localhost:$PORT/"; while true; do sleep 0.1; done`
	flutterServer = `echo "Running on http://0.0.0.0:$PORT"; while true; do sleep 0.1; done`
	buildGrace    = 300 * time.Millisecond
)

// appEnv is the whole control plane with real agents on top of the
// emulated provider and shell scripts standing in for toolchains.
type appEnv struct {
	*testEnv
	engine  *workflow.Engine
	adapter *provider.Emulated
}

func newAppEnv(t *testing.T, platforms map[models.BuildPlatform]process.Platform) *appEnv {
	t.Helper()
	ws := workspace.New(t.TempDir())
	mem := memory.New(t.TempDir())
	tasks := store.NewMemoryStore("")
	t.Cleanup(func() { tasks.Close() })
	bus := events.New(256)

	arts, err := artifact.New(config.ArtifactsConfig{SigningKey: "test-key"})
	require.NoError(t, err)
	sup := process.New(process.Options{
		WebPorts:     config.PortRange{Low: 45000, High: 45999},
		FlutterPorts: config.PortRange{Low: 46000, High: 46999},
		Grace:        buildGrace,
		ReadyTimeout: 10 * time.Second,
		PreviewCommands: map[models.PreviewKind]process.PreviewCommand{
			models.PreviewWeb:        {Command: func(int) process.Command { return sh(devServer) }, Ready: []string{"Local:"}},
			models.PreviewFlutterWeb: {Command: func(int) process.Command { return sh(flutterServer) }, Ready: []string{"Running on http://"}},
		},
		Platforms: platforms,
	}, ws, bus, arts)

	cat := catalog.NewWith(models.ModelDescriptor{
		Provider:      "emulated",
		Name:          "synthetic",
		Capabilities:  []models.Capability{models.CapText, models.CapCode},
		Quality:       7,
		PricePer1KIn:  0.01,
		PricePer1KOut: 0.02,
	})
	adapter := provider.NewEmulated()
	reg := provider.NewRegistry(adapter)
	health := resilience.NewHealthTracker(3, time.Minute)
	caller := resilience.NewCaller(reg, cat, health, resilience.Options{BaseBackoff: time.Millisecond})
	ledger := budget.NewLedger(cat)
	svc := llm.NewService(router.New(cat, health, ledger, reg), ledger, caller, mem)

	set := agents.NewSet(
		agents.NewUIAgent(svc),
		agents.NewCodeAgent(svc),
		agents.NewPreviewAgent(sup, ws),
		agents.NewBuildAgent(sup, ws),
		agents.NewPackageAgent(sup, arts, ws, time.Hour),
	)
	engine := workflow.NewEngine(set, tasks, ws, mem, bus, workflow.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		_ = sup.Shutdown(ctx)
	})

	h := &handlers.Handlers{
		Version:    "test",
		Store:      tasks,
		Engine:     engine,
		Supervisor: sup,
		Artifacts:  arts,
		Workspace:  ws,
		Memory:     mem,
		Catalog:    cat,
		Health:     health,
		Budget:     ledger,
		URLTTL:     time.Hour,
	}
	return &appEnv{
		testEnv: &testEnv{handler: NewRouter(h, Options{}), h: h, ws: ws},
		engine:  engine,
		adapter: adapter,
	}
}

func results(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	raw, ok := body["results"].([]any)
	require.True(t, ok, "results missing: %v", body)
	out := make([]map[string]any, len(raw))
	for i, r := range raw {
		out[i], _ = r.(map[string]any)
	}
	return out
}

func TestPreviewPipelineStartsOwnersDevServer(t *testing.T) {
	env := newAppEnv(t, nil)

	rec, body := env.do(t, "POST", "/agents/pipeline", "", map[string]any{
		"pipeline_type": "preview_screen",
		"params": map[string]any{
			"prompt":       "Profile page",
			"framework":    "react",
			"project_path": "projects/u/p",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["success"], body["error"])

	res := results(t, body)
	require.Len(t, res, 3)
	assert.Equal(t, []string{"ui", "code", "preview"}, []string{res[0]["step"].(string), res[1]["step"].(string), res[2]["step"].(string)})
	preview, _ := res[2]["result"].(map[string]any)
	assert.Regexp(t, regexp.MustCompile(`^http://localhost:[0-9]+$`), preview["url"])
	assert.FileExists(t, env.projectFile(t, "u", "p", "src/App.jsx"))

	// no owner named: every server is listed, tagged with its owner
	rec, body = env.do(t, "GET", "/preview/servers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["count"])
	srv, _ := body["servers"].([]any)[0].(map[string]any)
	assert.Equal(t, "u", srv["owner"])
	assert.Equal(t, "web", srv["framework"])
	assert.Equal(t, "running", srv["state"])

	_, body = env.do(t, "GET", "/preview/servers", "u", nil)
	assert.EqualValues(t, 1, body["count"])
	_, body = env.do(t, "GET", "/preview/servers", "someone-else", nil)
	assert.EqualValues(t, 0, body["count"])
}

func (e *appEnv) projectFile(t *testing.T, owner, id, rel string) string {
	t.Helper()
	dir, err := e.ws.Path(owner, id)
	require.NoError(t, err)
	return dir + "/" + rel
}

func TestPromptBuildsDownloadableAPK(t *testing.T) {
	env := newAppEnv(t, map[models.BuildPlatform]process.Platform{
		models.PlatformFlutterAPK: {
			Steps: []process.Step{{Name: "build", Command: sh(
				`mkdir -p build/app/outputs/flutter-apk && printf apk-bytes > build/app/outputs/flutter-apk/app-release.apk`)}},
			Outputs:      []string{"build/app/outputs/flutter-apk/app-release.apk"},
			ArtifactKind: "apk",
		},
	})

	rec, body := env.do(t, "POST", "/agents/prompt", "", map[string]any{
		"prompt":  "Build a Flutter notes app and make an APK",
		"context": map[string]any{"project_path": "projects/u/notes"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["success"], body["error"])
	assert.Equal(t, "build_app", body["pipeline_type"])
	assert.Equal(t, "flutter", body["framework"])

	res := results(t, body)
	require.Len(t, res, 4)
	last, _ := res[len(res)-1]["result"].(map[string]any)
	path, _ := last["artifact_path"].(string)
	assert.True(t, strings.HasSuffix(path, ".apk"), path)
	buildID, _ := last["build_id"].(string)
	require.NotEmpty(t, buildID)

	rec, body = env.do(t, "GET", "/build/"+buildID, "u", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	url, _ := body["download_url"].(string)
	require.NotEmpty(t, url)

	rec, _ = env.do(t, "GET", url, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.android.package-archive", rec.Header().Get("Content-Type"))
	assert.Equal(t, "apk-bytes", rec.Body.String())
}

func TestBudgetDenialIs429AndChargesNothing(t *testing.T) {
	env := newAppEnv(t, nil)

	rec, _ := env.do(t, "PUT", "/budget/u", "", map[string]any{"period": "day", "cap": 0.01})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// ui_agent reserves 4096 output tokens: 4.096 * 0.02 = 0.08 > 0.01
	rec, body := env.do(t, "POST", "/agents/execute", "u", map[string]any{
		"task_type": "create_ui",
		"params":    map[string]any{"prompt": "Login screen"},
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.Equal(t, false, body["success"])

	_, body = env.do(t, "GET", "/budget/u", "", nil)
	remaining, _ := body["remaining"].(map[string]any)
	assert.InDelta(t, 0.01, remaining["day"], 1e-12)
	_, body = env.do(t, "GET", "/budget/u/history", "", nil)
	assert.EqualValues(t, 0, body["count"])
	assert.Zero(t, env.adapter.Calls())
}

func TestCancellingBuildFailsFullCycle(t *testing.T) {
	env := newAppEnv(t, map[models.BuildPlatform]process.Platform{
		models.PlatformReactWeb: {
			Steps: []process.Step{
				{Name: "build", Command: sh(`echo compiling; sleep 30`)},
				{Name: "never", Command: sh(`touch should-not-exist`)},
			},
			Outputs:      []string{"dist/**"},
			ArtifactKind: "web_bundle",
		},
	})

	rec, body := env.do(t, "POST", "/agents/pipeline", "", map[string]any{
		"pipeline_type": "full_cycle",
		"async":         true,
		"params": map[string]any{
			"prompt":       "a todo list",
			"framework":    "react",
			"project_path": "projects/u/todo",
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	flowID, _ := body["pipeline_id"].(string)
	require.NotEmpty(t, flowID)

	var buildID string
	require.Eventually(t, func() bool {
		_, flow := env.do(t, "GET", "/agents/flows/"+flowID, "", nil)
		if flow["current_step"] != "building" {
			return false
		}
		for _, b := range env.h.Supervisor.ListBuilds("u") {
			logs, _ := env.h.Supervisor.BuildLogs(b.ID, 0)
			for _, ev := range logs {
				if ev.Text == "compiling" {
					buildID = b.ID
					return true
				}
			}
		}
		return false
	}, 15*time.Second, 50*time.Millisecond)

	start := time.Now()
	rec, body = env.do(t, "POST", "/build/"+buildID+"/cancel", "u", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Less(t, time.Since(start), buildGrace+time.Second)
	job, _ := body["build"].(map[string]any)
	assert.Equal(t, "cancelled", job["state"])
	assert.Empty(t, job["artifacts"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	flow, err := env.engine.WaitFlow(ctx, flowID)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, flow.CurrentStep)
	require.NotEmpty(t, flow.Errors)
	assert.Contains(t, strings.Join(flow.Errors, "; "), "cancelled")
	assert.NoFileExists(t, env.projectFile(t, "u", "todo", "should-not-exist"))
}
