package agents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
)

// Previewer is the slice of process.Supervisor the preview agent drives.
type Previewer interface {
	StartPreview(ctx context.Context, owner, projectID string, kind models.PreviewKind) (*models.PreviewServer, error)
	WaitPreviewReady(ctx context.Context, id string) (*models.PreviewServer, error)
}

// Builder is the slice of process.Supervisor the build agents drive.
type Builder interface {
	StartBuild(ctx context.Context, owner, projectID string, platform models.BuildPlatform) (*models.BuildJob, error)
	WaitBuild(ctx context.Context, id string) (*models.BuildJob, error)
	GetBuild(id string) (*models.BuildJob, error)
}

// Packager is the slice of artifact.Store the package agent needs.
type Packager interface {
	Package(ctx context.Context, buildID, projectDir string, arts []models.Artifact) (*models.Artifact, error)
	DownloadURL(buildID string, ttl time.Duration) (string, error)
}

// Projects resolves project directories and frameworks.
type Projects interface {
	Path(owner, id string) (string, error)
	DetectFramework(owner, id string) (models.Framework, error)
}

// projectFramework prefers an explicit framework param, then what is on
// disk, then flutter.
func projectFramework(ws Projects, task *models.Task) models.Framework {
	if fw := models.NormalizeFramework(str(task.Params, "framework")); fw != "" {
		return fw
	}
	if ws != nil {
		if fw, err := ws.DetectFramework(task.Owner, task.ProjectID); err == nil && fw != "" {
			return fw
		}
	}
	return models.FrameworkFlutter
}

// ── preview ──────────────────────────────────────────────────

// PreviewAgent starts the project's dev server.
type PreviewAgent struct {
	previews Previewer
	projects Projects
}

// NewPreviewAgent returns the preview agent.
func NewPreviewAgent(p Previewer, ws Projects) *PreviewAgent {
	return &PreviewAgent{previews: p, projects: ws}
}

func (a *PreviewAgent) Kind() Kind { return KindPreview }

// Execute starts a preview and, unless params say "wait": false, blocks
// until the dev server reports its address.
func (a *PreviewAgent) Execute(ctx context.Context, task *models.Task) (*models.TaskOutput, error) {
	if err := requireProject(task); err != nil {
		return nil, err
	}
	kind := models.PreviewKindFor(projectFramework(a.projects, task))
	ps, err := a.previews.StartPreview(ctx, task.Owner, task.ProjectID, kind)
	if err != nil {
		return nil, err
	}
	if boolParam(task.Params, "wait", true) {
		if ps, err = a.previews.WaitPreviewReady(ctx, ps.ID); err != nil {
			return nil, err
		}
	}
	return &models.TaskOutput{Result: map[string]any{
		"preview_id": ps.ID,
		"url":        ps.URL,
		"port":       ps.Port,
		"framework":  string(ps.Framework),
		"state":      string(ps.State),
		"project_id": ps.ProjectID,
	}}, nil
}

// ── build ────────────────────────────────────────────────────

// BuildAgent runs a platform build to completion.
type BuildAgent struct {
	builds   Builder
	projects Projects
}

// NewBuildAgent returns the build agent.
func NewBuildAgent(b Builder, ws Projects) *BuildAgent {
	return &BuildAgent{builds: b, projects: ws}
}

func (a *BuildAgent) Kind() Kind { return KindBuild }

// PlatformFor picks a build platform from an explicit name or the
// framework default: an APK for flutter, a static bundle for web.
func PlatformFor(name string, fw models.Framework) models.BuildPlatform {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "":
	case "apk", "android":
		return models.PlatformFlutterAPK
	case "ios", "ipa":
		return models.PlatformFlutterIOS
	case "web":
		if fw == models.FrameworkFlutter {
			return models.PlatformFlutterWeb
		}
		return models.PlatformReactWeb
	case "react", "vite":
		return models.PlatformReactWeb
	case "nextjs", "next":
		return models.PlatformNextJSWeb
	case "desktop":
		return models.PlatformElectron
	default:
		return models.BuildPlatform(n)
	}
	if fw == models.FrameworkFlutter {
		return models.PlatformFlutterAPK
	}
	return models.PlatformReactWeb
}

// Execute starts the build and waits for it. A cancelled build (or a
// cancelled wait) fails with apperr.ErrCancelled; the build process itself
// is only stopped through the supervisor.
func (a *BuildAgent) Execute(ctx context.Context, task *models.Task) (*models.TaskOutput, error) {
	if err := requireProject(task); err != nil {
		return nil, err
	}
	platform := PlatformFor(str(task.Params, "platform"), projectFramework(a.projects, task))
	job, err := a.builds.StartBuild(ctx, task.Owner, task.ProjectID, platform)
	if err != nil {
		return nil, err
	}
	id := job.ID
	job, err = a.builds.WaitBuild(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, apperr.Wrap(apperr.ErrCancelled, err, "stopped waiting for build %s", id)
		}
		return nil, err
	}

	switch job.State {
	case models.BuildSucceeded:
	case models.BuildCancelled:
		return nil, apperr.New(apperr.ErrCancelled, "build %s was cancelled", job.ID).WithDetail("build_id", job.ID)
	default:
		return nil, apperr.New(apperr.ErrProcess, "build %s failed: %s", job.ID, job.Error).WithDetail("build_id", job.ID)
	}
	return &models.TaskOutput{Result: buildResult(job)}, nil
}

func buildResult(job *models.BuildJob) map[string]any {
	paths := make([]string, len(job.Artifacts))
	for i, art := range job.Artifacts {
		paths[i] = art.Path
	}
	out := map[string]any{
		"build_id":       job.ID,
		"platform":       string(job.Platform),
		"state":          string(job.State),
		"artifacts":      job.Artifacts,
		"artifact_paths": paths,
	}
	if len(paths) > 0 {
		out["artifact_path"] = paths[0]
	}
	return out
}

// ── package ──────────────────────────────────────────────────

// PackageAgent bundles a finished build and issues its download link.
type PackageAgent struct {
	builds   Builder
	packager Packager
	projects Projects
	ttl      time.Duration
}

// NewPackageAgent returns the package agent. ttl <= 0 uses the store's
// default link lifetime.
func NewPackageAgent(b Builder, p Packager, ws Projects, ttl time.Duration) *PackageAgent {
	return &PackageAgent{builds: b, packager: p, projects: ws, ttl: ttl}
}

func (a *PackageAgent) Kind() Kind { return KindPackage }

// Execute packages the build named by params["build_id"]. A single
// artifact is served as is; several are zipped into one archive.
func (a *PackageAgent) Execute(ctx context.Context, task *models.Task) (*models.TaskOutput, error) {
	buildID := str(task.Params, "build_id")
	if buildID == "" {
		return nil, apperr.New(apperr.ErrValidation, "build_id is required")
	}
	job, err := a.builds.GetBuild(buildID)
	if err != nil {
		return nil, err
	}
	if job.State != models.BuildSucceeded || len(job.Artifacts) == 0 {
		return nil, apperr.New(apperr.ErrConflict, "build %s has nothing to package (state %s)", buildID, job.State)
	}

	download := job.Artifacts[0]
	if len(job.Artifacts) > 1 {
		dir, err := a.projects.Path(job.Owner, job.ProjectID)
		if err != nil {
			return nil, err
		}
		pkg, err := a.packager.Package(ctx, buildID, dir, job.Artifacts)
		if err != nil {
			return nil, err
		}
		download = *pkg
	}
	url, err := a.packager.DownloadURL(buildID, a.ttl)
	if err != nil {
		return nil, err
	}

	out := buildResult(job)
	out["download"] = download
	out["download_url"] = url
	out["artifact_path"] = download.Path
	return &models.TaskOutput{Result: out}, nil
}
