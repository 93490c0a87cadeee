package workflow

import (
	"strings"
	"unicode"

	"github.com/appforge/appforge/internal/agents"
	"github.com/appforge/appforge/pkg/models"
)

// stage is one agent step of a pipeline. progress is the anchor reached
// when the stage completes.
type stage struct {
	name     string
	step     models.FlowStep
	kind     agents.Kind
	progress int
}

var (
	stageUI      = stage{"ui", models.StepUIGeneration, agents.KindUI, 25}
	stageCode    = stage{"code", models.StepCodeGeneration, agents.KindCode, 40}
	stagePreview = stage{"preview", models.StepPreview, agents.KindPreview, 60}
	stageBuild   = stage{"build", models.StepBuilding, agents.KindBuild, 85}
	stagePackage = stage{"package", models.StepDeploying, agents.KindPackage, 100}
)

// writeProgress is the anchor reached once generated code is on disk.
const writeProgress = 50

var pipelines = map[models.PipelineType][]stage{
	models.PipelineCreateUI:       {stageUI},
	models.PipelineGenerateScreen: {stageUI, stageCode},
	models.PipelinePreviewScreen:  {stageUI, stageCode, stagePreview},
	models.PipelineBuildApp:       {stageUI, stageCode, stagePreview, stageBuild},
	models.PipelineFullCycle:      {stageUI, stageCode, stagePreview, stageBuild, stagePackage},
}

// PipelineTypes lists the built-in pipelines in increasing length.
func PipelineTypes() []models.PipelineType {
	return []models.PipelineType{
		models.PipelineCreateUI,
		models.PipelineGenerateScreen,
		models.PipelinePreviewScreen,
		models.PipelineBuildApp,
		models.PipelineFullCycle,
	}
}

// needsProject reports whether any stage runs against the workspace.
func needsProject(stages []stage) bool {
	for _, s := range stages {
		if s.kind == agents.KindPreview || s.kind == agents.KindBuild || s.kind == agents.KindPackage {
			return true
		}
	}
	return false
}

func words(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	}) {
		out[strings.Trim(w, ".")] = true
	}
	return out
}

// ClassifyPrompt maps a free-form prompt onto a pipeline by keyword.
func ClassifyPrompt(prompt string) models.PipelineType {
	w := words(prompt)
	switch {
	case w["build"] && w["apk"]:
		return models.PipelineBuildApp
	case w["preview"] || w["show"]:
		return models.PipelinePreviewScreen
	case w["code"] || w["generate"]:
		return models.PipelineGenerateScreen
	}
	return models.PipelineCreateUI
}

// PromptFramework picks the framework named in the prompt, then the
// context's, then flutter. The second value is the raw name, kept so a
// Next.js request still builds with the Next.js platform.
func PromptFramework(prompt, contextFramework string) (models.Framework, string) {
	w := words(prompt)
	switch {
	case w["flutter"]:
		return models.FrameworkFlutter, "flutter"
	case w["next.js"] || w["nextjs"]:
		return models.FrameworkWeb, "nextjs"
	case w["react"]:
		return models.FrameworkWeb, "react"
	}
	if fw := models.NormalizeFramework(contextFramework); fw != "" {
		return fw, strings.ToLower(strings.TrimSpace(contextFramework))
	}
	return models.FrameworkFlutter, "flutter"
}

// defaultPlatform fills the build platform from the framework name when
// the caller gave none.
func defaultPlatform(rawFramework string, prompt string) string {
	w := words(prompt)
	switch {
	case w["apk"] || w["android"]:
		return "apk"
	case w["ios"] || w["iphone"]:
		return "ios"
	}
	switch rawFramework {
	case "nextjs", "next":
		return "nextjs"
	case "react", "vite", "web":
		return "react"
	}
	return ""
}
