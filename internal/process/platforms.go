package process

import (
	"strconv"
	"strings"

	"github.com/appforge/appforge/pkg/models"
)

// PreviewCommand describes how to run a dev server of one kind.
type PreviewCommand struct {
	// Command returns the invocation for a server bound to port.
	Command func(port int) Command
	// Ready lists output fragments that mean the server is serving.
	Ready []string
}

// Step is one command of a build.
type Step struct {
	Name    string
	Command Command
}

// Platform is a build target: commands run in order, then the first output
// pattern (relative to the project, "dir/**" for a whole tree) that matches
// anything is collected as artifacts of the given kind.
type Platform struct {
	Steps        []Step
	Outputs      []string
	ArtifactKind string
}

// DefaultPreviewCommands are the dev servers for each preview kind.
func DefaultPreviewCommands() map[models.PreviewKind]PreviewCommand {
	return map[models.PreviewKind]PreviewCommand{
		models.PreviewWeb: {
			Command: func(port int) Command {
				return Command{Program: "npm", Args: []string{"run", "dev", "--", "--port=" + strconv.Itoa(port), "--host=0.0.0.0"}}
			},
			Ready: []string{"Local:", "http://localhost:"},
		},
		models.PreviewFlutterWeb: {
			Command: func(port int) Command {
				return Command{Program: "flutter", Args: []string{
					"run", "-d", "web-server",
					"--web-port=" + strconv.Itoa(port),
					"--web-hostname=0.0.0.0",
				}}
			},
			Ready: []string{"Running on http://", "is being served at http://"},
		},
	}
}

func npm(args ...string) Command     { return Command{Program: "npm", Args: args} }
func flutter(args ...string) Command { return Command{Program: "flutter", Args: args} }

// DefaultPlatforms are the supported build targets.
func DefaultPlatforms() map[models.BuildPlatform]Platform {
	pubGet := Step{Name: "pub_get", Command: flutter("pub", "get")}
	npmInstall := Step{Name: "install", Command: npm("install")}
	npmBuild := Step{Name: "build", Command: npm("run", "build")}

	return map[models.BuildPlatform]Platform{
		models.PlatformFlutterAPK: {
			Steps:        []Step{pubGet, {Name: "build", Command: flutter("build", "apk", "--release")}},
			Outputs:      []string{"build/app/outputs/flutter-apk/app-release.apk"},
			ArtifactKind: "apk",
		},
		models.PlatformFlutterWeb: {
			Steps:        []Step{pubGet, {Name: "build", Command: flutter("build", "web", "--release")}},
			Outputs:      []string{"build/web/**"},
			ArtifactKind: "web_bundle",
		},
		models.PlatformFlutterIOS: {
			Steps:        []Step{pubGet, {Name: "build", Command: flutter("build", "ios", "--release", "--no-codesign")}},
			Outputs:      []string{"build/ios/iphoneos/Runner.app/**"},
			ArtifactKind: "ios_app",
		},
		models.PlatformReactWeb: {
			Steps:        []Step{npmInstall, npmBuild},
			Outputs:      []string{"dist/**", "build/**"},
			ArtifactKind: "web_bundle",
		},
		models.PlatformNextJSWeb: {
			Steps:        []Step{npmInstall, npmBuild},
			Outputs:      []string{"out/**", ".next/static/**"},
			ArtifactKind: "web_bundle",
		},
		models.PlatformElectron: {
			Steps:        []Step{npmInstall, npmBuild},
			Outputs:      []string{"dist/**"},
			ArtifactKind: "desktop",
		},
	}
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// isHotReload matches dev-server output for an in-place update.
func isHotReload(line string) bool {
	if strings.Contains(line, "Reloaded") {
		return true
	}
	lower := strings.ToLower(line)
	return strings.Contains(lower, "hmr update") || strings.Contains(lower, "[hmr]")
}
