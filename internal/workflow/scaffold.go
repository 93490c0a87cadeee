package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/appforge/appforge/internal/agents"
	"github.com/appforge/appforge/pkg/models"
)

// Scaffolder is the workspace surface the code-writing step uses.
type Scaffolder interface {
	EnsureProject(owner, id string, fw models.Framework, name string) (*models.Project, error)
	WriteFile(owner, id, rel string, content []byte) error
	WriteFileIfAbsent(owner, id, rel string, content []byte) (bool, error)
	Path(owner, id string) (string, error)
	DetectFramework(owner, id string) (models.Framework, error)
}

type scaffoldFile struct {
	path    string
	content string
}

// writeScaffold writes the generated entry point (always) and the minimal
// project files around it (only when missing). It returns the paths it
// wrote.
func writeScaffold(ws Scaffolder, owner, projectID string, fw models.Framework, code string) ([]string, error) {
	entry := agents.EntryFile(fw)
	if err := ws.WriteFile(owner, projectID, entry, []byte(code)); err != nil {
		return nil, fmt.Errorf("write %s: %w", entry, err)
	}
	written := []string{entry}

	for _, f := range supportFiles(fw, projectID) {
		created, err := ws.WriteFileIfAbsent(owner, projectID, f.path, []byte(f.content))
		if err != nil {
			return written, fmt.Errorf("write %s: %w", f.path, err)
		}
		if created {
			written = append(written, f.path)
		}
	}
	return written, nil
}

// packageName turns a project id into a valid dart/npm package name.
func packageName(projectID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(projectID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "app_" + name
	}
	return name
}

func supportFiles(fw models.Framework, projectID string) []scaffoldFile {
	name := packageName(projectID)
	if fw == models.FrameworkFlutter {
		return []scaffoldFile{{"pubspec.yaml", fmt.Sprintf(`name: %s
description: Generated Flutter application.
publish_to: "none"
version: 1.0.0+1

environment:
  sdk: ">=3.0.0 <4.0.0"

dependencies:
  flutter:
    sdk: flutter

flutter:
  uses-material-design: true
`, name)}}
	}

	pkg := map[string]any{
		"name":    strings.ReplaceAll(name, "_", "-"),
		"private": true,
		"version": "0.1.0",
		"type":    "module",
		"scripts": map[string]string{
			"dev":     "vite",
			"build":   "vite build",
			"preview": "vite preview",
		},
		"dependencies": map[string]string{
			"react":     "^18.3.1",
			"react-dom": "^18.3.1",
		},
		"devDependencies": map[string]string{
			"@vitejs/plugin-react": "^4.3.1",
			"vite":                 "^5.4.0",
		},
	}
	pkgJSON, _ := json.MarshalIndent(pkg, "", "  ")
	return []scaffoldFile{
		{"package.json", string(pkgJSON) + "\n"},
		{"index.html", `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>App</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.jsx"></script>
  </body>
</html>
`},
		{"src/main.jsx", `import React from 'react';
import ReactDOM from 'react-dom/client';
import App from './App.jsx';

ReactDOM.createRoot(document.getElementById('root')).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>
);
`},
		{"vite.config.js", `import { defineConfig } from 'vite';
import react from '@vitejs/plugin-react';

export default defineConfig({
  plugins: [react()],
});
`},
	}
}
