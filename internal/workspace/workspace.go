// Package workspace manages per-(owner, project) directories on disk.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
)

const (
	metaDir  = ".appforge"
	metaFile = "project.json"

	dirPerms  = 0o755
	filePerms = 0o644
)

// skipDirs are never descended into when listing files.
var skipDirs = map[string]bool{
	"node_modules":    true,
	".git":            true,
	"build":           true,
	"dist":            true,
	".next":           true,
	"build_artifacts": true,
	"__pycache__":     true,
	metaDir:           true,
}

var segmentRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)

// Workspace is the projects root.
type Workspace struct {
	root string
	now  func() time.Time
}

// New returns a workspace rooted at root (created on first write).
func New(root string) *Workspace {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return &Workspace{root: abs, now: time.Now}
}

// Root returns the absolute projects root.
func (w *Workspace) Root() string { return w.root }

// ValidSegment reports whether s can name an owner or a project.
func ValidSegment(s string) bool {
	return segmentRE.MatchString(s) && s != "." && s != ".."
}

// Path returns the workspace directory of a project.
func (w *Workspace) Path(owner, id string) (string, error) {
	if !ValidSegment(owner) {
		return "", apperr.New(apperr.ErrPathTraversal, "invalid owner %q", owner)
	}
	if !ValidSegment(id) {
		return "", apperr.New(apperr.ErrPathTraversal, "invalid project id %q", id)
	}
	return filepath.Join(w.root, owner, id), nil
}

// Resolve joins rel onto the project directory, refusing anything that
// escapes it after normalization.
func (w *Workspace) Resolve(owner, id, rel string) (string, error) {
	dir, err := w.Path(owner, id)
	if err != nil {
		return "", err
	}
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", apperr.New(apperr.ErrPathTraversal, "invalid path %q", rel)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", apperr.New(apperr.ErrPathTraversal, "absolute path %q", rel)
	}
	full := filepath.Join(dir, filepath.FromSlash(rel))
	r, err := filepath.Rel(dir, full)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", apperr.New(apperr.ErrPathTraversal, "path %q escapes the workspace", rel)
	}
	return full, nil
}

// Exists reports whether the project directory exists.
func (w *Workspace) Exists(owner, id string) bool {
	dir, err := w.Path(owner, id)
	if err != nil {
		return false
	}
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}

// CreateProject creates the directory and metadata. It fails with
// ErrConflict if the project already exists.
func (w *Workspace) CreateProject(owner, id string, fw models.Framework, name string) (*models.Project, error) {
	if w.Exists(owner, id) {
		return nil, apperr.New(apperr.ErrConflict, "project %s/%s already exists", owner, id)
	}
	return w.EnsureProject(owner, id, fw, name)
}

// EnsureProject creates the project if missing. For an existing project a
// non-empty framework replaces the recorded one.
func (w *Workspace) EnsureProject(owner, id string, fw models.Framework, name string) (*models.Project, error) {
	dir, err := w.Path(owner, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, metaDir), dirPerms); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	now := w.now().UTC()
	p, err := w.readMeta(dir)
	if err != nil {
		if name == "" {
			name = id
		}
		p = &models.Project{Owner: owner, ProjectID: id, Name: name, CreatedAt: now}
	}
	if fw != "" {
		p.Framework = fw
	}
	if name != "" {
		p.Name = name
	}
	p.UpdatedAt = now
	p.WorkspacePath = dir
	if err := w.writeMeta(dir, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject returns a project's metadata. A workspace directory without
// metadata is described from disk.
func (w *Workspace) GetProject(owner, id string) (*models.Project, error) {
	dir, err := w.Path(owner, id)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return nil, apperr.New(apperr.ErrNotFound, "project %s/%s not found", owner, id)
	}
	if p, err := w.readMeta(dir); err == nil {
		p.WorkspacePath = dir
		return p, nil
	}
	fw, _ := w.DetectFramework(owner, id)
	return &models.Project{
		Owner:         owner,
		ProjectID:     id,
		Name:          id,
		Framework:     fw,
		CreatedAt:     st.ModTime().UTC(),
		UpdatedAt:     st.ModTime().UTC(),
		WorkspacePath: dir,
	}, nil
}

// ListProjects returns an owner's projects sorted by id.
func (w *Workspace) ListProjects(owner string) ([]*models.Project, error) {
	if !ValidSegment(owner) {
		return nil, apperr.New(apperr.ErrPathTraversal, "invalid owner %q", owner)
	}
	entries, err := os.ReadDir(filepath.Join(w.root, owner))
	if errors.Is(err, fs.ErrNotExist) {
		return []*models.Project{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]*models.Project, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !ValidSegment(e.Name()) {
			continue
		}
		p, err := w.GetProject(owner, e.Name())
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

// DeleteProject removes the whole workspace.
func (w *Workspace) DeleteProject(owner, id string) error {
	dir, err := w.Path(owner, id)
	if err != nil {
		return err
	}
	if !w.Exists(owner, id) {
		return apperr.New(apperr.ErrNotFound, "project %s/%s not found", owner, id)
	}
	return os.RemoveAll(dir)
}

// WriteFile writes content atomically: a temp file in the target
// directory is renamed over the destination.
func (w *Workspace) WriteFile(owner, id, rel string, content []byte) error {
	full, err := w.Resolve(owner, id, rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, filePerms); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, full); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WriteFileIfAbsent writes content only when rel does not exist yet. It
// reports whether it wrote.
func (w *Workspace) WriteFileIfAbsent(owner, id, rel string, content []byte) (bool, error) {
	full, err := w.Resolve(owner, id, rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err == nil {
		return false, nil
	}
	return true, w.WriteFile(owner, id, rel, content)
}

// ReadFile returns a file's content.
func (w *Workspace) ReadFile(owner, id, rel string) ([]byte, error) {
	full, err := w.Resolve(owner, id, rel)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.ErrNotFound, "file %q not found", rel)
	}
	return b, err
}

// ListFiles walks the project, skipping dependency and build directories.
// Paths are slash-separated and sorted.
func (w *Workspace) ListFiles(owner, id string) ([]models.FileEntry, error) {
	dir, err := w.Path(owner, id)
	if err != nil {
		return nil, err
	}
	if !w.Exists(owner, id) {
		return nil, apperr.New(apperr.ErrNotFound, "project %s/%s not found", owner, id)
	}
	var out []models.FileEntry
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		out = append(out, models.FileEntry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// DetectFramework inspects marker files: pubspec.yaml means flutter,
// package.json means web. Both present is ambiguous and needs an explicit
// choice from the caller.
func (w *Workspace) DetectFramework(owner, id string) (models.Framework, error) {
	dir, err := w.Path(owner, id)
	if err != nil {
		return "", err
	}
	_, errPub := os.Stat(filepath.Join(dir, "pubspec.yaml"))
	_, errPkg := os.Stat(filepath.Join(dir, "package.json"))
	hasPub, hasPkg := errPub == nil, errPkg == nil
	switch {
	case hasPub && hasPkg:
		return "", apperr.New(apperr.ErrAmbiguousFramework, "project %s/%s has both pubspec.yaml and package.json", owner, id)
	case hasPub:
		return models.FrameworkFlutter, nil
	case hasPkg:
		return models.FrameworkWeb, nil
	}
	return "", apperr.New(apperr.ErrNotFound, "no framework markers in %s/%s", owner, id)
}

func (w *Workspace) readMeta(dir string) (*models.Project, error) {
	b, err := os.ReadFile(filepath.Join(dir, metaDir, metaFile))
	if err != nil {
		return nil, err
	}
	var p models.Project
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (w *Workspace) writeMeta(dir string, p *models.Project) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, metaDir, metaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, filePerms); err != nil {
		return fmt.Errorf("write project metadata: %w", err)
	}
	return os.Rename(tmp, path)
}

// ParseProjectPath splits "projects/<owner>/<id>" (the leading "projects/"
// is optional) into owner and id.
func ParseProjectPath(p string) (owner, id string, ok bool) {
	parts := strings.Split(strings.Trim(filepath.ToSlash(p), "/"), "/")
	if len(parts) == 3 && parts[0] == "projects" {
		parts = parts[1:]
	}
	if len(parts) != 2 || !ValidSegment(parts[0]) || !ValidSegment(parts[1]) {
		return "", "", false
	}
	return parts[0], parts[1], true
}
