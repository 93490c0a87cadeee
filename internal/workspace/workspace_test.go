package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/pkg/models"
)

func TestPathIsStable(t *testing.T) {
	root := t.TempDir()
	w := New(root)
	p, err := w.Path("alice", "todo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alice", "todo"), p)
}

func TestRejectsTraversal(t *testing.T) {
	w := New(t.TempDir())
	for _, rel := range []string{"../x", "a/../../x", "/etc/passwd", "", "..", "a/../.."} {
		err := w.WriteFile("alice", "p", rel, []byte("x"))
		assert.ErrorIs(t, err, apperr.ErrPathTraversal, "rel %q", rel)
	}
	for _, seg := range []string{"..", ".", "a/b", "", "../x"} {
		_, err := w.Path(seg, "p")
		assert.ErrorIs(t, err, apperr.ErrPathTraversal, "owner %q", seg)
		_, err = w.Path("alice", seg)
		assert.ErrorIs(t, err, apperr.ErrPathTraversal, "id %q", seg)
	}
	// normalizes inside the workspace
	require.NoError(t, w.WriteFile("alice", "p", "lib/../lib/main.dart", []byte("x")))
	b, err := w.ReadFile("alice", "p", "lib/main.dart")
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
}

func TestWriteReadList(t *testing.T) {
	w := New(t.TempDir())
	require.NoError(t, w.WriteFile("u", "p", "src/App.jsx", []byte("app")))
	require.NoError(t, w.WriteFile("u", "p", "package.json", []byte("{}")))
	require.NoError(t, w.WriteFile("u", "p", "node_modules/react/index.js", []byte("x")))
	require.NoError(t, w.WriteFile("u", "p", "dist/index.html", []byte("x")))
	require.NoError(t, w.WriteFile("u", "p", "build_artifacts/b1/app.zip", []byte("x")))

	files, err := w.ListFiles("u", "p")
	require.NoError(t, err)
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"package.json", "src/App.jsx"}, paths)

	_, err = w.ReadFile("u", "p", "missing.txt")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestWriteFileIfAbsent(t *testing.T) {
	w := New(t.TempDir())
	wrote, err := w.WriteFileIfAbsent("u", "p", "pubspec.yaml", []byte("first"))
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = w.WriteFileIfAbsent("u", "p", "pubspec.yaml", []byte("second"))
	require.NoError(t, err)
	assert.False(t, wrote)
	b, _ := w.ReadFile("u", "p", "pubspec.yaml")
	assert.Equal(t, "first", string(b))
}

func TestConcurrentWritesLeaveWholeFile(t *testing.T) {
	w := New(t.TempDir())
	a := make([]byte, 64*1024)
	b := make([]byte, 64*1024)
	for i := range a {
		a[i], b[i] = 'a', 'b'
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := a
			if i%2 == 1 {
				content = b
			}
			assert.NoError(t, w.WriteFile("u", "p", "big.txt", content))
		}(i)
	}
	wg.Wait()

	got, err := w.ReadFile("u", "p", "big.txt")
	require.NoError(t, err)
	require.Len(t, got, len(a))
	for _, c := range got {
		require.Equal(t, got[0], c, "file mixes two writes")
	}
}

func TestProjectsLifecycle(t *testing.T) {
	w := New(t.TempDir())
	p, err := w.CreateProject("u", "shop", models.FrameworkFlutter, "Shop")
	require.NoError(t, err)
	assert.Equal(t, "Shop", p.Name)

	_, err = w.CreateProject("u", "shop", models.FrameworkFlutter, "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := w.GetProject("u", "shop")
	require.NoError(t, err)
	assert.Equal(t, models.FrameworkFlutter, got.Framework)

	_, err = w.EnsureProject("u", "blog", models.FrameworkWeb, "")
	require.NoError(t, err)
	list, err := w.ListProjects("u")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "blog", list[0].ProjectID)

	require.NoError(t, w.DeleteProject("u", "shop"))
	_, err = w.GetProject("u", "shop")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	empty, err := w.ListProjects("nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDetectFramework(t *testing.T) {
	w := New(t.TempDir())
	require.NoError(t, w.WriteFile("u", "f", "pubspec.yaml", []byte("name: f")))
	fw, err := w.DetectFramework("u", "f")
	require.NoError(t, err)
	assert.Equal(t, models.FrameworkFlutter, fw)

	require.NoError(t, w.WriteFile("u", "r", "package.json", []byte("{}")))
	fw, err = w.DetectFramework("u", "r")
	require.NoError(t, err)
	assert.Equal(t, models.FrameworkWeb, fw)

	require.NoError(t, w.WriteFile("u", "f", "package.json", []byte("{}")))
	_, err = w.DetectFramework("u", "f")
	assert.ErrorIs(t, err, apperr.ErrAmbiguousFramework)
}

func TestGetProjectWithoutMetadata(t *testing.T) {
	root := t.TempDir()
	w := New(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "u", "raw"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "u", "raw", "package.json"), []byte("{}"), 0o644))
	p, err := w.GetProject("u", "raw")
	require.NoError(t, err)
	assert.Equal(t, models.FrameworkWeb, p.Framework)
}

func TestParseProjectPath(t *testing.T) {
	owner, id, ok := ParseProjectPath("projects/u/p")
	require.True(t, ok)
	assert.Equal(t, "u", owner)
	assert.Equal(t, "p", id)

	_, _, ok = ParseProjectPath("u/p")
	assert.True(t, ok)
	_, _, ok = ParseProjectPath("projects/../p")
	assert.False(t, ok)
	_, _, ok = ParseProjectPath("p")
	assert.False(t, ok)
}
