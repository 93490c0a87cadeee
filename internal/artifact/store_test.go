package artifact

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/pkg/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.ArtifactsConfig{SigningKey: "test-key"})
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestCollectSingleFile(t *testing.T) {
	s := newStore(t)
	proj := t.TempDir()
	writeFile(t, proj, "build/app/outputs/flutter-apk/app-release.apk", "APK")

	arts, err := s.Collect(context.Background(), "b1", proj, "apk", []string{"build/app/outputs/flutter-apk/app-release.apk"})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	a := arts[0]
	assert.Equal(t, "apk", a.Kind)
	assert.Equal(t, "app-release.apk", a.Name)
	assert.Equal(t, "build_artifacts/b1/app-release.apk", a.Path)
	assert.EqualValues(t, 3, a.SizeBytes)
	assert.Equal(t, sum("APK"), a.SHA256)
	assert.FileExists(t, filepath.Join(proj, "build_artifacts", "b1", "app-release.apk"))
}

func TestCollectTreeUsesFirstMatchingPattern(t *testing.T) {
	s := newStore(t)
	proj := t.TempDir()
	writeFile(t, proj, "build/index.html", "<html>")
	writeFile(t, proj, "build/assets/app.js", "js")

	arts, err := s.Collect(context.Background(), "b2", proj, "web_bundle", []string{"dist/**", "build/**"})
	require.NoError(t, err)
	var names []string
	for _, a := range arts {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"build/assets/app.js", "build/index.html"}, names)

	none, err := s.Collect(context.Background(), "b3", proj, "web_bundle", []string{"out/**"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPackageIsDeterministic(t *testing.T) {
	s := newStore(t)
	proj := t.TempDir()
	writeFile(t, proj, "dist/b.js", "bbb")
	writeFile(t, proj, "dist/a.js", "aaa")
	ctx := context.Background()

	arts, err := s.Collect(ctx, "b1", proj, "web_bundle", []string{"dist/**"})
	require.NoError(t, err)

	first, err := s.Package(ctx, "b1", proj, arts)
	require.NoError(t, err)
	assert.Equal(t, "b1.zip", first.Name)
	assert.Equal(t, "build_artifacts/b1/b1.zip", first.Path)

	// reversed input order gives the same archive
	rev := []models.Artifact{arts[1], arts[0]}
	second, err := s.Package(ctx, "b1", proj, rev)
	require.NoError(t, err)
	assert.Equal(t, first.SHA256, second.SHA256)

	zr, err := zip.OpenReader(filepath.Join(proj, filepath.FromSlash(first.Path)))
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.True(t, f.Modified.Equal(zipEpoch) || f.Modified.Year() == 1980, f.Name)
	}
	assert.Equal(t, []string{"dist/a.js", "dist/b.js"}, names)

	_, err = s.Package(ctx, "b9", proj, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDownloadURLRoundTrip(t *testing.T) {
	s := newStore(t)
	raw, err := s.DownloadURL("build-1", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "/build/build-1/download?token="), raw)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	tok := u.Query().Get("token")
	require.NoError(t, s.Verify("build-1", tok))
	assert.ErrorIs(t, s.Verify("build-2", tok), apperr.ErrUnauthenticated)
	assert.ErrorIs(t, s.Verify("build-1", tok+"x"), apperr.ErrUnauthenticated)

	other, err := New(config.ArtifactsConfig{SigningKey: "other"})
	require.NoError(t, err)
	assert.ErrorIs(t, other.Verify("build-1", tok), apperr.ErrUnauthenticated)
}

func TestDownloadTokenExpires(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }
	tok, err := s.Sign("b", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Verify("b", tok))

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	err = s.Verify("b", tok)
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.Contains(t, err.Error(), "expired")
}

func TestOpenStaysInBuildDir(t *testing.T) {
	s := newStore(t)
	proj := t.TempDir()
	writeFile(t, proj, "secret.txt", "x")
	writeFile(t, proj, "build_artifacts/b1/app.apk", "apk")

	f, err := s.Open(proj, "b1", models.Artifact{Name: "app.apk", Path: "build_artifacts/b1/app.apk"})
	require.NoError(t, err)
	f.Close()

	_, err = s.Open(proj, "b1", models.Artifact{Name: "x", Path: "secret.txt"})
	assert.ErrorIs(t, err, apperr.ErrPathTraversal)
	_, err = s.Open(proj, "b1", models.Artifact{Name: "gone", Path: "build_artifacts/b1/gone.apk"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.Remove(context.Background(), proj, "b1"))
	assert.NoDirExists(t, filepath.Join(proj, "build_artifacts", "b1"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/vnd.android.package-archive", ContentType("app-release.apk"))
	assert.Equal(t, "application/zip", ContentType("b1.ZIP"))
	assert.Equal(t, "application/octet-stream", ContentType("Runner.app"))
}
