// Package artifact stores build outputs under
// <project>/build_artifacts/<build_id>/, packages them into a
// deterministic zip and signs download URLs.
package artifact

import (
	"archive/zip"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/pkg/models"
)

const (
	// Dir is the per-project directory holding every build's outputs.
	Dir = "build_artifacts"

	// DefaultURLTTL is how long a signed download URL stays valid.
	DefaultURLTTL = 24 * time.Hour

	copyWorkers = 8
)

// zipEpoch is the modification time of every packaged entry.
var zipEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Store is the artifact store.
type Store struct {
	key    []byte
	ttl    time.Duration
	mirror *S3Mirror
	now    func() time.Time
}

// New builds a store from config. Without a signing key a random one is
// generated, so download URLs do not survive a restart.
func New(cfg config.ArtifactsConfig) (*Store, error) {
	key := []byte(cfg.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		log.Warn().Msg("ARTIFACT_SIGNING_KEY not set, download URLs are valid for this process only")
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	s := &Store{key: key, ttl: ttl, now: time.Now}
	if cfg.S3.Enabled() {
		m, err := NewS3Mirror(cfg.S3)
		if err != nil {
			return nil, err
		}
		s.mirror = m
		log.Info().Str("endpoint", cfg.S3.Endpoint).Str("bucket", cfg.S3.Bucket).Msg("Artifact S3 mirror enabled")
	}
	return s, nil
}

// BuildDir is the directory of one build's artifacts.
func BuildDir(projectDir, buildID string) string {
	return filepath.Join(projectDir, Dir, buildID)
}

type copyJob struct {
	src  string
	name string // slash path inside the build dir
}

// Collect copies the outputs of a finished build into its artifact
// directory. patterns are alternatives tried in order; the first one that
// matches any file is used. "dir/**" selects every file below dir and keeps
// the relative layout, anything else is a filepath.Glob pattern.
func (s *Store) Collect(ctx context.Context, buildID, projectDir, kind string, patterns []string) ([]models.Artifact, error) {
	var jobs []copyJob
	for _, p := range patterns {
		found, err := match(projectDir, p)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			jobs = found
			break
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	dest := BuildDir(projectDir, buildID)
	arts := make([]models.Artifact, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(copyWorkers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			target := filepath.Join(dest, filepath.FromSlash(j.name))
			size, sum, err := copyHashed(j.src, target)
			if err != nil {
				return fmt.Errorf("collect %s: %w", j.name, err)
			}
			rel, _ := filepath.Rel(projectDir, target)
			arts[i] = models.Artifact{
				Kind:      kind,
				Name:      j.name,
				Path:      filepath.ToSlash(rel),
				SizeBytes: size,
				SHA256:    sum,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(arts, func(i, k int) bool { return arts[i].Name < arts[k].Name })
	log.Debug().Str("build_id", buildID).Int("files", len(arts)).Msg("Artifacts collected")
	return arts, nil
}

func match(root, pattern string) ([]copyJob, error) {
	if base, ok := strings.CutSuffix(pattern, "/**"); ok {
		dir := filepath.Join(root, filepath.FromSlash(base))
		var out []copyJob
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fs.SkipAll
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, _ := filepath.Rel(dir, p)
			out = append(out, copyJob{src: p, name: path.Join(path.Base(base), filepath.ToSlash(rel))})
			return nil
		})
		return out, err
	}
	matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, err, "bad output pattern %q", pattern)
	}
	var out []copyJob
	for _, m := range matches {
		if st, err := os.Stat(m); err == nil && st.Mode().IsRegular() {
			out = append(out, copyJob{src: m, name: filepath.Base(m)})
		}
	}
	return out, nil
}

func copyHashed(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Package combines the artifacts of a build into <build_id>.zip in the
// build's directory. Entries are sorted by name and carry a fixed
// timestamp, so the same inputs give byte-identical archives. With a
// configured mirror the archive is also uploaded.
func (s *Store) Package(ctx context.Context, buildID, projectDir string, arts []models.Artifact) (*models.Artifact, error) {
	if len(arts) == 0 {
		return nil, apperr.New(apperr.ErrNotFound, "build %s has no artifacts", buildID)
	}
	sorted := append([]models.Artifact(nil), arts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	name := buildID + ".zip"
	target := filepath.Join(BuildDir(projectDir, buildID), name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	tmp := target + ".tmp"
	if err := writeZip(ctx, tmp, projectDir, sorted); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, err
	}

	size, sum, err := hashFile(target)
	if err != nil {
		return nil, err
	}
	rel, _ := filepath.Rel(projectDir, target)
	pkg := &models.Artifact{Kind: "zip", Name: name, Path: filepath.ToSlash(rel), SizeBytes: size, SHA256: sum}

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, buildID, target, ContentType(name)); err != nil {
			log.Warn().Err(err).Str("build_id", buildID).Msg("S3 mirror upload failed")
		}
	}
	return pkg, nil
}

func writeZip(ctx context.Context, dst, projectDir string, arts []models.Artifact) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, a := range arts {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
		if err := addEntry(zw, filepath.Join(projectDir, filepath.FromSlash(a.Path)), a.Name); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return fmt.Errorf("package %s: %w", a.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func addEntry(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: zipEpoch}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

func hashFile(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns the file of an artifact. The artifact path must stay inside
// the build's directory.
func (s *Store) Open(projectDir, buildID string, a models.Artifact) (*os.File, error) {
	dir := BuildDir(projectDir, buildID)
	full := filepath.Join(projectDir, filepath.FromSlash(a.Path))
	if rel, err := filepath.Rel(dir, full); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, apperr.New(apperr.ErrPathTraversal, "artifact %q is outside build %s", a.Path, buildID)
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.ErrNotFound, "artifact %q missing", a.Name)
	}
	return f, err
}

// Remove deletes a build's artifact directory and its mirrored objects.
func (s *Store) Remove(ctx context.Context, projectDir, buildID string) error {
	if err := os.RemoveAll(BuildDir(projectDir, buildID)); err != nil {
		return err
	}
	if s.mirror != nil {
		return s.mirror.Delete(ctx, buildID)
	}
	return nil
}

// ContentType is the download media type of an artifact file.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".apk":
		return "application/vnd.android.package-archive"
	case ".zip":
		return "application/zip"
	}
	return "application/octet-stream"
}
