// Package memory keeps long-lived per-project memory (preferences,
// decisions, metrics) as one JSON file per project.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/workspace"
	"github.com/appforge/appforge/pkg/models"
)

const (
	contextEntriesPerCategory = 5
	contextMaxChars           = 2000
)

// Store is the project memory root.
type Store struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]models.ProjectMemory
}

// New returns a store rooted at dir (created on first save).
func New(dir string) *Store {
	return &Store{
		root:  dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]models.ProjectMemory),
	}
}

func projectKey(owner, projectID string) (string, error) {
	if !workspace.ValidSegment(owner) || !workspace.ValidSegment(projectID) {
		return "", apperr.New(apperr.ErrValidation, "invalid project %q/%q", owner, projectID)
	}
	return owner + "_" + projectID, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, key+".json")
}

func (s *Store) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Load returns a copy of a project's memory. A project without a file has
// an empty memory.
func (s *Store) Load(owner, projectID string) (models.ProjectMemory, error) {
	key, err := projectKey(owner, projectID)
	if err != nil {
		return nil, err
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()
	pm, err := s.loadLocked(key)
	if err != nil {
		return nil, err
	}
	return clone(pm), nil
}

func (s *Store) loadLocked(key string) (models.ProjectMemory, error) {
	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	pm := models.NewProjectMemory()
	b, err := os.ReadFile(s.path(key))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read project memory: %w", err)
	default:
		var onDisk models.ProjectMemory
		if err := json.Unmarshal(b, &onDisk); err != nil {
			return nil, fmt.Errorf("decode project memory %s: %w", key, err)
		}
		for c, entries := range onDisk {
			if c.Valid() && entries != nil {
				pm[c] = entries
			}
		}
	}

	s.mu.Lock()
	s.cache[key] = pm
	s.mu.Unlock()
	return pm, nil
}

// Save replaces a project's memory on disk and drops the cached copy.
func (s *Store) Save(owner, projectID string, pm models.ProjectMemory) error {
	key, err := projectKey(owner, projectID)
	if err != nil {
		return err
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()
	return s.saveLocked(key, pm)
}

func (s *Store) saveLocked(key string, pm models.ProjectMemory) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	b, err := json.MarshalIndent(pm, "", "  ")
	if err != nil {
		return err
	}
	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write project memory: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("write project memory: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// update runs fn on the current memory and saves the result, all under the
// project's lock.
func (s *Store) update(owner, projectID string, fn func(models.ProjectMemory) error) error {
	key, err := projectKey(owner, projectID)
	if err != nil {
		return err
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()
	pm, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	pm = clone(pm)
	if err := fn(pm); err != nil {
		return err
	}
	return s.saveLocked(key, pm)
}

func checkCategory(c models.MemoryCategory) error {
	if !c.Valid() {
		return apperr.New(apperr.ErrValidation, "unknown memory category %q", c)
	}
	return nil
}

// Remember stores value under category/key.
func (s *Store) Remember(owner, projectID string, category models.MemoryCategory, key string, value any) error {
	if err := checkCategory(category); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return apperr.New(apperr.ErrValidation, "memory key is required")
	}
	return s.update(owner, projectID, func(pm models.ProjectMemory) error {
		pm[category][key] = models.MemoryEntry{Value: value, Timestamp: s.now().UTC()}
		return nil
	})
}

// Recall returns the value under category/key, or def when absent.
func (s *Store) Recall(owner, projectID string, category models.MemoryCategory, key string, def any) (any, error) {
	if err := checkCategory(category); err != nil {
		return nil, err
	}
	pm, err := s.Load(owner, projectID)
	if err != nil {
		return nil, err
	}
	if e, ok := pm[category][key]; ok {
		return e.Value, nil
	}
	return def, nil
}

// Forget removes category/key and reports whether it existed.
func (s *Store) Forget(owner, projectID string, category models.MemoryCategory, key string) (bool, error) {
	if err := checkCategory(category); err != nil {
		return false, err
	}
	var existed bool
	err := s.update(owner, projectID, func(pm models.ProjectMemory) error {
		_, existed = pm[category][key]
		delete(pm[category], key)
		return nil
	})
	return existed, err
}

// entryKey gives time-ordered keys to list-like categories.
func (s *Store) entryKey(pm models.ProjectMemory, c models.MemoryCategory) string {
	base := s.now().UTC().Format("20060102T150405.000000000")
	key := base
	for i := 1; ; i++ {
		if _, taken := pm[c][key]; !taken {
			return key
		}
		key = fmt.Sprintf("%s-%d", base, i)
	}
}

// AddDecision records an architectural or product decision.
func (s *Store) AddDecision(owner, projectID, decision, rationale string) error {
	if strings.TrimSpace(decision) == "" {
		return apperr.New(apperr.ErrValidation, "decision is required")
	}
	return s.update(owner, projectID, func(pm models.ProjectMemory) error {
		pm[models.MemDecisions][s.entryKey(pm, models.MemDecisions)] = models.MemoryEntry{
			Value:     map[string]any{"decision": decision, "rationale": rationale},
			Timestamp: s.now().UTC(),
		}
		return nil
	})
}

// AddFeedback records user feedback with an optional 1 to 5 rating
// (0 means unrated).
func (s *Store) AddFeedback(owner, projectID, feedback string, rating int) error {
	if strings.TrimSpace(feedback) == "" {
		return apperr.New(apperr.ErrValidation, "feedback is required")
	}
	if rating < 0 || rating > 5 {
		return apperr.New(apperr.ErrValidation, "rating must be between 1 and 5")
	}
	return s.update(owner, projectID, func(pm models.ProjectMemory) error {
		v := map[string]any{"feedback": feedback}
		if rating > 0 {
			v["rating"] = rating
		}
		pm[models.MemFeedback][s.entryKey(pm, models.MemFeedback)] = models.MemoryEntry{Value: v, Timestamp: s.now().UTC()}
		return nil
	})
}

// UpdateMetric folds value into a running metric: last value, sample count
// and mean.
func (s *Store) UpdateMetric(owner, projectID, name string, value float64) error {
	if strings.TrimSpace(name) == "" {
		return apperr.New(apperr.ErrValidation, "metric name is required")
	}
	return s.update(owner, projectID, func(pm models.ProjectMemory) error {
		count, mean := 0.0, 0.0
		if prev, ok := pm[models.MemMetrics][name].Value.(map[string]any); ok {
			count, _ = prev["count"].(float64)
			mean, _ = prev["avg"].(float64)
		}
		count++
		mean += (value - mean) / count
		pm[models.MemMetrics][name] = models.MemoryEntry{
			Value:     map[string]any{"last": value, "count": count, "avg": mean},
			Timestamp: s.now().UTC(),
		}
		return nil
	})
}

// ContextForAI renders a compact summary for an LLM system prompt: each
// non-empty category with its most recent entries. Empty memory gives "".
func (s *Store) ContextForAI(owner, projectID string) (string, error) {
	pm, err := s.Load(owner, projectID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range models.AllMemoryCategories {
		entries := pm[c]
		if len(entries) == 0 {
			continue
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			ti, tj := entries[keys[i]].Timestamp, entries[keys[j]].Timestamp
			if !ti.Equal(tj) {
				return ti.After(tj)
			}
			return keys[i] < keys[j]
		})
		if len(keys) > contextEntriesPerCategory {
			keys = keys[:contextEntriesPerCategory]
		}

		if b.Len() == 0 {
			b.WriteString("Project memory:\n")
		}
		fmt.Fprintf(&b, "[%s]\n", c)
		for _, k := range keys {
			line := "- " + describe(c, k, entries[k].Value) + "\n"
			if b.Len()+len(line) > contextMaxChars {
				return strings.TrimRight(b.String(), "\n"), nil
			}
			b.WriteString(line)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func describe(c models.MemoryCategory, key string, v any) string {
	m, isMap := v.(map[string]any)
	switch {
	case c == models.MemDecisions && isMap:
		if r, _ := m["rationale"].(string); r != "" {
			return fmt.Sprintf("%v (because %s)", m["decision"], r)
		}
		return fmt.Sprint(m["decision"])
	case c == models.MemFeedback && isMap:
		if r, ok := m["rating"]; ok {
			return fmt.Sprintf("%v (rating %v/5)", m["feedback"], r)
		}
		return fmt.Sprint(m["feedback"])
	case c == models.MemMetrics && isMap:
		return fmt.Sprintf("%s: last %v, avg %.2f over %v", key, m["last"], m["avg"], m["count"])
	}
	switch v := v.(type) {
	case string:
		return key + ": " + v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%s: %v", key, v)
		}
		return key + ": " + string(b)
	}
}

// Drop forgets the cached copy of a project's memory.
func (s *Store) Drop(owner, projectID string) {
	key, err := projectKey(owner, projectID)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// Delete removes a project's memory file.
func (s *Store) Delete(owner, projectID string) error {
	key, err := projectKey(owner, projectID)
	if err != nil {
		return err
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()
	s.Drop(owner, projectID)
	err = os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil {
		log.Debug().Str("project", key).Msg("Project memory deleted")
	}
	return err
}

func clone(pm models.ProjectMemory) models.ProjectMemory {
	out := models.NewProjectMemory()
	for c, entries := range pm {
		m := make(map[string]models.MemoryEntry, len(entries))
		for k, e := range entries {
			m[k] = e
		}
		out[c] = m
	}
	return out
}
