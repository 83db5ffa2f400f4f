// Package keyword maps user-typed keywords to image targets.
package keyword

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrOutsideBase is returned when a file target resolves outside the image base path.
var ErrOutsideBase = errors.New("target escapes image base path")

// Target is what a keyword points at: a file under the image base path or
// a web page to capture.
type Target struct {
	Keyword string
	Value   string
}

// IsURL reports whether the target is a page to capture rather than a file.
func (t Target) IsURL() bool {
	return strings.HasPrefix(t.Value, "http://") || strings.HasPrefix(t.Value, "https://")
}

// Table is a reloadable keyword table backed by a JSON or YAML file
// holding a flat keyword -> target object.
type Table struct {
	path     string
	basePath string
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]string
}

// Load reads the table at path. A missing or malformed file is logged and
// yields an empty table so the bot still starts.
func Load(path, basePath string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{path: path, basePath: basePath, logger: logger, entries: map[string]string{}}
	if err := t.Reload(); err != nil {
		logger.Error("cannot load keyword table", "path", path, "err", err)
	}
	return t
}

// Reload re-reads the backing file. On error the previous entries are kept.
func (t *Table) Reload() error {
	entries, err := readEntries(t.path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	t.logger.Info("keyword table loaded", "path", t.path, "keywords", len(entries))
	return nil
}

func readEntries(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyword table: %w", err)
	}

	entries := make(map[string]string)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("parse keyword table %s: %w", path, err)
	}

	for k, v := range entries {
		kk := strings.TrimSpace(k)
		if kk == "" || strings.TrimSpace(v) == "" {
			delete(entries, k)
			continue
		}
		if kk != k {
			delete(entries, k)
			entries[kk] = v
		}
	}
	return entries, nil
}

// Lookup returns the target of keyword. Matching is exact after trimming.
func (t *Table) Lookup(keyword string) (Target, bool) {
	keyword = strings.TrimSpace(keyword)
	t.mu.RLock()
	v, ok := t.entries[keyword]
	t.mu.RUnlock()
	if !ok {
		return Target{}, false
	}
	return Target{Keyword: keyword, Value: v}, true
}

// Keywords returns all keywords, sorted.
func (t *Table) Keywords() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Resolve returns the absolute path of a file target under the base path.
func (t *Table) Resolve(target Target) (string, error) {
	if target.IsURL() {
		return "", fmt.Errorf("keyword %q targets a URL, not a file", target.Keyword)
	}
	if filepath.IsAbs(target.Value) {
		return filepath.Clean(target.Value), nil
	}
	base, err := filepath.Abs(t.basePath)
	if err != nil {
		return "", fmt.Errorf("resolve base path: %w", err)
	}
	p := filepath.Join(base, target.Value)
	if rel, err := filepath.Rel(base, p); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBase, target.Value)
	}
	return p, nil
}

// Match extracts the keyword from a message that starts with prefix.
func Match(content, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(content, prefix)
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}
