// Package fs gathers local files to upload with a submission.
package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSkipPatterns name files that are never uploaded from a directory.
var DefaultSkipPatterns = []string{".*", "Thumbs.db", "desktop.ini"}

// SkipMatcher reports which files found in a directory are left out.
// Patterns without '/' match the basename; patterns with '/' match the path
// relative to the directory given on the command line.
type SkipMatcher struct {
	base []string
	rel  []string
}

// NewSkipMatcher parses patterns. Blank entries and '#' comments are ignored.
func NewSkipMatcher(patterns []string) *SkipMatcher {
	m := &SkipMatcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		if strings.Contains(p, "/") {
			m.rel = append(m.rel, p)
		} else {
			m.base = append(m.base, p)
		}
	}
	return m
}

// Match reports whether rel, a path relative to the directory root, is skipped.
func (m *SkipMatcher) Match(rel string) bool {
	if m == nil {
		return false
	}
	name := filepath.Base(rel)
	for _, p := range m.base {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	slashed := filepath.ToSlash(rel)
	for _, p := range m.rel {
		if ok, err := filepath.Match(p, slashed); err == nil && ok {
			return true
		}
	}
	return false
}

// Collector expands command-line paths into the regular files to upload.
type Collector struct {
	Recursive bool
	Skip      *SkipMatcher
}

// Collect returns the files named by paths, in argument order. A directory
// contributes its regular files sorted by name; skipped and special files
// inside it are left out. Naming a special file directly is an error.
func (c *Collector) Collect(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, raw := range paths {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, fmt.Errorf("resolving absolute path: %w", err)
		}
		info, err := os.Lstat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat path: %w", err)
		}
		switch {
		case info.Mode().IsRegular():
			add(abs)
		case info.IsDir():
			found, err := c.walk(abs)
			if err != nil {
				return nil, err
			}
			for _, f := range found {
				add(f)
			}
		default:
			return nil, fmt.Errorf("not a regular file: %s (%s)", abs, info.Mode().Type())
		}
	}
	return files, nil
}

func (c *Collector) walk(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !c.Recursive || c.Skip.Match(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !c.Skip.Match(rel) {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	sort.Strings(found)
	return found, nil
}
