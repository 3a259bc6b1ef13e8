package fs

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSkipMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		rel      string
		want     bool
	}{
		{"hidden file", DefaultSkipPatterns, ".DS_Store", true},
		{"hidden file in subdirectory", DefaultSkipPatterns, filepath.Join("scans", ".DS_Store"), true},
		{"thumbnail cache", DefaultSkipPatterns, "Thumbs.db", true},
		{"regular upload", DefaultSkipPatterns, "receipt.pdf", false},
		{"relative pattern", []string{"drafts/*"}, filepath.Join("drafts", "a.png"), true},
		{"relative pattern elsewhere", []string{"drafts/*"}, filepath.Join("final", "a.png"), false},
		{"comments ignored", []string{"# *.png", ""}, "a.png", false},
		{"bad pattern ignored", []string{"[", "*.tmp"}, "x.tmp", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewSkipMatcher(tt.patterns).Match(tt.rel); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.rel, got, tt.want)
			}
		})
	}
}

func TestSkipMatcher_Nil(t *testing.T) {
	var m *SkipMatcher
	if m.Match("anything") {
		t.Error("nil matcher should skip nothing")
	}
}

func writeFiles(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(root, n)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(n), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCollector_Collect(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "b.jpg", "a.pdf", ".DS_Store", filepath.Join("sub", "c.png"))
	single := filepath.Join(root, "a.pdf")

	t.Run("directory contents sorted and filtered", func(t *testing.T) {
		c := &Collector{Skip: NewSkipMatcher(DefaultSkipPatterns)}
		got, err := c.Collect([]string{root})
		if err != nil {
			t.Fatal(err)
		}
		want := []string{filepath.Join(root, "a.pdf"), filepath.Join(root, "b.jpg")}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("recursive descends into subdirectories", func(t *testing.T) {
		c := &Collector{Recursive: true, Skip: NewSkipMatcher(DefaultSkipPatterns)}
		got, err := c.Collect([]string{root})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 files, got %v", got)
		}
		if got[2] != filepath.Join(root, "sub", "c.png") {
			t.Errorf("last file = %s", got[2])
		}
	})

	t.Run("explicit file kept once and in argument order", func(t *testing.T) {
		c := &Collector{}
		got, err := c.Collect([]string{single, root})
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != single {
			t.Errorf("first file = %s, want %s", got[0], single)
		}
		count := 0
		for _, g := range got {
			if g == single {
				count++
			}
		}
		if count != 1 {
			t.Errorf("%s listed %d times", single, count)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		c := &Collector{}
		if _, err := c.Collect([]string{filepath.Join(root, "nope")}); err == nil {
			t.Error("expected error for missing path")
		}
	})

	t.Run("symlink named directly is rejected", func(t *testing.T) {
		link := filepath.Join(t.TempDir(), "link.pdf")
		if err := os.Symlink(single, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		c := &Collector{}
		if _, err := c.Collect([]string{link}); err == nil {
			t.Error("expected error for symlink")
		}
	})
}
