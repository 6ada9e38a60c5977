package gitignore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		isDir    bool
		want     bool
	}{
		{"simple basename", []string{"*.log"}, "logs/app.log", false, true},
		{"no match", []string{"*.log"}, "notes.md", false, false},
		{"question mark", []string{"draft?.md"}, "draft1.md", false, true},
		{"double star prefix", []string{"**/tmp"}, "a/b/tmp", true, true},
		{"double star middle", []string{"docs/**/old.md"}, "docs/x/y/old.md", false, true},
		{"rooted", []string{"/build"}, "build", true, true},
		{"rooted does not match nested", []string{"/build"}, "src/build", true, false},
		{"dir only matches dir", []string{"drafts/"}, "drafts", true, true},
		{"dir only skips file", []string{"drafts/"}, "drafts", false, false},
		{"dir only matches contents", []string{"drafts/"}, "drafts/a.md", false, true},
		{"negation", []string{"*.md", "!keep.md"}, "keep.md", false, false},
		{"negation order", []string{"!keep.md", "*.md"}, "keep.md", false, true},
		{"path pattern anchored", []string{"doc/frotz"}, "a/doc/frotz", false, false},
		{"path pattern contents", []string{"doc/frotz"}, "doc/frotz/x.md", false, true},
		{"escaped hash", []string{`\#notes.md`}, "#notes.md", false, true},
		{"comment ignored", []string{"# *.md"}, "a.md", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			for _, p := range tt.patterns {
				m.AddPattern(p)
			}
			assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir))
		})
	}
}

func TestMatcher_AddFromFile_WithBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitignore")
	require.NoError(t, os.WriteFile(path, []byte("# scratch files\n*.tmp\n\n/private/\n"), 0o644))

	m := New()
	require.NoError(t, m.AddFromFile(path, "guides"))

	assert.Equal(t, 2, m.Len())
	assert.True(t, m.Match("guides/x.tmp", false))
	assert.False(t, m.Match("other/x.tmp", false))
	assert.True(t, m.Match("guides/private/a.md", false))
	assert.False(t, m.Match("private/a.md", false))
}

func TestMatcher_AddFromFile_Missing(t *testing.T) {
	err := New().AddFromFile(filepath.Join(t.TempDir(), "nope"), "")
	assert.Error(t, err)
}

func TestMatcher_ConcurrentUse(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.AddPattern("*.log")
		}()
		go func() {
			defer wg.Done()
			_ = m.Match("a.log", false)
		}()
	}
	wg.Wait()
	assert.True(t, m.Match("a.log", false))
}

func TestGlob_Match(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"**/*.{md,txt}", "a.md", true},
		{"**/*.{md,txt}", "guides/deep/b.txt", true},
		{"**/*.{md,txt}", "c.go", false},
		{"*.md", "sub/a.md", false},
		{"guides/*.md", "guides/a.md", true},
		{".git/**", ".git/objects/ab", true},
		{"**/.DS_Store", "x/.DS_Store", true},
		{"notes.(draft).md", "notes.(draft).md", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.path, func(t *testing.T) {
			g, err := CompileGlob(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, g.Match(tt.path))
			assert.Equal(t, tt.pattern, g.String())
		})
	}
}
