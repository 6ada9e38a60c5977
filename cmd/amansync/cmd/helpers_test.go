package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newProject creates a project with two documents under docs/ and a
// config that keeps logs and the hnsw index inside the temp dir.
func newProject(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	root := t.TempDir()
	cfg := `version: 1
source:
  path: docs
  pattern: "**/*.md"
index:
  backend: hnsw
embeddings:
  dimensions: 32
sync:
  batch_size: 10
logging:
  level: debug
  file_path: ` + filepath.Join(t.TempDir(), "amansync.log") + `
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ".amansync.yaml"), []byte(cfg), 0o644))
	writeDoc(t, root, "docs/a.md", "# A\n\nFirst document.\n")
	writeDoc(t, root, "docs/b.md", "# B\n\nSecond document.\n")
	return root
}

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// run executes the root command against root and returns stdout.
func run(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	stdout := new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(append([]string{"-C", root}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func mustRun(t *testing.T, root string, args ...string) string {
	t.Helper()
	out, err := run(t, root, args...)
	require.NoError(t, err, "amansync %v\n%s", args, out)
	return out
}

func decodeJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}
