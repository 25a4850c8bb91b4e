package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo in dir with a user config so commits work on CI.
func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	cmds := [][]string{
		{"git", "-C", dir, "init"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", name).Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "add "+name).Run())
}

func TestRealClient_DiffAndShow(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	commitFile(t, dir, "handler.go", "package app\n\nfunc Handle() {}\n")

	// Working tree change on top of HEAD.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handler.go"), []byte("package app\n\nfunc Handle() {\n\t// guarded\n}\n"), 0o644))

	c := NewClient()
	diff, err := c.Diff(dir, "")
	require.NoError(t, err)
	assert.Contains(t, diff, "--- a/handler.go")
	assert.Contains(t, diff, "+++ b/handler.go")
	assert.Contains(t, diff, "+\t// guarded")

	orig, err := c.Show(dir, "HEAD", "handler.go")
	require.NoError(t, err)
	assert.Equal(t, "package app\n\nfunc Handle() {}\n", string(orig))

	head, err := c.HeadCommit(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, head)
}

func TestRealClient_RepoRoot(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	root, err := NewClient().RepoRoot(sub)
	require.NoError(t, err)

	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, want, got)
}

func TestRealClient_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := NewClient().Diff(t.TempDir(), "HEAD")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "git diff")
}
