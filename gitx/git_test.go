package gitx

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	repo := NewRepo(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	_, err := repo.CommitAll("initial")
	require.NoError(t, err)
	return repo
}

func TestCommitAll(t *testing.T) {
	repo := initRepo(t)

	// Nothing to commit returns empty hash without error.
	sha, err := repo.CommitAll("noop")
	require.NoError(t, err)
	assert.Empty(t, sha)

	require.NoError(t, os.WriteFile(filepath.Join(repo.Dir, "a.txt"), []byte("x\n"), 0644))
	sha, err = repo.CommitAll("add a.txt")
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	msg, err := repo.CommitMessage(sha)
	require.NoError(t, err)
	assert.Contains(t, msg, "add a.txt")

	head, err := repo.HeadCommit("")
	require.NoError(t, err)
	assert.Equal(t, sha, head)
}

func TestBranches(t *testing.T) {
	repo := initRepo(t)

	branch, err := repo.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	assert.False(t, repo.BranchExists("feature"))
	require.NoError(t, repo.CreateBranch("feature", ""))
	assert.True(t, repo.BranchExists("feature"))
}

func TestWorktreeLifecycle(t *testing.T) {
	repo := initRepo(t)
	wtPath := filepath.Join(t.TempDir(), "wt")

	require.NoError(t, repo.AddWorktree(wtPath, "workflow-branch", "main"))
	wt := NewRepo(wtPath)
	assert.True(t, wt.IsRepo())

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "step.txt"), []byte("done\n"), 0644))
	sha, err := wt.CommitAll("[Workflow 1/2] i-1: do the thing")
	require.NoError(t, err)
	assert.NotEmpty(t, sha)

	require.NoError(t, repo.RemoveWorktree(wtPath))
	_, err = os.Stat(wtPath)
	assert.True(t, os.IsNotExist(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient("fatal: Unable to create '.git/index.lock': File exists"))
	assert.False(t, isTransient("fatal: not a git repository"))
}

func TestHasChanges(t *testing.T) {
	repo := initRepo(t)
	dirty, err := repo.HasChanges()
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(repo.Dir, "new.txt"), []byte("n\n"), 0644))
	dirty, err = repo.HasChanges()
	require.NoError(t, err)
	assert.True(t, dirty)
}
