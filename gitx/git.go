// Package gitx wraps the git plumbing the workflow engine depends on:
// worktree management, stage-all commits, and branch/commit queries.
// Transient index-lock failures are retried with exponential backoff.
package gitx

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sudocode-ai/sudocode/common"
)

// Concurrent workflows share one object store, so parallel git invocations
// occasionally trip over each other's lock files. Those failures are worth
// a handful of retries; anything else is surfaced immediately.
const lockRetries = 5

// lockHints mark stderr output of a lock-contention failure.
var lockHints = []string{
	"index.lock",
	"index file open failed",
	"cannot lock ref",
}

func isTransient(stderr string) bool {
	for _, hint := range lockHints {
		if strings.Contains(stderr, hint) {
			return true
		}
	}
	return false
}

// Repo wraps git operations for one repository or worktree directory.
type Repo struct {
	Dir string
}

// NewRepo creates a Repo for the given directory.
func NewRepo(dir string) *Repo {
	return &Repo{Dir: dir}
}

// run executes one git command in the repo directory and returns its
// trimmed combined output. Lock contention backs off 150ms, doubling per
// attempt, up to lockRetries tries.
func (r *Repo) run(args ...string) (string, error) {
	var lastOut string
	var lastErr error
	for attempt, wait := 0, 150*time.Millisecond; ; attempt, wait = attempt+1, wait*2 {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.Dir
		raw, err := cmd.CombinedOutput()
		lastOut = strings.TrimSpace(string(raw))
		lastErr = err
		if err == nil {
			return lastOut, nil
		}
		if attempt+1 >= lockRetries || !isTransient(lastOut) {
			break
		}
		time.Sleep(wait)
	}
	return "", common.WrapError(common.KindGit, "GIT_COMMAND_FAILED",
		fmt.Sprintf("git %s: %s", strings.Join(args, " "), lastOut), lastErr)
}

// IsRepo reports whether Dir is inside a git work tree.
func (r *Repo) IsRepo() bool {
	out, err := r.run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HeadCommit returns the commit hash of a ref (HEAD when ref is empty).
func (r *Repo) HeadCommit(ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	return r.run("rev-parse", ref)
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	branch, err := r.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if branch == "HEAD" {
		return "", common.NewError(common.KindGit, "DETACHED_HEAD",
			"repository is in detached HEAD state")
	}
	return branch, nil
}

// BranchExists checks whether a branch exists.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.run("rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CreateBranch creates a branch at the given start point (HEAD when empty).
func (r *Repo) CreateBranch(branch, startPoint string) error {
	args := []string{"branch", branch}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := r.run(args...)
	return err
}

// AddWorktree checks out branch into a new worktree at path, creating the
// branch from baseRef when it does not exist yet.
func (r *Repo) AddWorktree(path, branch, baseRef string) error {
	if r.BranchExists(branch) {
		_, err := r.run("worktree", "add", path, branch)
		return err
	}
	args := []string{"worktree", "add", "-b", branch, path}
	if baseRef != "" {
		args = append(args, baseRef)
	}
	_, err := r.run(args...)
	return err
}

// RemoveWorktree removes a worktree registration and its directory.
func (r *Repo) RemoveWorktree(path string) error {
	_, err := r.run("worktree", "remove", "--force", path)
	return err
}

// HasChanges reports whether the work tree has uncommitted changes.
func (r *Repo) HasChanges() (bool, error) {
	out, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages every change and commits with the given message,
// returning the new commit hash. Returns ("", nil) when there is nothing
// to commit.
func (r *Repo) CommitAll(message string) (string, error) {
	dirty, err := r.HasChanges()
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}
	if _, err := r.run("add", "-A"); err != nil {
		return "", err
	}
	if _, err := r.run("commit", "-m", message); err != nil {
		return "", err
	}
	return r.HeadCommit("")
}

// EnsureIdentity sets a repo-local committer identity when none is
// configured, so automated commits never fail on missing user.name.
func (r *Repo) EnsureIdentity() {
	if _, err := r.run("config", "user.email"); err != nil {
		r.run("config", "user.email", "agent@sudocode.local")
	}
	if _, err := r.run("config", "user.name"); err != nil {
		r.run("config", "user.name", "sudocode agent")
	}
}

// CommitMessage returns the full message of one commit.
func (r *Repo) CommitMessage(hash string) (string, error) {
	return r.run("show", "-s", "--format=%B", hash)
}
