package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Branch   string
	HEAD     string
	Detached bool
}

// Client defines the interface for git operations on arbitrary repos.
// All methods take a path parameter since dispatch operates on multiple repos.
type Client interface {
	Clone(url, path string) error
	RepoRoot(path string) (string, error)
	GitDir(path string) (string, error)
	GitCommonDir(path string) (string, error)
	CurrentBranch(path string) (string, error)
	DefaultBranch(path string) (string, error)
	RemoteURL(path string) (string, error)
	LastCommitDate(path string) (time.Time, error)
	LastCommitHash(path string) (string, error)
	IsDirty(path string) (bool, error)
	RevParse(path, rev string) (string, error)
	HasCommit(path, sha string) (bool, error)
	IsAncestor(path, rev, target string) (bool, error)
	CommitsAhead(path, base string) (int, error)
	BranchExists(repoPath, branch string) (bool, error)
	BranchDelete(repoPath, branch string, force bool) error
	Fetch(repoPath string, refspecs ...string) error
	WorktreeAdd(repoPath, wtPath, branch, base string, newBranch bool) error
	WorktreeAddTrack(repoPath, wtPath, branch, remoteRef string) error
	WorktreeRemove(repoPath, wtPath string, force bool) error
	WorktreeList(repoPath string) ([]WorktreeInfo, error)
	WorktreePrune(repoPath string) error
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

// gitCmd runs a read-only git command and returns trimmed stdout.
func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitRun runs a mutating git command, combining output into the error.
func gitRun(path string, args ...string) error {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (c *RealClient) Clone(url, path string) error {
	out, err := exec.Command("git", "clone", url, path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone %s: %s: %w", url, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) GitDir(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--absolute-git-dir")
}

// GitCommonDir returns the shared .git directory. For a linked worktree this
// differs from GitDir, which is how callers tell worktrees from main checkouts.
func (c *RealClient) GitCommonDir(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--path-format=absolute", "--git-common-dir")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

// DefaultBranch resolves the branch origin/HEAD points at, falling back to
// main or master when the remote HEAD is not recorded locally.
func (c *RealClient) DefaultBranch(path string) (string, error) {
	out, err := gitCmd(path, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(out, "origin/"), nil
	}
	for _, b := range []string{"main", "master"} {
		exists, err := c.BranchExists(path, b)
		if err != nil {
			return "", err
		}
		if exists {
			return b, nil
		}
	}
	return "", fmt.Errorf("default branch not found in %s", path)
}

func (c *RealClient) RemoteURL(path string) (string, error) {
	out, err := gitCmd(path, "remote", "get-url", "origin")
	if err != nil {
		return "", nil // no remote is not an error
	}
	return out, nil
}

func (c *RealClient) LastCommitDate(path string) (time.Time, error) {
	out, err := gitCmd(path, "log", "-1", "--format=%aI")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, out)
}

func (c *RealClient) LastCommitHash(path string) (string, error) {
	return gitCmd(path, "log", "-1", "--format=%h")
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) RevParse(path, rev string) (string, error) {
	return gitCmd(path, "rev-parse", "--verify", rev)
}

func (c *RealClient) HasCommit(path, sha string) (bool, error) {
	err := exec.Command("git", "-C", path, "cat-file", "-e", sha+"^{commit}").Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsAncestor reports whether rev is reachable from target, i.e. fully merged.
func (c *RealClient) IsAncestor(path, rev, target string) (bool, error) {
	err := exec.Command("git", "-C", path, "merge-base", "--is-ancestor", rev, target).Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *RealClient) CommitsAhead(path, base string) (int, error) {
	out, err := gitCmd(path, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

func (c *RealClient) BranchExists(repoPath, branch string) (bool, error) {
	err := exec.Command("git", "-C", repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch).Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *RealClient) BranchDelete(repoPath, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := gitCmd(repoPath, "branch", flag, branch)
	return err
}

func (c *RealClient) Fetch(repoPath string, refspecs ...string) error {
	args := append([]string{"fetch", "origin"}, refspecs...)
	return gitRun(repoPath, args...)
}

// WorktreeAdd creates a worktree at wtPath. With newBranch it creates branch
// from base (a branch name or commit SHA); otherwise it checks out the
// existing branch.
func (c *RealClient) WorktreeAdd(repoPath, wtPath, branch, base string, newBranch bool) error {
	if newBranch {
		return gitRun(repoPath, "worktree", "add", "-b", branch, wtPath, base)
	}
	return gitRun(repoPath, "worktree", "add", wtPath, branch)
}

// WorktreeAddTrack creates a worktree on a new local branch tracking a remote
// ref, e.g. origin/feature-x.
func (c *RealClient) WorktreeAddTrack(repoPath, wtPath, branch, remoteRef string) error {
	return gitRun(repoPath, "worktree", "add", "--track", "-b", branch, wtPath, remoteRef)
}

func (c *RealClient) WorktreeRemove(repoPath, wtPath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wtPath)
	return gitRun(repoPath, args...)
}

func (c *RealClient) WorktreeList(repoPath string) ([]WorktreeInfo, error) {
	out, err := gitCmd(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

func (c *RealClient) WorktreePrune(repoPath string) error {
	return gitRun(repoPath, "worktree", "prune")
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "detached":
			current.Detached = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
