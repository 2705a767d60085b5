package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joescharf/dispatch/internal/git"
	"github.com/joescharf/dispatch/internal/models"
)

// WorktreeProvider isolates units of work as linked git worktrees beside the
// canonical checkout.
type WorktreeProvider struct {
	git    git.Client
	logger *slog.Logger
}

func NewWorktreeProvider(g git.Client, logger *slog.Logger) *WorktreeProvider {
	return &WorktreeProvider{git: g, logger: logger}
}

func (p *WorktreeProvider) Name() string { return "worktree" }

func (p *WorktreeProvider) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return CreateResult{}, fmt.Errorf("create worktrees dir: %w", err)
	}

	if req.WorkflowType == models.WorkflowPR && req.Hints != nil {
		if req.Hints.IsForkPR {
			return p.createForkPR(req)
		}
		if req.Hints.PRBranch != "" {
			return p.createSameRepoPR(req)
		}
	}
	return p.createFromTip(req)
}

// createFromTip puts a fresh branch at the canonical checkout's current tip.
// Used for issues, tasks, threads, and PRs nothing else is known about.
func (p *WorktreeProvider) createFromTip(req CreateRequest) (CreateResult, error) {
	base, err := p.git.CurrentBranch(req.RepoPath)
	if err != nil || base == "" {
		base = "HEAD"
	}

	exists, err := p.git.BranchExists(req.RepoPath, req.Branch)
	if err != nil {
		return CreateResult{}, fmt.Errorf("check branch %s: %w", req.Branch, err)
	}
	if exists {
		if err := p.git.WorktreeAdd(req.RepoPath, req.Path, req.Branch, "", false); err != nil {
			return CreateResult{}, fmt.Errorf("add worktree for existing branch %s: %w", req.Branch, err)
		}
		return CreateResult{Path: req.Path, Branch: req.Branch, BaseBranch: req.Branch}, nil
	}

	if err := p.git.WorktreeAdd(req.RepoPath, req.Path, req.Branch, "HEAD", true); err != nil {
		// the branch may have appeared since the check
		if exists, _ := p.git.BranchExists(req.RepoPath, req.Branch); exists {
			if err2 := p.git.WorktreeAdd(req.RepoPath, req.Path, req.Branch, "", false); err2 == nil {
				return CreateResult{Path: req.Path, Branch: req.Branch, BaseBranch: req.Branch}, nil
			}
		}
		return CreateResult{}, fmt.Errorf("add worktree %s: %w", req.Path, err)
	}
	return CreateResult{Path: req.Path, Branch: req.Branch, BaseBranch: base}, nil
}

// createSameRepoPR checks out the PR's head branch tracking its remote so
// pushes from the sandbox go straight back to the PR.
func (p *WorktreeProvider) createSameRepoPR(req CreateRequest) (CreateResult, error) {
	branch := req.Branch
	if err := p.fetch(req.RepoPath, branch); err != nil {
		return CreateResult{}, err
	}

	exists, err := p.git.BranchExists(req.RepoPath, branch)
	if err != nil {
		return CreateResult{}, fmt.Errorf("check branch %s: %w", branch, err)
	}
	if exists {
		if err := p.git.WorktreeAdd(req.RepoPath, req.Path, branch, "", false); err != nil {
			return CreateResult{}, fmt.Errorf("add worktree for branch %s: %w", branch, err)
		}
	} else {
		if err := p.git.WorktreeAddTrack(req.RepoPath, req.Path, branch, "origin/"+branch); err != nil {
			return CreateResult{}, fmt.Errorf("add tracking worktree for %s: %w", branch, err)
		}
	}
	return CreateResult{Path: req.Path, Branch: branch, BaseBranch: "origin/" + branch}, nil
}

// createForkPR pins the sandbox to the PR's exact head commit when the SHA is
// known and reachable. Otherwise it falls back to fetching the PR ref into a
// local review branch; that review is not reproducible if the fork moves, so
// the result is flagged degraded.
func (p *WorktreeProvider) createForkPR(req CreateRequest) (CreateResult, error) {
	prRef := fmt.Sprintf("pull/%s/head", req.WorkflowID)
	sha := ""
	if req.Hints != nil {
		sha = req.Hints.PRSHA
	}

	if sha != "" {
		if err := p.fetch(req.RepoPath, prRef); err == nil {
			if has, _ := p.git.HasCommit(req.RepoPath, sha); has {
				if err := p.git.WorktreeAdd(req.RepoPath, req.Path, req.Branch, sha, true); err != nil {
					return CreateResult{}, fmt.Errorf("add pinned worktree: %w", err)
				}
				return CreateResult{Path: req.Path, Branch: req.Branch, BaseBranch: prRef, PinnedSHA: sha}, nil
			}
		}
		p.logger.Warn("fork PR head unreachable, falling back to unpinned review",
			"pr", req.WorkflowID, "sha", sha)
	}

	if err := p.fetch(req.RepoPath, "+"+prRef+":"+req.Branch); err != nil {
		return CreateResult{}, err
	}
	if err := p.git.WorktreeAdd(req.RepoPath, req.Path, req.Branch, "", false); err != nil {
		return CreateResult{}, fmt.Errorf("add review worktree: %w", err)
	}
	return CreateResult{Path: req.Path, Branch: req.Branch, BaseBranch: prRef, Degraded: true}, nil
}

// fetch retries once; a remote hiccup is the common transient failure here.
func (p *WorktreeProvider) fetch(repoPath string, refspecs ...string) error {
	err := p.git.Fetch(repoPath, refspecs...)
	if err == nil {
		return nil
	}
	p.logger.Debug("fetch failed, retrying once", "refspecs", refspecs, "error", err)
	if err := p.git.Fetch(repoPath, refspecs...); err != nil {
		return fmt.Errorf("fetch %v: %w", refspecs, err)
	}
	return nil
}

// Destroy removes the worktree and, unless kept, its branch. A directory
// that is already gone finalizes without error; the branch delete is always
// best-effort.
func (p *WorktreeProvider) Destroy(ctx context.Context, repoPath string, env *models.Environment, opts DestroyOptions) error {
	if _, err := os.Stat(env.Path); os.IsNotExist(err) {
		if err := p.git.WorktreePrune(repoPath); err != nil {
			p.logger.Debug("worktree prune failed", "error", err)
		}
	} else {
		if err := p.git.WorktreeRemove(repoPath, env.Path, opts.Force); err != nil {
			if !opts.Force {
				return fmt.Errorf("remove worktree %s: %w", env.Path, err)
			}
			p.logger.Warn("git worktree remove failed, deleting directly",
				"path", env.Path, "error", err)
			if err := os.RemoveAll(env.Path); err != nil {
				return fmt.Errorf("remove worktree dir %s: %w", env.Path, err)
			}
			if err := p.git.WorktreePrune(repoPath); err != nil {
				p.logger.Debug("worktree prune failed", "error", err)
			}
		}
	}

	if !opts.KeepBranch && env.Branch != "" {
		if err := p.git.BranchDelete(repoPath, env.Branch, opts.Force); err != nil {
			p.logger.Debug("branch not deleted", "branch", env.Branch, "error", err)
		}
	}
	return nil
}

func (p *WorktreeProvider) HealthCheck(env *models.Environment) bool {
	info, err := os.Stat(env.Path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = p.git.GitDir(env.Path)
	return err == nil
}
