package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joescharf/dispatch/internal/git"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/store"
)

// DefaultMaxEnvironments caps active environments per codebase when the
// codebase carries no override.
const DefaultMaxEnvironments = 25

// Reclaimer frees environment slots on demand. Implemented by the cleanup
// reconciler; the manager only ever asks for merge-based reclaim, never
// staleness.
type Reclaimer interface {
	FreeCapacity(ctx context.Context, codebaseID string) (int, error)
	ReclaimableCounts(ctx context.Context, codebaseID string) (merged, stale int, err error)
}

// Config adjusts manager behavior.
type Config struct {
	MaxEnvironments int // per-codebase ceiling when the codebase has no override
}

// Manager resolves units of work to environments: an existing record wins,
// then adoption of artifacts other tooling left behind, then reuse through
// linked work, and only then fresh creation.
type Manager struct {
	store     store.Store
	providers *ProviderRegistry
	git       git.Client
	logger    *slog.Logger
	reclaimer Reclaimer
	maxEnvs   int
}

func NewManager(s store.Store, providers *ProviderRegistry, g git.Client, logger *slog.Logger, cfg Config) *Manager {
	maxEnvs := cfg.MaxEnvironments
	if maxEnvs <= 0 {
		maxEnvs = DefaultMaxEnvironments
	}
	return &Manager{
		store:     s,
		providers: providers,
		git:       g,
		logger:    logger,
		maxEnvs:   maxEnvs,
	}
}

// SetReclaimer wires in the cleanup reconciler. The two reference each
// other, so this happens after both are constructed.
func (m *Manager) SetReclaimer(r Reclaimer) {
	m.reclaimer = r
}

// ResolveRequest identifies the unit of work an environment is needed for.
type ResolveRequest struct {
	Codebase     *models.Codebase
	Hints        *Hints
	PlatformType string
}

// Resolve returns the environment for the hinted unit of work, creating one
// if nothing can be reused. Calling it twice for the same key without an
// intervening destroy returns the same environment.
func (m *Manager) Resolve(ctx context.Context, req ResolveRequest) (*models.Environment, error) {
	cb, hints := req.Codebase, req.Hints
	if hints == nil || hints.WorkflowID == "" {
		return nil, fmt.Errorf("resolve environment: missing workflow identity")
	}
	if err := m.checkCanonical(cb.Path); err != nil {
		return nil, err
	}

	env, err := m.store.GetEnvironmentByWorkflow(ctx, cb.ID, hints.WorkflowType, hints.WorkflowID)
	if err == nil {
		if dirExists(env.Path) {
			return env, nil
		}
		// directory vanished under the record: finalize it and recreate
		m.logger.Warn("environment path missing, finalizing destroyed",
			"env", env.ID, "path", env.Path)
		env.Status = models.EnvStatusDestroyed
		if err := m.store.UpdateEnvironment(ctx, env); err != nil {
			return nil, fmt.Errorf("finalize vanished environment: %w", err)
		}
		// drop git's registration of the missing worktree so the path is reusable
		if err := m.git.WorktreePrune(cb.Path); err != nil {
			m.logger.Debug("worktree prune failed", "error", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	branch := BranchName(hints.WorkflowType, hints.WorkflowID, hints)
	path := WorktreeDir(cb.Path, branch)

	// an artifact already sits at the expected path
	if dirExists(path) {
		return m.adoptAt(ctx, req, branch, path)
	}

	// a sandbox for the hinted PR branch exists somewhere under this repo
	if hints.PRBranch != "" {
		if wt := m.findWorktreeForBranch(cb.Path, hints.PRBranch); wt != nil {
			return m.adoptAt(ctx, req, wt.Branch, wt.Path)
		}
	}

	// linked work already has an environment; share it
	if linked := m.findLinked(ctx, cb.ID, hints); linked != nil {
		// record the new user of the sandbox so a close event for it can
		// find the shared environment later
		if recordLink(linked, hints.WorkflowType, hints.WorkflowID) {
			if err := m.store.UpdateEnvironment(ctx, linked); err != nil {
				m.logger.Warn("link bookkeeping failed", "env", linked.ID, "error", err)
			}
		}
		m.logger.Info("reusing linked environment",
			"env", linked.ID, "workflow_type", hints.WorkflowType, "workflow_id", hints.WorkflowID)
		return linked, nil
	}

	if err := m.ensureCapacity(ctx, cb); err != nil {
		return nil, err
	}

	provider, err := m.providers.Get(DefaultProviderName)
	if err != nil {
		return nil, err
	}
	res, err := provider.Create(ctx, CreateRequest{
		RepoPath:     cb.Path,
		Path:         path,
		Branch:       branch,
		WorkflowType: hints.WorkflowType,
		WorkflowID:   hints.WorkflowID,
		Hints:        hints,
	})
	if err != nil {
		// a concurrent resolve for the same key may have built it first
		if existing, err2 := m.store.GetEnvironmentByWorkflow(ctx, cb.ID, hints.WorkflowType, hints.WorkflowID); err2 == nil {
			return existing, nil
		}
		return nil, err
	}

	newEnv := &models.Environment{
		CodebaseID:      cb.ID,
		WorkflowType:    hints.WorkflowType,
		WorkflowID:      hints.WorkflowID,
		Provider:        provider.Name(),
		Path:            res.Path,
		Branch:          res.Branch,
		Status:          models.EnvStatusActive,
		CreatedPlatform: req.PlatformType,
		Meta: models.EnvironmentMeta{
			Degraded:     res.Degraded,
			PRNumber:     prNumber(hints),
			PinnedSHA:    res.PinnedSHA,
			BaseBranch:   res.BaseBranch,
			LinkedIssues: hints.LinkedIssues,
			LinkedPRs:    hints.LinkedPRs,
		},
	}
	if err := m.store.CreateEnvironment(ctx, newEnv); err != nil {
		if existing, err2 := m.store.GetEnvironmentByWorkflow(ctx, cb.ID, hints.WorkflowType, hints.WorkflowID); err2 == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("record environment: %w", err)
	}

	m.logger.Info("environment created",
		"env", newEnv.ID,
		"codebase", cb.Name,
		"workflow_type", newEnv.WorkflowType,
		"workflow_id", newEnv.WorkflowID,
		"branch", newEnv.Branch,
		"degraded", newEnv.Meta.Degraded)
	return newEnv, nil
}

// adoptAt registers an existing working copy as this unit of work's
// environment instead of building a new one.
func (m *Manager) adoptAt(ctx context.Context, req ResolveRequest, branch, path string) (*models.Environment, error) {
	cb, hints := req.Codebase, req.Hints
	if b, err := m.git.CurrentBranch(path); err == nil && b != "" {
		branch = b
	}

	env := &models.Environment{
		CodebaseID:      cb.ID,
		WorkflowType:    hints.WorkflowType,
		WorkflowID:      hints.WorkflowID,
		Provider:        DefaultProviderName,
		Path:            path,
		Branch:          branch,
		Status:          models.EnvStatusActive,
		CreatedPlatform: req.PlatformType,
		Meta: models.EnvironmentMeta{
			Adopted:      true,
			PRNumber:     prNumber(hints),
			LinkedIssues: hints.LinkedIssues,
			LinkedPRs:    hints.LinkedPRs,
		},
	}
	if err := m.store.CreateEnvironment(ctx, env); err != nil {
		if existing, err2 := m.store.GetEnvironmentByWorkflow(ctx, cb.ID, hints.WorkflowType, hints.WorkflowID); err2 == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("record adopted environment: %w", err)
	}

	m.logger.Info("environment adopted",
		"env", env.ID, "path", path, "branch", branch)
	return env, nil
}

// Adopt registers an arbitrary existing worktree, deriving the workflow key
// from its branch name. Used by the operational surface.
func (m *Manager) Adopt(ctx context.Context, cb *models.Codebase, path string) (*models.Environment, error) {
	if !dirExists(path) {
		return nil, fmt.Errorf("adopt %s: not a directory", path)
	}
	branch, err := m.git.CurrentBranch(path)
	if err != nil {
		return nil, fmt.Errorf("adopt %s: %w", path, err)
	}
	wt, wid := ParseBranch(branch)

	if existing, err := m.store.GetEnvironmentByWorkflow(ctx, cb.ID, wt, wid); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return m.adoptAt(ctx, ResolveRequest{
		Codebase:     cb,
		Hints:        &Hints{WorkflowType: wt, WorkflowID: wid},
		PlatformType: "cli",
	}, branch, path)
}

// Remove destroys an environment's artifact and marks the record destroyed.
func (m *Manager) Remove(ctx context.Context, envID string, force bool) error {
	env, err := m.store.GetEnvironment(ctx, envID)
	if err != nil {
		return err
	}
	if env.Status == models.EnvStatusDestroyed {
		return nil
	}
	cb, err := m.store.GetCodebase(ctx, env.CodebaseID)
	if err != nil {
		return err
	}
	provider, err := m.providers.Get(env.Provider)
	if err != nil {
		return err
	}

	// a same-repo PR sandbox runs on the PR's own head branch; removing the
	// sandbox must not take the branch with it
	keepBranch := env.WorkflowType == models.WorkflowPR && !strings.HasPrefix(env.Branch, "pr-")
	if err := provider.Destroy(ctx, cb.Path, env, DestroyOptions{Force: force, KeepBranch: keepBranch}); err != nil {
		return err
	}

	env.Status = models.EnvStatusDestroyed
	if err := m.store.UpdateEnvironment(ctx, env); err != nil {
		return err
	}
	m.logger.Info("environment destroyed", "env", env.ID, "branch", env.Branch, "force", force)
	return nil
}

// Get fetches one environment record.
func (m *Manager) Get(ctx context.Context, envID string) (*models.Environment, error) {
	return m.store.GetEnvironment(ctx, envID)
}

// List returns a codebase's active environments.
func (m *Manager) List(ctx context.Context, codebaseID string) ([]*models.Environment, error) {
	return m.store.ListEnvironments(ctx, store.EnvFilter{
		CodebaseID: codebaseID,
		Status:     models.EnvStatusActive,
	})
}

// HealthCheck reports whether an environment is active and its artifact is
// still usable.
func (m *Manager) HealthCheck(ctx context.Context, envID string) bool {
	env, err := m.store.GetEnvironment(ctx, envID)
	if err != nil || env.Status != models.EnvStatusActive {
		return false
	}
	provider, err := m.providers.Get(env.Provider)
	if err != nil {
		return false
	}
	return provider.HealthCheck(env)
}

// checkCanonical refuses to sandbox from inside a sandbox. For a canonical
// checkout the git dir and the common dir are the same path; for a linked
// worktree they differ.
func (m *Manager) checkCanonical(path string) error {
	gitDir, err := m.git.GitDir(path)
	if err != nil {
		return fmt.Errorf("inspect codebase %s: %w", path, err)
	}
	commonDir, err := m.git.GitCommonDir(path)
	if err != nil {
		return fmt.Errorf("inspect codebase %s: %w", path, err)
	}
	if gitDir != commonDir {
		return fmt.Errorf("%s: %w", path, ErrCanonicalPath)
	}
	return nil
}

// ensureCapacity enforces the per-codebase ceiling, reclaiming merged
// environments before refusing.
func (m *Manager) ensureCapacity(ctx context.Context, cb *models.Codebase) error {
	limit := cb.MaxEnvironments
	if limit <= 0 {
		limit = m.maxEnvs
	}
	count, err := m.store.CountActiveEnvironments(ctx, cb.ID)
	if err != nil {
		return err
	}
	if count < limit {
		return nil
	}

	if m.reclaimer != nil {
		freed, err := m.reclaimer.FreeCapacity(ctx, cb.ID)
		if err != nil {
			m.logger.Warn("capacity reclaim failed", "codebase", cb.Name, "error", err)
		} else if freed > 0 {
			count, err = m.store.CountActiveEnvironments(ctx, cb.ID)
			if err != nil {
				return err
			}
			if count < limit {
				return nil
			}
		}
	}

	var merged, stale int
	if m.reclaimer != nil {
		if mc, sc, err := m.reclaimer.ReclaimableCounts(ctx, cb.ID); err == nil {
			merged, stale = mc, sc
		}
	}
	return &LimitError{
		CodebaseID:        cb.ID,
		Limit:             limit,
		Active:            count,
		ReclaimableMerged: merged,
		ReclaimableStale:  stale,
	}
}

func (m *Manager) findWorktreeForBranch(repoPath, branch string) *git.WorktreeInfo {
	infos, err := m.git.WorktreeList(repoPath)
	if err != nil {
		return nil
	}
	root, err := m.git.RepoRoot(repoPath)
	if err != nil {
		root = repoPath
	}
	for i := range infos {
		// the canonical checkout itself is never a sandbox
		if infos[i].Branch == branch && infos[i].Path != root {
			return &infos[i]
		}
	}
	return nil
}

func (m *Manager) findLinked(ctx context.Context, codebaseID string, hints *Hints) *models.Environment {
	for _, id := range hints.LinkedIssues {
		if env, err := m.store.GetEnvironmentByWorkflow(ctx, codebaseID, models.WorkflowIssue, id); err == nil {
			return env
		}
	}
	for _, id := range hints.LinkedPRs {
		if env, err := m.store.GetEnvironmentByWorkflow(ctx, codebaseID, models.WorkflowPR, id); err == nil {
			return env
		}
	}
	return nil
}

// recordLink adds a workflow to the environment's link metadata. Returns
// true when something changed.
func recordLink(env *models.Environment, wt models.WorkflowType, workflowID string) bool {
	switch wt {
	case models.WorkflowPR:
		if slices.Contains(env.Meta.LinkedPRs, workflowID) {
			return false
		}
		env.Meta.LinkedPRs = append(env.Meta.LinkedPRs, workflowID)
		return true
	case models.WorkflowIssue:
		if slices.Contains(env.Meta.LinkedIssues, workflowID) {
			return false
		}
		env.Meta.LinkedIssues = append(env.Meta.LinkedIssues, workflowID)
		return true
	default:
		return false
	}
}

func prNumber(hints *Hints) int {
	if hints.WorkflowType != models.WorkflowPR {
		return 0
	}
	n, err := strconv.Atoi(hints.WorkflowID)
	if err != nil {
		return 0
	}
	return n
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
