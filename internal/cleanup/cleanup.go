// Package cleanup reconciles environment records against git ground truth
// and reclaims sandboxes that are safe to remove. Git truth dominates the
// database: a record whose directory is already gone is finalized, never
// treated as an error.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/joescharf/dispatch/internal/git"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/store"
)

// DefaultStaleAfter is how long an environment can sit idle before the
// scheduled pass considers it stale.
const DefaultStaleAfter = 14 * 24 * time.Hour

// SkipReason says why an eligible environment was left alone.
type SkipReason string

const (
	SkipUncommitted SkipReason = "uncommitted changes"
	SkipInUse       SkipReason = "in use"
	SkipAgentBusy   SkipReason = "agent running"
)

// Skipped is one environment a pass declined to remove.
type Skipped struct {
	EnvID  string
	Branch string
	Reason SkipReason
}

// PassResult reports what a reconcile pass did.
type PassResult struct {
	Removed []string
	Skipped []Skipped
}

// Scope restricts a pass to one eligibility category.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeMerged Scope = "merged"
	ScopeStale  Scope = "stale"
)

// CodebaseSummary is the reclaim-eligibility breakdown for one codebase.
type CodebaseSummary struct {
	CodebaseID        string
	Name              string
	Active            int
	ReclaimableMerged int
	ReclaimableStale  int
}

// Config adjusts reconciler behavior.
type Config struct {
	StaleAfter time.Duration
	// LongLived reports whether a platform's conversations stay relevant
	// indefinitely; such environments are exempt from staleness (never from
	// merge-based reclaim). Nil means no platform is long-lived.
	LongLived func(platformType string) bool
}

// Reconciler removes what git says is reclaimable and nothing else.
type Reconciler struct {
	store      store.Store
	git        git.Client
	manager    *sandbox.Manager
	probe      sandbox.ActivityProbe
	logger     *slog.Logger
	staleAfter time.Duration
	longLived  func(platformType string) bool
}

func NewReconciler(s store.Store, g git.Client, m *sandbox.Manager, probe sandbox.ActivityProbe, logger *slog.Logger, cfg Config) *Reconciler {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	longLived := cfg.LongLived
	if longLived == nil {
		longLived = func(string) bool { return false }
	}
	return &Reconciler{
		store:      s,
		git:        g,
		manager:    m,
		probe:      probe,
		logger:     logger,
		staleAfter: staleAfter,
		longLived:  longLived,
	}
}

// OnUnitOfWorkClosed handles an issue/PR/task reaching its terminal state:
// the closing conversation lets go of the environment, and removal proceeds
// if no other conversation still holds it. Safety checks still apply; the
// workflow being over does not make uncommitted work disposable.
func (r *Reconciler) OnUnitOfWorkClosed(ctx context.Context, wt models.WorkflowType, workflowID, conversationID string) (bool, SkipReason, error) {
	env, err := r.findEnvironment(ctx, wt, workflowID)
	if err != nil {
		return false, "", err
	}
	if env == nil {
		return false, "", nil
	}

	if conversationID != "" {
		if err := r.releaseReference(ctx, conversationID, env.ID); err != nil {
			return false, "", err
		}
	}

	if reason, ok := r.safeToRemove(ctx, env, conversationID); !ok {
		r.logger.Info("unit of work closed, environment kept",
			"env", env.ID, "reason", string(reason))
		return false, reason, nil
	}

	if err := r.manager.Remove(ctx, env.ID, false); err != nil {
		return false, "", fmt.Errorf("remove environment %s: %w", env.ID, err)
	}
	r.logger.Info("environment reclaimed on workflow close",
		"env", env.ID, "workflow_type", wt, "workflow_id", workflowID)
	return true, "", nil
}

// RunScheduledPass sweeps every active environment with the git-first
// decision procedure: merged wins immediately, staleness applies only to
// platforms that are not long-lived, and safety skips beat both.
func (r *Reconciler) RunScheduledPass(ctx context.Context) (PassResult, error) {
	return r.RunPass(ctx, ScopeAll)
}

// RunPass is RunScheduledPass restricted to one eligibility category, for
// operators who want to reclaim merged work without touching anything that
// is merely old (or the reverse).
func (r *Reconciler) RunPass(ctx context.Context, scope Scope) (PassResult, error) {
	var result PassResult

	envs, err := r.store.ListEnvironments(ctx, store.EnvFilter{Status: models.EnvStatusActive})
	if err != nil {
		return result, fmt.Errorf("list environments: %w", err)
	}

	for _, env := range envs {
		cb, err := r.store.GetCodebase(ctx, env.CodebaseID)
		if err != nil {
			r.logger.Warn("environment without codebase, skipping",
				"env", env.ID, "codebase", env.CodebaseID, "error", err)
			continue
		}

		if !r.inScope(ctx, env, cb, scope) {
			continue
		}
		if reason, ok := r.safeToRemove(ctx, env, ""); !ok {
			result.Skipped = append(result.Skipped, Skipped{
				EnvID:  env.ID,
				Branch: env.Branch,
				Reason: reason,
			})
			continue
		}
		if err := r.manager.Remove(ctx, env.ID, false); err != nil {
			r.logger.Error("scheduled removal failed", "env", env.ID, "error", err)
			continue
		}
		result.Removed = append(result.Removed, env.ID)
	}

	r.logger.Info("cleanup pass finished",
		"removed", len(result.Removed), "skipped", len(result.Skipped))
	return result, nil
}

// RemoveOne removes a single environment on demand. Without force the safety
// checks still apply; force bypasses them all.
func (r *Reconciler) RemoveOne(ctx context.Context, envID string, force bool) error {
	env, err := r.store.GetEnvironment(ctx, envID)
	if err != nil {
		return err
	}
	if env.Status == models.EnvStatusDestroyed {
		return nil
	}
	if !force {
		if reason, ok := r.safeToRemove(ctx, env, ""); !ok {
			return fmt.Errorf("environment %s: %s (use force to override)", envID, reason)
		}
	}
	return r.manager.Remove(ctx, envID, force)
}

// FreeCapacity reclaims merged environments for one codebase. Merge truth
// only; staleness is never consulted here.
func (r *Reconciler) FreeCapacity(ctx context.Context, codebaseID string) (int, error) {
	cb, err := r.store.GetCodebase(ctx, codebaseID)
	if err != nil {
		return 0, err
	}
	envs, err := r.store.ListEnvironments(ctx, store.EnvFilter{
		CodebaseID: codebaseID,
		Status:     models.EnvStatusActive,
	})
	if err != nil {
		return 0, err
	}

	freed := 0
	for _, env := range envs {
		if !r.isMerged(env, cb) {
			continue
		}
		if _, ok := r.safeToRemove(ctx, env, ""); !ok {
			continue
		}
		if err := r.manager.Remove(ctx, env.ID, false); err != nil {
			r.logger.Warn("capacity reclaim failed for environment",
				"env", env.ID, "error", err)
			continue
		}
		freed++
	}
	return freed, nil
}

// ReclaimableCounts reports how many environments a cleanup would actually
// remove, split by eligibility category.
func (r *Reconciler) ReclaimableCounts(ctx context.Context, codebaseID string) (int, int, error) {
	cb, err := r.store.GetCodebase(ctx, codebaseID)
	if err != nil {
		return 0, 0, err
	}
	envs, err := r.store.ListEnvironments(ctx, store.EnvFilter{
		CodebaseID: codebaseID,
		Status:     models.EnvStatusActive,
	})
	if err != nil {
		return 0, 0, err
	}

	var merged, stale int
	for _, env := range envs {
		if _, ok := r.safeToRemove(ctx, env, ""); !ok {
			continue
		}
		if r.isMerged(env, cb) {
			merged++
		} else if r.isStale(ctx, env) {
			stale++
		}
	}
	return merged, stale, nil
}

// Summary builds the status view across all codebases.
func (r *Reconciler) Summary(ctx context.Context) ([]CodebaseSummary, error) {
	codebases, err := r.store.ListCodebases(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]CodebaseSummary, 0, len(codebases))
	for _, cb := range codebases {
		active, err := r.store.CountActiveEnvironments(ctx, cb.ID)
		if err != nil {
			return nil, err
		}
		merged, stale, err := r.ReclaimableCounts(ctx, cb.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, CodebaseSummary{
			CodebaseID:        cb.ID,
			Name:              cb.Name,
			Active:            active,
			ReclaimableMerged: merged,
			ReclaimableStale:  stale,
		})
	}
	return out, nil
}

// inScope applies the merged-or-stale gate, narrowed by scope.
func (r *Reconciler) inScope(ctx context.Context, env *models.Environment, cb *models.Codebase, scope Scope) bool {
	switch scope {
	case ScopeMerged:
		return r.isMerged(env, cb)
	case ScopeStale:
		return r.isStale(ctx, env)
	default:
		return r.isMerged(env, cb) || r.isStale(ctx, env)
	}
}

// isMerged asks git whether the environment's branch is fully contained in
// the codebase's main branch.
func (r *Reconciler) isMerged(env *models.Environment, cb *models.Codebase) bool {
	if env.Branch == "" {
		return false
	}
	main := cb.MainBranch
	if main == "" {
		var err error
		main, err = r.git.DefaultBranch(cb.Path)
		if err != nil {
			return false
		}
	}
	merged, err := r.git.IsAncestor(cb.Path, env.Branch, main)
	if err != nil {
		return false
	}
	return merged
}

// isStale checks the idle window against the latest sign of life: the
// record's own update, any referencing conversation's activity, or the last
// commit inside the sandbox. Long-lived platforms are exempt.
func (r *Reconciler) isStale(ctx context.Context, env *models.Environment) bool {
	if r.longLived(env.CreatedPlatform) {
		return false
	}
	last := env.UpdatedAt
	if t, err := r.git.LastCommitDate(env.Path); err == nil && t.After(last) {
		last = t
	}
	if t := r.latestConversationActivity(ctx, env); t.After(last) {
		last = t
	}
	return time.Since(last) > r.staleAfter
}

func (r *Reconciler) latestConversationActivity(ctx context.Context, env *models.Environment) time.Time {
	var latest time.Time
	convs, err := r.store.ListConversations(ctx, env.CodebaseID)
	if err != nil {
		return latest
	}
	for _, c := range convs {
		if c.EnvironmentID == env.ID && c.LastActiveAt.After(latest) {
			latest = c.LastActiveAt
		}
	}
	return latest
}

// safeToRemove runs the skip checks shared by every removal path. The
// excluded conversation is the one whose unit of work just closed; its
// reference no longer counts as use.
func (r *Reconciler) safeToRemove(ctx context.Context, env *models.Environment, excludeConversationID string) (SkipReason, bool) {
	if dirty, err := r.git.IsDirty(env.Path); err == nil && dirty {
		return SkipUncommitted, false
	}

	refs, err := r.store.CountConversationsByEnvironment(ctx, env.ID, excludeConversationID)
	if err != nil {
		r.logger.Warn("reference count failed, keeping environment",
			"env", env.ID, "error", err)
		return SkipInUse, false
	}
	if refs > 0 {
		return SkipInUse, false
	}

	if r.probe != nil && r.probe.Busy(env.Path) {
		return SkipAgentBusy, false
	}
	return "", true
}

// findEnvironment locates the active environment for a workflow key across
// codebases; close events do not say which codebase they belong to. A key
// with no environment of its own may still match through link metadata, the
// trace a shared resolve leaves behind.
func (r *Reconciler) findEnvironment(ctx context.Context, wt models.WorkflowType, workflowID string) (*models.Environment, error) {
	envs, err := r.store.ListEnvironments(ctx, store.EnvFilter{Status: models.EnvStatusActive})
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		if env.WorkflowType == wt && env.WorkflowID == workflowID {
			return env, nil
		}
	}
	for _, env := range envs {
		switch wt {
		case models.WorkflowPR:
			if slices.Contains(env.Meta.LinkedPRs, workflowID) {
				return env, nil
			}
		case models.WorkflowIssue:
			if slices.Contains(env.Meta.LinkedIssues, workflowID) {
				return env, nil
			}
		}
	}
	return nil, nil
}

// releaseReference clears a conversation's environment link.
func (r *Reconciler) releaseReference(ctx context.Context, conversationID, envID string) error {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.EnvironmentID != envID {
		return nil
	}
	conv.EnvironmentID = ""
	if err := r.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("release environment reference: %w", err)
	}
	return nil
}
