package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/joescharf/dispatch/internal/models"
)

// WorktreesDirSuffix is appended to a codebase path to hold its sandboxes.
const WorktreesDirSuffix = ".worktrees"

// BranchName derives the branch for a unit of work. It is a pure function of
// its inputs, so lookup can recompute the name instead of remembering it.
func BranchName(wt models.WorkflowType, workflowID string, hints *Hints) string {
	switch wt {
	case models.WorkflowIssue:
		return "issue-" + Sanitize(workflowID)
	case models.WorkflowPR:
		if hints != nil && !hints.IsForkPR && hints.PRBranch != "" {
			// same-repo PR: work on the head branch itself so pushes land on the PR
			return hints.PRBranch
		}
		return "pr-" + Sanitize(workflowID) + "-review"
	case models.WorkflowTask:
		return "task-" + Sanitize(workflowID)
	case models.WorkflowThread:
		return "thread-" + threadHash(workflowID)
	default:
		return "task-" + Sanitize(workflowID)
	}
}

// threadHash shortens thread identifiers, which carry platform punctuation
// like "C123:ts.456", to a stable 8-hex name component.
func threadHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:8]
}

// WorktreeDir places a sandbox beside the canonical checkout, one directory
// per branch: /src/app + "feature/foo" -> /src/app.worktrees/feature-foo.
func WorktreeDir(codebasePath, branch string) string {
	return filepath.Join(codebasePath+WorktreesDirSuffix, Sanitize(branch))
}

// Sanitize maps an identifier onto characters safe for both git refs and
// directory names.
func Sanitize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, s)
	for strings.Contains(mapped, "--") {
		mapped = strings.ReplaceAll(mapped, "--", "-")
	}
	return strings.Trim(mapped, "-.")
}

// ParseBranch recovers a workflow key from a branch name. Generated names
// map back to their prefix type; anything else is treated as a task keyed by
// the branch. The key only needs to be stable, not invertible.
func ParseBranch(branch string) (models.WorkflowType, string) {
	switch {
	case strings.HasPrefix(branch, "issue-"):
		return models.WorkflowIssue, strings.TrimPrefix(branch, "issue-")
	case strings.HasPrefix(branch, "pr-") && strings.HasSuffix(branch, "-review"):
		return models.WorkflowPR, strings.TrimSuffix(strings.TrimPrefix(branch, "pr-"), "-review")
	case strings.HasPrefix(branch, "thread-"):
		return models.WorkflowThread, strings.TrimPrefix(branch, "thread-")
	case strings.HasPrefix(branch, "task-"):
		return models.WorkflowTask, strings.TrimPrefix(branch, "task-")
	default:
		return models.WorkflowTask, Sanitize(branch)
	}
}
