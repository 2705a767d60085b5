package sandbox

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/dispatch/internal/models"
)

func TestBranchName(t *testing.T) {
	tests := []struct {
		name  string
		wt    models.WorkflowType
		id    string
		hints *Hints
		want  string
	}{
		{"issue", models.WorkflowIssue, "42", nil, "issue-42"},
		{"task", models.WorkflowTask, "my-feature", nil, "task-my-feature"},
		{"task sanitized", models.WorkflowTask, "add auth!", nil, "task-add-auth"},
		{
			"pr same-repo uses head branch",
			models.WorkflowPR, "123",
			&Hints{WorkflowType: models.WorkflowPR, WorkflowID: "123", PRBranch: "feature/foo"},
			"feature/foo",
		},
		{
			"pr fork gets review branch",
			models.WorkflowPR, "123",
			&Hints{WorkflowType: models.WorkflowPR, WorkflowID: "123", PRBranch: "feature/foo", IsForkPR: true},
			"pr-123-review",
		},
		{"pr no hints", models.WorkflowPR, "7", nil, "pr-7-review"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchName(tt.wt, tt.id, tt.hints))
		})
	}
}

func TestBranchNameThread(t *testing.T) {
	name := BranchName(models.WorkflowThread, "C123:ts.456", nil)
	assert.Regexp(t, `^thread-[0-9a-f]{8}$`, name)

	// pure function: same input, same name
	assert.Equal(t, name, BranchName(models.WorkflowThread, "C123:ts.456", nil))
	assert.NotEqual(t, name, BranchName(models.WorkflowThread, "C123:ts.457", nil))
}

func TestBranchNameDeterministic(t *testing.T) {
	for _, wt := range []models.WorkflowType{
		models.WorkflowIssue, models.WorkflowPR, models.WorkflowTask, models.WorkflowThread,
	} {
		a := BranchName(wt, "same-id", nil)
		b := BranchName(wt, "same-id", nil)
		assert.Equal(t, a, b, "workflow type %s", wt)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"feature/foo", "feature-foo"},
		{"release/v1.0.0", "release-v1.0.0"},
		{"fix:bug#123", "fix-bug-123"},
		{"my feature", "my-feature"},
		{"--weird--", "weird"},
		{"trailing.", "trailing"},
		{"ok_name.v2", "ok_name.v2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "input %q", tt.in)
	}
}

func TestWorktreeDir(t *testing.T) {
	got := WorktreeDir("/src/app", "feature/foo")
	assert.Equal(t, filepath.Join("/src/app.worktrees", "feature-foo"), got)
}

func TestParseBranch(t *testing.T) {
	tests := []struct {
		branch string
		wt     models.WorkflowType
		id     string
	}{
		{"issue-42", models.WorkflowIssue, "42"},
		{"task-my-feature", models.WorkflowTask, "my-feature"},
		{"pr-123-review", models.WorkflowPR, "123"},
		{"thread-abcd1234", models.WorkflowThread, "abcd1234"},
		{"feature-foo", models.WorkflowTask, "feature-foo"},
	}
	for _, tt := range tests {
		wt, id := ParseBranch(tt.branch)
		assert.Equal(t, tt.wt, wt, "branch %q", tt.branch)
		assert.Equal(t, tt.id, id, "branch %q", tt.branch)
	}
}

func TestDefaultHints(t *testing.T) {
	h := DefaultHints("discord:456")
	assert.Equal(t, models.WorkflowThread, h.WorkflowType)
	assert.Equal(t, "discord:456", h.WorkflowID)
}
