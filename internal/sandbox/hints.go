package sandbox

import "github.com/joescharf/dispatch/internal/models"

// Hints carry what a platform adapter knows about the unit of work behind a
// conversation. Adapters fill in what they can; everything is optional except
// the workflow identity.
type Hints struct {
	WorkflowType models.WorkflowType
	WorkflowID   string
	PRBranch     string // head branch when the unit of work is a pull request
	PRSHA        string // head commit, used to pin fork PRs
	IsForkPR     bool
	LinkedIssues []string // related issue identifiers, for environment sharing
	LinkedPRs    []string // related PR identifiers, for environment sharing
}

// DefaultHints treats a conversation with no workflow context as its own
// thread-scoped unit of work.
func DefaultHints(conversationID string) *Hints {
	return &Hints{
		WorkflowType: models.WorkflowThread,
		WorkflowID:   conversationID,
	}
}
