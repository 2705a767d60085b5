package models

import "time"

// WorkflowType identifies the kind of work an environment isolates.
type WorkflowType string

const (
	WorkflowIssue  WorkflowType = "issue"
	WorkflowPR     WorkflowType = "pr"
	WorkflowTask   WorkflowType = "task"
	WorkflowThread WorkflowType = "thread"
)

// EnvStatus represents the lifecycle state of an environment.
type EnvStatus string

const (
	EnvStatusActive    EnvStatus = "active"
	EnvStatusDestroyed EnvStatus = "destroyed"
)

// EnvironmentMeta carries provenance recorded at creation or adoption time.
type EnvironmentMeta struct {
	Adopted      bool     // pre-existing working copy adopted instead of created
	Degraded     bool     // fork PR could not be pinned to its exact SHA
	PRNumber     int      // linked pull request number (0 = none)
	PinnedSHA    string   // exact commit a fork PR environment was pinned to
	BaseBranch   string   // branch the environment was created from
	LinkedIssues []string // issue identifiers associated with this work
	LinkedPRs    []string // pull request identifiers associated with this work
}

// Environment represents an isolated working copy for one unit of work.
// Identity is (codebase, workflow type, workflow id), not the conversation
// that happened to trigger creation.
type Environment struct {
	ID              string
	CodebaseID      string
	WorkflowType    WorkflowType
	WorkflowID      string
	Provider        string
	Path            string
	Branch          string
	Status          EnvStatus
	CreatedPlatform string
	Meta            EnvironmentMeta
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
