package models

import "time"

// RunStatus represents the state of a multi-step command run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// WorkflowRun tracks progress through a multi-step command so an interrupted
// run can resume from its last completed step.
type WorkflowRun struct {
	ID             string
	ConversationID string
	Command        string
	StepIndex      int // next step to execute
	Status         RunStatus
	LastActiveAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
