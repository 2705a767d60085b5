package models

// CommandKind classifies a slash command for session-lifecycle decisions.
type CommandKind string

const (
	CommandKindPlan    CommandKind = "plan"
	CommandKindExecute CommandKind = "execute"
	CommandKindGeneral CommandKind = "general"
)

// CommandStep is a single prompt template within a command.
type CommandStep struct {
	Prompt string
}

// CommandDef is a named, possibly multi-step prompt template registered on a codebase.
type CommandDef struct {
	Name        string
	Description string
	Kind        CommandKind
	Steps       []CommandStep
}
