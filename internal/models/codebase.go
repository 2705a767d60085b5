package models

import "time"

// Codebase represents a registered repository that conversations can work against.
type Codebase struct {
	ID              string
	Name            string
	Path            string // canonical checkout on disk
	RemoteURL       string
	DefaultBackend  string
	MainBranch      string
	MaxEnvironments int // 0 = use the configured default
	Commands        map[string]CommandDef
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
