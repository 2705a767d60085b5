package models

import "time"

// Conversation represents a platform conversation (channel, thread, or issue comment
// stream) and its pinned codebase, environment, and backend.
type Conversation struct {
	ID            string
	PlatformType  string
	PlatformID    string // platform-native conversation identifier
	CodebaseID    string // empty until a codebase is selected
	EnvironmentID string // empty until an environment is resolved
	WorkingDir    string
	BackendType   string // locked at creation
	LastActiveAt  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
