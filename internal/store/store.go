package store

import (
	"context"
	"errors"

	"github.com/joescharf/dispatch/internal/models"
)

// ErrNotFound is wrapped into every lookup or update that misses, so callers
// can distinguish a stale reference from a real failure with errors.Is.
var ErrNotFound = errors.New("not found")

// EnvFilter specifies filters for listing environments.
type EnvFilter struct {
	CodebaseID   string
	Status       models.EnvStatus
	WorkflowType models.WorkflowType
}

// Store defines the persistence interface for dispatch.
type Store interface {
	// Codebases
	CreateCodebase(ctx context.Context, c *models.Codebase) error
	GetCodebase(ctx context.Context, id string) (*models.Codebase, error)
	GetCodebaseByName(ctx context.Context, name string) (*models.Codebase, error)
	GetCodebaseByPath(ctx context.Context, path string) (*models.Codebase, error)
	ListCodebases(ctx context.Context) ([]*models.Codebase, error)
	UpdateCodebase(ctx context.Context, c *models.Codebase) error
	DeleteCodebase(ctx context.Context, id string) error

	// Conversations
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetConversationByPlatform(ctx context.Context, platformType, platformID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, codebaseID string) ([]*models.Conversation, error)
	UpdateConversation(ctx context.Context, c *models.Conversation) error
	TouchConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
	CountConversationsByEnvironment(ctx context.Context, environmentID, excludeConversationID string) (int, error)

	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetActiveSession(ctx context.Context, conversationID string) (*models.Session, error)
	ListSessions(ctx context.Context, conversationID string, limit int) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeactivateSessions(ctx context.Context, conversationID string) (int64, error)

	// Environments
	CreateEnvironment(ctx context.Context, e *models.Environment) error
	GetEnvironment(ctx context.Context, id string) (*models.Environment, error)
	GetEnvironmentByWorkflow(ctx context.Context, codebaseID string, wt models.WorkflowType, workflowID string) (*models.Environment, error)
	GetEnvironmentByPath(ctx context.Context, path string) (*models.Environment, error)
	ListEnvironments(ctx context.Context, filter EnvFilter) ([]*models.Environment, error)
	UpdateEnvironment(ctx context.Context, e *models.Environment) error
	CountActiveEnvironments(ctx context.Context, codebaseID string) (int, error)

	// Workflow runs
	CreateWorkflowRun(ctx context.Context, r *models.WorkflowRun) error
	GetRunningWorkflowRun(ctx context.Context, conversationID string) (*models.WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, conversationID string, limit int) ([]*models.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, r *models.WorkflowRun) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
