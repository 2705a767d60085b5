// Package mcp exposes dispatch over the Model Context Protocol so AI
// assistants can inspect and manage environments through tool calls. The
// tools are thin wrappers over the store, the sandbox manager, and the
// cleanup reconciler, mirroring the ops REST surface.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/dispatch/internal/cleanup"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/store"
)

// Server wraps the dispatch data layer and exposes it as MCP tools.
type Server struct {
	store      store.Store
	manager    *sandbox.Manager
	reconciler *cleanup.Reconciler
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, m *sandbox.Manager, r *cleanup.Reconciler) *Server {
	return &Server{store: s, manager: m, reconciler: r}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("dispatch", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.statusTool())
	srv.AddTool(s.cleanupTool())
	srv.AddTool(s.envListTool())
	srv.AddTool(s.envCreateTool())
	srv.AddTool(s.envRemoveTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// envOut is the JSON shape shared by the environment tools.
type envOut struct {
	ID           string `json:"id"`
	Codebase     string `json:"codebase"`
	WorkflowType string `json:"workflow_type"`
	WorkflowID   string `json:"workflow_id"`
	Branch       string `json:"branch"`
	Path         string `json:"path"`
	Status       string `json:"status"`
	Adopted      bool   `json:"adopted,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

func toEnvOut(env *models.Environment, codebaseName string) envOut {
	if codebaseName == "" {
		codebaseName = env.CodebaseID
	}
	return envOut{
		ID:           env.ID,
		Codebase:     codebaseName,
		WorkflowType: string(env.WorkflowType),
		WorkflowID:   env.WorkflowID,
		Branch:       env.Branch,
		Path:         env.Path,
		Status:       string(env.Status),
		Adopted:      env.Meta.Adopted,
		Degraded:     env.Meta.Degraded,
	}
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// dispatch_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dispatch_status",
		mcp.WithDescription("Per-codebase environment usage. Returns a JSON array with codebase name, active environment count, and how many environments are reclaimable because their branch merged or their work went stale."),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summaries, err := s.reconciler.Summary(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to summarize environments: %v", err)), nil
	}

	type summaryOut struct {
		CodebaseID        string `json:"codebase_id"`
		Name              string `json:"name"`
		Active            int    `json:"active"`
		ReclaimableMerged int    `json:"reclaimable_merged"`
		ReclaimableStale  int    `json:"reclaimable_stale"`
	}

	out := make([]summaryOut, len(summaries))
	for i, entry := range summaries {
		out[i] = summaryOut{
			CodebaseID:        entry.CodebaseID,
			Name:              entry.Name,
			Active:            entry.Active,
			ReclaimableMerged: entry.ReclaimableMerged,
			ReclaimableStale:  entry.ReclaimableStale,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// dispatch_cleanup
func (s *Server) cleanupTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dispatch_cleanup",
		mcp.WithDescription("Run a cleanup pass over all active environments. Removes environments whose branch has merged into the main branch or whose work has gone stale. Environments with uncommitted changes, an active conversation, or a busy agent are skipped. Returns removed environment IDs and per-environment skip reasons."),
	)
	return tool, s.handleCleanup
}

func (s *Server) handleCleanup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.reconciler.RunScheduledPass(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup pass failed: %v", err)), nil
	}

	type skippedOut struct {
		EnvironmentID string `json:"environment_id"`
		Branch        string `json:"branch"`
		Reason        string `json:"reason"`
	}

	removed := result.Removed
	if removed == nil {
		removed = []string{}
	}
	skipped := make([]skippedOut, len(result.Skipped))
	for i, sk := range result.Skipped {
		skipped[i] = skippedOut{
			EnvironmentID: sk.EnvID,
			Branch:        sk.Branch,
			Reason:        string(sk.Reason),
		}
	}

	data, err := json.Marshal(map[string]any{
		"removed": removed,
		"skipped": skipped,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal cleanup result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// dispatch_env_list
func (s *Server) envListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dispatch_env_list",
		mcp.WithDescription("List environments. Returns a JSON array with id, codebase, workflow type and id, branch, path, and status. Defaults to active environments only."),
		mcp.WithString("codebase", mcp.Description("Filter by codebase name or ID")),
		mcp.WithString("status", mcp.Description("Filter by status: active (default), destroyed, or all")),
	)
	return tool, s.handleEnvList
}

func (s *Server) handleEnvList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.EnvFilter{Status: models.EnvStatusActive}
	switch st := request.GetString("status", ""); st {
	case "", "active":
	case "all":
		filter.Status = ""
	default:
		filter.Status = models.EnvStatus(st)
	}

	if key := request.GetString("codebase", ""); key != "" {
		cb, err := s.resolveCodebase(ctx, key)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("codebase not found: %s", key)), nil
		}
		filter.CodebaseID = cb.ID
	}

	envs, err := s.store.ListEnvironments(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list environments: %v", err)), nil
	}

	names := map[string]string{}
	if codebases, err := s.store.ListCodebases(ctx); err == nil {
		for _, cb := range codebases {
			names[cb.ID] = cb.Name
		}
	}

	out := make([]envOut, len(envs))
	for i, env := range envs {
		out[i] = toEnvOut(env, names[env.CodebaseID])
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal environments: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// dispatch_env_create
func (s *Server) envCreateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dispatch_env_create",
		mcp.WithDescription("Create or reuse an isolated environment for a unit of work. Resolution is idempotent: an existing active environment for the same codebase, workflow type, and workflow id is returned instead of creating a duplicate."),
		mcp.WithString("codebase", mcp.Required(), mcp.Description("Codebase name or ID")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Unit of work identifier (issue number, PR number, task slug)")),
		mcp.WithString("workflow_type", mcp.Description("Unit of work kind: issue, pr, task (default), or thread")),
		mcp.WithString("pr_branch", mcp.Description("Head branch name when the unit of work is a pull request")),
		mcp.WithString("pr_sha", mcp.Description("Head commit SHA, used to pin fork PRs")),
		mcp.WithBoolean("fork_pr", mcp.Description("Whether the pull request comes from a fork")),
	)
	return tool, s.handleEnvCreate
}

func (s *Server) handleEnvCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	codebaseKey, err := request.RequireString("codebase")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: codebase"), nil
	}
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: workflow_id"), nil
	}

	wt := models.WorkflowType(request.GetString("workflow_type", string(models.WorkflowTask)))
	switch wt {
	case models.WorkflowIssue, models.WorkflowPR, models.WorkflowTask, models.WorkflowThread:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow_type: %s (must be issue, pr, task, or thread)", wt)), nil
	}

	cb, err := s.resolveCodebase(ctx, codebaseKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("codebase not found: %s", codebaseKey)), nil
	}

	env, err := s.manager.Resolve(ctx, sandbox.ResolveRequest{
		Codebase: cb,
		Hints: &sandbox.Hints{
			WorkflowType: wt,
			WorkflowID:   workflowID,
			PRBranch:     request.GetString("pr_branch", ""),
			PRSHA:        request.GetString("pr_sha", ""),
			IsForkPR:     request.GetBool("fork_pr", false),
		},
		PlatformType: "mcp",
	})
	var limitErr *sandbox.LimitError
	if errors.As(err, &limitErr) {
		data, _ := json.Marshal(map[string]any{
			"error":              limitErr.Error(),
			"active":             limitErr.Active,
			"limit":              limitErr.Limit,
			"reclaimable_merged": limitErr.ReclaimableMerged,
			"reclaimable_stale":  limitErr.ReclaimableStale,
		})
		return mcp.NewToolResultError(string(data)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve environment: %v", err)), nil
	}

	data, err := json.Marshal(toEnvOut(env, cb.Name))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal environment: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// dispatch_env_remove
func (s *Server) envRemoveTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("dispatch_env_remove",
		mcp.WithDescription("Remove one environment: delete its working copy and branch and mark it destroyed. Refuses environments with uncommitted changes, an active conversation, or a busy agent unless force is set."),
		mcp.WithString("environment_id", mcp.Required(), mcp.Description("Environment ID to remove")),
		mcp.WithBoolean("force", mcp.Description("Override the safety refusals")),
	)
	return tool, s.handleEnvRemove
}

func (s *Server) handleEnvRemove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	envID, err := request.RequireString("environment_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: environment_id"), nil
	}
	force := request.GetBool("force", false)

	if err := s.reconciler.RemoveOne(ctx, envID, force); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("environment not found: %s", envID)), nil
		}
		if strings.Contains(err.Error(), "use force to override") {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to remove environment: %v", err)), nil
	}

	data, _ := json.Marshal(map[string]any{
		"environment_id": envID,
		"status":         string(models.EnvStatusDestroyed),
	})
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveCodebase tries to find a codebase by name first, then by ID.
func (s *Server) resolveCodebase(ctx context.Context, key string) (*models.Codebase, error) {
	if cb, err := s.store.GetCodebaseByName(ctx, key); err == nil {
		return cb, nil
	}
	return s.store.GetCodebase(ctx, key)
}
