package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/dispatch/internal/git"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/output"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/store"
)

var (
	envCodebase string
	envType     string
	envAll      bool
	envForce    bool
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage isolated environments",
	Long: `Create, list, remove, and adopt per-workflow worktree environments.

Running bare 'dispatch env' is the same as 'dispatch env list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return envListRun()
	},
}

var envCreateCmd = &cobra.Command{
	Use:   "create <workflow-id>",
	Short: "Create (or reuse) an environment for a unit of work",
	Long: `Create an isolated environment for a unit of work. Resolving the same
workflow twice returns the existing environment instead of a new one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return envCreateRun(args[0])
	},
}

var envListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List environments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return envListRun()
	},
}

var envRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove an environment",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return envRemoveRun(args[0])
	},
}

var envAdoptCmd = &cobra.Command{
	Use:   "adopt <path>",
	Short: "Adopt an existing worktree as a managed environment",
	Long: `Register a worktree that was created outside dispatch, so the cleanup
reconciler tracks it. The workflow is derived from the branch name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return envAdoptRun(args[0])
	},
}

func init() {
	envCreateCmd.Flags().StringVar(&envCodebase, "codebase", "", "Codebase name or path (default: config default_codebase)")
	envCreateCmd.Flags().StringVar(&envType, "type", "task", "Workflow type: issue, pr, task, or thread")

	envListCmd.Flags().StringVar(&envCodebase, "codebase", "", "Filter by codebase name or path")
	envListCmd.Flags().BoolVar(&envAll, "all", false, "Include destroyed environments")

	envRemoveCmd.Flags().BoolVar(&envForce, "force", false, "Override safety checks")

	envAdoptCmd.Flags().StringVar(&envCodebase, "codebase", "", "Codebase name or path (default: detect from the worktree)")

	envCmd.AddCommand(envCreateCmd)
	envCmd.AddCommand(envListCmd)
	envCmd.AddCommand(envRemoveCmd)
	envCmd.AddCommand(envAdoptCmd)
	rootCmd.AddCommand(envCmd)
}

func envCreateRun(workflowID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cb, err := defaultCodebase(ctx, s, envCodebase)
	if err != nil {
		return err
	}

	wt := models.WorkflowType(envType)
	switch wt {
	case models.WorkflowIssue, models.WorkflowPR, models.WorkflowTask, models.WorkflowThread:
	default:
		return fmt.Errorf("invalid workflow type: %s (must be issue, pr, task, or thread)", envType)
	}

	if dryRun {
		ui.DryRunMsg("Would create environment %s/%s in %s", wt, workflowID, cb.Name)
		return nil
	}

	m, _ := buildSandbox(s)
	env, err := m.Resolve(ctx, sandbox.ResolveRequest{
		Codebase:     cb,
		Hints:        &sandbox.Hints{WorkflowType: wt, WorkflowID: workflowID},
		PlatformType: "cli",
	})
	var limitErr *sandbox.LimitError
	if errors.As(err, &limitErr) {
		return fmt.Errorf("environment limit reached for %s: %d/%d active (%d merged, %d stale reclaimable; run 'dispatch cleanup')",
			cb.Name, limitErr.Active, limitErr.Limit, limitErr.ReclaimableMerged, limitErr.ReclaimableStale)
	}
	if err != nil {
		return err
	}

	ui.Success("Environment %s ready", output.Cyan(env.Branch))
	fmt.Fprintf(ui.Out, "  ID:   %s\n", env.ID)
	fmt.Fprintf(ui.Out, "  Path: %s\n", env.Path)
	return nil
}

func envListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.EnvFilter{Status: models.EnvStatusActive}
	if envAll {
		filter.Status = ""
	}
	if envCodebase != "" {
		cb, err := resolveCodebase(ctx, s, envCodebase)
		if err != nil {
			return err
		}
		filter.CodebaseID = cb.ID
	}

	envs, err := s.ListEnvironments(ctx, filter)
	if err != nil {
		return err
	}

	if len(envs) == 0 {
		ui.Info("No environments.")
		return nil
	}

	names := codebaseNames(ctx, s)

	table := ui.Table([]string{"ID", "Codebase", "Workflow", "Branch", "Status", "Activity"})
	for _, env := range envs {
		name := names[env.CodebaseID]
		if name == "" {
			name = env.CodebaseID
		}
		table.Append([]string{
			env.ID,
			output.Cyan(name),
			fmt.Sprintf("%s/%s", env.WorkflowType, env.WorkflowID),
			env.Branch,
			output.StatusColor(string(env.Status)),
			timeAgo(env.UpdatedAt),
		})
	}
	table.Render()
	return nil
}

func envRemoveRun(envID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		ui.DryRunMsg("Would remove environment %s", envID)
		return nil
	}

	_, r := buildSandbox(s)
	if err := r.RemoveOne(ctx, envID, envForce); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("environment not found: %s", envID)
		}
		return err
	}

	ui.Success("Removed environment %s", envID)
	return nil
}

func envAdoptRun(rawPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	cb, err := adoptionCodebase(ctx, s, absPath)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would adopt %s into %s", absPath, cb.Name)
		return nil
	}

	m, _ := buildSandbox(s)
	env, err := m.Adopt(ctx, cb, absPath)
	if err != nil {
		return err
	}

	ui.Success("Adopted %s as %s", absPath, output.Cyan(env.Branch))
	fmt.Fprintf(ui.Out, "  ID:       %s\n", env.ID)
	fmt.Fprintf(ui.Out, "  Workflow: %s/%s\n", env.WorkflowType, env.WorkflowID)
	return nil
}

// adoptionCodebase resolves the owning codebase for a worktree path, via
// --codebase or the worktree's shared git directory.
func adoptionCodebase(ctx context.Context, s store.Store, path string) (*models.Codebase, error) {
	if envCodebase != "" {
		return resolveCodebase(ctx, s, envCodebase)
	}

	gc := git.NewClient()
	common, err := gc.GitCommonDir(path)
	if err != nil {
		return nil, fmt.Errorf("not a git worktree: %s", path)
	}
	repoRoot := filepath.Dir(common)
	if cb, err := s.GetCodebaseByPath(ctx, repoRoot); err == nil {
		return cb, nil
	}
	return nil, fmt.Errorf("no registered codebase owns %s (use --codebase)", path)
}
