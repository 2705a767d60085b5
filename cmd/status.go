package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/output"
	"github.com/joescharf/dispatch/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [codebase]",
	Short: "Show environment usage across codebases",
	Long: `Show environment usage per codebase, with reclaimable counts.

Without arguments, shows a summary table of all registered codebases.
With a codebase name, shows that codebase and its active environments.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return statusDetailRun(args[0])
		}
		return statusOverviewRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusOverviewRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	_, r := buildSandbox(s)
	summaries, err := r.Summary(ctx)
	if err != nil {
		return err
	}

	if len(summaries) == 0 {
		ui.Info("No codebases registered. Use 'dispatch codebase add <url>' to get started.")
		return nil
	}

	limits := make(map[string]int)
	if codebases, err := s.ListCodebases(ctx); err == nil {
		for _, cb := range codebases {
			limits[cb.ID] = envLimit(cb)
		}
	}

	table := ui.Table([]string{"Codebase", "Environments", "Merged", "Stale"})
	for _, sum := range summaries {
		table.Append([]string{
			output.Cyan(sum.Name),
			output.UsageColor(sum.Active, limits[sum.CodebaseID]),
			fmt.Sprintf("%d", sum.ReclaimableMerged),
			fmt.Sprintf("%d", sum.ReclaimableStale),
		})
	}
	table.Render()
	return nil
}

func statusDetailRun(nameOrPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cb, err := resolveCodebase(ctx, s, nameOrPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(cb.Name))
	fmt.Fprintf(ui.Out, "  Path:    %s\n", cb.Path)
	if cb.RemoteURL != "" {
		fmt.Fprintf(ui.Out, "  Remote:  %s\n", cb.RemoteURL)
	}
	fmt.Fprintf(ui.Out, "  Branch:  %s\n", cb.MainBranch)
	if cb.DefaultBackend != "" {
		fmt.Fprintf(ui.Out, "  Backend: %s\n", cb.DefaultBackend)
	}

	active, err := s.CountActiveEnvironments(ctx, cb.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "  Usage:   %s\n", output.UsageColor(active, envLimit(cb)))
	fmt.Fprintln(ui.Out)

	envs, err := s.ListEnvironments(ctx, store.EnvFilter{
		CodebaseID: cb.ID,
		Status:     models.EnvStatusActive,
	})
	if err != nil {
		return err
	}

	if len(envs) == 0 {
		ui.Info("No active environments.")
		return nil
	}

	table := ui.Table([]string{"ID", "Workflow", "Branch", "Activity"})
	for _, env := range envs {
		table.Append([]string{
			env.ID,
			fmt.Sprintf("%s/%s", env.WorkflowType, env.WorkflowID),
			env.Branch,
			timeAgo(env.UpdatedAt),
		})
	}
	table.Render()
	return nil
}
