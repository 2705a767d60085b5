package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/dispatch/internal/cleanup"
	"github.com/joescharf/dispatch/internal/store"
)

var (
	cleanupMerged bool
	cleanupStale  bool
	cleanupEnvID  string
	cleanupForce  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reclaim merged and stale environments",
	Long: `Run a cleanup pass over all codebases.

Removes environments whose branch has merged into the main branch, or whose
work has gone stale. Environments with uncommitted changes, attached
conversations, or a running agent are skipped. Use --env to remove a single
environment by ID.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupEnvID != "" {
			return cleanupOneRun(cleanupEnvID, cleanupForce)
		}
		return cleanupPassRun()
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupMerged, "merged", false, "Only reclaim merged environments")
	cleanupCmd.Flags().BoolVar(&cleanupStale, "stale", false, "Only reclaim stale environments")
	cleanupCmd.Flags().StringVar(&cleanupEnvID, "env", "", "Remove a single environment by ID")
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Override safety checks (with --env)")
	rootCmd.AddCommand(cleanupCmd)
}

func cleanupScope() cleanup.Scope {
	switch {
	case cleanupMerged && !cleanupStale:
		return cleanup.ScopeMerged
	case cleanupStale && !cleanupMerged:
		return cleanup.ScopeStale
	}
	return cleanup.ScopeAll
}

func cleanupPassRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	scope := cleanupScope()
	_, r := buildSandbox(s)

	if dryRun {
		summaries, err := r.Summary(ctx)
		if err != nil {
			return err
		}
		for _, sum := range summaries {
			merged, stale := sum.ReclaimableMerged, sum.ReclaimableStale
			if scope == cleanup.ScopeMerged {
				stale = 0
			}
			if scope == cleanup.ScopeStale {
				merged = 0
			}
			if merged+stale == 0 {
				continue
			}
			ui.DryRunMsg("Would reclaim %d environment(s) in %s (%d merged, %d stale)",
				merged+stale, sum.Name, merged, stale)
		}
		return nil
	}

	result, err := r.RunPass(ctx, scope)
	if err != nil {
		return err
	}

	for _, id := range result.Removed {
		ui.Success("Removed environment %s", id)
	}
	for _, sk := range result.Skipped {
		ui.Warning("Skipped %s (%s): %s", sk.EnvID, sk.Branch, sk.Reason)
	}
	if len(result.Removed) == 0 && len(result.Skipped) == 0 {
		ui.Info("Nothing to reclaim.")
	}
	return nil
}

func cleanupOneRun(envID string, force bool) error {
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
	if err := r.RemoveOne(ctx, envID, force); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("environment not found: %s", envID)
		}
		return err
	}

	ui.Success("Removed environment %s", envID)
	return nil
}
