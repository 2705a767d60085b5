package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/dispatch/internal/output"
	"github.com/joescharf/dispatch/internal/store"
)

var conversationCodebase string

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Inspect and reset platform conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return conversationListRun()
	},
}

var conversationListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return conversationListRun()
	},
}

var conversationResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Drop a conversation's resumable AI session",
	Long:  "Deactivate the conversation's sessions so its next message starts a fresh AI context.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return conversationResetRun(args[0])
	},
}

func init() {
	conversationListCmd.Flags().StringVar(&conversationCodebase, "codebase", "", "Filter by codebase name or path")

	conversationCmd.AddCommand(conversationListCmd)
	conversationCmd.AddCommand(conversationResetCmd)
	rootCmd.AddCommand(conversationCmd)
}

func conversationListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	codebaseID := ""
	if conversationCodebase != "" {
		cb, err := resolveCodebase(ctx, s, conversationCodebase)
		if err != nil {
			return err
		}
		codebaseID = cb.ID
	}

	convs, err := s.ListConversations(ctx, codebaseID)
	if err != nil {
		return err
	}

	if len(convs) == 0 {
		ui.Info("No conversations.")
		return nil
	}

	names := codebaseNames(ctx, s)

	table := ui.Table([]string{"ID", "Platform", "Codebase", "Backend", "Activity"})
	for _, c := range convs {
		name := names[c.CodebaseID]
		if name == "" {
			name = c.CodebaseID
		}
		table.Append([]string{
			c.ID,
			fmt.Sprintf("%s/%s", c.PlatformType, c.PlatformID),
			output.Cyan(name),
			c.BackendType,
			timeAgo(c.LastActiveAt),
		})
	}
	table.Render()
	return nil
}

func conversationResetRun(conversationID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conversation not found: %s", conversationID)
		}
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would reset sessions for conversation %s", conv.ID)
		return nil
	}

	n, err := s.DeactivateSessions(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}

	if n == 0 {
		ui.Info("No active sessions for conversation %s", conv.ID)
		return nil
	}
	ui.Success("Reset %d session(s) for conversation %s", n, conv.ID)
	return nil
}
