package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/dispatch/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	Long: `Run a Model Context Protocol server over stdin/stdout, exposing
dispatch tools (status, cleanup, environment create/list/remove) to MCP
clients. Register it with:

  claude mcp add dispatch -- dispatch mcp`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		m, r := buildSandbox(s)
		return mcp.NewServer(s, m, r).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
