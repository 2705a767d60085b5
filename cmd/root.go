package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/dispatch/internal/cleanup"
	"github.com/joescharf/dispatch/internal/git"
	"github.com/joescharf/dispatch/internal/output"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Route conversations to AI coding agents in isolated worktrees",
	Long: `dispatch connects chat conversations to AI coding backends.
Each unit of work (issue, PR, task, thread) gets its own git worktree,
and a reconciler reclaims worktrees once the work has merged or gone stale.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/dispatch/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "dispatch")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DISPATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "dispatch")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "dispatch.db"))
	viper.SetDefault("workspace_dir", filepath.Join(home, "dispatch"))
	viper.SetDefault("default_codebase", "")
	viper.SetDefault("backend.default", "claude-cli")
	viper.SetDefault("backend.claude_binary", "claude")
	viper.SetDefault("backend.model", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "")
	viper.SetDefault("environments.max_per_codebase", sandbox.DefaultMaxEnvironments)
	viper.SetDefault("cleanup.stale_after", "336h")
	viper.SetDefault("cleanup.interval", "1h")
	viper.SetDefault("exchange.timeout", "10m")
	viper.SetDefault("exchange.global_limit", 10)
	viper.SetDefault("serve.http_addr", ":8787")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The store opens lazily so config/version commands run without a db.
}

// rootRun handles `dispatch` with no subcommand: show the status overview.
func rootRun(cmd *cobra.Command) error {
	if _, err := getStore(); err != nil {
		return cmd.Help()
	}
	return statusOverviewRun()
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// buildSandbox wires the environment manager with the cleanup reconciler
// attached as its limit reclaimer, the same pairing serve runs with.
func buildSandbox(s store.Store) (*sandbox.Manager, *cleanup.Reconciler) {
	logger := cliLogger()
	g := git.NewClient()

	providers := sandbox.NewProviderRegistry()
	providers.Register(sandbox.NewWorktreeProvider(g, logger))

	m := sandbox.NewManager(s, providers, g, logger, sandbox.Config{
		MaxEnvironments: viper.GetInt("environments.max_per_codebase"),
	})
	r := cleanup.NewReconciler(s, g, m, sandbox.NewProcessProbe(), logger, cleanup.Config{
		StaleAfter: viper.GetDuration("cleanup.stale_after"),
	})
	m.SetReclaimer(r)
	return m, r
}

// cliLogger keeps component logs out of CLI output unless --verbose.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
