package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/dispatch/internal/command"
	"github.com/joescharf/dispatch/internal/git"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/output"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/store"
)

var (
	codebaseName    string
	codebasePath    string
	codebaseBranch  string
	codebaseBackend string
	codebaseMaxEnvs int
)

var codebaseCmd = &cobra.Command{
	Use:   "codebase",
	Short: "Manage registered codebases",
	Long:  "Register, list, and remove the codebases conversations can work on.",
}

var codebaseAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Register a codebase by cloning it",
	Long: `Clone a repository into the workspace directory and register it.
Use --path to register an existing local checkout instead of cloning.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var url string
		if len(args) > 0 {
			url = args[0]
		}
		return codebaseAddRun(url)
	},
}

var codebaseListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered codebases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return codebaseListRun()
	},
}

var codebaseRemoveCmd = &cobra.Command{
	Use:     "remove <name-or-path>",
	Aliases: []string{"rm"},
	Short:   "Remove a codebase from the registry",
	Long:    "Remove a codebase registration. The checkout on disk is left alone.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return codebaseRemoveRun(args[0])
	},
}

var codebaseCommandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Manage slash commands for a codebase",
}

var codebaseCommandsRegisterCmd = &cobra.Command{
	Use:   "register <codebase> <file.yaml>",
	Short: "Register slash commands from a YAML file",
	Long: `Register command templates on a codebase. Each command has a name,
an optional kind (plan, execute, or general), and one or more step prompts.
Prompts are Go templates with .Args, .Codebase, .Branch, and .Dir available.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commandsRegisterRun(args[0], args[1])
	},
}

var codebaseCommandsListCmd = &cobra.Command{
	Use:     "list <codebase>",
	Aliases: []string{"ls"},
	Short:   "List registered slash commands",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commandsListRun(args[0])
	},
}

func init() {
	codebaseAddCmd.Flags().StringVar(&codebaseName, "name", "", "Override codebase name (default: repository name)")
	codebaseAddCmd.Flags().StringVar(&codebasePath, "path", "", "Register an existing checkout instead of cloning")
	codebaseAddCmd.Flags().StringVar(&codebaseBranch, "main-branch", "", "Main branch for merge detection (default: detected)")
	codebaseAddCmd.Flags().StringVar(&codebaseBackend, "backend", "", "Default AI backend for this codebase")
	codebaseAddCmd.Flags().IntVar(&codebaseMaxEnvs, "max-environments", 0, "Environment limit (default: config environments.max_per_codebase)")

	codebaseCommandsCmd.AddCommand(codebaseCommandsRegisterCmd)
	codebaseCommandsCmd.AddCommand(codebaseCommandsListCmd)

	codebaseCmd.AddCommand(codebaseAddCmd)
	codebaseCmd.AddCommand(codebaseListCmd)
	codebaseCmd.AddCommand(codebaseRemoveCmd)
	codebaseCmd.AddCommand(codebaseCommandsCmd)
	rootCmd.AddCommand(codebaseCmd)
}

func codebaseAddRun(url string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	gc := git.NewClient()

	var path string
	switch {
	case codebasePath != "":
		abs, err := filepath.Abs(codebasePath)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("not a directory: %s", abs)
		}
		path = abs
		if url == "" {
			url, _ = gc.RemoteURL(path)
		}
	case url == "":
		return fmt.Errorf("need a repository URL or --path")
	default:
		name := codebaseName
		if name == "" {
			name = repoNameFromURL(url)
		}
		path = filepath.Join(viper.GetString("workspace_dir"), name)
		if dryRun {
			ui.DryRunMsg("Would clone %s to %s", url, path)
			return nil
		}
		ui.Info("Cloning %s...", url)
		if err := gc.Clone(url, path); err != nil {
			return fmt.Errorf("clone: %w", err)
		}
	}

	name := codebaseName
	if name == "" {
		name = filepath.Base(path)
	}

	branch := codebaseBranch
	if branch == "" {
		if b, err := gc.DefaultBranch(path); err == nil {
			branch = b
		} else if b, err := gc.CurrentBranch(path); err == nil {
			branch = b
		}
	}

	cb := &models.Codebase{
		Name:            name,
		Path:            path,
		RemoteURL:       url,
		DefaultBackend:  codebaseBackend,
		MainBranch:      branch,
		MaxEnvironments: codebaseMaxEnvs,
	}

	if dryRun {
		ui.DryRunMsg("Would register codebase: %s (%s)", name, path)
		return nil
	}

	if err := s.CreateCodebase(ctx, cb); err != nil {
		return fmt.Errorf("register codebase: %w", err)
	}

	ui.Success("Registered codebase: %s (%s)", output.Cyan(name), path)
	if branch != "" {
		ui.VerboseLog("Main branch: %s", branch)
	}
	if url != "" {
		ui.VerboseLog("Remote: %s", url)
	}
	return nil
}

func codebaseListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	codebases, err := s.ListCodebases(ctx)
	if err != nil {
		return err
	}

	if len(codebases) == 0 {
		ui.Info("No codebases registered. Use 'dispatch codebase add <url>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "Path", "Branch", "Backend", "Environments"})
	for _, cb := range codebases {
		usage := "-"
		if active, err := s.CountActiveEnvironments(ctx, cb.ID); err == nil {
			usage = output.UsageColor(active, envLimit(cb))
		}
		backend := cb.DefaultBackend
		if backend == "" {
			backend = viper.GetString("backend.default")
		}
		table.Append([]string{
			output.Cyan(cb.Name),
			cb.Path,
			cb.MainBranch,
			backend,
			usage,
		})
	}
	table.Render()
	return nil
}

func codebaseRemoveRun(nameOrPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cb, err := resolveCodebase(ctx, s, nameOrPath)
	if err != nil {
		return err
	}

	active, err := s.CountActiveEnvironments(ctx, cb.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("codebase %s has %d active environment(s), run 'dispatch cleanup' first", cb.Name, active)
	}

	if dryRun {
		ui.DryRunMsg("Would remove codebase: %s", cb.Name)
		return nil
	}

	if err := s.DeleteCodebase(ctx, cb.ID); err != nil {
		return fmt.Errorf("remove codebase: %w", err)
	}

	ui.Success("Removed codebase: %s", output.Cyan(cb.Name))
	return nil
}

func commandsRegisterRun(codebaseRef, file string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cb, err := resolveCodebase(ctx, s, codebaseRef)
	if err != nil {
		return err
	}

	defs, err := command.LoadFile(file)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return fmt.Errorf("no commands in %s", file)
	}

	if dryRun {
		for _, def := range defs {
			ui.DryRunMsg("Would register /%s (%s, %d step(s))", def.Name, def.Kind, len(def.Steps))
		}
		return nil
	}

	if cb.Commands == nil {
		cb.Commands = make(map[string]models.CommandDef)
	}
	for _, def := range defs {
		cb.Commands[def.Name] = def
	}

	if err := s.UpdateCodebase(ctx, cb); err != nil {
		return fmt.Errorf("update codebase: %w", err)
	}

	ui.Success("Registered %d command(s) for %s", len(defs), output.Cyan(cb.Name))
	return nil
}

func commandsListRun(codebaseRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	cb, err := resolveCodebase(ctx, s, codebaseRef)
	if err != nil {
		return err
	}

	if len(cb.Commands) == 0 {
		ui.Info("No commands registered for %s", cb.Name)
		return nil
	}

	names := make([]string, 0, len(cb.Commands))
	for name := range cb.Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	table := ui.Table([]string{"Command", "Kind", "Steps", "Description"})
	for _, name := range names {
		def := cb.Commands[name]
		table.Append([]string{
			output.Cyan("/" + name),
			string(def.Kind),
			fmt.Sprintf("%d", len(def.Steps)),
			def.Description,
		})
	}
	table.Render()
	return nil
}

// resolveCodebase finds a codebase by name or path.
func resolveCodebase(ctx context.Context, s store.Store, nameOrPath string) (*models.Codebase, error) {
	if cb, err := s.GetCodebaseByName(ctx, nameOrPath); err == nil {
		return cb, nil
	}

	absPath, _ := filepath.Abs(nameOrPath)
	if cb, err := s.GetCodebaseByPath(ctx, absPath); err == nil {
		return cb, nil
	}

	return nil, fmt.Errorf("codebase not found: %s", nameOrPath)
}

// defaultCodebase picks the codebase for commands where --codebase is
// optional: the flag, then the configured default, then a sole registration.
func defaultCodebase(ctx context.Context, s store.Store, ref string) (*models.Codebase, error) {
	if ref != "" {
		return resolveCodebase(ctx, s, ref)
	}
	if name := viper.GetString("default_codebase"); name != "" {
		return resolveCodebase(ctx, s, name)
	}

	codebases, err := s.ListCodebases(ctx)
	if err != nil {
		return nil, err
	}
	if len(codebases) == 1 {
		return codebases[0], nil
	}
	return nil, fmt.Errorf("no codebase specified (use --codebase or set default_codebase)")
}

// codebaseNames maps codebase IDs to display names.
func codebaseNames(ctx context.Context, s store.Store) map[string]string {
	names := make(map[string]string)
	codebases, err := s.ListCodebases(ctx)
	if err != nil {
		return names
	}
	for _, cb := range codebases {
		names[cb.ID] = cb.Name
	}
	return names
}

// envLimit is the effective environment cap for a codebase.
func envLimit(cb *models.Codebase) int {
	if cb.MaxEnvironments > 0 {
		return cb.MaxEnvironments
	}
	if n := viper.GetInt("environments.max_per_codebase"); n > 0 {
		return n
	}
	return sandbox.DefaultMaxEnvironments
}

// repoNameFromURL derives a directory name from a clone URL.
func repoNameFromURL(url string) string {
	name := strings.TrimSuffix(filepath.Base(url), ".git")
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
