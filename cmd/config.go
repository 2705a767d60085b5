package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "dispatch"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage dispatch configuration.

Running bare 'dispatch config' is the same as 'dispatch config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# dispatch configuration
# See: dispatch config show (for effective values and sources)

# State/data directory (default: ~/.config/dispatch)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/dispatch/dispatch.db)
# db_path: {{ .DBPath }}

# Where 'codebase add' clones repositories (default: ~/dispatch)
# workspace_dir: {{ .WorkspaceDir }}

# Codebase new conversations bind to when more than one is registered
# default_codebase: "{{ .DefaultCodebase }}"

# AI backends
backend:
  # Backend for new conversations: claude-cli or anthropic
  default: "{{ .BackendDefault }}"

  # Binary the claude-cli backend spawns
  claude_binary: "{{ .ClaudeBinary }}"

anthropic:
  # API key for the anthropic backend (empty disables it)
  api_key: "{{ .AnthropicAPIKey }}"

# Environment limits
environments:
  # Active environments allowed per codebase (codebase setting overrides)
  max_per_codebase: {{ .MaxPerCodebase }}

# Cleanup reconciler
cleanup:
  # Idle time before an unmerged environment counts as stale
  stale_after: "{{ .StaleAfter }}"

  # How often 'serve' runs a cleanup pass
  interval: "{{ .CleanupInterval }}"

# Backend exchanges
exchange:
  # One exchange may run at most this long
  timeout: "{{ .ExchangeTimeout }}"

  # Concurrent exchanges across all conversations
  global_limit: {{ .GlobalLimit }}

# Ops API
serve:
  http_addr: "{{ .HTTPAddr }}"
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	WorkspaceDir    string
	DefaultCodebase string
	BackendDefault  string
	ClaudeBinary    string
	AnthropicAPIKey string
	MaxPerCodebase  int
	StaleAfter      string
	CleanupInterval string
	ExchangeTimeout string
	GlobalLimit     int
	HTTPAddr        string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		WorkspaceDir:    viper.GetString("workspace_dir"),
		DefaultCodebase: viper.GetString("default_codebase"),
		BackendDefault:  viper.GetString("backend.default"),
		ClaudeBinary:    viper.GetString("backend.claude_binary"),
		AnthropicAPIKey: viper.GetString("anthropic.api_key"),
		MaxPerCodebase:  viper.GetInt("environments.max_per_codebase"),
		StaleAfter:      viper.GetString("cleanup.stale_after"),
		CleanupInterval: viper.GetString("cleanup.interval"),
		ExchangeTimeout: viper.GetString("exchange.timeout"),
		GlobalLimit:     viper.GetInt("exchange.global_limit"),
		HTTPAddr:        viper.GetString("serve.http_addr"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "DISPATCH_STATE_DIR"},
	{Key: "db_path", EnvVar: "DISPATCH_DB_PATH"},
	{Key: "workspace_dir", EnvVar: "DISPATCH_WORKSPACE_DIR"},
	{Key: "default_codebase", EnvVar: "DISPATCH_DEFAULT_CODEBASE"},
	{Key: "backend.default", EnvVar: "DISPATCH_BACKEND_DEFAULT"},
	{Key: "backend.claude_binary", EnvVar: "DISPATCH_BACKEND_CLAUDE_BINARY"},
	{Key: "backend.model", EnvVar: "DISPATCH_BACKEND_MODEL"},
	{Key: "anthropic.api_key", EnvVar: "DISPATCH_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "DISPATCH_ANTHROPIC_MODEL"},
	{Key: "environments.max_per_codebase", EnvVar: "DISPATCH_ENVIRONMENTS_MAX_PER_CODEBASE"},
	{Key: "cleanup.stale_after", EnvVar: "DISPATCH_CLEANUP_STALE_AFTER"},
	{Key: "cleanup.interval", EnvVar: "DISPATCH_CLEANUP_INTERVAL"},
	{Key: "exchange.timeout", EnvVar: "DISPATCH_EXCHANGE_TIMEOUT"},
	{Key: "exchange.global_limit", EnvVar: "DISPATCH_EXCHANGE_GLOBAL_LIMIT"},
	{Key: "serve.http_addr", EnvVar: "DISPATCH_SERVE_HTTP_ADDR"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "anthropic.api_key" && val != "" {
			val = "(set)"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set, set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'dispatch config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
