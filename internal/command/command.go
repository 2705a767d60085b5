// Package command loads, parses, and renders the slash commands registered on
// a codebase. Command definitions are data on the codebase record; this
// package owns the file format and the template semantics.
package command

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/dispatch/internal/models"
)

// ResetName is the built-in command that discards the active session.
const ResetName = "reset"

// commandFile is the on-disk yaml shape for registering commands.
type commandFile struct {
	Commands []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Kind        string `yaml:"kind"`
		Steps       []struct {
			Prompt string `yaml:"prompt"`
		} `yaml:"steps"`
	} `yaml:"commands"`
}

// LoadFile reads command definitions from a yaml file.
func LoadFile(path string) ([]models.CommandDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command file: %w", err)
	}

	var parsed commandFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse command file: %w", err)
	}

	var defs []models.CommandDef
	for _, c := range parsed.Commands {
		if c.Name == "" {
			return nil, fmt.Errorf("command file %s: command without a name", path)
		}
		if c.Name == ResetName {
			return nil, fmt.Errorf("command file %s: %q is reserved", path, ResetName)
		}
		if len(c.Steps) == 0 {
			return nil, fmt.Errorf("command %q has no steps", c.Name)
		}
		def := models.CommandDef{
			Name:        c.Name,
			Description: c.Description,
			Kind:        models.CommandKind(c.Kind),
		}
		if def.Kind == "" {
			def.Kind = models.CommandKindGeneral
		}
		switch def.Kind {
		case models.CommandKindPlan, models.CommandKindExecute, models.CommandKindGeneral:
		default:
			return nil, fmt.Errorf("command %q: unknown kind %q", c.Name, c.Kind)
		}
		for _, s := range c.Steps {
			if strings.TrimSpace(s.Prompt) == "" {
				return nil, fmt.Errorf("command %q has an empty step prompt", c.Name)
			}
			def.Steps = append(def.Steps, models.CommandStep{Prompt: s.Prompt})
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Parse splits an inbound message into a command invocation. Messages that do
// not start with "/" are free text, not commands.
func Parse(text string) (name, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, " ", 2)
	name = parts[0]
	if len(parts) == 2 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args, true
}

// Classify determines the lifecycle kind for a command name. A registered
// definition's explicit kind wins; otherwise the name prefix decides, so
// plan/execute conventions work without registration.
func Classify(def *models.CommandDef, name string) models.CommandKind {
	if def != nil && def.Kind != "" {
		return def.Kind
	}
	switch {
	case hasKindPrefix(name, "plan"):
		return models.CommandKindPlan
	case hasKindPrefix(name, "execute"):
		return models.CommandKindExecute
	}
	return models.CommandKindGeneral
}

func hasKindPrefix(name, prefix string) bool {
	if name == prefix {
		return true
	}
	return strings.HasPrefix(name, prefix+"-") || strings.HasPrefix(name, prefix+"_")
}

// Data is the context available to command prompt templates.
type Data struct {
	Args     string
	Codebase string
	Branch   string
	Dir      string
}

// Render executes one step's prompt template against the invocation data.
func Render(def *models.CommandDef, step int, data Data) (string, error) {
	if step < 0 || step >= len(def.Steps) {
		return "", fmt.Errorf("command %q: step %d out of range", def.Name, step)
	}
	tmpl, err := template.New(def.Name).Parse(def.Steps[step].Prompt)
	if err != nil {
		return "", fmt.Errorf("command %q: parse template: %w", def.Name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("command %q: render template: %w", def.Name, err)
	}
	return b.String(), nil
}
