// Package cmd wires the valet CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates the root cobra command for valet.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "valet",
		Short: "Autonomous execution engine for multi-step plans",
		Long: `Valet drives a multi-step plan to completion: it schedules steps
along their dependency graph, classifies failures, applies correction
strategies along an escalation ladder, learns from repeated failures,
and survives crashes via checkpoints.

Plans are supplied as YAML or Markdown files, already decomposed into
steps. Configuration is loaded from .valet/config.yaml if present;
CLI flags override configuration file settings.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewSessionsCommand())

	return cmd
}

// defaultConfigPath is where configuration is looked up when --config
// is not given.
const defaultConfigPath = ".valet/config.yaml"
