package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dmarsh/valet/internal/parser"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan file without executing it",
		Long: `Parse a YAML or Markdown plan file and report its structure.
Fails when the plan has missing fields, unknown dependencies, or
dependency cycles.`,
		Args: cobra.ExactArgs(1),
		RunE: validateCommand,
	}
}

func validateCommand(cmd *cobra.Command, args []string) error {
	pf, err := parser.ParseFile(args[0])
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	out := cmd.OutOrStdout()
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Fprintf(out, "%s %s\n", green("✓"), args[0])
	fmt.Fprintf(out, "Goal: %s (%s, priority %s)\n", bold(pf.Goal.Description), pf.Goal.ID, pf.Goal.Priority)
	if len(pf.Goal.SuccessCriteria) > 0 {
		fmt.Fprintf(out, "Success criteria: %s\n", strings.Join(pf.Goal.SuccessCriteria, "; "))
	}
	fmt.Fprintf(out, "Plan %s: %d steps\n", pf.Plan.ID, len(pf.Plan.Steps))

	for _, step := range pf.Plan.Steps {
		tool := step.Tool
		if tool == "" {
			tool = "(no tool)"
		}
		deps := "-"
		if len(step.DependsOn) > 0 {
			deps = strings.Join(step.DependsOn, ", ")
		}
		fmt.Fprintf(out, "  %2d. %s  %s  tool=%s  deps=%s\n", step.Order, bold(step.ID), step.Description, tool, deps)
	}
	return nil
}
