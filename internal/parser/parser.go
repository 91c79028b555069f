// Package parser reads plan files. Plans are supplied already
// decomposed into steps, as YAML documents or Markdown documents with
// YAML frontmatter.
package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dmarsh/valet/internal/models"
)

// defaultMaxRetries applies when a step omits max_retries.
const defaultMaxRetries = 3

// PlanFile is a parsed plan document: the goal plus its decomposition.
type PlanFile struct {
	Goal models.Goal
	Plan *models.Plan
}

// ParseFile parses a plan file, dispatching on extension: .yaml/.yml
// for YAML, .md/.markdown for Markdown. The returned plan is validated
// (unique ids and orders, existing dependencies, acyclic graph).
func ParseFile(path string) (*PlanFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(f)
	case ".md", ".markdown":
		return ParseMarkdown(f)
	default:
		return nil, fmt.Errorf("unsupported plan file extension %q", filepath.Ext(path))
	}
}

// yamlPlanFile mirrors the YAML plan document.
type yamlPlanFile struct {
	Goal struct {
		ID              string   `yaml:"id"`
		Description     string   `yaml:"description"`
		Priority        string   `yaml:"priority"`
		Constraints     []string `yaml:"constraints"`
		SuccessCriteria []string `yaml:"success_criteria"`
	} `yaml:"goal"`
	Plan struct {
		ID    string `yaml:"id"`
		Steps []struct {
			ID          string         `yaml:"id"`
			Order       int            `yaml:"order"`
			Description string         `yaml:"description"`
			Tool        string         `yaml:"tool"`
			Arguments   map[string]any `yaml:"arguments"`
			DependsOn   []string       `yaml:"depends_on"`
			MaxRetries  *int           `yaml:"max_retries"`
		} `yaml:"steps"`
	} `yaml:"plan"`
}

// ParseYAML parses a YAML plan document.
func ParseYAML(r io.Reader) (*PlanFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var doc yamlPlanFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan yaml: %w", err)
	}

	goal := models.Goal{
		ID:              doc.Goal.ID,
		Description:     doc.Goal.Description,
		Priority:        models.GoalPriority(doc.Goal.Priority),
		Constraints:     doc.Goal.Constraints,
		SuccessCriteria: doc.Goal.SuccessCriteria,
	}
	applyGoalDefaults(&goal)

	plan := &models.Plan{
		ID:     doc.Plan.ID,
		GoalID: goal.ID,
		Status: models.PlanPending,
	}
	for i, s := range doc.Plan.Steps {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		maxRetries := defaultMaxRetries
		if s.MaxRetries != nil {
			maxRetries = *s.MaxRetries
		}
		plan.Steps = append(plan.Steps, models.PlanStep{
			ID:          s.ID,
			Order:       order,
			Description: s.Description,
			Tool:        s.Tool,
			Arguments:   s.Arguments,
			DependsOn:   s.DependsOn,
			Status:      models.StepPending,
			MaxRetries:  maxRetries,
		})
	}

	return finishPlanFile(goal, plan)
}

// applyGoalDefaults fills generated ids and the normal priority.
func applyGoalDefaults(goal *models.Goal) {
	if goal.ID == "" {
		goal.ID = "goal-" + uuid.NewString()[:8]
	}
	if goal.Priority == "" {
		goal.Priority = models.PriorityNormal
	}
	if goal.Status == "" {
		goal.Status = models.GoalPending
	}
}

// finishPlanFile applies plan defaults and validates goal and plan.
func finishPlanFile(goal models.Goal, plan *models.Plan) (*PlanFile, error) {
	if plan.ID == "" {
		plan.ID = "plan-" + uuid.NewString()[:8]
	}
	plan.GoalID = goal.ID

	if err := goal.Validate(); err != nil {
		return nil, fmt.Errorf("invalid goal: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &PlanFile{Goal: goal, Plan: plan}, nil
}
