package parser

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/dmarsh/valet/internal/models"
)

// Markdown plan format:
//
//	---
//	goal:
//	  description: Book a table for Friday
//	  priority: high
//	---
//
//	## Step find: Find a restaurant
//	- Tool: http_get
//	- Depends on: none
//	- Max retries: 2
//
//	```yaml
//	url: https://example.com/search
//	```
//
// Level-2 headings of the form "Step <id>: <description>" open a step;
// bullet lines carry metadata and an optional fenced yaml block holds
// the tool arguments. Step order follows document order.

var stepHeadingPattern = regexp.MustCompile(`^Step\s+([a-zA-Z0-9_.-]+):\s+(.+)$`)

// markdownFrontmatter mirrors the goal section of the frontmatter.
type markdownFrontmatter struct {
	Goal struct {
		ID              string   `yaml:"id"`
		Description     string   `yaml:"description"`
		Priority        string   `yaml:"priority"`
		Constraints     []string `yaml:"constraints"`
		SuccessCriteria []string `yaml:"success_criteria"`
	} `yaml:"goal"`
	Plan struct {
		ID string `yaml:"id"`
	} `yaml:"plan"`
}

// ParseMarkdown parses a Markdown plan document.
func ParseMarkdown(r io.Reader) (*PlanFile, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	body, frontmatter := extractFrontmatter(content)

	var fm markdownFrontmatter
	if frontmatter != nil {
		if err := yaml.Unmarshal(frontmatter, &fm); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
	}

	goal := models.Goal{
		ID:              fm.Goal.ID,
		Description:     fm.Goal.Description,
		Priority:        models.GoalPriority(fm.Goal.Priority),
		Constraints:     fm.Goal.Constraints,
		SuccessCriteria: fm.Goal.SuccessCriteria,
	}
	applyGoalDefaults(&goal)
	if goal.Description == "" {
		goal.Description = firstHeading(body)
	}

	steps, err := extractSteps(body)
	if err != nil {
		return nil, err
	}

	plan := &models.Plan{
		ID:     fm.Plan.ID,
		Status: models.PlanPending,
		Steps:  steps,
	}
	return finishPlanFile(goal, plan)
}

// extractFrontmatter splits a leading "---" delimited YAML block off
// the document. Returns the body and the frontmatter (nil if absent).
func extractFrontmatter(content []byte) ([]byte, []byte) {
	lines := bytes.Split(content, []byte("\n"))
	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}
	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			return bytes.Join(lines[i+1:], []byte("\n")), bytes.Join(lines[1:i], []byte("\n"))
		}
	}
	return content, nil
}

// firstHeading returns the text of the first level-1 heading, used as
// the goal description when the frontmatter omits one.
func firstHeading(source []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	var found string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if heading, ok := n.(*ast.Heading); ok && heading.Level == 1 {
			found = extractText(heading, source)
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

// extractSteps walks the AST for step headings, then parses each step
// section line by line; the hybrid is more reliable for the metadata
// bullets than a pure AST walk.
func extractSteps(source []byte) ([]models.PlanStep, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	type section struct {
		id, description string
		start           int // Byte offset where the section body starts
	}
	var sections []section

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level != 2 {
			return ast.WalkContinue, nil
		}

		matches := stepHeadingPattern.FindStringSubmatch(extractText(heading, source))
		if len(matches) != 3 {
			return ast.WalkContinue, nil
		}

		start := 0
		if lines := heading.Lines(); lines.Len() > 0 {
			start = lines.At(lines.Len() - 1).Stop
		}
		sections = append(sections, section{id: matches[1], description: matches[2], start: start})
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}

	steps := make([]models.PlanStep, 0, len(sections))
	for i, sec := range sections {
		// Section body runs to the next level-2 heading
		end := len(source)
		if i+1 < len(sections) {
			if next := bytes.Index(source[sec.start:], []byte("\n## ")); next >= 0 {
				end = sec.start + next
			}
		}

		step := models.PlanStep{
			ID:          sec.id,
			Order:       i + 1,
			Description: sec.description,
			Status:      models.StepPending,
			MaxRetries:  defaultMaxRetries,
		}
		if err := parseStepSection(&step, string(source[sec.start:end])); err != nil {
			return nil, fmt.Errorf("step %s: %w", sec.id, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// parseStepSection fills step metadata from the bullets and fenced yaml
// block of one section.
func parseStepSection(step *models.PlanStep, section string) error {
	lines := strings.Split(section, "\n")
	var yamlBlock []string
	inYAML := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if inYAML {
				inYAML = false
				continue
			}
			lang := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			if lang == "yaml" || lang == "yml" || lang == "" {
				inYAML = true
			}
			continue
		}
		if inYAML {
			yamlBlock = append(yamlBlock, line)
			continue
		}

		if !strings.HasPrefix(trimmed, "-") {
			continue
		}
		key, value, ok := splitMetadataBullet(trimmed)
		if !ok {
			continue
		}

		switch key {
		case "tool":
			step.Tool = value
		case "depends on", "depends-on", "depends":
			step.DependsOn = parseDependencyList(value)
		case "max retries", "max-retries":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid max retries %q", value)
			}
			step.MaxRetries = n
		}
	}

	if len(yamlBlock) > 0 {
		args := make(map[string]any)
		if err := yaml.Unmarshal([]byte(strings.Join(yamlBlock, "\n")), &args); err != nil {
			return fmt.Errorf("parse arguments block: %w", err)
		}
		step.Arguments = args
	}
	return nil
}

// splitMetadataBullet parses "- Key: value" into a lowercase key and
// its value.
func splitMetadataBullet(line string) (key, value string, ok bool) {
	body := strings.TrimSpace(strings.TrimPrefix(line, "-"))
	idx := strings.Index(body, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(body[:idx])), strings.TrimSpace(body[idx+1:]), true
}

// parseDependencyList splits "s1, s2" into ids; "none" means no deps.
func parseDependencyList(value string) []string {
	if strings.EqualFold(value, "none") || value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	deps := make([]string, 0, len(parts))
	for _, part := range parts {
		if id := strings.TrimSpace(part); id != "" {
			deps = append(deps, id)
		}
	}
	return deps
}

// extractText collects the literal text under a node.
func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := child.(*ast.Text); ok {
				sb.Write(t.Segment.Value(source))
			}
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}
