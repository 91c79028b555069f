package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarsh/valet/internal/models"
)

const markdownPlan = `---
goal:
  id: g1
  description: Book a table for Friday
  priority: high
plan:
  id: p1
---

# Friday dinner

## Step find: Find a restaurant
- Tool: http_get
- Max retries: 2

` + "```yaml" + `
url: https://example.com/search
query: italian
` + "```" + `

## Step book: Book the table
- Tool: http_get
- Depends on: find

## Step confirm: Confirm with the user
- Depends on: book
`

func TestParseMarkdownPlan(t *testing.T) {
	pf, err := ParseMarkdown(strings.NewReader(markdownPlan))
	require.NoError(t, err)

	assert.Equal(t, "g1", pf.Goal.ID)
	assert.Equal(t, models.PriorityHigh, pf.Goal.Priority)
	assert.Equal(t, "p1", pf.Plan.ID)

	require.Len(t, pf.Plan.Steps, 3)

	find := pf.Plan.Steps[0]
	assert.Equal(t, "find", find.ID)
	assert.Equal(t, 1, find.Order)
	assert.Equal(t, "Find a restaurant", find.Description)
	assert.Equal(t, "http_get", find.Tool)
	assert.Equal(t, 2, find.MaxRetries)
	assert.Equal(t, "https://example.com/search", find.Arguments["url"])
	assert.Equal(t, "italian", find.Arguments["query"])

	book := pf.Plan.Steps[1]
	assert.Equal(t, []string{"find"}, book.DependsOn)
	assert.Equal(t, 3, book.MaxRetries) // Default

	// Bookkeeping step without a tool
	confirm := pf.Plan.Steps[2]
	assert.Empty(t, confirm.Tool)
	assert.Equal(t, []string{"book"}, confirm.DependsOn)
}

func TestParseMarkdownGoalFromHeading(t *testing.T) {
	doc := `# Water the plants

## Step water: Water everything
- Tool: noop
`
	pf, err := ParseMarkdown(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "Water the plants", pf.Goal.Description)
	assert.NotEmpty(t, pf.Goal.ID)
}

func TestParseMarkdownDependsOnNone(t *testing.T) {
	doc := `# Plan

## Step a: First
- Depends on: none
`
	pf, err := ParseMarkdown(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Empty(t, pf.Plan.Steps[0].DependsOn)
}

func TestParseMarkdownUnknownDependencyFails(t *testing.T) {
	doc := `# Plan

## Step a: First
- Depends on: ghost
`
	_, err := ParseMarkdown(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-existent")
}

func TestParseMarkdownNoStepsFails(t *testing.T) {
	_, err := ParseMarkdown(strings.NewReader("# Just a title\n\nProse only.\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps")
}
