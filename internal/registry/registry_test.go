package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndExport(t *testing.T) {
	r := NewInMemory()
	r.Set("city", "Berlin", SetOptions{SourceID: "step-1"})
	r.Set("count", 3, SetOptions{Scope: ScopeSession})

	vars := r.Export()
	assert.Equal(t, "Berlin", vars["city"])
	assert.Equal(t, 3, vars["count"])
}

func TestClearScope(t *testing.T) {
	r := NewInMemory()
	r.Set("a", 1, SetOptions{Scope: ScopeExecution})
	r.Set("b", 2, SetOptions{Scope: ScopeSession})

	r.ClearScope(ScopeExecution)
	vars := r.Export()
	assert.NotContains(t, vars, "a")
	assert.Equal(t, 2, vars["b"])
}

func TestResolveArgumentsWholePlaceholderKeepsType(t *testing.T) {
	r := NewInMemory()
	vars := map[string]any{"items": []any{"a", "b"}}

	resolved := r.ResolveArguments(map[string]any{"list": "{{items}}"}, vars)
	assert.Equal(t, []any{"a", "b"}, resolved["list"])
}

func TestResolveArgumentsEmbeddedPlaceholderStringifies(t *testing.T) {
	r := NewInMemory()
	vars := map[string]any{"city": "Berlin", "days": 3}

	resolved := r.ResolveArguments(map[string]any{
		"query": "weather in {{city}} for {{days}} days",
	}, vars)
	assert.Equal(t, "weather in Berlin for 3 days", resolved["query"])
}

func TestResolveArgumentsUnknownNameLeftAsIs(t *testing.T) {
	r := NewInMemory()

	resolved := r.ResolveArguments(map[string]any{"q": "{{missing}}"}, nil)
	assert.Equal(t, "{{missing}}", resolved["q"])
}

func TestResolveArgumentsNested(t *testing.T) {
	r := NewInMemory()
	vars := map[string]any{"token": "abc"}

	resolved := r.ResolveArguments(map[string]any{
		"headers": map[string]any{"auth": "Bearer {{token}}"},
		"tags":    []any{"{{token}}", "static"},
	}, vars)

	headers := resolved["headers"].(map[string]any)
	assert.Equal(t, "Bearer abc", headers["auth"])
	assert.Equal(t, []any{"abc", "static"}, resolved["tags"])
}
