// Package registry maps names to captured step outputs and resolves
// tool arguments against them.
package registry

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Scopes a variable can be set under.
const (
	ScopeGlobal    = "global"
	ScopeSession   = "session"
	ScopeExecution = "execution"
)

// SetOptions carries metadata for a variable write.
type SetOptions struct {
	Scope    string // global, session, or execution
	SourceID string // Step or session the value came from
}

// Registry is the variable store consumed by the step executor.
type Registry interface {
	// Set stores a value under a name.
	Set(name string, value any, opts SetOptions)

	// Export returns a snapshot of all visible variables.
	Export() map[string]any

	// ResolveArguments substitutes {{name}} placeholders in argument
	// values from the merged variable map.
	ResolveArguments(args map[string]any, vars map[string]any) map[string]any
}

// entry is one stored variable with its metadata.
type entry struct {
	value    any
	scope    string
	sourceID string
}

// InMemory is a mutex-guarded in-process Registry.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewInMemory creates an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]entry)}
}

// Set stores a value under a name. An empty scope defaults to execution.
func (r *InMemory) Set(name string, value any, opts SetOptions) {
	if opts.Scope == "" {
		opts.Scope = ScopeExecution
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{value: value, scope: opts.Scope, sourceID: opts.SourceID}
}

// Export returns a snapshot of all variables.
func (r *InMemory) Export() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]any, len(r.entries))
	for name, e := range r.entries {
		result[name] = e.value
	}
	return result
}

// ClearScope removes all variables set under one scope.
func (r *InMemory) ClearScope(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, e := range r.entries {
		if e.scope == scope {
			delete(r.entries, name)
		}
	}
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// ResolveArguments substitutes {{name}} placeholders in string argument
// values from vars. A value that is exactly one placeholder resolves to
// the raw variable (preserving its type); placeholders embedded in
// larger strings are stringified. Unknown names are left as-is.
func (r *InMemory) ResolveArguments(args map[string]any, vars map[string]any) map[string]any {
	if args == nil {
		return nil
	}

	resolved := make(map[string]any, len(args))
	for key, value := range args {
		resolved[key] = resolveValue(value, vars)
	}
	return resolved
}

// resolveValue resolves one argument value, recursing into nested maps
// and slices.
func resolveValue(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, vars)
	case map[string]any:
		nested := make(map[string]any, len(v))
		for key, inner := range v {
			nested[key] = resolveValue(inner, vars)
		}
		return nested
	case []any:
		nested := make([]any, len(v))
		for i, inner := range v {
			nested[i] = resolveValue(inner, vars)
		}
		return nested
	default:
		return value
	}
}

func resolveString(s string, vars map[string]any) any {
	// Whole-string placeholder: preserve the variable's type
	if match := placeholderPattern.FindStringSubmatch(s); match != nil && strings.TrimSpace(s) == match[0] {
		if value, ok := vars[match[1]]; ok {
			return value
		}
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(placeholder string) string {
		name := placeholderPattern.FindStringSubmatch(placeholder)[1]
		if value, ok := vars[name]; ok {
			return fmt.Sprintf("%v", value)
		}
		return placeholder
	})
}
