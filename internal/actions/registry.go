// Package actions provides the built-in step implementations and the
// registry that resolves `uses` references onto them.
package actions

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"blockci/internal/core"
)

var aliases = map[string]string{
	"setup-python": "setup-runtime",
	"setup-go":     "setup-runtime",
	"setup-node":   "setup-runtime",
	"setup-java":   "setup-runtime",

	"codecov-action": "coverage-upload",
}

// Normalize reduces a reference such as "actions/cache@v2" to its
// registry name, "cache".
func Normalize(uses string) string {
	name := uses
	if i := strings.LastIndex(name, "@"); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(name)
	if a, ok := aliases[name]; ok {
		return a
	}
	return name
}

// Registry maps action names to implementations. It satisfies
// core.ActionResolver.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]core.Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]core.Action)}
}

// Register adds or replaces the action called name.
func (r *Registry) Register(name string, a core.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[Normalize(name)] = a
}

func (r *Registry) Resolve(uses string) (core.Action, error) {
	if strings.HasPrefix(uses, "./") || strings.HasPrefix(uses, "docker://") {
		return nil, fmt.Errorf("unsupported action reference %q", uses)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.actions[Normalize(uses)]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown action %q", uses)
}

// Names lists registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
