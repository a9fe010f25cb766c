// Package tools holds the capability registry the agent and the task
// engine draw from. Tools are registered once at startup and bound to a
// concrete user per run, so a long-lived worker can serve jobs owned by
// different users without leaking one user's binding into the next run.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicate is returned when a tool name is registered twice.
	ErrDuplicate = errors.New("tool already registered")

	// ErrUnknownTool is returned when a lookup names no registered tool.
	ErrUnknownTool = errors.New("unknown tool")
)

// Func executes a tool on behalf of userID. Arguments arrive as a loose
// map; each tool validates its own.
type Func func(ctx context.Context, userID string, args map[string]any) (string, error)

// Tool is a named capability exposed to the agent.
type Tool struct {
	Name        string
	Description string
	Run         Func
}

// Bound is a Tool fixed to one user for the duration of a run.
type Bound struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args map[string]any) (string, error)
}

// Registry is a concurrency-safe set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t to the registry. Names are unique; registering the
// same name twice is a wiring bug surfaced as ErrDuplicate.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name must not be empty")
	}
	if t.Run == nil {
		return fmt.Errorf("tool %q has no run function", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%q: %w", t.Name, ErrDuplicate)
	}
	r.tools[t.Name] = t
	return nil
}

// Bind returns a fresh map of all tools fixed to userID. The map is
// built per call; callers may mutate it without affecting the registry
// or other runs.
func (r *Registry) Bind(userID string) map[string]Bound {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound := make(map[string]Bound, len(r.tools))
	for name, t := range r.tools {
		run := t.Run
		bound[name] = Bound{
			Name:        t.Name,
			Description: t.Description,
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return run(ctx, userID, args)
			},
		}
	}
	return bound
}

// Names lists registered tool names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
