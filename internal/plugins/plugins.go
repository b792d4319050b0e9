// Package plugins implements the loader plugin registry. A plugin declares a
// match pattern tested against the raw specifier and an async transform; the
// first matching plugin wins and at most one plugin transform applies per
// module.
package plugins

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/veloframe/velo/internal/types"
)

// Result is the output of a plugin transform.
type Result struct {
	// Code is the transformed output text.
	Code string
	// Loader reassigns the module's loader kind, letting the standard chain
	// finish the job (e.g. a .vue plugin emitting script output).
	Loader types.LoaderKind
}

// TransformFunc maps raw source bytes to transformed output.
type TransformFunc func(ctx context.Context, raw []byte, specifier string) (*Result, error)

// Plugin is one registered loader plugin.
type Plugin struct {
	// Name identifies the plugin in logs and errors.
	Name string
	// Test is matched against the raw specifier.
	Test *regexp.Regexp
	// Transform produces the plugin's output for a claimed specifier.
	Transform TransformFunc
}

// Registry holds registered loader plugins in registration order.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a plugin. Registration order decides match precedence.
func (r *Registry) Register(p Plugin) error {
	if p.Name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if p.Test == nil {
		return fmt.Errorf("plugin %s: match pattern must not be nil", p.Name)
	}
	if p.Transform == nil {
		return fmt.Errorf("plugin %s: transform must not be nil", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.plugins {
		if existing.Name == p.Name {
			return fmt.Errorf("plugin %s: already registered", p.Name)
		}
	}
	r.plugins = append(r.plugins, p)
	return nil
}

// Match reports whether any registered plugin claims the specifier.
func (r *Registry) Match(specifier string) bool {
	_, ok := r.Find(specifier)
	return ok
}

// Find returns the first plugin whose pattern matches the specifier.
func (r *Registry) Find(specifier string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.plugins {
		if r.plugins[i].Test.MatchString(specifier) {
			return &r.plugins[i], true
		}
	}
	return nil, false
}

// Names returns the registered plugin names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name
	}
	return names
}
