// Package types provides common type definitions used throughout the Velo CLI.
// This package contains shared types to avoid circular dependencies between packages.
package types

import (
	"strings"
	"time"
)

// LoaderKind identifies the transform applied to a module's source.
type LoaderKind string

const (
	LoaderScript     LoaderKind = "script"
	LoaderStylesheet LoaderKind = "stylesheet"
	LoaderMarkdown   LoaderKind = "markdown"
	LoaderPlugin     LoaderKind = "plugin"
)

// Synthetic specifier markers. Dependencies whose specifier begins with one
// of these prefixes are pseudo-edges: they never resolve to a real module and
// their hash is the content hash of the directive payload itself.
const (
	MarkerInlineStyle = "#inline-style-"
	MarkerData        = "#data-"
)

// IsSyntheticSpecifier reports whether a raw specifier names an inline-style
// or data-fetch pseudo-dependency rather than a real import.
func IsSyntheticSpecifier(specifier string) bool {
	return strings.HasPrefix(specifier, MarkerInlineStyle) ||
		strings.HasPrefix(specifier, MarkerData)
}

// DependencyEdge is a directed reference from a module to the specifier it
// imports, annotated with the hash used for staleness detection.
type DependencyEdge struct {
	// TargetURL is the resolved source URL of the dependency, or the raw
	// synthetic marker for inline-style/data pseudo-edges.
	TargetURL string `json:"targetUrl"`
	// TargetHash is the last-observed output hash of the target. A mismatch
	// with the target module's current output hash triggers propagation.
	TargetHash string `json:"targetHash"`
	// IsDynamic marks a lazy/conditional import.
	IsDynamic bool `json:"isDynamic,omitempty"`
	// IsStyleData marks an inline-style or data pseudo-dependency.
	IsStyleData bool `json:"isStyleData,omitempty"`
	// IsExternal marks a dependency whose resolution is intentionally
	// skipped, e.g. served verbatim from a CDN.
	IsExternal bool `json:"isExternal,omitempty"`
}

// Module is one compiled unit of source tracked by the module graph.
type Module struct {
	// ID is the canonical graph key, derived from the resolved URL with the
	// extension normalized to the compiled-output extension.
	ID string `json:"id"`
	// SourceURL is the original specifier, remote or local.
	SourceURL string `json:"sourceUrl"`
	// Loader records which transform produced the compiled output.
	Loader LoaderKind `json:"loader"`
	// IsRemote is true for modules fetched over HTTP(S).
	IsRemote bool `json:"isRemote,omitempty"`
	// SourceHash is the content hash of the raw source bytes.
	SourceHash string `json:"sourceHash"`
	// OutputHash is the content hash of the compiled text. It changes when
	// the source or any resolved dependency hash changes.
	OutputHash string `json:"outputHash"`
	// Deps is the ordered dependency edge list discovered by the loader.
	Deps []DependencyEdge `json:"dependencies"`
	// CompiledText is the executable output of the loader chain.
	CompiledText string `json:"-"`
	// SourceMap holds the source map text when enabled.
	SourceMap string `json:"-"`
}

// RealDeps returns the edges that reference resolvable modules, skipping
// external and style/data pseudo-edges.
func (m *Module) RealDeps() []DependencyEdge {
	real := make([]DependencyEdge, 0, len(m.Deps))
	for _, d := range m.Deps {
		if d.IsExternal || d.IsStyleData {
			continue
		}
		real = append(real, d)
	}
	return real
}

// EventType represents the type of module change event.
type EventType string

const (
	EventTypeAdded   EventType = "add"
	EventTypeUpdated EventType = "modify"
	EventTypeRemoved EventType = "remove"
)

// ModuleEvent represents a change in the module graph, used for real-time
// notifications to listeners like the dev server and HMR clients.
type ModuleEvent struct {
	// Type indicates the kind of change (add, modify, remove).
	Type EventType
	// ModuleID is the graph key of the affected module.
	ModuleID string
	// Hash is the module's output hash after the change. Empty for removals.
	Hash string
	// Timestamp records when the event occurred for ordering and filtering.
	Timestamp time.Time
}
