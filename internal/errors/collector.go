package errors

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"time"
)

// BuildError records a single module or route failure for display in the dev
// error overlay and build summaries.
type BuildError struct {
	ModuleID  string
	File      string
	Message   string
	Timestamp time.Time
}

// Error implements the error interface.
func (be *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", be.File, be.Message)
}

// Collector collects build errors across recompilations. It is safe for
// concurrent use by the watch engine and the dev server.
type Collector struct {
	mu     sync.RWMutex
	errors []BuildError
}

// NewCollector creates a new error collector.
func NewCollector() *Collector {
	return &Collector{errors: make([]BuildError, 0)}
}

// Add records a build error.
func (c *Collector) Add(err BuildError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err.Timestamp = time.Now()
	c.errors = append(c.errors, err)
}

// ClearModule drops recorded errors for one module, used when it recompiles
// successfully.
func (c *Collector) ClearModule(moduleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.errors[:0]
	for _, e := range c.errors {
		if e.ModuleID != moduleID {
			kept = append(kept, e)
		}
	}
	c.errors = kept
}

// Clear drops all recorded errors.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = c.errors[:0]
}

// Errors returns a copy of all recorded errors.
func (c *Collector) Errors() []BuildError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]BuildError, len(c.errors))
	copy(out, c.errors)
	return out
}

// HasErrors returns true if any error is recorded.
func (c *Collector) HasErrors() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.errors) > 0
}

// Overlay generates the HTML error overlay injected into dev-mode pages.
// Returns the empty string when no errors are recorded.
func (c *Collector) Overlay() string {
	errs := c.Errors()
	if len(errs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(`<div id="velo-error-overlay" style="position:fixed;inset:0;background:rgba(0,0,0,0.85);color:#fff;font-family:monospace;font-size:14px;z-index:9999;padding:24px;overflow:auto;">`)
	b.WriteString(`<h2 style="color:#ff6b6b;margin-top:0;">Build Errors</h2>`)
	for _, e := range errs {
		fmt.Fprintf(&b,
			`<div style="background:#2d3748;padding:12px;margin-bottom:12px;border-left:4px solid #ff6b6b;"><div>%s</div><div style="color:#a0aec0;font-size:12px;">%s · %s</div></div>`,
			html.EscapeString(e.Message),
			html.EscapeString(e.File),
			e.Timestamp.Format("15:04:05"))
	}
	b.WriteString(`</div>`)
	return b.String()
}
