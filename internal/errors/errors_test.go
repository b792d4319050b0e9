package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  string
	}{
		{
			name:  "resolution error",
			err:   &ResolutionError{Specifier: "./foo.wat", Reason: "unsupported extension .wat"},
			check: IsResolution,
			want:  "resolve ./foo.wat: unsupported extension .wat",
		},
		{
			name:  "fetch error with status",
			err:   &FetchError{URL: "https://esm.sh/react", Status: 404},
			check: IsFetch,
			want:  "fetch https://esm.sh/react: unexpected status 404",
		},
		{
			name:  "transform error",
			err:   &TransformError{Specifier: "./pages/index.tsx", Err: fmt.Errorf("unexpected token")},
			check: IsTransform,
			want:  "transform ./pages/index.tsx: unexpected token",
		},
		{
			name:  "render error",
			err:   &RenderError{Route: "/about", Err: fmt.Errorf("boom")},
			check: IsRender,
			want:  "render /about: boom",
		},
		{
			name:  "config error",
			err:   &ConfigError{Field: "server.port", Reason: "out of range"},
			check: IsConfig,
			want:  "config server.port: out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.True(t, tt.check(tt.err))
		})
	}
}

func TestErrorPredicates_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("compile failed: %w", &FetchError{URL: "https://x", Status: 500})
	assert.True(t, IsFetch(wrapped))
	assert.False(t, IsRender(wrapped))
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.HasErrors())
	assert.Empty(t, c.Overlay())

	c.Add(BuildError{ModuleID: "/pages/index.js", File: "pages/index.tsx", Message: "unexpected token"})
	c.Add(BuildError{ModuleID: "/pages/about.js", File: "pages/about.tsx", Message: "missing import"})

	assert.True(t, c.HasErrors())
	assert.Len(t, c.Errors(), 2)
	assert.Contains(t, c.Overlay(), "unexpected token")

	c.ClearModule("/pages/index.js")
	errs := c.Errors()
	assert.Len(t, errs, 1)
	assert.Equal(t, "/pages/about.js", errs[0].ModuleID)

	c.Clear()
	assert.False(t, c.HasErrors())
}

func TestCollector_OverlayEscapesHTML(t *testing.T) {
	c := NewCollector()
	c.Add(BuildError{ModuleID: "m", File: "f", Message: `<script>alert(1)</script>`})
	overlay := c.Overlay()
	assert.NotContains(t, overlay, "<script>alert")
	assert.Contains(t, overlay, "&lt;script&gt;")
}
