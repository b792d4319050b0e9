package renderer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	veloerrors "github.com/veloframe/velo/internal/errors"
)

// fakeRenderer renders a deterministic body and counts invocations.
type fakeRenderer struct {
	calls int
	fail  bool
}

func (f *fakeRenderer) Render(_ context.Context, ec ExecContext) (*Result, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("page threw during render")
	}
	return &Result{
		HTML: fmt.Sprintf("<html><body>%s?%s</body></html>", ec.Route, ec.Query),
		Data: []byte(`{"ok":true}`),
	}, nil
}

func TestCache_GetPutInvalidate(t *testing.T) {
	c := NewCache(nil)

	_, ok := c.Get("/about", "")
	assert.False(t, ok)

	c.Put("/about", "", &Result{HTML: "a"})
	c.Put("/about", "tab=1", &Result{HTML: "b"})
	c.Put("/", "", &Result{HTML: "home"})
	assert.Equal(t, 3, c.Len())

	r, ok := c.Get("/about", "tab=1")
	require.True(t, ok)
	assert.Equal(t, "b", r.HTML)

	// Invalidation drops every query variant for the route.
	dropped := c.InvalidateRoute("/about")
	assert.Equal(t, 2, dropped)
	_, ok = c.Get("/about", "")
	assert.False(t, ok)
	_, ok = c.Get("/about", "tab=1")
	assert.False(t, ok)

	// Unrelated routes stay cached.
	r, ok = c.Get("/", "")
	require.True(t, ok)
	assert.Equal(t, "home", r.HTML)

	assert.Equal(t, 0, c.InvalidateRoute("/missing"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCachingRenderer_CachesPerQuery(t *testing.T) {
	inner := &fakeRenderer{}
	cr := NewCachingRenderer(inner, NewCache(nil), false, nil)

	first, err := cr.Render(context.Background(), ExecContext{Route: "/docs", Query: "v=1"})
	require.NoError(t, err)
	assert.Equal(t, 200, first.Status)
	assert.False(t, first.RenderedAt.IsZero())

	second, err := cr.Render(context.Background(), ExecContext{Route: "/docs", Query: "v=1"})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, inner.calls)

	// A different query key renders again.
	_, err = cr.Render(context.Background(), ExecContext{Route: "/docs", Query: "v=2"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachingRenderer_FailureIsNotCached(t *testing.T) {
	inner := &fakeRenderer{fail: true}
	cr := NewCachingRenderer(inner, NewCache(nil), true, nil)

	result, err := cr.Render(context.Background(), ExecContext{Route: "/broken"})
	require.Error(t, err)
	assert.True(t, veloerrors.IsRender(err))

	// The 500 body is still produced for serving.
	require.NotNil(t, result)
	assert.Equal(t, 500, result.Status)
	assert.Contains(t, result.HTML, "500")
	assert.Contains(t, result.HTML, "page threw during render")

	// Failures retry on the next request.
	_, err = cr.Render(context.Background(), ExecContext{Route: "/broken"})
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 0, cr.Cache().Len())
}

func TestErrorResult(t *testing.T) {
	err := errors.New(`unexpected token "<"`)

	dev := ErrorResult("/pages/bad", err, true)
	assert.Equal(t, 500, dev.Status)
	assert.Contains(t, dev.HTML, "&#34;") // detail is escaped
	assert.Contains(t, dev.HTML, "unexpected token")

	prod := ErrorResult("/pages/bad", err, false)
	assert.NotContains(t, prod.HTML, "unexpected token")
	assert.Contains(t, prod.HTML, "500 - Internal Server Error")
}
