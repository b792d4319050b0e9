package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/types"
)

// loadStylesheet runs style preprocessing, then wraps the resulting CSS in a
// small generated script that injects it into the document when executed. No
// dependency discovery happens beyond the injection helper.
func (c *Chain) loadStylesheet(ctx context.Context, specifier string, source []byte) (*Output, error) {
	isLess := strings.EqualFold(path.Ext(specifier), ".less")

	css := string(source)
	if c.css != nil {
		processed, err := c.css.Process(ctx, css, isLess)
		if err != nil {
			return nil, &veloerrors.TransformError{Specifier: specifier, Err: err}
		}
		css = processed
	}

	cssLit, err := json.Marshal(css)
	if err != nil {
		return nil, &veloerrors.TransformError{Specifier: specifier, Err: err}
	}
	idLit, _ := json.Marshal(specifier)

	var b strings.Builder
	fmt.Fprintf(&b, "const css = %s;\n", cssLit)
	fmt.Fprintf(&b, "const id = %s;\n", idLit)
	b.WriteString(`export function applyCSS() {
  if (typeof document === "undefined") return;
  let el = document.querySelector("style[data-module-id=" + JSON.stringify(id) + "]");
  if (!el) {
    el = document.createElement("style");
    el.setAttribute("data-module-id", id);
    document.head.appendChild(el);
  }
  el.textContent = css;
}
applyCSS();
export default css;
`)

	return &Output{
		Code:   b.String(),
		Loader: types.LoaderStylesheet,
	}, nil
}
