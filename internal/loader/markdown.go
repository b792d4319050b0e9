package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"

	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/types"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// frontMatterDelim separates YAML front matter from the markdown body.
const frontMatterDelim = "---"

// loadMarkdown parses front-matter metadata plus body, renders the body to
// literal markup, and synthesizes a script module that mounts the markup and
// rewires relative anchor clicks to client-side navigation.
func (c *Chain) loadMarkdown(ctx context.Context, specifier string, source []byte) (*Output, error) {
	meta, body, err := splitFrontMatter(string(source))
	if err != nil {
		return nil, &veloerrors.TransformError{Specifier: specifier, Err: err}
	}

	var htmlBuf bytes.Buffer
	if err := markdown.Convert([]byte(body), &htmlBuf); err != nil {
		return nil, &veloerrors.TransformError{Specifier: specifier, Err: err}
	}

	htmlLit, err := jsLiteral(htmlBuf.String())
	if err != nil {
		return nil, &veloerrors.TransformError{Specifier: specifier, Err: err}
	}
	metaLit, err := json.Marshal(meta)
	if err != nil {
		return nil, &veloerrors.TransformError{Specifier: specifier, Err: err}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "const html = %s;\n", htmlLit)
	fmt.Fprintf(&b, "export const meta = %s;\n", metaLit)
	b.WriteString(`export default function MarkdownPage(el) {
  if (!el && typeof document !== "undefined") el = document.createElement("div");
  if (!el) return { html, meta };
  el.innerHTML = html;
  el.addEventListener("click", (e) => {
    const a = e.target.closest ? e.target.closest("a") : null;
    if (!a) return;
    const href = a.getAttribute("href");
    if (!href || /^[a-z]+:/i.test(href)) return;
    e.preventDefault();
    history.pushState(null, "", href);
    dispatchEvent(new PopStateEvent("popstate"));
  });
  return el;
}
`)

	return &Output{
		Code:   b.String(),
		Loader: types.LoaderMarkdown,
	}, nil
}

// jsLiteral encodes s as a string literal safe to splice into generated
// script source. json.Marshal would escape < and > and mangle the markup.
func jsLiteral(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// splitFrontMatter returns the YAML front matter (as a generic map) and the
// remaining markdown body. Content without a leading "---" block has no
// metadata.
func splitFrontMatter(content string) (map[string]interface{}, string, error) {
	meta := map[string]interface{}{}

	trimmed := strings.TrimLeft(content, "\n\r")
	if !strings.HasPrefix(trimmed, frontMatterDelim+"\n") &&
		trimmed != frontMatterDelim &&
		!strings.HasPrefix(trimmed, frontMatterDelim+"\r\n") {
		return meta, content, nil
	}

	rest := strings.TrimPrefix(trimmed, frontMatterDelim)
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated front matter block")
	}

	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return nil, "", fmt.Errorf("invalid front matter: %w", err)
	}

	body := rest[end+1+len(frontMatterDelim):]
	body = strings.TrimPrefix(body, "\r\n")
	body = strings.TrimPrefix(body, "\n")
	return meta, body, nil
}
