package build

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ScriptTag describes one script to inject into a rendered document.
type ScriptTag struct {
	// Src is the script URL; empty for inline scripts.
	Src string
	// Module marks type="module".
	Module bool
	// Inline holds the script body when Src is empty.
	Inline string
	// ID is an optional element id, used for data payloads.
	ID string
	// Type overrides the script type attribute, e.g. "application/json".
	Type string
}

// PreloadLink describes one modulepreload hint.
type PreloadLink struct {
	Href string
}

// InjectTags parses a rendered HTML document and appends preload links to
// <head> and script tags to <body>. The document is reserialized, so the
// input must be parseable HTML; render output always is.
func InjectTags(doc string, preloads []PreloadLink, scripts []ScriptTag) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parsing rendered document: %w", err)
	}

	head := findElement(root, atom.Head)
	body := findElement(root, atom.Body)
	if head == nil || body == nil {
		return "", fmt.Errorf("rendered document is missing head or body")
	}

	for _, p := range preloads {
		head.AppendChild(&html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Link,
			Data:     "link",
			Attr: []html.Attribute{
				{Key: "rel", Val: "modulepreload"},
				{Key: "href", Val: p.Href},
			},
		})
	}

	for _, s := range scripts {
		node := &html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Script,
			Data:     "script",
		}
		if s.ID != "" {
			node.Attr = append(node.Attr, html.Attribute{Key: "id", Val: s.ID})
		}
		switch {
		case s.Type != "":
			node.Attr = append(node.Attr, html.Attribute{Key: "type", Val: s.Type})
		case s.Module:
			node.Attr = append(node.Attr, html.Attribute{Key: "type", Val: "module"})
		}
		if s.Src != "" {
			node.Attr = append(node.Attr, html.Attribute{Key: "src", Val: s.Src})
		} else if s.Inline != "" {
			node.AppendChild(&html.Node{Type: html.TextNode, Data: s.Inline})
		}
		body.AppendChild(node)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", fmt.Errorf("serializing document: %w", err)
	}
	return buf.String(), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
