// Package bridge connects the pipeline's collaborator interfaces to external
// tool processes. The syntax transform, CSS preprocessor, page renderer and
// minifier are opaque commands speaking JSON over stdin/stdout, configured per
// project; none of their internals are modeled here.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/loader"
	"github.com/veloframe/velo/internal/renderer"
)

// Tool commands run directly via exec, never through a shell; configured
// fields must stay free of shell metacharacters.
const forbiddenArgChars = ";&|$`><\n"

// splitCommand parses a configured tool command into command and arguments.
// No shell interpretation: fields are split on whitespace only.
func splitCommand(command string) (string, []string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty tool command")
	}
	for _, f := range fields {
		if strings.ContainsAny(f, forbiddenArgChars) {
			return "", nil, fmt.Errorf("tool command contains forbidden characters: %q", f)
		}
	}
	if len(fields) == 1 {
		return fields[0], nil, nil
	}
	return fields[0], fields[1:], nil
}

// run executes the tool with input on stdin and returns its stdout. Stderr is
// carried into the error so tool diagnostics survive.
func run(ctx context.Context, dir, command string, extraArgs []string, input []byte) ([]byte, error) {
	name, args, err := splitCommand(command)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, name, append(args, extraArgs...)...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timed out: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w\nOutput: %s", name, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Transformer invokes the external syntax transform. The request carries the
// source and options; the response mirrors loader.TransformResult.
type Transformer struct {
	command string
	dir     string
}

// NewTransformer creates a transformer bridge running command in dir.
func NewTransformer(command, dir string) *Transformer {
	return &Transformer{command: command, dir: dir}
}

type transformRequest struct {
	Source  string                  `json:"source"`
	Options loader.TransformOptions `json:"options"`
}

type transformResponse struct {
	Code      string `json:"code"`
	SourceMap string `json:"map,omitempty"`
	Deps      []struct {
		Specifier string `json:"specifier"`
		IsDynamic bool   `json:"isDynamic,omitempty"`
	} `json:"deps,omitempty"`
	InlineStyles map[string]struct {
		Kind     string   `json:"kind"`
		Segments []string `json:"segments"`
		Exprs    []string `json:"exprs,omitempty"`
	} `json:"inlineStyles,omitempty"`
	Error string `json:"error,omitempty"`
}

func (t *Transformer) Transform(ctx context.Context, source string, opts loader.TransformOptions) (*loader.TransformResult, error) {
	input, err := json.Marshal(transformRequest{Source: source, Options: opts})
	if err != nil {
		return nil, err
	}
	out, err := run(ctx, t.dir, t.command, nil, input)
	if err != nil {
		return nil, &veloerrors.TransformError{Specifier: opts.Specifier, Err: err}
	}

	var resp transformResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, &veloerrors.TransformError{
			Specifier: opts.Specifier,
			Err:       fmt.Errorf("malformed transform output: %w", err),
		}
	}
	if resp.Error != "" {
		return nil, &veloerrors.TransformError{
			Specifier: opts.Specifier,
			Err:       fmt.Errorf("%s", resp.Error),
		}
	}

	result := &loader.TransformResult{Code: resp.Code, SourceMap: resp.SourceMap}
	for _, d := range resp.Deps {
		result.Deps = append(result.Deps, loader.RawDependency{Specifier: d.Specifier, IsDynamic: d.IsDynamic})
	}
	if len(resp.InlineStyles) > 0 {
		result.InlineStyles = make(map[string]loader.InlineStyle, len(resp.InlineStyles))
		for key, s := range resp.InlineStyles {
			result.InlineStyles[key] = loader.InlineStyle{Kind: s.Kind, Segments: s.Segments, Exprs: s.Exprs}
		}
	}
	return result, nil
}

// CSSProcessor invokes the external CSS preprocessor. With no command
// configured it passes stylesheets through untouched.
type CSSProcessor struct {
	command string
	dir     string
}

// NewCSSProcessor creates a CSS bridge; command may be empty for passthrough.
func NewCSSProcessor(command, dir string) *CSSProcessor {
	return &CSSProcessor{command: command, dir: dir}
}

type cssRequest struct {
	Source string `json:"source"`
	IsLess bool   `json:"isLess"`
}

type cssResponse struct {
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}

func (c *CSSProcessor) Process(ctx context.Context, source string, isLess bool) (string, error) {
	if c.command == "" {
		if isLess {
			return "", fmt.Errorf("less stylesheet requires a configured tools.css command")
		}
		return source, nil
	}

	input, err := json.Marshal(cssRequest{Source: source, IsLess: isLess})
	if err != nil {
		return "", err
	}
	out, err := run(ctx, c.dir, c.command, nil, input)
	if err != nil {
		return "", err
	}
	var resp cssResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("malformed css output: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%s", resp.Error)
	}
	return resp.Code, nil
}

// Renderer invokes the external SSR tool: the execution context goes in as
// JSON, the rendered document comes back.
type Renderer struct {
	command string
	dir     string
}

// NewRenderer creates a renderer bridge running command in dir.
func NewRenderer(command, dir string) *Renderer {
	return &Renderer{command: command, dir: dir}
}

type renderResponse struct {
	HTML   string          `json:"html"`
	Data   json.RawMessage `json:"data,omitempty"`
	Status int             `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r *Renderer) Render(ctx context.Context, ec renderer.ExecContext) (*renderer.Result, error) {
	input, err := json.Marshal(ec)
	if err != nil {
		return nil, err
	}
	out, err := run(ctx, r.dir, r.command, nil, input)
	if err != nil {
		return nil, &veloerrors.RenderError{Route: ec.Route, Err: err}
	}

	var resp renderResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, &veloerrors.RenderError{
			Route: ec.Route,
			Err:   fmt.Errorf("malformed render output: %w", err),
		}
	}
	if resp.Error != "" {
		return nil, &veloerrors.RenderError{Route: ec.Route, Err: fmt.Errorf("%s", resp.Error)}
	}
	return &renderer.Result{HTML: resp.HTML, Data: resp.Data, Status: resp.Status}, nil
}

// ShellRenderer is the built-in fallback when no SSR tool is configured:
// every route renders to an empty application shell and all rendering happens
// on the client.
type ShellRenderer struct{}

func (ShellRenderer) Render(_ context.Context, _ renderer.ExecContext) (*renderer.Result, error) {
	return &renderer.Result{
		HTML: `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"></head>
<body><div id="root"></div></body>
</html>`,
	}, nil
}

// Minifier invokes the external minifier: raw code on stdin, minified code on
// stdout. No JSON framing, matching common minifier CLIs.
type Minifier struct {
	command string
	dir     string
}

// NewMinifier creates a minifier bridge running command in dir.
func NewMinifier(command, dir string) *Minifier {
	return &Minifier{command: command, dir: dir}
}

func (m *Minifier) Minify(ctx context.Context, code string) (string, error) {
	out, err := run(ctx, m.dir, m.command, nil, []byte(code))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ArtifactLoader loads compiled artifacts into executable units backed by the
// external execution tool. Each Invoke runs the tool with the artifact path
// as argument and the execution context on stdin.
type ArtifactLoader struct {
	command string
	dir     string
}

// NewArtifactLoader creates an artifact loader bridge; command may be empty,
// in which case Load fails and API routes report execution as unavailable.
func NewArtifactLoader(command, dir string) *ArtifactLoader {
	return &ArtifactLoader{command: command, dir: dir}
}

func (l *ArtifactLoader) Load(_ context.Context, artifactPath string) (renderer.Executable, error) {
	if l.command == "" {
		return nil, fmt.Errorf("module execution requires a configured tools.exec command")
	}
	return &execUnit{command: l.command, dir: l.dir, artifactPath: artifactPath}, nil
}

type execUnit struct {
	command      string
	dir          string
	artifactPath string
}

func (u *execUnit) Invoke(ctx context.Context, ec renderer.ExecContext) (any, error) {
	input, err := json.Marshal(ec)
	if err != nil {
		return nil, err
	}
	out, err := run(ctx, u.dir, u.command, []string{u.artifactPath}, input)
	if err != nil {
		return nil, err
	}

	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("malformed execution output: %w", err)
	}
	return result, nil
}
