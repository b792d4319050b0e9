// Package resolver maps raw import specifiers to canonical module identities
// and local cache paths.
//
// Local specifiers become root-relative ids with the extension normalized to
// the compiled-output extension. Remote specifiers are encoded under the "/-/"
// prefix as host[_port]/path, with any query string base64-encoded into the
// filename so the result is safe on any filesystem. The two namespaces can
// never collide because local ids never start with "/-/".
package resolver

import (
	"encoding/base64"
	"net/url"
	"path"
	"strings"

	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/types"
)

// remotePrefix namespaces remote module ids and cache paths.
const remotePrefix = "/-/"

// PluginMatcher lets a registered loader plugin claim a specifier before
// extension-based classification runs.
type PluginMatcher interface {
	Match(specifier string) bool
}

// Resolution is the canonical identity of one module.
type Resolution struct {
	// ID is the graph key, with the extension normalized to the compiled
	// output (.js).
	ID string
	// SourceURL is the canonical source locator: an absolute URL for remote
	// modules, a root-relative path for local ones.
	SourceURL string
	// CachePath is the artifact path relative to the cache dir, without the
	// hash suffix or output extension.
	CachePath string
	// Loader is the transform classification for the module.
	Loader types.LoaderKind
	// IsRemote is true for http(s) specifiers.
	IsRemote bool
}

// Resolver canonicalizes specifiers. An import map, when present, is applied
// before any other rule.
type Resolver struct {
	importMap map[string]string
	plugins   PluginMatcher
}

// New creates a resolver. importMap and plugins may be nil.
func New(importMap map[string]string, plugins PluginMatcher) *Resolver {
	if importMap == nil {
		importMap = map[string]string{}
	}
	return &Resolver{importMap: importMap, plugins: plugins}
}

// Resolve canonicalizes specifier as imported from referrer. referrer is the
// SourceURL of the importing module, or "" for build entry points.
func (r *Resolver) Resolve(specifier, referrer string) (*Resolution, error) {
	if types.IsSyntheticSpecifier(specifier) {
		return nil, &veloerrors.ResolutionError{
			Specifier: specifier,
			Reason:    "synthetic specifiers are never resolved as modules",
		}
	}

	if mapped, ok := r.importMap[specifier]; ok {
		specifier = mapped
	}

	if isRemote(specifier) {
		return r.resolveRemote(specifier)
	}
	if isRemote(referrer) && strings.HasPrefix(specifier, ".") {
		base, err := url.Parse(referrer)
		if err != nil {
			return nil, &veloerrors.ResolutionError{Specifier: specifier, Reason: "invalid remote referrer"}
		}
		ref, err := url.Parse(specifier)
		if err != nil {
			return nil, &veloerrors.ResolutionError{Specifier: specifier, Reason: "invalid specifier"}
		}
		return r.resolveRemote(base.ResolveReference(ref).String())
	}
	return r.resolveLocal(specifier, referrer)
}

func isRemote(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (r *Resolver) resolveRemote(specifier string) (*Resolution, error) {
	u, err := url.Parse(specifier)
	if err != nil || u.Host == "" {
		return nil, &veloerrors.ResolutionError{Specifier: specifier, Reason: "invalid URL"}
	}

	kind, err := r.classify(specifier, u.Path, true)
	if err != nil {
		return nil, err
	}

	host := u.Hostname()
	if port := u.Port(); port != "" {
		host += "_" + port
	}

	p := u.Path
	if p == "" || p == "/" {
		p = "/index"
	}
	if u.RawQuery != "" {
		// Keep the query in the identity, filesystem-safe.
		ext := path.Ext(p)
		p = strings.TrimSuffix(p, ext) + "_" +
			base64.RawURLEncoding.EncodeToString([]byte(u.RawQuery)) + ext
	}

	cachePath := "-/" + host + trimOutputExt(p)
	return &Resolution{
		ID:        remotePrefix + host + normalizeExt(p),
		SourceURL: specifier,
		CachePath: cachePath,
		Loader:    kind,
		IsRemote:  true,
	}, nil
}

func (r *Resolver) resolveLocal(specifier, referrer string) (*Resolution, error) {
	p := specifier
	if strings.HasPrefix(p, ".") && referrer != "" && !isRemote(referrer) {
		p = path.Join(path.Dir(referrer), p)
	}
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))

	// The /-/ namespace belongs to remote modules; a local file spelled that
	// way would collide with a remote id.
	if strings.HasPrefix(p, remotePrefix) {
		return nil, &veloerrors.ResolutionError{
			Specifier: specifier,
			Reason:    "local paths may not use the remote namespace " + remotePrefix,
		}
	}

	kind, err := r.classify(specifier, p, false)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		ID:        normalizeExt(p),
		SourceURL: p,
		CachePath: strings.TrimPrefix(trimOutputExt(p), "/"),
		Loader:    kind,
	}, nil
}

// classify decides the loader kind for a specifier. Plugins get first claim;
// an unknown extension on a local specifier is a classification failure.
func (r *Resolver) classify(specifier, p string, remote bool) (types.LoaderKind, error) {
	if r.plugins != nil && r.plugins.Match(specifier) {
		return types.LoaderPlugin, nil
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs", ".jsx", ".ts", ".tsx":
		return types.LoaderScript, nil
	case ".css", ".less":
		return types.LoaderStylesheet, nil
	case ".md", ".markdown":
		return types.LoaderMarkdown, nil
	}
	// Remote packages commonly omit the extension or carry a version suffix
	// that reads as one (e.g. esm.sh/react@17.0.2); CDNs serve scripts.
	if remote {
		return types.LoaderScript, nil
	}
	return "", &veloerrors.ResolutionError{
		Specifier: specifier,
		Reason:    "unsupported extension " + path.Ext(p),
	}
}

// normalizeExt maps a source path to its module id form: script sources share
// the identity of their compiled .js output, everything else keeps its source
// name and gains the output extension.
func normalizeExt(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs", ".jsx", ".ts", ".tsx":
		return strings.TrimSuffix(p, path.Ext(p)) + ".js"
	default:
		return p + ".js"
	}
}

// trimOutputExt strips only the extensions that normalizeExt folds into .js,
// producing the hashless artifact basename.
func trimOutputExt(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs", ".jsx", ".ts", ".tsx":
		return strings.TrimSuffix(p, path.Ext(p))
	default:
		return p
	}
}
