// Package errors defines the error taxonomy for the Velo build pipeline.
//
// Errors are local to the module or route they concern: a ResolutionError,
// FetchError or TransformError fails one module's compilation, a RenderError
// fails one route's render, and only a ConfigError is fatal at startup.
package errors

import (
	"errors"
	"fmt"
)

// ResolutionError indicates a specifier that cannot be canonicalized, most
// commonly an unknown or unsupported extension. Fatal to that module only.
type ResolutionError struct {
	Specifier string
	Reason    string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %s", e.Specifier, e.Reason)
}

// FetchError indicates a remote module download failure, either a transport
// error or a non-2xx response. Aborts a full build when the module is
// required; during incremental recompilation a previously cached artifact
// keeps being served best-effort.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TransformError indicates the syntax transform or a loader failed for one
// module. The prior cached artifact, if any, remains untouched.
type TransformError struct {
	Specifier string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.Specifier, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// RenderError indicates a page render failure. Caught per page and
// downgraded to a 500 response body for that single route.
type RenderError struct {
	Route string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Route, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ConfigError indicates malformed project configuration. Fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// IsResolution reports whether err is or wraps a ResolutionError.
func IsResolution(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// IsFetch reports whether err is or wraps a FetchError.
func IsFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsTransform reports whether err is or wraps a TransformError.
func IsTransform(err error) bool {
	var te *TransformError
	return errors.As(err, &te)
}

// IsRender reports whether err is or wraps a RenderError.
func IsRender(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}

// IsConfig reports whether err is or wraps a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
