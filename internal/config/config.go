// Package config provides configuration management for Velo projects using
// Viper for flexible configuration loading from files, environment variables,
// and command-line flags.
//
// The configuration system supports YAML files (.velo.yml), environment
// variable overrides with the VELO_ prefix, and validation with security
// checks. It manages the dev server, build output layout, SSR/SSG behavior,
// locale settings, and the import map passed to the syntax transform.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/text/language"

	veloerrors "github.com/veloframe/velo/internal/errors"
)

type Config struct {
	// RootDir is the project root. Set by Load, not read from file.
	RootDir string `yaml:"-" mapstructure:"-"`

	SrcDir    string `yaml:"src_dir" mapstructure:"src_dir"`
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
	BasePath  string `yaml:"base_path" mapstructure:"base_path"`

	DefaultLocale string   `yaml:"default_locale" mapstructure:"default_locale"`
	Locales       []string `yaml:"locales" mapstructure:"locales"`

	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Build  BuildConfig  `yaml:"build" mapstructure:"build"`
	SSR    SSRConfig    `yaml:"ssr" mapstructure:"ssr"`
	Watch  WatchConfig  `yaml:"watch" mapstructure:"watch"`
	Tools  ToolsConfig  `yaml:"tools" mapstructure:"tools"`

	// Env is injected into render execution contexts, never into the
	// process environment.
	Env map[string]string `yaml:"env" mapstructure:"env"`
}

type ServerConfig struct {
	Port int    `yaml:"port" mapstructure:"port"`
	Host string `yaml:"host" mapstructure:"host"`
}

type BuildConfig struct {
	// Target is the ECMAScript target handed to the syntax transform.
	Target    string `yaml:"target" mapstructure:"target"`
	SourceMap bool   `yaml:"source_map" mapstructure:"source_map"`
	// CacheDir holds compiled artifacts, relative to the project root.
	CacheDir string `yaml:"cache_dir" mapstructure:"cache_dir"`
}

type SSRConfig struct {
	// Include/Exclude restrict which routes are pre-rendered; excluded
	// routes are emitted as client-rendered shells.
	Include []string `yaml:"include" mapstructure:"include"`
	Exclude []string `yaml:"exclude" mapstructure:"exclude"`
	// StaticPaths declares extra paths to render beyond the route table,
	// e.g. instances of a dynamic route.
	StaticPaths []string `yaml:"static_paths" mapstructure:"static_paths"`
}

// ToolsConfig names the external tool commands the pipeline bridges to. Each
// value is a command line split on whitespace and executed without a shell.
type ToolsConfig struct {
	// Transform is the syntax-transform command. Required for any build.
	Transform string `yaml:"transform" mapstructure:"transform"`
	// CSS is the stylesheet preprocessor; empty means passthrough.
	CSS string `yaml:"css" mapstructure:"css"`
	// Render is the SSR command; empty degrades to client-rendered shells.
	Render string `yaml:"render" mapstructure:"render"`
	// Exec runs compiled modules server-side (API routes).
	Exec string `yaml:"exec" mapstructure:"exec"`
	// Minify is the production bundle minifier; empty skips minification.
	Minify string `yaml:"minify" mapstructure:"minify"`
}

type WatchConfig struct {
	// DebounceMs is the window within which repeated events for the same
	// module collapse to one recompilation.
	DebounceMs int `yaml:"debounce_ms" mapstructure:"debounce_ms"`
}

// Load reads project configuration from .velo.yml under root, applying
// VELO_-prefixed environment overrides and defaults, then validates it.
func Load(root string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(root)
	v.SetConfigType("yaml")
	v.SetConfigName(".velo")
	v.SetEnvPrefix("VELO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine; a malformed one is a startup error.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &veloerrors.ConfigError{Field: ".velo.yml", Reason: err.Error()}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &veloerrors.ConfigError{Field: ".velo.yml", Reason: err.Error()}
	}

	cfg.RootDir = root
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SrcDir == "" {
		cfg.SrcDir = "."
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "dist"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/"
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "en"
	}
	if len(cfg.Locales) == 0 {
		cfg.Locales = []string{cfg.DefaultLocale}
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Build.Target == "" {
		cfg.Build.Target = "es2020"
	}
	if cfg.Build.CacheDir == "" {
		cfg.Build.CacheDir = ".velo"
	}
	if cfg.Watch.DebounceMs == 0 {
		cfg.Watch.DebounceMs = 120
	}
	if cfg.Env == nil {
		cfg.Env = make(map[string]string)
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return &veloerrors.ConfigError{
			Field:  "server.port",
			Reason: fmt.Sprintf("port %d is not in valid range 0-65535", cfg.Server.Port),
		}
	}
	if !strings.HasPrefix(cfg.BasePath, "/") {
		return &veloerrors.ConfigError{Field: "base_path", Reason: "must start with /"}
	}
	for _, dir := range []struct{ field, value string }{
		{"src_dir", cfg.SrcDir},
		{"output_dir", cfg.OutputDir},
		{"build.cache_dir", cfg.Build.CacheDir},
	} {
		clean := filepath.Clean(dir.value)
		if strings.Contains(clean, "..") {
			return &veloerrors.ConfigError{Field: dir.field, Reason: "contains path traversal"}
		}
		if filepath.IsAbs(clean) {
			return &veloerrors.ConfigError{Field: dir.field, Reason: "must be relative to the project root"}
		}
	}
	for _, loc := range append([]string{cfg.DefaultLocale}, cfg.Locales...) {
		if _, err := language.Parse(loc); err != nil {
			return &veloerrors.ConfigError{
				Field:  "locales",
				Reason: fmt.Sprintf("invalid locale tag %q", loc),
			}
		}
	}
	return nil
}

// PagesDir returns the absolute pages directory. Its absence is fatal before
// any build phase starts.
func (c *Config) PagesDir() string {
	return filepath.Join(c.RootDir, c.SrcDir, "pages")
}

// APIDir returns the absolute API routes directory.
func (c *Config) APIDir() string {
	return filepath.Join(c.PagesDir(), "api")
}

// PublicDir returns the absolute static assets directory.
func (c *Config) PublicDir() string {
	return filepath.Join(c.RootDir, c.SrcDir, "public")
}

// CacheDir returns the absolute compiled-artifact directory.
func (c *Config) CacheDir() string {
	return filepath.Join(c.RootDir, c.Build.CacheDir)
}

// OutDir returns the absolute SSG output directory.
func (c *Config) OutDir() string {
	return filepath.Join(c.RootDir, c.OutputDir)
}

// LoadImportMap reads import_map.json from the project root when present.
// Only the top-level "imports" mapping is consumed.
func LoadImportMap(root string) (map[string]string, error) {
	raw, err := os.ReadFile(filepath.Join(root, "import_map.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, &veloerrors.ConfigError{Field: "import_map.json", Reason: err.Error()}
	}

	var m struct {
		Imports map[string]string `json:"imports"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &veloerrors.ConfigError{Field: "import_map.json", Reason: err.Error()}
	}
	if m.Imports == nil {
		m.Imports = map[string]string{}
	}
	return m.Imports, nil
}
