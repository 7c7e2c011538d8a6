// Package config loads server settings: built-in defaults, then an optional
// TOML file, then DFSU_* environment variables. Command-line flags are
// applied last by the binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/internal/observability"
	"github.com/signalsfoundry/dfsu-stream/kb"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Significant digits accepted for field rounding. float32 carries about
// seven decimal digits.
const (
	MinSignificantDigits = 1
	MaxSignificantDigits = 7
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server        ServerConfig                `toml:"server"`
	Field         FieldConfig                 `toml:"field"`
	Cache         CacheConfig                 `toml:"cache"`
	Frames        FramesConfig                `toml:"frames"`
	DefaultSource string                      `toml:"default_source"`
	Sources       []SourceConfig              `toml:"sources"`
	Logging       logging.Config              `toml:"logging"`
	Tracing       observability.TracingConfig `toml:"tracing"`
}

type ServerConfig struct {
	HTTPAddr        string   `toml:"http_addr"`
	MetricsAddr     string   `toml:"metrics_addr"`
	GRPCAddr        string   `toml:"grpc_addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// AllowedOrigins for websocket frame streams; empty allows same-origin
	// requests only, "*" allows any.
	AllowedOrigins []string `toml:"allowed_origins"`
}

type FieldConfig struct {
	SignificantDigits int `toml:"significant_digits"`
	// TimeStepCount limits encoded timesteps; zero encodes all.
	TimeStepCount int `toml:"timestep_count"`
}

type CacheConfig struct {
	// Reclaim returns memory to the OS after every computation.
	Reclaim bool `toml:"reclaim"`
	// Warm computes vertices and the first item of every source at startup.
	Warm bool `toml:"warm"`
}

type FramesConfig struct {
	DefaultInterval Duration `toml:"default_interval"`
	MinInterval     Duration `toml:"min_interval"`
}

type SourceConfig struct {
	Name        string  `toml:"name"`
	Path        string  `toml:"path"`
	CRS         string  `toml:"crs"`
	DeleteValue float32 `toml:"delete_value"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			MetricsAddr:     ":9090",
			GRPCAddr:        ":50051",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Field: FieldConfig{SignificantDigits: 2},
		Frames: FramesConfig{
			DefaultInterval: Duration(time.Second / 60),
			MinInterval:     Duration(10 * time.Millisecond),
		},
		Logging: logging.Config{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load reads path (when non-empty) over the defaults and applies the
// environment. Unknown keys in the file are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode strictly decodes TOML data over cfg.
func Decode(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

// resolvePaths makes relative source paths relative to the config file.
func (c *Config) resolvePaths(dir string) {
	for i := range c.Sources {
		if p := c.Sources[i].Path; p != "" && !filepath.IsAbs(p) {
			c.Sources[i].Path = filepath.Join(dir, p)
		}
	}
}

// ApplyEnv overlays DFSU_* variables. DFSU_MESH adds (or replaces the path
// of) a source named after the file.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DFSU_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("DFSU_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := os.Getenv("DFSU_GRPC_ADDR"); v != "" {
		c.Server.GRPCAddr = v
	}
	if v := os.Getenv("DFSU_SIGNIFICANT_DIGITS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DFSU_SIGNIFICANT_DIGITS=%q", ErrInvalid, v)
		}
		c.Field.SignificantDigits = n
	}
	if v := os.Getenv("DFSU_CACHE_RECLAIM"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: DFSU_CACHE_RECLAIM=%q", ErrInvalid, v)
		}
		c.Cache.Reclaim = b
	}
	if v := os.Getenv("DFSU_MESH"); v != "" {
		c.AddMesh(v, os.Getenv("DFSU_CRS"))
	}
	c.Logging = c.Logging.ApplyEnv()
	c.Tracing = c.Tracing.ApplyEnv()
	return nil
}

// AddMesh registers path under its file stem, replacing an existing source
// of that name.
func (c *Config) AddMesh(path, crs string) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			c.Sources[i].Path = path
			if crs != "" {
				c.Sources[i].CRS = crs
			}
			return
		}
	}
	c.Sources = append(c.Sources, SourceConfig{Name: name, Path: path, CRS: crs})
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.HTTPAddr == "" {
		bad("server.http_addr is empty")
	}
	if c.Server.ShutdownTimeout < 0 {
		bad("server.shutdown_timeout is negative")
	}
	d := c.Field.SignificantDigits
	if d < MinSignificantDigits || d > MaxSignificantDigits {
		bad("field.significant_digits %d outside %d..%d", d, MinSignificantDigits, MaxSignificantDigits)
	}
	if c.Field.TimeStepCount < 0 {
		bad("field.timestep_count is negative")
	}
	if c.Frames.MinInterval <= 0 {
		bad("frames.min_interval must be positive")
	}
	if c.Frames.DefaultInterval < c.Frames.MinInterval {
		bad("frames.default_interval %s below frames.min_interval %s",
			c.Frames.DefaultInterval.Std(), c.Frames.MinInterval.Std())
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		bad("tracing.sample_ratio %v outside 0..1", r)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		switch {
		case s.Name == "":
			bad("sources[%d] has no name", i)
		case s.Path == "":
			bad("source %q has no path", s.Name)
		case seen[s.Name]:
			bad("source %q defined twice", s.Name)
		}
		seen[s.Name] = true
	}
	if c.DefaultSource != "" && !seen[c.DefaultSource] {
		bad("default_source %q is not a configured source", c.DefaultSource)
	}
	return errors.Join(errs...)
}

// Catalog registers every configured source in a new catalog.
func (c Config) Catalog() (*kb.Catalog, error) {
	cat := kb.NewCatalog()
	for _, s := range c.Sources {
		err := cat.Register(kb.Source{
			Name:        s.Name,
			Path:        s.Path,
			CRS:         s.CRS,
			DeleteValue: s.DeleteValue,
		})
		if err != nil {
			return nil, err
		}
	}
	if c.DefaultSource != "" {
		if err := cat.SetDefault(c.DefaultSource); err != nil {
			return nil, err
		}
	}
	return cat, nil
}
