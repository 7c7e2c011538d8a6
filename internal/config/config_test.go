package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/dfsu-stream/kb"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	body := `
default_source = "estuary"

[server]
http_addr = ":8181"

[field]
significant_digits = 3

[frames]
default_interval = "100ms"

[[sources]]
name = "harbour"
path = "meshes/harbour.msh"

[[sources]]
name = "estuary"
path = "/srv/estuary.msh"
crs = "+proj=utm +zone=60 +south +datum=WGS84 +units=m +no_defs"
delete_value = -1.0
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8181" || cfg.Server.MetricsAddr != ":9090" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Field.SignificantDigits != 3 {
		t.Fatalf("significant digits = %d, want 3", cfg.Field.SignificantDigits)
	}
	if cfg.Frames.DefaultInterval.Std() != 100*time.Millisecond {
		t.Fatalf("default interval = %v", cfg.Frames.DefaultInterval.Std())
	}
	if got := cfg.Sources[0].Path; got != filepath.Join(dir, "meshes", "harbour.msh") {
		t.Fatalf("relative source path = %q", got)
	}
	if cfg.Sources[1].Path != "/srv/estuary.msh" || cfg.Sources[1].DeleteValue != -1 {
		t.Fatalf("estuary = %+v", cfg.Sources[1])
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	src, err := cat.Lookup("")
	if err != nil || src.Name != "estuary" {
		t.Fatalf("default source = %+v, %v", src, err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[field]\nsignificant_digit = 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for misspelled key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load error = %v, want os.ErrNotExist", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DFSU_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("DFSU_SIGNIFICANT_DIGITS", "4")
	t.Setenv("DFSU_CACHE_RECLAIM", "true")
	t.Setenv("DFSU_MESH", "/data/lagoon.msh")
	t.Setenv("DFSU_LOG_LEVEL", "debug")
	t.Setenv("DFSU_TRACING_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9000" || cfg.Field.SignificantDigits != 4 || !cfg.Cache.Reclaim {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Name != "lagoon" || cfg.Sources[0].Path != "/data/lagoon.msh" {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
	if cfg.Logging.Level != "debug" || !cfg.Tracing.Enabled {
		t.Fatalf("logging = %+v tracing = %+v", cfg.Logging, cfg.Tracing)
	}

	t.Setenv("DFSU_SIGNIFICANT_DIGITS", "two")
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load with bad digits error = %v, want ErrInvalid", err)
	}
}

func TestAddMeshReplacesExisting(t *testing.T) {
	cfg := Default()
	cfg.AddMesh("a/harbour.msh", "")
	cfg.AddMesh("b/harbour.msh", "EPSG:32760")
	if len(cfg.Sources) != 1 || cfg.Sources[0].Path != "b/harbour.msh" || cfg.Sources[0].CRS != "EPSG:32760" {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Field.SignificantDigits = 9
	cfg.Frames.MinInterval = 0
	cfg.DefaultSource = "ghost"
	cfg.Sources = []SourceConfig{
		{Name: "a", Path: "a.msh"},
		{Name: "a", Path: "b.msh"},
		{Name: "c"},
	}

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate error = %v, want ErrInvalid", err)
	}
	for _, want := range []string{"significant_digits 9", "min_interval", "defined twice", "no path", "ghost"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate error %q missing %q", err, want)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Sources = []SourceConfig{{Name: "harbour", Path: "/srv/harbour.msh"}}

	data, err := Encode(cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `shutdown_timeout = '10s'`) && !strings.Contains(string(data), `shutdown_timeout = "10s"`) {
		t.Fatalf("durations should encode as strings:\n%s", data)
	}

	var back Config
	if err := Decode(data, &back); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Server.ShutdownTimeout != cfg.Server.ShutdownTimeout || back.Sources[0].Path != "/srv/harbour.msh" {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestCatalogDuplicate(t *testing.T) {
	cfg := Default()
	cfg.Sources = []SourceConfig{{Name: "a", Path: "x"}, {Name: "a", Path: "y"}}
	if _, err := cfg.Catalog(); !errors.Is(err, kb.ErrDuplicateSource) {
		t.Fatalf("Catalog error = %v, want kb.ErrDuplicateSource", err)
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "server.toml"))
	if err != nil {
		t.Fatalf("Load shipped config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("shipped config invalid: %v", err)
	}
	if cfg.DefaultSource != "harbour" || len(cfg.Sources) != 1 {
		t.Fatalf("shipped sources = %+v", cfg.Sources)
	}
}
