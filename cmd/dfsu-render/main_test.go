package main

import (
	"context"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/signalsfoundry/dfsu-stream/core"
	"github.com/signalsfoundry/dfsu-stream/internal/api"
	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/internal/meshio"
	"github.com/signalsfoundry/dfsu-stream/kb"
	"github.com/signalsfoundry/dfsu-stream/model"
)

func meshServer(t *testing.T) *httptest.Server {
	t.Helper()
	cat := kb.NewCatalog()
	if err := cat.Register(kb.Source{Name: "square", Path: "square.msh"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	srv, err := api.New(api.Options{
		Catalog: cat,
		Field:   core.DefaultFieldOptions(),
		Loader: func(string, meshio.Options) (*model.MeshSource, error) {
			return &model.MeshSource{
				CRS:      core.WGS84,
				NodeIDs:  []int{1, 2, 3, 4},
				X:        []float64{0, 1, 1, 0},
				Y:        []float64{0, 0, 1, 1},
				Z:        []float64{-1, -1, -2, -2},
				Elements: []model.Element{{1, 2, 3, 4}},
				Items: []model.FieldItem{{
					Name:  "DO",
					Times: []float64{0, 60},
					Steps: [][]float32{{0.3}, {1.8}},
				}},
			}, nil
		},
		Projector: func(string) (core.Projector, error) { return core.IdentityProjector{}, nil },
	})
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func pngs(t *testing.T, dir string) []string {
	t.Helper()
	names, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	sort.Strings(names)
	return names
}

func TestRenderWritesFrames(t *testing.T) {
	ts := meshServer(t)
	o := options{
		server: ts.URL, item: 1, out: t.TempDir(),
		width: 32, height: 24, frames: 3,
		pointer: 0.5, depthScale: 1, legend: true,
	}
	if err := run(context.Background(), o, logging.Noop()); err != nil {
		t.Fatalf("run: %v", err)
	}

	files := pngs(t, o.out)
	want := []string{"frame-0000-t0000.png", "frame-0001-t0001.png", "frame-0002-t0000.png"}
	if len(files) != len(want) {
		t.Fatalf("wrote %v, want %v", files, want)
	}
	for i, f := range files {
		if filepath.Base(f) != want[i] {
			t.Errorf("frame %d = %s, want %s", i, filepath.Base(f), want[i])
		}
	}

	fh, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fh.Close()
	img, err := png.Decode(fh)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Fatalf("bounds = %v", b)
	}
}

func TestRenderSplitWithDepth(t *testing.T) {
	ts := meshServer(t)
	o := options{
		server: ts.URL, item: 1, out: t.TempDir(),
		width: 16, height: 16,
		split: true, pointer: 0.25, depth: true, depthScale: 2, tilt: 0.05,
		bandStep: 0.5,
	}
	if err := run(context.Background(), o, logging.Noop()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if files := pngs(t, o.out); len(files) != 2 {
		t.Fatalf("wrote %d frames, want one per timestep", len(files))
	}
}

func TestRenderUnknownItem(t *testing.T) {
	ts := meshServer(t)
	o := options{server: ts.URL, item: 4, out: t.TempDir(), width: 8, height: 8}
	if err := run(context.Background(), o, logging.Noop()); err == nil {
		t.Fatal("run succeeded for a missing item")
	}
}

func TestBands(t *testing.T) {
	def := bands(0)
	if len(def.Bands) != len(model.DefaultPalette()) || def.Bands[2].Value != 0.25 {
		t.Fatalf("default bands = %+v", def.Bands)
	}
	uniform := bands(0.5)
	if uniform.Bands[2].Value != 1 || uniform.Bands[2].Color != def.Bands[2].Color {
		t.Fatalf("uniform bands = %+v", uniform.Bands)
	}
}
