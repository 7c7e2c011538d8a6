// Command dfsu-render fetches a mesh and field item from a dfsu-stream
// server and writes one PNG per animation frame using the software device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/signalsfoundry/dfsu-stream/internal/client"
	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/internal/render"
	"github.com/signalsfoundry/dfsu-stream/internal/render/soft"
	"github.com/signalsfoundry/dfsu-stream/model"
	"github.com/signalsfoundry/dfsu-stream/timectrl"
)

type options struct {
	server string
	source string
	item   int
	out    string

	width, height int
	frames        int

	split      bool
	pointer    float64 // divider position as a fraction of the width
	depth      bool
	depthScale float64
	tilt       float64
	bandStep   float64
	legend     bool
	spirv      bool
}

func main() {
	var o options
	flag.StringVar(&o.server, "server", "http://localhost:8080", "dfsu-stream server base URL")
	flag.StringVar(&o.source, "source", "", "named source on the server; empty uses its default")
	flag.IntVar(&o.item, "item", 1, "field item number")
	flag.StringVar(&o.out, "out", "frames", "output directory")
	flag.IntVar(&o.width, "width", 800, "frame width in pixels")
	flag.IntVar(&o.height, "height", 600, "frame height in pixels")
	flag.IntVar(&o.frames, "frames", 0, "frames to render; 0 renders every timestep once")
	flag.BoolVar(&o.split, "split", false, "render the split depth view instead of the field")
	flag.Float64Var(&o.pointer, "pointer", 0.5, "split divider position, 0..1 of the width")
	flag.BoolVar(&o.depth, "depth", false, "exaggerate depth")
	flag.Float64Var(&o.depthScale, "depth-scale", 1, "depth exaggeration factor")
	flag.Float64Var(&o.tilt, "tilt", 0.02, "screen lift per unit of depth when -depth is set")
	flag.Float64Var(&o.bandStep, "band-step", 0, "uniform band spacing for the default colors; 0 keeps the default thresholds")
	flag.BoolVar(&o.legend, "legend", true, "draw the color legend")
	flag.BoolVar(&o.spirv, "spirv", false, "also compile shaders to SPIR-V")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, log); err != nil {
		log.Error(ctx, "render failed", logging.Err(err))
		os.Exit(1)
	}
}

func bands(step float64) model.BandSet {
	palette := model.DefaultPalette()
	if step > 0 {
		palette = model.UniformBands(model.Colors(palette), float32(step))
	}
	return model.BandSet{Generation: 1, Bands: palette}
}

func run(ctx context.Context, o options, log logging.Logger) error {
	if err := os.MkdirAll(o.out, 0o755); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}
	c, err := client.New(client.Options{BaseURL: o.server, Source: o.source, Logger: log})
	if err != nil {
		return err
	}
	ds, err := c.Fetch(ctx, o.item)
	if err != nil {
		return err
	}
	log.Info(ctx, "fetched dataset",
		logging.Int("triangles", ds.Descriptor.TriangleCount),
		logging.Int("timesteps", ds.Descriptor.TimeStepCount),
	)

	dev, err := soft.New(soft.Options{
		Width:        o.width,
		Height:       o.height,
		Background:   model.RGBA{R: 0.08, G: 0.09, B: 0.11, A: 1},
		CompileSPIRV: o.spirv,
	})
	if err != nil {
		return err
	}
	layer := render.NewMeshLayer(dev, "dfsu-render")
	defer layer.Dispose()

	variant := render.VariantField
	if o.split {
		variant = render.VariantSplit
	}
	tilt := float32(0)
	if o.depth {
		tilt = float32(o.tilt)
	}
	viewport := render.Viewport{
		Width:    o.width,
		Height:   o.height,
		ViewProj: render.ObliqueViewProj(render.BoundsOf(ds.Vertices), float32(o.width)/float32(o.height), tilt),
	}
	positions := render.VersionedBuffer{Generation: 1, Data: ds.Vertices}
	bandSet := bands(o.bandStep)

	if ds.Descriptor.TimeStepCount == 0 {
		return fmt.Errorf("item %d has no timesteps", o.item)
	}
	frames := o.frames
	if frames <= 0 {
		frames = ds.Descriptor.TimeStepCount
	}

	var driver *timectrl.FrameDriver
	redraw := func(_ context.Context, v model.ViewState) error {
		v.DepthExaggeration = o.depth
		v.DepthScale = float32(o.depthScale)
		v.PointerX = float32(o.pointer) * float32(o.width)

		values, err := render.TimestepValues(ds.Field, v.CurrentTimestep, 1)
		if err != nil {
			return err
		}
		err = layer.BindAttributes(render.Props{
			Positions: positions,
			Values:    values,
			Bands:     bandSet,
			Variant:   variant,
		})
		if err != nil {
			return err
		}
		dev.Clear()
		if err := layer.Draw(render.Pass{View: v, Viewport: viewport}); err != nil {
			return err
		}
		return writeFrame(dev, bandSet, o, driver.Frames(), v.CurrentTimestep)
	}
	driver = timectrl.NewFrameDriver(redraw, timectrl.Options{Mode: timectrl.Accelerated, MaxFrames: frames})
	driver.SetTimestepCount(ds.Descriptor.TimeStepCount)

	if err := driver.Run(ctx); err != nil {
		return err
	}
	st, ls := dev.Stats(), layer.Stats()
	log.Info(ctx, "frames written",
		logging.String("out", o.out),
		logging.Int("frames", driver.Frames()),
		logging.Int("triangles", st.Triangles),
		logging.Int("compiles", ls.Compiles),
		logging.Int("value_uploads", ls.ValueUploads),
	)
	return nil
}

func writeFrame(dev *soft.Device, bandSet model.BandSet, o options, index, timestep int) error {
	f := dev.Frame()
	defer f.Close()
	if o.legend {
		opts := soft.DefaultLegend()
		opts.NoData = !o.split
		if err := f.DrawLegend(bandSet.Bands, opts); err != nil {
			return err
		}
	}
	return f.SavePNG(filepath.Join(o.out, fmt.Sprintf("frame-%04d-t%04d.png", index, timestep)))
}
