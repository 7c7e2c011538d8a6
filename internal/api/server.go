// Package api serves mesh geometry and field series over HTTP, plus a
// websocket stream of animation frames.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/dfsu-stream/core"
	"github.com/signalsfoundry/dfsu-stream/internal/codec"
	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/internal/meshcache"
	"github.com/signalsfoundry/dfsu-stream/internal/meshio"
	"github.com/signalsfoundry/dfsu-stream/internal/observability"
	"github.com/signalsfoundry/dfsu-stream/kb"
	"github.com/signalsfoundry/dfsu-stream/model"
	"github.com/signalsfoundry/dfsu-stream/timectrl"
)

// Prefix is the path prefix of every mesh route.
const Prefix = "/api/dfsu"

// Loader reads a mesh file.
type Loader func(path string, opts meshio.Options) (*model.MeshSource, error)

// ProjectorFactory builds the projector from a source reference system to
// the renderer's geographic reference.
type ProjectorFactory func(srcCRS string) (core.Projector, error)

// Options configures a Server. Only Catalog is required.
type Options struct {
	Catalog *kb.Catalog
	Cache   *meshcache.Cache
	Field   core.FieldOptions
	Logger  logging.Logger
	Metrics *observability.ServerCollector

	FrameInterval    time.Duration
	MinFrameInterval time.Duration
	// AllowedOrigins for frame streams; empty allows same-origin only and
	// "*" allows any origin.
	AllowedOrigins []string

	Loader    Loader
	Projector ProjectorFactory
}

// Server implements the HTTP surface.
type Server struct {
	catalog   *kb.Catalog
	cache     *meshcache.Cache
	field     core.FieldOptions
	log       logging.Logger
	metrics   *observability.ServerCollector
	load      Loader
	project   ProjectorFactory
	interval  time.Duration
	minPeriod time.Duration
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
}

// New builds a Server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Catalog == nil {
		return nil, errors.New("api: catalog is required")
	}
	s := &Server{
		catalog:   opts.Catalog,
		cache:     opts.Cache,
		field:     opts.Field,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		load:      opts.Loader,
		project:   opts.Projector,
		interval:  opts.FrameInterval,
		minPeriod: opts.MinFrameInterval,
	}
	if s.cache == nil {
		s.cache = meshcache.New(meshcache.WithLogger(opts.Logger))
	}
	if s.log == nil {
		s.log = logging.Noop()
	}
	if s.load == nil {
		s.load = meshio.Load
	}
	if s.project == nil {
		s.project = func(srcCRS string) (core.Projector, error) { return core.NewProjector(srcCRS, core.WGS84) }
	}
	if s.interval <= 0 {
		s.interval = timectrl.DefaultInterval
	}
	if s.minPeriod <= 0 {
		s.minPeriod = time.Millisecond
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:       originChecker(opts.AllowedOrigins),
		EnableCompression: true,
	}

	s.mux = http.NewServeMux()
	s.route("GET "+Prefix+"/vertices-buffer", "vertices-buffer", s.handleVertices)
	s.route("GET "+Prefix+"/timestep-buffer", "timestep-buffer", s.handleTimesteps)
	s.route("GET "+Prefix+"/dfs-info", "dfs-info", s.handleInfo)
	s.route("GET "+Prefix+"/frames", "frames", s.handleFrames)
	s.route("GET "+Prefix+"/sources", "sources", s.handleSources)
	s.route("GET /healthz", "healthz", s.handleHealth)
	return s, nil
}

// Handler returns the root handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return requestLogger(s.log, s.mux)
}

func (s *Server) route(pattern, name string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.metrics.Middleware(name, h))
}

// Vertices returns the gzip-compressed triangle vertex buffer of source.
func (s *Server) Vertices(ctx context.Context, source string) ([]byte, error) {
	src, err := s.catalog.Lookup(source)
	if err != nil {
		return nil, err
	}
	return s.cache.GetOrCompute(ctx, meshcache.VerticesKey(src.Name), func(ctx context.Context) ([]byte, error) {
		mesh, err := s.open(src)
		if err != nil {
			return nil, err
		}
		p, err := s.project(mesh.CRS)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		buf, err := core.ExtractVertices(ctx, mesh, p)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		return codec.EncodeFloat32s(buf)
	})
}

// Field returns the gzip-compressed series of field item itemNumber.
func (s *Server) Field(ctx context.Context, source string, itemNumber int) ([]byte, error) {
	src, err := s.catalog.Lookup(source)
	if err != nil {
		return nil, err
	}
	return s.cache.GetOrCompute(ctx, meshcache.FieldKey(src.Name, itemNumber), func(ctx context.Context) ([]byte, error) {
		mesh, err := s.open(src)
		if err != nil {
			return nil, err
		}
		series, err := core.EncodeField(ctx, mesh, itemNumber, s.field)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		return codec.EncodeFloat32s(series.Values)
	})
}

// Info returns the descriptor of field item itemNumber.
func (s *Server) Info(ctx context.Context, source string, itemNumber int) (model.MeshDescriptor, error) {
	src, err := s.catalog.Lookup(source)
	if err != nil {
		return model.MeshDescriptor{}, err
	}
	raw, err := s.cache.GetOrCompute(ctx, meshcache.InfoKey(src.Name, itemNumber), func(context.Context) ([]byte, error) {
		mesh, err := s.open(src)
		if err != nil {
			return nil, err
		}
		desc, err := core.Describe(mesh, itemNumber)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		if n := s.field.TimeStepCount; n > 0 {
			if n > desc.TimeStepCount {
				return nil, fmt.Errorf("source %s: %w: %d of %d", src.Name, model.ErrTimestepNotFound, n, desc.TimeStepCount)
			}
			desc.TimeStepCount = n
		}
		return json.Marshal(desc)
	})
	if err != nil {
		return model.MeshDescriptor{}, err
	}
	var desc model.MeshDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return model.MeshDescriptor{}, fmt.Errorf("cached descriptor: %w", err)
	}
	return desc, nil
}

// Warm computes the vertices and first field item of source.
func (s *Server) Warm(ctx context.Context, source string) error {
	if _, err := s.Vertices(ctx, source); err != nil {
		return err
	}
	if _, err := s.Info(ctx, source, 1); err != nil {
		return err
	}
	_, err := s.Field(ctx, source, 1)
	return err
}

func (s *Server) open(src kb.Source) (*model.MeshSource, error) {
	mesh, err := s.load(src.Path, meshio.Options{CRS: src.CRS, DeleteValue: src.DeleteValue})
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Name, err)
	}
	return mesh, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
