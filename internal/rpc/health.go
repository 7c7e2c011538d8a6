package rpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/kb"
)

// Warmer precomputes the payloads of a source.
type Warmer interface {
	Warm(ctx context.Context, source string) error
}

// Health publishes one health service name per catalog source. A source is
// SERVING once its warm-up succeeded (or immediately when warm-up is off)
// and NOT_SERVING while warming or after a failed warm-up. The empty
// service name reports the process itself.
type Health struct {
	srv     *health.Server
	catalog *kb.Catalog
	warmer  Warmer
	warm    bool
	log     logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	unsub   func()
	pending sync.WaitGroup
}

// NewHealth builds the health service for catalog. With warm set every
// source is warmed through warmer before it reports SERVING.
func NewHealth(catalog *kb.Catalog, warmer Warmer, warm bool, log logging.Logger) *Health {
	if log == nil {
		log = logging.Noop()
	}
	return &Health{
		srv:     health.NewServer(),
		catalog: catalog,
		warmer:  warmer,
		warm:    warm && warmer != nil,
		log:     log,
	}
}

// Register adds the health service to s.
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Start reports the process as serving, then tracks every current and
// future catalog source. Warm-ups run in the background until ctx ends.
func (h *Health) Start(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.unsub = h.catalog.Subscribe(func(e kb.Event) {
		if e.Type == kb.EventSourceRegistered {
			h.track(e.Source.Name)
		}
	})
	h.mu.Unlock()

	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, src := range h.catalog.List() {
		h.track(src.Name)
	}
}

// Wait blocks until every warm-up started so far has finished.
func (h *Health) Wait() {
	h.pending.Wait()
}

// Shutdown stops tracking and marks every service NOT_SERVING.
func (h *Health) Shutdown() {
	h.mu.Lock()
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
	h.mu.Unlock()
	h.srv.Shutdown()
}

func (h *Health) track(name string) {
	if !h.warm {
		h.srv.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
		return
	}
	h.srv.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)

	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	h.pending.Go(func() {
		start := time.Now()
		if err := h.warmer.Warm(ctx, name); err != nil {
			h.log.Warn(ctx, "source warm-up failed", logging.String("source", name), logging.Err(err))
			return
		}
		h.srv.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
		h.log.Info(ctx, "source warmed",
			logging.String("source", name),
			logging.Duration("duration", time.Since(start)),
		)
	})
}
