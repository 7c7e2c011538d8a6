package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/internal/observability"
	"github.com/signalsfoundry/dfsu-stream/kb"
)

type fakeWarmer struct {
	mu     sync.Mutex
	warmed []string
	fail   map[string]bool
}

func (w *fakeWarmer) Warm(_ context.Context, source string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warmed = append(w.warmed, source)
	if w.fail[source] {
		return errors.New("unreadable mesh")
	}
	return nil
}

func newCatalog(t *testing.T, names ...string) *kb.Catalog {
	t.Helper()
	cat := kb.NewCatalog()
	for _, n := range names {
		if err := cat.Register(kb.Source{Name: n, Path: n + ".msh"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return cat
}

// serve starts a gRPC server with h registered and returns a health client.
func serve(t *testing.T, h *Health, metrics *observability.ServerCollector) healthpb.HealthClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	srv := NewServer(logging.Noop(), metrics)
	h.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthReportsWarmedSources(t *testing.T) {
	cat := newCatalog(t, "broken", "harbour")
	warmer := &fakeWarmer{fail: map[string]bool{"broken": true}}
	h := NewHealth(cat, warmer, true, nil)
	metrics, err := observability.NewServerCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewServerCollector: %v", err)
	}
	client := serve(t, h, metrics)

	h.Start(context.Background())
	h.Wait()

	want := map[string]healthpb.HealthCheckResponse_ServingStatus{
		"":        healthpb.HealthCheckResponse_SERVING,
		"harbour": healthpb.HealthCheckResponse_SERVING,
		"broken":  healthpb.HealthCheckResponse_NOT_SERVING,
	}
	for service, status := range want {
		if got := check(t, client, service); got != status {
			t.Errorf("status(%q) = %v, want %v", service, got, status)
		}
	}
	if got := testutil.ToFloat64(metrics.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 3 {
		t.Errorf("rpc counter = %v, want 3", got)
	}

	if err := cat.Register(kb.Source{Name: "estuary", Path: "estuary.msh"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.Wait()
	if got := check(t, client, "estuary"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status(estuary) = %v, want SERVING", got)
	}

	h.Shutdown()
	if got := check(t, client, "harbour"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after Shutdown = %v, want NOT_SERVING", got)
	}
}

func TestHealthWithoutWarmUp(t *testing.T) {
	warmer := &fakeWarmer{}
	h := NewHealth(newCatalog(t, "harbour"), warmer, false, nil)
	client := serve(t, h, nil)
	h.Start(context.Background())
	h.Wait()

	if got := check(t, client, "harbour"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, want SERVING", got)
	}
	if len(warmer.warmed) != 0 {
		t.Fatalf("warmed %v with warm-up disabled", warmer.warmed)
	}
}

func TestRequestIDInterceptor(t *testing.T) {
	interceptor := RequestIDUnaryServerInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	var seen string
	handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", "probe-7"))
	if _, err := interceptor(ctx, nil, info, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen != "probe-7" {
		t.Fatalf("request id = %q, want probe-7", seen)
	}

	if _, err := interceptor(context.Background(), nil, info, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen == "" || seen == "probe-7" {
		t.Fatalf("generated request id = %q", seen)
	}
}

func TestTracingInterceptorPassesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := TracingUnaryServerInterceptor()(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/svc.Mesh/Warm"},
		func(context.Context, interface{}) (interface{}, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}
