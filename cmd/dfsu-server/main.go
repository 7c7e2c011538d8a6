// Command dfsu-server serves mesh geometry and field series over HTTP, a
// websocket frame stream, Prometheus metrics and gRPC health.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/dfsu-stream/core"
	"github.com/signalsfoundry/dfsu-stream/internal/api"
	"github.com/signalsfoundry/dfsu-stream/internal/config"
	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/internal/meshcache"
	"github.com/signalsfoundry/dfsu-stream/internal/observability"
	"github.com/signalsfoundry/dfsu-stream/internal/rpc"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	meshPath := flag.String("mesh", "", "mesh file to serve, registered under its file name")
	crs := flag.String("crs", "", "reference system of -mesh when no .prj file sits next to it")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides config)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC health listen address; \"off\" disables it")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus /metrics address; \"off\" disables it")
	digits := flag.Int("significant-digits", 0, "field rounding precision (overrides config)")
	warm := flag.Bool("warm", false, "compute every source before reporting it healthy")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *meshPath != "" {
		cfg.AddMesh(*meshPath, *crs)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.Server.HTTPAddr = *httpAddr
		case "grpc-addr":
			cfg.Server.GRPCAddr = offToEmpty(*grpcAddr)
		case "metrics-addr":
			cfg.Server.MetricsAddr = offToEmpty(*metricsAddr)
		case "significant-digits":
			cfg.Field.SignificantDigits = *digits
		case "warm":
			cfg.Cache.Warm = *warm
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.New(cfg.Logging)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.Server.HTTPAddr), logging.Err(err))
		os.Exit(1)
	}
	var grpcLis net.Listener
	if cfg.Server.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Server.GRPCAddr), logging.Err(err))
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, log, httpLis, grpcLis); err != nil {
		log.Error(context.Background(), "server failed", logging.Err(err))
		os.Exit(1)
	}
}

func offToEmpty(addr string) string {
	if addr == "off" {
		return ""
	}
	return addr
}

// run serves until ctx is done, then shuts every surface down within
// cfg.Server.ShutdownTimeout. grpcLis may be nil.
func run(ctx context.Context, cfg config.Config, log logging.Logger, httpLis, grpcLis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	catalog, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cacheMetrics, err := observability.NewCacheCollector(reg)
	if err != nil {
		return fmt.Errorf("cache metrics: %w", err)
	}
	serverMetrics, err := observability.NewServerCollector(reg)
	if err != nil {
		return fmt.Errorf("server metrics: %w", err)
	}

	cache := meshcache.New(
		meshcache.WithMetrics(cacheMetrics),
		meshcache.WithReclaim(cfg.Cache.Reclaim),
		meshcache.WithLogger(log),
	)
	apiSrv, err := api.New(api.Options{
		Catalog: catalog,
		Cache:   cache,
		Field: core.FieldOptions{
			SignificantDigits: cfg.Field.SignificantDigits,
			TimeStepCount:     cfg.Field.TimeStepCount,
		},
		Logger:           log,
		Metrics:          serverMetrics,
		FrameInterval:    cfg.Frames.DefaultInterval.Std(),
		MinFrameInterval: cfg.Frames.MinInterval.Std(),
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	httpSrv := &http.Server{
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	log.Info(ctx, "serving mesh API",
		logging.String("addr", httpLis.Addr().String()),
		logging.Int("sources", len(catalog.List())),
		logging.String("default_source", catalog.Default()),
	)

	metricsSrv := serveMetrics(cfg.Server.MetricsAddr, serverMetrics, log)

	health := rpc.NewHealth(catalog, apiSrv, cfg.Cache.Warm, log)
	var grpcSrv *grpc.Server
	if grpcLis != nil {
		grpcSrv = rpc.NewServer(log, serverMetrics)
		health.Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		log.Info(ctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
	}
	health.Start(ctx)

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
	}

	log.Info(context.Background(), "shutting down")
	health.Shutdown()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn(shutdownCtx, "http shutdown", logging.Err(serr))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	health.Wait()
	return err
}

func serveMetrics(addr string, collector *observability.ServerCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
