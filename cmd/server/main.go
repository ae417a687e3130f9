package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memberhub/cmd/server/config"
	adapter "memberhub/internal/adapters/grpc"
	"memberhub/internal/observability"
	"memberhub/internal/realtime"
	"memberhub/internal/registration"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	metrics := observability.NewMetrics()

	cache, cleanupCache, err := buildSessionCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer cleanupCache()

	var svc *registration.Service
	hub := realtime.NewHub(func(ctx context.Context, id string) (any, error) {
		return svc.GetStatus(ctx, id)
	}, logger)

	opts := registration.BuildOptions{
		DSN:                cfg.DatabaseURL,
		Config:             cfg.Registration.Workflow(),
		Reliability:        cfg.Registration.Reliability(),
		AutoSettlePayments: cfg.Registration.AutoSettlePayments,
		Notifier:           registration.NewFanoutNotifier(hub, registration.NewLogNotifier(logger)),
		Metrics:            metrics,
		OnBreakerChange: func(name string, from, to registration.BreakerState) {
			metrics.ObserveBreaker(name, from.String(), to.String())
			log.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
		Logger: logger,
		Logf:   log.Printf,
	}
	if cache != nil {
		opts.Cache = cache
	}
	rt, err := registration.BuildService(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Cleanup()
	svc = rt.Service

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)
	go runPurgeLoop(ctx, cfg.Registration.PurgeInterval, rt.Purge)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	limiter := registration.NewRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics)),
	)
	adapter.Register(server, adapter.NewRegistrationServer(rt.Service).WithSettler(rt))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(adapter.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !cfg.Production() {
		reflection.Register(server)
		log.Println("gRPC reflection enabled (APP_ENV=", cfg.AppEnv, ")")
	}

	httpSrv := startHTTPServer(cfg.HTTP.Addr, metrics, hub)

	log.Printf("Server running on %s...", cfg.GRPC.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus(adapter.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func newHTTPHandler(metrics *observability.Metrics, hub *realtime.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	hub.Routes(mux)
	return mux
}

func startHTTPServer(addr string, metrics *observability.Metrics, hub *realtime.Hub) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newHTTPHandler(metrics, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}()
	return srv
}
