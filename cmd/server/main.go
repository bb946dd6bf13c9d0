// Package main is the entry point for the promoz server.
//
// Usage:
//
//	server [serve]               run the HTTP and gRPC servers
//	server migrate               apply database migrations and exit
//	server create-api-key NAME   create an API key and print its token once
//	server list-api-keys         list API keys
//	server revoke-api-key ID     revoke an API key
//
// The serve bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool, migrating first if MIGRATE_ON_START is set.
//  3. Create the repository and service (eagerly loading the rule cache).
//  4. Wire up API key authentication with per-IP failure rate limiting.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matt-riley/promoz/internal/config"
	"github.com/matt-riley/promoz/internal/logging"
	"github.com/matt-riley/promoz/internal/metrics"
	"github.com/matt-riley/promoz/internal/middleware"
	"github.com/matt-riley/promoz/internal/repository"
	"github.com/matt-riley/promoz/internal/server"
	"github.com/matt-riley/promoz/internal/service"
	"github.com/matt-riley/promoz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

const (
	commandServe        = "serve"
	commandMigrate      = "migrate"
	commandCreateAPIKey = "create-api-key"
	commandListAPIKeys  = "list-api-keys"
	commandRevokeAPIKey = "revoke-api-key"
)

var errUsage = errors.New("usage: server [serve | migrate | create-api-key NAME | list-api-keys | revoke-api-key ID]")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type command struct {
	name string
	arg  string
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{name: commandServe}, nil
	}

	switch args[0] {
	case commandServe, commandMigrate, commandListAPIKeys:
		if len(args) != 1 {
			return command{}, errUsage
		}
		return command{name: args[0]}, nil
	case commandCreateAPIKey, commandRevokeAPIKey:
		if len(args) != 2 || args[1] == "" {
			return command{}, errUsage
		}
		return command{name: args[0], arg: args[1]}, nil
	default:
		return command{}, errUsage
	}
}

func run(args []string, stdout io.Writer) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	repo := repository.NewPostgresRepository(pool)

	switch cmd.name {
	case commandMigrate:
		return runMigrations(ctx, pool, log)
	case commandCreateAPIKey:
		return createAPIKey(ctx, repo, cmd.arg, stdout)
	case commandListAPIKeys:
		return listAPIKeys(ctx, repo, stdout)
	case commandRevokeAPIKey:
		return revokeAPIKey(ctx, repo, cmd.arg, stdout)
	}

	if cfg.MigrateOnStart {
		if err := runMigrations(ctx, pool, log); err != nil {
			return err
		}
	}

	return serve(ctx, stop, cfg, log, pool, repo)
}

func serve(ctx context.Context, stop context.CancelFunc, cfg config.Config, log *slog.Logger, pool *pgxpool.Pool, repo *repository.PostgresRepository) error {
	shutdownTracer, err := tracing.Init(ctx, tracing.Options{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.ResetCacheSize, m.SetCacheSize),
		service.WithEvaluationObserver(m.RecordEvaluation),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithEventBatchSize(cfg.EventBatchSize),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.AuthRateLimit)

	authenticator := middleware.NewAuthenticator(middleware.NewAPIKeyValidator(repo),
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	)

	// Metrics sit inside auth so the inner mux pattern labels each route.
	apiHandler := m.HTTPMiddleware(server.NewHTTPHandlerWithOptions(svc, cfg.StreamPollInterval, m, server.WithMaxJSONBodySize(cfg.MaxJSONBodySize)))
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, authenticator))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "promoz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
			authenticator.UnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			m.StreamServerInterceptor(),
			authenticator.StreamInterceptor(),
		),
	)
	server.RegisterRuleServiceServer(grpcServer, server.NewGRPCServerWithOptions(svc, cfg.StreamPollInterval, m))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(server.RuleServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")
	healthServer.Shutdown()

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// newHTTPHandler puts every /v1/ route behind bearer auth and exposes only
// the health and metrics endpoints without it.
func newHTTPHandler(apiHandler http.Handler, auth *middleware.Authenticator) http.Handler {
	protectedAPIHandler := auth.HTTP(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
