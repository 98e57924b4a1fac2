// Command registryd runs an in-memory land registry for development. It mints a throwaway
// root, serves the registry over TLS and publishes the root so development clients can
// trust it.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/landledger/landledger/internal/app"
	"github.com/landledger/landledger/internal/devpki"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/observability"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/registry/memory"
	"github.com/landledger/landledger/internal/roles"
)

func main() {
	if app.SkipStartup("registryd") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.IsProduction() {
		slog.Default().Error("registryd serves development data only; refusing to start in production")
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	verifier, err := cfg.Verifier()
	if err != nil {
		logger.Error("build delegation verifier", slog.Any("error", err))
		os.Exit(1)
	}

	var backendOpts []memory.Option
	if admin := strings.TrimSpace(cfg.RegistryAdmin); admin != "" {
		p, err := identity.Parse(admin)
		if err != nil {
			logger.Error("parse registry admin", slog.Any("error", err))
			os.Exit(1)
		}
		backendOpts = append(backendOpts, memory.WithGrant(p, roles.Owner))
		logger.Info("seeded registry owner", slog.String("principal", p.String()))
	}
	backend := memory.New(backendOpts...)

	authority, err := devpki.NewAuthority("landledger development root", 30*24*time.Hour)
	if err != nil {
		logger.Error("create development root", slog.Any("error", err))
		os.Exit(1)
	}
	hosts := []string{"localhost", "127.0.0.1"}
	if cfg.RegistryServerName != "" {
		hosts = append([]string{cfg.RegistryServerName}, hosts...)
	}
	serving, err := authority.IssueServer(hosts, 7*24*time.Hour)
	if err != nil {
		logger.Error("issue serving certificate", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	grpcServer := registry.NewServer(backend, registry.ServerOptions{
		Verifier:    verifier,
		UpdateRate:  rate.Limit(cfg.RegistryUpdateRate),
		UpdateBurst: cfg.RegistryUpdateBurst,
		Logger:      logger,
	},
		grpc.Creds(credentials.NewServerTLSFromCert(&serving)),
		grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
	)

	lis, err := net.Listen("tcp", cfg.RegistryListenAddr)
	if err != nil {
		logger.Error("listen registry", slog.String("addr", cfg.RegistryListenAddr), slog.Any("error", err))
		os.Exit(1)
	}

	rootPEM := authority.CertPEM()
	router := chi.NewRouter()
	router.Use(middleware.RealIP, middleware.Recoverer)
	router.Get("/root-cert", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(rootPEM)
	})
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	certServer := &http.Server{
		Addr:              cfg.RegistryCertAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving development root", slog.String("addr", cfg.RegistryCertAddr))
		if err := certServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("root cert server", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		logger.Info("starting registry", slog.String("addr", cfg.RegistryListenAddr), slog.Any("hosts", hosts))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("registry server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := certServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
}
