// UniDrive federation server.
//
// Features:
// - Unified file and folder API over heterogeneous storage backends
// - Global identifiers spanning service, account, folder and file
// - Federated search with k-way merge and bounded fan-out
// - Cross-backend folder transfer with dry-run warnings
// - Guest share reconciliation through the share service
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unidrive/unidrive/internal/api"
	"github.com/unidrive/unidrive/internal/auth"
	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/backend/localfs"
	"github.com/unidrive/unidrive/internal/backend/s3drive"
	"github.com/unidrive/unidrive/internal/composite"
	"github.com/unidrive/unidrive/internal/config"
	"github.com/unidrive/unidrive/internal/events"
	"github.com/unidrive/unidrive/internal/logging"
	"github.com/unidrive/unidrive/internal/metrics"
	"github.com/unidrive/unidrive/internal/search"
	"github.com/unidrive/unidrive/internal/share"
	"github.com/unidrive/unidrive/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("UniDrive federation server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register backend drivers. The local filesystem driver is always
	// present; S3 joins the federation when a bucket is configured.
	registry := backend.NewRegistry()

	localDriver, err := localfs.New(cfg.LocalService, localfs.Config{
		Root:       cfg.LocalRoot,
		CreateDirs: true,
	})
	if err != nil {
		logging.Fatal("local backend init failed", zap.Error(err))
	}
	registry.Register(localDriver)
	registry.SetPrimary(cfg.LocalService)
	logging.Info("local backend registered",
		zap.String("service", cfg.LocalService),
		zap.String("root", cfg.LocalRoot))

	if cfg.S3Bucket != "" {
		s3Driver, err := s3drive.New(ctx, cfg.S3Service, s3drive.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
		if err != nil {
			logging.Fatal("s3 backend init failed", zap.Error(err))
		}
		registry.Register(s3Driver)
		logging.Info("s3 backend registered",
			zap.String("service", cfg.S3Service),
			zap.String("bucket", cfg.S3Bucket))
	}

	// Share service (optional; guest permissions stay unresolved without it).
	var shares *share.Store
	if cfg.DatabaseURL != "" {
		shares, err = share.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("share store connection failed", zap.Error(err))
		}
		defer shares.Close()
		logging.Info("share store connected")
	} else {
		logging.Warn("no DATABASE_URL set, guest shares disabled")
	}

	broadcaster := events.NewBroadcaster()

	deps := &composite.Deps{
		Registry: registry,
		Events:   broadcaster,
		Search:   search.NewEngine(int64(cfg.SearchParallelism), cfg.SecondaryTimeout),
		Transfer: transfer.NewEngine(),
	}
	if shares != nil {
		deps.Shares = shares
	}

	authHandler := auth.New(cfg.JWTSecret)

	srv := api.NewServer(
		registry,
		composite.NewFileAccess(deps),
		composite.NewFolderAccess(deps),
		deps.Search,
		authHandler,
		broadcaster,
		cfg.MaxUploadSize,
	)

	// Metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}
