package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"incident-detector-service/internal/adapters/primary/http/handlers"
	"incident-detector-service/internal/adapters/primary/http/middleware"
	"incident-detector-service/internal/adapters/secondary/captioning"
	"incident-detector-service/internal/adapters/secondary/imaging"
	"incident-detector-service/internal/adapters/secondary/kserve"
	"incident-detector-service/internal/adapters/secondary/localfs"
	"incident-detector-service/internal/adapters/secondary/postgres"
	"incident-detector-service/internal/adapters/secondary/s3"
	"incident-detector-service/internal/adapters/secondary/sqlite"
	"incident-detector-service/internal/adapters/secondary/supabase"
	"incident-detector-service/internal/config"
	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
	"incident-detector-service/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	initLogger(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx := context.Background()

	// ============================================================================
	// Hexagonal Architecture Wiring
	// ============================================================================

	// Secondary Adapters (Output Ports)
	remote, err := newRemoteStore(ctx, cfg)
	if err != nil {
		log.Fatalf("create remote store: %v", err)
	}
	log.Infof("remote store backend: %s", cfg.Store.Backend)

	metadataStore, closeMetadata := newMetadataStore(ctx, cfg)
	defer closeMetadata()

	engine, err := kserve.NewInferenceEngine(&cfg.Inference)
	if err != nil {
		log.Fatalf("create inference engine: %v", err)
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.Artifacts.LocalDir, 0o755); err != nil {
		log.Fatalf("create artifact dir: %v", err)
	}

	captioner := captioning.NewCaptioner(&cfg.Caption)
	if !cfg.Caption.Enabled {
		log.Info("captioning disabled")
	}

	// Core Services (Application Layer)
	artifacts := []domain.ArtifactDescriptor{
		{Key: cfg.Artifacts.ModelRemote, LocalPath: cfg.Artifacts.ModelLocalPath(), RemotePath: cfg.Artifacts.ModelRemote},
		{Key: cfg.Artifacts.LabelsRemote, LocalPath: cfg.Artifacts.LabelsLocalPath(), RemotePath: cfg.Artifacts.LabelsRemote},
	}
	lifecycle := services.NewModelLifecycleManager(engine, fs, artifacts[0].LocalPath, artifacts[1].LocalPath)
	cache := services.NewRemoteMetadataCache(ctx, metadataStore)
	syncer := services.NewArtifactSyncer(remote, cache, fs, artifacts,
		services.WithMetadataTTL(cfg.Metadata.TTL),
		services.WithReplaceGuard(lifecycle),
	)
	fusion := services.NewDecisionFusionEngine(services.FusionPolicy{
		ConfidenceThreshold: cfg.Fusion.ConfidenceThreshold,
		AmbiguityMargin:     cfg.Fusion.AmbiguityMargin,
	})
	predictionSvc := services.NewPredictionService(
		syncer,
		lifecycle,
		imaging.NewPreprocessor(),
		captioner,
		imaging.NewFakePhotoDetector(cfg.Heuristics.BlurThreshold),
		fusion,
	)

	// Warm the local mirror; failures are reported per artifact and retried on
	// the next request.
	syncCtx, cancelSync := context.WithTimeout(ctx, cfg.Store.Timeout)
	for _, r := range predictionSvc.Sync(syncCtx) {
		if r.Outcome.Status == domain.SyncFailed {
			log.WithField("artifact", r.Artifact.Key).Warnf("startup sync failed: %s", r.Outcome.Reason)
		}
	}
	cancelSync()

	// Primary Adapter (HTTP Handlers)
	h := handlers.New(predictionSvc, cfg.Server.MaxUploadBytes)

	// Setup router
	router := gin.New()
	router.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	router.Use(middleware.RequestID(), middleware.Logging(), middleware.CORS(""), gin.Recovery())

	h.RegisterRoutes(router.Group("/"))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Infof("starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced shutdown: %v", err)
	}

	log.Info("server stopped")
}

func newRemoteStore(ctx context.Context, cfg *config.Config) (output.RemoteObjectStore, error) {
	switch cfg.Store.Backend {
	case config.StoreS3:
		return s3.New(ctx, &cfg.S3)
	case config.StoreFilesystem:
		return localfs.NewStore(cfg.Filesystem.Root), nil
	default:
		return supabase.NewStorageClient(&cfg.Supabase, cfg.Store.Timeout), nil
	}
}

// newMetadataStore opens the configured side-store. Any failure degrades to
// an in-memory cache rather than blocking startup.
func newMetadataStore(ctx context.Context, cfg *config.Config) (output.MetadataStore, func()) {
	noop := func() {}

	switch cfg.Metadata.Backend {
	case config.MetadataSQLite:
		path := cfg.Metadata.Path
		if !filepath.IsAbs(path) && filepath.Dir(path) == "." {
			path = filepath.Join(cfg.Artifacts.LocalDir, path)
		}
		store, err := sqlite.Open(path)
		if err != nil {
			log.WithError(err).Warn("metadata side-store unavailable, caching in memory only")
			return nil, noop
		}
		log.Infof("metadata side-store: sqlite %s", path)
		return store, func() { _ = store.Close() }

	case config.MetadataPostgres:
		pool, err := pgxpool.New(ctx, cfg.Metadata.DSN)
		if err == nil {
			err = pool.Ping(ctx)
		}
		if err == nil {
			err = postgres.Migrate(ctx, pool)
		}
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			log.WithError(err).Warn("metadata side-store unavailable, caching in memory only")
			return nil, noop
		}
		log.Info("metadata side-store: postgres")
		return postgres.NewMetadataRepository(pool), pool.Close

	default:
		return nil, noop
	}
}

func initLogger(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logger.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
