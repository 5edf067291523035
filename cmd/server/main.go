package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rpattn/statedata/internal/blob"
	"github.com/rpattn/statedata/internal/config"
	"github.com/rpattn/statedata/internal/db"
	"github.com/rpattn/statedata/internal/failurelog"
	"github.com/rpattn/statedata/internal/ingestion"
	"github.com/rpattn/statedata/internal/metrics"
	"github.com/rpattn/statedata/internal/middleware"
	"github.com/rpattn/statedata/internal/promotion"
	"github.com/rpattn/statedata/internal/reference"
	"github.com/rpattn/statedata/internal/repository"
	"github.com/rpattn/statedata/internal/repository/memory"
	"github.com/rpattn/statedata/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// storage bundles the repositories of one storage driver.
type storage struct {
	sessions   repository.ImportSessionRepository
	staged     repository.StagedRowRepository
	failed     repository.FailedRowRepository
	references repository.ReferenceRepository
	dataPoints repository.DataPointRepository
	promotions repository.PromotionStore
	ping       func(context.Context) error
	close      func()
}

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	if _, err := config.LoadEnv(".env", ".env.local"); err != nil {
		logrus.WithError(err).Fatal("failed to load env files")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logger := cfg.Log.NewLogger()
	if cfg.Source != "" {
		logger.WithField("file", cfg.Source).Info("loaded config")
	} else {
		logger.Info("no config.yaml found, using defaults and env vars")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	logger.WithField("driver", blobs.Driver()).Info("blob store ready")

	service := ingestion.NewService(ingestion.Dependencies{
		Sessions:   store.sessions,
		Staged:     store.staged,
		DataPoints: store.dataPoints,
		Resolver:   reference.NewResolver(store.references),
		Validator:  validator.NewRowValidator(validator.Bounds{MinYear: cfg.Import.MinYear, MaxYear: cfg.Import.MaxYear}),
		Failures:   failurelog.New(store.failed),
		Promoter:   promotion.NewEngine(store.promotions, logger),
		Blobs:      blobs,
		Metrics:    metrics.Default(),
		Logger:     logger,
	},
		ingestion.WithJumpRatio(cfg.Import.JumpRatio),
		ingestion.WithPreviewLimit(cfg.Import.PreviewLimit),
	)

	recovered, err := service.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.WithField("imports", recovered).Warn("recovered interrupted imports")
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery(logger), middleware.Logging(logger), middleware.UserIdentity)
	ingestion.NewHTTPHandler(service, logger, ingestion.WithMaxUploadBytes(cfg.Server.MaxUploadBytes)).Register(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.ping(r.Context()); err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("address", cfg.Server.Address).Info("starting import service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}

func openStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage, error) {
	if strings.EqualFold(cfg.Storage.Driver, config.StorageDriverMemory) {
		logger.Warn("using in-memory storage, data is lost on restart")
		store := memory.NewSeededStore()
		return storage{
			sessions:   store.Sessions(),
			staged:     store.StagedRows(),
			failed:     store.FailedRows(),
			references: store.References(),
			dataPoints: store.DataPoints(),
			promotions: store,
			ping:       func(context.Context) error { return nil },
			close:      func() {},
		}, nil
	}

	if err := db.RunMigrations(cfg.Database, logger); err != nil {
		return storage{}, err
	}
	conn, err := db.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return storage{}, err
	}
	return storage{
		sessions:   repository.NewImportSessionRepository(conn.Pool),
		staged:     repository.NewStagedRowRepository(conn.Pool),
		failed:     repository.NewFailedRowRepository(conn.Pool),
		references: repository.NewReferenceRepository(conn.Pool),
		dataPoints: repository.NewDataPointRepository(conn.Pool),
		promotions: repository.NewPromotionStore(conn.Pool, logger),
		ping: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return conn.Pool.Ping(pingCtx)
		},
		close: conn.Close,
	}, nil
}
