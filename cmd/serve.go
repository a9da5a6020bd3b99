package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"filevora/admission"
	"filevora/api"
	"filevora/archive"
	"filevora/config"
	"filevora/egress"
	"filevora/services"
	"filevora/storage"
	"filevora/tools"
	"filevora/worker"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand starts the HTTP API, the conversion workers and the
// retention sweeper.
func NewServeCommand(ctx context.Context, fs afero.Fs, opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Example: "$ filevora serve --addr :8000",
		Short:   "Run the conversion API",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(ctx, fs, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, fs afero.Fs, cfg *config.Config, logger *log.Logger) error {
	logger.Info("Starting Filevora conversion service", "addr", cfg.HTTPAddr, "storage", cfg.StorageDir)
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := storage.NewStore(fs, cfg.StorageDir, cfg.RetentionWindow, logger.WithPrefix("storage"))
	if err != nil {
		return err
	}

	var scripter redis.Scripter
	if cfg.RedisEnabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.RedisTimeout)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis is unreachable, admission falls back to local counters until it recovers", "addr", cfg.RedisAddr, "error", err)
		} else {
			logger.Info("Connected to Redis successfully", "addr", cfg.RedisAddr)
		}
		cancel()
		scripter = redisClient
	}

	// Interfaces stay nil unless the backing service is configured.
	var (
		recorder worker.Recorder
		sessions api.SessionLookup
		database api.Pinger
	)
	if cfg.DatabaseEnabled() {
		dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer dbSvc.Close()
		if err := dbSvc.EnsureSchema(ctx); err != nil {
			return err
		}
		logger.Info("Connected to database successfully")
		recorder = dbSvc
		sessions = dbSvc
		database = dbSvc
	}

	var remote storage.ObjectStore
	if cfg.S3Enabled() {
		s3Svc, err := services.NewS3Service(cfg)
		if err != nil {
			return err
		}
		logger.Info("Publishing artifacts to S3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
		remote = s3Svc
	}

	guard := egress.NewGuard(nil, logger.WithPrefix("egress"))
	logger.Info("Cloud import egress guard ready", "allow_list", egress.AllowListVersion, "hosts", len(egress.DefaultAllowList))
	importer := services.NewCloudImporter(store, guard, guard.Client(cfg.CloudImportTimeout), cfg.MaxFileSize, logger.WithPrefix("cloud"))

	registry := tools.NewRegistry(
		services.NewGotenbergService(cfg.GotenbergURL, fs),
		services.NewFFmpegService(cfg.FFmpegPath, logger.WithPrefix("ffmpeg")),
		archive.NewRepacker(fs, archive.Limits{
			MaxEntries:      cfg.ArchiveMaxEntries,
			MaxExpandedSize: cfg.ArchiveMaxExpandedSize,
		}, logger.WithPrefix("archive")),
		cfg.MaxFilesPerRequest,
	)
	pool := worker.NewPool(cfg, recorder, logger.WithPrefix("worker"))

	server, err := api.NewServer(api.Dependencies{
		Config:    cfg,
		Store:     store,
		Publisher: storage.NewRouter(fs, remote, cfg.RetentionWindow, logger.WithPrefix("router")),
		Admission: admission.New(cfg, scripter, logger.WithPrefix("admission")),
		Tools:     registry,
		Pool:      pool,
		Importer:  importer,
		Sessions:  sessions,
		Database:  database,
		Logger:    logger.WithPrefix("http"),
	})
	if err != nil {
		return err
	}
	httpServer := server.HTTPServer()

	sweeper := storage.NewSweeper(store, cfg.SweepInterval, logger.WithPrefix("sweeper"))
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	// Workers stop only after the HTTP server has drained, so requests still
	// waiting on a conversion receive its outcome.
	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(poolCtx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Service is ready to process conversions", "addr", httpServer.Addr, "tools", len(registry.Names()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, draining requests")
		defer stopPool()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown timeout, forcing exit", "error", err)
			return httpServer.Close()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Conversion service stopped")
	return err
}
