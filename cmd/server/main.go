package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"

	"github.com/tsviz/backend/internal/api"
	"github.com/tsviz/backend/internal/config"
	"github.com/tsviz/backend/internal/parser"
	"github.com/tsviz/backend/internal/storage"
	"github.com/tsviz/backend/internal/upload"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	configPath := filepath.Join(filepath.Dir(exePath), config.FileName)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, configPath); err != nil {
		fmt.Printf("Server error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, configPath string) error {
	logger := log.New("series-ingest")
	logger.SetLevel(cfg.LogLevel())
	logger.SetHeader("${time_rfc3339} ${level} ${short_file}:${line}")

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return err
	}

	store, err := storage.NewLocalStore(cfg.GetUploadDir())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	// Staging from a previous run belongs to jobs that no longer exist
	if n, err := store.Purge(); err != nil {
		logger.Warnf("[Storage] purging leftovers: %v", err)
	} else if n > 0 {
		logger.Infof("[Storage] removed %d leftover staging entries", n)
	}

	analyzer := parser.NewStreamAnalyzer(parser.Options{
		SampleRows: cfg.Processing.SampleRows,
		MaxPoints:  cfg.Processing.MaxPoints,
		Profile:    profile,
		Location:   loc,
	})

	uploadMgr := upload.NewManager(upload.NewJobStore(), store, analyzer, upload.Config{
		DefaultChunkSize: cfg.Processing.DefaultChunkSizeBytes,
		MaxChunks:        cfg.Processing.MaxChunksPerUpload,
		StallTimeout:     cfg.WatchdogTimeout(),
		WatchdogInterval: cfg.WatchdogInterval(),
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger = logger

	api.SetupMiddleware(e, api.MiddlewareOptions{
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		Gzip:           cfg.Processing.EnableCompression,
		GzipLevel:      cfg.Processing.CompressionLevel,
		BodyLimit:      cfg.Server.BodyLimit,
		CORS:           cfg.Server.EnableCORS,
		AllowOrigins:   cfg.GetAllowOrigins(),
	})
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		UploadMgr:    uploadMgr,
		Version:      Version,
		PushInterval: cfg.PushInterval(),
	}))

	// Configure server with settings from XML config. Write timeout stays
	// off by default so progress streams are not cut.
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if retention := cfg.JobRetention(); retention > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(max(retention/4, time.Minute))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					uploadMgr.CleanupOldJobs(retention)
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		if mgrErr := uploadMgr.Shutdown(shutdownCtx); mgrErr != nil {
			logger.Warnf("[UploadManager] jobs still running at shutdown: %v", mgrErr)
		}
		return err
	})

	return g.Wait()
}

func printBanner(cfg *config.AppConfig, configPath string) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Series Ingest Server                            ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Data Dir:  %-46s║\n", cfg.GetDataDir())
	fmt.Printf("║  Chunk:     %-46s║\n", humanize.IBytes(uint64(cfg.Processing.DefaultChunkSizeBytes)))
	fmt.Printf("║  Max Pts:   %-46s║\n", humanize.Comma(int64(cfg.Processing.MaxPoints)))
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
