package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-clipper/internal/api"
	"github.com/heimdex/heimdex-clipper/internal/buffer"
	"github.com/heimdex/heimdex-clipper/internal/caption"
	"github.com/heimdex/heimdex-clipper/internal/capture"
	"github.com/heimdex/heimdex-clipper/internal/catalog"
	"github.com/heimdex/heimdex-clipper/internal/cloud"
	"github.com/heimdex/heimdex-clipper/internal/config"
	"github.com/heimdex/heimdex-clipper/internal/convert"
	"github.com/heimdex/heimdex-clipper/internal/db"
	"github.com/heimdex/heimdex-clipper/internal/events"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/logging"
	"github.com/heimdex/heimdex-clipper/internal/marker"
	"github.com/heimdex/heimdex-clipper/internal/notify"
	"github.com/heimdex/heimdex-clipper/internal/playback"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
	"github.com/heimdex/heimdex-clipper/internal/ui"
	"github.com/heimdex/heimdex-clipper/internal/upload"
	"github.com/heimdex/heimdex-clipper/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture buffer, export queue and HTTP API",
	RunE:  runServe,
}

const (
	captureSourceID = "screen"
	sweepSchedule   = "@hourly"
	sweepMaxAge     = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func runServe(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.DataDir(), cfg.TempDir(), cfg.OutputDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())
	logger.Info("starting heimdex clipper",
		"version", config.Version,
		"commit", config.GitCommit,
		"data_dir", cfg.DataDir(),
		"output_dir", cfg.OutputDir(),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}
	printBanner(cfg.Port(), authToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Missing binaries are not fatal: doctor reports them and exports fail
	// with BINARY_NOT_FOUND until they are installed.
	ffmpeg, ffprobe, err := resolveBinaries(cfg)
	if err != nil {
		logger.Warn("transcoding toolchain incomplete", "error", err)
	}
	doctor := transcode.NewCachedDoctor(transcode.NewDoctor(transcode.NewExecRunner(logging.Discard()), ffmpeg, ffprobe), logger)
	doctorCtx, doctorCancel := context.WithTimeout(ctx, 20*time.Second)
	if _, err := doctor.Refresh(doctorCtx); err != nil {
		logger.Warn("initial doctor probe failed", "error", err)
	}
	doctorCancel()

	runner := transcode.NewExecRunner(logger)
	ffmpegBin := orName(ffmpeg, "ffmpeg")

	hub := events.NewHub(logger)

	source := capture.NewFFmpegSource(captureSourceID, "Screen", ffmpegBin, cfg.CaptureInputArgs(), cfg.CaptureChunkBytes(), runner)
	captures := capture.NewManager([]capture.Source{source}, cfg.Retention(), logger)
	captures.SetPublisher(hub)

	janitor := buffer.NewJanitor(captures.Session, cfg.EvictionInterval(), logger)
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("failed to start buffer janitor: %w", err)
	}
	sweeper := transcode.NewSweeper(cfg.TempDir(), sweepMaxAge, logger)
	if err := sweeper.Start(sweepSchedule); err != nil {
		janitor.Stop()
		return fmt.Errorf("failed to start temp sweeper: %w", err)
	}

	pipeline := export.NewPipeline(runner, transcode.NewProber(runner, orName(ffprobe, "ffprobe")), caption.NewFontBook(), export.Options{
		FFmpegPath:           ffmpegBin,
		TempDir:              cfg.TempDir(),
		Strategy:             export.Strategy(cfg.CaptionStrategy()),
		PreserveReshapeTemps: cfg.PreserveReshapeTemps(),
		Logger:               logger,
	})
	conversions := convert.New[*export.Result](logger)

	mark := marker.New(marker.Options{
		PollInterval:  cfg.MarkPollInterval(),
		Timeout:       cfg.MarkTimeout(),
		SafetyMargin:  cfg.MarkSafetyMargin(),
		AwaitPostRoll: cfg.MarkAwaitPostRoll(),
		Logger:        logger,
	})

	var (
		uploads     *upload.Queue
		uploader    catalog.Uploader
		uploadState catalog.UploadState
	)
	if cfg.UploadEnabled() {
		store, err := newObjectStore(cfg, logger)
		if err != nil {
			sweeper.Stop()
			janitor.Stop()
			return err
		}
		recorder := catalog.NewUploadRecorder(repo, hub, notify.New(cfg.Notify(), logger), logger)
		uploads = upload.New(store, upload.Options{
			MaxAttempts: cfg.UploadMaxAttempts(),
			BaseDelay:   cfg.UploadBaseDelay(),
			Hooks:       recorder.Hooks(),
			Logger:      logger,
		})
		uploader, uploadState = uploads, uploads
		logger.Info("uploads enabled", "store", cfg.StoreKind())
	}

	service := catalog.NewService(catalog.ServiceConfig{
		Repository:  repo,
		Captures:    captures,
		Marker:      mark,
		Exporter:    pipeline,
		Conversions: conversions,
		Uploads:     uploader,
		Events:      hub,
		Defaults: catalog.Defaults{
			PreMs:     cfg.MarkDefaultPre().Milliseconds(),
			PostMs:    cfg.MarkDefaultPost().Milliseconds(),
			OutputDir: cfg.OutputDir(),
			Encode: export.EncodeSettings{
				Preset:        cfg.ExportPreset(),
				QualityFactor: cfg.ExportCRF(),
				FPS:           cfg.ExportFPS(),
				Container:     cfg.ExportContainer(),
			},
		},
		Logger: logger,
	})

	jobs := catalog.NewRunner(service, conversions, uploadState, logger, janitor, sweeper)
	go jobs.Start(ctx)

	var inbox *watcher.Watcher
	if dir := cfg.InboxDir(); dir != "" && uploader != nil {
		inbox = watcher.New(dir, func(path string) {
			if _, err := service.EnqueueUpload(ctx, "", path); err != nil {
				logger.Warn("failed to queue inbox upload", "path", logging.SanitizePath(path), "error", err)
			}
		}, watcher.Options{Filter: catalog.IsVideoFile, Logger: logger})
		if err := inbox.Start(ctx); err != nil {
			logger.Warn("inbox watcher unavailable", "dir", dir, "error", err)
			inbox = nil
		}
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:        cfg.Port(),
		Version:     config.Version,
		OutputDir:   cfg.OutputDir(),
		Service:     service,
		Repository:  repo,
		Captures:    captures,
		Runner:      jobs,
		Doctor:      doctor,
		Playback:    playback.NewServer(logger, cfg.OutputDir()),
		Events:      hub,
		Logger:      logger,
		StartTime:   startTime,
		BaseContext: ctx,
	})
	if err := apiServer.Listen(); err != nil {
		return fmt.Errorf("failed to bind HTTP API: %w", err)
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	quitCh := make(chan struct{})
	var tray *ui.Tray

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray = ui.NewTray(ui.TrayConfig{
			Marker:   service,
			Captures: captures,
			Runner:   jobs,
			Logger:   logger,
			Context:  ctx,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		if tray != nil {
			tray.Quit()
		}
	case <-quitCh:
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if inbox != nil {
		if err := inbox.Stop(); err != nil {
			logger.Warn("failed to stop inbox watcher", "error", err)
		}
	}
	if err := captures.Stop(); err != nil {
		logger.Warn("failed to stop capture", "error", err)
	}
	conversions.Close()
	if uploads != nil {
		uploads.Close()
	}
	cancel()

	logger.Info("shutdown complete")
	return nil
}

// newObjectStore builds the upload destination for the configured kind.
func newObjectStore(cfg config.Config, logger *slog.Logger) (cloud.ObjectStore, error) {
	switch cfg.StoreKind() {
	case config.StoreKindHTTP:
		return cloud.NewHTTPStore(cfg.StoreBaseURL(), cfg.StoreToken(), logger), nil
	case config.StoreKindFS:
		if err := os.MkdirAll(cfg.StoreDir(), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store dir: %w", err)
		}
		return cloud.NewFSStore(afero.NewOsFs(), cfg.StoreDir(), logger), nil
	default:
		return nil, fmt.Errorf("unsupported store kind %q", cfg.StoreKind())
	}
}

func orName(path, name string) string {
	if path == "" {
		return name
	}
	return path
}

func printBanner(port int, authToken string) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  HEIMDEX CLIPPER %-40s ║\n", "v"+config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", port)
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func ensureAuthToken(repo catalog.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, catalog.ConfigKeyAuthToken)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, catalog.ConfigKeyAuthToken, token); err != nil {
		return "", err
	}
	return token, nil
}
