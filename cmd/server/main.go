package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-streamer/internal/authz"
	"media-streamer/internal/encoder"
	"media-streamer/internal/fileserver"
	"media-streamer/internal/hls"
	"media-streamer/internal/platform/config"
	"media-streamer/internal/platform/logger"
	"media-streamer/internal/platform/metrics"
	"media-streamer/internal/server"
	"media-streamer/internal/source"
	"media-streamer/internal/thumbnail"
	"media-streamer/internal/transcode"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	fsys := afero.NewOsFs()
	var drive source.Source
	if cfg.DriveAccessToken != "" {
		drive = source.NewDrive(cfg.DriveAPIBase, source.StaticToken(cfg.DriveAccessToken), nil)
	}
	sources := source.NewRegistry(source.NewLocal(fsys), drive)

	if len(cfg.MediaRoots) == 0 {
		log.Warn("MEDIA_ROOTS is empty, every media request will be denied")
	}
	authorizer := authz.NewAllowList(authz.StaticDirectories(cfg.MediaRoots), sources)

	runner := encoder.NewExec(cfg.FFmpegPath, logger.Component(log, "encoder"), met)
	files := fileserver.New(logger.Component(log, "fileserver"), met)

	mgr := hls.NewManager(hls.Options{
		Root:           cfg.HLSRoot,
		IdleTimeout:    cfg.HLSIdleTimeout,
		SweepInterval:  cfg.HLSSweepInterval,
		SegmentSeconds: cfg.HLSSegmentSeconds,
		PlaylistWait:   cfg.HLSPlaylistWait,
	}, fsys, runner, files, logger.Component(log, "hls"), met)
	if err := mgr.Start(); err != nil {
		log.Error("hls manager start failed", "error", err)
		os.Exit(1)
	}

	thumbs := thumbnail.New(thumbnail.Options{
		Dir:    cfg.ThumbnailDir,
		Offset: cfg.ThumbnailOffset,
		Width:  cfg.ThumbnailWidth,
	}, runner, logger.Component(log, "thumbnail"), met)
	if err := thumbs.Init(); err != nil {
		log.Error("thumbnail cache init failed", "error", err)
		os.Exit(1)
	}

	h := server.NewHandler(server.Deps{
		Authorizer: authorizer,
		Sources:    sources,
		Files:      files,
		Transcoder: transcode.New(runner, logger.Component(log, "transcode"), met),
		HLS:        mgr,
		Thumbnails: thumbs,
	}, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveHLSSessions(mgr.ActiveSessions()) }).ServeHTTP(w, r)
	})
	h.Register(r)

	// No write timeout: transcoded streams last as long as playback.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"addr", cfg.Addr(),
		"media_roots", cfg.MediaRoots,
		"drive_enabled", drive != nil,
		"ffmpeg", cfg.FFmpegPath,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	exitCode := 0
	if err := srv.Shutdown(ctx); err != nil {
		// Long-lived streams keep Shutdown waiting; closing cancels them and kills their encoders.
		log.Warn("drain timed out, closing open streams", "error", err)
		srv.Close()
	}
	hlsCtx, hlsCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer hlsCancel()
	if err := mgr.Shutdown(hlsCtx); err != nil {
		log.Error("hls shutdown error", "error", err)
		exitCode = 1
	}

	log.Info("server stopped")
	os.Exit(exitCode)
}
