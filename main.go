package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-transcribe/server/internal/api"
	"github.com/video-transcribe/server/internal/config"
	"github.com/video-transcribe/server/internal/ffmpeg"
	"github.com/video-transcribe/server/internal/gpu"
	"github.com/video-transcribe/server/internal/job"
	"github.com/video-transcribe/server/internal/pipeline"
	"github.com/video-transcribe/server/internal/tui"
	"github.com/video-transcribe/server/internal/whisper"
)

func main() {
	mode := flag.String("mode", "gui", "run mode: gui or serve")
	host := flag.String("host", "", "listen host (serve mode), overrides HOST")
	port := flag.Int("port", 0, "listen port (serve mode), overrides PORT")
	flag.Parse()

	cfg := config.Load()
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	for _, dir := range []string{cfg.OutputDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logrus.WithError(err).Fatalf("cannot create directory %s", dir)
		}
	}

	gpuInfo := gpu.Detect()

	extractor := ffmpeg.NewExtractor(ffmpeg.Options{
		ConfiguredPath: cfg.FFmpegPath,
		DownloadURL:    cfg.FFmpegDownloadURL,
		CacheDir:       cfg.TempDir,
		ExtractTimeout: cfg.ExtractTimeout,
	})

	engine := whisper.NewEngine(whisper.NewFasterWhisperLoader(), gpuInfo, cfg.DevicePolicy)
	store := job.NewStore()

	switch *mode {
	case "serve":
		runServe(cfg, store, extractor, engine, gpuInfo)
	case "gui":
		err := tui.Run(tui.Deps{
			Config:    cfg,
			Store:     store,
			Extractor: extractor,
			Engine:    engine,
			GPU:       gpuInfo,
		})
		if err != nil {
			logrus.WithError(err).Fatal("interactive mode failed")
		}
	default:
		logrus.Fatalf("unknown mode %q, expected gui or serve", *mode)
	}
}

func runServe(cfg *config.Config, store *job.Store, extractor *ffmpeg.Extractor, engine *whisper.Engine, gpuInfo *gpu.Info) {
	p := pipeline.New(store, extractor, engine, cfg.TempDir, cfg.OutputDir)
	pool := pipeline.NewPool(p, cfg.MaxWorkers, cfg.QueueSize)

	router := api.NewRouter(cfg, store, pool, engine, *gpuInfo)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := &http.Server{Addr: addr, Handler: router}

	logrus.WithFields(logrus.Fields{
		"addr":       addr,
		"output_dir": cfg.OutputDir,
		"workers":    cfg.MaxWorkers,
	}).Info("starting server")

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logrus.Info("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("shutdown did not finish cleanly")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatal("server failed")
	}

	// Block until in-flight jobs settle so none is killed mid-step.
	pool.Stop()
}
