package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asyncload/internal/api"
	"asyncload/internal/config"
	"asyncload/internal/fetch"
	"asyncload/internal/file"
	"asyncload/internal/imageloader"
	"asyncload/internal/netcheck"
	"asyncload/internal/prefetch"
	"asyncload/internal/task"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadWithEnv(context.Background(), "config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	for _, dir := range []string{cfg.DataDir, cfg.CacheDir} {
		if err := file.EnsureDir(dir); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("ensure dir")
		}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	looper := task.NewLooper()
	looper.Start(baseCtx)

	loader, err := buildLoader(cfg, looper)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start image loader")
	}
	jobs := buildPrefetch(cfg, loader, looper)

	router := setupRouter()
	wireAPI(router, loader, jobs, cfg.HTTPTimeout)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("cache_dir", cfg.CacheDir).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, jobs, loader, looper, baseCancel, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildLoader(cfg config.Config, dispatcher task.Dispatcher) (*imageloader.Loader, error) {
	probe := netcheck.New(cfg.ProbeAddr, cfg.ProbeTimeout, 0)
	return imageloader.GetInstance(imageloader.Config{
		Dir:            cfg.CacheDir,
		FileCapacity:   cfg.FileCacheBytes,
		MemoryCapacity: cfg.MemoryCacheBytes,
		Workers:        cfg.Workers,
		MaxRetries:     cfg.MaxRetries,
		NoSleep:        !cfg.RetrySleep,
		Online:         probe.Online,
		Fetcher:        fetch.New(cfg.HTTPTimeout, cfg.MaxDownloadBytes),
		Dispatcher:     dispatcher,
	})
}

func buildPrefetch(cfg config.Config, loader *imageloader.Loader, dispatcher task.Dispatcher) *prefetch.Manager {
	m := prefetch.NewManager(loader, task.NewRegistry(), dispatcher, prefetch.Options{
		DataDir:           cfg.DataDir,
		MaxConcurrentJobs: cfg.MaxPrefetchJobs,
		MaxURLs:           cfg.MaxPrefetchURLs,
		Interval:          cfg.PrefetchInterval,
	})
	if err := m.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("could not restore prefetch jobs")
	}
	return m
}

func wireAPI(router *gin.Engine, loader *imageloader.Loader, jobs *prefetch.Manager, waitTimeout time.Duration) {
	apiHandler := api.NewAPI(loader, jobs, waitTimeout)
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, jobs *prefetch.Manager, loader *imageloader.Loader, looper *task.Looper, cancelBase context.CancelFunc, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	if !jobs.Shutdown(ctx) {
		log.Warn().Msg("prefetch jobs did not finish before timeout")
	}
	if err := loader.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("image loader shutdown warning")
	}
	if err := looper.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("pending deliveries dropped")
	}
	looper.Stop()
	cancelBase()
	log.Info().Msg("server exited cleanly")
}
