package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-player/work/buffer"
	"iptv-player/work/cache"
	"iptv-player/work/catalog"
	"iptv-player/work/client"
	"iptv-player/work/config"
	"iptv-player/work/engine"
	"iptv-player/work/handlers"
	"iptv-player/work/logger"
	"iptv-player/work/middleware"
	"iptv-player/work/player"
	"iptv-player/work/prober"
	"iptv-player/work/relay"
	"iptv-player/work/renewal"
	"iptv-player/work/resume"
)

var (
	Version = "v0.1.0"
)

func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLevel(cfg.LogLevel)

	// shared HTTP client with the configured upstream headers
	httpClient := client.New(cfg)

	// worker pool for background tasks: segment prefetch, resume writes
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	cacheInstance := cache.New(cfg.CacheDuration)

	// resume position store; playback works without it
	var store player.ResumeStore
	resumeStore, err := resume.Open(cfg.ResumeDBPath, cfg.ResumeTTL)
	if err != nil {
		logger.Warn("{main} Resume store unavailable, positions will not persist: %v", err)
	} else {
		store = resumeStore
		defer resumeStore.Close()
	}

	rel := relay.New(cfg)

	// engine infrastructure
	deps := engine.Deps{
		Config:  cfg,
		Client:  httpClient,
		Loader:  engine.NewLoader(httpClient),
		Surface: engine.NewSurface(),
		Relay:   rel,
		Buffers: buffer.NewPool(512 * 1024),
		Limiter: client.NewHostLimiter(cfg),
		Workers: workerPool,
	}

	// renewer is optional; a typed nil must not end up in the interface
	var renewer renewal.Renewer
	if r := renewal.New(cfg, httpClient); r != nil {
		renewer = r
	}

	cat := catalog.New(cfg, httpClient, cacheInstance)
	if err := cat.Refresh(context.Background()); err != nil {
		logger.Error("{main} Initial catalog load failed: %v", err)
	}
	go cat.StartRefresh()
	defer cat.Stop()

	streamProber := prober.New(cfg, httpClient, cacheInstance)

	pl := player.New(cfg, streamProber, renewer, engine.NewFactory(deps),
		store, cat, rel, workerPool)
	defer pl.Stop()

	// control API routes
	router := mux.NewRouter()

	router.HandleFunc("/channels", middleware.Gzip(handlers.HandleChannels(cat))).Methods("GET")
	router.HandleFunc("/channels/refresh", handlers.HandleRefresh(cat)).Methods("POST")

	router.HandleFunc("/play/{id}", handlers.HandlePlay(pl)).Methods("POST")
	router.HandleFunc("/stop", handlers.HandleStop(pl)).Methods("POST")
	router.HandleFunc("/pause", handlers.HandlePause(pl)).Methods("POST")
	router.HandleFunc("/resume", handlers.HandleResume(pl)).Methods("POST")
	router.HandleFunc("/seek", handlers.HandleSeek(pl)).Methods("POST")
	router.HandleFunc("/volume", handlers.HandleVolume(pl)).Methods("POST")
	router.HandleFunc("/next", handlers.HandleNext(pl)).Methods("POST")
	router.HandleFunc("/prev", handlers.HandlePrev(pl)).Methods("POST")

	router.HandleFunc("/status", middleware.Gzip(handlers.HandleStatus(pl))).Methods("GET")
	router.HandleFunc("/qualities", middleware.Gzip(handlers.HandleQualities(pl))).Methods("GET")
	router.HandleFunc("/quality", handlers.HandleSetQuality(pl)).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	logger.Info("{main} Starting IPTV player %s", Version)
	logger.Info("{main}   - Listen Addr: %s", cfg.ListenAddr)
	logger.Info("{main}   - Catalog: %s (%s)", cfg.CatalogURL, cfg.CatalogFormat)
	logger.Info("{main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main}   - Relay Enabled: %v", rel.Enabled())
	logger.Info("{main}   - Renewal Enabled: %v", renewer != nil)
	logger.Info("{main}   - Resume Store: %v", store != nil)
	logger.Info("{main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("{main} Server failed: %v", err)
			os.Exit(1)
		}
	}()

	// block until shutdown is requested, then drain
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("{main} Shutting down")
	pl.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main} Shutdown incomplete: %v", err)
	}
}
