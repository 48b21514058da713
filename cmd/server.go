package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tunedrop/config"
	"tunedrop/handlers"
	"tunedrop/middleware"
	"tunedrop/services"
	"tunedrop/stats"
	"tunedrop/websocket"

	"github.com/gin-gonic/gin"
)

// App holds the wired services behind the HTTP API
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *services.ArtifactStore
	Queue     services.JobQueue
	Reclaimer *services.Reclaimer
	Access    *services.AccessList
	Files     services.FileService
	Packer    services.Packer
	Hub       websocket.Hub
	Stats     *stats.Store

	stopHub context.CancelFunc
}

// NewFetcher builds the fetch backend selected by cfg
func NewFetcher(cfg *config.Config) services.Fetcher {
	if cfg.FetchBackend == config.BackendYtDlp {
		return services.NewYtDlpFetcher()
	}
	return services.NewHTTPFetcher(cfg.FetchTimeout)
}

// NewApp wires every service. A nil fetcher selects the configured backend.
func NewApp(cfg *config.Config, logger *slog.Logger, fetcher services.Fetcher) (*App, error) {
	if fetcher == nil {
		fetcher = NewFetcher(cfg)
	}

	store, err := services.NewArtifactStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Access: services.NewAccessList(cfg.AdminUsers, cfg.AuthorizedUsers, cfg.OpenAccess),
		Files:  services.NewFileService(store, logger),
		Packer: services.NewZipPacker(),
		Hub:    websocket.NewHub(logger),
	}

	queueOpts := []services.QueueOption{
		services.WithAuthorizer(app.Access),
		services.WithNotifier(app.Hub),
		services.WithArtifactStore(store),
		services.WithQueueLogger(logger),
	}
	if cfg.StatsDB != "" {
		st, err := stats.Open(cfg.StatsDB)
		if err != nil {
			return nil, err
		}
		app.Stats = st
		queueOpts = append(queueOpts, services.WithRecorder(st))
	}

	app.Queue = services.NewJobQueue(services.QueueConfig{
		MaxConcurrentJobs:   cfg.MaxConcurrentDownloads,
		PerRequesterLimit:   cfg.PerRequesterLimit,
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
		DefaultTimeout:      cfg.JobTimeout,
		Qualities:           cfg.Qualities,
		DefaultQuality:      cfg.DefaultQuality,
		Retention:           cfg.CacheMaxAge,
	}, services.NewJobRunner(store, fetcher, logger), queueOpts...)

	app.Reclaimer = services.NewReclaimer(store, cfg.CacheMaxAge,
		services.WithReclaimerLogger(logger),
		services.WithRetryBackoff(cfg.ReclamationRetry),
	)

	hubCtx, stopHub := context.WithCancel(context.Background())
	app.stopHub = stopHub
	go app.Hub.Run(hubCtx)

	return app, nil
}

// Close drains the queue, stops the reclaimer and releases resources
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Queue.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Reclaimer.Stop()
	a.stopHub()
	if a.Stats != nil {
		if err := a.Stats.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRouter builds the gin engine for app
func NewRouter(app *App) *gin.Engine {
	var tracker handlers.UserTracker
	var statsReader handlers.StatsReader
	var totals handlers.TotalsReader
	if app.Stats != nil {
		tracker = app.Stats
		statsReader = app.Stats
		totals = app.Stats
	}

	downloadHandler := handlers.NewDownloadHandler(app.Queue, app.Store, app.Packer, app.Hub,
		websocket.NewUpgrader(app.Config.CORSOrigins), tracker, app.Logger)
	fileHandler := handlers.NewFileHandler(app.Files, app.Logger)
	cacheHandler := handlers.NewCacheHandler(app.Store, app.Reclaimer, app.Access, app.Logger)
	authHandler := handlers.NewAuthHandler(app.Access, app.Logger)
	statsHandler := handlers.NewStatsHandler(statsReader, app.Logger)
	adminHandler := handlers.NewAdminHandler(app.Queue, app.Access, totals, app.Logger)
	healthHandler := handlers.NewHealthHandler(app.Queue, app.Store)
	settingsHandler := handlers.NewSettingsHandler(app.Config)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(app.Config.CORSOrigins))
	r.Use(middleware.Logging(app.Logger))
	r.Use(middleware.Security())

	r.GET("/health", healthHandler.HealthCheck)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", healthHandler.APIStatus)
		apiGroup.GET("/settings", settingsHandler.GetSettings)

		authed := apiGroup.Group("", middleware.Requester())

		downloadsGroup := authed.Group("/downloads")
		{
			downloadsGroup.POST("", downloadHandler.Submit)
			downloadsGroup.GET("", downloadHandler.ListJobs)
			downloadsGroup.GET("/:jobId", downloadHandler.GetJob)
			downloadsGroup.DELETE("/:jobId", downloadHandler.CancelJob)
			downloadsGroup.GET("/:jobId/archive", downloadHandler.DownloadArchive)
		}

		wsGroup := authed.Group("/ws")
		{
			wsGroup.GET("/downloads/:jobId", downloadHandler.HandleWebSocketConnection)
			wsGroup.GET("/downloads", downloadHandler.HandleWebSocketAllConnection)
		}

		cacheGroup := authed.Group("/cache")
		{
			cacheGroup.GET("", cacheHandler.ListCache)
			cacheGroup.DELETE("", cacheHandler.PurgeCache)
			cacheGroup.POST("/sweep", cacheHandler.Sweep)
		}

		authed.GET("/files", fileHandler.ListFiles)
		authed.GET("/files/stream/*filepath", fileHandler.StreamFile)

		authed.POST("/auth/:userId", authHandler.Authorize)
		authed.DELETE("/auth/:userId", authHandler.Revoke)

		authed.GET("/stats", statsHandler.GetStats)
		authed.GET("/admin/stats", adminHandler.GetStats)
	}
	return r
}

// StartWebServer serves the API until ctx is cancelled, then shuts down
// the HTTP server and the queue within the configured grace period.
func StartWebServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	gin.SetMode(cfg.GinMode)

	app, err := NewApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	if err := startReclaimer(app.Reclaimer, cfg); err != nil {
		app.Close(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tunedrop web server starting", "addr", srv.Addr, "cache_dir", app.Store.Root(), "backend", cfg.FetchBackend)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		app.Close(context.Background())
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Error("shutdown finished with errors", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// startReclaimer prefers RECLAMATION_SCHEDULE over the fixed interval
func startReclaimer(r *services.Reclaimer, cfg *config.Config) error {
	if cfg.ReclamationSchedule != "" {
		return r.StartSchedule(cfg.ReclamationSchedule)
	}
	return r.Start(cfg.ReclamationInterval)
}
