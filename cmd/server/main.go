package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/maneesh/gaitlab/internal/config"
	"github.com/maneesh/gaitlab/internal/credentials"
	"github.com/maneesh/gaitlab/internal/delivery"
	"github.com/maneesh/gaitlab/internal/handlers"
	"github.com/maneesh/gaitlab/internal/logger"
	"github.com/maneesh/gaitlab/internal/resolver"
	"github.com/maneesh/gaitlab/internal/spool"
	"github.com/maneesh/gaitlab/internal/storage"
	"github.com/maneesh/gaitlab/internal/tracing"
	"github.com/maneesh/gaitlab/internal/transcode"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg)
	log.Info().Str("port", cfg.ServicePort).Msg("starting gaitlab video service")

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint, cfg.EnableTracing, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error().Err(err).Msg("error shutting down tracer")
		}
	}()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	// Initialize object store client. Signing resolves credentials per request,
	// so missing credentials only disable uploads and streaming.
	creds, err := cfg.StoreCredentials()
	if err != nil {
		log.Warn().Err(err).Msg("object store credentials not configured")
		creds = config.StoreCredentials{Endpoint: cfg.StoreEndpoint}
	}
	objects, err := storage.NewObjectStore(creds.Endpoint, creds.AccessKey, creds.SecretKey, cfg.StoreBucket, cfg.StoreUseSSL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object store client")
	}
	if err := objects.EnsureBucket(startupCtx); err != nil {
		log.Warn().Err(err).Str("bucket", cfg.StoreBucket).Msg("bucket check failed")
	}

	// Initialize MySQL segment store
	segments, err := storage.NewSegmentStore(cfg.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize segment store")
	}
	defer segments.Close()
	if err := segments.EnsureSchema(startupCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}
	log.Info().Str("host", cfg.MySQLHost).Msg("segment store initialized")

	// Initialize Redis listing cache
	cache, err := storage.NewSegmentCache(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.RedisListTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize listing cache")
	}
	defer cache.Close()
	log.Info().Str("addr", cfg.GetRedisAddr()).Msg("listing cache initialized")

	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		log.Warn().Err(err).Str("ffmpeg", cfg.FFmpegPath).Msg("ffmpeg not found, streaming will fail")
	}

	// Wire the pipeline
	issuer := credentials.NewIssuer(cfg.StoreCredentials, cfg.StoreBucket, cfg.StoreRegion, cfg.StoreUseSSL, log)
	sessions := resolver.New(segments, log)
	engine := transcode.NewEngine(cfg.FFmpegPath, cfg.KillGrace, log)
	downloader := delivery.NewHTTPDownloader(cfg.DownloadTimeout, cfg.DownloadRetries, spool.NewSpooler(spool.DefaultChunkSize), log)
	controller := delivery.NewController(sessions, issuer, engine, downloader, delivery.Options{
		FirstByteGrace:     cfg.FirstByteGrace,
		StreamURLTTL:       cfg.StreamURLTTL,
		MaxParallelSigning: cfg.MaxParallelSigning,
		ScratchDir:         cfg.ScratchDir,
	}, log)

	// Initialize handlers
	readHandler := handlers.NewReadHandler(segments, cache, sessions, issuer, controller, cfg.ResolveURLTTL, cfg.DefaultWindow())
	writeHandler := handlers.NewWriteHandler(objects, segments, cache, cfg.MaxUploadBytes)

	// Setup HTTP router
	router := mux.NewRouter()
	router.Use(handlers.RequestLogger(log))

	// Health check endpoint (no tracing needed)
	router.Handle("/health", healthHandler(map[string]func(context.Context) error{
		"mysql":        segments.Ping,
		"redis":        cache.Ping,
		"object_store": objects.Health,
	}, log)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handlers.Register(router, readHandler, writeHandler)

	// Streams run for as long as the recording, so there is no write timeout
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		// cancels in-flight streams, which stops their ffmpeg processes
		srv.Close()
	}

	log.Info().Msg("server exited")
}

// healthHandler reports 503 naming the first dependency whose check fails.
func healthHandler(checks map[string]func(context.Context) error, log zerolog.Logger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
				http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
