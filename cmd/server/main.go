package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunkcast/internal/platform/config"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/platform/metrics"
	"chunkcast/internal/store"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	backend := config.GetEnv("STORE_BACKEND", "memory")
	sqlitePath := config.GetEnv("SQLITE_PATH", "chunkcast.db")
	chunkDir := config.GetEnv("CHUNK_DIR", "./data/chunks")
	maxChunkBytes := config.GetEnvInt64("MAX_CHUNK_BYTES", 64<<20)
	windowSize := config.GetEnvInt("PLAYLIST_WINDOW_SIZE", store.DefaultWindowSize)
	publicURL := config.GetEnv("PUBLIC_URL", "")

	log := logger.New(logLevel, logFormat)

	var st store.Store
	switch backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(sqlitePath)
		if err != nil {
			log.Error("open sqlite store", "path", sqlitePath, "error", err)
			os.Exit(1)
		}
		st = s
	case "memory":
		st = store.NewInMemoryStore()
	default:
		log.Error("unknown STORE_BACKEND", "backend", backend)
		os.Exit(1)
	}
	defer st.Close()

	blobs, err := store.NewLocalBlobStorage(chunkDir)
	if err != nil {
		log.Error("open chunk directory", "path", chunkDir, "error", err)
		os.Exit(1)
	}

	repo := store.NewRepository(st)
	svc := store.NewService(repo, blobs, store.ServiceConfig{
		WindowSize: windowSize,
		PublicURL:  publicURL,
		Logger:     log,
	})
	met := metrics.New()
	notifier := store.NewNotifier(log, met)
	svc.SetPublisher(notifier)
	h := store.NewHandler(svc, notifier, log, met, maxChunkBytes)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"store_backend", backend,
		"chunk_dir", chunkDir,
		"playlist_window_size", windowSize,
		"max_chunk_bytes", maxChunkBytes,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Websocket subscribers are hijacked and not tracked by Shutdown.
	notifier.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
