package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-relay/internal/history"
	"github.com/parley/chat-relay/internal/messaging"
	"github.com/parley/chat-relay/internal/ratelimit"
	"github.com/parley/chat-relay/internal/upload"
)

func main() {
	listenAddr := ":9090"
	if v := os.Getenv("UPLOAD_LISTEN_ADDR"); v != "" {
		listenAddr = v
	}
	uploadDir := "uploads"
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		uploadDir = v
	}
	publicURL := "http://localhost:9090"
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		publicURL = v
	}

	// --- Redis upload throttle (optional) ---
	var (
		rdb     *redis.Client
		limiter *ratelimit.Limiter
	)
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(rdb)
	} else {
		log.Printf("REDIS_ADDR not set, uploads will not be rate limited")
	}

	// --- PostgreSQL file metadata (optional) ---
	var (
		fileStore *upload.Store
		pgStore   *history.Store
	)
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := history.Open(openCtx, dsn)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if err := history.Migrate(store.DB()); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		pgStore = store
		fileStore = upload.NewStore(store.DB())
	} else {
		log.Printf("POSTGRES_DSN not set, file metadata will not be recorded")
	}

	// --- NATS (announces stored files to the relay) ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.Name = "parley-upload"
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	var store upload.FileStore
	if fileStore != nil {
		store = fileStore
	}
	handler, err := upload.NewHandler(uploadDir, publicURL, store, natsClient)
	if err != nil {
		log.Fatalf("failed to initialize upload handler: %v", err)
	}

	log.Printf("Parley upload server starting")
	log.Printf("  listen_addr: %s", listenAddr)
	log.Printf("  upload_dir:  %s", uploadDir)
	log.Printf("  public_url:  %s", publicURL)
	log.Printf("  nats_url:    %s", natsConfig.URL)

	var uploadRoute http.Handler = handler
	if limiter != nil {
		uploadRoute = ratelimit.Middleware(limiter, ratelimit.RuleUpload, uploadRoute)
	}

	mux := http.NewServeMux()
	mux.Handle("/upload", uploadRoute)
	mux.Handle("/uploads/", handler.StaticHandler())
	if fileStore != nil {
		mux.Handle("/files", upload.NewListHandler(fileStore))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status string `json:"status"`
		}{Status: "ok"})
	})

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		natsClient.Close()
		if pgStore != nil {
			if err := pgStore.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
