package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"canvasync/internal/app"
	"canvasync/internal/blob"
	"canvasync/internal/broadcast"
	"canvasync/internal/config"
	"canvasync/internal/ratelimit"
	"canvasync/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	blobs, err := blob.New(ctx, blob.Options{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		Bucket:    cfg.BlobBucket,
		UseTLS:    cfg.BlobUseTLS,
		MaxBytes:  cfg.UploadMaxBytes,
		WarnBytes: cfg.UploadWarnBytes,
	})
	if err != nil {
		log.Fatalf("blob store connection failed: %v", err)
	}

	var broker *broadcast.Adapter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		broker, err = broadcast.New(cfg.RedisURL, broadcast.Config{
			ChunkSize:         cfg.ChunkSize,
			TransportMaxBytes: cfg.TransportMaxBytes,
			ChunkTTL:          cfg.ChunkTTL,
		})
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer broker.Close()
	} else {
		log.Printf("WARNING: no redis configured, live sync disabled")
	}

	limiter := ratelimit.New(cfg.RateLimitWindow, cfg.MetadataRateLimit, cfg.StateRateLimit)

	var service *app.Service
	if broker != nil {
		service = app.New(cfg, dataStore, blobs, broker)
	} else {
		service = app.New(cfg, dataStore, blobs, nil)
	}

	httpServer, err := app.NewHTTPServer(service, limiter, cfg.CORSOrigin, cfg.UploadMaxBytes)
	if err != nil {
		log.Fatalf("http server setup failed: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Canvasync API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
