package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/export-service/internal/api"
	"github.com/ignite/export-service/internal/config"
	"github.com/ignite/export-service/internal/export"
	"github.com/ignite/export-service/internal/storage"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Export service starting (cmd/server)")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}
	if cfg.Database.URL == "" {
		log.Fatal("No database configured: set database.url in config/config.yaml or DATABASE_URL")
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	// Database pool. Each active pipeline holds one connection for its
	// lifetime, so the pool bound also bounds concurrent exports.
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Printf("WARNING: database not reachable at startup: %v", err)
	}
	pingCancel()

	if err := os.MkdirAll(cfg.Export.StoragePath, 0755); err != nil {
		log.Fatalf("Failed to create artifact directory %s: %v", cfg.Export.StoragePath, err)
	}

	registry := export.NewRegistry(cfg.Export.MaxActiveJobs)
	pipeline := export.NewPipeline(db, registry, cfg.Export.StoragePath, cfg.Export.BatchSize)

	// Optional Redis progress mirror
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		registry.SetPublisher(export.NewRedisProgressMirror(redisClient, cfg.Log.Debug()))
		log.Printf("[main] Progress mirror enabled (redis %s)", cfg.Redis.Addr)
	}

	// Optional S3 artifact archival
	if cfg.Archive.S3Bucket != "" {
		archiver, err := storage.NewS3Archiver(context.Background(), cfg.Archive.S3Bucket, cfg.Archive.S3Region)
		if err != nil {
			log.Printf("WARNING: artifact archival disabled: %v", err)
		} else {
			pipeline.SetArchiver(archiver)
			log.Printf("[main] Artifact archival enabled (s3://%s)", cfg.Archive.S3Bucket)
		}
	}

	// Root context cancels running pipelines on shutdown.
	rootCtx, cancelPipelines := context.WithCancel(context.Background())

	handlers := api.NewHandlers(rootCtx, registry, pipeline)
	healthChecker := api.NewHealthChecker(db, redisClient, cfg.Export.StoragePath)
	server := api.NewServer(handlers, healthChecker)

	addr := fmt.Sprintf("%s:%d", host, port)
	go func() {
		log.Printf("[main] Listening on %s (batch size %d, artifact dir %s)",
			addr, cfg.Export.BatchSize, cfg.Export.StoragePath)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("[main] Shutting down")

	cancelPipelines()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Shutdown error: %v", err)
	}

	if redisClient != nil {
		redisClient.Close()
	}
	db.Close()
	log.Println("[main] Stopped")
}
