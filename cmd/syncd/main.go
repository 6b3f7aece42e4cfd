package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tome/sync/internal/app"
	"tome/sync/internal/auth"
	"tome/sync/internal/config"
	"tome/sync/internal/persist"
	"tome/sync/internal/presence"
	"tome/sync/internal/search"
	"tome/sync/internal/session"
	"tome/sync/internal/store"
	"tome/sync/internal/ws"
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

	directory := store.NewPostgresDirectory(db)

	oracle, err := auth.NewRedisOracle(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer oracle.Close()
	authenticator := auth.NewAuthenticator(oracle, directory)

	var snapshots persist.Store
	switch cfg.SnapshotBackend {
	case "minio":
		snapshots, err = persist.NewMinioStore(ctx, persist.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		log.Printf("Using MinIO snapshot storage (bucket %s)", cfg.MinioBucket)
	case "memory":
		log.Printf("WARNING: using in-memory snapshot storage, documents will not survive restarts")
		snapshots = persist.NewMemoryStore()
	default:
		snapshots = persist.NewPostgresStore(db)
		log.Printf("Using PostgreSQL snapshot storage")
	}

	coordinator := persist.NewCoordinator(snapshots, persist.Options{
		DebounceInterval: cfg.DebounceInterval,
		WriteTimeout:     cfg.FlushTimeout,
		MaxRetries:       cfg.FlushMaxRetries,
	})
	defer coordinator.Close()

	if cfg.MeiliURL != "" {
		reindexer := search.NewReindexer(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer reindexer.Close()
		coordinator.AddNotifier(reindexer)
	}

	registry := session.NewRegistry(coordinator, cfg.EvictionGrace)

	relayOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	relayClient := redis.NewClient(relayOpts)
	defer relayClient.Close()
	relay := presence.NewRedisRelay(relayClient)
	defer relay.Close()
	broadcaster := presence.NewBroadcaster(relay)

	syncHandler := ws.NewHandler(authenticator, registry, broadcaster, cfg.HeartbeatTimeout)
	httpServer := app.NewHTTPServer(db, registry, coordinator, authenticator, syncHandler)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpServer.Handler(),
		// No ReadTimeout/WriteTimeout: those would cut long-lived
		// websocket connections; idleness is policed per connection
		// by the heartbeat deadline.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tome sync listening on %s", cfg.Addr)
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

	// Hijacked websocket connections outlive server.Shutdown; close
	// them explicitly, then flush every dirty session before exit.
	syncHandler.Shutdown()
	registry.Drain()
}
