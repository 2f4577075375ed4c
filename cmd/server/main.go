/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coin-engine server: configuration, store,
  handler, router, graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags and load TOML config (flags win)
  2. Initialize SQLite store
  3. Create API handler and router
  4. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to TOML config file (default: coin-engine.toml)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config; ":memory:" works)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkstone/coin-engine/api"
	"github.com/inkstone/coin-engine/config"
	"github.com/inkstone/coin-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "coin-engine.toml", "Path to TOML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	handler := api.NewHandler(store)
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("coin-engine listening on %s (db: %s)", cfg.Addr(), cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
