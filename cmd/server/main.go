// Package main is the entry point for the atlas server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ephys-atlas/server/internal/api"
	"github.com/ephys-atlas/server/internal/cache"
	"github.com/ephys-atlas/server/internal/companion"
	"github.com/ephys-atlas/server/internal/config"
	"github.com/ephys-atlas/server/internal/data/atlas"
	"github.com/ephys-atlas/server/internal/relay"
	"github.com/ephys-atlas/server/internal/render"
	"github.com/ephys-atlas/server/internal/service"
	"github.com/ephys-atlas/server/internal/state"
	"github.com/ephys-atlas/server/internal/store"
	"github.com/ephys-atlas/server/internal/volume"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting atlas server on port %d", cfg.Server.Port)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Persistent store
	if err := os.MkdirAll(filepath.Dir(cfg.Data.StorePath), 0755); err != nil {
		log.Fatalf("Failed to create store directory: %v", err)
	}
	st, err := store.Open(cfg.Data.StorePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// Remote or local atlas files
	var source atlas.Source
	if cfg.Data.LocalDir != "" {
		source = &atlas.DirSource{Dir: cfg.Data.LocalDir}
		log.Printf("Reading atlas files from %s", cfg.Data.LocalDir)
	} else {
		source = atlas.NewHTTPSource(cfg.Data.BaseURL, cfg.Data.DataURL)
		log.Printf("Reading atlas files from %s and %s", cfg.Data.BaseURL, cfg.Data.DataURL)
	}

	cacheManager, err := cache.NewManager(cache.Config{
		RasterCacheSizeMB: cfg.Cache.RasterSizeMB,
		RasterTTL:         cfg.Cache.RasterTTL(),
		DocumentCacheSize: cfg.Cache.DocumentCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	renderer := render.NewRenderer(render.Config{
		ColorbarWidth:  cfg.Render.ColorbarWidth,
		ColorbarHeight: cfg.Render.ColorbarHeight,
		PlotWidth:      cfg.Render.PlotWidth,
		PlotHeight:     cfg.Render.PlotHeight,
	})

	resources, err := service.NewResources(service.ResourcesConfig{
		Store:            st,
		Source:           source,
		Cache:            cacheManager,
		Renderer:         renderer,
		Canonical:        volume.Sizes(cfg.Volume.Canonical),
		RequestCacheSize: cfg.Cache.RequestCacheSize,
		Buckets:          cfg.Data.DefaultBuckets,
		Concurrency:      cfg.Data.Concurrency,
	})
	if err != nil {
		log.Fatalf("Failed to initialize resources: %v", err)
	}

	// Download the base resources in the background; /api/progress reports it.
	go func() {
		if err := resources.Load(ctx); err != nil {
			log.Printf("Initial load failed: %v", err)
		}
	}()

	// Optional websocket relay, also carrying companion messages
	var sender service.Relay
	var viewer companion.Viewer = companion.LogViewer{}
	if cfg.Relay.Enabled {
		client := relay.New(relay.Config{
			URL:        cfg.Relay.URL,
			MaxBackoff: time.Duration(cfg.Relay.MaxBackoffSeconds) * time.Second,
		})
		client.Start(ctx)
		defer client.Stop()
		sender = client
		viewer = companion.RelayViewer{Sender: client}
		log.Printf("Relaying events to %s", cfg.Relay.URL)
	}

	aliases := state.WithPresets(cfg.Aliases)
	sessions, err := api.NewSessionRegistry(cfg.Session.MaxSessions, aliases, func(initial state.Fields) *service.Viewer {
		return service.NewViewer(service.ViewerConfig{
			Resources: resources,
			State:     initial,
			Companion: viewer,
			Relay:     sender,
			Sigma:     cfg.Render.Sigma,
		})
	})
	if err != nil {
		log.Fatalf("Failed to initialize sessions: %v", err)
	}
	log.Printf("Sessions: max=%d, aliases=%d", cfg.Session.MaxSessions, len(aliases))

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Sessions:    sessions,
		Resources:   resources,
		CORSOrigins: cfg.Server.CORSOrigins,
		PublicURL:   cfg.Server.PublicURL,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	stop()

	log.Println("Server stopped")
}
