package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/transit-live/tracking/internal/config"
	"github.com/transit-live/tracking/internal/registry"
	"github.com/transit-live/tracking/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	store := registry.NewStore()
	router := ws.NewRouter(store, cfg.Tracking.UpdateInterval)
	hub := ws.NewHub()

	var origins []string
	if cfg.Server.AllowedOrigin != "" {
		origins = append(origins, cfg.Server.AllowedOrigin)
	}
	server := ws.NewServer(store, router, hub, origins)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
