package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hermes/internal/config"
	"hermes/internal/httpapi"
)

const (
	exitBootstrapError = 1
	exitConfigInvalid  = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		os.Exit(exitConfigInvalid)
	}

	mux, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		log.Printf("Failed to bootstrap: %v", err)
		os.Exit(exitBootstrapError)
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// Streaming responses outlive any write deadline; the proxy enforces
		// its own idle budget instead.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Hermes gateway listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
			deps.Shutdown(context.Background())
			os.Exit(exitBootstrapError)
		}
	case <-quit:
	}

	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	deps.Shutdown(ctx)

	log.Println("Server exited")
}
