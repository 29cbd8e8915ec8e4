// bridged is the development control plane + gateway for bridgebase: it
// serves the resolve/lease HTTP API, accepts authenticated control sockets
// and relays tunneled bytes to a configured upstream database.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bridgebase-cloud/bridgebase-go/internal/controlplane"
)

func main() {
	cfg, err := controlplane.LoadSettings()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := controlplane.OpenStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	server := controlplane.NewServer(cfg, store)
	reaper := server.StartReaper()

	relay := controlplane.NewRelay(cfg, server.ValidateToken)
	if err := relay.Start(); err != nil {
		log.Fatalf("start gateway relay: %v", err)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("bridged: API listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	reaper.Stop()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	log.Println("bridged stopped")
}
