package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"main/internal/mesh"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/outbox"
	"main/internal/resolve"
	"main/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Printf("meshd: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON config")
	flag.Parse()

	if *configPath == "" {
		return errors.New("missing config; use -config")
	}
	cfg, err := ops.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	queue, err := outbox.Open(cfg.Sync.QueuePath, outbox.Config{
		MaxRetryCount: cfg.Sync.MaxRetryCount,
		BackoffMin:    cfg.Sync.RetryBackoffMin,
		BackoffMax:    cfg.Sync.RetryBackoffMax,
	})
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer queue.Close()

	conflicts, err := resolve.OpenLog(cfg.Sync.ConflictLogPath)
	if err != nil {
		return fmt.Errorf("open conflict log: %w", err)
	}
	defer conflicts.Close()

	metrics := obs.NewMetrics()
	coord := mesh.New(cfg, st, queue, conflicts, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", coord.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, coord.HealthSnapshot(time.Now()))
	})
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, coord.PeerStatuses(time.Now()))
	})
	mux.HandleFunc("/conflicts", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		history, err := coord.ConflictHistory(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, history)
	})

	server := &http.Server{Addr: cfg.Node.ListenAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("mesh node %s listening on %s", cfg.Node.ID, cfg.Node.ListenAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := coord.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown mesh: %w", err)
	}
	return nil
}

func openStore(spec ops.StorageSpec) (store.EntityStore, error) {
	switch spec.Backend {
	case ops.StoragePostgres:
		return store.NewPostgres(spec.Postgres)
	default:
		return store.NewMemory(), nil
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}
