package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cogkernel/internal/kernel"
	"cogkernel/internal/logging"
	"cogkernel/internal/meta"
	"cogkernel/internal/store"
)

var (
	serveHTTPAddr string
	serveStdio    bool
	serveNATSPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the long-lived kernel: ingest bus, worker pool, cron jobs, and a JSON-RPC transport",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	log := logging.Get(logging.CategoryKernel)
	cfg := activeKernel.Config

	queue := kernel.NewQueue(cfg.Ingest.QueueCapacity)
	bus, err := kernel.StartBus(kernel.BusOptions{Port: serveNATSPort}, queue)
	if err != nil {
		log.Warn("ingestion bus unavailable, continuing on the in-process queue alone: %v", err)
		bus = nil
	}

	workers := kernel.NewIngestWorkerPool(activeKernel, queue, 0)
	workers.Start(ctx)

	// Snapshot the projects known at startup. A project ingested for the
	// first time after serve starts joins the next restart's cadence,
	// not the running one — acceptable for a single-process kernel where
	// restarts are cheap and ResolveProject already serves live requests
	// for it immediately.
	knownProjects := activeKernel.KnownProjects()

	metaScheduler := meta.NewScheduler(activeKernel.Meta, "@every 60s", knownProjects)
	if err := metaScheduler.Start(ctx); err != nil {
		log.Warn("meta sampling scheduler failed to start: %v", err)
	}

	consolidationScheduler := kernel.NewConsolidationScheduler(
		activeKernel, cfg.Consolidation.IntervalHours, cfg.Consolidation.Strategy, knownProjects,
	)
	if err := consolidationScheduler.Start(ctx); err != nil {
		log.Warn("consolidation scheduler failed to start: %v", err)
	}

	var reflectionWorker *store.ReflectionWorker
	if activeEmbedder != nil {
		reflectionWorker = store.NewReflectionWorker(activeStore, activeEmbedder, 0, 0)
		reflectionWorker.Start()
	}

	rpcServer := kernel.NewServer(activeKernel)

	var httpServer *http.Server
	if serveHTTPAddr != "" {
		httpServer = &http.Server{Addr: serveHTTPAddr, Handler: rpcServer}
		go func() {
			log.Info("JSON-RPC HTTP transport listening on %s", serveHTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP transport error: %v", err)
			}
		}()
	}

	stdioDone := make(chan error, 1)
	if serveStdio {
		go func() {
			stdioDone <- rpcServer.ServeStdio(ctx, os.Stdin, os.Stdout)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-stdioDone:
		if err != nil {
			log.Warn("stdio transport exited: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP transport shutdown error: %v", err)
		}
	}
	consolidationScheduler.Stop()
	metaScheduler.Stop()
	workers.Stop()
	if reflectionWorker != nil {
		reflectionWorker.Stop()
	}
	if bus != nil {
		bus.Close()
	}

	log.Info("cogkernel shutdown complete")
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "address to serve the JSON-RPC HTTP transport on (disabled if empty)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "serve the JSON-RPC transport over stdin/stdout")
	serveCmd.Flags().IntVar(&serveNATSPort, "nats-port", 0, "embedded ingestion bus port (0 picks an ephemeral port)")
}
