package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go-tasksync/api"
	"go-tasksync/config"
	"go-tasksync/worker"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, if enabled, the background drain worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	if cfg.Sync.DrainWorker {
		worker.Start(ctx, &wg, a.processor, a.waiter(), cfg.Sync.DrainInterval, log)
	}

	server := api.NewServer(cfg.HTTP.Addr, api.Deps{
		Tasks:     a.tasks,
		Applier:   a.reconciler,
		Queue:     a.queue,
		Processor: a.processor,
		DB:        a.store,
		Env:       cfg.App.Env,
		Log:       log,
	})
	server.ReadTimeout = cfg.HTTP.ReadTimeout
	server.WriteTimeout = cfg.HTTP.WriteTimeout

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown")
	}

	wg.Wait()
	log.Info("server stopped")
	return nil
}
