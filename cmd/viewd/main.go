package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nemanja-m/mvexec/internal/engine/api/grpc"
	"github.com/nemanja-m/mvexec/internal/engine/api/rest"
	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/engine/kinds"
	"github.com/nemanja-m/mvexec/internal/engine/service"
	"github.com/nemanja-m/mvexec/internal/engine/storage"
	"github.com/nemanja-m/mvexec/internal/engine/worker"
	"github.com/nemanja-m/mvexec/internal/shared/config"
	"github.com/nemanja-m/mvexec/internal/shared/logging"

	_ "github.com/nemanja-m/mvexec/examples/grep"
	_ "github.com/nemanja-m/mvexec/examples/head"
	_ "github.com/nemanja-m/mvexec/examples/rowcount"
	_ "github.com/nemanja-m/mvexec/examples/wordcount"
)

const healthInterval = 5 * time.Second

func main() {
	flags := pflag.NewFlagSet("viewd", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to engine config file")
	flags.String("rest.addr", ":8080", "REST API listen address")
	flags.String("grpc.addr", ":9090", "gRPC health listen address")
	flags.String("storage.type", "local", "block storage backend (local, s3)")
	flags.String("storage.root", "./views", "root directory of local views")
	flags.String("logging.level", "info", "log level")
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadEngine(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	blocks, err := storage.NewBlockStore(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to create block store", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(cfg.Pool, blocks, logger)
	pool.Start(ctx)

	opts := core.JobOptions{
		Timeout:      cfg.Job.Timeout,
		TaskExpiry:   cfg.Job.TaskExpiry,
		PollInterval: cfg.Job.PollInterval,
	}
	jobService := service.NewJobService(storage.NewInMemoryJobStore(), blocks, pool, kinds.Default, opts, logger)
	monitor := service.NewJobMonitor(cfg.Job.UpdateInterval, cfg.Job.Retention, jobService, logger)
	go monitor.Start(ctx)

	restServer := rest.NewServer(cfg.REST, jobService, kinds.Default, logger)
	go func() {
		logger.Info("Starting REST API server", "addr", cfg.REST.Addr)
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("REST server error", "error", err)
		}
	}()

	grpcServer := grpc.NewServer(cfg.GRPC, pool, logger)
	go grpcServer.Watch(ctx, healthInterval)
	go func() {
		logger.Info("Starting gRPC health server", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down engine")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("REST server forced to shutdown", "error", err)
	}
	grpcServer.Stop()
	pool.Close()

	logger.Info("Engine stopped")
}
