package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/cubestore/internal/config"
	"github.com/nainya/cubestore/internal/logger"
	"github.com/nainya/cubestore/internal/metrics"
	"github.com/nainya/cubestore/internal/server"
	"github.com/nainya/cubestore/pkg/engine"
	"github.com/nainya/cubestore/pkg/repository"
	"github.com/nainya/cubestore/pkg/repository/badgerstore"
	"github.com/nainya/cubestore/pkg/repository/sqlitestore"
)

// openRepository opens the store selected by the configuration
func openRepository(cfg config.StoreConfig, log *logger.Logger) (repository.Repository, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return repository.NewMemory(), nil
	case config.DriverBadger:
		return badgerstore.Open(badgerstore.Config{
			Path:       cfg.Path,
			SyncWrites: cfg.SyncWrites,
			Compress:   cfg.Compress,
			Logger:     log.RepoLogger("badger").GetZerolog(),
		})
	case config.DriverSQLite:
		return sqlitestore.Open(sqlitestore.Config{Path: cfg.Path, Compress: cfg.Compress})
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.InitGlobalLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log := logger.GetGlobalLogger().WithFields(map[string]interface{}{
		"store":     cfg.Store.Driver,
		"grpc_port": cfg.Server.GrpcPort,
	})
	log.LogServerStart(cfg.Server.GrpcPort, cfg.Store.Driver)

	repo, err := openRepository(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	m := metrics.NewMetrics()
	eng := engine.New(repo, cfg.Engine(), engine.WithLogger(log), engine.WithMetrics(m))
	srv := server.NewServer(eng, log)
	defer srv.Close()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GrpcPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024), // 100 MB
		grpc.MaxSendMsgSize(100*1024*1024), // 100 MB
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	srv.Register(grpcServer)

	// Register reflection service for grpcurl/grpcui
	reflection.Register(grpcServer)

	var ready atomic.Bool
	var obs *server.ObservabilityServer
	if cfg.Server.MetricsPort > 0 {
		obs = server.NewObservabilityServer(cfg.Server.MetricsPort, prometheus.DefaultGatherer, ready.Load, log)
		go func() {
			if err := obs.Start(); err != nil {
				log.Error("Observability server stopped").Err(err).Send()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.LogServerShutdown()
		ready.Store(false)
		if obs != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(ctx)
		}
		grpcServer.GracefulStop()
	}()

	ready.Store(true)
	log.LogServerReady(cfg.Server.GrpcPort)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
