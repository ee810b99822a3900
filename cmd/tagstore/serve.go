package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/tagstore/internal/config"
	"github.com/nainya/tagstore/internal/logger"
	"github.com/nainya/tagstore/internal/lookup"
	"github.com/nainya/tagstore/internal/metrics"
	"github.com/nainya/tagstore/internal/server"
	"github.com/nainya/tagstore/pkg/api"
	"github.com/nainya/tagstore/pkg/index"
	"github.com/nainya/tagstore/pkg/index/kvindex"
	"github.com/nainya/tagstore/pkg/index/sqlindex"
	"github.com/nainya/tagstore/pkg/tagstore"
)

const (
	uptimeInterval = 15 * time.Second
	sizeInterval   = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC tag service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "tagstore.yaml", "Config file path")
	return cmd
}

// openIndex opens the configured engine. The size func is non-nil for engines
// that can report their file size.
func openIndex(cfg *config.Config, log *logger.Logger) (index.Index, func() int64, error) {
	switch cfg.Storage.Backend {
	case config.BackendKV:
		kv, err := kvindex.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Size, nil
	case config.BackendSQL:
		sc := cfg.Storage.SQL
		sq, err := sqlindex.Open(sqlindex.Config{
			Driver:          sc.Driver,
			DSN:             sc.DSN,
			MaxOpenConns:    sc.MaxOpenConns,
			MaxIdleConns:    sc.MaxIdleConns,
			ConnMaxLifetime: sc.ConnMaxLifetime,
			Logger:          logger.NewGormLogger(log, sc.SlowThreshold),
		})
		if err != nil {
			return nil, nil, err
		}
		return sq, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// newStore wires the tag store with its observers and optional lookup
func newStore(cfg *config.Config, ix index.Index, log *logger.Logger, m *metrics.Metrics) (*tagstore.Store, error) {
	opts := []tagstore.Option{
		tagstore.WithLogger(log.StoreLogger()),
		tagstore.WithObserver(m),
	}
	if cfg.Lookup.Enabled {
		lc := cfg.Lookup
		client, err := lookup.New(lookup.Config{
			BaseURL:   lc.BaseURL,
			Username:  lc.Username,
			Password:  lc.Password,
			Timeout:   lc.Timeout,
			RetryMax:  lc.RetryMax,
			RateLimit: lc.RateLimit,
			Burst:     lc.Burst,
		}, log.LookupLogger(), m)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tagstore.WithComponentLookup(client))
	}
	return tagstore.New(ix, opts...), nil
}

func serve(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	logger.InitGlobalLogger(logger.Config{
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		WithCaller: cfg.Log.Caller,
	})
	log := logger.GetGlobalLogger()
	m := metrics.NewMetrics(reg)

	ix, sized, err := openIndex(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := ix.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close index")
		}
	}()

	store, err := newStore(cfg, ix, log, m)
	if err != nil {
		return err
	}
	if n, err := store.Count(ctx); err == nil {
		m.SetTagCount(n)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", cfg.Server.GRPCPort, err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.Server.MaxMessageBytes),
		grpc.MaxSendMsgSize(cfg.Server.MaxMessageBytes),
		grpc.ChainUnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	api.RegisterTagServiceServer(grpcServer, server.NewServer(store, log))

	// Register reflection service for grpcurl/grpcui
	reflection.Register(grpcServer)

	obs := server.NewObservabilityServer(cfg.Server.MetricsPort, log, gatherer, ix.Ping)

	log.LogServerStart(cfg.Server.GRPCPort, cfg.Storage.Backend, cfg.StorageLocation())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.RunUptime(gctx, uptimeInterval)
		return nil
	})
	if sized != nil {
		g.Go(func() error {
			reportSize(gctx, m, sized, sizeInterval)
			return nil
		})
	}
	g.Go(obs.Start)
	g.Go(func() error {
		log.LogServerReady(cfg.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.LogServerShutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		stopGRPC(shutdownCtx, grpcServer)
		return obs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// stopGRPC drains in-flight calls, forcing the stop when ctx expires
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
		<-done
	}
}

func reportSize(ctx context.Context, m *metrics.Metrics, sized func() int64, interval time.Duration) {
	m.SetDbSize(sized())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetDbSize(sized())
		}
	}
}
