// Package main runs the direct connectivity client as a standalone process
// serving health probes, Prometheus metrics and the debug resolution API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/directconn/internal/address"
	"github.com/devrev/pairdb/directconn/internal/auth"
	"github.com/devrev/pairdb/directconn/internal/config"
	"github.com/devrev/pairdb/directconn/internal/consistency"
	"github.com/devrev/pairdb/directconn/internal/gateway"
	"github.com/devrev/pairdb/directconn/internal/health"
	"github.com/devrev/pairdb/directconn/internal/location"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/routing"
	"github.com/devrev/pairdb/directconn/internal/server"
	"github.com/devrev/pairdb/directconn/internal/store"
	"github.com/devrev/pairdb/directconn/internal/transport"
	"github.com/devrev/pairdb/directconn/internal/util/workerpool"
)

const warmupTimeout = 30 * time.Second

// metadataSource serves collections, ranges and addresses for one endpoint.
type metadataSource interface {
	routing.CollectionSource
	routing.PartitionKeyRangeSource
	address.Source
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting direct connectivity client",
		zap.String("default_consistency", cfg.Account.DefaultConsistency),
		zap.String("protocol", cfg.Transport.Protocol),
		zap.String("metadata_mode", cfg.Metadata.Mode),
		zap.Strings("write_endpoints", cfg.Endpoints.Write),
		zap.Strings("read_endpoints", cfg.Endpoints.Read),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	var tokens auth.TokenProvider
	if cfg.Account.MasterKey != "" {
		provider, err := auth.NewMasterKeyProvider(cfg.Account.MasterKey)
		if err != nil {
			logger.Fatal("invalid master key", zap.Error(err))
		}
		tokens = provider
	}

	protocol, err := model.ParseProtocol(cfg.Transport.Protocol)
	if err != nil {
		logger.Fatal("invalid transport protocol", zap.Error(err))
	}
	accountConsistency, err := model.ParseConsistencyLevel(cfg.Account.DefaultConsistency)
	if err != nil {
		logger.Fatal("invalid default consistency", zap.Error(err))
	}

	newSource, primarySource, err := metadataSources(cfg, protocol, tokens, m, logger)
	if err != nil {
		logger.Fatal("failed to create metadata source", zap.Error(err))
	}

	var snapshots store.SnapshotStore
	if cfg.Redis.Enabled {
		redisStore, err := store.NewRedisSnapshotStore(cfg.Redis, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisStore.Close()
		snapshots = redisStore
		logger.Info("redis address snapshot store enabled", zap.String("host", cfg.Redis.Host))
	}

	locations := location.NewManager(cfg.Endpoints, logger)
	collections := routing.NewCollectionCache(primarySource, m, logger)
	routingMaps := routing.NewRoutingMapCache(primarySource, m, logger)
	resolver := address.NewGlobalResolver(locations, collections, routingMaps, newSource, address.GlobalResolverOptions{
		MaxBackupReadRegions: cfg.Endpoints.MaxBackupReadRegions,
		Cache: address.CacheOptions{
			Protocol:          protocol,
			MaxReplicaSetSize: cfg.Account.MaxReplicaSetSize,
			SuboptimalRefresh: cfg.Cache.SuboptimalPartitionRefresh,
			EntryTTL:          cfg.Cache.EntryTTL,
			Snapshots:         snapshots,
			SnapshotTTL:       cfg.Cache.SnapshotTTL,
			Metrics:           m,
			Logger:            logger,
		},
		Metrics: m,
		Logger:  logger,
	})
	selector := address.NewSelector(resolver, protocol)

	if len(cfg.Cache.WarmCollections) > 0 {
		warmCtx, cancelWarm := context.WithTimeout(context.Background(), warmupTimeout)
		warmed := resolver.WarmCollections(warmCtx, cfg.Cache.WarmCollections)
		cancelWarm()
		logger.Info("warmed collection address caches",
			zap.Int("warmed", warmed),
			zap.Int("configured", len(cfg.Cache.WarmCollections)),
		)
	}
	stopSweep := startCacheSweeper(resolver, cfg.Cache.EntryTTL, logger)
	defer stopSweep()

	replicas, err := transport.New(transport.Options{
		Config:  cfg.Transport,
		Tokens:  tokens,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to create replica transport", zap.Error(err))
	}
	defer replicas.Close()

	pool := workerpool.New(workerpool.Config{
		Name:      "address-refresh",
		Workers:   cfg.BackgroundRefresh.Workers,
		QueueSize: cfg.BackgroundRefresh.QueueSize,
		OnDone: func(name string, err error) {
			if err != nil {
				m.RecordBackgroundRefresh("failed")
				return
			}
			m.RecordBackgroundRefresh("completed")
		},
		Logger: logger,
	})

	storeReader := consistency.NewStoreReader(selector, replicas, consistency.StoreReaderOptions{
		EnforceSessionCheck: cfg.Consistency.EnforceSessionCheck,
		UseLocalLSN:         cfg.Account.EnableMultipleWriteLocations,
		Background:          pool,
		Metrics:             m,
		Logger:              logger,
	})
	quorumReader := consistency.NewQuorumReader(storeReader, consistency.QuorumReaderOptions{
		Config:             cfg.Consistency,
		AccountConsistency: accountConsistency,
		Tokens:             tokens,
		Metrics:            m,
		Logger:             logger,
	})
	reader := consistency.NewConsistencyReader(storeReader, quorumReader, consistency.ReaderOptions{
		AccountConsistency: accountConsistency,
		MaxReplicaSetSize:  cfg.Account.MaxReplicaSetSize,
		Metrics:            m,
		Logger:             logger,
	})
	writer := consistency.NewConsistencyWriter(selector, replicas, storeReader, consistency.WriterOptions{
		Config:                    cfg.Consistency,
		AccountConsistency:        accountConsistency,
		UseMultipleWriteLocations: cfg.Account.EnableMultipleWriteLocations,
		Tokens:                    tokens,
		Background:                pool,
		Metrics:                   m,
		Logger:                    logger,
	})
	client := consistency.NewReplicatedClient(reader, writer, consistency.ReplicatedClientOptions{
		Config:   cfg.Consistency,
		Sessions: consistency.NewMemorySessionContainer(),
		Logger:   logger,
	})

	checker := health.NewHealthChecker(5*time.Second, logger)
	checker.Register("endpoints", health.EndpointsCheck(locations.WriteEndpoints))
	if snapshots != nil {
		checker.Register("snapshot_store", snapshots)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		logger.Info("metrics server started",
			zap.Int("port", cfg.Metrics.Port),
			zap.String("path", cfg.Metrics.Path),
		)
	}

	httpServer := server.NewServer(server.Options{
		Config:    cfg.Server,
		Resolver:  resolver,
		Locations: locations,
		Client:    client,
		Pool:      pool,
		Health:    checker,
		Logger:    logger,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}
	if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("background refresh pool did not drain", zap.Error(err))
	}

	logger.Info("direct connectivity client shutdown complete")
}

// startCacheSweeper periodically drops expired address cache entries so
// ranges nobody asks for again do not linger. It returns a stop function.
func startCacheSweeper(resolver *address.GlobalResolver, interval time.Duration, logger *zap.Logger) func() {
	if interval <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := resolver.PurgeExpired(); n > 0 {
					logger.Debug("purged expired address cache entries", zap.Int("removed", n))
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// metadataSources returns the per-endpoint address source factory and the
// source backing the collection and routing map caches. In gateway mode each
// regional endpoint gets its own client, all sharing one rate limiter.
func metadataSources(cfg *config.Config, protocol model.Protocol, tokens auth.TokenProvider, m *metrics.Metrics, logger *zap.Logger) (address.SourceFactory, metadataSource, error) {
	if cfg.Metadata.Mode == "static" {
		static, err := gateway.LoadStaticSource(cfg.Metadata.TopologyPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("loaded static topology", zap.String("path", cfg.Metadata.TopologyPath))
		return func(string) (address.Source, error) { return static, nil }, static, nil
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Metadata.QPS), cfg.Metadata.Burst)
	newClient := func(endpoint string) (*gateway.Client, error) {
		return gateway.NewClient(gateway.ClientOptions{
			Endpoint: endpoint,
			Protocol: protocol,
			Config:   cfg.Metadata,
			Limiter:  limiter,
			Tokens:   tokens,
			Metrics:  m,
			Logger:   logger,
		})
	}
	primary, err := newClient(cfg.Endpoints.Write[0])
	if err != nil {
		return nil, nil, err
	}
	factory := func(endpoint string) (address.Source, error) {
		if endpoint == primary.Endpoint() {
			return primary, nil
		}
		return newClient(endpoint)
	}
	return factory, primary, nil
}

// initLogger builds the zap logger from the logging configuration.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
