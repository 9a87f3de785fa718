// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bus"
	busmemory "github.com/absmach/bucketd/bus/memory"
	busmqtt "github.com/absmach/bucketd/bus/mqtt"
	"github.com/absmach/bucketd/cluster"
	"github.com/absmach/bucketd/config"
	"github.com/absmach/bucketd/distribution"
	"github.com/absmach/bucketd/metrics"
	"github.com/absmach/bucketd/retry"
	"github.com/absmach/bucketd/server/health"
	"github.com/absmach/bucketd/storage"
	"github.com/absmach/bucketd/storage/badger"
	"github.com/absmach/bucketd/storage/memory"
	redisstore "github.com/absmach/bucketd/storage/redis"
	"github.com/absmach/bucketd/worker"
	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting bucketd", "version", cfg.Metrics.ServiceVersion)
	slog.Info("Configuration loaded",
		"node_id", cfg.Node.ID,
		"registration_path", cfg.Cluster.RegistrationPath,
		"embedded_etcd", cfg.Cluster.Etcd.Embedded.Enabled,
		"bus", cfg.Bus.Type,
		"storage", cfg.Storage.Type,
		"retry_store", cfg.Retry.Store,
		"worker_enabled", cfg.Worker.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		shutdown, err := metrics.InitProvider(cfg.Metrics, metrics.Node{
			ID:               cfg.Node.ID,
			RegistrationPath: cfg.Cluster.RegistrationPath,
			Bus:              cfg.Bus.Type,
			Worker:           cfg.Worker.Enabled,
		})
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.OTLPEndpoint)

		m, err = metrics.New()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
	}

	var etcdClient *clientv3.Client
	if cfg.Cluster.Etcd.Embedded.Enabled {
		emb, err := cluster.StartEmbedded(cluster.EmbedConfig{
			NodeID:         cfg.Node.ID,
			DataDir:        cfg.Cluster.Etcd.Embedded.DataDir,
			BindAddr:       cfg.Cluster.Etcd.Embedded.BindAddr,
			ClientAddr:     cfg.Cluster.Etcd.Embedded.ClientAddr,
			AdvertiseAddr:  cfg.Cluster.Etcd.Embedded.BindAddr,
			InitialCluster: cfg.Cluster.Etcd.Embedded.InitialCluster,
			Bootstrap:      cfg.Cluster.Etcd.Embedded.Bootstrap,
		}, logger)
		if err != nil {
			slog.Error("Failed to start embedded etcd", "error", err)
			os.Exit(1)
		}
		defer emb.Close()
		etcdClient = emb.Client()
		slog.Info("Embedded etcd started",
			"data_dir", cfg.Cluster.Etcd.Embedded.DataDir,
			"client_addr", cfg.Cluster.Etcd.Embedded.ClientAddr)
	} else {
		c, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Cluster.Etcd.Endpoints,
			DialTimeout: cfg.Cluster.Etcd.DialTimeout,
		})
		if err != nil {
			slog.Error("Failed to connect to etcd", "error", err)
			os.Exit(1)
		}
		defer c.Close()
		etcdClient = c
		slog.Info("Connected to etcd", "endpoints", cfg.Cluster.Etcd.Endpoints)
	}

	dir := cluster.NewEtcdDirectory(etcdClient,
		cluster.WithLeaseTTL(cfg.Cluster.Etcd.LeaseTTL),
		cluster.WithBreaker(uint32(cfg.Cluster.Breaker.FailureThreshold), cfg.Cluster.Breaker.ResetTimeout),
		cluster.WithLogger(logger))

	var b bus.Bus
	switch cfg.Bus.Type {
	case "mqtt":
		comp, err := action.ParseCompression(cfg.Bus.MQTT.Compression)
		if err != nil {
			slog.Error("Invalid bus compression", "error", err)
			os.Exit(1)
		}
		clientID := cfg.Bus.MQTT.ClientID
		if clientID == "" {
			clientID = "bucketd-" + cfg.Node.ID
		}
		mb, err := busmqtt.New(busmqtt.Config{
			Broker:         cfg.Bus.MQTT.Broker,
			ClientID:       clientID,
			TopicPrefix:    cfg.Bus.MQTT.TopicPrefix,
			QoS:            cfg.Bus.MQTT.QoS,
			Compression:    comp,
			ConnectTimeout: cfg.Bus.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			slog.Error("Failed to connect to MQTT broker", "error", err)
			os.Exit(1)
		}
		b = mb
		slog.Info("Using MQTT bus", "broker", cfg.Bus.MQTT.Broker, "topic_prefix", cfg.Bus.MQTT.TopicPrefix)
	default:
		b = busmemory.New(logger)
		slog.Info("Using in-process bus")
	}
	defer b.Close()

	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{Dir: cfg.Storage.BadgerDir})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	retries, deadLetters := store.Retries(), store.DeadLetters()
	switch cfg.Retry.Store {
	case "redis":
		rc := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Retry.Redis.Addr,
			Password: cfg.Retry.Redis.Password,
			DB:       cfg.Retry.Redis.DB,
		})
		defer rc.Close()
		rs := redisstore.New(rc, redisstore.WithKeyPrefix(cfg.Retry.Redis.KeyPrefix), redisstore.WithLogger(logger))
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rs.Ping(pingCtx)
		pingCancel()
		if err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Retry.Redis.Addr, "error", err)
			os.Exit(1)
		}
		retries, deadLetters = rs.Retries(), rs.DeadLetters()
		slog.Info("Using Redis retry queue", "addr", cfg.Retry.Redis.Addr)
	case "memory":
		if cfg.Storage.Type != "memory" {
			retries, deadLetters = memory.NewRetryStore(), memory.NewDeadLetterStore()
		}
		slog.Info("Using in-memory retry queue")
	}

	dist := distribution.New(dir, b,
		distribution.WithPath(cfg.Cluster.RegistrationPath),
		distribution.WithDefaultTimeout(cfg.Distribution.Timeout),
		distribution.WithLogger(logger),
		distribution.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var responder *worker.Responder
	if cfg.Worker.Enabled {
		responder = worker.New(cfg.Node.ID, dir, b, worker.NewLogEngine(cfg.Node.ID, logger),
			worker.WithPath(cfg.Cluster.RegistrationPath),
			worker.WithMaxConcurrent(cfg.Worker.MaxConcurrent),
			worker.WithLogger(logger),
			worker.WithMetrics(m))
		if err := responder.Start(ctx); err != nil {
			slog.Error("Failed to start worker", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Info("Worker disabled, node only coordinates")
	}

	redeliverer := retry.New(dist, retries, deadLetters, retry.Config{
		Interval:  cfg.Retry.Interval,
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
		Rate:      cfg.Retry.Rate,
		Burst:     cfg.Retry.Burst,
		Timeout:   cfg.Distribution.Timeout,
	}, retry.WithLogger(logger), retry.WithMetrics(m))
	redeliverer.Start(ctx)

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:          cfg.Health.Address,
			ShutdownTimeout:  cfg.Health.ShutdownTimeout,
			NodeID:           cfg.Node.ID,
			RegistrationPath: cfg.Cluster.RegistrationPath,
		}, dir, retries, deadLetters, logger)
		go func() {
			if err := healthServer.Listen(ctx); err != nil {
				slog.Error("Health check server error", "error", err)
			}
		}()
	}

	slog.Info("bucketd started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	redeliverer.Stop()
	if responder != nil {
		if err := responder.Stop(shutdownCtx); err != nil {
			slog.Error("Error stopping worker", "error", err)
		}
	}

	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("bucketd stopped")
}
