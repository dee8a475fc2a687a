// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/chanq/cluster"
	"github.com/absmach/chanq/config"
	"github.com/absmach/chanq/queue"
	"github.com/absmach/chanq/ratelimit"
	"github.com/absmach/chanq/replication"
	"github.com/absmach/chanq/server/health"
	"github.com/absmach/chanq/server/http"
	"github.com/absmach/chanq/server/monitor"
	"github.com/absmach/chanq/server/otel"
	"github.com/absmach/chanq/stats"
	"github.com/absmach/chanq/storage"
	"github.com/absmach/chanq/storage/badger"
	"github.com/absmach/chanq/storage/memory"
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

	slog.Info("Starting chanq node", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"http_addr", cfg.Server.HTTPAddr,
		"health_addr", cfg.Server.HealthAddr,
		"self", cfg.Cluster.Self,
		"nodes", len(cfg.Cluster.Nodes),
		"replication_factor", cfg.Cluster.ReplicationFactor,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	var store storage.Persistence
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:         cfg.Storage.BadgerDir,
			Compression: badger.Compression(cfg.Storage.Compression),
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB storage", "dir", cfg.Storage.BadgerDir, "compression", cfg.Storage.Compression)
	}
	defer store.Close()

	var otelShutdown func(context.Context) error
	var recorder stats.Recorder
	var metrics *otel.Metrics

	if cfg.Otel.Enabled {
		node := otel.Node{
			Addr:              cfg.Cluster.Self,
			Role:              string(cluster.RolePrimary),
			ReplicationFactor: cfg.Cluster.ReplicationFactor,
		}
		for _, n := range cfg.Cluster.Nodes {
			if n.Addr == cfg.Cluster.Self && n.Role != "" {
				node.Role = n.Role
			}
		}
		shutdown, err := otel.InitProvider(cfg.Otel, node)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)

		if cfg.Otel.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			recorder = m
			slog.Info("OTel metrics enabled")
		}
		if cfg.Otel.TracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Otel.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	agg := stats.New(recorder)
	if metrics != nil {
		if err := metrics.RegisterDepth(func() map[string]int { return agg.Snapshot().Length }); err != nil {
			slog.Error("Failed to register depth gauge", "error", err)
			os.Exit(1)
		}
	}

	engine := queue.New(agg, queue.Config{
		InflightTTL: cfg.Queue.InflightTTL,
		Logger:      logger,
	})

	nodes := make([]cluster.NodeConfig, 0, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		nodes = append(nodes, cluster.NodeConfig{
			Addr:    n.Addr,
			Role:    cluster.Role(n.Role),
			Backups: n.Backups,
		})
	}
	router, err := cluster.NewRouter(cluster.Config{
		Self:              cfg.Cluster.Self,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		Nodes:             nodes,
		Logger:            logger,
	})
	if err != nil {
		slog.Error("Failed to create node router", "error", err)
		os.Exit(1)
	}

	transport := cluster.NewTransport(cluster.TransportConfig{
		Timeout: cfg.Cluster.Transport.Timeout,
		Breaker: cluster.BreakerConfig{
			FailureThreshold: cfg.Cluster.Transport.FailureThreshold,
			ResetTimeout:     cfg.Cluster.Transport.ResetTimeout,
			MaxRetries:       cfg.Cluster.Transport.MaxRetries,
			RetryBaseDelay:   cfg.Cluster.Transport.RetryBaseDelay,
		},
		Logger: logger,
	})

	replicator := replication.New(engine, router, store, transport, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router.OnReassign(func(moved []cluster.Reassignment) {
		replicator.HandleReassignments(ctx, moved)
	})

	monitorHub := monitor.New(agg, logger)
	defer monitorHub.Close()
	agg.OnTick(monitorHub.Broadcast)

	var limiter *ratelimit.Limiter
	if rl := cfg.Server.RateLimit; rl.Enabled {
		key := ratelimit.ClientIP
		if rl.PerChannel {
			key = ratelimit.ClientChannel
		}
		limiter = ratelimit.New(ratelimit.Options{
			Rate:   rl.Rate,
			Burst:  rl.Burst,
			Key:    key,
			Exempt: forwarded,
		})
		defer limiter.Stop()
		slog.Info("Enqueue rate limiting enabled", "rate", rl.Rate, "burst", rl.Burst, "per_channel", rl.PerChannel)
	}

	dispatcher := http.New(http.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		DequeueTimeout:  cfg.Server.DequeueTimeout,
		RateLimiter:     limiter,
	}, router, replicator, transport, agg, logger)

	healthMonitor := cluster.NewHealthMonitor(cluster.HealthConfig{
		Interval:    cfg.Cluster.Health.Interval,
		Timeout:     cfg.Cluster.Health.Timeout,
		MaxFailures: cfg.Cluster.Health.MaxFailures,
		Logger:      logger,
	}, transport.Probe)
	healthMonitor.OnDown(func(addr string) {
		router.ReceiveNodeWentDownNotification(addr)
	})
	healthMonitor.OnUp(func(addr string) {
		router.ReceiveNodeCameUpNotification(addr)
	})

	healthServer := health.New(health.Config{
		Address:         cfg.Server.HealthAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, router, engine, logger)
	healthServer.SetPeers(healthMonitor)
	healthServer.Register(dispatcher.Mux())
	dispatcher.Mux().Handle(cfg.Server.WSPath, monitorHub)

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		agg.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	// Unreachable peers are marked down before recovery reads from them.
	healthMonitor.Seed(ctx, router.Peers())

	recoverCtx, recoverCancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := replicator.Recover(recoverCtx); err != nil {
		slog.Error("Recovery failed, node is fenced", "error", err)
	}
	recoverCancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMonitor.Run(ctx, router.Peers)
	}()

	slog.Info("chanq node started", "self", router.Self(), "state", router.State())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	wg.Wait()
	slog.Info("chanq node stopped")
}

// forwarded reports requests relayed by a peer.
func forwarded(r *nethttp.Request) bool {
	return r.Header.Get(cluster.ForwardedHeader) != ""
}
