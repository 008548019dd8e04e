// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/fifoq/config"
	"github.com/absmach/fifoq/deadletter"
	"github.com/absmach/fifoq/fifo"
	"github.com/absmach/fifoq/metrics"
	"github.com/absmach/fifoq/raftlog"
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

	slog.Info("Starting queue node", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"node_id", cfg.Node.ID,
		"bind_addr", cfg.Node.BindAddr,
		"queue", cfg.Queue.Name,
		"dead_letter", cfg.Queue.DeadLetter,
		"log_level", cfg.Log.Level)

	// Dead-letter handler
	var dead deadletter.Handler
	switch cfg.Queue.DeadLetter {
	case "badger":
		opts := badger.DefaultOptions(filepath.Join(cfg.Node.DataDir, "deadletter"))
		opts.Logger = nil
		db, err := badger.Open(opts)
		if err != nil {
			slog.Error("Failed to open dead-letter archive", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		dead = deadletter.NewBadgerArchive(db, cfg.Queue.Name, logger)
		slog.Info("Using BadgerDB dead-letter archive")
	default:
		dead = deadletter.NewLogHandler(cfg.Queue.Name, logger)
		slog.Info("Using log dead-letter handler")
	}

	// Metrics. The stats callback runs on the exporter's goroutine, so
	// the cluster created below is handed to it through an atomic.
	var cl atomic.Pointer[raftlog.Cluster]
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		shutdown, err := metrics.InitProvider(cfg.Metrics.Endpoint, cfg.Metrics.ServiceName, cfg.Node.ID)
		if err != nil {
			slog.Error("Failed to initialize metrics provider", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("Metrics shutdown error", "error", err)
			}
		}()

		m, err = metrics.New(cfg.Queue.Name, func() metrics.QueueStats {
			c := cl.Load()
			if c == nil {
				return metrics.QueueStats{}
			}
			_, res, err := c.LocalQuery(cfg.Node.BindAddr, func(mach *fifo.Machine) any {
				return metrics.QueueStats{
					Ready:      mach.ReadyCount(),
					CheckedOut: mach.CheckedOutCount(),
					Consumers:  len(mach.Consumers()),
					Usage:      mach.Usage(),
				}
			})
			if err != nil {
				return metrics.QueueStats{}
			}
			return res.(metrics.QueueStats)
		})
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		slog.Info("Metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}

	// This node always joins the group; peers listed in the
	// configuration are hosted in-process alongside it, which keeps
	// development clusters a single command.
	endpoints := []raftlog.EndpointConfig{{
		NodeID:   cfg.Node.ID,
		BindAddr: cfg.Node.BindAddr,
		DataDir:  cfg.Node.DataDir,
	}}
	for id, addr := range cfg.Raft.Peers {
		if id == cfg.Node.ID {
			continue
		}
		endpoints = append(endpoints, raftlog.EndpointConfig{
			NodeID:   id,
			BindAddr: addr,
			DataDir:  filepath.Join(cfg.Node.DataDir, "peers", id),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cluster, started, err := raftlog.StartCluster(ctx, raftlog.ClusterConfig{
		System:            cfg.Metrics.ServiceName,
		Queue:             cfg.Queue.Name,
		Endpoints:         endpoints,
		HeartbeatTimeout:  cfg.Raft.Heartbeat,
		ElectionTimeout:   cfg.Raft.Election,
		SnapshotInterval:  cfg.Raft.SnapshotInterval,
		SnapshotThreshold: cfg.Raft.SnapshotThreshold,
		ApplyTimeout:      cfg.Raft.ApplyTimeout,
		ShedRate:          cfg.Raft.ShedRate,
		ShedBurst:         cfg.Raft.ShedBurst,
		DeadLetter:        dead,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		slog.Error("Failed to start cluster", "error", err)
		os.Exit(1)
	}
	cl.Store(cluster)

	electCtx, electCancel := context.WithTimeout(ctx, 30*time.Second)
	leader, err := cluster.WaitForLeader(electCtx)
	electCancel()
	if err != nil {
		slog.Error("No leader elected", "error", err)
		cluster.Shutdown()
		os.Exit(1)
	}

	slog.Info("Queue node started successfully",
		"endpoints", started,
		"leader", leader)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Shutting down", "signal", sig.String())

	if err := cluster.Shutdown(); err != nil {
		slog.Error("Cluster shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("Queue node stopped")
}
