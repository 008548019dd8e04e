// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raftlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
	"golang.org/x/time/rate"

	"github.com/absmach/fifoq/deadletter"
	"github.com/absmach/fifoq/fifo"
	"github.com/absmach/fifoq/metrics"
)

// NodeConfig holds per-node settings for one queue's consensus group.
type NodeConfig struct {
	Queue    string
	NodeID   string
	BindAddr string
	DataDir  string

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration

	// Overload shedding for pipelined commands. Submissions beyond the
	// rate are dropped silently; clients recover through resend.
	// ShedRate <= 0 disables shedding.
	ShedRate  float64
	ShedBurst int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c *NodeConfig) withDefaults() {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 3 * time.Second
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 8192
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.ShedBurst == 0 {
		c.ShedBurst = 512
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Node is one member of a queue's consensus group.
type Node struct {
	cfg NodeConfig

	raft      *raft.Raft
	fsm       *FSM
	db        *badger.DB
	logStore  *LogStore
	stable    *StableStore
	snapStore raft.SnapshotStore
	transport *raft.NetworkTransport
	limiter   *rate.Limiter
	router    *router
	logger    *slog.Logger
	stopped   atomic.Bool
}

func newNode(cfg NodeConfig, rt *router, dead deadletter.Handler) (*Node, error) {
	cfg.withDefaults()

	n := &Node{
		cfg:    cfg,
		router: rt,
		logger: cfg.Logger.With(slog.String("node_id", cfg.NodeID)),
	}

	shedRate := rate.Inf
	if cfg.ShedRate > 0 {
		shedRate = rate.Limit(cfg.ShedRate)
	}
	n.limiter = rate.NewLimiter(shedRate, cfg.ShedBurst)

	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft directory: %w", err)
	}

	opts := badger.DefaultOptions(raftDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft badger db: %w", err)
	}
	n.db = db

	n.logStore = NewLogStore(db, cfg.Queue)
	n.stable = NewStableStore(db, cfg.Queue)

	snapStore, err := raft.NewFileSnapshotStore(filepath.Join(raftDir, "snapshots"), 3, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	n.snapStore = snapStore

	n.fsm = NewFSM(fifo.NewMachine(cfg.Queue), rt, dead, cfg.BindAddr, cfg.Metrics, n.logger)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}
	n.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
	raftCfg.SnapshotInterval = cfg.SnapshotInterval
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.LogLevel = "WARN"

	r, err := raft.NewRaft(raftCfg, n.fsm, n.logStore, n.stable, n.snapStore, transport)
	if err != nil {
		transport.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r
	n.fsm.setLeadingCheck(func() bool { return r.State() == raft.Leader })

	n.logger.Info("raft node created",
		slog.String("queue", cfg.Queue),
		slog.String("bind_addr", cfg.BindAddr))

	return n, nil
}

// bootstrap seeds the consensus group configuration on first start.
func (n *Node) bootstrap(servers []raft.Server) error {
	hasState, err := raft.HasExistingState(n.logStore, n.stable, n.snapStore)
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}
	if hasState {
		n.logger.Info("raft already bootstrapped, skipping")
		return nil
	}

	future := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap raft: %w", err)
	}
	return nil
}

// pipeline submits a command without waiting for it to commit. The
// call returns once the command is handed to raft; loss (overload
// shedding, leadership change mid-flight) is reported through the
// session's event stream or simply tolerated.
func (n *Node) pipeline(corr Correlation, cmd fifo.Command) error {
	if n.stopped.Load() {
		return ErrNodeStopped
	}

	if !n.limiter.Allow() {
		if n.cfg.Metrics != nil {
			n.cfg.Metrics.RecordShed()
		}
		n.logger.Debug("shedding pipelined command",
			slog.String("command", cmd.Type.String()))
		return nil
	}

	data, err := json.Marshal(commandEnvelope{Corr: corr, Cmd: cmd})
	if err != nil {
		return fmt.Errorf("failed to encode command envelope: %w", err)
	}

	// Apply only enqueues to the raft apply channel, so calling it
	// here keeps back-to-back submissions from one session in order;
	// a goroutine per command would race them onto the log.
	future := n.raft.Apply(data, n.cfg.ApplyTimeout)

	go func() {
		if err := future.Error(); err == nil {
			return
		} else if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			if corr.Session != "" {
				n.router.publish(corr.Session, n.cfg.BindAddr, NotLeaderEvent{
					LeaderHint: n.leaderHint(),
				})
			}
		} else if !n.stopped.Load() {
			n.logger.Warn("pipelined command failed",
				slog.String("command", cmd.Type.String()),
				slog.String("error", err.Error()))
		}
	}()

	return nil
}

// query runs a read-only function against this node's applied state.
func (n *Node) query(fn func(*fifo.Machine) any) (uint64, any, error) {
	if n.stopped.Load() {
		return 0, nil, ErrNodeStopped
	}
	index, result := n.fsm.Query(fn)
	return index, result, nil
}

// isLeader reports whether this node currently leads the group.
func (n *Node) isLeader() bool {
	return n.raft.State() == raft.Leader
}

// leaderHint returns the current leader's endpoint, or empty.
func (n *Node) leaderHint() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// waitForLeader blocks until the group has elected a leader.
func (n *Node) waitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for leader: %w", ctx.Err())
		case <-ticker.C:
			if n.leaderHint() != "" {
				return nil
			}
		}
	}
}

// stop shuts the node down and releases its storage.
func (n *Node) stop() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}

	n.logger.Info("shutting down raft node", slog.String("queue", n.cfg.Queue))

	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Error("raft shutdown error", slog.String("error", err.Error()))
	}
	if err := n.transport.Close(); err != nil {
		n.logger.Error("transport close error", slog.String("error", err.Error()))
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error("raft db close error", slog.String("error", err.Error()))
		return err
	}
	return nil
}
