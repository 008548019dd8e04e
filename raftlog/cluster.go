// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raftlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/absmach/fifoq/deadletter"
	"github.com/absmach/fifoq/fifo"
	"github.com/absmach/fifoq/metrics"
)

// EndpointConfig describes one member of a queue's consensus group.
// The bind address doubles as the endpoint identifier clients use.
type EndpointConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// ClusterConfig configures a queue's consensus group.
type ClusterConfig struct {
	System    string
	Queue     string
	Endpoints []EndpointConfig

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration
	ShedRate          float64
	ShedBurst         int

	DeadLetter deadletter.Handler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Cluster hosts the consensus group members for one queue and exposes
// the command-log contract sessions program against: pipelined
// best-effort submission, local queries, and per-session event
// subscription.
type Cluster struct {
	cfg    ClusterConfig
	router *router
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*Node // bind address -> node
}

// StartCluster boots every configured endpoint of the queue's group
// and bootstraps the raft configuration on first start. It returns the
// cluster and the list of started endpoints.
func StartCluster(ctx context.Context, cfg ClusterConfig) (*Cluster, []string, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, nil, fmt.Errorf("cluster %s/%s needs at least one endpoint", cfg.System, cfg.Queue)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cluster{
		cfg:    cfg,
		router: newRouter(),
		logger: cfg.Logger.With(slog.String("system", cfg.System), slog.String("queue", cfg.Queue)),
		nodes:  make(map[string]*Node, len(cfg.Endpoints)),
	}

	servers := make([]raft.Server, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(ep.NodeID),
			Address: raft.ServerAddress(ep.BindAddr),
		})
	}

	started := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		node, err := c.startNode(ep, servers)
		if err != nil {
			c.Shutdown()
			return nil, nil, fmt.Errorf("failed to start endpoint %s: %w", ep.BindAddr, err)
		}
		c.nodes[ep.BindAddr] = node
		started = append(started, ep.BindAddr)
	}

	c.logger.Info("cluster started", slog.Int("endpoints", len(started)))

	return c, started, nil
}

func (c *Cluster) startNode(ep EndpointConfig, servers []raft.Server) (*Node, error) {
	node, err := newNode(NodeConfig{
		Queue:             c.cfg.Queue,
		NodeID:            ep.NodeID,
		BindAddr:          ep.BindAddr,
		DataDir:           ep.DataDir,
		HeartbeatTimeout:  c.cfg.HeartbeatTimeout,
		ElectionTimeout:   c.cfg.ElectionTimeout,
		SnapshotInterval:  c.cfg.SnapshotInterval,
		SnapshotThreshold: c.cfg.SnapshotThreshold,
		ApplyTimeout:      c.cfg.ApplyTimeout,
		ShedRate:          c.cfg.ShedRate,
		ShedBurst:         c.cfg.ShedBurst,
		Metrics:           c.cfg.Metrics,
		Logger:            c.logger,
	}, c.router, c.cfg.DeadLetter)
	if err != nil {
		return nil, err
	}

	if err := node.bootstrap(servers); err != nil {
		node.stop()
		return nil, err
	}

	return node, nil
}

// PipelineCommand submits a command to the given endpoint without
// waiting for commit. Best effort: the command may be shed under
// overload or lost to a leadership change; tracked commands surface
// loss through the session event stream, untracked ones are simply
// dropped.
func (c *Cluster) PipelineCommand(endpoint string, corr Correlation, cmd fifo.Command) error {
	c.mu.RLock()
	node, ok := c.nodes[endpoint]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	return node.pipeline(corr, cmd)
}

// LocalQuery runs a read-only function against the applied state of
// one endpoint and returns the applied log index with the result.
func (c *Cluster) LocalQuery(endpoint string, fn func(*fifo.Machine) any) (uint64, any, error) {
	c.mu.RLock()
	node, ok := c.nodes[endpoint]
	c.mu.RUnlock()
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	return node.query(fn)
}

// Subscribe registers a session for event delivery.
func (c *Cluster) Subscribe(sessionID string) <-chan Notification {
	return c.router.subscribe(sessionID)
}

// Unsubscribe drops a session's event stream and closes its channel.
func (c *Cluster) Unsubscribe(sessionID string) {
	c.router.unsubscribe(sessionID)
}

// Leader returns the endpoint currently leading the group, or empty
// when no leader is known.
func (c *Cluster) Leader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for endpoint, node := range c.nodes {
		if node.isLeader() {
			return endpoint
		}
	}
	return ""
}

// WaitForLeader blocks until a leader is elected and returns its
// endpoint.
func (c *Cluster) WaitForLeader(ctx context.Context) (string, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if leader := c.Leader(); leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timeout waiting for leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// StopEndpoint stops one member, simulating a node failure or a
// rolling restart. State stays on disk; StartEndpoint revives it.
func (c *Cluster) StopEndpoint(endpoint string) error {
	c.mu.Lock()
	node, ok := c.nodes[endpoint]
	if ok {
		delete(c.nodes, endpoint)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	return node.stop()
}

// StartEndpoint restarts a previously stopped member from its data
// directory.
func (c *Cluster) StartEndpoint(endpoint string) error {
	var epCfg *EndpointConfig
	for i := range c.cfg.Endpoints {
		if c.cfg.Endpoints[i].BindAddr == endpoint {
			epCfg = &c.cfg.Endpoints[i]
			break
		}
	}
	if epCfg == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.nodes[endpoint]; running {
		return nil
	}

	servers := make([]raft.Server, 0, len(c.cfg.Endpoints))
	for _, ep := range c.cfg.Endpoints {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(ep.NodeID),
			Address: raft.ServerAddress(ep.BindAddr),
		})
	}

	node, err := c.startNode(*epCfg, servers)
	if err != nil {
		return err
	}
	c.nodes[endpoint] = node
	return nil
}

// Delete tears the queue down permanently and notifies every session
// with a terminal EOL event.
func (c *Cluster) Delete() error {
	c.router.broadcast("", EOLEvent{})
	return c.Shutdown()
}

// Shutdown stops all members without signaling queue deletion.
func (c *Cluster) Shutdown() error {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = make(map[string]*Node)
	c.mu.Unlock()

	var firstErr error
	for _, node := range nodes {
		if err := node.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
