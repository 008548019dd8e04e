// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raftlog

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fifoq/fifo"
)

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs = append(addrs, l.Addr().String())
		l.Close()
	}
	return addrs
}

func testClusterConfig(t *testing.T, n int) ClusterConfig {
	t.Helper()
	addrs := freeAddrs(t, n)
	endpoints := make([]EndpointConfig, 0, n)
	for i, addr := range addrs {
		endpoints = append(endpoints, EndpointConfig{
			NodeID:   fmt.Sprintf("node-%d", i+1),
			BindAddr: addr,
			DataDir:  t.TempDir(),
		})
	}
	return ClusterConfig{
		System:           "test",
		Queue:            "orders",
		Endpoints:        endpoints,
		HeartbeatTimeout: 100 * time.Millisecond,
		ElectionTimeout:  100 * time.Millisecond,
		ApplyTimeout:     5 * time.Second,
	}
}

func awaitEvent(t *testing.T, ch <-chan Notification, want func(Event) bool) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case n := <-ch:
			if want(n.Event) {
				return n.Event
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func TestClusterEnqueueDeliverSettle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	cfg := testClusterConfig(t, 1)
	cluster, started, err := StartCluster(context.Background(), cfg)
	require.NoError(t, err)
	defer cluster.Shutdown()
	require.Len(t, started, 1)
	endpoint := started[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	leader, err := cluster.WaitForLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, endpoint, leader)

	events := cluster.Subscribe("sess-1")
	defer cluster.Unsubscribe("sess-1")

	require.NoError(t, cluster.PipelineCommand(endpoint, Correlation{Session: "sess-1", Seq: 1}, fifo.Command{
		Type: fifo.CmdEnqueue, Timestamp: time.Now(),
		Sender: "sess-1", Sequence: 1, Body: []byte("hello"),
	}))
	awaitEvent(t, events, func(e Event) bool {
		a, ok := e.(AppliedEvent)
		return ok && len(a.Seqs) == 1 && a.Seqs[0] == 1
	})

	require.NoError(t, cluster.PipelineCommand(endpoint, Correlation{Session: "sess-1", Seq: 2}, fifo.Command{
		Type: fifo.CmdCheckout, Timestamp: time.Now(),
		Tag: "worker", Owner: "sess-1",
		Spec: fifo.CheckoutSpec{Mode: fifo.ModeSimplePrefetch, Prefetch: 5},
	}))
	ev := awaitEvent(t, events, func(e Event) bool {
		_, ok := e.(DeliveryEvent)
		return ok
	})
	delivery := ev.(DeliveryEvent)
	require.Len(t, delivery.Batch, 1)
	assert.Equal(t, "hello", string(delivery.Batch[0].Body))

	require.NoError(t, cluster.PipelineCommand(endpoint, Correlation{Session: "sess-1", Seq: 3}, fifo.Command{
		Type: fifo.CmdSettle, Timestamp: time.Now(),
		Tag: "worker", MsgIDs: []uint64{delivery.Batch[0].MsgID},
	}))
	awaitEvent(t, events, func(e Event) bool {
		a, ok := e.(AppliedEvent)
		return ok && len(a.Seqs) == 1 && a.Seqs[0] == 3
	})

	_, result, err := cluster.LocalQuery(endpoint, func(m *fifo.Machine) any {
		return m.CheckedOutCount()
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result)
}

func TestClusterPipelinePreservesSubmissionOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	cfg := testClusterConfig(t, 1)
	cluster, started, err := StartCluster(context.Background(), cfg)
	require.NoError(t, err)
	defer cluster.Shutdown()
	endpoint := started[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = cluster.WaitForLeader(ctx)
	require.NoError(t, err)

	events := cluster.Subscribe("sess-1")
	defer cluster.Unsubscribe("sess-1")

	// A checkout immediately followed by a credit for the same tag; if
	// back-to-back submissions could overtake each other on the log,
	// the credit would hit an unknown consumer and be rejected.
	var seq uint64
	for i := 0; i < 50; i++ {
		tag := fmt.Sprintf("c-%d", i)
		seq++
		require.NoError(t, cluster.PipelineCommand(endpoint, Correlation{Session: "sess-1", Seq: seq}, fifo.Command{
			Type: fifo.CmdCheckout, Timestamp: time.Now(),
			Tag: tag, Owner: "sess-1",
			Spec: fifo.CheckoutSpec{Mode: fifo.ModeCredited},
		}))
		seq++
		require.NoError(t, cluster.PipelineCommand(endpoint, Correlation{Session: "sess-1", Seq: seq}, fifo.Command{
			Type: fifo.CmdCredit, Timestamp: time.Now(),
			Tag: tag, Amount: 1,
		}))
	}

	applied := make(map[uint64]bool)
	for uint64(len(applied)) < seq {
		ev := awaitEvent(t, events, func(e Event) bool {
			switch e.(type) {
			case AppliedEvent, RejectedEvent:
				return true
			}
			return false
		})
		switch e := ev.(type) {
		case AppliedEvent:
			for _, s := range e.Seqs {
				applied[s] = true
			}
		case RejectedEvent:
			t.Fatalf("command reordered: seq %d (%s %s) rejected: %s", e.Seq, e.Command, e.Tag, e.Err)
		}
	}
}

func TestClusterStateSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	cfg := testClusterConfig(t, 1)
	cluster, started, err := StartCluster(context.Background(), cfg)
	require.NoError(t, err)
	endpoint := started[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = cluster.WaitForLeader(ctx)
	require.NoError(t, err)

	events := cluster.Subscribe("sess-1")
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, cluster.PipelineCommand(endpoint, Correlation{Session: "sess-1", Seq: i}, fifo.Command{
			Type: fifo.CmdEnqueue, Timestamp: time.Now(),
			Sender: "sess-1", Sequence: i, Body: []byte("durable"),
		}))
	}
	awaitEvent(t, events, func(e Event) bool {
		a, ok := e.(AppliedEvent)
		return ok && len(a.Seqs) == 1 && a.Seqs[0] == 5
	})
	cluster.Unsubscribe("sess-1")
	require.NoError(t, cluster.Shutdown())

	// A fresh cluster over the same data directory replays the log.
	restarted, _, err := StartCluster(context.Background(), cfg)
	require.NoError(t, err)
	defer restarted.Shutdown()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_, err = restarted.WaitForLeader(ctx2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, result, err := restarted.LocalQuery(endpoint, func(m *fifo.Machine) any {
			return m.ReadyCount()
		})
		return err == nil && result == 5
	}, 10*time.Second, 100*time.Millisecond, "replayed state must hold all five messages")
}

func TestClusterFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	cfg := testClusterConfig(t, 3)
	cluster, started, err := StartCluster(context.Background(), cfg)
	require.NoError(t, err)
	defer cluster.Shutdown()
	require.Len(t, started, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	leader, err := cluster.WaitForLeader(ctx)
	require.NoError(t, err)

	require.NoError(t, cluster.StopEndpoint(leader))

	// A new leader emerges among the survivors.
	require.Eventually(t, func() bool {
		l := cluster.Leader()
		return l != "" && l != leader
	}, 15*time.Second, 200*time.Millisecond)

	// Submitting to a stopped endpoint is an error the session layer
	// turns into endpoint advancement.
	err = cluster.PipelineCommand(leader, Correlation{}, fifo.Command{Type: fifo.CmdEnqueue, Body: []byte("x")})
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestClusterDeleteBroadcastsEOL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	cfg := testClusterConfig(t, 1)
	cluster, _, err := StartCluster(context.Background(), cfg)
	require.NoError(t, err)

	events := cluster.Subscribe("sess-1")
	require.NoError(t, cluster.Delete())

	ev := awaitEvent(t, events, func(e Event) bool {
		_, ok := e.(EOLEvent)
		return ok
	})
	assert.IsType(t, EOLEvent{}, ev)
}
