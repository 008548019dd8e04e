// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raftlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/s2"

	"github.com/absmach/fifoq/deadletter"
	"github.com/absmach/fifoq/fifo"
	"github.com/absmach/fifoq/metrics"
)

// commandEnvelope is the wire form of one log entry.
type commandEnvelope struct {
	Corr Correlation  `json:"corr,omitempty"`
	Cmd  fifo.Command `json:"cmd"`
}

// ApplyResult is returned through the raft apply future.
type ApplyResult struct {
	Err error
}

// FSM adapts a fifo.Machine to the raft.FSM interface. Raft serializes
// Apply calls; the mutex only guards against concurrent local queries.
type FSM struct {
	mu       sync.Mutex
	machine  *fifo.Machine
	applied  uint64
	router   *router
	dead     deadletter.Handler
	endpoint string
	leading  func() bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewFSM creates an FSM for one queue machine. The leading check is
// installed after the raft instance exists; until then the FSM routes
// no events. Metrics may be nil.
func NewFSM(machine *fifo.Machine, router *router, dead deadletter.Handler, endpoint string, m *metrics.Metrics, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		machine:  machine,
		router:   router,
		dead:     dead,
		endpoint: endpoint,
		leading:  func() bool { return false },
		metrics:  m,
		logger:   logger,
	}
}

func (f *FSM) setLeadingCheck(leading func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leading = leading
}

// Apply applies a committed log entry to the queue machine. Every
// replica mutates state identically; only the leader routes the
// resulting effects to sessions and the dead-letter handler.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var env commandEnvelope
	if err := json.Unmarshal(l.Data, &env); err != nil {
		f.logger.Error("failed to unmarshal command envelope",
			slog.Uint64("index", l.Index),
			slog.String("error", err.Error()))
		return &ApplyResult{Err: err}
	}

	f.mu.Lock()
	effects, err := f.machine.Apply(env.Cmd)
	f.applied = l.Index
	leading := f.leading()
	f.mu.Unlock()

	if !leading {
		return &ApplyResult{Err: err}
	}

	if err != nil {
		if f.metrics != nil {
			f.metrics.RecordRejected(env.Cmd.Type.String())
		}
		if env.Corr.Session != "" {
			f.router.publish(env.Corr.Session, f.endpoint, RejectedEvent{
				Seq:     env.Corr.Seq,
				Command: env.Cmd.Type.String(),
				Tag:     env.Cmd.Tag,
				Err:     err.Error(),
			})
		}
		// Settlements mixing known and unknown ids still free credit,
		// so the rejection can carry deliveries with it.
		f.routeEffects(effects)
		return &ApplyResult{Err: err}
	}

	f.record(env.Cmd)

	if env.Corr.Session != "" {
		f.router.publish(env.Corr.Session, f.endpoint, AppliedEvent{
			Seqs: []uint64{env.Corr.Seq},
		})
	}

	f.routeEffects(effects)

	return &ApplyResult{}
}

// record updates leader-side counters for a successfully applied
// command. Counting on the leader only keeps totals per logical
// command rather than per replica.
func (f *FSM) record(cmd fifo.Command) {
	if f.metrics == nil {
		return
	}
	f.metrics.RecordApplied(cmd.Type.String())
	switch cmd.Type {
	case fifo.CmdEnqueue:
		f.metrics.RecordEnqueued(1)
	case fifo.CmdSettle:
		f.metrics.RecordSettled(int64(len(cmd.MsgIDs)))
	case fifo.CmdReturn:
		f.metrics.RecordReturned(int64(len(cmd.MsgIDs)))
	}
}

func (f *FSM) routeEffects(effects []fifo.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case fifo.DeliveryEffect:
			if f.metrics != nil {
				f.metrics.RecordDeliveryBatch(int64(len(e.Batch)))
			}
			f.router.publish(e.Owner, f.endpoint, DeliveryEvent{
				Tag:           e.Tag,
				DeliveryCount: e.DeliveryCount,
				Batch:         e.Batch,
			})
		case fifo.CreditReplyEffect:
			f.router.publish(e.Owner, f.endpoint, CreditReplyEvent{
				Tag:    e.Tag,
				Credit: e.Credit,
				Ready:  e.Ready,
				Drain:  e.Drain,
			})
		case fifo.DrainedEffect:
			f.router.publish(e.Owner, f.endpoint, DrainedEvent{
				Tag:     e.Tag,
				Dropped: e.Dropped,
			})
		case fifo.DeadLetterEffect:
			if f.metrics != nil {
				f.metrics.RecordDeadLettered(int64(len(e.Messages)), e.Reason)
			}
			if f.dead == nil {
				continue
			}
			if err := f.dead.Handle(context.Background(), e.Reason, e.Messages); err != nil {
				f.logger.Error("dead-letter handler failed",
					slog.String("reason", e.Reason),
					slog.Int("count", len(e.Messages)),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Query runs a read-only function against the applied machine state
// and returns the last applied log index alongside its result.
func (f *FSM) Query(fn func(*fifo.Machine) any) (uint64, any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied, fn(f.machine)
}

// Snapshot captures the machine state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	data, err := f.machine.Snapshot()
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot machine: %w", err)
	}

	return &fsmSnapshot{data: s2.Encode(nil, data), logger: f.logger}, nil
}

// Restore replaces the machine state from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	data, err := s2.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.machine.RestoreSnapshot(data); err != nil {
		return err
	}

	f.logger.Info("restored machine snapshot",
		slog.Int("ready", f.machine.ReadyCount()),
		slog.Int("checked_out", f.machine.CheckedOutCount()))

	return nil
}

// fsmSnapshot implements raft.FSMSnapshot over serialized machine state.
type fsmSnapshot struct {
	data   []byte
	logger *slog.Logger
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		s.logger.Error("failed to persist snapshot",
			slog.String("error", err.Error()))
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
