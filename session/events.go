// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fifoq/fifo"
	"github.com/absmach/fifoq/raftlog"
)

// HandleEvent folds one log notification into the session state and
// returns the actions the owner must take. It runs on the owner's
// goroutine; see the package doc for the single-owner contract.
func (s *Session) HandleEvent(from string, ev raftlog.Event) ([]Action, error) {
	if s.ended {
		return nil, ErrSessionEnded
	}

	switch e := ev.(type) {
	case raftlog.AppliedEvent:
		return s.handleApplied(e), nil

	case raftlog.RejectedEvent:
		s.pending.complete(e.Seq)
		actions := []Action{RejectedAction{
			Seq:     e.Seq,
			Command: e.Command,
			Tag:     e.Tag,
			Err:     e.Err,
		}}
		return append(actions, s.unblockIfDrained()...), nil

	case raftlog.DeliveryEvent:
		return s.handleDelivery(from, e)

	case raftlog.CreditReplyEvent:
		return []Action{CreditReplyAction{
			Tag:    e.Tag,
			Credit: e.Credit,
			Ready:  e.Ready,
			Drain:  e.Drain,
		}}, nil

	case raftlog.DrainedEvent:
		return []Action{DrainedAction{Tag: e.Tag, Credit: e.Dropped}}, nil

	case raftlog.NotLeaderEvent:
		s.advanceLeader(e.LeaderHint)
		now := time.Now()
		for _, pc := range s.pending.sorted() {
			s.resubmit(pc, now)
		}
		return nil, nil

	case raftlog.EOLEvent:
		s.ended = true
		return []Action{EOLAction{}}, nil

	default:
		return nil, fmt.Errorf("unexpected event type %T", ev)
	}
}

// handleApplied completes the confirmed pending commands, emitting
// SettledAction for confirmed enqueues so producers learn their
// message is durable.
func (s *Session) handleApplied(e raftlog.AppliedEvent) []Action {
	var actions []Action
	for _, seq := range e.Seqs {
		pc, ok := s.pending.complete(seq)
		if !ok {
			continue
		}
		if pc.cmd.Type == fifo.CmdEnqueue {
			actions = append(actions, SettledAction{
				Seq:         seq,
				Correlation: pc.cmd.Correlation,
			})
		}
	}
	return append(actions, s.unblockIfDrained()...)
}

// handleDelivery suppresses duplicate deliveries and repairs gaps.
// Each delivery carries the consumer's delivery count after the
// batch; counts at or below the last processed one are replays of
// batches already handed to the owner, and a count further ahead than
// expected means intermediate delivery events were dropped and must be
// fetched back from the replica's applied state.
func (s *Session) handleDelivery(from string, e raftlog.DeliveryEvent) ([]Action, error) {
	last := s.lastDelivery[e.Tag]
	if e.DeliveryCount <= last {
		s.logger.Debug("dropping duplicate delivery",
			slog.String("tag", e.Tag),
			slog.Uint64("count", e.DeliveryCount))
		return nil, nil
	}

	// Delivery counts start at 1 per checkout, so a count further
	// ahead than last+1 means intermediate events were dropped.
	if e.DeliveryCount > last+1 {
		actions, count, err := s.fetchMissed(from, e.Tag, last)
		if err != nil {
			return nil, err
		}
		// The fetch replays everything up to the machine's current
		// count, which may run past the triggering event; advance the
		// watermark to whichever is higher so the replayed batches'
		// own events are dropped as duplicates when they arrive.
		if count < e.DeliveryCount {
			count = e.DeliveryCount
		}
		s.lastDelivery[e.Tag] = count
		return actions, nil
	}

	s.lastDelivery[e.Tag] = e.DeliveryCount
	return []Action{DeliverAction{Tag: e.Tag, Batch: e.Batch}}, nil
}

// unsettledState carries a consumer's outstanding deliveries together
// with its current delivery count out of a local query.
type unsettledState struct {
	deliveries []fifo.UnsettledDelivery
	count      uint64
}

// fetchMissed reads the consumer's unsettled deliveries past the last
// processed count from the local replica and replays them in delivery
// order, returning the checkout's delivery count as of the query. The
// fetch covers the triggering batch too, so the caller does not emit
// it separately.
func (s *Session) fetchMissed(endpoint, tag string, after uint64) ([]Action, uint64, error) {
	_, res, err := s.log.LocalQuery(endpoint, func(m *fifo.Machine) any {
		deliveries, count, qerr := m.UnsettledSince(tag, after)
		if qerr != nil {
			return qerr
		}
		return unsettledState{deliveries: deliveries, count: count}
	})
	if err != nil {
		return nil, 0, fmt.Errorf("fetching missed deliveries for %s: %w", tag, err)
	}

	var state unsettledState
	switch v := res.(type) {
	case unsettledState:
		state = v
	case error:
		// The checkout may have been cancelled between the delivery
		// event and the query; nothing left to recover.
		if errors.Is(v, fifo.ErrUnknownConsumer) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("fetching missed deliveries for %s: %w", tag, v)
	default:
		return nil, 0, fmt.Errorf("unexpected query result %T", res)
	}

	s.logger.Debug("recovered missed deliveries",
		slog.String("tag", tag),
		slog.Int("count", len(state.deliveries)))

	// Regroup by the count the machine assigned, preserving batch
	// boundaries as the consumer would have seen them.
	var actions []Action
	var batch []fifo.DeliveredMessage
	var current uint64
	for _, d := range state.deliveries {
		if d.DeliveryCount != current && len(batch) > 0 {
			actions = append(actions, DeliverAction{Tag: tag, Batch: batch})
			batch = nil
		}
		current = d.DeliveryCount
		batch = append(batch, fifo.DeliveredMessage{
			MsgID:       d.MsgID,
			Body:        d.Body,
			Redelivered: d.Redelivered,
		})
	}
	if len(batch) > 0 {
		actions = append(actions, DeliverAction{Tag: tag, Batch: batch})
	}
	return actions, state.count, nil
}

// unblockIfDrained lifts producer backpressure once the pending count
// falls back under the soft limit.
func (s *Session) unblockIfDrained() []Action {
	if s.blocked && s.pending.count() < s.cfg.SoftLimit {
		s.blocked = false
		return []Action{UnblockAction{Queue: s.cfg.Queue}}
	}
	return nil
}
