// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the client-side handle to one replicated
// queue. A session pipelines commands to the consensus log, tracks
// them until confirmed, deduplicates and repairs the asynchronous
// delivery stream, and signals producer backpressure.
//
// A session has exactly one logical owner. No two operations,
// HandleEvent included, may run concurrently on the same session; the
// owner funnels all notifications through HandleEvent in arrival
// order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/absmach/fifoq/fifo"
	"github.com/absmach/fifoq/raftlog"
)

var (
	// ErrSessionEnded is returned for operations on a session that
	// received the terminal EOL event.
	ErrSessionEnded = errors.New("session ended: queue deleted")

	// ErrQueueEmpty is returned by Dequeue when the queue holds no
	// ready message.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrNoEndpoints is returned when a session is built without
	// candidate endpoints.
	ErrNoEndpoints = errors.New("no candidate endpoints")
)

// Defaults for the tunables the spec of the protocol leaves open.
const (
	// DefaultSoftLimit is the outstanding-unconfirmed-commands count
	// at which the session asks the producer to block.
	DefaultSoftLimit = 32

	// DefaultResendInterval is how long a command stays unconfirmed
	// before Tick resubmits it.
	DefaultResendInterval = 2 * time.Second
)

// CommandLog is the consensus-log surface the session depends on.
// *raftlog.Cluster satisfies it.
type CommandLog interface {
	PipelineCommand(endpoint string, corr raftlog.Correlation, cmd fifo.Command) error
	LocalQuery(endpoint string, fn func(*fifo.Machine) any) (uint64, any, error)
}

// Config holds session settings.
type Config struct {
	Queue string

	// Endpoints is the ordered candidate list; the session starts at
	// the first entry and advances on not-leader responses.
	Endpoints []string

	SoftLimit      int
	ResendInterval time.Duration

	Logger *slog.Logger
}

// DequeuedMessage is the result of a successful Dequeue. Tag is the
// ephemeral checkout holding the message when it was dequeued
// unsettled; settle or discard it through that tag.
type DequeuedMessage struct {
	fifo.DeliveredMessage
	Tag string
}

// Session is the stateful handle to one queue.
type Session struct {
	id     string
	cfg    Config
	log    CommandLog
	events <-chan raftlog.Notification

	// nextSeq numbers every tracked command for correlation; nextEnq
	// numbers enqueues for the machine's per-sender dedup, which
	// requires a contiguous sequence counting enqueues only.
	nextSeq uint64
	nextEnq uint64
	pending *pendingStore

	// lastDelivery tracks the highest delivery count processed per
	// consumer tag, the basis for duplicate suppression and gap
	// detection.
	lastDelivery map[string]uint64

	leader   int
	breakers map[string]*gobreaker.CircuitBreaker

	blocked bool
	ended   bool
	logger  *slog.Logger
}

// New creates a session with a generated id. The events channel must
// be the log subscription made under that same id, so most callers use
// NewWithID with an id of their own.
func New(cfg Config, log CommandLog, events <-chan raftlog.Notification) (*Session, error) {
	return NewWithID(uuid.NewString(), cfg, log, events)
}

// NewWithID creates a session with a caller-chosen id, letting callers
// subscribe to the log before constructing the session.
func NewWithID(id string, cfg Config, log CommandLog, events <-chan raftlog.Notification) (*Session, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = DefaultSoftLimit
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Session{
		id:           id,
		cfg:          cfg,
		log:          log,
		events:       events,
		pending:      newPendingStore(),
		lastDelivery: make(map[string]uint64),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		logger:       cfg.Logger.With(slog.String("session", id), slog.String("queue", cfg.Queue)),
	}, nil
}

// ID returns the session identifier used for event routing.
func (s *Session) ID() string {
	return s.id
}

// Events returns the notification channel the owner must drain
// through HandleEvent.
func (s *Session) Events() <-chan raftlog.Notification {
	return s.events
}

// Enqueue assigns the next sequence to the message and submits it
// without waiting for confirmation. A BlockAction is returned once the
// outstanding-unconfirmed count reaches the soft limit; the producer
// must then stop until HandleEvent yields an UnblockAction.
func (s *Session) Enqueue(correlation string, body []byte) ([]Action, error) {
	if s.ended {
		return nil, ErrSessionEnded
	}

	s.nextSeq++
	s.nextEnq++
	s.track(s.nextSeq, fifo.Command{
		Type:        fifo.CmdEnqueue,
		Timestamp:   time.Now(),
		Sender:      s.id,
		Sequence:    s.nextEnq,
		Correlation: correlation,
		Body:        body,
	})

	var actions []Action
	if !s.blocked && s.pending.count() >= s.cfg.SoftLimit {
		s.blocked = true
		actions = append(actions, BlockAction{Queue: s.cfg.Queue})
	}
	return actions, nil
}

// UntrackedEnqueue submits a message bypassing sequence tracking and
// confirmation bookkeeping. No delivery guarantee beyond the log's own
// at-least-once semantics; for non-critical injection paths only.
func (s *Session) UntrackedEnqueue(body []byte) error {
	if s.ended {
		return ErrSessionEnded
	}
	return s.submit(raftlog.Correlation{}, fifo.Command{
		Type:      fifo.CmdEnqueue,
		Timestamp: time.Now(),
		Body:      body,
	})
}

// Checkout registers a consumer. Deliveries do not return from this
// call; they arrive later through HandleEvent.
func (s *Session) Checkout(tag string, spec fifo.CheckoutSpec, metadata map[string]string) ([]Action, error) {
	if s.ended {
		return nil, ErrSessionEnded
	}

	// A stale delivery event for a previous checkout under this tag
	// could arrive after the cancel and leave a high watermark that
	// would suppress the new checkout's deliveries. Counts restart at
	// 1 per checkout, so the dedup state restarts with it.
	delete(s.lastDelivery, tag)

	s.nextSeq++
	s.track(s.nextSeq, fifo.Command{
		Type:      fifo.CmdCheckout,
		Timestamp: time.Now(),
		Tag:       tag,
		Owner:     s.id,
		Spec:      spec,
		Metadata:  metadata,
	})
	return nil, nil
}

// Credit grants delivery credit to a credited-mode checkout.
func (s *Session) Credit(tag string, amount uint64, drain bool) ([]Action, error) {
	if s.ended {
		return nil, ErrSessionEnded
	}

	s.nextSeq++
	s.track(s.nextSeq, fifo.Command{
		Type:      fifo.CmdCredit,
		Timestamp: time.Now(),
		Tag:       tag,
		Amount:    amount,
		Drain:     drain,
	})
	return nil, nil
}

// Settle removes delivered messages permanently.
func (s *Session) Settle(tag string, msgIDs []uint64) ([]Action, error) {
	return s.dispose(fifo.CmdSettle, tag, msgIDs, "")
}

// Return releases delivered messages back to the ready queue for
// redelivery.
func (s *Session) Return(tag string, msgIDs []uint64) ([]Action, error) {
	return s.dispose(fifo.CmdReturn, tag, msgIDs, "")
}

// Discard removes delivered messages and routes them to the
// dead-letter handler with the given reason.
func (s *Session) Discard(tag string, msgIDs []uint64, reason string) ([]Action, error) {
	return s.dispose(fifo.CmdDiscard, tag, msgIDs, reason)
}

func (s *Session) dispose(t fifo.CommandType, tag string, msgIDs []uint64, reason string) ([]Action, error) {
	if s.ended {
		return nil, ErrSessionEnded
	}

	s.nextSeq++
	s.track(s.nextSeq, fifo.Command{
		Type:      t,
		Timestamp: time.Now(),
		Tag:       tag,
		MsgIDs:    msgIDs,
		Reason:    reason,
	})
	return nil, nil
}

// CancelCheckout deregisters a consumer; its unsettled messages return
// to the ready queue.
func (s *Session) CancelCheckout(tag string) ([]Action, error) {
	if s.ended {
		return nil, ErrSessionEnded
	}

	s.nextSeq++
	s.track(s.nextSeq, fifo.Command{
		Type:      fifo.CmdCancelCheckout,
		Timestamp: time.Now(),
		Tag:       tag,
	})
	delete(s.lastDelivery, tag)
	return nil, nil
}

// Tick resubmits commands that have been pending longer than the
// resend interval. The owner calls it periodically; Dequeue calls it
// while waiting. Resubmission is identical in sequence and payload, so
// an already applied command is a no-op at the machine.
func (s *Session) Tick(now time.Time) {
	cutoff := now.Add(-s.cfg.ResendInterval)
	for _, pc := range s.pending.olderThan(cutoff) {
		s.logger.Debug("resending pending command",
			slog.Uint64("seq", pc.seq),
			slog.String("command", pc.cmd.Type.String()))
		s.resubmit(pc, now)
	}
}

// Dequeue is a convenience composite: an ephemeral credited checkout
// with credit for exactly one message, drained so the machine reports
// emptiness explicitly. It blocks the calling flow until one delivery
// arrives, the machine reports empty (ErrQueueEmpty), or the context
// is cancelled. With settled true the message is settled before
// returning; otherwise it stays checked out on the ephemeral tag named
// in the result and must be settled, returned or discarded through it.
//
// Events consumed while waiting are processed through HandleEvent;
// actions that do not belong to the dequeue itself are returned as
// extra for the owner to act on.
func (s *Session) Dequeue(ctx context.Context, settled bool) (*DequeuedMessage, []Action, error) {
	if s.ended {
		return nil, nil, ErrSessionEnded
	}

	tag := "dequeue-" + uuid.NewString()
	var extra []Action

	if _, err := s.Checkout(tag, fifo.CheckoutSpec{Mode: fifo.ModeCredited}, nil); err != nil {
		return nil, nil, err
	}
	if _, err := s.Credit(tag, 1, true); err != nil {
		return nil, nil, err
	}

	ticker := time.NewTicker(s.cfg.ResendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := s.CancelCheckout(tag); err != nil {
				s.logger.Warn("failed to cancel dequeue checkout",
					slog.String("error", err.Error()))
			}
			return nil, extra, ctx.Err()

		case <-ticker.C:
			s.Tick(time.Now())

		case n, ok := <-s.events:
			if !ok {
				return nil, extra, ErrSessionEnded
			}
			actions, err := s.HandleEvent(n.From, n.Event)
			if err != nil {
				return nil, extra, err
			}

			for _, act := range actions {
				switch a := act.(type) {
				case DeliverAction:
					if a.Tag != tag || len(a.Batch) == 0 {
						extra = append(extra, act)
						continue
					}
					msg := a.Batch[0]
					if settled {
						if _, err := s.Settle(tag, []uint64{msg.MsgID}); err != nil {
							return nil, extra, err
						}
						if _, err := s.CancelCheckout(tag); err != nil {
							return nil, extra, err
						}
					}
					return &DequeuedMessage{DeliveredMessage: msg, Tag: tag}, extra, nil

				case DrainedAction:
					if a.Tag != tag {
						extra = append(extra, act)
						continue
					}
					if _, err := s.CancelCheckout(tag); err != nil {
						return nil, extra, err
					}
					return nil, extra, ErrQueueEmpty

				case CreditReplyAction:
					if a.Tag != tag {
						extra = append(extra, act)
					}

				case EOLAction:
					extra = append(extra, act)
					return nil, extra, ErrSessionEnded

				default:
					extra = append(extra, act)
				}
			}
		}
	}
}

// track registers a command as pending under its correlation sequence
// and submits it.
func (s *Session) track(seq uint64, cmd fifo.Command) {
	s.pending.add(seq, cmd, cmd.Timestamp)
	s.submit(raftlog.Correlation{Session: s.id, Seq: seq}, cmd)
}

func (s *Session) resubmit(pc *pendingCommand, now time.Time) {
	pc.submitted = now
	s.submit(raftlog.Correlation{Session: s.id, Seq: pc.seq}, pc.cmd)
}

// submit pipelines a command to the current candidate endpoint through
// its circuit breaker. Failures are not surfaced to callers of the
// tracked path: the resend timer and not-leader handling recover.
func (s *Session) submit(corr raftlog.Correlation, cmd fifo.Command) error {
	endpoint := s.cfg.Endpoints[s.leader]
	_, err := s.breaker(endpoint).Execute(func() (any, error) {
		return nil, s.log.PipelineCommand(endpoint, corr, cmd)
	})
	if err != nil {
		s.logger.Debug("command submission failed",
			slog.String("endpoint", endpoint),
			slog.String("command", cmd.Type.String()),
			slog.String("error", err.Error()))
	}
	return err
}

func (s *Session) breaker(endpoint string) *gobreaker.CircuitBreaker {
	if cb, ok := s.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("%s/%s", s.cfg.Queue, endpoint),
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	s.breakers[endpoint] = cb
	return cb
}

// advanceLeader re-targets submissions after a not-leader response,
// preferring the hinted leader when it is a known candidate.
func (s *Session) advanceLeader(hint string) {
	if hint != "" {
		for i, ep := range s.cfg.Endpoints {
			if ep == hint {
				if i != s.leader {
					s.leader = i
					s.logger.Debug("re-targeting to hinted leader", slog.String("endpoint", ep))
				}
				return
			}
		}
	}
	s.leader = (s.leader + 1) % len(s.cfg.Endpoints)
	s.logger.Debug("advancing to next candidate endpoint",
		slog.String("endpoint", s.cfg.Endpoints[s.leader]))
}
