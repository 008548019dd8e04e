// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package raftlog provides the replicated command log the queue state
// machine runs on: a Raft consensus group per queue, pipelined
// best-effort command submission, local queries against the applied
// state, and an asynchronous per-session event stream carrying applied
// confirmations and machine effects.
package raftlog

import (
	"errors"
	"sync"

	"github.com/absmach/fifoq/fifo"
)

var (
	// ErrUnknownEndpoint is returned when a command targets an
	// endpoint this cluster does not host.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrNodeStopped is returned for operations against a stopped node.
	ErrNodeStopped = errors.New("node stopped")
)

// Correlation ties a pipelined command back to the submitting session
// so applied and rejected notifications can be routed. A zero
// correlation marks a fire-and-forget submission.
type Correlation struct {
	Session string `json:"session,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
}

// Event is an asynchronous notification delivered to a session.
type Event interface {
	event()
}

// AppliedEvent confirms that the named command sequences were applied
// to the state machine.
type AppliedEvent struct {
	Seqs []uint64
}

// RejectedEvent reports a protocol violation for a tracked command.
// The error text is surfaced to the caller verbatim and the command is
// not retried.
type RejectedEvent struct {
	Seq     uint64
	Command string
	Tag     string
	Err     string
}

// DeliveryEvent carries one delivery batch for a consumer tag.
type DeliveryEvent struct {
	Tag           string
	DeliveryCount uint64
	Batch         []fifo.DeliveredMessage
}

// CreditReplyEvent reports credit state after a credit command.
type CreditReplyEvent struct {
	Tag    string
	Credit uint64
	Ready  int
	Drain  bool
}

// DrainedEvent reports credit dropped to zero by a drain.
type DrainedEvent struct {
	Tag     string
	Dropped uint64
}

// NotLeaderEvent signals that a submission reached a non-leader node.
// LeaderHint is the current leader's endpoint when known.
type NotLeaderEvent struct {
	LeaderHint string
}

// EOLEvent signals that the queue was deleted. Terminal: the session
// must be discarded afterward.
type EOLEvent struct{}

func (AppliedEvent) event()     {}
func (RejectedEvent) event()    {}
func (DeliveryEvent) event()    {}
func (CreditReplyEvent) event() {}
func (DrainedEvent) event()     {}
func (NotLeaderEvent) event()   {}
func (EOLEvent) event()         {}

// Notification wraps an event with the endpoint that produced it.
type Notification struct {
	From  string
	Event Event
}

// subscriberBuffer bounds each session's event channel. Publishing to
// a full channel drops the event; sessions recover dropped deliveries
// through gap-fetch and dropped confirmations through resend.
const subscriberBuffer = 256

// router fans machine events out to subscribed sessions.
type router struct {
	mu   sync.RWMutex
	subs map[string]chan Notification
}

func newRouter() *router {
	return &router{subs: make(map[string]chan Notification)}
}

func (r *router) subscribe(sessionID string) <-chan Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subs[sessionID]; ok {
		return ch
	}
	ch := make(chan Notification, subscriberBuffer)
	r.subs[sessionID] = ch
	return ch
}

func (r *router) unsubscribe(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subs[sessionID]; ok {
		delete(r.subs, sessionID)
		close(ch)
	}
}

// publish sends an event to one session without blocking.
func (r *router) publish(sessionID, from string, ev Event) {
	r.mu.RLock()
	ch, ok := r.subs[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case ch <- Notification{From: from, Event: ev}:
	default:
		// Full buffer: drop. The client repairs via resend/gap-fetch.
	}
}

// broadcast sends an event to every subscribed session.
func (r *router) broadcast(from string, ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- Notification{From: from, Event: ev}:
		default:
		}
	}
}
