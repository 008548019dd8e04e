// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "github.com/absmach/fifoq/fifo"

// Action is an instruction the session hands back to its owner after
// an operation or event. The owner is expected to act on every action
// in order.
type Action interface {
	action()
}

// DeliverAction surfaces one delivery batch for a consumer tag.
type DeliverAction struct {
	Tag   string
	Batch []fifo.DeliveredMessage
}

// SettledAction confirms that an enqueue was applied. Correlation is
// the caller-supplied token from the original enqueue.
type SettledAction struct {
	Seq         uint64
	Correlation string
}

// RejectedAction surfaces a protocol violation verbatim. The session
// does not retry the command.
type RejectedAction struct {
	Seq     uint64
	Command string
	Tag     string
	Err     string
}

// BlockAction tells the producer to stop enqueueing until an
// UnblockAction arrives: the outstanding-command soft limit is hit.
type BlockAction struct {
	Queue string
}

// UnblockAction lifts a previous BlockAction.
type UnblockAction struct {
	Queue string
}

// CreditReplyAction reports post-command credit state for a checkout.
type CreditReplyAction struct {
	Tag    string
	Credit uint64
	Ready  int
	Drain  bool
}

// DrainedAction reports credit forcibly dropped to zero by a drain.
type DrainedAction struct {
	Tag    string
	Credit uint64
}

// EOLAction signals the queue was deleted. Terminal: the session must
// be discarded.
type EOLAction struct{}

func (DeliverAction) action()     {}
func (SettledAction) action()     {}
func (RejectedAction) action()    {}
func (BlockAction) action()       {}
func (UnblockAction) action()     {}
func (CreditReplyAction) action() {}
func (DrainedAction) action()     {}
func (EOLAction) action()         {}
