// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sort"
	"time"

	"github.com/absmach/fifoq/fifo"
)

// pendingCommand is a submitted command awaiting its applied or
// rejected notification. The command payload is kept verbatim so a
// resend is byte-identical and therefore idempotent at the machine.
type pendingCommand struct {
	seq       uint64
	cmd       fifo.Command
	submitted time.Time
}

// pendingStore tracks unconfirmed commands by sequence. Like the
// session that owns it, it is not safe for concurrent use.
type pendingStore struct {
	commands map[uint64]*pendingCommand
}

func newPendingStore() *pendingStore {
	return &pendingStore{commands: make(map[uint64]*pendingCommand)}
}

func (ps *pendingStore) add(seq uint64, cmd fifo.Command, now time.Time) {
	ps.commands[seq] = &pendingCommand{seq: seq, cmd: cmd, submitted: now}
}

// complete resolves a pending command, returning it if it was tracked.
// Duplicate confirmations of an already resolved sequence are no-ops.
func (ps *pendingStore) complete(seq uint64) (*pendingCommand, bool) {
	pc, ok := ps.commands[seq]
	if ok {
		delete(ps.commands, seq)
	}
	return pc, ok
}

func (ps *pendingStore) count() int {
	return len(ps.commands)
}

// sorted returns all pending commands in sequence order, the order
// they must be resubmitted in after a leader change.
func (ps *pendingStore) sorted() []*pendingCommand {
	out := make([]*pendingCommand, 0, len(ps.commands))
	for _, pc := range ps.commands {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// olderThan returns pending commands submitted at or before the
// cutoff, in sequence order.
func (ps *pendingStore) olderThan(cutoff time.Time) []*pendingCommand {
	var out []*pendingCommand
	for _, pc := range ps.commands {
		if !pc.submitted.After(cutoff) {
			out = append(out, pc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
