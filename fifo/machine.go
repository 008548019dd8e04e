// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fifo implements the deterministic FIFO queue state machine
// replicated through the consensus log. The machine is a pure function
// of (state, command): it performs no I/O, takes no locks and reads no
// clocks, so every replica applying the same command sequence reaches
// the same state and emits the same effects.
package fifo

import (
	"sort"
	"time"
)

// checkout tracks one registered consumer.
type checkout struct {
	tag           string
	owner         string
	spec          CheckoutSpec
	credit        uint64
	deliveryCount uint64
	unsettled     map[uint64]*unsettledEntry
	metadata      map[string]string
}

// unsettledEntry is a message assigned to a consumer together with the
// delivery count of the batch that carried it. The count is what lets
// clients re-fetch missed batches after a dropped delivery event.
type unsettledEntry struct {
	msg *Message
	at  uint64
}

// enqueuer tracks per-sender sequence state for idempotent enqueues.
type enqueuer struct {
	next     uint64             // next expected sequence
	buffered map[uint64]Command // out-of-order enqueues waiting for the gap to fill
}

// Machine is the queue state machine. It is single-writer: commands
// arrive strictly ordered by log position and Apply must not be called
// concurrently.
type Machine struct {
	queue     string
	nextMsgID uint64

	ready []*Message // FIFO, ascending message id
	head  int

	enqueuers map[string]*enqueuer
	checkouts map[string]*checkout
	order     []string // consumer tags in registration order

	// Usage telemetry, driven by command timestamps so replicas agree.
	lastTS   time.Time
	activeNS int64
	totalNS  int64
}

// NewMachine creates an empty queue machine.
func NewMachine(queue string) *Machine {
	return &Machine{
		queue:     queue,
		nextMsgID: 1,
		enqueuers: make(map[string]*enqueuer),
		checkouts: make(map[string]*checkout),
	}
}

// Queue returns the queue name this machine serves.
func (m *Machine) Queue() string {
	return m.queue
}

// Apply processes one command and returns the effects it produced.
// Malformed commands return a typed error. A settlement naming both
// known and unknown ids returns the error together with the effects
// of the ids that did settle. The machine state is left consistent in
// every case so replication determinism is preserved.
func (m *Machine) Apply(cmd Command) ([]Effect, error) {
	m.observe(cmd.Timestamp)

	switch cmd.Type {
	case CmdEnqueue:
		return m.applyEnqueue(cmd)
	case CmdCheckout:
		return m.applyCheckout(cmd)
	case CmdCredit:
		return m.applyCredit(cmd)
	case CmdSettle:
		return m.applySettle(cmd)
	case CmdReturn:
		return m.applyReturn(cmd)
	case CmdDiscard:
		return m.applyDiscard(cmd)
	case CmdCancelCheckout:
		return m.applyCancelCheckout(cmd)
	default:
		return nil, ErrEmptyCommand
	}
}

func (m *Machine) applyEnqueue(cmd Command) ([]Effect, error) {
	if cmd.Sender == "" {
		// Untracked enqueue: no sequence bookkeeping, no dedup.
		m.append(cmd)
		return m.deliver(), nil
	}

	enq, ok := m.enqueuers[cmd.Sender]
	if !ok {
		enq = &enqueuer{next: 1, buffered: make(map[uint64]Command)}
		m.enqueuers[cmd.Sender] = enq
	}

	switch {
	case cmd.Sequence < enq.next:
		// Exact resend of an already applied sequence: no-op.
		return nil, nil
	case cmd.Sequence > enq.next:
		// Gap: buffer until the missing sequences arrive. A resend of
		// an already buffered sequence overwrites with identical data.
		enq.buffered[cmd.Sequence] = cmd
		return nil, nil
	}

	m.append(cmd)
	enq.next++

	// Drain any buffered successors now contiguous.
	for {
		next, ok := enq.buffered[enq.next]
		if !ok {
			break
		}
		delete(enq.buffered, enq.next)
		m.append(next)
		enq.next++
	}

	return m.deliver(), nil
}

// append assigns the next message id and places the message at the
// tail of the ready queue.
func (m *Machine) append(cmd Command) {
	msg := &Message{
		ID:          m.nextMsgID,
		Correlation: cmd.Correlation,
		Body:        cmd.Body,
	}
	m.nextMsgID++
	m.ready = append(m.ready, msg)
}

func (m *Machine) applyCheckout(cmd Command) ([]Effect, error) {
	if existing, ok := m.checkouts[cmd.Tag]; ok {
		// Idempotent retry by the same caller with the same spec.
		if existing.owner == cmd.Owner && existing.spec == cmd.Spec {
			return nil, nil
		}
		return nil, ErrDuplicateConsumer
	}

	co := &checkout{
		tag:       cmd.Tag,
		owner:     cmd.Owner,
		spec:      cmd.Spec,
		unsettled: make(map[uint64]*unsettledEntry),
		metadata:  cmd.Metadata,
	}
	if cmd.Spec.Mode == ModeSimplePrefetch {
		co.credit = cmd.Spec.Prefetch
	}
	m.checkouts[cmd.Tag] = co
	m.order = append(m.order, cmd.Tag)

	return m.deliver(), nil
}

func (m *Machine) applyCredit(cmd Command) ([]Effect, error) {
	co, ok := m.checkouts[cmd.Tag]
	if !ok {
		return nil, ErrUnknownConsumer
	}

	co.credit += cmd.Amount
	effects := m.deliver()

	if cmd.Drain && co.credit > 0 && m.readyCount() == 0 {
		dropped := co.credit
		co.credit = 0
		effects = append(effects, DrainedEffect{
			Owner:   co.owner,
			Tag:     co.tag,
			Dropped: dropped,
		})
	}

	effects = append(effects, CreditReplyEffect{
		Owner:  co.owner,
		Tag:    co.tag,
		Credit: co.credit,
		Ready:  m.readyCount(),
		Drain:  cmd.Drain,
	})

	return effects, nil
}

func (m *Machine) applySettle(cmd Command) ([]Effect, error) {
	co, ok := m.checkouts[cmd.Tag]
	if !ok {
		return nil, ErrUnknownConsumer
	}

	settled, err := m.takeUnsettled(co, cmd.MsgIDs)
	m.replenish(co, len(settled))
	// Known ids free credit even when the command also names unknown
	// ones, so the delivery scan runs before the typed error returns.
	return m.deliver(), err
}

func (m *Machine) applyReturn(cmd Command) ([]Effect, error) {
	co, ok := m.checkouts[cmd.Tag]
	if !ok {
		return nil, ErrUnknownConsumer
	}

	returned, err := m.takeUnsettled(co, cmd.MsgIDs)
	m.requeue(returned)
	m.replenish(co, len(returned))
	return m.deliver(), err
}

func (m *Machine) applyDiscard(cmd Command) ([]Effect, error) {
	co, ok := m.checkouts[cmd.Tag]
	if !ok {
		return nil, ErrUnknownConsumer
	}

	discarded, err := m.takeUnsettled(co, cmd.MsgIDs)
	m.replenish(co, len(discarded))

	var effects []Effect
	if len(discarded) > 0 {
		effects = append(effects, DeadLetterEffect{
			Reason:   cmd.Reason,
			Messages: discarded,
		})
	}

	return append(effects, m.deliver()...), err
}

func (m *Machine) applyCancelCheckout(cmd Command) ([]Effect, error) {
	co, ok := m.checkouts[cmd.Tag]
	if !ok {
		return nil, ErrUnknownConsumer
	}

	returned := make([]*Message, 0, len(co.unsettled))
	for _, entry := range co.unsettled {
		returned = append(returned, entry.msg)
	}
	m.requeue(returned)

	delete(m.checkouts, cmd.Tag)
	for i, tag := range m.order {
		if tag == cmd.Tag {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	return m.deliver(), nil
}

// takeUnsettled removes the named messages from the checkout. Known
// messages are removed even when some ids are unknown, so a retried
// settle behaves idempotently; the typed error still reports the
// violation to the caller.
func (m *Machine) takeUnsettled(co *checkout, msgIDs []uint64) ([]*Message, error) {
	var taken []*Message
	var unknown bool
	for _, id := range msgIDs {
		entry, ok := co.unsettled[id]
		if !ok {
			unknown = true
			continue
		}
		delete(co.unsettled, id)
		taken = append(taken, entry.msg)
	}
	if unknown {
		return taken, ErrAlreadySettled
	}
	return taken, nil
}

// replenish restores prefetch credit for removed unsettled messages.
// Credited checkouts only gain credit through explicit credit commands.
func (m *Machine) replenish(co *checkout, n int) {
	if co.spec.Mode == ModeSimplePrefetch {
		co.credit += uint64(n)
	}
}

// requeue puts returned messages back into the ready queue, flagged as
// redelivered. The ready queue stays sorted by message id so queue
// order remains enqueue order.
func (m *Machine) requeue(msgs []*Message) {
	if len(msgs) == 0 {
		return
	}
	for _, msg := range msgs {
		msg.Redelivered = true
	}
	m.compact()
	m.ready = append(m.ready, msgs...)
	sort.Slice(m.ready, func(i, j int) bool {
		return m.ready[i].ID < m.ready[j].ID
	})
}

// deliver scans consumers in registration order and batches as many
// ready messages as each one's credit allows into a single delivery
// effect per consumer. Batching bounds the number of effects emitted
// per state transition.
func (m *Machine) deliver() []Effect {
	var effects []Effect
	for _, tag := range m.order {
		co := m.checkouts[tag]
		if co.credit == 0 || m.readyCount() == 0 {
			continue
		}

		var batch []DeliveredMessage
		at := co.deliveryCount + 1
		for co.credit > 0 {
			msg := m.pop()
			if msg == nil {
				break
			}
			co.credit--
			co.unsettled[msg.ID] = &unsettledEntry{msg: msg, at: at}
			batch = append(batch, DeliveredMessage{
				MsgID:       msg.ID,
				Body:        msg.Body,
				Redelivered: msg.Redelivered,
			})
		}

		if len(batch) > 0 {
			co.deliveryCount = at
			effects = append(effects, DeliveryEffect{
				Owner:         co.owner,
				Tag:           co.tag,
				DeliveryCount: at,
				Batch:         batch,
			})
		}
	}
	return effects
}

// pop removes and returns the front of the ready queue.
func (m *Machine) pop() *Message {
	if m.head >= len(m.ready) {
		return nil
	}
	msg := m.ready[m.head]
	m.ready[m.head] = nil
	m.head++
	if m.head > len(m.ready)/2 && m.head > 32 {
		m.compact()
	}
	return msg
}

// compact drops consumed slots from the front of the ready slice.
func (m *Machine) compact() {
	if m.head == 0 {
		return
	}
	m.ready = append(m.ready[:0], m.ready[m.head:]...)
	m.head = 0
}

func (m *Machine) readyCount() int {
	return len(m.ready) - m.head
}

// observe advances the usage clock. Time with ready or unsettled
// messages counts as active. Telemetry only, never correctness.
func (m *Machine) observe(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if !m.lastTS.IsZero() && ts.After(m.lastTS) {
		d := ts.Sub(m.lastTS).Nanoseconds()
		m.totalNS += d
		if m.hasPendingWork() {
			m.activeNS += d
		}
	}
	m.lastTS = ts
}

func (m *Machine) hasPendingWork() bool {
	if m.readyCount() > 0 {
		return true
	}
	for _, co := range m.checkouts {
		if len(co.unsettled) > 0 {
			return true
		}
	}
	return false
}
