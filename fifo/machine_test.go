// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fifo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEnqueue(t *testing.T, m *Machine, sender string, seq uint64, body string) []Effect {
	t.Helper()
	effects, err := m.Apply(Command{
		Type:     CmdEnqueue,
		Sender:   sender,
		Sequence: seq,
		Body:     []byte(body),
	})
	require.NoError(t, err)
	return effects
}

func mustCheckout(t *testing.T, m *Machine, tag, owner string, spec CheckoutSpec) []Effect {
	t.Helper()
	effects, err := m.Apply(Command{
		Type:  CmdCheckout,
		Tag:   tag,
		Owner: owner,
		Spec:  spec,
	})
	require.NoError(t, err)
	return effects
}

func deliveries(effects []Effect) []DeliveryEffect {
	var out []DeliveryEffect
	for _, eff := range effects {
		if d, ok := eff.(DeliveryEffect); ok {
			out = append(out, d)
		}
	}
	return out
}

func TestEnqueueDeliversInOrder(t *testing.T) {
	m := NewMachine("orders")

	for i := uint64(1); i <= 3; i++ {
		effects := mustEnqueue(t, m, "producer", i, fmt.Sprintf("msg-%d", i))
		assert.Empty(t, deliveries(effects), "no consumer yet")
	}
	assert.Equal(t, 3, m.ReadyCount())

	effects := mustCheckout(t, m, "c1", "session-1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 10})
	dels := deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 3)
	assert.Equal(t, "session-1", dels[0].Owner)
	assert.Equal(t, uint64(1), dels[0].DeliveryCount)

	for i, dm := range dels[0].Batch {
		assert.Equal(t, uint64(i+1), dm.MsgID)
		assert.Equal(t, fmt.Sprintf("msg-%d", i+1), string(dm.Body))
		assert.False(t, dm.Redelivered)
	}
	assert.Equal(t, 0, m.ReadyCount())
	assert.Equal(t, 3, m.CheckedOutCount())
}

func TestEnqueueResendIsIdempotent(t *testing.T) {
	m := NewMachine("orders")

	mustEnqueue(t, m, "producer", 1, "first")
	// Identical resend of an already applied sequence.
	effects := mustEnqueue(t, m, "producer", 1, "first")
	assert.Empty(t, effects)
	assert.Equal(t, 1, m.ReadyCount())
}

func TestEnqueueBuffersOutOfOrder(t *testing.T) {
	m := NewMachine("orders")

	mustEnqueue(t, m, "producer", 2, "second")
	mustEnqueue(t, m, "producer", 3, "third")
	assert.Equal(t, 0, m.ReadyCount(), "gap before sequence 1 holds the queue")

	mustEnqueue(t, m, "producer", 1, "first")
	assert.Equal(t, 3, m.ReadyCount(), "filling the gap releases buffered successors")

	effects := mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 3})
	dels := deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 3)
	assert.Equal(t, "first", string(dels[0].Batch[0].Body))
	assert.Equal(t, "second", string(dels[0].Batch[1].Body))
	assert.Equal(t, "third", string(dels[0].Batch[2].Body))
}

func TestUntrackedEnqueueSkipsSequencing(t *testing.T) {
	m := NewMachine("orders")

	_, err := m.Apply(Command{Type: CmdEnqueue, Body: []byte("a")})
	require.NoError(t, err)
	_, err = m.Apply(Command{Type: CmdEnqueue, Body: []byte("a")})
	require.NoError(t, err)

	// No sender means no dedup: both messages land.
	assert.Equal(t, 2, m.ReadyCount())
}

func TestCheckoutDuplicateTag(t *testing.T) {
	m := NewMachine("orders")
	spec := CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 5}

	mustCheckout(t, m, "c1", "s1", spec)

	// Same owner, same spec: idempotent retry.
	effects, err := m.Apply(Command{Type: CmdCheckout, Tag: "c1", Owner: "s1", Spec: spec})
	require.NoError(t, err)
	assert.Empty(t, effects)

	// Different owner: rejected.
	_, err = m.Apply(Command{Type: CmdCheckout, Tag: "c1", Owner: "s2", Spec: spec})
	assert.ErrorIs(t, err, ErrDuplicateConsumer)

	// Same owner, different spec: rejected too.
	_, err = m.Apply(Command{
		Type: CmdCheckout, Tag: "c1", Owner: "s1",
		Spec: CheckoutSpec{Mode: ModeCredited},
	})
	assert.ErrorIs(t, err, ErrDuplicateConsumer)
}

func TestCreditedCheckoutWaitsForCredit(t *testing.T) {
	m := NewMachine("orders")

	mustEnqueue(t, m, "p", 1, "one")
	mustEnqueue(t, m, "p", 2, "two")

	effects := mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeCredited})
	assert.Empty(t, deliveries(effects), "credited checkout starts with zero credit")

	effects, err := m.Apply(Command{Type: CmdCredit, Tag: "c1", Amount: 1})
	require.NoError(t, err)

	dels := deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 1)
	assert.Equal(t, "one", string(dels[0].Batch[0].Body))

	var reply CreditReplyEffect
	found := false
	for _, eff := range effects {
		if r, ok := eff.(CreditReplyEffect); ok {
			reply = r
			found = true
		}
	}
	require.True(t, found, "credit command always answers with a credit reply")
	assert.Equal(t, uint64(0), reply.Credit)
	assert.Equal(t, 1, reply.Ready)
	assert.False(t, reply.Drain)
}

func TestCreditDrainDropsLeftover(t *testing.T) {
	m := NewMachine("orders")

	mustEnqueue(t, m, "p", 1, "only")
	mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeCredited})

	effects, err := m.Apply(Command{Type: CmdCredit, Tag: "c1", Amount: 5, Drain: true})
	require.NoError(t, err)

	dels := deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 1)

	var drained *DrainedEffect
	var reply *CreditReplyEffect
	for _, eff := range effects {
		switch e := eff.(type) {
		case DrainedEffect:
			drained = &e
		case CreditReplyEffect:
			reply = &e
		}
	}
	require.NotNil(t, drained)
	assert.Equal(t, uint64(4), drained.Dropped, "one message consumed a credit, four dropped")
	require.NotNil(t, reply)
	assert.Equal(t, uint64(0), reply.Credit)
	assert.True(t, reply.Drain)
}

func TestCreditUnknownConsumer(t *testing.T) {
	m := NewMachine("orders")
	_, err := m.Apply(Command{Type: CmdCredit, Tag: "ghost", Amount: 1})
	assert.ErrorIs(t, err, ErrUnknownConsumer)
}

func TestSettleReplenishesPrefetch(t *testing.T) {
	m := NewMachine("orders")

	for i := uint64(1); i <= 3; i++ {
		mustEnqueue(t, m, "p", i, fmt.Sprintf("m%d", i))
	}
	effects := mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 2})
	dels := deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 2, "prefetch window caps the batch")
	assert.Equal(t, 1, m.ReadyCount())

	// Settling frees window space; the third message flows immediately.
	effects, err := m.Apply(Command{Type: CmdSettle, Tag: "c1", MsgIDs: []uint64{1}})
	require.NoError(t, err)
	dels = deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 1)
	assert.Equal(t, uint64(3), dels[0].Batch[0].MsgID)
	assert.Equal(t, uint64(2), dels[0].DeliveryCount)
}

func TestSettleRetryIsIdempotent(t *testing.T) {
	m := NewMachine("orders")

	mustEnqueue(t, m, "p", 1, "one")
	mustEnqueue(t, m, "p", 2, "two")
	mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 5})

	_, err := m.Apply(Command{Type: CmdSettle, Tag: "c1", MsgIDs: []uint64{1}})
	require.NoError(t, err)

	// Retry naming one settled and one still-unsettled id: the known
	// id is removed, the violation is still reported.
	_, err = m.Apply(Command{Type: CmdSettle, Tag: "c1", MsgIDs: []uint64{1, 2}})
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, 0, m.CheckedOutCount())
}

func TestSettleWithUnknownIDStillDelivers(t *testing.T) {
	m := NewMachine("orders")

	mustEnqueue(t, m, "p", 1, "one")
	mustEnqueue(t, m, "p", 2, "two")
	mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 1})

	// Settling the delivered id together with an unknown one reports
	// the violation, but the freed credit triggers a delivery scan in
	// the same apply rather than waiting for the next command.
	effects, err := m.Apply(Command{Type: CmdSettle, Tag: "c1", MsgIDs: []uint64{1, 99}})
	assert.ErrorIs(t, err, ErrAlreadySettled)
	dels := deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 1)
	assert.Equal(t, uint64(2), dels[0].Batch[0].MsgID)
}

func TestReturnRequeuesInOrder(t *testing.T) {
	m := NewMachine("orders")

	for i := uint64(1); i <= 3; i++ {
		mustEnqueue(t, m, "p", i, fmt.Sprintf("m%d", i))
	}
	mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 3})

	// Return the middle message, then cancel so it cannot be redelivered
	// to the same consumer.
	_, err := m.Apply(Command{Type: CmdReturn, Tag: "c1", MsgIDs: []uint64{2}})
	require.NoError(t, err)

	// The returned message went straight back out: prefetch had room.
	co := m.Consumers()[0]
	assert.Equal(t, 3, co.Unsettled)

	// Check the redelivered flag made the round trip.
	unsettled, _, err := m.UnsettledSince("c1", 0)
	require.NoError(t, err)
	var redelivered []UnsettledDelivery
	for _, u := range unsettled {
		if u.Redelivered {
			redelivered = append(redelivered, u)
		}
	}
	require.Len(t, redelivered, 1)
	assert.Equal(t, uint64(2), redelivered[0].MsgID)
}

func TestReturnKeepsQueuePosition(t *testing.T) {
	m := NewMachine("orders")

	for i := uint64(1); i <= 3; i++ {
		mustEnqueue(t, m, "p", i, fmt.Sprintf("m%d", i))
	}
	// Credited consumer takes the first two messages and returns them;
	// with no credit left they wait in the queue ahead of message 3.
	mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeCredited})
	_, err := m.Apply(Command{Type: CmdCredit, Tag: "c1", Amount: 2})
	require.NoError(t, err)
	_, err = m.Apply(Command{Type: CmdReturn, Tag: "c1", MsgIDs: []uint64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, m.ReadyCount())

	effects, err := m.Apply(Command{Type: CmdCredit, Tag: "c1", Amount: 3})
	require.NoError(t, err)
	dels := deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 3)
	assert.Equal(t, uint64(1), dels[0].Batch[0].MsgID, "returned messages keep enqueue order")
	assert.True(t, dels[0].Batch[0].Redelivered)
	assert.True(t, dels[0].Batch[1].Redelivered)
	assert.False(t, dels[0].Batch[2].Redelivered)
}

func TestDiscardDeadLetters(t *testing.T) {
	m := NewMachine("orders")

	mustEnqueue(t, m, "p", 1, "poison")
	mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 1})

	effects, err := m.Apply(Command{
		Type:   CmdDiscard,
		Tag:    "c1",
		MsgIDs: []uint64{1},
		Reason: "parse failure",
	})
	require.NoError(t, err)

	var dlx *DeadLetterEffect
	for _, eff := range effects {
		if e, ok := eff.(DeadLetterEffect); ok {
			dlx = &e
		}
	}
	require.NotNil(t, dlx)
	assert.Equal(t, "parse failure", dlx.Reason)
	require.Len(t, dlx.Messages, 1)
	assert.Equal(t, "poison", string(dlx.Messages[0].Body))

	assert.Equal(t, 0, m.ReadyCount(), "discarded messages never requeue")
	assert.Equal(t, 0, m.CheckedOutCount())
}

func TestCancelCheckoutRequeuesUnsettled(t *testing.T) {
	m := NewMachine("orders")

	mustEnqueue(t, m, "p", 1, "one")
	mustEnqueue(t, m, "p", 2, "two")
	mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 5})
	assert.Equal(t, 2, m.CheckedOutCount())

	_, err := m.Apply(Command{Type: CmdCancelCheckout, Tag: "c1"})
	require.NoError(t, err)

	assert.Equal(t, 2, m.ReadyCount())
	assert.Empty(t, m.Consumers())

	// A fresh consumer sees both messages, flagged redelivered.
	effects := mustCheckout(t, m, "c2", "s2", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 5})
	dels := deliveries(effects)
	require.Len(t, dels, 1)
	require.Len(t, dels[0].Batch, 2)
	assert.True(t, dels[0].Batch[0].Redelivered)
	assert.Equal(t, uint64(1), dels[0].Batch[0].MsgID)
}

func TestDeliverScansRegistrationOrder(t *testing.T) {
	m := NewMachine("orders")

	mustCheckout(t, m, "first", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 1})
	mustCheckout(t, m, "second", "s2", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 1})

	effects := mustEnqueue(t, m, "p", 1, "a")
	effects = append(effects, mustEnqueue(t, m, "p", 2, "b")...)

	dels := deliveries(effects)
	require.Len(t, dels, 2)
	assert.Equal(t, "first", dels[0].Tag, "earlier registration wins the scan")
	assert.Equal(t, "second", dels[1].Tag)
}

func TestUnsettledSince(t *testing.T) {
	m := NewMachine("orders")

	mustCheckout(t, m, "c1", "s1", CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 10})
	mustEnqueue(t, m, "p", 1, "a") // delivery count 1
	mustEnqueue(t, m, "p", 2, "b") // delivery count 2
	mustEnqueue(t, m, "p", 3, "c") // delivery count 3

	all, count, err := m.UnsettledSince("c1", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
	require.Len(t, all, 3)

	after, count, err := m.UnsettledSince("c1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
	require.Len(t, after, 2)
	assert.Equal(t, uint64(2), after[0].DeliveryCount)
	assert.Equal(t, uint64(2), after[0].MsgID)
	assert.Equal(t, uint64(3), after[1].DeliveryCount)

	_, _, err = m.UnsettledSince("ghost", 0)
	assert.ErrorIs(t, err, ErrUnknownConsumer)
}

func TestUsageFromCommandTimestamps(t *testing.T) {
	m := NewMachine("orders")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := m.Apply(Command{Type: CmdEnqueue, Sender: "p", Sequence: 1, Body: []byte("x"), Timestamp: base})
	require.NoError(t, err)
	assert.Zero(t, m.Usage(), "single observation carries no interval")

	// One second with a ready message: fully active.
	_, err = m.Apply(Command{Type: CmdCheckout, Tag: "c1", Owner: "s1", Spec: CheckoutSpec{Mode: ModeSimplePrefetch, Prefetch: 1}, Timestamp: base.Add(time.Second)})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.Usage(), 0.001)

	_, err = m.Apply(Command{Type: CmdSettle, Tag: "c1", MsgIDs: []uint64{1}, Timestamp: base.Add(2 * time.Second)})
	require.NoError(t, err)

	// Two idle seconds after settling: 2s active out of 4s total.
	_, err = m.Apply(Command{Type: CmdCredit, Tag: "c1", Amount: 0, Timestamp: base.Add(4 * time.Second)})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.Usage(), 0.001)
}

func TestApplyUnknownType(t *testing.T) {
	m := NewMachine("orders")
	_, err := m.Apply(Command{Type: CommandType(99)})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}
