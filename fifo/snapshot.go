// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fifo

import (
	"encoding/json"
	"fmt"
	"time"
)

// machineSnapshot is the serialized form of a Machine, written into
// consensus snapshots so restarted replicas can skip log replay.
type machineSnapshot struct {
	Version   uint8               `json:"version"`
	Queue     string              `json:"queue"`
	NextMsgID uint64              `json:"next_msg_id"`
	Ready     []*Message          `json:"ready,omitempty"`
	Enqueuers []enqueuerSnapshot  `json:"enqueuers,omitempty"`
	Checkouts []checkoutSnapshot  `json:"checkouts,omitempty"`
	LastTS    time.Time           `json:"last_ts,omitempty"`
	ActiveNS  int64               `json:"active_ns,omitempty"`
	TotalNS   int64               `json:"total_ns,omitempty"`
}

type enqueuerSnapshot struct {
	Sender   string    `json:"sender"`
	Next     uint64    `json:"next"`
	Buffered []Command `json:"buffered,omitempty"`
}

type checkoutSnapshot struct {
	Tag           string              `json:"tag"`
	Owner         string              `json:"owner"`
	Spec          CheckoutSpec        `json:"spec"`
	Credit        uint64              `json:"credit"`
	DeliveryCount uint64              `json:"delivery_count"`
	Unsettled     []unsettledSnapshot `json:"unsettled,omitempty"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
}

type unsettledSnapshot struct {
	At  uint64   `json:"at"`
	Msg *Message `json:"msg"`
}

const snapshotVersion = 1

// Snapshot serializes the full machine state.
func (m *Machine) Snapshot() ([]byte, error) {
	m.compact()

	snap := machineSnapshot{
		Version:   snapshotVersion,
		Queue:     m.queue,
		NextMsgID: m.nextMsgID,
		Ready:     m.ready,
		LastTS:    m.lastTS,
		ActiveNS:  m.activeNS,
		TotalNS:   m.totalNS,
	}

	for sender, enq := range m.enqueuers {
		es := enqueuerSnapshot{Sender: sender, Next: enq.next}
		for _, cmd := range enq.buffered {
			es.Buffered = append(es.Buffered, cmd)
		}
		snap.Enqueuers = append(snap.Enqueuers, es)
	}

	for _, tag := range m.order {
		co := m.checkouts[tag]
		cs := checkoutSnapshot{
			Tag:           co.tag,
			Owner:         co.owner,
			Spec:          co.spec,
			Credit:        co.credit,
			DeliveryCount: co.deliveryCount,
			Metadata:      co.metadata,
		}
		for _, entry := range co.unsettled {
			cs.Unsettled = append(cs.Unsettled, unsettledSnapshot{At: entry.at, Msg: entry.msg})
		}
		snap.Checkouts = append(snap.Checkouts, cs)
	}

	return json.Marshal(snap)
}

// RestoreSnapshot replaces the machine state with a snapshot produced
// by Snapshot.
func (m *Machine) RestoreSnapshot(data []byte) error {
	var snap machineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode machine snapshot: %w", err)
	}
	if snap.Version > snapshotVersion {
		return fmt.Errorf("unsupported machine snapshot version: %d", snap.Version)
	}

	m.queue = snap.Queue
	m.nextMsgID = snap.NextMsgID
	m.ready = snap.Ready
	m.head = 0
	m.lastTS = snap.LastTS
	m.activeNS = snap.ActiveNS
	m.totalNS = snap.TotalNS

	m.enqueuers = make(map[string]*enqueuer, len(snap.Enqueuers))
	for _, es := range snap.Enqueuers {
		enq := &enqueuer{next: es.Next, buffered: make(map[uint64]Command, len(es.Buffered))}
		for _, cmd := range es.Buffered {
			enq.buffered[cmd.Sequence] = cmd
		}
		m.enqueuers[es.Sender] = enq
	}

	m.checkouts = make(map[string]*checkout, len(snap.Checkouts))
	m.order = m.order[:0]
	for _, cs := range snap.Checkouts {
		co := &checkout{
			tag:           cs.Tag,
			owner:         cs.Owner,
			spec:          cs.Spec,
			credit:        cs.Credit,
			deliveryCount: cs.DeliveryCount,
			unsettled:     make(map[uint64]*unsettledEntry, len(cs.Unsettled)),
			metadata:      cs.Metadata,
		}
		for _, us := range cs.Unsettled {
			co.unsettled[us.Msg.ID] = &unsettledEntry{msg: us.Msg, at: us.At}
		}
		m.checkouts[cs.Tag] = co
		m.order = append(m.order, cs.Tag)
	}

	return nil
}
