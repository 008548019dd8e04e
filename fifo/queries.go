// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fifo

import "sort"

// ConsumerInfo is a read-only view of one registered checkout.
type ConsumerInfo struct {
	Tag           string
	Owner         string
	Spec          CheckoutSpec
	Credit        uint64
	DeliveryCount uint64
	Unsettled     int
	Metadata      map[string]string
}

// UnsettledDelivery is one checked-out message annotated with the
// delivery count of the batch that assigned it. Used by clients to
// recover batches lost in transit.
type UnsettledDelivery struct {
	DeliveryCount uint64
	MsgID         uint64
	Body          []byte
	Redelivered   bool
}

// ReadyCount returns the number of messages waiting for delivery.
func (m *Machine) ReadyCount() int {
	return m.readyCount()
}

// CheckedOutCount returns the number of delivered-but-unsettled
// messages across all consumers.
func (m *Machine) CheckedOutCount() int {
	n := 0
	for _, co := range m.checkouts {
		n += len(co.unsettled)
	}
	return n
}

// Consumers lists registered checkouts in registration order.
func (m *Machine) Consumers() []ConsumerInfo {
	infos := make([]ConsumerInfo, 0, len(m.order))
	for _, tag := range m.order {
		co := m.checkouts[tag]
		infos = append(infos, ConsumerInfo{
			Tag:           co.tag,
			Owner:         co.owner,
			Spec:          co.spec,
			Credit:        co.credit,
			DeliveryCount: co.deliveryCount,
			Unsettled:     len(co.unsettled),
			Metadata:      co.metadata,
		})
	}
	return infos
}

// Usage reports the fraction of observed time the queue had pending
// work. Telemetry only; zero until two timestamped commands have been
// applied.
func (m *Machine) Usage() float64 {
	if m.totalNS == 0 {
		return 0
	}
	return float64(m.activeNS) / float64(m.totalNS)
}

// UnsettledSince returns the checked-out messages of a consumer that
// were assigned by delivery batches after the given count, ordered by
// batch and message id, together with the checkout's current delivery
// count. Clients call this through a local query to repair delivery
// gaps.
func (m *Machine) UnsettledSince(tag string, since uint64) ([]UnsettledDelivery, uint64, error) {
	co, ok := m.checkouts[tag]
	if !ok {
		return nil, 0, ErrUnknownConsumer
	}

	var out []UnsettledDelivery
	for _, entry := range co.unsettled {
		if entry.at <= since {
			continue
		}
		out = append(out, UnsettledDelivery{
			DeliveryCount: entry.at,
			MsgID:         entry.msg.ID,
			Body:          entry.msg.Body,
			Redelivered:   entry.msg.Redelivered,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeliveryCount != out[j].DeliveryCount {
			return out[i].DeliveryCount < out[j].DeliveryCount
		}
		return out[i].MsgID < out[j].MsgID
	})

	return out, co.deliveryCount, nil
}
