// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fifo

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType identifies the kind of command applied to the queue machine.
type CommandType uint8

const (
	CmdEnqueue CommandType = iota
	CmdCheckout
	CmdCredit
	CmdSettle
	CmdReturn
	CmdDiscard
	CmdCancelCheckout
)

// String returns a human-readable command name for logging.
func (t CommandType) String() string {
	switch t {
	case CmdEnqueue:
		return "enqueue"
	case CmdCheckout:
		return "checkout"
	case CmdCredit:
		return "credit"
	case CmdSettle:
		return "settle"
	case CmdReturn:
		return "return"
	case CmdDiscard:
		return "discard"
	case CmdCancelCheckout:
		return "cancel_checkout"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// CheckoutMode selects how a consumer's credit is managed.
type CheckoutMode uint8

const (
	// ModeSimplePrefetch keeps a fixed window of unsettled messages.
	// Credit is replenished automatically when messages are settled,
	// returned or discarded.
	ModeSimplePrefetch CheckoutMode = iota

	// ModeCredited leaves the credit balance entirely to the consumer,
	// which tops it up with explicit credit commands.
	ModeCredited
)

// CheckoutSpec describes the credit policy of a checkout.
type CheckoutSpec struct {
	Mode     CheckoutMode `json:"mode"`
	Prefetch uint64       `json:"prefetch,omitempty"` // ModeSimplePrefetch only
}

// Command is the tagged union replicated through the consensus log.
// Exactly the fields relevant to Type are populated.
type Command struct {
	Type      CommandType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	// For CmdEnqueue. An empty Sender marks an untracked enqueue that
	// bypasses sequence bookkeeping.
	Sender      string `json:"sender,omitempty"`
	Sequence    uint64 `json:"sequence,omitempty"`
	Correlation string `json:"correlation,omitempty"`
	Body        []byte `json:"body,omitempty"`

	// Consumer tag for all checkout-scoped commands.
	Tag string `json:"tag,omitempty"`

	// For CmdCheckout.
	Owner    string            `json:"owner,omitempty"`
	Spec     CheckoutSpec      `json:"spec,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// For CmdCredit.
	Amount uint64 `json:"amount,omitempty"`
	Drain  bool   `json:"drain,omitempty"`

	// For CmdSettle, CmdReturn, CmdDiscard.
	MsgIDs []uint64 `json:"msg_ids,omitempty"`

	// For CmdDiscard.
	Reason string `json:"reason,omitempty"`
}

// EncodeCommand serializes a command for the consensus log.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", cmd.Type, err)
	}
	return data, nil
}

// DecodeCommand deserializes a command read from the consensus log.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	return cmd, nil
}
