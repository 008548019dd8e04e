// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fifo

import "errors"

// Typed rejections. The machine never panics on malformed input; these
// are returned from Apply and surfaced to the issuing client verbatim.
var (
	// ErrUnknownConsumer is returned for commands referencing a tag
	// that has no registered checkout.
	ErrUnknownConsumer = errors.New("unknown consumer tag")

	// ErrDuplicateConsumer is returned when a checkout tag is already
	// registered with a different owner or spec.
	ErrDuplicateConsumer = errors.New("duplicate consumer tag")

	// ErrAlreadySettled is returned when a settle, return or discard
	// names a message id that is not checked out by the consumer.
	ErrAlreadySettled = errors.New("message not checked out")

	// ErrEmptyCommand is returned for commands with an unknown type.
	ErrEmptyCommand = errors.New("unknown command type")
)

// Message is a queue entry. Immutable once enqueued; only the
// redelivered flag changes when a message is returned to the queue.
type Message struct {
	ID          uint64 `json:"id"`
	Correlation string `json:"correlation,omitempty"`
	Body        []byte `json:"body"`
	Redelivered bool   `json:"redelivered,omitempty"`
}

// DeliveredMessage is one entry of a delivery batch.
type DeliveredMessage struct {
	MsgID       uint64 `json:"msg_id"`
	Body        []byte `json:"body"`
	Redelivered bool   `json:"redelivered,omitempty"`
}

// Effect is a side effect emitted by Apply. Effects are routed by the
// consensus layer: deliveries and credit replies to the owning session,
// dead letters to the configured handler.
type Effect interface {
	effect()
}

// DeliveryEffect assigns a batch of ready messages to one consumer.
// DeliveryCount is the checkout's monotonically increasing batch
// counter used by clients to deduplicate and detect gaps.
type DeliveryEffect struct {
	Owner         string
	Tag           string
	DeliveryCount uint64
	Batch         []DeliveredMessage
}

// CreditReplyEffect reports the post-command credit state of a
// checkout after a credit command was applied.
type CreditReplyEffect struct {
	Owner  string
	Tag    string
	Credit uint64
	Ready  int
	Drain  bool
}

// DrainedEffect reports credit that was forcibly dropped to zero
// because the queue ran out of ready messages during a drain.
type DrainedEffect struct {
	Owner   string
	Tag     string
	Dropped uint64
}

// DeadLetterEffect carries discarded messages to the dead-letter
// collaborator. It never re-enters the delivery path.
type DeadLetterEffect struct {
	Reason   string
	Messages []*Message
}

func (DeliveryEffect) effect()    {}
func (CreditReplyEffect) effect() {}
func (DrainedEffect) effect()     {}
func (DeadLetterEffect) effect()  {}
