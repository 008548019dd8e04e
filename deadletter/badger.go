// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/fifoq/fifo"
)

// ArchivedMessage is a dead-lettered message as stored in the archive.
type ArchivedMessage struct {
	Queue       string    `json:"queue"`
	Reason      string    `json:"reason"`
	MsgID       uint64    `json:"msg_id"`
	Body        []byte    `json:"body"`
	Redelivered bool      `json:"redelivered,omitempty"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// BadgerArchive persists dead-lettered messages into BadgerDB so they
// can be inspected or re-injected by an operator. Keys are ordered by
// queue and message id.
type BadgerArchive struct {
	db     *badger.DB
	queue  string
	logger *slog.Logger
}

// NewBadgerArchive creates an archive writing into the given database.
func NewBadgerArchive(db *badger.DB, queue string, logger *slog.Logger) *BadgerArchive {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerArchive{db: db, queue: queue, logger: logger}
}

// Handle stores the discarded messages in one transaction.
func (a *BadgerArchive) Handle(_ context.Context, reason string, messages []*fifo.Message) error {
	if len(messages) == 0 {
		return nil
	}

	now := time.Now()
	err := a.db.Update(func(txn *badger.Txn) error {
		for _, msg := range messages {
			rec := ArchivedMessage{
				Queue:       a.queue,
				Reason:      reason,
				MsgID:       msg.ID,
				Body:        msg.Body,
				Redelivered: msg.Redelivered,
				ArchivedAt:  now,
			}
			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(a.key(msg.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive dead letters: %w", err)
	}

	a.logger.Info("archived dead letters",
		slog.String("queue", a.queue),
		slog.String("reason", reason),
		slog.Int("count", len(messages)))

	return nil
}

// List returns up to limit archived messages in message-id order.
// A limit of zero means no limit.
func (a *BadgerArchive) List(_ context.Context, limit int) ([]ArchivedMessage, error) {
	var out []ArchivedMessage

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := a.prefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var rec ArchivedMessage
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	return out, nil
}

func (a *BadgerArchive) prefix() []byte {
	return []byte("dlx:" + a.queue + ":")
}

func (a *BadgerArchive) key(msgID uint64) []byte {
	prefix := a.prefix()
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], msgID)
	return key
}
