// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fifoq/fifo"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBadgerArchive(t *testing.T) {
	db := openTestDB(t)
	archive := NewBadgerArchive(db, "orders", nil)
	ctx := context.Background()

	require.NoError(t, archive.Handle(ctx, "none", nil), "empty batch is a no-op")

	msgs := []*fifo.Message{
		{ID: 3, Body: []byte("three"), Redelivered: true},
		{ID: 1, Body: []byte("one")},
	}
	require.NoError(t, archive.Handle(ctx, "parse failure", msgs))

	got, err := archive.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Listed in message-id order regardless of archive order.
	assert.Equal(t, uint64(1), got[0].MsgID)
	assert.Equal(t, "one", string(got[0].Body))
	assert.Equal(t, uint64(3), got[1].MsgID)
	assert.True(t, got[1].Redelivered)
	for _, rec := range got {
		assert.Equal(t, "orders", rec.Queue)
		assert.Equal(t, "parse failure", rec.Reason)
		assert.False(t, rec.ArchivedAt.IsZero())
	}

	limited, err := archive.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(1), limited[0].MsgID)
}

func TestBadgerArchiveQueueIsolation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	orders := NewBadgerArchive(db, "orders", nil)
	billing := NewBadgerArchive(db, "billing", nil)

	require.NoError(t, orders.Handle(ctx, "r", []*fifo.Message{{ID: 1, Body: []byte("x")}}))

	got, err := billing.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLogHandler(t *testing.T) {
	h := NewLogHandler("orders", nil)
	err := h.Handle(context.Background(), "parse failure", []*fifo.Message{
		{ID: 1, Body: []byte("x")},
	})
	assert.NoError(t, err)
}
