package recurrence

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type isolationTx struct {
	pgx.Tx
	committed bool
}

func (t *isolationTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *isolationTx) Rollback(context.Context) error { return nil }

type isolationConn struct {
	conn
	opts pgx.TxOptions
	tx   *isolationTx
}

func (c *isolationConn) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	c.opts = opts
	c.tx = &isolationTx{}
	return c.tx, nil
}

// Approvals committed while a caller waits on the row lock must be visible
// to it, which RepeatableRead would hide behind the earlier snapshot.
func TestLockedTransactionsReadCommitted(t *testing.T) {
	c := &isolationConn{}
	repo := &Repository{pool: c}

	require.NoError(t, repo.WithTx(context.Background(), func(context.Context, TxRepository) error { return nil }))
	require.Equal(t, pgx.ReadCommitted, c.opts.IsoLevel)
	require.True(t, c.tx.committed)

	boom := errors.New("boom")
	require.ErrorIs(t, repo.WithTx(context.Background(), func(context.Context, TxRepository) error { return boom }), boom)
	require.False(t, c.tx.committed)
}
