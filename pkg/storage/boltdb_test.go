package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// exerciseStore runs the shared transactional contract against any Store
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		tx, err := s.CreateTransaction()
		require.NoError(t, err)
		defer tx.Abort()

		_, _, ok, err := s.TryGet(tx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("add then read", func(t *testing.T) {
		tx, err := s.CreateTransaction()
		require.NoError(t, err)
		require.NoError(t, s.Add(tx, "nodes", []byte(`[]`)))
		require.NoError(t, tx.Commit(ctx))

		tx, err = s.CreateTransaction()
		require.NoError(t, err)
		defer tx.Abort()

		value, seq, ok, err := s.TryGet(tx, "nodes")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte(`[]`), value)
		assert.Positive(t, seq)
	})

	t.Run("add existing key fails", func(t *testing.T) {
		tx, err := s.CreateTransaction()
		require.NoError(t, err)
		require.NoError(t, s.Add(tx, "nodes", []byte(`["again"]`)))
		assert.ErrorIs(t, tx.Commit(ctx), ErrKeyExists)
	})

	t.Run("update with stale sequence fails", func(t *testing.T) {
		read, err := s.CreateTransaction()
		require.NoError(t, err)
		_, seq, ok, err := s.TryGet(read, "nodes")
		require.NoError(t, err)
		require.True(t, ok)
		read.Abort()

		first, err := s.CreateTransaction()
		require.NoError(t, err)
		second, err := s.CreateTransaction()
		require.NoError(t, err)

		require.NoError(t, s.Update(first, "nodes", []byte(`["a"]`), seq))
		require.NoError(t, s.Update(second, "nodes", []byte(`["b"]`), seq))

		require.NoError(t, first.Commit(ctx))
		assert.ErrorIs(t, second.Commit(ctx), ErrConflict)

		check, err := s.CreateTransaction()
		require.NoError(t, err)
		defer check.Abort()
		value, newSeq, _, err := s.TryGet(check, "nodes")
		require.NoError(t, err)
		assert.Equal(t, []byte(`["a"]`), value)
		assert.Greater(t, newSeq, seq)
	})

	t.Run("failed batch applies nothing", func(t *testing.T) {
		tx, err := s.CreateTransaction()
		require.NoError(t, err)
		require.NoError(t, s.Add(tx, "other", []byte(`1`)))
		require.NoError(t, s.Update(tx, "nodes", []byte(`["c"]`), -1))
		assert.ErrorIs(t, tx.Commit(ctx), ErrConflict)

		check, err := s.CreateTransaction()
		require.NoError(t, err)
		defer check.Abort()
		_, _, ok, err := s.TryGet(check, "other")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("transaction is single use", func(t *testing.T) {
		tx, err := s.CreateTransaction()
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
		assert.ErrorIs(t, s.Add(tx, "late", nil), ErrTxDone)
		_, _, _, err = s.TryGet(tx, "nodes")
		assert.ErrorIs(t, err, ErrTxDone)
		tx.Abort()
	})
}

func TestBoltStore(t *testing.T) {
	exerciseStore(t, newTestBoltStore(t))
}

func TestBoltStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	tx, err := s.CreateTransaction()
	require.NoError(t, err)
	require.NoError(t, s.Add(tx, "k", []byte(`"v"`)))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, s.Close())

	ro, err := OpenBoltStoreReadOnly(dir)
	require.NoError(t, err)
	defer ro.Close()

	records, err := ro.List()
	require.NoError(t, err)
	require.Contains(t, records, "k")
	assert.Equal(t, []byte(`"v"`), records["k"].Value)
}

func TestBoltStoreReplaceKeepsSequence(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	require.NoError(t, s.replace(map[string]Record{"k": {Seq: 40, Value: []byte(`1`)}}))

	tx, err := s.CreateTransaction()
	require.NoError(t, err)
	require.NoError(t, s.Update(tx, "k", []byte(`2`), 40))
	require.NoError(t, tx.Commit(ctx))

	rec, ok, err := s.get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(41), rec.Seq)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConflict))
	assert.True(t, IsRetryable(ErrNotLeader))
	assert.False(t, IsRetryable(ErrTxDone))
	assert.False(t, IsRetryable(context.Canceled))
}
