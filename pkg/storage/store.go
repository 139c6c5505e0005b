package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/steward/pkg/metrics"
)

var (
	// ErrKeyExists is returned when Add targets a key that is already stored
	ErrKeyExists = errors.New("key already exists")

	// ErrConflict is returned when Update's expected sequence number no
	// longer matches the stored one
	ErrConflict = errors.New("sequence number conflict")

	// ErrTxDone is returned when a committed or aborted transaction is reused
	ErrTxDone = errors.New("transaction already finished")

	// ErrNotLeader is returned when a replicated commit is attempted on a
	// node that is not the raft leader
	ErrNotLeader = errors.New("not the raft leader")
)

// IsRetryable reports whether a whole read-modify-write transaction should
// be retried after err
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrKeyExists) || errors.Is(err, ErrNotLeader)
}

// Store is a transactional key-value store with optimistic concurrency.
// Every stored value carries a sequence number that changes on each write.
type Store interface {
	// CreateTransaction starts a transaction. The caller must Commit or
	// Abort it exactly once.
	CreateTransaction() (Tx, error)

	// TryGet reads the committed value of key. Writes buffered in tx are
	// not visible.
	TryGet(tx Tx, key string) (value []byte, seq int64, ok bool, err error)

	// Add buffers an insert that fails on commit if key exists
	Add(tx Tx, key string, value []byte) error

	// Update buffers a write that fails on commit unless the stored
	// sequence number still equals expectedSeq
	Update(tx Tx, key string, value []byte, expectedSeq int64) error

	Close() error
}

// Tx is a scoped store transaction
type Tx interface {
	Commit(ctx context.Context) error
	Abort()
}

// OpKind is the kind of a buffered write
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
)

// Op is one buffered write
type Op struct {
	Kind        OpKind `json:"kind"`
	Key         string `json:"key"`
	Value       []byte `json:"value"`
	ExpectedSeq int64  `json:"expectedSeq,omitempty"`
}

// Record is a stored value with its sequence number
type Record struct {
	Seq   int64  `json:"seq"`
	Value []byte `json:"value"`
}

// engine implements the transactional surface of Store on top of a local
// reader and a commit function that validates and applies a batch of ops
// atomically.
type engine struct {
	read   func(key string) (Record, bool, error)
	commit func(ctx context.Context, ops []Op) error
}

type txn struct {
	mu     sync.Mutex
	ops    []Op
	done   bool
	commit func(ctx context.Context, ops []Op) error
}

func (e engine) CreateTransaction() (Tx, error) {
	return &txn{commit: e.commit}, nil
}

func (e engine) TryGet(tx Tx, key string) ([]byte, int64, bool, error) {
	t, err := open(tx)
	if err != nil {
		return nil, 0, false, err
	}
	t.mu.Unlock()

	rec, ok, err := e.read(key)
	if err != nil || !ok {
		return nil, 0, false, err
	}
	return rec.Value, rec.Seq, true, nil
}

func (e engine) Add(tx Tx, key string, value []byte) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()

	t.ops = append(t.ops, Op{Kind: OpAdd, Key: key, Value: value})
	return nil
}

func (e engine) Update(tx Tx, key string, value []byte, expectedSeq int64) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()

	t.ops = append(t.ops, Op{Kind: OpUpdate, Key: key, Value: value, ExpectedSeq: expectedSeq})
	return nil
}

// open locks an unfinished transaction of this package
func open(tx Tx) (*txn, error) {
	t, ok := tx.(*txn)
	if !ok {
		return nil, fmt.Errorf("foreign transaction type %T", tx)
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil, ErrTxDone
	}
	return t, nil
}

// Commit validates and applies the buffered writes as one unit
func (t *txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	t.done = true

	if len(t.ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	err := t.commit(ctx, t.ops)
	timer.ObserveDuration(metrics.StoreCommitDuration)

	switch {
	case err == nil:
		metrics.StoreCommitsTotal.WithLabelValues("ok").Inc()
	case IsRetryable(err):
		metrics.StoreCommitsTotal.WithLabelValues("conflict").Inc()
	default:
		metrics.StoreCommitsTotal.WithLabelValues("error").Inc()
	}
	return err
}

// Abort discards the buffered writes. Aborting a finished transaction is a no-op.
func (t *txn) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.ops = nil
}
