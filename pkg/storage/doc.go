/*
Package storage provides the transactional key-value store that persists
steward's node state records.

The store offers optimistic concurrency on whole values. Every write assigns
a new sequence number, and Update only succeeds when the caller's expected
sequence number still matches:

	tx, _ := store.CreateTransaction()
	defer tx.Abort()

	value, seq, ok, err := store.TryGet(tx, key)
	// ... mutate value ...
	if ok {
		err = store.Update(tx, key, newValue, seq)
	} else {
		err = store.Add(tx, key, newValue)
	}
	err = tx.Commit(ctx) // ErrConflict or ErrKeyExists: retry the whole cycle

Writes are buffered in the transaction and validated again at commit time.
A failed check rejects the whole batch.

Two implementations exist:

  - BoltStore keeps records in the "kv" bucket of <dataDir>/steward.db as
    JSON {seq, value}. Sequence numbers come from the bucket sequence.
  - RaftStore replicates the same contract with hashicorp/raft. A commit is
    one log entry holding the buffered ops; every member applies it to a
    local bolt copy (<dataDir>/fsm.db, rebuilt on start from snapshot and
    log). Commits on a follower fail with ErrNotLeader.
*/
package storage
