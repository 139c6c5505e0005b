// Package ledger tracks in-flight resource operations.
//
// The ledger maps a resource id to the sequence number of the most recently
// started, not yet terminal operation for that resource. Processors consult
// it before issuing a mutating call so that repeated polls carrying the same
// description only re-query status. Entries for different resources are
// independent; every method is safe for concurrent use.
package ledger

import (
	"sort"
	"sync"
)

// Ledger is the in-memory table of in-flight operations
type Ledger struct {
	entries sync.Map // resourceID -> int64
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{}
}

// Exists reports whether the ledger holds exactly (resourceID, seq)
func (l *Ledger) Exists(resourceID string, seq int64) bool {
	v, ok := l.entries.Load(resourceID)
	return ok && v.(int64) == seq
}

// TryAdd inserts (resourceID, seq) if the resource has no entry yet.
// It returns false when an entry, for any sequence number, already exists.
func (l *Ledger) TryAdd(resourceID string, seq int64) bool {
	_, loaded := l.entries.LoadOrStore(resourceID, seq)
	return !loaded
}

// TryRemove deletes the entry of resourceID and reports whether one existed
func (l *Ledger) TryRemove(resourceID string) bool {
	_, loaded := l.entries.LoadAndDelete(resourceID)
	return loaded
}

// Len returns the number of tracked resources
func (l *Ledger) Len() int {
	n := 0
	l.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Entry is one ledger row
type Entry struct {
	ResourceID string `json:"resourceId"`
	Sequence   int64  `json:"sequence"`
}

// Snapshot returns the current entries ordered by resource id
func (l *Ledger) Snapshot() []Entry {
	var out []Entry
	l.entries.Range(func(k, v any) bool {
		out = append(out, Entry{ResourceID: k.(string), Sequence: v.(int64)})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}
