package agency

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrLogNotFound = errors.New("log entry not found")
)

// LogEntry is one committed transaction.
type LogEntry struct {
	Index       uint64
	Transaction Transaction
	Committed   time.Time
}

// CommitLog is an in-memory log of committed transactions. Entries up to the
// last snapshot are compacted away; the log keeps counting from there.
type CommitLog struct {
	mu      sync.RWMutex
	base    uint64 // index of the last compacted entry
	entries []LogEntry
}

// NewCommitLog creates a log whose next index is base+1.
func NewCommitLog(base uint64) *CommitLog {
	return &CommitLog{base: base}
}

// FirstIndex returns the index of the oldest retained entry, or 0 when empty.
func (l *CommitLog) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Index
}

// LastIndex returns the index of the newest entry, compacted or not.
func (l *CommitLog) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *CommitLog) lastIndexLocked() uint64 {
	if len(l.entries) == 0 {
		return l.base
	}
	return l.entries[len(l.entries)-1].Index
}

// Get returns the entry at index.
func (l *CommitLog) Get(index uint64) (LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index <= l.base || index > l.lastIndexLocked() {
		return LogEntry{}, ErrLogNotFound
	}
	return l.entries[index-l.base-1], nil
}

// Append stores txn under the next index and returns it.
func (l *CommitLog) Append(txn Transaction, at time.Time) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.lastIndexLocked() + 1
	l.entries = append(l.entries, LogEntry{Index: idx, Transaction: txn, Committed: at})
	return idx
}

// Compact drops every entry up to and including index.
func (l *CommitLog) Compact(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.base {
		return
	}
	if last := l.lastIndexLocked(); index > last {
		index = last
	}
	drop := int(index - l.base)
	l.entries = append([]LogEntry(nil), l.entries[drop:]...)
	l.base = index
}
