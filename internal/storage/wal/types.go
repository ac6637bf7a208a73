package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// Entry is one WAL record: a committed agency transaction.
type Entry struct {
	Seq       uint64          `json:"seq"`       // Commit index (monotonically increasing)
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload"`   // Encoded transaction
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum over Seq + Payload
}

// EntryHandler is the function type for processing WAL entries
// Used during Replay to apply entries to the agency tree
type EntryHandler func(entry Entry) error
