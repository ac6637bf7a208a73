// ============================================================================
// Agency MemoryStore - 單節點 agency 實作
// ============================================================================
//
// Package: internal/agency
// File: memory_store.go
// Purpose: In-process implementation of Store used by the supervisor binary
//          and by tests. The consensus protocol itself is out of scope: this
//          store is the state machine a consensus log would drive.
//
// Write path (per transaction, in submission order):
//   1. normalize values to JSON shape
//   2. evaluate every precondition against the live tree
//      - any false → index 0, nothing written
//   3. append to WAL (Write-Ahead) with the next commit index
//   4. apply mutations to the tree, append to the commit log
//   5. every SnapshotEvery commits: write snapshot, rotate WAL, compact log
//
// Recovery:
//   loadSnapshot → replay WAL entries with index > snapshot index
//
// ============================================================================

package agency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/cluster-supervision/internal/snapshot"
	"github.com/ChuLiYu/cluster-supervision/internal/storage/wal"
)

// DurableConfig configures on-disk persistence of a MemoryStore.
type DurableConfig struct {
	WALPath       string // WAL 檔案路徑
	SnapshotPath  string // 快照檔案路徑
	SnapshotEvery int    // 每幾次提交寫一次快照，<= 0 表示只在 Close 時寫
	SyncOnAppend  bool   // 每筆 WAL 紀錄都 fsync
}

// MemoryStore implements Store on an in-memory tree.
type MemoryStore struct {
	mu   sync.RWMutex
	root *Node
	log  *CommitLog

	wal           *wal.WAL
	snapshots     *snapshot.Manager
	snapshotEvery int
	sinceSnapshot int

	clock  func() time.Time
	logger *slog.Logger
}

// NewMemoryStore creates a volatile store holding tree.
func NewMemoryStore(tree map[string]any) (*MemoryStore, error) {
	if tree == nil {
		tree = map[string]any{}
	}
	snap, err := NewSnapshot(tree, 0)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		root:   snap.root,
		log:    NewCommitLog(0),
		clock:  time.Now,
		logger: slog.With("component", "agency"),
	}, nil
}

// OpenDurable opens a store backed by a snapshot file and a WAL, recovering
// whatever state they hold.
func OpenDurable(cfg DurableConfig) (*MemoryStore, error) {
	start := time.Now()
	mgr := snapshot.NewManager(cfg.SnapshotPath)
	data, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	s, err := NewMemoryStore(data.Tree)
	if err != nil {
		return nil, fmt.Errorf("failed to restore snapshot tree: %w", err)
	}
	s.log = NewCommitLog(data.Index)
	s.snapshots = mgr
	s.snapshotEvery = cfg.SnapshotEvery

	w, err := wal.NewWAL(cfg.WALPath, cfg.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	replayed := 0
	err = w.Replay(func(entry wal.Entry) error {
		if entry.Seq <= s.log.LastIndex() {
			return nil
		}
		var txn Transaction
		if err := json.Unmarshal(entry.Payload, &txn); err != nil {
			return fmt.Errorf("%w: seq=%d: %v", wal.ErrCorruptedWAL, entry.Seq, err)
		}
		norm, err := txn.normalized()
		if err != nil {
			return fmt.Errorf("seq=%d: %w", entry.Seq, err)
		}
		if next := s.log.LastIndex() + 1; entry.Seq != next {
			return fmt.Errorf("%w: replay expected seq=%d, got %d", wal.ErrOutOfOrder, next, entry.Seq)
		}
		for _, m := range norm.Mutations {
			m.apply(s.root)
		}
		s.log.Append(norm, time.UnixMilli(entry.Timestamp))
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replayWAL failed: %w", err)
	}
	s.wal = w

	s.logger.Info("Agency recovered",
		"duration", time.Since(start),
		"snapshot_index", data.Index,
		"replayed", replayed,
		"index", s.log.LastIndex())
	return s, nil
}

// Read returns a deep copy of the current tree.
func (s *MemoryStore) Read(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{root: s.root.clone(), index: s.log.LastIndex()}, nil
}

// Write commits each transaction whose preconditions hold.
func (s *MemoryStore) Write(ctx context.Context, txns ...Transaction) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	normalized := make([]Transaction, len(txns))
	for i, txn := range txns {
		norm, err := txn.normalized()
		if err != nil {
			return WriteResult{}, err
		}
		normalized[i] = norm
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := WriteResult{Accepted: true, Indices: make([]uint64, len(normalized))}
	for i, txn := range normalized {
		if !s.preconditionsHold(txn) {
			s.logger.Debug("Precondition failed", "clauses", len(txn.Preconditions))
			continue
		}
		idx, err := s.commitLocked(txn)
		if err != nil {
			return res, err
		}
		res.Indices[i] = idx
	}
	return res, nil
}

func (s *MemoryStore) preconditionsHold(txn Transaction) bool {
	for _, p := range txn.Preconditions {
		if !p.holds(s.root) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) commitLocked(txn Transaction) (uint64, error) {
	next := s.log.LastIndex() + 1
	if s.wal != nil {
		payload, err := json.Marshal(txn)
		if err != nil {
			return 0, fmt.Errorf("failed to encode transaction: %w", err)
		}
		if err := s.wal.Append(next, payload); err != nil {
			return 0, fmt.Errorf("failed to append WAL entry: %w", err)
		}
	}

	for _, m := range txn.Mutations {
		m.apply(s.root)
	}
	idx := s.log.Append(txn, s.clock())

	s.sinceSnapshot++
	if s.snapshots != nil && s.snapshotEvery > 0 && s.sinceSnapshot >= s.snapshotEvery {
		if err := s.takeSnapshotLocked(); err != nil {
			// 交易已提交（WAL 已寫入），快照失敗只影響恢復速度
			s.logger.Error("Failed to take snapshot", "error", err)
		}
	}
	return idx, nil
}

// takeSnapshotLocked 寫入快照、旋轉 WAL、壓縮提交日誌
func (s *MemoryStore) takeSnapshotLocked() error {
	tree, _ := s.root.Value().(map[string]any)
	index := s.log.LastIndex()
	if err := s.snapshots.Write(snapshot.Data{Tree: tree, Index: index}); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if s.wal != nil {
		if err := s.wal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}
	s.log.Compact(index)
	s.sinceSnapshot = 0
	s.logger.Info("Snapshot taken", "index", index)
	return nil
}

// LastIndex returns the index of the last committed transaction.
func (s *MemoryStore) LastIndex() uint64 {
	return s.log.LastIndex()
}

// Log exposes the commit log.
func (s *MemoryStore) Log() *CommitLog {
	return s.log
}

// Close writes a final snapshot (when durable) and closes the WAL.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.snapshots != nil && s.sinceSnapshot > 0 {
		if err := s.takeSnapshotLocked(); err != nil {
			firstErr = err
		}
	}
	if s.wal != nil {
		if err := s.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.wal = nil
	}
	return firstErr
}
