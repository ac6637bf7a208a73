package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 在 agency 套用交易之前，把已提交的交易追加到日誌檔案（append-only）
// 2. 提供重放功能以恢復 agency 樹
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 最後一筆紀錄的序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆紀錄的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
- 最後一行若是寫到一半的紀錄（崩潰時未完成的追加），先截掉
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if _, err := TrimTornTail(path); err != nil {
		return nil, fmt.Errorf("failed to scan WAL %s: %w", path, err)
	}
	last, err := GetLastEntry(path)
	if err != nil {
		return nil, fmt.Errorf("failed to scan WAL %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if last != nil {
		seq = last.Seq
	}

	return &WAL{
		file:         file,
		encoder:      newEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一筆紀錄到 WAL
//
// seq 必須大於上一筆紀錄的 seq（agency 的提交索引是單調遞增的）。
// 回傳 nil 之後紀錄已寫入檔案；syncOnAppend 時也已同步到磁碟。
func (w *WAL) Append(seq uint64, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if seq <= w.seq {
		return fmt.Errorf("%w: seq=%d after %d", ErrOutOfOrder, seq, w.seq)
	}

	entry := Entry{
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Payload:   json.RawMessage(payload),
		Checksum:  CalculateChecksum(seq, payload),
	}
	if err := w.encoder.Encode(entry); err != nil {
		return fmt.Errorf("wal: append seq=%d: %w", seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync seq=%d: %w", seq, err)
		}
	}
	w.seq = seq
	return nil
}

// Replay 重放所有 WAL 紀錄
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每筆紀錄的 checksum
// - 呼叫 handler 套用紀錄
// - 遇到錯誤立即停止
func (w *WAL) Replay(handler EntryHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := ReadAll(w.path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := handler(entry); err != nil {
			return err
		}
	}
	return nil
}

// Rotate 清空日誌檔案
//
// 在快照寫入成功後呼叫：快照已包含所有紀錄的效果。
// seq 保持不變，之後的紀錄繼續遞增。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return err
	}

	w.file = newFile
	w.encoder = newEncoder(newFile)
	return nil
}

// Close 關閉 WAL
//
// 關閉後的 WAL 實例不可重用。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得最後一筆紀錄的序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// newEncoder writes payloads byte for byte; callers pass compact JSON.
func newEncoder(f FileInterface) *json.Encoder {
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return enc
}
