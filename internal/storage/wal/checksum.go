package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 演算法：
// - 以 8 bytes big-endian 的 seq 開頭，接著是 payload 原始位元組
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp
func CalculateChecksum(seq uint64, payload []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和是否正確
func VerifyChecksum(entry Entry) error {
	expected := CalculateChecksum(entry.Seq, entry.Payload)
	if entry.Checksum != expected {
		return &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
	}
	return nil
}
