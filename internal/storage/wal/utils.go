package wal

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
)

// ReadAll decodes every entry of the WAL file at path in order. A missing
// file yields no entries. Decoding stops at the first corrupted record.
func ReadAll(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	decoder := json.NewDecoder(file)
	for {
		offset := decoder.InputOffset()
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, &CorruptionError{Offset: offset, Cause: err}
		}
		if err := VerifyChecksum(entry); err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
}

// GetLastEntry returns the last valid entry of the file, or nil if empty.
func GetLastEntry(path string) (*Entry, error) {
	entries, err := ReadAll(path)
	if len(entries) == 0 {
		return nil, err
	}
	last := entries[len(entries)-1]
	return &last, err
}

// TrimTornTail cuts a half-written final record off the file at path. A
// record is torn when nothing after its start offset ends in a newline: the
// append that wrote it never returned. Corruption followed by further
// complete lines is left alone and reported.
func TrimTornTail(path string) (bool, error) {
	_, err := ReadAll(path)
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		return false, err
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return false, rerr
	}
	if ce.Offset < 0 || ce.Offset > int64(len(data)) {
		return false, err
	}
	rest := data[ce.Offset:]
	cut := ce.Offset + int64(len(rest)-len(bytes.TrimLeft(rest, " \t\r\n")))
	if bytes.IndexByte(data[cut:], '\n') >= 0 {
		return false, err
	}
	if terr := os.Truncate(path, cut); terr != nil {
		return false, terr
	}
	return true, nil
}
