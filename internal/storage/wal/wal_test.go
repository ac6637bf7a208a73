package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agency.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := newTestWAL(t)

	require.NoError(t, w.Append(1, []byte(`{"mutations":[]}`)))
	require.NoError(t, w.Append(2, []byte(`{"a":"<b>"}`)))
	assert.Equal(t, uint64(2), w.GetLastSeq())

	var seen []uint64
	var payloads []string
	err := w.Replay(func(e Entry) error {
		seen = append(seen, e.Seq)
		payloads = append(payloads, string(e.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seen)
	assert.Equal(t, `{"a":"<b>"}`, payloads[1])
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	w, _ := newTestWAL(t)

	require.NoError(t, w.Append(5, []byte(`{}`)))
	err := w.Append(5, []byte(`{}`))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	err = w.Append(3, []byte(`{}`))
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	require.NoError(t, w.Append(7, []byte(`{}`)))
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(7), reopened.GetLastSeq())
	assert.ErrorIs(t, reopened.Append(7, []byte(`{}`)), ErrOutOfOrder)
	assert.NoError(t, reopened.Append(8, []byte(`{}`)))
}

func TestRotateTruncatesButKeepsSequence(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(1, []byte(`{}`)))
	require.NoError(t, w.Rotate())

	entries, err := ReadAll(path)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, uint64(1), w.GetLastSeq())

	require.NoError(t, w.Append(2, []byte(`{}`)))
	entries, err = ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Seq)
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.wal")
	line := `{"seq":1,"timestamp":0,"payload":{},"checksum":1}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0644))

	_, err := ReadAll(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestReplayDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.wal")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0644))

	_, err := NewWAL(path, false)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

func TestClosedWAL(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(1, []byte(`{}`)), ErrWALClosed)
	assert.NoError(t, w.Close())
}

func TestReadAllMissingFile(t *testing.T) {
	entries, err := ReadAll(filepath.Join(t.TempDir(), "nope.wal"))
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReopenTrimsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, []byte(`{"a":1}`)))
	require.NoError(t, w.Close())

	// crash half way through the next append
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"timestamp":1,"payl`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(1), reopened.GetLastSeq())

	require.NoError(t, reopened.Append(2, []byte(`{"a":2}`)))
	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[1].Seq)
}

func TestCorruptionBeforeLastLineIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(1, []byte(`{}`)))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = append([]byte("{broken\n"), data...)
	require.NoError(t, os.WriteFile(path, data, 0644))

	trimmed, err := TrimTornTail(path)
	assert.False(t, trimmed)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	_, err = NewWAL(path, false)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}
