package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusPaths(t *testing.T) {
	tests := []struct {
		status   JobStatus
		name     string
		path     string
		terminal bool
	}{
		{StatusToDo, "ToDo", "/Target/ToDo/7", false},
		{StatusPending, "Pending", "/Target/Pending/7", false},
		{StatusFinished, "Finished", "/Target/Finished/7", true},
		{StatusFailed, "Failed", "/Target/Failed/7", true},
		{StatusNotFound, "NotFound", "7", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.status.String())
			assert.Equal(t, tt.path, tt.status.Path("7"))
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
	assert.Empty(t, StatusNotFound.Prefix())
	assert.NotContains(t, Statuses, StatusNotFound)
}

func TestSubJobID(t *testing.T) {
	assert.Equal(t, JobID("abc-0"), SubJobID("abc", 0))
	assert.Equal(t, JobID("abc-12"), SubJobID("abc", 12))
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 500, time.FixedZone("x", 3600))
	s := FormatTime(at)
	assert.Equal(t, "2024-03-01T11:00:00.0000005Z", s)

	back, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, at.Equal(back))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}
