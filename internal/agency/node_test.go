package agency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree() map[string]any {
	return map[string]any{
		"Plan": map[string]any{
			"DBServers": map[string]any{"PRMR-1": "none", "PRMR-2": "none"},
			"Collections": map[string]any{
				"db": map[string]any{
					"c1": map[string]any{
						"replicationFactor": 2,
						"shards":            map[string]any{"s1": []string{"PRMR-1", "PRMR-2"}},
					},
				},
			},
		},
		"Target": map[string]any{"CleanedServers": []any{}},
	}
}

func TestSnapshotLookups(t *testing.T) {
	snap, err := NewSnapshot(testTree(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.Index())

	assert.True(t, snap.Has("/Plan/DBServers/PRMR-1"))
	assert.True(t, snap.Has("Plan/DBServers/PRMR-1/"))
	assert.False(t, snap.Has("/Plan/DBServers/PRMR-3"))
	assert.True(t, snap.Has("/"))

	assert.Equal(t, []string{"PRMR-1", "PRMR-2"}, snap.Keys("/Plan/DBServers"))
	assert.Nil(t, snap.Keys("/Nope"))

	servers, err := snap.GetStrings("/Plan/Collections/db/c1/shards/s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"PRMR-1", "PRMR-2"}, servers)

	rf, err := snap.Get("/Plan/Collections/db/c1/replicationFactor")
	require.NoError(t, err)
	n, err := rf.AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	children, err := snap.Children("/Plan/DBServers")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	// the returned map is the caller's own
	delete(children, "PRMR-1")
	children["PRMR-9"] = nil
	assert.True(t, snap.Has("/Plan/DBServers/PRMR-1"))
	assert.False(t, snap.Has("/Plan/DBServers/PRMR-9"))
	again, err := snap.Children("/Plan/DBServers")
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestSnapshotErrorKinds(t *testing.T) {
	snap, err := NewSnapshot(testTree(), 0)
	require.NoError(t, err)

	_, err = snap.Get("/Plan/Nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = snap.Get("/Plan/DBServers/PRMR-1/deeper")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = snap.GetString("/Plan/Collections/db/c1/shards/s1")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = snap.GetStrings("/Plan/DBServers/PRMR-1")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = snap.Children("/Plan/DBServers/PRMR-1")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NewSnapshot([]any{"x"}, 0)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNodeAsUintRejectsFractions(t *testing.T) {
	n, err := NewNode(1.5)
	require.NoError(t, err)
	_, err = n.AsUint()
	assert.ErrorIs(t, err, ErrMalformed)

	n, err = NewNode(-1)
	require.NoError(t, err)
	_, err = n.AsUint()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNodeDecode(t *testing.T) {
	type record struct {
		Type   string `json:"type"`
		Server string `json:"server"`
	}
	snap, err := NewSnapshot(map[string]any{
		"Target": map[string]any{"ToDo": map[string]any{"1": map[string]any{"type": "cleanOutServer", "server": "PRMR-1"}}},
	}, 0)
	require.NoError(t, err)

	var rec record
	require.NoError(t, snap.Decode("/Target/ToDo/1", &rec))
	assert.Equal(t, record{Type: "cleanOutServer", Server: "PRMR-1"}, rec)
}

func TestNodeMutations(t *testing.T) {
	root, err := NewNode(testTree())
	require.NoError(t, err)

	root.set("/Supervision/DBServers/PRMR-1", "job-1")
	assert.True(t, root.Has("/Supervision/DBServers/PRMR-1"))

	// leaf on the way is replaced by an object
	root.set("/Plan/DBServers/PRMR-1/sub", "x")
	n, err := root.Get("/Plan/DBServers/PRMR-1")
	require.NoError(t, err)
	assert.True(t, n.IsObject())

	root.remove("/Supervision/DBServers/PRMR-1")
	assert.False(t, root.Has("/Supervision/DBServers/PRMR-1"))
	root.remove("/Does/Not/Exist")

	root.push("/Target/CleanedServers", "PRMR-2")
	root.push("/Target/New", "a")
	cleaned, err := root.Get("/Target/CleanedServers")
	require.NoError(t, err)
	assert.True(t, cleaned.Equal([]string{"PRMR-2"}))
	created, err := root.Get("/Target/New")
	require.NoError(t, err)
	assert.True(t, created.Equal([]any{"a"}))

	root.erase("/Target/CleanedServers", "PRMR-2")
	root.erase("/Target/Missing", "PRMR-2")
	cleaned, err = root.Get("/Target/CleanedServers")
	require.NoError(t, err)
	assert.True(t, cleaned.Equal([]any{}))
}

func TestSnapshotIsolatedFromLaterWrites(t *testing.T) {
	root, err := NewNode(testTree())
	require.NoError(t, err)
	snap := &Snapshot{root: root.clone()}

	root.push("/Target/CleanedServers", "PRMR-1")
	cleaned, err := snap.GetStrings("/Target/CleanedServers")
	require.NoError(t, err)
	assert.Empty(t, cleaned)
}
