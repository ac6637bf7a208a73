package supervision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// clusterTree: three GOOD servers, c1 has two shards on DB1, c2 follows c1.
func clusterTree() map[string]any {
	return map[string]any{
		"Plan": map[string]any{
			"DBServers": map[string]any{"DB1": "none", "DB2": "none", "DB3": "none"},
			"Collections": map[string]any{
				"db": map[string]any{
					"c1": map[string]any{
						"replicationFactor": 2,
						"shards": map[string]any{
							"s1": []any{"DB1", "DB2"},
							"s2": []any{"DB2", "DB1"},
						},
					},
					"c2": map[string]any{
						"replicationFactor":    2,
						"distributeShardsLike": "c1",
						"shards": map[string]any{
							"s3": []any{"DB1", "DB2"},
						},
					},
				},
			},
		},
		"Current": map[string]any{"Collections": map[string]any{}},
		"Supervision": map[string]any{
			"Health": map[string]any{
				"DB1": map[string]any{"Status": "GOOD"},
				"DB2": map[string]any{"Status": "GOOD"},
				"DB3": map[string]any{"Status": "GOOD"},
			},
		},
		"Target": map[string]any{
			"CleanedServers": []any{},
			"FailedServers":  map[string]any{},
		},
	}
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *agency.MemoryStore
}

func newFixture(t *testing.T, tree map[string]any) *fixture {
	t.Helper()
	store, err := agency.NewMemoryStore(tree)
	require.NoError(t, err)
	return &fixture{t: t, ctx: context.Background(), store: store}
}

func (f *fixture) snap() *agency.Snapshot {
	f.t.Helper()
	s, err := f.store.Read(f.ctx)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) write(txn agency.Transaction) {
	f.t.Helper()
	ok, err := agency.SingleWrite(f.ctx, f.store, txn)
	require.NoError(f.t, err)
	require.True(f.t, ok)
}

func (f *fixture) set(path string, v any) {
	f.t.Helper()
	f.write(agency.Transaction{}.Set(path, v))
}

// locations lists every status directory holding id.
func (f *fixture) locations(id types.JobID) []types.JobStatus {
	snap := f.snap()
	var out []types.JobStatus
	for _, st := range types.Statuses {
		if snap.Has(st.Path(id)) {
			out = append(out, st)
		}
	}
	return out
}

func (f *fixture) requireAt(id types.JobID, st types.JobStatus) types.Record {
	f.t.Helper()
	require.Equal(f.t, []types.JobStatus{st}, f.locations(id), "job %s", id)
	var rec types.Record
	require.NoError(f.t, f.snap().Decode(st.Path(id), &rec))
	return rec
}

func (f *fixture) load(st types.JobStatus, id types.JobID) Job {
	f.t.Helper()
	j, err := JobContext(f.ctx, f.snap(), f.store, st, id)
	require.NoError(f.t, err)
	return j
}

// createCleanOut stores a ToDo clean-out and reloads it from a fresh snapshot.
func (f *fixture) createCleanOut(id types.JobID, server string) *CleanOutServer {
	f.t.Helper()
	ok, err := NewCleanOutServer(f.snap(), f.store, id, "", server).Create(f.ctx)
	require.NoError(f.t, err)
	require.True(f.t, ok)
	return f.load(types.StatusToDo, id).(*CleanOutServer)
}

func (f *fixture) strings(path string) []string {
	f.t.Helper()
	v, err := f.snap().GetStrings(path)
	require.NoError(f.t, err)
	return v
}

func stubClock(t *testing.T, at time.Time) *time.Time {
	cur := at
	prev := now
	now = func() time.Time { return cur }
	t.Cleanup(func() { now = prev })
	return &cur
}

func stubRand(t *testing.T, pick func(n int) int) {
	prev := randIntn
	randIntn = pick
	t.Cleanup(func() { randIntn = prev })
}

// flakyStore fails writes with ErrUnavailable while down is set.
type flakyStore struct {
	agency.Store
	down bool
}

func (s *flakyStore) Write(ctx context.Context, txns ...agency.Transaction) (agency.WriteResult, error) {
	if s.down {
		return agency.WriteResult{}, agency.ErrUnavailable
	}
	return s.Store.Write(ctx, txns...)
}
