package supervision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

type recordingRecorder struct {
	mu          sync.Mutex
	passes      int
	transitions []string
	errors      int
}

func (r *recordingRecorder) ObservePass(int, int, uint64, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes++
}

func (r *recordingRecorder) JobTransition(jobType, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, jobType+":"+status)
}

func (r *recordingRecorder) JobError(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

// assertSingleLocation checks every job id under Target lives in one place.
func assertSingleLocation(t *testing.T, f *fixture) {
	t.Helper()
	seen := map[string]types.JobStatus{}
	snap := f.snap()
	for _, st := range types.Statuses {
		for _, id := range snap.Keys(st.Prefix()) {
			prev, dup := seen[id]
			assert.False(t, dup, "job %s in %s and %s", id, prev, st)
			seen[id] = st
		}
	}
}

func TestSupervisorCleansOutServer(t *testing.T) {
	stubClock(t, t0)
	f := newFixture(t, clusterTree())
	rec := &recordingRecorder{}
	sup := NewSupervisor(f.store, time.Second, rec)

	ok, err := CreateCleanOut(f.ctx, f.store, "1", "DB1")
	require.NoError(t, err)
	require.True(t, ok)

	// pass 1: clean-out starts, moves are created
	sum, err := sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ToDo)
	assert.Equal(t, 1, sum.Started)
	f.requireAt("1", types.StatusPending)
	f.requireAt("1-0", types.StatusToDo)
	assertSingleLocation(t, f)

	// pass 2: moves start, the clean-out keeps waiting
	sum, err = sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Started)
	f.requireAt("1", types.StatusPending)
	f.requireAt("1-0", types.StatusPending)
	f.requireAt("1-1", types.StatusPending)
	assertSingleLocation(t, f)

	// nothing changes until the destination reports the shards
	sum, err = sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Started+sum.Finished+sum.Failed)

	f.set(currentCollections+"/db/c1/s1/servers", []string{"DB1", "DB2", "DB3"})
	f.set(currentCollections+"/db/c1/s2/servers", []string{"DB2", "DB1", "DB3"})

	// pass 4: moves finish
	sum, err = sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Finished)
	f.requireAt("1", types.StatusPending)

	// pass 5: clean-out finishes
	sum, err = sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Finished)

	f.requireAt("1", types.StatusFinished)
	assert.Equal(t, []string{"DB1"}, f.strings(cleanedServers))
	assert.False(t, f.snap().Has(blockedServersPrefix+"DB1"))
	assert.Equal(t, []string{"DB3", "DB2"}, f.strings(shardPlanPath("db", "c1", "s1")))
	assert.Equal(t, []string{"DB2", "DB3"}, f.strings(shardPlanPath("db", "c1", "s2")))
	assertSingleLocation(t, f)

	assert.Equal(t, 5, rec.passes)
	assert.Equal(t, []string{
		"cleanOutServer:Pending",
		"moveShard:Pending", "moveShard:Pending",
		"moveShard:Finished", "moveShard:Finished",
		"cleanOutServer:Finished",
	}, rec.transitions)

	// the finished job is never touched again
	idx := f.store.LastIndex()
	_, err = sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, idx, f.store.LastIndex())
}

func TestSupervisorSkipsBrokenRecords(t *testing.T) {
	f := newFixture(t, clusterTree())
	rec := &recordingRecorder{}
	sup := NewSupervisor(f.store, time.Second, rec)
	f.set(types.StatusToDo.Path("a"), map[string]any{"type": "addFollower"})
	ok, err := CreateCleanOut(f.ctx, f.store, "b", "DB1")
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 1, sum.Started)
	assert.Equal(t, 1, rec.errors)
	f.requireAt("a", types.StatusToDo)
}

func TestSupervisorStopsPassOnTransportError(t *testing.T) {
	f := newFixture(t, clusterTree())
	ok, err := CreateCleanOut(f.ctx, f.store, "1", "DB1")
	require.NoError(t, err)
	require.True(t, ok)

	flaky := &flakyStore{Store: f.store, down: true}
	sup := NewSupervisor(flaky, time.Second, nil)
	_, err = sup.RunOnce(f.ctx)
	assert.ErrorIs(t, err, agency.ErrUnavailable)
	f.requireAt("1", types.StatusToDo)

	flaky.down = false
	sum, err := sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Started)
}

func TestSupervisorRunStopsWithContext(t *testing.T) {
	f := newFixture(t, clusterTree())
	rec := &recordingRecorder{}
	sup := NewSupervisor(f.store, 5*time.Millisecond, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.passes >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestAbortJobAndListJobs(t *testing.T) {
	f := newFixture(t, clusterTree())
	startCleanOut(t, f)

	require.NoError(t, AbortJob(f.ctx, f.store, "1"))
	assert.ErrorIs(t, AbortJob(f.ctx, f.store, "nope"), ErrJobNotFound)
	assert.ErrorIs(t, AbortJob(f.ctx, f.store, "1"), ErrAbortTerminal)

	list, err := ListJobs(f.snap())
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, l := range list {
		assert.Equal(t, types.StatusFailed, l.Status)
		assert.Equal(t, "job aborted", l.Record.Reason)
	}
	assert.Equal(t, types.JobID("1"), list[0].Record.JobID)
}

func TestSupervisorAbortReachesMoveStartedInSamePass(t *testing.T) {
	f := newFixture(t, clusterTree())
	startCleanOut(t, f)
	f.write(agency.Transaction{}.
		Delete(types.StatusToDo.Path("1-0")).
		Set(types.StatusFailed.Path("1-0"), map[string]any{"type": "moveShard", "jobId": "1-0"}))

	rec := &recordingRecorder{}
	sup := NewSupervisor(f.store, time.Second, rec)

	// 1-1 starts before the clean-out sees 1-0 failed; the abort cannot
	// finish 1-1 from the stale snapshot, so the clean-out waits
	sum, err := sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	f.requireAt("1", types.StatusPending)
	f.requireAt("1-1", types.StatusPending)
	assert.True(t, f.snap().Has(blockedServersPrefix+"DB1"))

	sum, err = sup.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Errors)
	rec1 := f.requireAt("1", types.StatusFailed)
	assert.Contains(t, rec1.Reason, "1-0")
	assert.Equal(t, "job aborted", f.requireAt("1-1", types.StatusFailed).Reason)
	assert.Equal(t, []string{"DB2", "DB1"}, f.strings(shardPlanPath("db", "c1", "s2")))
	assert.False(t, f.snap().Has(blockedShardsPrefix+"s2"))
	assert.False(t, f.snap().Has(blockedServersPrefix+"DB1"))
	assertSingleLocation(t, f)
}
