// ============================================================================
// Supervisor - 輪詢循環
// ============================================================================
//
// 每一輪 (pass):
//   1. Read() 取得一個 Snapshot
//   2. ToDo 下的任務依 id 排序逐一 Run()（嘗試 Start）
//   3. Pending 下的任務依 id 排序逐一 Status()
//
// 同一輪只使用同一個 Snapshot：本輪剛 Start 的任務不會在本輪被 Status()，
// 本輪建立的子任務要到下一輪才會被看見。
// 傳輸錯誤會提前結束本輪，下一個 tick 重試。
//
// ============================================================================

package supervision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

// Recorder receives per-pass observations, typically a metrics collector.
type Recorder interface {
	ObservePass(todo, pending int, index uint64, elapsed time.Duration)
	JobTransition(jobType, status string)
	JobError(jobType string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePass(int, int, uint64, time.Duration) {}
func (nopRecorder) JobTransition(string, string)                {}
func (nopRecorder) JobError(string)                             {}

// PassSummary counts what one supervision pass did.
type PassSummary struct {
	Index    uint64 // commit index of the snapshot
	ToDo     int
	Pending  int
	Started  int
	Finished int
	Failed   int
	Errors   int
}

// Supervisor drives every persisted job one pass at a time.
type Supervisor struct {
	store    agency.Store
	interval time.Duration
	recorder Recorder
}

// NewSupervisor 建立 Supervisor，recorder 可為 nil
func NewSupervisor(store agency.Store, interval time.Duration, recorder Recorder) *Supervisor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Supervisor{store: store, interval: interval, recorder: recorder}
}

// Run executes passes every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info("Supervisor started", "interval", s.interval)
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("Supervision pass ended early", "error", err)
		}

		select {
		case <-ctx.Done():
			log.Info("Supervisor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass against one snapshot.
func (s *Supervisor) RunOnce(ctx context.Context) (PassSummary, error) {
	start := time.Now()
	var sum PassSummary

	snap, err := s.store.Read(ctx)
	if err != nil {
		return sum, fmt.Errorf("read agency: %w", err)
	}
	sum.Index = snap.Index()

	todos := snap.Keys(types.StatusToDo.Prefix())
	pendings := snap.Keys(types.StatusPending.Prefix())
	sum.ToDo, sum.Pending = len(todos), len(pendings)
	defer func() {
		s.recorder.ObservePass(sum.ToDo, sum.Pending, sum.Index, time.Since(start))
	}()

	for _, id := range todos {
		if err := s.step(ctx, snap, types.StatusToDo, types.JobID(id), &sum); err != nil {
			return sum, err
		}
	}
	for _, id := range pendings {
		if err := s.step(ctx, snap, types.StatusPending, types.JobID(id), &sum); err != nil {
			return sum, err
		}
	}

	if sum.Started+sum.Finished+sum.Failed > 0 {
		log.Info("Supervision pass",
			"index", sum.Index,
			"started", sum.Started,
			"finished", sum.Finished,
			"failed", sum.Failed,
			"errors", sum.Errors)
	}
	return sum, nil
}

// step advances one job. Only transient errors are returned.
func (s *Supervisor) step(ctx context.Context, snap *agency.Snapshot, status types.JobStatus, id types.JobID, sum *PassSummary) error {
	j, err := JobContext(ctx, snap, s.store, status, id)
	if err != nil {
		if isTransient(ctx, err) {
			return err
		}
		log.Error("Cannot load job", "jobId", id, "status", status, "error", err)
		sum.Errors++
		s.recorder.JobError("unknown")
		return nil
	}
	if j.State() != status {
		s.observe(j, sum)
		return nil
	}

	if status == types.StatusToDo {
		err = j.Run(ctx)
	} else {
		_, err = j.Status(ctx)
	}
	if err != nil {
		if isTransient(ctx, err) {
			return err
		}
		log.Error("Job step failed", "jobId", id, "status", status, "error", err)
		sum.Errors++
		s.recorder.JobError(string(j.Type()))
		return nil
	}
	if j.State() != status {
		s.observe(j, sum)
	}
	return nil
}

func (s *Supervisor) observe(j Job, sum *PassSummary) {
	switch j.State() {
	case types.StatusPending:
		sum.Started++
	case types.StatusFinished:
		sum.Finished++
	case types.StatusFailed:
		sum.Failed++
	default:
		return
	}
	s.recorder.JobTransition(string(j.Type()), j.State().String())
}

// ============================================================================
// 操作介面
// ============================================================================

// CreateCleanOut stores a new CleanOutServer job in ToDo.
func CreateCleanOut(ctx context.Context, store agency.Store, id types.JobID, server string) (bool, error) {
	snap, err := store.Read(ctx)
	if err != nil {
		return false, err
	}
	return NewCleanOutServer(snap, store, id, "", server).Create(ctx)
}

// AbortJob aborts the ToDo or Pending job id.
func AbortJob(ctx context.Context, store agency.Store, id types.JobID) error {
	snap, err := store.Read(ctx)
	if err != nil {
		return err
	}
	status := locate(snap, id)
	if status == types.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j, err := JobContext(ctx, snap, store, status, id)
	if err != nil {
		return err
	}
	return j.Abort(ctx)
}

// Listing is one persisted job record and where it was found.
type Listing struct {
	Status types.JobStatus
	Record types.Record
}

// ListJobs returns every job record in lifecycle then id order.
func ListJobs(snap *agency.Snapshot) ([]Listing, error) {
	var out []Listing
	var errs []error
	for _, st := range types.Statuses {
		for _, id := range snap.Keys(st.Prefix()) {
			var rec types.Record
			if err := snap.Decode(st.Path(types.JobID(id)), &rec); err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, Listing{Status: st, Record: rec})
		}
	}
	return out, errors.Join(errs...)
}
