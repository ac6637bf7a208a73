// ============================================================================
// Supervision Job - 任務生命週期
// ============================================================================
//
// Package: internal/supervision
// File: job.go
// 功能: 所有 agency 任務共用的生命週期與交易輔助函式
//
// 任務狀態轉換 (State Machine):
//   NotFound
//      ↓ Create()
//   ToDo      ── Abort() ──────────────────┐
//      ↓ Start()  (取得節點鎖、排程子任務)     │
//   Pending   ── Status(): 逾時/子任務失敗 ─→ Failed
//      ↓ Status(): 全部子任務成功
//   Finished
//
// 規則:
//   - 所有決策只讀取建構時傳入的 Snapshot
//   - 所有寫入都是一個帶前置條件的 agency 交易，不會部分套用
//   - 任務紀錄同一時間只存在於 ToDo/Pending/Finished/Failed 其中之一：
//     移動紀錄時在同一個交易內刪除舊位置、寫入新位置，並要求舊位置仍存在
//   - 終止狀態（Finished/Failed）不再被修改
//
// ============================================================================

package supervision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

var log = slog.With("component", "supervision")

// 可在測試中替換
var (
	now      = time.Now
	randIntn = rand.IntN
)

var (
	// ErrAbortTerminal 終止或不存在的任務無法中止
	ErrAbortTerminal = errors.New("supervision: cannot abort job beyond pending stage")
	// ErrUnknownJobType 紀錄的 type 無法辨識
	ErrUnknownJobType = errors.New("supervision: unknown job type")
	// ErrJobNotFound 指定狀態下找不到任務紀錄
	ErrJobNotFound = errors.New("supervision: job not found")
)

// Agency layout.
const (
	planCollections      = "/Plan/Collections"
	plannedServers       = "/Plan/DBServers"
	currentCollections   = "/Current/Collections"
	cleanedServers       = "/Target/CleanedServers"
	failedServers        = "/Target/FailedServers"
	blockedServersPrefix = "/Supervision/DBServers/"
	blockedShardsPrefix  = "/Supervision/Shards/"
	healthPrefix         = "/Supervision/Health/"
)

const healthGood = "GOOD"

// Job is one maintenance operation persisted in the agency.
type Job interface {
	ID() types.JobID
	Type() types.JobType
	// State is the status the job was last observed or driven into.
	State() types.JobStatus
	// Reason explains the last declined start or terminal outcome.
	Reason() string

	// Create persists the job in ToDo with its own transaction.
	Create(ctx context.Context) (bool, error)
	// CreateIn adds the job's creation to txn and returns the result.
	CreateIn(txn agency.Transaction) agency.Transaction
	// Start promotes ToDo to Pending. False means "not now"; the record stays in ToDo.
	Start(ctx context.Context) (bool, error)
	// Run starts a ToDo job, finalizing it as failed on internal errors.
	Run(ctx context.Context) error
	// Status re-evaluates a Pending job against the snapshot.
	Status(ctx context.Context) (types.JobStatus, error)
	// Abort ends a ToDo or Pending job as failed.
	Abort(ctx context.Context) error
}

// job holds what every concrete job shares.
type job struct {
	snap    *agency.Snapshot
	store   agency.Store
	id      types.JobID
	creator types.JobID
	typ     types.JobType
	status  types.JobStatus
	reason  string

	// record written by CreateIn; the snapshot does not contain it yet
	created *types.Record
	logger  *slog.Logger
}

func newJob(snap *agency.Snapshot, store agency.Store, typ types.JobType, status types.JobStatus, id, creator types.JobID) job {
	return job{
		snap:    snap,
		store:   store,
		id:      id,
		creator: creator,
		typ:     typ,
		status:  status,
		logger:  log.With("jobId", string(id), "type", string(typ)),
	}
}

func (j *job) ID() types.JobID        { return j.id }
func (j *job) Type() types.JobType    { return j.typ }
func (j *job) State() types.JobStatus { return j.status }
func (j *job) Reason() string         { return j.reason }

// decline records why a start attempt was refused; the job stays in ToDo.
func (j *job) decline(reason string) (bool, error) {
	j.reason = reason
	j.logger.Debug("Not starting job", "reason", reason)
	return false, nil
}

// newRecord is the ToDo record of a job created now.
func (j *job) newRecord() types.Record {
	return types.Record{
		Type:        j.typ,
		JobID:       j.id,
		Creator:     j.creator,
		TimeCreated: types.FormatTime(now()),
	}
}

// createIn writes rec into ToDo and guards that the id is unused everywhere.
func (j *job) createIn(txn agency.Transaction, rec types.Record) agency.Transaction {
	txn = txn.Set(types.StatusToDo.Path(j.id), rec)
	for _, st := range types.Statuses {
		txn = txn.RequireEmpty(st.Path(j.id))
	}
	j.created = &rec
	j.status = types.StatusToDo
	return txn
}

// create submits the creation transaction on its own.
func (j *job) create(ctx context.Context, txn agency.Transaction) (bool, error) {
	ok, err := agency.SingleWrite(ctx, j.store, txn)
	if err != nil {
		j.status = types.StatusNotFound
		return false, err
	}
	if !ok {
		j.status = types.StatusNotFound
		j.logger.Info("Failed to insert job")
		return false, nil
	}
	j.logger.Debug("Job created")
	return true, nil
}

// todoRecord returns the ToDo record, preferring one created in this pass.
func (j *job) todoRecord() (types.Record, error) {
	if j.created != nil {
		return *j.created, nil
	}
	var rec types.Record
	if err := j.snap.Decode(types.StatusToDo.Path(j.id), &rec); err != nil {
		return types.Record{}, fmt.Errorf("failed to get ToDo record of %s: %w", j.id, err)
	}
	return rec, nil
}

// currentRecord returns the record at the job's current status location.
func (j *job) currentRecord() (types.Record, error) {
	if j.status == types.StatusToDo {
		return j.todoRecord()
	}
	var rec types.Record
	if err := j.snap.Decode(j.status.Path(j.id), &rec); err != nil {
		return types.Record{}, fmt.Errorf("failed to get %s record of %s: %w", j.status, j.id, err)
	}
	return rec, nil
}

// promote moves rec from ToDo to Pending inside txn.
func (j *job) promote(txn agency.Transaction, rec types.Record) agency.Transaction {
	rec.TimeStarted = types.FormatTime(now())
	return txn.
		Set(types.StatusPending.Path(j.id), rec).
		Delete(types.StatusToDo.Path(j.id)).
		RequirePresent(types.StatusToDo.Path(j.id)).
		RequireEmpty(types.StatusPending.Path(j.id))
}

// finishTxn builds the transaction moving the job from ToDo or Pending to
// Finished or Failed. Server and shard locks are released only when this job
// holds them according to the snapshot.
func (j *job) finishTxn(server, shard string, success bool, reason string) agency.Transaction {
	rec, err := j.currentRecord()
	if err != nil {
		rec = types.Record{Type: j.typ, JobID: j.id, Creator: j.creator}
	}
	rec.Reason = reason
	rec.TimeFinished = types.FormatTime(now())

	target := types.StatusFailed
	if success {
		target = types.StatusFinished
	}

	txn := agency.Transaction{}.
		Delete(types.StatusToDo.Path(j.id)).
		Delete(types.StatusPending.Path(j.id)).
		Set(target.Path(j.id), rec)
	if j.status == types.StatusToDo || j.status == types.StatusPending {
		txn = txn.RequirePresent(j.status.Path(j.id))
	}
	txn = txn.RequireEmpty(types.StatusFinished.Path(j.id)).RequireEmpty(types.StatusFailed.Path(j.id))

	if server != "" && j.holds(blockedServersPrefix+server) {
		txn = txn.Delete(blockedServersPrefix+server).RequireEqual(blockedServersPrefix+server, string(j.id))
	}
	if shard != "" && j.holds(blockedShardsPrefix+shard) {
		txn = txn.Delete(blockedShardsPrefix+shard).RequireEqual(blockedShardsPrefix+shard, string(j.id))
	}
	return txn
}

func (j *job) holds(lockPath string) bool {
	owner, err := j.snap.GetString(lockPath)
	return err == nil && owner == string(j.id)
}

// commitFinish submits a finish transaction and updates the local status.
func (j *job) commitFinish(ctx context.Context, txn agency.Transaction, success bool, reason string) (bool, error) {
	ok, err := agency.SingleWrite(ctx, j.store, txn)
	if err != nil {
		return false, err
	}
	if !ok {
		j.logger.Info("Precondition failed finishing job", "success", success, "reason", reason)
		return false, nil
	}
	j.reason = reason
	if success {
		j.status = types.StatusFinished
		j.logger.Info("Job finished")
	} else {
		j.status = types.StatusFailed
		j.logger.Info("Job failed", "reason", reason)
	}
	return true, nil
}

// finish moves the job to Finished/Failed and releases its locks.
func (j *job) finish(ctx context.Context, server, shard string, success bool, reason string) (bool, error) {
	return j.commitFinish(ctx, j.finishTxn(server, shard, success, reason), success, reason)
}

// run is the shared Run implementation: transport and context errors are
// returned for the next pass, every other error ends the job as failed.
func (j *job) run(ctx context.Context, start func(context.Context) (bool, error), server string) error {
	if j.status != types.StatusToDo {
		return nil
	}
	_, err := start(ctx)
	if err == nil || isTransient(ctx, err) {
		return err
	}
	j.logger.Error("Failed to start job", "error", err)
	if _, ferr := j.finish(ctx, server, "", false, err.Error()); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

func isTransient(ctx context.Context, err error) bool {
	return errors.Is(err, agency.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

// ============================================================================
// Snapshot 查詢輔助函式
// ============================================================================

// serverHealth returns the reported health of server, "UNKNOWN" if absent.
func serverHealth(snap *agency.Snapshot, server string) string {
	status, err := snap.GetString(healthPrefix + server + "/Status")
	if err != nil {
		return "UNKNOWN"
	}
	return status
}

// requireServerGood guards that server still reports GOOD.
func requireServerGood(txn agency.Transaction, server string) agency.Transaction {
	return txn.RequireEqual(healthPrefix+server+"/Status", healthGood)
}

// cleanedServerList returns Target/CleanedServers; absent means empty.
func cleanedServerList(snap *agency.Snapshot) ([]string, error) {
	list, err := snap.GetStrings(cleanedServers)
	if errors.Is(err, agency.ErrNotFound) {
		return nil, nil
	}
	return list, err
}

// availableServers are the planned DB servers that are neither cleaned out
// nor failed, in lexical order.
func availableServers(snap *agency.Snapshot) ([]string, error) {
	cleaned, err := cleanedServerList(snap)
	if err != nil {
		return nil, err
	}
	failed := snap.Keys(failedServers)

	var out []string
	for _, s := range snap.Keys(plannedServers) {
		if slices.Contains(cleaned, s) || slices.Contains(failed, s) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// locate finds the status directory currently holding id.
func locate(snap *agency.Snapshot, id types.JobID) types.JobStatus {
	for _, st := range types.Statuses {
		if snap.Has(st.Path(id)) {
			return st
		}
	}
	return types.StatusNotFound
}

func shardPlanPath(database, collection, shard string) string {
	return planCollections + "/" + database + "/" + collection + "/shards/" + shard
}
