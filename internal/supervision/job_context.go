package supervision

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

type loader func(ctx context.Context, snap *agency.Snapshot, store agency.Store, status types.JobStatus, id types.JobID, rec types.Record) (Job, error)

var loaders = map[types.JobType]loader{
	types.TypeCleanOutServer: loadCleanOutServer,
	types.TypeMoveShard:      loadMoveShard,
}

// JobContext reconstructs the persisted job id found under status as its
// concrete type. Unknown types fail closed with ErrUnknownJobType. A record
// of a known type that cannot be decoded is finalized as failed.
func JobContext(ctx context.Context, snap *agency.Snapshot, store agency.Store, status types.JobStatus, id types.JobID) (Job, error) {
	if status == types.StatusNotFound {
		return nil, fmt.Errorf("%w: %s has no status", ErrJobNotFound, id)
	}
	path := status.Path(id)
	if !snap.Has(path) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, path)
	}

	typ, err := snap.GetString(path + "/type")
	if err != nil {
		return nil, fmt.Errorf("%w: %s/type: %v", ErrUnknownJobType, path, err)
	}
	load, ok := loaders[types.JobType(typ)]
	if !ok {
		return nil, fmt.Errorf("%w: %q at %s", ErrUnknownJobType, typ, path)
	}

	var rec types.Record
	if err := snap.Decode(path, &rec); err != nil {
		return failMalformed(ctx, snap, store, types.JobType(typ), status, id, err)
	}
	return load(ctx, snap, store, status, id, rec)
}

// failMalformed ends an undecodable ToDo/Pending record as failed.
func failMalformed(ctx context.Context, snap *agency.Snapshot, store agency.Store, typ types.JobType, status types.JobStatus, id types.JobID, cause error) (Job, error) {
	if status.Terminal() || !errors.Is(cause, agency.ErrMalformed) {
		return nil, cause
	}
	j := &brokenJob{job: newJob(snap, store, typ, status, id, "")}
	reason := fmt.Sprintf("Failed to read job %s from agency: %v", id, cause)
	j.logger.Error(reason)
	if _, err := j.finish(ctx, "", "", false, reason); err != nil {
		return nil, err
	}
	return j, nil
}

// brokenJob is a record that could not be decoded. It only reports its state.
type brokenJob struct {
	job
}

func (j *brokenJob) Create(context.Context) (bool, error) { return false, nil }

func (j *brokenJob) CreateIn(txn agency.Transaction) agency.Transaction { return txn }

func (j *brokenJob) Start(context.Context) (bool, error) { return j.decline("record is malformed") }

func (j *brokenJob) Run(context.Context) error { return nil }

func (j *brokenJob) Status(context.Context) (types.JobStatus, error) { return j.status, nil }

func (j *brokenJob) Abort(ctx context.Context) error {
	if j.status != types.StatusToDo && j.status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrAbortTerminal, j.id, j.status)
	}
	_, err := j.finish(ctx, "", "", false, "job aborted")
	return err
}
