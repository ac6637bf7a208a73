package supervision

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

var errShardMoved = errors.New("shard placement no longer matches move")

// MoveShard relocates one shard replica from one DB server to another.
// The destination is added as an extra follower first; the source is
// dropped once the destination reports the shard in Current.
type MoveShard struct {
	job
	database   string
	collection string
	shard      string
	from       string
	to         string
	isLeader   bool
}

var _ Job = (*MoveShard)(nil)

func NewMoveShard(snap *agency.Snapshot, store agency.Store, id, creator types.JobID,
	database, collection, shard, from, to string, isLeader bool) *MoveShard {
	j := &MoveShard{
		job:        newJob(snap, store, types.TypeMoveShard, types.StatusNotFound, id, creator),
		database:   database,
		collection: collection,
		shard:      shard,
		from:       from,
		to:         to,
		isLeader:   isLeader,
	}
	j.logger = j.logger.With("shard", shard, "from", from, "to", to)
	return j
}

func loadMoveShard(_ context.Context, snap *agency.Snapshot, store agency.Store, status types.JobStatus, id types.JobID, rec types.Record) (Job, error) {
	j := NewMoveShard(snap, store, id, rec.Creator, rec.Database, rec.Collection, rec.Shard, rec.FromServer, rec.ToServer, rec.IsLeader)
	j.status = status
	return j, nil
}

func (j *MoveShard) Shard() string    { return j.shard }
func (j *MoveShard) From() string     { return j.from }
func (j *MoveShard) To() string       { return j.to }
func (j *MoveShard) IsLeader() bool   { return j.isLeader }
func (j *MoveShard) Database() string { return j.database }

func (j *MoveShard) Collection() string { return j.collection }

func (j *MoveShard) planPath() string {
	return shardPlanPath(j.database, j.collection, j.shard)
}

func (j *MoveShard) Create(ctx context.Context) (bool, error) {
	return j.create(ctx, j.CreateIn(agency.Transaction{}))
}

func (j *MoveShard) CreateIn(txn agency.Transaction) agency.Transaction {
	rec := j.newRecord()
	rec.Database = j.database
	rec.Collection = j.collection
	rec.Shard = j.shard
	rec.FromServer = j.from
	rec.ToServer = j.to
	rec.IsLeader = j.isLeader
	return j.createIn(txn, rec)
}

func (j *MoveShard) Run(ctx context.Context) error {
	return j.run(ctx, j.Start, "")
}

// Start blocks the shard and adds the destination to its planned servers.
func (j *MoveShard) Start(ctx context.Context) (bool, error) {
	if j.status != types.StatusToDo {
		return j.decline(fmt.Sprintf("job is %s, not ToDo", j.status))
	}
	if j.snap.Has(blockedShardsPrefix + j.shard) {
		return j.decline("shard is currently locked")
	}
	if health := serverHealth(j.snap, j.to); health != healthGood {
		return j.decline("destination server is currently " + health)
	}

	holders, err := j.snap.GetStrings(j.planPath())
	if err != nil {
		return false, fmt.Errorf("failed to read plan of shard %s: %w", j.shard, err)
	}
	if !slices.Contains(holders, j.from) {
		return false, fmt.Errorf("%w: %s does not hold %s", errShardMoved, j.from, j.shard)
	}
	if slices.Contains(holders, j.to) {
		return false, fmt.Errorf("%w: %s already holds %s", errShardMoved, j.to, j.shard)
	}

	rec, err := j.todoRecord()
	if err != nil {
		return false, err
	}

	txn := j.promote(agency.Transaction{}, rec).
		Set(blockedShardsPrefix+j.shard, string(j.id)).
		Set(j.planPath(), append(slices.Clone(holders), j.to)).
		RequireEmpty(blockedShardsPrefix+j.shard).
		RequireEqual(j.planPath(), holders)
	txn = requireServerGood(txn, j.to)

	ok, err := agency.SingleWrite(ctx, j.store, txn)
	if err != nil {
		return false, err
	}
	if !ok {
		return j.decline("Precondition failed for starting MoveShard job")
	}
	j.status = types.StatusPending
	j.reason = ""
	j.logger.Info("Pending: Move shard")
	return true, nil
}

// Status finishes the move once the destination is in sync: the source is
// removed from the plan and, for a leader move, the destination takes over
// index 0.
func (j *MoveShard) Status(ctx context.Context) (types.JobStatus, error) {
	if j.status != types.StatusPending {
		return j.status, nil
	}

	current, err := j.snap.GetStrings(currentCollections + "/" + j.database + "/" + j.collection + "/" + j.shard + "/servers")
	if errors.Is(err, agency.ErrNotFound) || (err == nil && !slices.Contains(current, j.to)) {
		return types.StatusPending, nil
	}
	if err != nil {
		return j.status, err
	}

	holders, err := j.snap.GetStrings(j.planPath())
	if err != nil {
		return j.status, fmt.Errorf("failed to read plan of shard %s: %w", j.shard, err)
	}
	plan := slices.DeleteFunc(slices.Clone(holders), func(s string) bool {
		return s == j.from || s == j.to
	})
	if j.isLeader {
		plan = append([]string{j.to}, plan...)
	} else {
		plan = append(plan, j.to)
	}

	txn := agency.Transaction{}.
		Set(j.planPath(), plan).
		RequireEqual(j.planPath(), holders).
		Merge(j.finishTxn("", j.shard, true, ""))

	ok, err := j.commitFinish(ctx, txn, true, "")
	if err != nil {
		return j.status, err
	}
	if !ok {
		return types.StatusPending, nil
	}
	return types.StatusFinished, nil
}

func (j *MoveShard) Abort(ctx context.Context) error {
	switch j.status {
	case types.StatusToDo:
		_, err := j.finish(ctx, "", "", false, "job aborted")
		return err
	case types.StatusPending:
		txn := agency.Transaction{}.
			Erase(j.planPath(), j.to).
			Merge(j.finishTxn("", j.shard, false, "job aborted"))
		_, err := j.commitFinish(ctx, txn, false, "job aborted")
		return err
	default:
		return fmt.Errorf("%w: %s is %s", ErrAbortTerminal, j.id, j.status)
	}
}
