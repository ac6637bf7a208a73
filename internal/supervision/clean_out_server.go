package supervision

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

// CleanOutTimeout bounds how long a clean-out may wait for its moves.
const CleanOutTimeout = 2 * time.Hour

// CleanOutServer decommissions one DB server by moving every shard replica
// it holds to another available server.
type CleanOutServer struct {
	job
	server  string
	subJobs []types.JobID
}

var _ Job = (*CleanOutServer)(nil)

// NewCleanOutServer constructs a job that does not exist in the agency yet.
func NewCleanOutServer(snap *agency.Snapshot, store agency.Store, id, creator types.JobID, server string) *CleanOutServer {
	j := &CleanOutServer{
		job:    newJob(snap, store, types.TypeCleanOutServer, types.StatusNotFound, id, creator),
		server: server,
	}
	j.logger = j.logger.With("server", server)
	return j
}

// loadCleanOutServer rebuilds a persisted job. A record without a target
// server cannot make progress and is finalized as failed.
func loadCleanOutServer(ctx context.Context, snap *agency.Snapshot, store agency.Store, status types.JobStatus, id types.JobID, rec types.Record) (Job, error) {
	j := &CleanOutServer{
		job:     newJob(snap, store, types.TypeCleanOutServer, status, id, rec.Creator),
		server:  rec.Server,
		subJobs: rec.SubJobs,
	}
	j.logger = j.logger.With("server", rec.Server)
	if rec.Server != "" {
		return j, nil
	}

	reason := fmt.Sprintf("Failed to find job %s in agency: %s/server: %v", id, status.Path(id), agency.ErrNotFound)
	j.logger.Error(reason)
	if status.Terminal() {
		return j, nil
	}
	if _, err := j.finish(ctx, "", "", false, reason); err != nil {
		return nil, err
	}
	j.status = types.StatusFailed
	j.reason = reason
	return j, nil
}

// Server returns the DB server being cleaned out.
func (j *CleanOutServer) Server() string { return j.server }

// SubJobs returns the MoveShard ids scheduled by Start.
func (j *CleanOutServer) SubJobs() []types.JobID { return slices.Clone(j.subJobs) }

func (j *CleanOutServer) Create(ctx context.Context) (bool, error) {
	return j.create(ctx, j.CreateIn(agency.Transaction{}))
}

func (j *CleanOutServer) CreateIn(txn agency.Transaction) agency.Transaction {
	rec := j.newRecord()
	rec.Server = j.server
	return j.createIn(txn, rec)
}

func (j *CleanOutServer) Run(ctx context.Context) error {
	return j.run(ctx, j.Start, j.server)
}

// Start locks the server and schedules one MoveShard per affected shard,
// all in a single transaction. Any check that fails leaves the job in ToDo.
func (j *CleanOutServer) Start(ctx context.Context) (bool, error) {
	if j.status != types.StatusToDo {
		return j.decline(fmt.Sprintf("job is %s, not ToDo", j.status))
	}
	snap := j.snap

	if !snap.Has(plannedServers + "/" + j.server) {
		return j.decline("server does not exist as DBServer in Plan")
	}
	if snap.Has(blockedServersPrefix + j.server) {
		owner, _ := snap.GetString(blockedServersPrefix + j.server)
		return j.decline(fmt.Sprintf("server is currently locked by %q", owner))
	}
	if health := serverHealth(snap, j.server); health != healthGood {
		return j.decline("server is currently " + health)
	}

	cleaned, err := cleanedServerList(snap)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", cleanedServers, err)
	}
	if slices.Contains(cleaned, j.server) {
		return j.decline("server must not be in `Target/CleanedServers`")
	}
	if snap.Has(failedServers + "/" + j.server) {
		return j.decline("server must not be in `Target/FailedServers`")
	}

	reason, err := j.checkFeasibility()
	if err != nil {
		return false, err
	}
	if reason != "" {
		return j.decline("server " + j.server + " cannot be cleaned out: " + reason)
	}

	rec, err := j.todoRecord()
	if err != nil {
		return false, err
	}

	moves, subJobs, err := j.scheduleMoveShards(agency.Transaction{})
	if err != nil {
		if errors.Is(err, errNoDestination) {
			return j.decline("Could not schedule MoveShard: " + err.Error())
		}
		return false, err
	}
	rec.SubJobs = subJobs

	txn := j.promote(agency.Transaction{}, rec).
		Set(blockedServersPrefix+j.server, string(j.id)).
		Merge(moves).
		RequireEmpty(blockedServersPrefix + j.server)
	txn = requireServerGood(txn, j.server).
		RequireUnchanged(snap, failedServers).
		RequireUnchanged(snap, cleanedServers)

	ok, err := agency.SingleWrite(ctx, j.store, txn)
	if err != nil {
		return false, err
	}
	if !ok {
		return j.decline("Precondition failed for starting CleanOutServer job")
	}

	j.status = types.StatusPending
	j.subJobs = subJobs
	j.reason = ""
	j.logger.Info("Pending: Clean out server", "moves", len(subJobs))
	return true, nil
}

var (
	errNoDestination = errors.New("no servers remain as target for MoveShard")
	errSubJobMoved   = errors.New("sub job changed state during abort")
)

// scheduleMoveShards adds one MoveShard creation per shard replica on the
// server to txn. Shards of collections following another collection's
// distribution are moved with their leader collection and skipped here.
func (j *CleanOutServer) scheduleMoveShards(txn agency.Transaction) (agency.Transaction, []types.JobID, error) {
	servers, err := availableServers(j.snap)
	if err != nil {
		return txn, nil, err
	}

	var subJobs []types.JobID
	for _, database := range j.snap.Keys(planCollections) {
		dbPath := planCollections + "/" + database
		for _, collection := range j.snap.Keys(dbPath) {
			collPath := dbPath + "/" + collection
			if j.snap.Has(collPath + "/distributeShardsLike") {
				continue
			}

			for _, shard := range j.snap.Keys(collPath + "/shards") {
				holders, err := j.snap.GetStrings(collPath + "/shards/" + shard)
				if err != nil {
					return txn, nil, fmt.Errorf("shard %s/%s/%s: %w", database, collection, shard, err)
				}
				found := slices.Index(holders, j.server)
				if found == -1 {
					continue
				}

				candidates := slices.DeleteFunc(slices.Clone(servers), func(s string) bool {
					return slices.Contains(holders, s)
				})
				if len(candidates) == 0 {
					return txn, nil, fmt.Errorf("shard %s: %w", shard, errNoDestination)
				}
				to := candidates[randIntn(len(candidates))]

				id := types.SubJobID(j.id, len(subJobs))
				txn = NewMoveShard(j.snap, j.store, id, j.id, database, collection, shard, j.server, to, found == 0).CreateIn(txn)
				subJobs = append(subJobs, id)
			}
		}
	}
	return txn, subJobs, nil
}

// checkFeasibility returns a non-empty reason when the remaining servers
// cannot host every collection's replicas after the clean-out.
func (j *CleanOutServer) checkFeasibility() (string, error) {
	servers, err := availableServers(j.snap)
	if err != nil {
		return "", err
	}
	if len(servers) <= 1 {
		j.logger.Error("DB server is the last standing db server")
		return "last standing db server", nil
	}
	numRemaining := uint64(len(servers) - 1)

	var tooLarge []string
	for _, database := range j.snap.Keys(planCollections) {
		dbPath := planCollections + "/" + database
		for _, collection := range j.snap.Keys(dbPath) {
			n, err := j.snap.Get(dbPath + "/" + collection + "/replicationFactor")
			if errors.Is(err, agency.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", err
			}
			replFact, err := n.AsUint()
			if err != nil {
				return "", fmt.Errorf("collection %s/%s replicationFactor: %w", database, collection, err)
			}
			if replFact > numRemaining {
				tooLarge = append(tooLarge, fmt.Sprintf("%s (replicationFactor %d)", collection, replFact))
			}
		}
	}
	if len(tooLarge) > 0 {
		reason := fmt.Sprintf("cannot accommodate shards of %s with %d remaining servers",
			strings.Join(tooLarge, ", "), numRemaining)
		j.logger.Error(reason)
		return reason, nil
	}
	return "", nil
}

// Status drives a Pending clean-out. A failed move or an expired timeout
// aborts the whole job; once every move has finished the server is recorded
// in CleanedServers and released.
func (j *CleanOutServer) Status(ctx context.Context) (types.JobStatus, error) {
	if j.status != types.StatusPending {
		return j.status, nil
	}

	var outstanding, failed []types.JobID
	for _, sub := range j.subJobs {
		switch locate(j.snap, sub) {
		case types.StatusToDo, types.StatusPending:
			outstanding = append(outstanding, sub)
		case types.StatusFailed:
			failed = append(failed, sub)
		}
	}

	// one failed move dooms the clean-out; abort the siblings now instead of
	// waiting for them to finish
	if len(failed) > 0 {
		j.logger.Info("MoveShard failed, aborting clean out", "failed", failed)
		if err := j.abortWith(ctx, fmt.Sprintf("subjobs failed: %v", failed)); err != nil {
			return j.status, err
		}
		return types.StatusFailed, nil
	}

	if len(outstanding) > 0 {
		expired, err := j.expired()
		if err != nil {
			return j.status, err
		}
		if !expired {
			return types.StatusPending, nil
		}
		j.logger.Info("Clean out timed out", "outstanding", len(outstanding))
		if err := j.abortWith(ctx, "job timed out"); err != nil {
			return j.status, err
		}
		return types.StatusFailed, nil
	}

	var rec types.Record
	if err := j.snap.Decode(types.StatusPending.Path(j.id), &rec); err != nil {
		return j.status, fmt.Errorf("failed to get Pending record of %s: %w", j.id, err)
	}
	rec.TimeFinished = types.FormatTime(now())

	txn := agency.Transaction{}.
		Push(cleanedServers, j.server).
		Delete(types.StatusPending.Path(j.id)).
		Set(types.StatusFinished.Path(j.id), rec).
		Delete(blockedServersPrefix+j.server).
		RequirePresent(types.StatusPending.Path(j.id)).
		RequireEqual(blockedServersPrefix+j.server, string(j.id))

	ok, err := agency.SingleWrite(ctx, j.store, txn)
	if err != nil {
		return j.status, err
	}
	if !ok {
		j.logger.Error("Failed to report server in /Target/CleanedServers")
		return types.StatusFailed, nil
	}
	j.status = types.StatusFinished
	j.logger.Info("Have reported server in /Target/CleanedServers")
	return types.StatusFinished, nil
}

func (j *CleanOutServer) expired() (bool, error) {
	var created string
	n, err := j.snap.Get(types.StatusPending.Path(j.id) + "/timeCreated")
	if err == nil {
		created, err = n.AsString()
	}
	if err != nil {
		return false, fmt.Errorf("job %s timeCreated: %w", j.id, err)
	}
	t, err := types.ParseTime(created)
	if err != nil {
		return false, fmt.Errorf("job %s timeCreated: %w", j.id, agency.ErrMalformed)
	}
	return now().Sub(t) > CleanOutTimeout, nil
}

// Abort fails a ToDo job directly; a Pending job first aborts every move
// still outstanding and then releases the server.
func (j *CleanOutServer) Abort(ctx context.Context) error {
	return j.abortWith(ctx, "job aborted")
}

func (j *CleanOutServer) abortWith(ctx context.Context, reason string) error {
	switch j.status {
	case types.StatusToDo:
		_, err := j.finish(ctx, "", "", false, reason)
		return err
	case types.StatusPending:
	default:
		return fmt.Errorf("%w: %s is %s", ErrAbortTerminal, j.id, j.status)
	}

	var errs []error
	for _, sub := range j.subJobs {
		st := locate(j.snap, sub)
		if st != types.StatusToDo && st != types.StatusPending {
			continue
		}
		child, err := JobContext(ctx, j.snap, j.store, st, sub)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := child.Abort(ctx); err != nil && !errors.Is(err, ErrAbortTerminal) {
			errs = append(errs, fmt.Errorf("abort %s: %w", sub, err))
			continue
		}
		// a move started since our snapshot rejects the ToDo abort; retry
		// against a fresh snapshot rather than leave it running
		if !child.State().Terminal() {
			errs = append(errs, fmt.Errorf("abort %s: %w", sub, errSubJobMoved))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	_, err := j.finish(ctx, j.server, "", false, reason)
	return err
}
