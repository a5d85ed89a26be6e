package txn

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Decision is the globally consistent two-phase-commit outcome.
type Decision int

const (
	DecisionInvalid Decision = iota
	DecisionCommit
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionCommit:
		return "COMMIT"
	case DecisionAbort:
		return "ABORT"
	default:
		return "INVALID"
	}
}

// TaskState is one of the four states the transaction state machine
// sequences through.
type TaskState int

const (
	TaskInit TaskState = iota
	TaskPrepare
	TaskDecision
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskInit:
		return "INIT"
	case TaskPrepare:
		return "PREPARE"
	case TaskDecision:
		return "DECISION"
	case TaskDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

var taskIDSeq atomic.Uint64

// Task is a reusable transaction task: the state machine described in
// wired to the narrow collaborator interfaces in interfaces.go.
//
// A Task is single-threaded by contract: PerformTask, the
// staging methods, and any Session completion callback a caller wires
// in must all run on the same poll thread. Task applies no internal
// locking.
type Task struct {
	id uint64

	cache           *CommitCache
	participantList []byte
	lease           Lease
	txID            uint64

	decision Decision
	status   StatusCode

	state TaskState

	oracle      LocationOracle
	sessions    SessionProvider
	clientLease ClientLease
	tracker     RPCTracker
	transport   TransportManager

	prepare   *batcher
	decisionB *batcher

	launchLimiter *rate.Limiter

	log     *zap.Logger
	metrics *TaskMetrics

	startedAt int64 // unix nanos, set on first PerformTask call
	pollFn    func()
}

// Deps bundles the collaborators a Task needs. All fields are required
// except Metrics (nil disables instrumentation) and Poll (nil makes
// TryFinish a no-op, appropriate for tests that drive fakes
// synchronously).
type Deps struct {
	Oracle    LocationOracle
	Sessions  SessionProvider
	Lease     ClientLease
	Tracker   RPCTracker
	Transport TransportManager
	Logger    *zap.Logger
	Metrics   *TaskMetrics
	// Poll is invoked by TryFinish to let the host event loop advance
	// the transport. Production callers wire in their client's poll
	// loop; it is optional because PerformTask never depends on it
	// being called synchronously.
	Poll func()

	MaxObjectsPerRPC int
	// MaxRPCsPerSecond caps how often the prepare and decision batchers
	// may launch a new RPC, shared across both pipelines. Zero (or a
	// negative value) selects DefaultMaxRPCsPerSecond.
	MaxRPCsPerSecond int
}

// NewTask constructs a task in state INIT with an empty cache.
func NewTask(deps Deps) *Task {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	maxObjects := deps.MaxObjectsPerRPC
	if maxObjects <= 0 {
		maxObjects = DefaultMaxObjectsPerRPC
	}
	rpcsPerSecond := deps.MaxRPCsPerSecond
	if rpcsPerSecond <= 0 {
		rpcsPerSecond = DefaultMaxRPCsPerSecond
	}

	t := &Task{
		id:            taskIDSeq.Add(1),
		cache:         NewCommitCache(),
		state:         TaskInit,
		oracle:        deps.Oracle,
		sessions:      deps.Sessions,
		clientLease:   deps.Lease,
		tracker:       deps.Tracker,
		transport:     deps.Transport,
		launchLimiter: rate.NewLimiter(rate.Limit(rpcsPerSecond), rpcsPerSecond),
		log:           deps.Logger,
		metrics:       deps.Metrics,
		pollFn:        deps.Poll,
	}
	t.prepare = newPrepareBatcher(t, maxObjects)
	t.decisionB = newDecisionBatcher(t, maxObjects)
	return t
}

// DefaultMaxObjectsPerRPC bounds how many participants a single prepare
// or decision RPC may carry.
const DefaultMaxObjectsPerRPC = 64

// DefaultMaxRPCsPerSecond bounds how many prepare or decision RPCs a
// task may launch per second absent an explicit Deps.MaxRPCsPerSecond,
// the same throttle shape GojoDB's own storage engine applies to bulk
// copies via golang.org/x/time/rate.
const DefaultMaxRPCsPerSecond = 500

// hashKey derives the CacheKey's KeyHash component from raw key bytes.
// xxhash is already in GojoDB's dependency closure (pulled in
// transitively by prometheus/client_golang); promoting it to a direct
// import here avoids hand-rolling a hash for something the ecosystem
// already solves well.
func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Read stages a read of tableId/key.
func (t *Task) Read(tableID uint64, key []byte, rules ...RejectRule) (*CacheEntry, error) {
	return t.stage(tableID, key, nil, OpRead, rules)
}

// Write stages a write of tableId/key with value.
func (t *Task) Write(tableID uint64, key, value []byte, rules ...RejectRule) (*CacheEntry, error) {
	return t.stage(tableID, key, value, OpWrite, rules)
}

// Remove stages a removal of tableId/key.
func (t *Task) Remove(tableID uint64, key []byte, rules ...RejectRule) (*CacheEntry, error) {
	return t.stage(tableID, key, nil, OpRemove, rules)
}

func (t *Task) stage(tableID uint64, key, value []byte, op OpType, rules []RejectRule) (*CacheEntry, error) {
	ck := CacheKey{TableID: tableID, KeyHash: hashKey(key)}
	return t.cache.InsertCacheEntry(ck, key, value, op, rules)
}

// FindCacheEntry exposes CommitCache.FindCacheEntry for callers that
// want read-your-writes semantics before staging a duplicate.
func (t *Task) FindCacheEntry(tableID uint64, key []byte) *CacheEntry {
	ck := CacheKey{TableID: tableID, KeyHash: hashKey(key)}
	return t.cache.FindCacheEntry(ck, key)
}

// Status returns the terminal status. Only meaningful once State() ==
// TaskDone.
func (t *Task) Status() StatusCode { return t.status }

// TxnDecision returns the terminal decision. Only meaningful once
// State() == TaskDone.
func (t *Task) TxnDecision() Decision { return t.decision }

// State returns the task's current state.
func (t *Task) State() TaskState { return t.state }

// TryFinish ensures the host event loop runs so outstanding RPCs can
// make progress; PerformTask never blocks on the network itself.
func (t *Task) TryFinish() {
	if t.pollFn != nil {
		t.pollFn()
	}
}

// PerformTask advances the state machine by one increment: at most one
// send and one drain sweep per call. It is idempotent once State() ==
// TaskDone. Forward progress across calls requires the caller to also
// invoke TryFinish (or otherwise poll the transport) between calls.
func (t *Task) PerformTask(ctx context.Context) {
	if t.state == TaskInit {
		if t.startedAt == 0 {
			t.startedAt = monotonicNow()
		}
		if t.metrics != nil {
			t.metrics.taskStarted(ctx)
		}
		if err := t.runInit(ctx); err != nil {
			t.fail(ctx, err)
			return
		}
		t.cache.Freeze()
		t.state = TaskPrepare
		t.cache.RewindCursor()
		return
	}

	switch t.state {
	case TaskPrepare:
		if err := t.prepare.process(ctx); err != nil {
			t.fail(ctx, err)
			return
		}
		t.prepare.send(ctx)
		if t.prepare.drained() && t.cache.AtEnd() {
			if t.decision != DecisionAbort {
				t.decision = DecisionCommit
			}
			t.state = TaskDecision
			t.cache.RewindCursor()
		}

	case TaskDecision:
		if err := t.decisionB.process(ctx); err != nil {
			t.fail(ctx, err)
			return
		}
		t.decisionB.send(ctx)
		if t.decisionB.drained() && t.cache.AtEnd() {
			t.finish(ctx, StatusOK)
		}

	case TaskDone:
		// idempotent
	}
}

func (t *Task) runInit(ctx context.Context) error {
	lease, txID, list, err := buildParticipantList(ctx, t.cache, t.clientLease, t.tracker)
	if err != nil {
		return fmt.Errorf("txn: init failed: %w", err)
	}
	t.lease = lease
	t.txID = txID
	t.participantList = list
	return nil
}

// fail is the fatal-error path: clear both pipelines,
// record status, surrender the id range, jump straight to DONE.
func (t *Task) fail(ctx context.Context, err error) {
	status := StatusInternalError
	var fe *FatalError
	if errors.As(err, &fe) {
		status = fe.Status
	}
	t.log.Error("transaction task failed fatally",
		zap.Uint64("task_id", t.id), zap.Stringer("status", status), zap.Error(err))

	t.prepare.abandon()
	t.decisionB.abandon()
	t.finish(ctx, status)
}

func (t *Task) finish(ctx context.Context, status StatusCode) {
	t.status = status
	t.state = TaskDone
	if t.participantList != nil {
		t.tracker.RPCFinished(t.txID)
	}
	elapsed := (monotonicNow() - t.startedAt) / 1e6
	if t.metrics != nil {
		t.metrics.taskDone(ctx, t.status, t.decision, elapsed)
	}
}
