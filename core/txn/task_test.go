package txn

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- fakes ---

type mapOracle struct {
	addrFor func(tableID, keyHash uint64) string
	flushed []uint64
}

func (o *mapOracle) Lookup(ctx context.Context, tableID, keyHash uint64) (SessionRef, error) {
	addr := o.addrFor(tableID, keyHash)
	return SessionRef{NodeID: addr, Addr: addr}, nil
}

func (o *mapOracle) Flush(tableID uint64) { o.flushed = append(o.flushed, tableID) }

type fakePending struct {
	result RPCResult
	err    error
}

func (p *fakePending) Ready() bool                { return true }
func (p *fakePending) Result() (RPCResult, error) { return p.result, p.err }

// scriptedSession replays one scripted response per SendRequest call,
// repeating its last entry for any call past the end of the script.
type scriptedSession struct {
	ref    SessionRef
	script []func() (RPCResult, error)
	calls  int
}

func (s *scriptedSession) Ref() SessionRef { return s.ref }

func (s *scriptedSession) SendRequest(ctx context.Context, kind RPCKind, payload []byte) (PendingRPC, error) {
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	result, err := s.script[idx]()
	return &fakePending{result: result, err: err}, nil
}

type mapSessionProvider struct {
	sessions map[string]*scriptedSession
}

func (p *mapSessionProvider) Get(ctx context.Context, ref SessionRef) (Session, error) {
	s, ok := p.sessions[ref.Addr]
	if !ok {
		return nil, fmt.Errorf("task_test: no session registered for %s", ref.Addr)
	}
	return s, nil
}

type recordingTransport struct {
	flushed []SessionRef
}

func (m *recordingTransport) FlushSession(ref SessionRef) { m.flushed = append(m.flushed, ref) }

type fixedLease struct{ lease Lease }

func (f fixedLease) GetLease(ctx context.Context) (Lease, error) { return f.lease, nil }

type seqTracker struct {
	next     uint64
	finished []uint64
}

func (t *seqTracker) NewRPCIDBlock(ctx context.Context, n int) (uint64, error) {
	first := t.next
	t.next += uint64(n)
	return first, nil
}
func (t *seqTracker) AckID() uint64               { return 0 }
func (t *seqTracker) RPCFinished(txID uint64)     { t.finished = append(t.finished, txID) }

func okVotes(n int) RPCResult {
	votes := make([]StatusCode, n)
	return RPCResult{Status: StatusOK, Votes: votes}
}

func runUntilDone(t *testing.T, task *Task, maxIterations int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxIterations && task.State() != TaskDone; i++ {
		task.PerformTask(ctx)
	}
	require.Equal(t, TaskDone, task.State(), "task did not reach DONE within %d iterations", maxIterations)
}

// --- scenarios ---

func TestTask_HappyPathCommit(t *testing.T) {
	oracle := &mapOracle{addrFor: func(tableID, keyHash uint64) string { return "nodeA" }}
	session := &scriptedSession{
		ref: SessionRef{NodeID: "nodeA", Addr: "nodeA"},
		script: []func() (RPCResult, error){
			func() (RPCResult, error) { return okVotes(2), nil },
			func() (RPCResult, error) { return RPCResult{Status: StatusOK}, nil },
		},
	}
	sessions := &mapSessionProvider{sessions: map[string]*scriptedSession{"nodeA": session}}
	tracker := &seqTracker{next: 1}

	task := NewTask(Deps{
		Oracle:    oracle,
		Sessions:  sessions,
		Lease:     fixedLease{Lease{LeaseID: 9}},
		Tracker:   tracker,
		Transport: &recordingTransport{},
		Logger:    zap.NewNop(),
	})
	_, err := task.Write(1, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = task.Write(1, []byte("k2"), []byte("v2"))
	require.NoError(t, err)

	runUntilDone(t, task, 20)

	require.Equal(t, StatusOK, task.Status())
	require.Equal(t, DecisionCommit, task.TxnDecision())
	require.Len(t, tracker.finished, 1)
}

func TestTask_RejectedVoteAbortsTransaction(t *testing.T) {
	oracle := &mapOracle{addrFor: func(tableID, keyHash uint64) string { return "nodeA" }}
	session := &scriptedSession{
		ref: SessionRef{NodeID: "nodeA", Addr: "nodeA"},
		script: []func() (RPCResult, error){
			func() (RPCResult, error) {
				return RPCResult{Status: StatusOK, Votes: []StatusCode{StatusOK, StatusRejected}}, nil
			},
			func() (RPCResult, error) { return RPCResult{Status: StatusOK}, nil },
		},
	}
	sessions := &mapSessionProvider{sessions: map[string]*scriptedSession{"nodeA": session}}

	task := NewTask(Deps{
		Oracle:    oracle,
		Sessions:  sessions,
		Lease:     fixedLease{Lease{LeaseID: 1}},
		Tracker:   &seqTracker{next: 1},
		Transport: &recordingTransport{},
		Logger:    zap.NewNop(),
	})
	_, _ = task.Write(1, []byte("k1"), []byte("v1"))
	_, _ = task.Write(1, []byte("k2"), []byte("v2"))

	runUntilDone(t, task, 20)

	require.Equal(t, StatusOK, task.Status())
	require.Equal(t, DecisionAbort, task.TxnDecision())
}

func TestTask_BatchesRespectMaxObjectsPerRPC(t *testing.T) {
	oracle := &mapOracle{addrFor: func(tableID, keyHash uint64) string { return "nodeA" }}
	session := &scriptedSession{
		ref: SessionRef{NodeID: "nodeA", Addr: "nodeA"},
		script: []func() (RPCResult, error){
			func() (RPCResult, error) { return okVotes(2), nil }, // first prepare batch: 2 ops
			func() (RPCResult, error) { return okVotes(1), nil }, // second prepare batch: 1 op
			func() (RPCResult, error) { return RPCResult{Status: StatusOK}, nil },
		},
	}
	sessions := &mapSessionProvider{sessions: map[string]*scriptedSession{"nodeA": session}}

	task := NewTask(Deps{
		Oracle:           oracle,
		Sessions:         sessions,
		Lease:            fixedLease{Lease{LeaseID: 1}},
		Tracker:          &seqTracker{next: 1},
		Transport:        &recordingTransport{},
		Logger:           zap.NewNop(),
		MaxObjectsPerRPC: 2,
	})
	for i := 0; i < 3; i++ {
		_, err := task.Write(1, []byte{byte('a' + i)}, []byte("v"))
		require.NoError(t, err)
	}

	runUntilDone(t, task, 20)

	require.Equal(t, StatusOK, task.Status())
	require.Equal(t, DecisionCommit, task.TxnDecision())
	require.Equal(t, 4, session.calls) // prepare and decision each split into two batches
}

func TestTask_TransportFaultRetriesAfterFlushingSession(t *testing.T) {
	oracle := &mapOracle{addrFor: func(tableID, keyHash uint64) string { return "nodeA" }}
	session := &scriptedSession{
		ref: SessionRef{NodeID: "nodeA", Addr: "nodeA"},
		script: []func() (RPCResult, error){
			func() (RPCResult, error) { return RPCResult{}, &TransportError{Err: fmt.Errorf("connection reset")} },
			func() (RPCResult, error) { return okVotes(2), nil },
			func() (RPCResult, error) { return RPCResult{Status: StatusOK}, nil },
		},
	}
	sessions := &mapSessionProvider{sessions: map[string]*scriptedSession{"nodeA": session}}
	transport := &recordingTransport{}

	task := NewTask(Deps{
		Oracle:    oracle,
		Sessions:  sessions,
		Lease:     fixedLease{Lease{LeaseID: 1}},
		Tracker:   &seqTracker{next: 1},
		Transport: transport,
		Logger:    zap.NewNop(),
	})
	_, _ = task.Write(1, []byte("k1"), []byte("v1"))
	_, _ = task.Write(1, []byte("k2"), []byte("v2"))

	runUntilDone(t, task, 20)

	require.Equal(t, StatusOK, task.Status())
	require.Equal(t, DecisionCommit, task.TxnDecision())
	require.Len(t, transport.flushed, 1)
	require.Equal(t, "nodeA", transport.flushed[0].Addr)
	require.Equal(t, []uint64{1}, oracle.flushed, "a transport fault must flush the affected tables' routes too, not just the session")
}

func TestTask_UnknownTabletFlushesRouteAndRetries(t *testing.T) {
	oracle := &mapOracle{addrFor: func(tableID, keyHash uint64) string { return "nodeA" }}
	session := &scriptedSession{
		ref: SessionRef{NodeID: "nodeA", Addr: "nodeA"},
		script: []func() (RPCResult, error){
			func() (RPCResult, error) { return RPCResult{Status: StatusUnknownTablet}, nil },
			func() (RPCResult, error) { return okVotes(1), nil },
			func() (RPCResult, error) { return RPCResult{Status: StatusOK}, nil },
		},
	}
	sessions := &mapSessionProvider{sessions: map[string]*scriptedSession{"nodeA": session}}

	task := NewTask(Deps{
		Oracle:    oracle,
		Sessions:  sessions,
		Lease:     fixedLease{Lease{LeaseID: 1}},
		Tracker:   &seqTracker{next: 1},
		Transport: &recordingTransport{},
		Logger:    zap.NewNop(),
	})
	_, _ = task.Write(5, []byte("k1"), []byte("v1"))

	runUntilDone(t, task, 20)

	require.Equal(t, StatusOK, task.Status())
	require.Equal(t, []uint64{5}, oracle.flushed)
}

func TestTask_FatalStatusAbandonsBothPipelinesAndJumpsToDone(t *testing.T) {
	oracle := &mapOracle{addrFor: func(tableID, keyHash uint64) string { return "nodeA" }}
	session := &scriptedSession{
		ref: SessionRef{NodeID: "nodeA", Addr: "nodeA"},
		script: []func() (RPCResult, error){
			func() (RPCResult, error) { return RPCResult{Status: StatusObjectDoesntExist}, nil },
		},
	}
	sessions := &mapSessionProvider{sessions: map[string]*scriptedSession{"nodeA": session}}
	tracker := &seqTracker{next: 1}

	task := NewTask(Deps{
		Oracle:    oracle,
		Sessions:  sessions,
		Lease:     fixedLease{Lease{LeaseID: 1}},
		Tracker:   tracker,
		Transport: &recordingTransport{},
		Logger:    zap.NewNop(),
	})
	_, _ = task.Write(1, []byte("k1"), []byte("v1"))

	runUntilDone(t, task, 20)

	require.Equal(t, StatusObjectDoesntExist, task.Status())
	require.Equal(t, DecisionInvalid, task.TxnDecision())
	require.Len(t, tracker.finished, 1)
	require.True(t, task.prepare.drained())
	require.True(t, task.decisionB.drained())
}
