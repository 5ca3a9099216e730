package adapter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daoengine/dtype"
)

// fakeAdapter is a minimal in-memory Adapter test double.
type fakeAdapter struct {
	mu          sync.Mutex
	executed    []uint64
	undone      []uint64
	results     []uint64
	execOK      bool
	nextPart    dtype.Subtree
	nextPayload []byte
}

func (f *fakeAdapter) IsCoordinator(*dtype.Op) bool          { return true }
func (f *fakeAdapter) SetSendingAddresses(*dtype.Op) error   { return nil }
func (f *fakeAdapter) SetSubtreeEntryPoint(*dtype.Op) error  { return nil }
func (f *fakeAdapter) GetNextParticipant(payload []byte) (dtype.Subtree, []byte) {
	return f.nextPart, f.nextPayload
}
func (f *fakeAdapter) HandleOperationRequest(id uint64, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, id)
	return f.execOK
}
func (f *fakeAdapter) HandleOperationRerequest(id uint64, payload []byte) bool {
	return f.HandleOperationRequest(id, payload)
}
func (f *fakeAdapter) HandleOperationUndoRequest(id uint64, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undone = append(f.undone, id)
	return true
}
func (f *fakeAdapter) HandleOperationReundoRequest(id uint64, payload []byte) bool {
	return f.HandleOperationUndoRequest(id, payload)
}
func (f *fakeAdapter) HandleOperationResult(id uint64, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, id)
}

// fakeView collects InResults reported back by the registry's pump.
type fakeView struct {
	mu      sync.Mutex
	results []dtype.InResult
}

func (v *fakeView) ProvideOperationExecutionResult(res dtype.InResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.results = append(v.results, res)
}

func (v *fakeView) snapshot() []dtype.InResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]dtype.InResult, len(v.results))
	copy(out, v.results)
	return out
}

func TestRegistryDispatchesExecuteAndReportsResult(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := &fakeAdapter{execOK: true}
	view := &fakeView{}
	require.NoError(t, r.Register(dtype.MetaData, a, view))

	q, err := r.QueueFor(dtype.MetaData)
	require.NoError(t, err)
	q <- dtype.OutRequest{ID: 1, Tag: dtype.Execute, Payload: []byte("p"), PayloadLen: 1, Protocol: dtype.TwoPhaseCommit}

	require.Eventually(t, func() bool { return len(view.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	res := view.snapshot()[0]
	assert.Equal(t, uint64(1), res.ID)
	assert.Equal(t, dtype.ExecOK, res.Success)
}

func TestRegistryDispatchExecuteFailureReportsExecFail(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := &fakeAdapter{execOK: false}
	view := &fakeView{}
	require.NoError(t, r.Register(dtype.MetaData, a, view))

	q, err := r.QueueFor(dtype.MetaData)
	require.NoError(t, err)
	q <- dtype.OutRequest{ID: 2, Tag: dtype.Execute, Payload: []byte("p"), PayloadLen: 1, Protocol: dtype.TwoPhaseCommit}

	require.Eventually(t, func() bool { return len(view.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, dtype.ExecFail, view.snapshot()[0].Success)
}

func TestRegistryOOEExecuteCarriesNextParticipantAndPayload(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := &fakeAdapter{execOK: true, nextPart: dtype.Subtree{Server: "B", SubtreeEntry: 1}, nextPayload: []byte("trimmed")}
	view := &fakeView{}
	require.NoError(t, r.Register(dtype.LoadBalancing, a, view))

	q, err := r.QueueFor(dtype.LoadBalancing)
	require.NoError(t, err)
	q <- dtype.OutRequest{ID: 3, Tag: dtype.Execute, Payload: []byte("chain"), PayloadLen: 5, Protocol: dtype.OrderedOperationExecution}

	require.Eventually(t, func() bool { return len(view.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	res := view.snapshot()[0]
	assert.Equal(t, dtype.Subtree{Server: "B", SubtreeEntry: 1}, res.NextParticipant)
	assert.Equal(t, []byte("trimmed"), res.NextPayload)
}

func TestRegistryClientResponseInvokesHandleOperationResultOnly(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := &fakeAdapter{execOK: true}
	view := &fakeView{}
	require.NoError(t, r.Register(dtype.MetaData, a, view))

	q, err := r.QueueFor(dtype.MetaData)
	require.NoError(t, err)
	q <- dtype.OutRequest{ID: 4, Payload: dtype.ClientResponsePayload(true), PayloadLen: 0}

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.results) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, view.snapshot())
}

func TestRegistryRegisterTwiceErrors(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	require.NoError(t, r.Register(dtype.MetaData, &fakeAdapter{}, &fakeView{}))
	err := r.Register(dtype.MetaData, &fakeAdapter{}, &fakeView{})
	assert.Error(t, err)
}

func TestRegistryQueueForUnregisteredModuleErrors(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	_, err := r.QueueFor(dtype.LoadBalancing)
	assert.Error(t, err)
}

func TestRegistryGetReturnsBoundAdapter(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	a := &fakeAdapter{}
	require.NoError(t, r.Register(dtype.MetaData, a, &fakeView{}))
	got, err := r.Get(dtype.MetaData)
	require.NoError(t, err)
	assert.Same(t, a, got.(*fakeAdapter))
}
