package engine

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daoengine/adapter"
	"daoengine/adapter/loadbalancing"
	"daoengine/adapter/metadata"
	"daoengine/dtype"
	"daoengine/wire"
)

// TestRecoveryParticipantCrashAfterStart: a participant receives
// TPCOpReq, writes only the Start record, and crashes before voting.
// Recovery must reconstruct the row in TPCPartComp, fill its participants
// via the adapter, and re-forward execution (Redo) so the operation
// proceeds exactly as if the crash never happened.
func TestRecoveryParticipantCrashAfterStart(t *testing.T) {
	const (
		self         = "127.0.0.1:7002"
		coordinator  = "127.0.0.1:7001"
		subtreeEntry = 7
		id           = 4242
	)

	payload, err := json.Marshal(metadata.Mutation{
		SubtreeEntry: subtreeEntry,
		NewName:      "renamed",
		Coordinator:  coordinator,
	})
	require.NoError(t, err)

	provider := newMemProvider()
	j, err := provider.For(subtreeEntry)
	require.NoError(t, err)
	require.NoError(t, j.AddDistributed(id, dtype.MetaData, dtype.Rename, dtype.LogStart, 0, payload))

	tr := newFakeTransport()
	reg := adapter.NewRegistry()
	eng := New(self, provider, reg, tr, longTimeouts())
	mdAdapter := metadata.New(self)
	require.NoError(t, reg.Register(dtype.MetaData, mdAdapter, eng))
	require.NoError(t, reg.Register(dtype.LoadBalancing, loadbalancing.New(self, nil, nil), eng))

	go eng.Run()
	t.Cleanup(eng.Stop)
	t.Cleanup(reg.Close)
	require.True(t, waitUntil(func() bool { return eng.recovered.Load() }), "engine never finished recovery")

	// The row must be reconstructed as a non-coordinator participant with
	// the coordinator recovered as its sole peer (SetSendingAddresses), and
	// driven forward by a re-forwarded Execute (Redo) rather than left idle:
	// the status advances past TPCPartComp without any inbound message.
	require.True(t, waitUntil(func() bool {
		eng.stateMutex.Lock()
		defer eng.stateMutex.Unlock()
		r, ok := eng.table[id]
		return ok && r.op.Status == dtype.TPCPartWaitVReqYes
	}), "recovered participant row never progressed past redo-execute")

	eng.stateMutex.Lock()
	r := eng.table[id]
	eng.stateMutex.Unlock()
	require.NotNil(t, r)
	assert.False(t, r.coordinator)
	require.Len(t, r.op.Participants, 1)
	assert.Equal(t, coordinator, r.op.Participants[0].Server)

	// Subsequent coordinator messages find the recovered row and the
	// participant proceeds normally.
	eng.HandleRequest(coordinator, wire.Message{Kind: wire.TPCVoteReq, OperationID: id})
	require.True(t, waitUntil(func() bool { return tr.countKind(wire.TPCVoteY) == 1 }), "participant never voted yes after recovering")

	eng.HandleRequest(coordinator, wire.Message{Kind: wire.TPCCommit, OperationID: id})
	require.True(t, waitUntil(func() bool { return tr.countKind(wire.TPCAck) == 1 }), "participant never acked commit after recovering")
}

// TestRecoveryCoordinatorProbesParticipantsAfterVoteStart reconstructs a
// coordinator row whose last durable record is TPCIVoteStart (votes were
// requested, none counted yet, before the crash). Recovery must infer
// TPCCoordinatorVReqSend and probe every participant with a StatusRequest
// rather than silently waiting out the first step timeout.
func TestRecoveryCoordinatorProbesParticipantsAfterVoteStart(t *testing.T) {
	const (
		self         = "127.0.0.1:7001"
		p1           = "127.0.0.1:7002"
		p2           = "127.0.0.1:7003"
		subtreeEntry = 3
		id           = 9001
	)

	payload, err := json.Marshal(metadata.Mutation{
		SubtreeEntry: subtreeEntry,
		NewName:      "renamed",
		Coordinator:  self,
		Participants: []dtype.Subtree{{Server: p1, SubtreeEntry: subtreeEntry}, {Server: p2, SubtreeEntry: subtreeEntry}},
	})
	require.NoError(t, err)

	provider := newMemProvider()
	j, err := provider.For(subtreeEntry)
	require.NoError(t, err)
	require.NoError(t, j.AddDistributed(id, dtype.MetaData, dtype.Rename, dtype.LogStart, 0, payload))
	require.NoError(t, j.AddDistributed(id, dtype.MetaData, dtype.Rename, dtype.LogUpdate, dtype.TPCIVoteStart, nil))

	tr := newFakeTransport()
	reg := adapter.NewRegistry()
	eng := New(self, provider, reg, tr, longTimeouts())
	require.NoError(t, reg.Register(dtype.MetaData, metadata.New(self), eng))
	require.NoError(t, reg.Register(dtype.LoadBalancing, loadbalancing.New(self, nil, nil), eng))

	go eng.Run()
	t.Cleanup(eng.Stop)
	t.Cleanup(reg.Close)
	require.True(t, waitUntil(func() bool { return eng.recovered.Load() }), "engine never finished recovery")

	eng.stateMutex.Lock()
	r, ok := eng.table[id]
	eng.stateMutex.Unlock()
	require.True(t, ok, "recovered coordinator row missing from table")
	assert.True(t, r.coordinator)
	assert.Equal(t, dtype.TPCCoordinatorVReqSend, r.op.Status)

	require.True(t, waitUntil(func() bool { return tr.countKind(wire.StatusRequest) >= 2 }), "recovered coordinator never probed its participants")
	sent := tr.snapshot()
	probed := map[string]bool{}
	for _, s := range sent {
		if s.msg.Kind == wire.StatusRequest {
			probed[s.to] = true
		}
	}
	assert.True(t, probed[p1])
	assert.True(t, probed[p2])

	// The coordinator's own vote tally still needs fresh Yes votes from
	// both participants before it can commit, exactly as an un-crashed
	// coordinator would.
	eng.HandleRequest(p1, wire.Message{Kind: wire.TPCVoteY, OperationID: id})
	eng.HandleRequest(p2, wire.Message{Kind: wire.TPCVoteY, OperationID: id})
	require.True(t, waitUntil(func() bool { return tr.countKind(wire.TPCCommit) == 2 }), "recovered coordinator never committed after both votes")
}
