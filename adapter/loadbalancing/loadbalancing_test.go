package loadbalancing

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daoengine/dtype"
)

func TestIsCoordinatorMoveSubtree(t *testing.T) {
	a := New("A", map[uint64]string{1: "A"}, nil)
	assert.True(t, a.IsCoordinator(&dtype.Op{Type: dtype.MoveSubtree, SubtreeEntry: 1}))

	b := New("B", map[uint64]string{1: "A"}, nil)
	assert.False(t, b.IsCoordinator(&dtype.Op{Type: dtype.MoveSubtree, SubtreeEntry: 1}))
}

func TestIsCoordinatorOOEChainHead(t *testing.T) {
	routes := map[uint64][]Hop{1: {{Server: "A", SubtreeEntry: 1}, {Server: "B", SubtreeEntry: 1}}}
	a := New("A", nil, routes)
	b := New("B", nil, routes)
	assert.True(t, a.IsCoordinator(&dtype.Op{Type: dtype.OOETest, SubtreeEntry: 1}))
	assert.False(t, b.IsCoordinator(&dtype.Op{Type: dtype.OOETest, SubtreeEntry: 1}))
}

func TestGetNextParticipantPopsChainHead(t *testing.T) {
	a := New("A", nil, nil)
	payload, err := json.Marshal(ChainPayload{Remaining: []Hop{
		{Server: "B", SubtreeEntry: 1},
		{Server: "C", SubtreeEntry: 1},
	}})
	require.NoError(t, err)

	next, rest := a.GetNextParticipant(payload)
	assert.Equal(t, dtype.Subtree{Server: "B", SubtreeEntry: 1}, next)

	next2, rest2 := a.GetNextParticipant(rest)
	assert.Equal(t, dtype.Subtree{Server: "C", SubtreeEntry: 1}, next2)

	next3, _ := a.GetNextParticipant(rest2)
	assert.True(t, next3.Empty(), "chain should be exhausted after popping every hop")
}

func TestGetNextParticipantEmptyChainIsLast(t *testing.T) {
	a := New("A", nil, nil)
	payload, err := json.Marshal(ChainPayload{})
	require.NoError(t, err)
	next, _ := a.GetNextParticipant(payload)
	assert.True(t, next.Empty())
}

func TestSetSendingAddressesMoveSubtreeRoleAware(t *testing.T) {
	payload, err := json.Marshal(MoveRequest{SubtreeEntry: 1, From: "A", To: "B"})
	require.NoError(t, err)

	coordinator := New("A", map[uint64]string{1: "A"}, nil)
	opCoord := &dtype.Op{Type: dtype.MoveSubtree, SubtreeEntry: 1, Payload: payload}
	require.NoError(t, coordinator.SetSendingAddresses(opCoord))
	assert.Equal(t, []dtype.Subtree{{Server: "B", SubtreeEntry: 1}}, opCoord.Participants)

	participant := New("B", map[uint64]string{1: "A"}, nil)
	opPart := &dtype.Op{Type: dtype.MoveSubtree, SubtreeEntry: 1, Payload: payload}
	require.NoError(t, participant.SetSendingAddresses(opPart))
	assert.Equal(t, []dtype.Subtree{{Server: "A", SubtreeEntry: 1}}, opPart.Participants)
}

func TestSetSendingAddressesOOEReturnsOnlyNeighbors(t *testing.T) {
	routes := map[uint64][]Hop{
		1: {
			{Server: "A", SubtreeEntry: 1},
			{Server: "B", SubtreeEntry: 1},
			{Server: "C", SubtreeEntry: 1},
		},
	}
	middle := New("B", nil, routes)
	op := &dtype.Op{Type: dtype.OOETest, SubtreeEntry: 1}
	require.NoError(t, middle.SetSendingAddresses(op))
	require.Len(t, op.Participants, 2)
	assert.Equal(t, "A", op.Participants[0].Server)
	assert.Equal(t, "C", op.Participants[1].Server)
}

func TestSetSendingAddressesOOEFirstHostHasNoPrevious(t *testing.T) {
	routes := map[uint64][]Hop{
		1: {
			{Server: "A", SubtreeEntry: 1},
			{Server: "B", SubtreeEntry: 1},
		},
	}
	head := New("A", nil, routes)
	op := &dtype.Op{Type: dtype.OOETest, SubtreeEntry: 1}
	require.NoError(t, head.SetSendingAddresses(op))
	require.Len(t, op.Participants, 2)
	assert.True(t, op.Participants[0].Empty())
	assert.Equal(t, "B", op.Participants[1].Server)
}

func TestMoveSubtreeExecuteAndUndo(t *testing.T) {
	a := New("A", map[uint64]string{1: "A"}, nil)
	payload, err := json.Marshal(MoveRequest{SubtreeEntry: 1, From: "A", To: "B"})
	require.NoError(t, err)

	require.True(t, a.HandleOperationRequest(10, payload))
	a.mu.Lock()
	assert.Equal(t, "B", a.owners[1])
	a.mu.Unlock()

	require.True(t, a.HandleOperationUndoRequest(10, payload))
	a.mu.Lock()
	assert.Equal(t, "A", a.owners[1])
	a.mu.Unlock()
}
