package dtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolFor(t *testing.T) {
	cases := []struct {
		typ  OperationType
		want Protocol
		ok   bool
	}{
		{Rename, TwoPhaseCommit, true},
		{ChangePartitionOwnership, TwoPhaseCommit, true},
		{SetAttr, TwoPhaseCommit, true},
		{MoveSubtree, ModifiedTwoPhaseCommit, true},
		{OOETest, OrderedOperationExecution, true},
		{OOELBTest, OrderedOperationExecution, true},
		{OperationType(255), 0, false},
	}
	for _, c := range cases {
		got, ok := ProtocolFor(c.typ)
		assert.Equal(t, c.ok, ok)
		if ok {
			assert.Equal(t, c.want, got)
		}
	}
}

func TestUndoable(t *testing.T) {
	assert.True(t, Undoable(MoveSubtree))
	assert.False(t, Undoable(Rename))
	assert.False(t, Undoable(SetAttr))
	assert.False(t, Undoable(ChangePartitionOwnership))
}

func TestSubtreeEmpty(t *testing.T) {
	assert.True(t, Subtree{}.Empty())
	assert.False(t, Subtree{Server: "127.0.0.1:6001"}.Empty())
}

func TestClientResponsePayload(t *testing.T) {
	assert.Equal(t, []byte{1}, ClientResponsePayload(true))
	assert.Equal(t, []byte{0}, ClientResponsePayload(false))
}

func TestOutRequestIsClientResponse(t *testing.T) {
	assert.True(t, OutRequest{PayloadLen: 0}.IsClientResponse())
	assert.False(t, OutRequest{PayloadLen: 3}.IsClientResponse())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "TPCCoordinatorComp", TPCCoordinatorComp.String())
	assert.Equal(t, "OOEWaitResultUndone", OOEWaitResultUndone.String())
	assert.Equal(t, "UnknownStatus", Status(250).String())
}

func TestModuleString(t *testing.T) {
	assert.Equal(t, "LoadBalancing", LoadBalancing.String())
	assert.Equal(t, "MetaData", MetaData.String())
	assert.Equal(t, "UnknownModule", Module(250).String())
}

func TestTimeoutEntryDeadline(t *testing.T) {
	entry := TimeoutEntry{}
	assert.Equal(t, entry.EnteredAt.Add(entry.RelativeTimeout), entry.Deadline())
}
