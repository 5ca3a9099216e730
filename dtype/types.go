// Package dtype holds the wire- and log-independent data model of the
// distributed atomic operation engine: operation records, subtree
// descriptors, and the structures exchanged with the executor adapters.
package dtype

import "time"

// OperationType identifies the kind of distributed mutation an Op carries.
// Rename and ChangePartitionOwnership run under TwoPhaseCommit, MoveSubtree
// runs under ModifiedTwoPhaseCommit, and the two test-only types run under
// OrderedOperationExecution identically to any other OOE operation.
type OperationType uint8

const (
	Rename OperationType = iota
	MoveSubtree
	ChangePartitionOwnership
	SetAttr
	OOETest
	OOELBTest
)

// Protocol identifies the commit protocol driving an operation.
type Protocol uint8

const (
	TwoPhaseCommit Protocol = iota
	ModifiedTwoPhaseCommit
	OrderedOperationExecution
)

// ProtocolFor derives the protocol an operation type runs under.
func ProtocolFor(t OperationType) (Protocol, bool) {
	switch t {
	case Rename, ChangePartitionOwnership:
		return TwoPhaseCommit, true
	case MoveSubtree:
		return ModifiedTwoPhaseCommit, true
	case SetAttr:
		// SetAttr is not undoable and carries no protocol of its own
		// beyond 2PC semantics.
		return TwoPhaseCommit, true
	case OOETest, OOELBTest:
		return OrderedOperationExecution, true
	default:
		return 0, false
	}
}

// Undoable reports whether the executor supports compensating Undo/Reundo
// for this operation type. Only MoveSubtree-class types are undoable; a
// plain Rename or SetAttr failing its vote simply aborts.
func Undoable(t OperationType) bool {
	return t == MoveSubtree
}

// Module identifies an executor subsystem bound to an adapter.
type Module uint8

const (
	LoadBalancing Module = iota
	MetaData
)

func (m Module) String() string {
	switch m {
	case LoadBalancing:
		return "LoadBalancing"
	case MetaData:
		return "MetaData"
	default:
		return "UnknownModule"
	}
}

// Status is the per-protocol state of an operation. Values are grouped by
// protocol family so recovery's status-tag -> Status table reads in
// protocol order.
type Status uint8

const (
	// Two-Phase Commit, coordinator side.
	TPCCoordinatorComp Status = iota
	TPCCoordinatorVReqSend
	TPCCoordinatorVResultSend
	TPCWaitUndoAck
	TPCAborting
	TPCWaitUndoToFinish

	// Two-Phase Commit, participant side.
	TPCPartComp
	TPCPartWaitVReqYes
	TPCPartWaitVReqNo
	TPCPartVReqRec
	TPCPartWaitVResultExpectYes
	TPCPartWaitVResultExpectNo

	// Modified Two-Phase Commit.
	MTPCCoordinatorComp
	MTPCCoordinatorReqSend
	MTPCIWaitResultUndone
	MTPCPartComp
	MTPCPartVoteSendYes
	MTPCPartVoteSendNo

	// Ordered Operation Execution.
	OOEComp
	OOEWaitResult
	OOEWaitResultUndone
)

var statusNames = map[Status]string{
	TPCCoordinatorComp:        "TPCCoordinatorComp",
	TPCCoordinatorVReqSend:    "TPCCoordinatorVReqSend",
	TPCCoordinatorVResultSend: "TPCCoordinatorVResultSend",
	TPCWaitUndoAck:            "TPCWaitUndoAck",
	TPCAborting:               "TPCAborting",
	TPCWaitUndoToFinish:       "TPCWaitUndoToFinish",

	TPCPartComp:                 "TPCPartComp",
	TPCPartWaitVReqYes:          "TPCPartWaitVReqYes",
	TPCPartWaitVReqNo:           "TPCPartWaitVReqNo",
	TPCPartVReqRec:              "TPCPartVReqRec",
	TPCPartWaitVResultExpectYes: "TPCPartWaitVResultExpectYes",
	TPCPartWaitVResultExpectNo:  "TPCPartWaitVResultExpectNo",

	MTPCCoordinatorComp:    "MTPCCoordinatorComp",
	MTPCCoordinatorReqSend: "MTPCCoordinatorReqSend",
	MTPCIWaitResultUndone:  "MTPCIWaitResultUndone",
	MTPCPartComp:           "MTPCPartComp",
	MTPCPartVoteSendYes:    "MTPCPartVoteSendYes",
	MTPCPartVoteSendNo:     "MTPCPartVoteSendNo",

	OOEComp:             "OOEComp",
	OOEWaitResult:       "OOEWaitResult",
	OOEWaitResultUndone: "OOEWaitResultUndone",
}

// String renders a Status by name for diagnostics.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UnknownStatus"
}

// Subtree identifies a routing target: the server owning it and the root
// inode of the journal selector on that host.
type Subtree struct {
	Server       string
	SubtreeEntry uint64
}

// Empty reports whether this Subtree carries no server (end of an OOE
// chain, or an absent coordinator/participant slot).
func (s Subtree) Empty() bool {
	return s.Server == ""
}

// Op is one record of a live distributed atomic operation.
type Op struct {
	ID              uint64
	Type            OperationType
	Payload         []byte
	Protocol        Protocol
	Status          Status
	SubtreeEntry    uint64
	Participants    []Subtree
	VotesReceived   int
	OverallDeadline time.Time
}

// RequestTag is the leading byte of an OutRequest's payload, telling the
// executor which action to take.
type RequestTag uint8

const (
	Execute RequestTag = iota
	Redo
	Undo
	Reundo
)

// ExecResult is the executor's verdict on a request, carried as
// InResult.Success.
type ExecResult uint8

const (
	ExecOK ExecResult = iota
	ExecFail
	UndoOK
	UndoFail
)

// OutRequest flows engine -> executor on the adapter's in-queue. When
// PayloadLen is zero, Payload holds exactly one byte: 1 for a successful
// client response, 0 for failure.
type OutRequest struct {
	ID         uint64
	Tag        RequestTag
	Payload    []byte
	PayloadLen uint32
	Protocol   Protocol
}

// IsClientResponse reports whether this OutRequest is a terminal
// notification rather than an execution/undo request.
func (r OutRequest) IsClientResponse() bool {
	return r.PayloadLen == 0
}

// ClientResponsePayload encodes the client-response byte carried by a
// zero-PayloadLen OutRequest.
func ClientResponsePayload(success bool) []byte {
	if success {
		return []byte{1}
	}
	return []byte{0}
}

// InResult flows executor -> engine via ProvideOperationExecutionResult.
// NextParticipant and NextPayload are meaningful only for OOE; an empty
// NextParticipant.Server means this host is last in the chain. NextPayload
// is the payload the adapter wants carried to that next participant (for
// OOE, the chain with this hop already popped); for every other protocol it
// is unused and the request payload keeps flowing unchanged.
type InResult struct {
	ID              uint64
	Success         ExecResult
	NextParticipant Subtree
	NextPayload     []byte
}

// TimeoutKind distinguishes a per-step timeout from the operation's overall
// deadline; the overall deadline supersedes a step timeout firing in the
// same poll.
type TimeoutKind uint8

const (
	StepTimeout TimeoutKind = iota
	OverallTimeout
)

// TimeoutEntry is one row of the timeout wheel.
type TimeoutEntry struct {
	ID              uint64
	Kind            TimeoutKind
	EnteredAt       time.Time
	RelativeTimeout time.Duration
	StatusWhenArmed Status
	// Generation guards against a stale entry firing after the operation
	// has already advanced past the status it was armed for.
	Generation uint64
}

// Deadline is the absolute instant this entry is due.
func (t TimeoutEntry) Deadline() time.Time {
	return t.EnteredAt.Add(t.RelativeTimeout)
}

// LogRecordKind identifies one of the three journal record families.
type LogRecordKind uint8

const (
	LogStart LogRecordKind = iota
	LogUpdate
	LogCommit
	LogAbort
)

// StatusTag is the single byte persisted in a LogUpdate record.
type StatusTag uint8

const (
	TPCPVoteYes StatusTag = iota
	TPCPVoteNo
	TPCIVoteStart
	TPCIAborting
	TPCICommiting
	MTPCPCommitTag
	MTPCPAbortTag
	MTPCIStartP
	OOEStartNext
	OOEUndo
)

// LogRecord is one entry appended to an operation's journal.
type LogRecord struct {
	Kind    LogRecordKind
	ID      uint64
	Module  Module
	Type    OperationType
	Payload []byte
	Tag     StatusTag
}
