// Package adapter defines the executor-side contract and a Registry
// binding each Module to exactly one Adapter, with the in-queue
// (engine -> executor) and out-queue (executor -> engine) plumbing.
//
// Adapter is a plain capability-set interface with two concrete
// implementations (adapter/loadbalancing, adapter/metadata); there is no
// shared base type.
package adapter

import (
	"daoengine/dtype"
)

// EngineView is the narrow interface an Adapter is given at registration,
// breaking the cyclic ownership between the engine and its adapters:
// adapters call back into the engine only through this surface, never by
// holding the engine itself.
type EngineView interface {
	ProvideOperationExecutionResult(res dtype.InResult)
}

// Adapter is the capability set a module (LoadBalancing or MetaData)
// implements to execute the subtree-local part of a distributed atomic
// operation.
type Adapter interface {
	// IsCoordinator reports whether this host originated op (used during
	// recovery to choose which side of a protocol's state machine to
	// resume).
	IsCoordinator(op *dtype.Op) bool

	// SetSendingAddresses fills op.Participants for a recovered operation.
	SetSendingAddresses(op *dtype.Op) error

	// SetSubtreeEntryPoint fills op.SubtreeEntry for a recovered operation.
	SetSubtreeEntryPoint(op *dtype.Op) error

	// GetNextParticipant is OOE-only: it returns the participant that
	// follows this host in the chain for the given payload, plus the
	// payload to carry onward (the chain with this hop already popped). An
	// empty Subtree.Server means this host is last.
	GetNextParticipant(payload []byte) (dtype.Subtree, []byte)

	// HandleOperationRequest executes payload locally and reports success.
	HandleOperationRequest(id uint64, payload []byte) bool
	// HandleOperationRerequest is the idempotent post-crash re-execution;
	// implementers may detect "already applied" and skip.
	HandleOperationRerequest(id uint64, payload []byte) bool
	// HandleOperationUndoRequest runs the compensating action.
	HandleOperationUndoRequest(id uint64, payload []byte) bool
	// HandleOperationReundoRequest is the idempotent post-crash re-undo.
	HandleOperationReundoRequest(id uint64, payload []byte) bool
	// HandleOperationResult informs the executor of the protocol's final
	// outcome (success/failure); notification only, no reply expected.
	HandleOperationResult(id uint64, success bool)
}
