// Package engine implements the DAO engine's operation table and event
// core: the process-wide singleton that owns every live operation,
// serializes state transitions behind one mutex, and drives the
// 2PC/M2PC/OOE state machines.
//
// Every trigger source — inbound wire message, executor result, fired
// timeout — funnels through the same mutex, so within one operation all
// events are totally ordered. Logging, sending and queueing performed by
// a transition happen inside that critical section. Logging and sending
// block while the mutex is held: a journal append returns only once the
// record is written, and a transport send may dial and write
// synchronously, so a slow disk or peer stalls the event core for that
// long. Queueing to an adapter's in-queue never blocks.
package engine

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	lock "github.com/viney-shih/go-lock"

	"daoengine/adapter"
	"daoengine/daocfg"
	"daoengine/daoerr"
	"daoengine/dtype"
	"daoengine/journal"
	"daoengine/timeout"
	"daoengine/wire"
)

// Transport is the subset of transport.TCP the engine depends on, kept as
// an interface so the event core never imports the socket layer directly.
type Transport interface {
	Send(to string, msg wire.Message) error
}

const (
	resultQueueSize  = 1024
	inboundQueueSize = 4096
)

type inboundEvent struct {
	sender string
	msg    wire.Message
}

// Engine is a single owned value handed to tasks through shared
// references, with interior mutability only behind stateMutex.
type Engine struct {
	opts      daocfg.Options
	journals  journal.Provider
	registry  *adapter.Registry
	transport Transport
	wheel     *timeout.Wheel

	idSalt uint64
	idSeq  uint64

	stateMutex lock.Mutex
	table      map[uint64]*opRecord
	finished   map[uint64]struct{}

	resultCh  chan dtype.InResult
	inboundCh chan inboundEvent

	recovered atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
}

// New builds an Engine bound to self (used only to salt generated ids),
// persisting through journals and sending/receiving through transport and
// registry.
func New(self string, journals journal.Provider, registry *adapter.Registry, transport Transport, opts daocfg.Options) *Engine {
	h := fnv.New64a()
	_, _ = h.Write([]byte(self))
	return &Engine{
		opts:       opts,
		journals:   journals,
		registry:   registry,
		transport:  transport,
		wheel:      timeout.New(opts.MinSleep),
		idSalt:     h.Sum64() & 0xFFFF000000000000,
		stateMutex: lock.NewCASMutex(),
		table:      make(map[uint64]*opRecord),
		finished:   make(map[uint64]struct{}),
		resultCh:   make(chan dtype.InResult, resultQueueSize),
		inboundCh:  make(chan inboundEvent, inboundQueueSize),
		done:       make(chan struct{}),
	}
}

// nextID mints a 64-bit id: a host salt in the top 16 bits (so two hosts
// starting operations concurrently don't collide) and a monotonic counter
// in the low 48.
func (e *Engine) nextID() uint64 {
	seq := atomic.AddUint64(&e.idSeq, 1)
	return e.idSalt | (seq & 0x0000FFFFFFFFFFFF)
}

// Run executes recovery once, then services the event core forever:
// inbound messages, executor results and fired timeouts, each handled
// under stateMutex. Call in its own goroutine.
func (e *Engine) Run() {
	go e.wheel.Run()
	if err := e.doRecovery(); err != nil {
		daocfg.Warn(false, "recovery: "+err.Error())
	}
	e.recovered.Store(true)

	for {
		select {
		case <-e.done:
			return
		case res := <-e.resultCh:
			e.stateMutex.Lock()
			e.onResult(res)
			e.stateMutex.Unlock()
		case in := <-e.inboundCh:
			e.stateMutex.Lock()
			e.onInbound(in.sender, in.msg)
			e.stateMutex.Unlock()
		case te := <-e.wheel.Fired():
			e.stateMutex.Lock()
			e.onTimeout(te)
			e.stateMutex.Unlock()
		}
	}
}

// Stop ends the event core and the timeout wheel. Safe to call once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wheel.Stop()
	})
}

// StartDAOperation allocates an id, writes the Start record, inserts the
// row and performs the protocol's initial coordinator action. Returns 0
// with an error when recovery has not finished, the type is unknown, the
// participant set does not fit the protocol, or the Start record cannot
// be made durable.
func (e *Engine) StartDAOperation(payload []byte, typ dtype.OperationType, participants []dtype.Subtree, subtreeEntry uint64) (uint64, error) {
	const op = "StartDAOperation"
	if !e.recovered.Load() {
		return 0, daoerr.ErrRecoveryNotDone
	}
	protocol, ok := dtype.ProtocolFor(typ)
	if !ok {
		return 0, daoerr.New(op, daoerr.WrongParameter)
	}
	switch protocol {
	case dtype.TwoPhaseCommit:
		if len(participants) == 0 {
			return 0, daoerr.New(op, daoerr.WrongParameter)
		}
	case dtype.ModifiedTwoPhaseCommit:
		if len(participants) != 1 {
			return 0, daoerr.New(op, daoerr.WrongParameter)
		}
	}

	j, err := e.journals.For(subtreeEntry)
	if err != nil {
		return 0, daoerr.Wrap(op, daoerr.SubtreeNotExisting, err)
	}

	id := e.nextID()
	module := moduleFor(typ)
	if err := j.AddDistributed(id, module, typ, dtype.LogStart, 0, payload); err != nil {
		return 0, daoerr.Wrap(op, daoerr.LoggingFailed, err)
	}

	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	r := newOpRecord(dtype.Op{
		ID:              id,
		Type:            typ,
		Payload:         payload,
		Protocol:        protocol,
		SubtreeEntry:    subtreeEntry,
		Participants:    participants,
		OverallDeadline: time.Now().Add(e.opts.OverallTimeout),
	}, module, true)

	switch protocol {
	case dtype.TwoPhaseCommit:
		r.op.Status = dtype.TPCCoordinatorComp
		for _, p := range participants {
			e.send(p.Server, wire.Message{
				Kind: wire.TPCOpReq, OperationID: id, OpType: typ,
				SubtreeEntryParticipant: p.SubtreeEntry, SubtreeEntryCoordinator: subtreeEntry,
				Payload: payload,
			})
		}
	case dtype.ModifiedTwoPhaseCommit:
		r.op.Status = dtype.MTPCCoordinatorComp
		p := participants[0]
		e.send(p.Server, wire.Message{
			Kind: wire.MTPCOpReq, OperationID: id, OpType: typ,
			SubtreeEntryParticipant: p.SubtreeEntry, SubtreeEntryCoordinator: subtreeEntry,
			Payload: payload,
		})
	case dtype.OrderedOperationExecution:
		r.op.Status = dtype.OOEComp
		r.setNext(dtype.Subtree{})
	}

	e.table[id] = r
	e.armOverall(r)
	e.forward(r, dtype.Execute, payload)
	return id, nil
}

// ProvideOperationExecutionResult is the executor-facing half of
// provide_operation_execution_result: non-blocking, consumed by the event
// core under stateMutex.
func (e *Engine) ProvideOperationExecutionResult(res dtype.InResult) {
	select {
	case e.resultCh <- res:
	default:
		daocfg.Warn(false, fmt.Sprintf("engine: result queue full, dropping result for op %d", res.ID))
	}
}

// QueueFor returns the producer handle for the named module's in-queue.
func (e *Engine) QueueFor(module dtype.Module) (chan<- dtype.OutRequest, error) {
	return e.registry.QueueFor(module)
}

// HandleRequest is where the transport hands every decoded inbound
// message. Non-blocking; queued regardless of recovery state so messages
// arriving before recovery finishes are processed afterward, not dropped.
func (e *Engine) HandleRequest(sender string, msg wire.Message) {
	select {
	case e.inboundCh <- inboundEvent{sender: sender, msg: msg}:
	default:
		daocfg.Warn(false, fmt.Sprintf("engine: inbound queue full, dropping message from %s for op %d", sender, msg.OperationID))
	}
}

// OpenOperationExists reports whether any live operation targets
// subtreeEntry; a conservative liveness check for callers about to touch
// the subtree.
func (e *Engine) OpenOperationExists(subtreeEntry uint64) bool {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	for _, r := range e.table {
		if r.op.SubtreeEntry == subtreeEntry {
			return true
		}
	}
	return false
}

func moduleFor(t dtype.OperationType) dtype.Module {
	switch t {
	case dtype.MoveSubtree, dtype.OOETest, dtype.OOELBTest:
		return dtype.LoadBalancing
	default:
		return dtype.MetaData
	}
}

// send wraps transport.Send: a send failure is logged and otherwise left
// to the step timeout's retry, never surfaced as a fatal error to the
// caller transition.
func (e *Engine) send(to string, msg wire.Message) {
	if to == "" {
		return
	}
	if err := e.transport.Send(to, msg); err != nil {
		daocfg.Warn(false, fmt.Sprintf("engine: send %s to %s failed: %v", msg.Kind, to, err))
	}
}

// forward pushes an OutRequest onto module's in-queue, non-blocking.
func (e *Engine) forward(r *opRecord, tag dtype.RequestTag, payload []byte) {
	e.push(r, dtype.OutRequest{ID: r.op.ID, Tag: tag, Payload: payload, PayloadLen: uint32(len(payload)), Protocol: r.op.Protocol})
}

func (e *Engine) push(r *opRecord, req dtype.OutRequest) {
	q, err := e.registry.QueueFor(r.module)
	if err != nil {
		daocfg.Warn(false, fmt.Sprintf("engine: no adapter for module %s: %v", r.module, err))
		return
	}
	select {
	case q <- req:
	default:
		daocfg.Warn(false, fmt.Sprintf("engine: in-queue full for module %s, op %d", r.module, r.op.ID))
	}
}

// deliverClientResponse notifies the originating module of the outcome.
// PayloadLen stays zero (that is what marks the record as a
// client-response) while Payload carries the single success/failure byte.
// Only the originating host responds, and only once: the 2PC coordinator
// responds at decision time, before the acks that trigger fin, so fin's
// own call here must become a no-op for it.
func (e *Engine) deliverClientResponse(r *opRecord, success bool) {
	if !r.coordinator || r.responded {
		return
	}
	r.responded = true
	e.push(r, dtype.OutRequest{ID: r.op.ID, Payload: dtype.ClientResponsePayload(success), Protocol: r.op.Protocol})
}

// logUpdate reports whether the status record is durable. A transition
// whose status record could not be written must not go on to send the
// message that record covers (write-ahead rule); callers degrade to their
// abort path instead, where the Abort record itself is best-effort.
func (e *Engine) logUpdate(r *opRecord, tag dtype.StatusTag) bool {
	j, err := e.journals.For(r.op.SubtreeEntry)
	if err != nil {
		daocfg.Warn(false, "logUpdate: "+err.Error())
		return false
	}
	if err := j.AddDistributed(r.op.ID, r.module, r.op.Type, dtype.LogUpdate, tag, nil); err != nil {
		daocfg.Warn(false, fmt.Sprintf("engine: status log failed for op %d: %v", r.op.ID, err))
		return false
	}
	return true
}

func (e *Engine) logTerminal(r *opRecord, commit bool) {
	j, err := e.journals.For(r.op.SubtreeEntry)
	if err != nil {
		daocfg.Warn(false, "logTerminal: "+err.Error())
		return
	}
	kind := dtype.LogAbort
	if commit {
		kind = dtype.LogCommit
	}
	if err := j.AddDistributed(r.op.ID, r.module, r.op.Type, kind, 0, nil); err != nil {
		daocfg.Warn(false, fmt.Sprintf("engine: terminal log failed for op %d: %v", r.op.ID, err))
	}
}

// fin terminates an operation: write the terminal record, deliver the
// client response, cancel timeouts and drop the row, remembering the id
// as finished so late messages for it are ignored.
func (e *Engine) fin(r *opRecord, commit bool) {
	e.logTerminal(r, commit)
	e.deliverClientResponse(r, commit)
	e.wheel.Cancel(r.op.ID)
	delete(e.table, r.op.ID)
	e.finished[r.op.ID] = struct{}{}
}
