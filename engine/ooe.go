package engine

import (
	"time"

	"daoengine/daocfg"
	"daoengine/dtype"
	"daoengine/wire"
)

// Ordered Operation Execution.
// Every row plays a role determined purely by its position in the chain —
// previous()/next() on opRecord — rather than by a separate coordinator/
// participant split: the row that started the operation (table.go's
// `coordinator` flag) is the initiator, a row created by an inbound
// OOEOpReq is an intermediate or the last hop depending on whether its own
// executor reports a next participant.

// ooeResult handles a local executor outcome for an OOE row, including
// the case where an OOEAborted from downstream beat the local result.
func (e *Engine) ooeResult(r *opRecord, res dtype.InResult) {
	switch r.op.Status {
	case dtype.OOEComp:
		if r.ooeAbortedEarly {
			r.ooeAbortedEarly = false
			if res.Success == dtype.ExecOK && dtype.Undoable(r.op.Type) {
				e.ooeBeginUndo(r)
			} else {
				e.ooeFinishAbort(r)
			}
			return
		}
		switch res.Success {
		case dtype.ExecOK:
			r.ooeLocalCommitted = true
			next := res.NextParticipant
			r.setNext(next)
			if next.Empty() {
				// Last in chain: commit immediately. The Commit record is
				// durable before the ack reaches the previous hop.
				e.fin(r, true)
				if !r.previous().Empty() {
					e.send(r.previous().Server, wire.Message{Kind: wire.OOEAck, OperationID: r.op.ID})
				}
				return
			}
			r.op.Payload = res.NextPayload
			if !e.logUpdate(r, dtype.OOEStartNext) {
				// The hop cannot be handed on without its record; unwind
				// what this host already applied and abort backward.
				if dtype.Undoable(r.op.Type) {
					e.ooeBeginUndo(r)
				} else {
					e.ooeFinishAbort(r)
				}
				return
			}
			r.op.Status = dtype.OOEWaitResult
			e.send(next.Server, wire.Message{
				Kind: wire.OOEOpReq, OperationID: r.op.ID, OpType: r.op.Type,
				SubtreeEntryParticipant: next.SubtreeEntry, SubtreeEntryCoordinator: r.op.SubtreeEntry,
				Payload: r.op.Payload,
			})
			e.armStep(r)
		case dtype.ExecFail:
			e.ooeFinishAbort(r)
		}
	case dtype.OOEWaitResultUndone:
		if res.Success == dtype.UndoOK || res.Success == dtype.UndoFail {
			r.pendingUndo = false
			e.ooeFinishAbort(r)
		}
	default:
		daocfg.Warn(false, "ooe: unexpected exec result in status "+r.op.Status.String())
	}
}

// ooeAck handles an inbound OOEAck: everything downstream of this hop
// committed, so this hop commits too and propagates the ack backward.
func (e *Engine) ooeAck(r *opRecord) {
	if r.op.Status != dtype.OOEWaitResult {
		return
	}
	e.fin(r, true)
	if !r.previous().Empty() {
		e.send(r.previous().Server, wire.Message{Kind: wire.OOEAck, OperationID: r.op.ID})
	}
}

// ooeAborted handles an inbound OOEAborted. If it arrives before this
// host's own Execute has returned, it only latches the decision;
// otherwise it drives undo (if the type supports it) and propagation
// immediately.
func (e *Engine) ooeAborted(r *opRecord) {
	switch r.op.Status {
	case dtype.OOEComp:
		r.ooeAbortedEarly = true
	case dtype.OOEWaitResult:
		if dtype.Undoable(r.op.Type) {
			e.ooeBeginUndo(r)
		} else {
			e.ooeFinishAbort(r)
		}
	}
}

// ooeBeginUndo forwards a compensating Undo for a committed-then-aborted
// hop and waits for UndoOK/UndoFail before finishing.
func (e *Engine) ooeBeginUndo(r *opRecord) {
	r.pendingUndo = true
	r.op.Status = dtype.OOEWaitResultUndone
	e.logUpdate(r, dtype.OOEUndo)
	e.forward(r, dtype.Undo, r.op.Payload)
	e.armStep(r)
}

// ooeFinishAbort writes the terminal abort record and propagates
// OOEAborted to the previous hop (if any), in that order.
func (e *Engine) ooeFinishAbort(r *opRecord) {
	e.fin(r, false)
	if !r.previous().Empty() {
		e.send(r.previous().Server, wire.Message{Kind: wire.OOEAborted, OperationID: r.op.ID})
	}
}

// ooeForceAbort is the OOE entry into forceAbort, for step-timeout
// exhaustion and the overall deadline.
func (e *Engine) ooeForceAbort(r *opRecord) {
	if r.op.Status == dtype.OOEWaitResultUndone {
		return // already undoing; let that result finish the row
	}
	if r.ooeLocalCommitted && dtype.Undoable(r.op.Type) {
		e.ooeBeginUndo(r)
		return
	}
	e.ooeFinishAbort(r)
}

// ooeParticipantCreate handles an inbound OOEOpReq: creates the row with
// the sender recorded as `previous`, writes Start, and forwards Execute.
func (e *Engine) ooeParticipantCreate(sender string, m wire.Message) {
	j, err := e.journals.For(m.SubtreeEntryParticipant)
	if err != nil {
		daocfg.Warn(false, "ooe participant create: "+err.Error())
		return
	}
	module := moduleFor(m.OpType)
	if err := j.AddDistributed(m.OperationID, module, m.OpType, dtype.LogStart, 0, m.Payload); err != nil {
		daocfg.Warn(false, "ooe participant create: log start failed: "+err.Error())
		return
	}
	r := newOpRecord(dtype.Op{
		ID: m.OperationID, Type: m.OpType, Payload: m.Payload,
		Protocol: dtype.OrderedOperationExecution, Status: dtype.OOEComp,
		SubtreeEntry:    m.SubtreeEntryParticipant,
		Participants:    []dtype.Subtree{{Server: sender, SubtreeEntry: m.SubtreeEntryCoordinator}},
		OverallDeadline: time.Now().Add(e.opts.OverallTimeout),
	}, module, false)
	e.table[m.OperationID] = r
	e.armOverall(r)
	e.forward(r, dtype.Execute, m.Payload)
}

// ooeStepTimeout resends an EventReRequest to the next hop once, then
// gives up and aborts.
func (e *Engine) ooeStepTimeout(r *opRecord) {
	switch r.op.Status {
	case dtype.OOEWaitResult:
		next := r.next()
		e.retryOrAbort(r, []string{next.Server}, func(to string) {
			e.send(to, wire.Message{Kind: wire.EventReRequest, OperationID: r.op.ID})
		})
	case dtype.OOEComp:
		// Still waiting on the local executor; nothing to resend over the
		// network. The overall deadline is the backstop.
	case dtype.OOEWaitResultUndone:
		// Undo is a local call to the adapter; nothing to retry remotely.
	}
}
