package engine

import (
	"fmt"
	"time"

	"daoengine/daocfg"
	"daoengine/dtype"
	"daoengine/wire"
)

// Modified Two-Phase Commit. Both coordinator and its one
// write-participant execute locally; the decision is the AND of the two
// outcomes. MTPCCommit/MTPCAbort serve as the participant's vote and as
// the coordinator's closing decision, disambiguated by role: a
// coordinator row only ever receives them as a vote, a participant row
// only ever receives them as a decision. The protocol has exactly two
// parties, so a third wire kind would carry no additional information.

// --- Coordinator side ---

func (e *Engine) mtpcCoordinatorResult(r *opRecord, res dtype.InResult) {
	switch r.op.Status {
	case dtype.MTPCCoordinatorComp:
		// A local success whose status record is not durable counts as a
		// failure: the decision is the AND of both outcomes, and abort is
		// always the safe one.
		logged := e.logUpdate(r, dtype.MTPCIStartP)
		ok := res.Success == dtype.ExecOK && logged
		r.mtpcLocalOK = &ok
		r.op.Status = dtype.MTPCCoordinatorReqSend
		e.armStep(r)
		e.mtpcCoordinatorMaybeDecide(r)
	case dtype.MTPCIWaitResultUndone:
		if res.Success == dtype.UndoOK || res.Success == dtype.UndoFail {
			r.pendingUndo = false
			e.mtpcCoordinatorMaybeFinish(r)
		}
	default:
		daocfg.Warn(false, "mtpc coordinator: unexpected exec result in status "+r.op.Status.String())
	}
}

func (e *Engine) mtpcCoordinatorVote(r *opRecord, commit bool) {
	if r.op.Status != dtype.MTPCCoordinatorReqSend && r.op.Status != dtype.MTPCCoordinatorComp {
		return
	}
	if r.mtpcPeerOK != nil {
		return // dedup: vote already counted
	}
	r.mtpcPeerOK = &commit
	e.mtpcCoordinatorMaybeDecide(r)
}

func (e *Engine) mtpcCoordinatorMaybeDecide(r *opRecord) {
	if r.mtpcLocalOK == nil || r.mtpcPeerOK == nil {
		return
	}
	commit := *r.mtpcLocalOK && *r.mtpcPeerOK
	r.decision = commit
	r.op.Status = dtype.MTPCIWaitResultUndone
	peer := r.coordinatorAddr() // the sole write-participant's address
	if commit {
		e.send(peer, wire.Message{Kind: wire.MTPCCommit, OperationID: r.op.ID})
	} else {
		e.send(peer, wire.Message{Kind: wire.MTPCAbort, OperationID: r.op.ID})
		if *r.mtpcLocalOK && dtype.Undoable(r.op.Type) {
			r.pendingUndo = true
			e.forward(r, dtype.Undo, r.op.Payload)
		}
	}
	e.armStep(r)
}

func (e *Engine) mtpcCoordinatorAck(r *opRecord) {
	if r.op.Status != dtype.MTPCIWaitResultUndone {
		return // spurious ack before any decision was sent
	}
	e.mtpcCoordinatorMaybeFinish(r)
}

func (e *Engine) mtpcCoordinatorMaybeFinish(r *opRecord) {
	if r.pendingUndo {
		return
	}
	e.fin(r, r.decision)
}

func (e *Engine) mtpcCoordinatorAbort(r *opRecord) {
	if r.op.Status == dtype.MTPCIWaitResultUndone && !r.decision {
		return
	}
	ok := false
	if r.mtpcLocalOK == nil {
		r.mtpcLocalOK = &ok
	}
	r.mtpcPeerOK = &ok
	e.mtpcCoordinatorMaybeDecide(r)
}

func (e *Engine) mtpcStepTimeoutCoordinator(r *opRecord) {
	peer := r.coordinatorAddr()
	switch r.op.Status {
	case dtype.MTPCCoordinatorComp, dtype.MTPCCoordinatorReqSend:
		if r.retries == 0 {
			r.retries++
			e.send(peer, wire.Message{Kind: wire.StatusRequest, OperationID: r.op.ID})
			e.rearmStepRetry(r)
			return
		}
		e.mtpcCoordinatorAbort(r)
	case dtype.MTPCIWaitResultUndone:
		if r.retries == 0 {
			r.retries++
			kind := wire.MTPCCommit
			if !r.decision {
				kind = wire.MTPCAbort
			}
			e.send(peer, wire.Message{Kind: kind, OperationID: r.op.ID})
			e.rearmStepRetry(r)
			return
		}
		daocfg.Warn(false, fmt.Sprintf("mtpc coordinator: op %d never acked, forcing abort", r.op.ID))
		e.fin(r, false)
	}
}

// --- Participant side ---

func (e *Engine) mtpcParticipantCreate(sender string, m wire.Message) {
	j, err := e.journals.For(m.SubtreeEntryParticipant)
	if err != nil {
		daocfg.Warn(false, "mtpc participant create: "+err.Error())
		return
	}
	module := moduleFor(m.OpType)
	if err := j.AddDistributed(m.OperationID, module, m.OpType, dtype.LogStart, 0, m.Payload); err != nil {
		daocfg.Warn(false, "mtpc participant create: log start failed: "+err.Error())
		return
	}
	r := newOpRecord(dtype.Op{
		ID: m.OperationID, Type: m.OpType, Payload: m.Payload,
		Protocol: dtype.ModifiedTwoPhaseCommit, Status: dtype.MTPCPartComp,
		SubtreeEntry:    m.SubtreeEntryParticipant,
		Participants:    []dtype.Subtree{{Server: sender, SubtreeEntry: m.SubtreeEntryCoordinator}},
		OverallDeadline: time.Now().Add(e.opts.OverallTimeout),
	}, module, false)
	e.table[m.OperationID] = r
	e.armOverall(r)
	e.forward(r, dtype.Execute, m.Payload)
}

func (e *Engine) mtpcParticipantResult(r *opRecord, res dtype.InResult) {
	if r.op.Status != dtype.MTPCPartComp {
		if res.Success == dtype.UndoOK || res.Success == dtype.UndoFail {
			r.pendingUndo = false
			e.mtpcParticipantMaybeFinish(r)
		}
		return
	}
	if res.Success == dtype.ExecOK && e.logUpdate(r, dtype.MTPCPCommitTag) {
		r.op.Status = dtype.MTPCPartVoteSendYes
		r.decision = true
		e.send(r.coordinatorAddr(), wire.Message{Kind: wire.MTPCCommit, OperationID: r.op.ID})
	} else {
		// Reached on ExecFail and on a Yes vote whose record was not
		// durable; in the latter case the local effect exists and must be
		// compensated before the No vote stands.
		if res.Success == dtype.ExecOK && dtype.Undoable(r.op.Type) {
			e.forward(r, dtype.Undo, r.op.Payload)
		}
		e.logUpdate(r, dtype.MTPCPAbortTag)
		r.op.Status = dtype.MTPCPartVoteSendNo
		r.decision = false
		e.send(r.coordinatorAddr(), wire.Message{Kind: wire.MTPCAbort, OperationID: r.op.ID})
	}
	e.armStep(r)
}

// mtpcParticipantDecision handles the coordinator's closing MTPCCommit/
// MTPCAbort, which may override a Yes vote that already committed locally.
func (e *Engine) mtpcParticipantDecision(r *opRecord, commit bool) {
	if r.op.Status != dtype.MTPCPartVoteSendYes && r.op.Status != dtype.MTPCPartVoteSendNo {
		return
	}
	override := !commit && r.decision
	r.decision = commit
	r.decided = true
	if override && dtype.Undoable(r.op.Type) {
		r.pendingUndo = true
		e.forward(r, dtype.Undo, r.op.Payload)
		return
	}
	e.mtpcParticipantMaybeFinish(r)
}

// mtpcParticipantMaybeFinish closes the row once the coordinator's closing
// decision is in and no undo is outstanding; an UndoOK from a proactive
// No-vote restore must not finish the row on its own.
func (e *Engine) mtpcParticipantMaybeFinish(r *opRecord) {
	if r.pendingUndo || !r.decided {
		return
	}
	e.fin(r, r.decision)
	e.send(r.coordinatorAddr(), wire.Message{Kind: wire.MTPCAck, OperationID: r.op.ID})
}

func (e *Engine) mtpcParticipantForceAbort(r *opRecord) {
	e.logUpdate(r, dtype.MTPCPAbortTag)
	// From MTPCPartComp (executor never answered) the row first takes the
	// No-vote shape so the decision path below accepts it.
	if r.op.Status == dtype.MTPCPartComp {
		r.op.Status = dtype.MTPCPartVoteSendNo
		r.decision = false
	}
	e.mtpcParticipantDecision(r, false)
}

func (e *Engine) mtpcStepTimeoutParticipant(r *opRecord) {
	switch r.op.Status {
	case dtype.MTPCPartComp:
		e.mtpcParticipantForceAbort(r)
	case dtype.MTPCPartVoteSendYes, dtype.MTPCPartVoteSendNo:
		e.send(r.coordinatorAddr(), wire.Message{Kind: wire.EventReRequest, OperationID: r.op.ID})
		e.armStep(r)
	}
}

func (e *Engine) mtpcStepTimeout(r *opRecord) {
	if r.coordinator {
		e.mtpcStepTimeoutCoordinator(r)
	} else {
		e.mtpcStepTimeoutParticipant(r)
	}
}
