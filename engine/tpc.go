package engine

import (
	"time"

	"daoengine/daocfg"
	"daoengine/dtype"
	"daoengine/wire"
)

// --- Coordinator side ---

func (e *Engine) tpcCoordinatorResult(r *opRecord, res dtype.InResult) {
	switch r.op.Status {
	case dtype.TPCCoordinatorComp:
		switch res.Success {
		case dtype.ExecOK:
			if !e.logUpdate(r, dtype.TPCIVoteStart) {
				e.tpcCoordinatorAbort(r)
				return
			}
			r.op.Status = dtype.TPCCoordinatorVReqSend
			r.op.VotesReceived = 0
			r.votesFrom.Clear()
			for _, p := range r.op.Participants {
				e.send(p.Server, wire.Message{Kind: wire.TPCVoteReq, OperationID: r.op.ID})
			}
			e.armStep(r)
		case dtype.ExecFail:
			e.tpcCoordinatorAbort(r)
		}
	case dtype.TPCWaitUndoAck, dtype.TPCWaitUndoToFinish, dtype.TPCAborting:
		if res.Success == dtype.UndoOK || res.Success == dtype.UndoFail {
			r.pendingUndo = false
			e.tpcMaybeFinishCoordinator(r)
		}
	default:
		daocfg.Warn(false, "tpc coordinator: unexpected exec result in status "+r.op.Status.String())
	}
}

func (e *Engine) tpcCoordinatorVote(r *opRecord, sender string, yes bool) {
	if r.op.Status != dtype.TPCCoordinatorVReqSend {
		return
	}
	if !yes {
		e.tpcCoordinatorAbort(r)
		return
	}
	if r.votesFrom.Contains(sender) {
		return // IGNORE_DUP
	}
	r.votesFrom.Add(sender)
	r.op.VotesReceived++
	if r.op.VotesReceived != len(r.op.Participants) {
		return
	}
	// No participant has seen a decision yet, so a commit record that
	// cannot be made durable still leaves abort as the legal outcome.
	if !e.logUpdate(r, dtype.TPCICommiting) {
		e.tpcCoordinatorAbort(r)
		return
	}
	r.op.Status = dtype.TPCCoordinatorVResultSend
	r.decision = true
	for _, p := range r.op.Participants {
		e.send(p.Server, wire.Message{Kind: wire.TPCCommit, OperationID: r.op.ID})
	}
	e.deliverClientResponse(r, true)
	r.acksFrom.Clear()
	e.armStep(r)
}

// tpcCoordinatorAbort is the shared entry point for a No vote (step 5), a
// local ExecFail (step 3) and the timeout/overall-deadline abort paths: it
// logs, fans out TPCAbort, delivers the failure client-response, and — for
// undoable types whose local execution already committed — forwards Undo
// before allowing FIN.
func (e *Engine) tpcCoordinatorAbort(r *opRecord) {
	if r.op.Status == dtype.TPCAborting {
		return
	}
	e.logUpdate(r, dtype.TPCIAborting)
	wasVoting := r.op.Status == dtype.TPCCoordinatorVReqSend
	r.op.Status = dtype.TPCAborting
	r.decision = false
	for _, p := range r.op.Participants {
		e.send(p.Server, wire.Message{Kind: wire.TPCAbort, OperationID: r.op.ID})
	}
	e.deliverClientResponse(r, false)
	r.acksFrom.Clear()
	if wasVoting && dtype.Undoable(r.op.Type) {
		r.pendingUndo = true
		e.forward(r, dtype.Undo, r.op.Payload)
	}
	e.armStep(r)
}

func (e *Engine) tpcCoordinatorAck(r *opRecord, sender string) {
	if r.op.Status != dtype.TPCCoordinatorVResultSend && r.op.Status != dtype.TPCAborting {
		return
	}
	if r.acksFrom.Contains(sender) {
		return
	}
	r.acksFrom.Add(sender)
	e.tpcMaybeFinishCoordinator(r)
}

func (e *Engine) tpcMaybeFinishCoordinator(r *opRecord) {
	if r.acksFrom.Cardinality() != len(r.op.Participants) || r.pendingUndo {
		return
	}
	e.fin(r, r.decision)
}

func (e *Engine) tpcStepTimeoutCoordinator(r *opRecord) {
	switch r.op.Status {
	case dtype.TPCCoordinatorVReqSend:
		missing := missingFrom(r.op.Participants, r.votesFrom)
		e.retryOrAbort(r, missing, sendVoteReq(e, r.op.ID))
	case dtype.TPCCoordinatorVResultSend, dtype.TPCAborting:
		missing := missingFrom(r.op.Participants, r.acksFrom)
		kind := wire.TPCCommit
		if r.op.Status == dtype.TPCAborting {
			kind = wire.TPCAbort
		}
		e.retryOrAbort(r, missing, func(to string) { e.send(to, wire.Message{Kind: kind, OperationID: r.op.ID}) })
	default:
		daocfg.Warn(false, "tpc coordinator: step timeout in unexpected status "+r.op.Status.String())
	}
}

// --- Participant side ---

// tpcParticipantCreate handles an inbound TPCOpReq: creates the row,
// writes Start, and forwards Execute to the local adapter.
func (e *Engine) tpcParticipantCreate(sender string, m wire.Message) {
	j, err := e.journals.For(m.SubtreeEntryParticipant)
	if err != nil {
		daocfg.Warn(false, "tpc participant create: "+err.Error())
		return
	}
	module := moduleFor(m.OpType)
	if err := j.AddDistributed(m.OperationID, module, m.OpType, dtype.LogStart, 0, m.Payload); err != nil {
		daocfg.Warn(false, "tpc participant create: log start failed: "+err.Error())
		return
	}
	r := newOpRecord(dtype.Op{
		ID: m.OperationID, Type: m.OpType, Payload: m.Payload,
		Protocol: dtype.TwoPhaseCommit, Status: dtype.TPCPartComp,
		SubtreeEntry:    m.SubtreeEntryParticipant,
		Participants:    []dtype.Subtree{{Server: sender, SubtreeEntry: m.SubtreeEntryCoordinator}},
		OverallDeadline: time.Now().Add(e.opts.OverallTimeout),
	}, module, false)
	e.table[m.OperationID] = r
	e.armOverall(r)
	e.forward(r, dtype.Execute, m.Payload)
}

func (e *Engine) tpcParticipantResult(r *opRecord, res dtype.InResult) {
	switch r.op.Status {
	case dtype.TPCPartComp:
		switch res.Success {
		case dtype.ExecOK:
			// A Yes vote that cannot be made durable is downgraded to a No
			// vote: the execution itself succeeded, so the local effect is
			// undone like any other No.
			if e.logUpdate(r, dtype.TPCPVoteYes) {
				r.op.Status = dtype.TPCPartWaitVReqYes
				return
			}
			fallthrough
		case dtype.ExecFail:
			e.logUpdate(r, dtype.TPCPVoteNo)
			r.op.Status = dtype.TPCPartWaitVReqNo
			if dtype.Undoable(r.op.Type) {
				e.forward(r, dtype.Undo, r.op.Payload)
			}
		}
	case dtype.TPCPartVReqRec:
		switch res.Success {
		case dtype.ExecOK:
			if e.logUpdate(r, dtype.TPCPVoteYes) {
				e.send(r.coordinatorAddr(), wire.Message{Kind: wire.TPCVoteY, OperationID: r.op.ID})
				r.op.Status = dtype.TPCPartWaitVResultExpectYes
				e.armStep(r)
				return
			}
			fallthrough
		case dtype.ExecFail:
			e.logUpdate(r, dtype.TPCPVoteNo)
			e.send(r.coordinatorAddr(), wire.Message{Kind: wire.TPCVoteN, OperationID: r.op.ID})
			r.op.Status = dtype.TPCPartWaitVResultExpectNo
			if dtype.Undoable(r.op.Type) {
				e.forward(r, dtype.Undo, r.op.Payload)
			}
		}
		e.armStep(r)
	default:
		if res.Success == dtype.UndoOK || res.Success == dtype.UndoFail {
			r.pendingUndo = false
			e.tpcParticipantMaybeFinish(r)
		}
	}
}

func (e *Engine) tpcParticipantVoteReq(r *opRecord) {
	switch r.op.Status {
	case dtype.TPCPartWaitVReqYes:
		e.send(r.coordinatorAddr(), wire.Message{Kind: wire.TPCVoteY, OperationID: r.op.ID})
		r.op.Status = dtype.TPCPartWaitVResultExpectYes
		e.armStep(r)
	case dtype.TPCPartWaitVReqNo:
		e.send(r.coordinatorAddr(), wire.Message{Kind: wire.TPCVoteN, OperationID: r.op.ID})
		r.op.Status = dtype.TPCPartWaitVResultExpectNo
		e.armStep(r)
	case dtype.TPCPartComp:
		// Result not yet in: remember the vote is pending and send it once
		// the executor responds.
		r.op.Status = dtype.TPCPartVReqRec
	}
}

func (e *Engine) tpcParticipantDecision(r *opRecord, commit bool) {
	// TPCAbort always forces abort, even mid-Yes-vote, undoing first if
	// the type supports it.
	if !commit && dtype.Undoable(r.op.Type) && (r.op.Status == dtype.TPCPartWaitVResultExpectYes || r.op.Status == dtype.TPCPartWaitVReqYes) {
		r.pendingUndo = true
		r.decision = false
		r.decided = true
		e.forward(r, dtype.Undo, r.op.Payload)
		// The ack is sent once the undo resolves and the terminal record
		// is written (tpcParticipantMaybeFinish), never before: the record
		// must be durable before the ack is handed to the transport.
		return
	}
	r.decision = commit
	r.decided = true
	e.fin(r, commit)
	e.send(r.coordinatorAddr(), wire.Message{Kind: wire.TPCAck, OperationID: r.op.ID})
}

// tpcParticipantMaybeFinish closes the row once the coordinator's decision
// is in and no undo is outstanding. An UndoOK from the proactive No-vote
// restore (step 9) arrives before any decision; it must not finish the row.
func (e *Engine) tpcParticipantMaybeFinish(r *opRecord) {
	if r.pendingUndo || !r.decided {
		return
	}
	e.fin(r, r.decision)
	e.send(r.coordinatorAddr(), wire.Message{Kind: wire.TPCAck, OperationID: r.op.ID})
}

func (e *Engine) tpcParticipantForceAbort(r *opRecord) {
	// Log the No vote, then proceed as if the abort had arrived.
	e.logUpdate(r, dtype.TPCPVoteNo)
	e.tpcParticipantDecision(r, false)
}

func (e *Engine) tpcStepTimeoutParticipant(r *opRecord) {
	switch r.op.Status {
	case dtype.TPCPartWaitVReqYes, dtype.TPCPartWaitVReqNo, dtype.TPCPartComp, dtype.TPCPartVReqRec:
		e.tpcParticipantForceAbort(r)
	case dtype.TPCPartWaitVResultExpectYes, dtype.TPCPartWaitVResultExpectNo:
		e.send(r.coordinatorAddr(), wire.Message{Kind: wire.EventReRequest, OperationID: r.op.ID})
		e.armStep(r)
	}
}

func (e *Engine) tpcStepTimeout(r *opRecord) {
	if r.coordinator {
		e.tpcStepTimeoutCoordinator(r)
	} else {
		e.tpcStepTimeoutParticipant(r)
	}
}
