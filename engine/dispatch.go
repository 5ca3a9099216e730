package engine

import (
	"daoengine/dtype"
	"daoengine/wire"
)

// onResult is the event core's executor-result handler, called under
// stateMutex. A result for an id this host no longer knows (finished or
// never started) is dropped: the executor adapter may legitimately race a
// stale Undo/Execute reply against the terminal transition.
func (e *Engine) onResult(res dtype.InResult) {
	r, ok := e.table[res.ID]
	if !ok {
		return
	}
	switch r.op.Protocol {
	case dtype.TwoPhaseCommit:
		if r.coordinator {
			e.tpcCoordinatorResult(r, res)
		} else {
			e.tpcParticipantResult(r, res)
		}
	case dtype.ModifiedTwoPhaseCommit:
		if r.coordinator {
			e.mtpcCoordinatorResult(r, res)
		} else {
			e.mtpcParticipantResult(r, res)
		}
	case dtype.OrderedOperationExecution:
		e.ooeResult(r, res)
	}
}

// onInbound is the event core's inbound-message handler, called under
// stateMutex. The three OpReq kinds create a fresh row; everything else is
// routed to the row already in the table, or answered with NotResponsible
// when the id is unknown, or silently dropped when already finished.
func (e *Engine) onInbound(sender string, msg wire.Message) {
	switch msg.Kind {
	case wire.TPCOpReq:
		e.tpcParticipantCreate(sender, msg)
		return
	case wire.MTPCOpReq:
		e.mtpcParticipantCreate(sender, msg)
		return
	case wire.OOEOpReq:
		e.ooeParticipantCreate(sender, msg)
		return
	}

	if _, finished := e.finished[msg.OperationID]; finished {
		// A late TPCAck (or any other late protocol message) arriving
		// after the terminal record is silently dropped.
		return
	}

	r, ok := e.table[msg.OperationID]
	if !ok {
		if msg.Kind != wire.NotResponsible {
			e.send(sender, wire.Message{Kind: wire.NotResponsible, OperationID: msg.OperationID})
		}
		return
	}

	switch msg.Kind {
	case wire.TPCVoteReq:
		e.tpcParticipantVoteReq(r)
	case wire.TPCVoteY:
		e.tpcCoordinatorVote(r, sender, true)
	case wire.TPCVoteN:
		e.tpcCoordinatorVote(r, sender, false)
	case wire.TPCCommit:
		e.tpcParticipantDecision(r, true)
	case wire.TPCAbort:
		e.tpcParticipantDecision(r, false)
	case wire.TPCAck:
		e.tpcCoordinatorAck(r, sender)

	case wire.MTPCCommit:
		if r.coordinator {
			e.mtpcCoordinatorVote(r, true)
		} else {
			e.mtpcParticipantDecision(r, true)
		}
	case wire.MTPCAbort:
		if r.coordinator {
			e.mtpcCoordinatorVote(r, false)
		} else {
			e.mtpcParticipantDecision(r, false)
		}
	case wire.MTPCAck:
		if r.coordinator {
			e.mtpcCoordinatorAck(r)
		}

	case wire.OOEAck:
		e.ooeAck(r)
	case wire.OOEAborted:
		e.ooeAborted(r)

	case wire.EventReRequest:
		e.onEventReRequest(r, sender)
	case wire.NotResponsible:
		e.onNotResponsible(r)
	case wire.StatusRequest:
		e.send(sender, wire.Message{Kind: wire.StatusResponse, OperationID: r.op.ID, Status: r.op.Status})
	case wire.StatusResponse:
		// Recovery's StatusRequest probe only needs to provoke
		// retransmission from the peer; the response itself carries no
		// action the idle side must take, status is observed via logs.
	case wire.ContentRequest:
		e.send(sender, wire.Message{
			Kind: wire.ContentResponse, OperationID: r.op.ID,
			Status: r.op.Status, Payload: r.op.Payload, Participants: r.op.Participants,
		})
	case wire.ContentResponse:
		// Answer to a recovery probe this host never issues automatically
		// today; accepted for protocol completeness but not acted on.
	}
}

// onEventReRequest replays the current pending send for r's status: the
// receiver derives what the peer is missing from where it stands itself,
// so no per-step retry message kinds are needed.
func (e *Engine) onEventReRequest(r *opRecord, sender string) {
	switch r.op.Protocol {
	case dtype.TwoPhaseCommit:
		switch r.op.Status {
		case dtype.TPCCoordinatorVReqSend:
			e.send(sender, wire.Message{Kind: wire.TPCVoteReq, OperationID: r.op.ID})
		case dtype.TPCCoordinatorVResultSend:
			e.send(sender, wire.Message{Kind: wire.TPCCommit, OperationID: r.op.ID})
		case dtype.TPCAborting:
			e.send(sender, wire.Message{Kind: wire.TPCAbort, OperationID: r.op.ID})
		case dtype.TPCPartWaitVResultExpectYes:
			e.send(sender, wire.Message{Kind: wire.TPCVoteY, OperationID: r.op.ID})
		case dtype.TPCPartWaitVResultExpectNo:
			e.send(sender, wire.Message{Kind: wire.TPCVoteN, OperationID: r.op.ID})
		}
	case dtype.ModifiedTwoPhaseCommit:
		switch r.op.Status {
		case dtype.MTPCCoordinatorReqSend:
			// No decision yet: the peer's vote is what is missing, so ask
			// for it again rather than answering with a decision.
			e.send(sender, wire.Message{Kind: wire.EventReRequest, OperationID: r.op.ID})
		case dtype.MTPCIWaitResultUndone:
			kind := wire.MTPCCommit
			if !r.decision {
				kind = wire.MTPCAbort
			}
			e.send(sender, wire.Message{Kind: kind, OperationID: r.op.ID})
		case dtype.MTPCPartVoteSendYes:
			e.send(sender, wire.Message{Kind: wire.MTPCCommit, OperationID: r.op.ID})
		case dtype.MTPCPartVoteSendNo:
			e.send(sender, wire.Message{Kind: wire.MTPCAbort, OperationID: r.op.ID})
		}
	case dtype.OrderedOperationExecution:
		if r.op.Status == dtype.OOEWaitResult {
			next := r.next()
			e.send(next.Server, wire.Message{
				Kind: wire.OOEOpReq, OperationID: r.op.ID, OpType: r.op.Type,
				SubtreeEntryParticipant: next.SubtreeEntry, SubtreeEntryCoordinator: r.op.SubtreeEntry,
				Payload: r.op.Payload,
			})
		}
	}
}

// onNotResponsible treats the sender as a participant that never executed
// this operation: an implicit vote/ack of failure.
func (e *Engine) onNotResponsible(r *opRecord) {
	switch r.op.Protocol {
	case dtype.TwoPhaseCommit:
		if r.coordinator {
			e.tpcCoordinatorAbort(r)
		}
	case dtype.ModifiedTwoPhaseCommit:
		if r.coordinator {
			e.mtpcCoordinatorAbort(r)
		}
	case dtype.OrderedOperationExecution:
		e.ooeForceAbort(r)
	}
}
