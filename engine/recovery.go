package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ygrebnov/workers"

	"daoengine/daocfg"
	"daoengine/daoerr"
	"daoengine/dtype"
	"daoengine/wire"
)

// statusForTag is the recovery status-inference table: each LogUpdate tag
// maps to exactly one Status, regardless of whether the corresponding
// send actually reached the wire before the crash (the write-ahead rule
// makes the tag durable before the send is attempted, so a crash may fall
// between the two; the recovery action below re-arms a step timeout so a
// peer that never saw it still gets retried).
var statusForTag = map[dtype.StatusTag]dtype.Status{
	dtype.TPCIVoteStart:  dtype.TPCCoordinatorVReqSend,
	dtype.TPCIAborting:   dtype.TPCAborting,
	dtype.TPCICommiting:  dtype.TPCCoordinatorVResultSend,
	dtype.TPCPVoteYes:    dtype.TPCPartWaitVResultExpectYes,
	dtype.TPCPVoteNo:     dtype.TPCPartWaitVResultExpectNo,
	dtype.MTPCIStartP:    dtype.MTPCCoordinatorReqSend,
	dtype.MTPCPCommitTag: dtype.MTPCPartVoteSendYes,
	dtype.MTPCPAbortTag:  dtype.MTPCPartVoteSendNo,
	dtype.OOEStartNext:   dtype.OOEWaitResult,
	dtype.OOEUndo:        dtype.OOEWaitResultUndone,
}

// protocolForTag groups each StatusTag into the protocol family it
// belongs to.
var protocolForTag = map[dtype.StatusTag]dtype.Protocol{
	dtype.TPCIVoteStart: dtype.TwoPhaseCommit,
	dtype.TPCIAborting:  dtype.TwoPhaseCommit,
	dtype.TPCICommiting: dtype.TwoPhaseCommit,
	dtype.TPCPVoteYes:   dtype.TwoPhaseCommit,
	dtype.TPCPVoteNo:    dtype.TwoPhaseCommit,

	dtype.MTPCIStartP:    dtype.ModifiedTwoPhaseCommit,
	dtype.MTPCPCommitTag: dtype.ModifiedTwoPhaseCommit,
	dtype.MTPCPAbortTag:  dtype.ModifiedTwoPhaseCommit,

	dtype.OOEStartNext: dtype.OrderedOperationExecution,
	dtype.OOEUndo:      dtype.OrderedOperationExecution,
}

// doRecovery enumerates every journal on the host, reconstructs every
// operation whose last record is not terminal, and drives each to a
// decision-in-progress state consistent with its peers. Runs once, before
// the event core starts servicing the in-queues; inbound messages that
// arrive meanwhile are buffered on inboundCh and drained afterward.
func (e *Engine) doRecovery() error {
	journals, err := e.journals.Enumerate()
	if err != nil {
		return daoerr.Wrap("doRecovery", daoerr.Internal, err)
	}

	// Journal reads are the slow half of recovery, so every journal is
	// scanned concurrently; reconstruction stays serial under stateMutex
	// below.
	type journalScan struct {
		subtreeEntry uint64
		finished     map[uint64]struct{}
		open         map[uint64][]dtype.LogRecord
	}
	entries := make([]uint64, 0, len(journals))
	for subtreeEntry := range journals {
		entries = append(entries, subtreeEntry)
	}
	var (
		scanMu sync.Mutex
		scans  []journalScan
	)
	if err := workers.ForEach(context.Background(), entries, func(_ context.Context, subtreeEntry uint64) error {
		j := journals[subtreeEntry]
		finished, err := j.GetFinishedOperations()
		if err != nil {
			return err
		}
		open, err := j.GetOpenOperations()
		if err != nil {
			return err
		}
		records := make(map[uint64][]dtype.LogRecord, len(open))
		for id := range open {
			recs, err := j.GetAllOperations(id)
			if err != nil {
				return err
			}
			records[id] = recs
		}
		scanMu.Lock()
		scans = append(scans, journalScan{subtreeEntry: subtreeEntry, finished: finished, open: records})
		scanMu.Unlock()
		return nil
	}); err != nil {
		return daoerr.Wrap("doRecovery", daoerr.UnknownLog, err)
	}

	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	var unrecoverable []uint64
	for _, s := range scans {
		for id := range s.finished {
			e.finished[id] = struct{}{}
		}
		for id, records := range s.open {
			if err := e.recoverOne(id, s.subtreeEntry, records); err != nil {
				daocfg.Warn(false, fmt.Sprintf("doRecovery: op %d: %v", id, err))
				unrecoverable = append(unrecoverable, id)
			}
		}
	}

	if len(unrecoverable) > 0 {
		return daoerr.New("doRecovery", daoerr.NotAllOperationsRecoverable)
	}
	return nil
}

// recoverOne rebuilds a single Op from its journal records and inserts it
// into the table, armed and with an appropriate recovery action already
// taken. Called with stateMutex held.
func (e *Engine) recoverOne(id, subtreeEntry uint64, records []dtype.LogRecord) error {
	if len(records) == 0 {
		return fmt.Errorf("no records for open id")
	}
	start := records[0]
	if start.Kind != dtype.LogStart {
		return fmt.Errorf("first record is not a Start record")
	}
	last := records[len(records)-1]

	op := dtype.Op{
		ID:              id,
		Type:            start.Type,
		Payload:         start.Payload,
		SubtreeEntry:    subtreeEntry,
		OverallDeadline: time.Now().Add(e.opts.OverallTimeout),
	}

	switch last.Kind {
	case dtype.LogStart:
		protocol, ok := dtype.ProtocolFor(op.Type)
		if !ok {
			return fmt.Errorf("unknown operation type %v", op.Type)
		}
		op.Protocol = protocol
	case dtype.LogUpdate:
		status, ok := statusForTag[last.Tag]
		if !ok {
			return fmt.Errorf("unknown status tag %v", last.Tag)
		}
		protocol, ok := protocolForTag[last.Tag]
		if !ok {
			return fmt.Errorf("unknown protocol for status tag %v", last.Tag)
		}
		op.Status = status
		op.Protocol = protocol
	default:
		return fmt.Errorf("unexpected terminal record in open-operation set")
	}

	module := start.Module
	adapterImpl, err := e.registry.Get(module)
	if err != nil {
		return daoerr.Wrap("recoverOne", daoerr.SettingAddressesFailed, err)
	}
	coordinator := adapterImpl.IsCoordinator(&op)
	if err := adapterImpl.SetSendingAddresses(&op); err != nil {
		return daoerr.Wrap("recoverOne", daoerr.SettingAddressesFailed, err)
	}
	if err := adapterImpl.SetSubtreeEntryPoint(&op); err != nil {
		return daoerr.Wrap("recoverOne", daoerr.SettingAddressesFailed, err)
	}

	if last.Kind == dtype.LogStart {
		op.Status = initialStatus(op.Protocol, coordinator)
	}

	r := newOpRecord(op, module, coordinator)
	e.table[id] = r
	e.armOverall(r)
	e.recoveryAction(r)
	return nil
}

// initialStatus is the protocol's first status for a row whose only
// journal record is Start: the crash happened before any protocol message
// was sent or received.
func initialStatus(p dtype.Protocol, coordinator bool) dtype.Status {
	switch p {
	case dtype.TwoPhaseCommit:
		if coordinator {
			return dtype.TPCCoordinatorComp
		}
		return dtype.TPCPartComp
	case dtype.ModifiedTwoPhaseCommit:
		if coordinator {
			return dtype.MTPCCoordinatorComp
		}
		return dtype.MTPCPartComp
	default:
		return dtype.OOEComp
	}
}

// recoveryAction re-forwards a local execution the adapter may never have
// finished (the *Comp statuses) and, for a coordinator-side row that
// expected a peer's reply, proactively probes with a StatusRequest rather
// than waiting out a full step timeout. Every recovered row also gets a
// fresh step timeout so, absent any response, the ordinary retry/abort
// path still applies.
func (e *Engine) recoveryAction(r *opRecord) {
	switch r.op.Status {
	case dtype.TPCCoordinatorComp, dtype.MTPCCoordinatorComp, dtype.TPCPartComp, dtype.MTPCPartComp, dtype.OOEComp:
		e.forward(r, dtype.Redo, r.op.Payload)
		e.armStep(r)
		return
	case dtype.OOEWaitResultUndone:
		// The crash interrupted a compensating undo; replay it
		// idempotently and let the UndoOK/UndoFail result finish the row.
		r.pendingUndo = true
		e.forward(r, dtype.Reundo, r.op.Payload)
		e.armStep(r)
		return
	}

	if r.coordinator {
		for _, p := range r.op.Participants {
			if p.Empty() {
				continue
			}
			e.send(p.Server, wire.Message{Kind: wire.StatusRequest, OperationID: r.op.ID})
		}
	} else if r.op.Protocol == dtype.OrderedOperationExecution && r.op.Status == dtype.OOEWaitResult {
		next := r.next()
		if !next.Empty() {
			e.send(next.Server, wire.Message{Kind: wire.StatusRequest, OperationID: r.op.ID})
		}
	}
	// Participant states that had not yet received the next step (e.g.
	// TPCPartWaitVResultExpectYes/No) send nothing: coordinator
	// retransmission and timeouts cover them.
	e.armStep(r)
}
