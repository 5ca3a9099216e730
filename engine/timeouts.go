package engine

import (
	"fmt"
	"time"

	"daoengine/daocfg"
	"daoengine/dtype"
	"daoengine/wire"
)

func (e *Engine) stepTimeoutFor(p dtype.Protocol) time.Duration {
	switch p {
	case dtype.TwoPhaseCommit:
		return e.opts.TPCStepTimeout
	case dtype.ModifiedTwoPhaseCommit:
		return e.opts.MTPCStepTimeout
	default:
		return e.opts.OOEStepTimeout
	}
}

// armOverall schedules op's absolute deadline. It is armed exactly once,
// when the row is created (start_da_operation, an inbound OpReq, or
// recovery), and is never rearmed on status change: only FIN's
// wheel.Cancel retires it.
func (e *Engine) armOverall(r *opRecord) {
	e.wheel.Arm(dtype.TimeoutEntry{
		ID: r.op.ID, Kind: dtype.OverallTimeout,
		EnteredAt: time.Now(), RelativeTimeout: time.Until(r.op.OverallDeadline),
		StatusWhenArmed: r.op.Status,
	})
}

// armStep (re)arms the current status's step timeout and resets the retry
// counter, bumping generation so any entry armed for a prior status is
// recognized as stale when it eventually fires.
func (e *Engine) armStep(r *opRecord) {
	r.retries = 0
	gen := r.bump()
	e.wheel.Arm(dtype.TimeoutEntry{
		ID: r.op.ID, Kind: dtype.StepTimeout,
		EnteredAt: time.Now(), RelativeTimeout: e.stepTimeoutFor(r.op.Protocol),
		StatusWhenArmed: r.op.Status, Generation: gen,
	})
}

// rearmStepRetry re-arms the same status's step timeout without resetting
// generation, for the single retry allowed before aborting.
func (e *Engine) rearmStepRetry(r *opRecord) {
	e.wheel.Arm(dtype.TimeoutEntry{
		ID: r.op.ID, Kind: dtype.StepTimeout,
		EnteredAt: time.Now(), RelativeTimeout: e.stepTimeoutFor(r.op.Protocol),
		StatusWhenArmed: r.op.Status, Generation: r.generation,
	})
}

// onTimeout is the event core's timeout handler, called under stateMutex.
func (e *Engine) onTimeout(te dtype.TimeoutEntry) {
	r, ok := e.table[te.ID]
	if !ok {
		return // finished or never known; stale entry, drop silently
	}
	if te.Kind == dtype.StepTimeout && (te.Generation != r.generation || te.StatusWhenArmed != r.op.Status) {
		return // superseded by a later transition
	}
	if te.Kind == dtype.StepTimeout && !time.Now().Before(r.op.OverallDeadline) {
		// The overall entry is due as well (in this poll or an earlier
		// one); it alone decides the row.
		return
	}
	if te.Kind == dtype.OverallTimeout {
		// The overall deadline supersedes step behavior even if a step
		// timeout for the same id is also due in this poll.
		e.abortOnOverallTimeout(r)
		return
	}
	e.onStepTimeout(r)
}

func (e *Engine) abortOnOverallTimeout(r *opRecord) {
	daocfg.OpPrintf(r.op.ID, "overall deadline fired in status %v, forcing abort", r.op.Status)
	e.forceAbort(r)
}

// onStepTimeout routes a fired step timeout to the protocol's
// retry/abort policy.
func (e *Engine) onStepTimeout(r *opRecord) {
	switch r.op.Protocol {
	case dtype.TwoPhaseCommit:
		e.tpcStepTimeout(r)
	case dtype.ModifiedTwoPhaseCommit:
		e.mtpcStepTimeout(r)
	case dtype.OrderedOperationExecution:
		e.ooeStepTimeout(r)
	}
}

// retryOrAbort resends to every address in missing on the first
// step-timeout fire, then forces an abort on the second.
func (e *Engine) retryOrAbort(r *opRecord, missing []string, resend func(to string)) {
	if r.retries == 0 {
		r.retries++
		for _, to := range missing {
			resend(to)
		}
		e.rearmStepRetry(r)
		return
	}
	daocfg.Warn(false, fmt.Sprintf("op %d: step timeout retried once with no progress, aborting", r.op.ID))
	e.forceAbort(r)
}

// forceAbort is the generic "this row gives up waiting" path, used by both
// step-timeout exhaustion and the overall deadline. It routes to the
// protocol-specific abort helper so any undo/propagation rules still
// apply.
func (e *Engine) forceAbort(r *opRecord) {
	switch r.op.Protocol {
	case dtype.TwoPhaseCommit:
		if r.coordinator {
			e.tpcCoordinatorAbort(r)
		} else {
			e.tpcParticipantForceAbort(r)
		}
	case dtype.ModifiedTwoPhaseCommit:
		if r.coordinator {
			e.mtpcCoordinatorAbort(r)
		} else {
			e.mtpcParticipantForceAbort(r)
		}
	case dtype.OrderedOperationExecution:
		e.ooeForceAbort(r)
	}
}

// missingFrom computes which participants have not yet been counted in
// the row's dedup set.
func missingFrom(participants []dtype.Subtree, seen setContains) []string {
	var out []string
	for _, p := range participants {
		if !seen.Contains(p.Server) {
			out = append(out, p.Server)
		}
	}
	return out
}

// setContains is the narrow slice of mapset.Set this package actually
// needs, so missingFrom doesn't have to import the concrete set type.
type setContains interface {
	Contains(...interface{}) bool
}

func sendVoteReq(e *Engine, id uint64) func(string) {
	return func(to string) {
		e.send(to, wire.Message{Kind: wire.TPCVoteReq, OperationID: id})
	}
}
