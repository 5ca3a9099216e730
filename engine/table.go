package engine

import (
	mapset "github.com/deckarep/golang-set"

	"daoengine/dtype"
)

// opRecord is one row of the operation table. The vote/ack dedup sets
// live on the row rather than in any process-wide structure, so clearing
// them on the terminal transition is free.
type opRecord struct {
	op          dtype.Op
	module      dtype.Module
	coordinator bool // this host originated op (vs. a participant row)

	votesFrom mapset.Set // 2PC coordinator: senders whose Yes vote counted
	acksFrom  mapset.Set // 2PC coordinator: senders whose Ack counted

	decision    bool // true=commit, false=abort; meaningful once decided
	decided     bool // participant rows: the coordinator's decision arrived (or an abort was forced locally)
	pendingUndo bool // a local Undo/Reundo was forwarded and not yet resolved
	responded   bool // client-response already delivered; at most one per row

	generation uint64 // bumped each time armStep arms a step timeout; guards stale timeouts
	retries    int    // step-timeout retries since the last status change

	// M2PC coordinator only: the two independent outcomes the decision is
	// the AND of. nil means not yet known.
	mtpcLocalOK *bool
	mtpcPeerOK  *bool

	// OOE only. ooeLocalCommitted remembers whether this hop's own Execute
	// returned ExecOK, so a later force-abort knows whether an Undo is
	// owed. ooeAbortedEarly latches an OOEAborted that arrived from the
	// next hop before this host's own executor result came back: the
	// chain's decision is already abort, but this row must still wait for
	// its own Execute/ExecFail before it can undo and propagate.
	ooeLocalCommitted bool
	ooeAbortedEarly   bool
}

func newOpRecord(op dtype.Op, module dtype.Module, coordinator bool) *opRecord {
	return &opRecord{
		op:          op,
		module:      module,
		coordinator: coordinator,
		votesFrom:   mapset.NewSet(),
		acksFrom:    mapset.NewSet(),
	}
}

// coordinatorAddr returns the address this row sends protocol replies to
// when not itself the coordinator: the 2PC/M2PC participant's sole
// counterpart, or the OOE previous hop.
func (r *opRecord) coordinatorAddr() string {
	if len(r.op.Participants) == 0 {
		return ""
	}
	return r.op.Participants[0].Server
}

// previous/next are the OOE chain neighbors, kept at fixed indices 0/1 of
// op.Participants; either slot may be the zero Subtree at the chain ends.
func (r *opRecord) previous() dtype.Subtree {
	if len(r.op.Participants) < 1 {
		return dtype.Subtree{}
	}
	return r.op.Participants[0]
}

func (r *opRecord) next() dtype.Subtree {
	if len(r.op.Participants) < 2 {
		return dtype.Subtree{}
	}
	return r.op.Participants[1]
}

func (r *opRecord) setNext(s dtype.Subtree) {
	for len(r.op.Participants) < 2 {
		r.op.Participants = append(r.op.Participants, dtype.Subtree{})
	}
	r.op.Participants[1] = s
}

// bump advances the generation counter, invalidating any timeout entry
// already armed for this row's previous status.
func (r *opRecord) bump() uint64 {
	r.generation++
	return r.generation
}
