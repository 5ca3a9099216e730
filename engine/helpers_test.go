package engine

import (
	"sync"
	"time"

	"daoengine/dtype"
	"daoengine/journal"
	"daoengine/wire"
)

// memJournal is an in-memory journal.Journal test double: no disk, no WAL,
// just an ordered slice of records per operation id.
type memJournal struct {
	mu      sync.Mutex
	records map[uint64][]dtype.LogRecord
}

func newMemJournal() *memJournal {
	return &memJournal{records: make(map[uint64][]dtype.LogRecord)}
}

func (j *memJournal) AddDistributed(id uint64, module dtype.Module, typ dtype.OperationType, kind dtype.LogRecordKind, tag dtype.StatusTag, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[id] = append(j.records[id], dtype.LogRecord{Kind: kind, ID: id, Module: module, Type: typ, Payload: payload, Tag: tag})
	return nil
}

func (j *memJournal) GetAllOperations(id uint64) ([]dtype.LogRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]dtype.LogRecord, len(j.records[id]))
	copy(out, j.records[id])
	return out, nil
}

func (j *memJournal) GetLastOperation(id uint64) (dtype.LogRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	recs := j.records[id]
	if len(recs) == 0 {
		return dtype.LogRecord{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

func (j *memJournal) lastKinds() map[uint64]dtype.LogRecordKind {
	out := make(map[uint64]dtype.LogRecordKind)
	for id, recs := range j.records {
		if len(recs) > 0 {
			out[id] = recs[len(recs)-1].Kind
		}
	}
	return out
}

func (j *memJournal) GetOpenOperations() (map[uint64]struct{}, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[uint64]struct{})
	for id, k := range j.lastKinds() {
		if k != dtype.LogCommit && k != dtype.LogAbort {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (j *memJournal) GetFinishedOperations() (map[uint64]struct{}, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[uint64]struct{})
	for id, k := range j.lastKinds() {
		if k == dtype.LogCommit || k == dtype.LogAbort {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (j *memJournal) Close() error { return nil }

// memProvider is a journal.Provider test double backed entirely by memJournal.
type memProvider struct {
	mu   sync.Mutex
	logs map[uint64]*memJournal
}

func newMemProvider() *memProvider {
	return &memProvider{logs: make(map[uint64]*memJournal)}
}

func (p *memProvider) For(subtreeEntry uint64) (journal.Journal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.logs[subtreeEntry]
	if !ok {
		j = newMemJournal()
		p.logs[subtreeEntry] = j
	}
	return j, nil
}

func (p *memProvider) Enumerate() (map[uint64]journal.Journal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint64]journal.Journal, len(p.logs))
	for k, v := range p.logs {
		out[k] = v
	}
	return out, nil
}

// fakeTransport records every Send call instead of touching a real socket.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	to  string
	msg wire.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) Send(to string, msg wire.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMessage{to: to, msg: msg})
	return nil
}

func (t *fakeTransport) snapshot() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) lastTo(kind wire.Kind) (sentMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].msg.Kind == kind {
			return t.sent[i], true
		}
	}
	return sentMessage{}, false
}

func (t *fakeTransport) countKind(kind wire.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sent {
		if s.msg.Kind == kind {
			n++
		}
	}
	return n
}

// waitUntil spins briefly for an asynchronous engine side effect; the event
// core processes channels from a background goroutine, so state changes
// after a ProvideOperationExecutionResult/HandleRequest call land a beat
// later.
func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
