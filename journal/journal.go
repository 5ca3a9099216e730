// Package journal implements the per-subtree append-only log the engine
// requires, one github.com/tidwall/wal log per subtree directory.
//
// Every append is synchronous: a log record must be durable before the
// protocol message it accompanies is handed to the transport, so batching
// the fsync would violate the write-ahead rule.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/tidwall/wal"
	lock "github.com/viney-shih/go-lock"

	"daoengine/dtype"
)

// Journal is the per-subtree append-only log consumed by the engine.
type Journal interface {
	// AddDistributed appends one record. kind selects the record family;
	// tag is meaningful only for LogUpdate, payload only for LogStart.
	AddDistributed(id uint64, module dtype.Module, typ dtype.OperationType, kind dtype.LogRecordKind, tag dtype.StatusTag, payload []byte) error
	// GetLastOperation returns the most recently appended record for id.
	GetLastOperation(id uint64) (dtype.LogRecord, bool, error)
	// GetAllOperations returns every record for id in append order.
	GetAllOperations(id uint64) ([]dtype.LogRecord, error)
	// GetOpenOperations returns every id whose last record is not a
	// terminal (Commit/Abort) record.
	GetOpenOperations() (map[uint64]struct{}, error)
	// GetFinishedOperations returns every id whose last record is a
	// terminal (Commit/Abort) record, so recovery can remember them for
	// late-message idempotence without reconstructing a row.
	GetFinishedOperations() (map[uint64]struct{}, error)
	Close() error
}

// Provider hands out the per-subtree Journal for a subtree entry, and
// enumerates every journal on the host for recovery.
type Provider interface {
	For(subtreeEntry uint64) (Journal, error)
	Enumerate() (map[uint64]Journal, error)
}

// onDiskEntry is the envelope persisted for one LogRecord. Payload rides
// as base64 inside the JSON envelope (goccy/go-json's standard []byte
// handling).
type onDiskEntry struct {
	Kind    dtype.LogRecordKind `json:"kind"`
	ID      uint64              `json:"id"`
	Module  dtype.Module        `json:"module"`
	Type    dtype.OperationType `json:"type"`
	Tag     dtype.StatusTag     `json:"tag"`
	Payload []byte              `json:"payload,omitempty"`
}

// WALJournal is a Provider backed by one wal.Log directory per subtree.
type WALJournal struct {
	baseDir string

	mu   sync.Mutex
	logs map[uint64]*subtreeJournal
}

// NewWALJournal opens (lazily, per subtree) WAL directories rooted at
// baseDir, one "<baseDir>/<subtreeEntry>" directory per journal.
func NewWALJournal(baseDir string) *WALJournal {
	return &WALJournal{baseDir: baseDir, logs: make(map[uint64]*subtreeJournal)}
}

func (p *WALJournal) For(subtreeEntry uint64) (Journal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j, ok := p.logs[subtreeEntry]; ok {
		return j, nil
	}
	dir := filepath.Join(p.baseDir, fmt.Sprintf("%d", subtreeEntry))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	log, err := wal.Open(dir, nil)
	if err != nil {
		return nil, err
	}
	last, err := log.LastIndex()
	if err != nil {
		return nil, err
	}
	j := &subtreeJournal{log: log, lsn: last, latch: lock.NewCASMutex()}
	p.logs[subtreeEntry] = j
	return j, nil
}

func (p *WALJournal) Enumerate() (map[uint64]Journal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries, err := os.ReadDir(p.baseDir)
	if os.IsNotExist(err) {
		return map[uint64]Journal{}, nil
	}
	if err != nil {
		return nil, err
	}
	result := make(map[uint64]Journal, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var subtreeEntry uint64
		if _, err := fmt.Sscanf(e.Name(), "%d", &subtreeEntry); err != nil {
			continue
		}
		if j, ok := p.logs[subtreeEntry]; ok {
			result[subtreeEntry] = j
			continue
		}
		dir := filepath.Join(p.baseDir, e.Name())
		log, err := wal.Open(dir, nil)
		if err != nil {
			return nil, err
		}
		last, err := log.LastIndex()
		if err != nil {
			return nil, err
		}
		j := &subtreeJournal{log: log, lsn: last, latch: lock.NewCASMutex()}
		p.logs[subtreeEntry] = j
		result[subtreeEntry] = j
	}
	return result, nil
}

// subtreeJournal is one wal.Log bound to a single subtree entry.
type subtreeJournal struct {
	latch lock.Mutex
	log   *wal.Log
	lsn   uint64
}

func (j *subtreeJournal) AddDistributed(id uint64, module dtype.Module, typ dtype.OperationType, kind dtype.LogRecordKind, tag dtype.StatusTag, payload []byte) error {
	e := onDiskEntry{Kind: kind, ID: id, Module: module, Type: typ, Tag: tag, Payload: payload}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	j.latch.Lock()
	defer j.latch.Unlock()
	j.lsn++
	return j.log.Write(j.lsn, data)
}

func (j *subtreeJournal) records(id uint64) ([]dtype.LogRecord, error) {
	j.latch.Lock()
	first, ferr := j.log.FirstIndex()
	last, lerr := j.log.LastIndex()
	j.latch.Unlock()
	if ferr != nil {
		return nil, ferr
	}
	if lerr != nil {
		return nil, lerr
	}
	var out []dtype.LogRecord
	for idx := first; idx <= last && last != 0; idx++ {
		j.latch.Lock()
		data, err := j.log.Read(idx)
		j.latch.Unlock()
		if err != nil {
			return nil, err
		}
		var e onDiskEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if id != 0 && e.ID != id {
			continue
		}
		out = append(out, dtype.LogRecord{Kind: e.Kind, ID: e.ID, Module: e.Module, Type: e.Type, Payload: e.Payload, Tag: e.Tag})
	}
	return out, nil
}

func (j *subtreeJournal) GetAllOperations(id uint64) ([]dtype.LogRecord, error) {
	return j.records(id)
}

func (j *subtreeJournal) GetLastOperation(id uint64) (dtype.LogRecord, bool, error) {
	recs, err := j.records(id)
	if err != nil {
		return dtype.LogRecord{}, false, err
	}
	if len(recs) == 0 {
		return dtype.LogRecord{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

func (j *subtreeJournal) lastKinds() (map[uint64]dtype.LogRecordKind, error) {
	all, err := j.records(0)
	if err != nil {
		return nil, err
	}
	lastKind := make(map[uint64]dtype.LogRecordKind)
	for _, r := range all {
		lastKind[r.ID] = r.Kind
	}
	return lastKind, nil
}

func (j *subtreeJournal) GetOpenOperations() (map[uint64]struct{}, error) {
	lastKind, err := j.lastKinds()
	if err != nil {
		return nil, err
	}
	open := make(map[uint64]struct{})
	for id, k := range lastKind {
		if k != dtype.LogCommit && k != dtype.LogAbort {
			open[id] = struct{}{}
		}
	}
	return open, nil
}

func (j *subtreeJournal) GetFinishedOperations() (map[uint64]struct{}, error) {
	lastKind, err := j.lastKinds()
	if err != nil {
		return nil, err
	}
	finished := make(map[uint64]struct{})
	for id, k := range lastKind {
		if k == dtype.LogCommit || k == dtype.LogAbort {
			finished[id] = struct{}{}
		}
	}
	return finished, nil
}

func (j *subtreeJournal) Close() error {
	j.latch.Lock()
	defer j.latch.Unlock()
	return j.log.Close()
}

func (p *WALJournal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, j := range p.logs {
		if err := j.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
