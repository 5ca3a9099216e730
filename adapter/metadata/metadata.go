// Package metadata is the demo MetaData module adapter: it owns Rename,
// SetAttr and ChangePartitionOwnership, all run under TwoPhaseCommit,
// backed by a single mutex guarding an in-memory metadata table keyed by
// subtree entry.
package metadata

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"daoengine/dtype"
)

// Entry is one piece of metadata this adapter tracks.
type Entry struct {
	Name  string
	Attrs map[string]string
	Owner string
}

// Mutation is the application payload carried by Rename/SetAttr/
// ChangePartitionOwnership operations.
type Mutation struct {
	SubtreeEntry uint64          `json:"subtree_entry"`
	NewName      string          `json:"new_name,omitempty"`
	AttrKey      string          `json:"attr_key,omitempty"`
	AttrValue    string          `json:"attr_value,omitempty"`
	NewOwner     string          `json:"new_owner,omitempty"`
	Coordinator  string          `json:"coordinator"`
	Participants []dtype.Subtree `json:"participants,omitempty"`
}

// Adapter is the in-memory demo MetaData executor.
type Adapter struct {
	self string

	mu      sync.Mutex
	entries map[uint64]*Entry
	undo    map[uint64]Entry // op id -> pre-mutation snapshot
}

// New returns a MetaData adapter for the host listening at self.
func New(self string) *Adapter {
	return &Adapter{
		self:    self,
		entries: make(map[uint64]*Entry),
		undo:    make(map[uint64]Entry),
	}
}

func (a *Adapter) IsCoordinator(op *dtype.Op) bool {
	var m Mutation
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return false
	}
	return m.Coordinator == a.self
}

// SetSendingAddresses fills op.Participants for a recovered row. A
// coordinator row recovers its full peer set from the payload; a
// participant row recovers only the single address it replies to, matching
// the shape tpcParticipantCreate/mtpcParticipantCreate give a live
// participant row (engine.opRecord.coordinatorAddr reads Participants[0]).
func (a *Adapter) SetSendingAddresses(op *dtype.Op) error {
	var m Mutation
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return fmt.Errorf("metadata: recover participants for op %d: %w", op.ID, err)
	}
	if m.Coordinator == a.self {
		op.Participants = m.Participants
		return nil
	}
	op.Participants = []dtype.Subtree{{Server: m.Coordinator, SubtreeEntry: m.SubtreeEntry}}
	return nil
}

func (a *Adapter) SetSubtreeEntryPoint(op *dtype.Op) error {
	var m Mutation
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return fmt.Errorf("metadata: recover subtree entry for op %d: %w", op.ID, err)
	}
	op.SubtreeEntry = m.SubtreeEntry
	return nil
}

// GetNextParticipant is unused: MetaData operations never run under OOE.
func (a *Adapter) GetNextParticipant(payload []byte) (dtype.Subtree, []byte) {
	return dtype.Subtree{}, payload
}

func (a *Adapter) entry(id uint64) *Entry {
	e, ok := a.entries[id]
	if !ok {
		e = &Entry{Attrs: make(map[string]string)}
		a.entries[id] = e
	}
	return e
}

func (a *Adapter) HandleOperationRequest(id uint64, payload []byte) bool {
	var m Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entry(m.SubtreeEntry)
	a.undo[id] = *e
	snapshot := *e
	snapshot.Attrs = make(map[string]string, len(e.Attrs))
	for k, v := range e.Attrs {
		snapshot.Attrs[k] = v
	}
	a.undo[id] = snapshot

	if m.NewName != "" {
		e.Name = m.NewName
	}
	if m.AttrKey != "" {
		e.Attrs[m.AttrKey] = m.AttrValue
	}
	if m.NewOwner != "" {
		e.Owner = m.NewOwner
	}
	return true
}

func (a *Adapter) HandleOperationRerequest(id uint64, payload []byte) bool {
	return a.HandleOperationRequest(id, payload)
}

func (a *Adapter) HandleOperationUndoRequest(id uint64, payload []byte) bool {
	var m Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	prior, ok := a.undo[id]
	if !ok {
		return true
	}
	restored := prior
	a.entries[m.SubtreeEntry] = &restored
	delete(a.undo, id)
	return true
}

func (a *Adapter) HandleOperationReundoRequest(id uint64, payload []byte) bool {
	return a.HandleOperationUndoRequest(id, payload)
}

func (a *Adapter) HandleOperationResult(id uint64, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		delete(a.undo, id)
	}
}
