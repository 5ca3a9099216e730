package adapter

import (
	"context"
	"fmt"

	lock "github.com/viney-shih/go-lock"
	"github.com/ygrebnov/workers"

	"daoengine/daocfg"
	"daoengine/dtype"
)

// inQueueBuffer bounds the engine -> executor in-queue per module. The
// engine never blocks indefinitely on a full in-queue; its producer side
// (engine.push) drops with a warning rather than stalling the event core.
const inQueueBuffer = 256

// binding is everything the Registry tracks for one registered Module: the
// adapter itself, the in-queue it consumes from, and the background pump
// task draining that queue.
type binding struct {
	adapter Adapter
	in      chan dtype.OutRequest
	pump    *workers.Workers[struct{}]
	cancel  context.CancelFunc
}

// Registry binds at most one Adapter per Module and owns the outbound
// pump that drains each adapter's in-queue. The pump runs as a
// github.com/ygrebnov/workers task: draining a queue of heterogeneous
// I/O-bound requests (execute/undo/redo/reundo) is exactly that library's
// purpose.
type Registry struct {
	mu       lock.Mutex
	bindings map[dtype.Module]*binding
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:       lock.NewCASMutex(),
		bindings: make(map[dtype.Module]*binding),
	}
}

// Register binds a to module, starting its outbound pump immediately. It is
// an error to register a module twice.
func (r *Registry) Register(module dtype.Module, a Adapter, view EngineView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[module]; exists {
		return fmt.Errorf("adapter: module %s already registered", module)
	}

	ctx, cancel := context.WithCancel(context.Background())
	// ErrorsBufferSize must cover the pump task's ctx.Err() on shutdown:
	// nobody drains GetErrors, and an unbuffered errors channel would strand
	// the worker goroutine at Close.
	b := &binding{
		adapter: a,
		in:      make(chan dtype.OutRequest, inQueueBuffer),
		pump: workers.New[struct{}](ctx, &workers.Config{
			StartImmediately: true,
			TasksBufferSize:  1,
			ErrorsBufferSize: 4,
		}),
		cancel: cancel,
	}
	if err := b.pump.AddTask(workers.TaskError[struct{}](func(ctx context.Context) error {
		return runPump(ctx, module, a, b.in, view)
	})); err != nil {
		cancel()
		return err
	}
	r.bindings[module] = b
	return nil
}

// QueueFor returns the producer handle for module's in-queue: the channel
// the engine's event core writes OutRequests to.
func (r *Registry) QueueFor(module dtype.Module) (chan<- dtype.OutRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[module]
	if !ok {
		return nil, fmt.Errorf("adapter: no adapter registered for module %s", module)
	}
	return b.in, nil
}

// Get returns the Adapter bound to module, for direct calls the event core
// makes synchronously (IsCoordinator, SetSendingAddresses,
// SetSubtreeEntryPoint during recovery).
func (r *Registry) Get(module dtype.Module) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[module]
	if !ok {
		return nil, fmt.Errorf("adapter: no adapter registered for module %s", module)
	}
	return b.adapter, nil
}

// Close stops every registered pump. Safe to call once.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bindings {
		b.cancel()
	}
}

// runPump is the long-running task handed to the workers pool: it drains
// in, dispatches each request to the right Adapter hook, and reports
// InResults back through view. One runPump per registered module, so two
// modules' adapters never serialize behind each other.
func runPump(ctx context.Context, module dtype.Module, a Adapter, in chan dtype.OutRequest, view EngineView) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-in:
			dispatch(module, a, req, view)
		}
	}
}

func dispatch(module dtype.Module, a Adapter, req dtype.OutRequest, view EngineView) {
	if req.IsClientResponse() {
		a.HandleOperationResult(req.ID, len(req.Payload) == 1 && req.Payload[0] == 1)
		return
	}

	var ok bool
	switch req.Tag {
	case dtype.Execute:
		ok = a.HandleOperationRequest(req.ID, req.Payload)
	case dtype.Redo:
		ok = a.HandleOperationRerequest(req.ID, req.Payload)
	case dtype.Undo:
		ok = a.HandleOperationUndoRequest(req.ID, req.Payload)
	case dtype.Reundo:
		ok = a.HandleOperationReundoRequest(req.ID, req.Payload)
	default:
		daocfg.Warn(false, fmt.Sprintf("adapter: module %s: unknown request tag %d for op %d", module, req.Tag, req.ID))
		return
	}

	result := dtype.InResult{ID: req.ID}
	switch req.Tag {
	case dtype.Execute, dtype.Redo:
		if ok {
			result.Success = dtype.ExecOK
			if req.Protocol == dtype.OrderedOperationExecution {
				result.NextParticipant, result.NextPayload = a.GetNextParticipant(req.Payload)
			}
		} else {
			result.Success = dtype.ExecFail
		}
	case dtype.Undo, dtype.Reundo:
		if ok {
			result.Success = dtype.UndoOK
		} else {
			result.Success = dtype.UndoFail
		}
	}
	view.ProvideOperationExecutionResult(result)
}
