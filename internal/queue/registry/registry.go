// Package registry implements C3: the explicit, closed mapping from task
// type to handler function. There is no automatic discovery — a lookup
// miss is a first-class outcome, never a fallback to reflection or dynamic
// import. This is the security boundary named in spec §4.3/§9.
package registry

import (
	"context"
	"sync"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/queueerr"
)

// Handler executes one task invocation. ctx carries no deadline; it is
// cancelled when the executor observes a cancel request or when the
// executor's own context (the worker engine's, on shutdown) is cancelled;
// payload is the task's raw JSON payload. A non-nil result is stored
// verbatim in the task's Result column on success.
type Handler func(ctx context.Context, payload []byte) (result []byte, err error)

// Registration pairs a Handler with the metadata spec §4.3 allows a
// registration file to declare.
type Registration struct {
	Handler     Handler
	Version     string
	Description string
}

// Registry is a process-wide, type-string-keyed table. It is mutated only
// at startup (Register/LoadFile) and is safe for concurrent Lookup under a
// readers-writer lock.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register binds typ to a handler. Fails with DuplicateHandler unless
// override is true, matching spec §4.3's register(type, handler, *,
// override=false) contract.
func (r *Registry) Register(typ string, h Handler, override bool) error {
	if typ == "" {
		return queueerr.New(queueerr.KindValidation, "task type must not be empty")
	}
	if h == nil {
		return queueerr.New(queueerr.KindValidation, "handler must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[typ]; exists && !override {
		return queueerr.New(queueerr.KindDuplicateHandler, "handler already registered for type "+typ)
	}
	r.regs[typ] = Registration{Handler: h}
	return nil
}

// RegisterWithMetadata is Register plus the optional version/description
// metadata named in spec §4.3.
func (r *Registry) RegisterWithMetadata(typ string, reg Registration, override bool) error {
	if typ == "" {
		return queueerr.New(queueerr.KindValidation, "task type must not be empty")
	}
	if reg.Handler == nil {
		return queueerr.New(queueerr.KindValidation, "handler must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[typ]; exists && !override {
		return queueerr.New(queueerr.KindDuplicateHandler, "handler already registered for type "+typ)
	}
	r.regs[typ] = reg
	return nil
}

// Lookup returns the handler bound to typ, or ok=false if none is
// registered — never an error, since "not found" is the expected shape of
// an UnregisteredType task (spec §4.5 step 2).
func (r *Registry) Lookup(typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[typ]
	if !ok {
		return nil, false
	}
	return reg.Handler, true
}

// Types returns every registered type string.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.regs))
	for t := range r.regs {
		out = append(out, t)
	}
	return out
}

// Len reports how many types are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}
