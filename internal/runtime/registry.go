// Package runtime is the handler registration and discovery surface the
// engine invokes through: a Handler interface plus a name-keyed map
// populated once at boot.
package runtime

import (
	"fmt"
	"strings"
	"sync"
)

// EventDescriptor is one entry a handler's CustomEventConfiguration may
// return; the core treats its contents as opaque metadata.
type EventDescriptor struct {
	Name string
	Kind string
}

// Handler is the contract a registered (namespace, name, version) binding
// satisfies. CustomEventConfiguration is called once at registration time;
// any error fails registration atomically (neither the handler nor any of
// its events appear in the registry). Run is invoked once per dispatched
// WorkflowStep; a returned error is interpreted as step failure. Wrap a
// failure in *errors.HandlerError to request an explicit backoff; otherwise
// there is none. The Executor does not act on HandlerError.Retryable:
// every failure is retried subject to the step's retryable column and
// retry_limit.
type Handler interface {
	Type() string
	CustomEventConfiguration() ([]EventDescriptor, error)
	Run(c *Context) (result any, err error)
}

// Key is the (namespace, name, version) lookup triple.
type Key struct {
	Namespace string
	Name      string
	Version   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Namespace, k.Name, k.Version)
}

// Registry is a concurrency-safe, name-keyed map of Handlers populated once
// at boot and read many times by the Executor. No global mutable state: each
// Coordinator owns its own Registry instance.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	events   map[string][]EventDescriptor
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		events:   make(map[string][]EventDescriptor),
	}
}

// Register validates and installs h under key. If h's
// CustomEventConfiguration call fails, nothing is installed: neither the
// handler nor any event descriptor appears in the registry afterward.
func (r *Registry) Register(key Key, h Handler) error {
	if h == nil {
		return fmt.Errorf("runtime: nil handler")
	}
	if strings.TrimSpace(h.Type()) == "" {
		return fmt.Errorf("runtime: handler has empty type")
	}
	k := key.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("runtime: handler already registered for %s", k)
	}

	events, err := h.CustomEventConfiguration()
	if err != nil {
		return fmt.Errorf("runtime: registration rolled back for %s: %w", k, err)
	}

	r.handlers[k] = h
	r.events[k] = events
	return nil
}

func (r *Registry) Get(key Key) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key.String()]
	return h, ok
}

func (r *Registry) Events(key Key) []EventDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[key.String()]
}
