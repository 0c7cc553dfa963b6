// Package rpc implements the service-call registry and dispatcher for
// the binary service-call opcodes (client request 0x02, server response
// 0x03): named services are registered once, advertised to every
// session, and dispatched by numeric service id as calls arrive.
package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Handler executes one service call and returns the response payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Service describes a single registered RPC service.
type Service struct {
	ID             uint32
	Name           string
	Type           string
	RequestSchema  string
	ResponseSchema string
	handler        Handler
}

// Registry allocates monotonic service ids, rejects duplicate names, and
// dispatches calls to the registered handler — grounded on the teacher's
// Dispatcher's named-handler-registration-and-routing shape
// (internal/rtmp/rpc/dispatcher.go), generalized from a string command
// name keyed by a single struct of function fields to a numeric service
// id keyed registry supporting dynamic registration.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint32]*Service
	byName map[string]uint32
	nextID atomic.Uint32
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint32]*Service),
		byName: make(map[string]uint32),
	}
}

// Register adds a new service and returns its allocated id. Returns an
// error if a service with the same name already exists.
func (r *Registry) Register(name, typ, requestSchema, responseSchema string, h Handler) (uint32, error) {
	if h == nil {
		return 0, fmt.Errorf("rpc: nil handler for service %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return 0, fmt.Errorf("rpc: service %q already registered", name)
	}
	id := r.nextID.Add(1)
	r.byID[id] = &Service{ID: id, Name: name, Type: typ, RequestSchema: requestSchema, ResponseSchema: responseSchema, handler: h}
	r.byName[name] = id
	return id, nil
}

// Unregister removes a service by id.
func (r *Registry) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.byID[id]; ok {
		delete(r.byName, svc.Name)
		delete(r.byID, id)
	}
}

// Services returns a snapshot of every registered service, sorted by id,
// suitable for an advertiseServices frame.
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.byID))
	for _, svc := range r.byID {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatch routes a call to the service registered under serviceID.
// Returns an error if no such service exists; the caller is responsible
// for translating that into a failed ServiceCallResponse or a status
// frame, per spec.md's error taxonomy.
func (r *Registry) Dispatch(ctx context.Context, serviceID uint32, payload []byte) ([]byte, error) {
	r.mu.RLock()
	svc, ok := r.byID[serviceID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rpc: unknown service id %d", serviceID)
	}
	return svc.handler(ctx, payload)
}
