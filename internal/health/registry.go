package health

import (
	"sync"
	"time"
)

// Registry is the shared component health arena, indexed by component ID.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*ComponentHealth
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*ComponentHealth)}
}

// Register adds a component with healthy status. Registering an existing
// component is a no-op.
func (r *Registry) Register(componentID string, kind Kind) {
	if componentID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[componentID]; ok {
		return
	}
	r.records[componentID] = &ComponentHealth{
		ComponentID: componentID,
		Kind:        kind,
		Status:      StatusHealthy,
		UpdatedAt:   time.Now().UTC(),
	}
}

// RecordSuccess clears the failure counter and stamps LastSuccessAt.
// Called only by the component's owning data-path service.
func (r *Registry) RecordSuccess(componentID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record := r.records[componentID]
	if record == nil {
		return
	}
	record.ConsecutiveFailures = 0
	record.LastError = ""
	record.LastSuccessAt = at.UTC()
	record.UpdatedAt = at.UTC()
}

// RecordFailure increments the failure counter and returns the new count.
// Called only by the component's owning data-path service.
func (r *Registry) RecordFailure(componentID, reason string, at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	record := r.records[componentID]
	if record == nil {
		record = &ComponentHealth{ComponentID: componentID, Kind: KindUnknown, Status: StatusHealthy}
		r.records[componentID] = record
	}
	record.ConsecutiveFailures++
	record.LastError = reason
	record.UpdatedAt = at.UTC()
	return record.ConsecutiveFailures
}

// SetStatus transitions a component's status. Called only by the recovery
// service. A transition to healthy also re-arms the failure counter: a
// recovery can succeed without an intervening data-path success, and the
// counter must be able to reach the escalation threshold again if the
// component fails anew.
func (r *Registry) SetStatus(componentID string, status Status, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record := r.records[componentID]
	if record == nil {
		record = &ComponentHealth{ComponentID: componentID, Kind: KindUnknown}
		r.records[componentID] = record
	}
	record.Status = status
	if status == StatusHealthy {
		record.ConsecutiveFailures = 0
		record.LastError = ""
	}
	record.UpdatedAt = at.UTC()
}

// Get returns a copy of one component record.
func (r *Registry) Get(componentID string) (ComponentHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[componentID]
	if !ok {
		return ComponentHealth{}, false
	}
	return *record, true
}

// Snapshot returns copies of all component records.
func (r *Registry) Snapshot() []ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ComponentHealth, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, *record)
	}
	return out
}
