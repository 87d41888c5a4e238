package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry maps carrier call ids to running machines. Exactly one machine
// exists per call id; concurrent webhooks for the same id share it.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine

	idleTimeout time.Duration
}

// NewRegistry creates a registry. Machines with no activity for idleTimeout
// are expired by the reaper.
func NewRegistry(idleTimeout time.Duration) *Registry {
	return &Registry{
		machines:    make(map[string]*Machine),
		idleTimeout: idleTimeout,
	}
}

// GetOrCreate returns the machine for a call id, creating and starting one
// via build on first sight. build runs under the registry lock so only one
// machine per id is ever constructed.
func (r *Registry) GetOrCreate(id string, build func() *Machine) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[id]; ok {
		return m, false
	}
	m := build()
	r.machines[id] = m
	m.Start()
	return m, true
}

// Get returns the machine for a call id, if any.
func (r *Registry) Get(id string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	return m, ok
}

// Remove drops a machine from the registry. Called from the machine's
// termination hook.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.machines, id)
	r.mu.Unlock()
}

// Len reports the number of live machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Snapshots returns a copy of every live call aggregate.
func (r *Registry) Snapshots() []*Call {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	calls := make([]*Call, 0, len(machines))
	for _, m := range machines {
		calls = append(calls, m.Snapshot())
	}
	return calls
}

// Reap runs the idle sweeper until ctx is cancelled.
func (r *Registry) Reap(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.idleTimeout)
	r.mu.Lock()
	var stale []*Machine
	for _, m := range r.machines {
		if m.LastActivity().Before(cutoff) {
			stale = append(stale, m)
		}
	}
	r.mu.Unlock()

	for _, m := range stale {
		slog.Info("expiring idle call", "call_id", m.call.ID)
		m.Expire()
	}
}
