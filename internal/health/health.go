// Package health tracks the readiness of the external providers the service
// depends on (speech, guardrail, risk, generation backends).
package health

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ServiceStatus represents a provider's reachability.
type ServiceStatus string

const (
	StatusHealthy     ServiceStatus = "healthy"
	StatusUnreachable ServiceStatus = "unreachable"
	StatusUnknown     ServiceStatus = "unknown"
)

// ServiceMeta holds static metadata for a monitored provider.
type ServiceMeta struct {
	Category  string // "stt", "tts", "guard", "risk", "llm", "memory"
	HealthURL string // URL to probe for readiness; empty means unprobed
}

// ServiceInfo is one provider's probed state.
type ServiceInfo struct {
	Name     string        `json:"name"`
	Category string        `json:"category"`
	Status   ServiceStatus `json:"status"`
}

// Registry is the fixed set of providers the prober checks.
type Registry struct {
	services map[string]ServiceMeta
}

// NewRegistry creates a registry from provider metadata.
func NewRegistry(services map[string]ServiceMeta) *Registry {
	return &Registry{services: services}
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for k := range r.services {
		names = append(names, k)
	}
	return names
}

// Lookup returns metadata for a provider, or false if unknown.
func (r *Registry) Lookup(name string) (ServiceMeta, bool) {
	m, ok := r.services[name]
	return m, ok
}

// Prober checks provider health endpoints.
type Prober struct {
	registry *Registry
	http     *http.Client
}

// NewProber creates a prober over the registry.
func NewProber(registry *Registry) *Prober {
	return &Prober{
		registry: registry,
		http:     &http.Client{Timeout: 3 * time.Second},
	}
}

// StatusAll probes every registered provider concurrently.
func (p *Prober) StatusAll(ctx context.Context) []ServiceInfo {
	names := p.registry.Names()
	results := make([]ServiceInfo, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = p.status(ctx, name)
		}(i, name)
	}
	wg.Wait()
	return results
}

func (p *Prober) status(ctx context.Context, name string) ServiceInfo {
	meta, _ := p.registry.Lookup(name)
	info := ServiceInfo{Name: name, Category: meta.Category, Status: StatusUnknown}
	if meta.HealthURL == "" {
		return info
	}
	if p.probe(ctx, meta.HealthURL) {
		info.Status = StatusHealthy
	} else {
		info.Status = StatusUnreachable
	}
	return info
}

func (p *Prober) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
