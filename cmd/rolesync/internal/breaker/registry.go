package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Services guarded by the breakers of a rolesync process.
const (
	ServiceCache    = "cache"
	ServiceIdP      = "idp"
	ServiceDatabase = "database"
)

// Registry hands out one Breaker per service name, all sharing a Store and
// Options.
type Registry struct {
	store Store
	opts  Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. Services listed in preload are created up
// front so that they appear in health reports before their first call.
func NewRegistry(store Store, opts Options, preload ...string) *Registry {
	r := &Registry{
		store:    store,
		opts:     opts.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
	for _, s := range preload {
		r.Get(s)
	}
	return r
}

// Get returns the breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = New(service, r.store, r.opts)
		r.breakers[service] = b
	}
	return b
}

// Lookup returns the breaker for service if it has been created.
func (r *Registry) Lookup(service string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	return b, ok
}

// Services lists the known service names in sorted order.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health reports on the named services, or on every known service when none
// are named. Overall is healthy when no breaker is OPEN, unhealthy when all
// are, and degraded otherwise.
func (r *Registry) Health(ctx context.Context, services ...string) (*HealthReport, error) {
	if len(services) == 0 {
		services = r.Services()
	}

	report := &HealthReport{
		Overall:   StatusHealthy,
		Services:  make([]Health, 0, len(services)),
		CheckedAt: r.opts.Clock.Now(),
	}
	open := 0
	for _, name := range services {
		h, err := r.Get(name).Health(ctx)
		if err != nil {
			return nil, fmt.Errorf("health of %s: %w", name, err)
		}
		if h.State == StateOpen {
			open++
		}
		report.Services = append(report.Services, *h)
	}

	switch {
	case open == 0:
		report.Overall = StatusHealthy
	case open == len(report.Services):
		report.Overall = StatusUnhealthy
	default:
		report.Overall = StatusDegraded
	}
	return report, nil
}

// Reset resets the named breaker. Unknown names are still reset in the store
// since another process may have created them.
func (r *Registry) Reset(ctx context.Context, service string) error {
	return r.Get(service).Reset(ctx)
}
