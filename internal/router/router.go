package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/alerting"
	"github.com/FairForge/steward/internal/cluster"
)

var (
	// ErrNoPrimary is returned when no node currently holds the
	// primary role, so there is no write endpoint.
	ErrNoPrimary = errors.New("router: no primary")

	// ErrStaleMapping is returned by a Consumer when a mapping's
	// generation does not advance. Generations only move forward; a
	// regression indicates a bug upstream.
	ErrStaleMapping = errors.New("router: stale endpoint mapping rejected")
)

// EndpointMapping maps logical roles to physical addresses. The
// generation increases on every publish; consumers discard anything
// that does not advance it.
type EndpointMapping struct {
	Generation    uint64    `json:"generation"`
	WriteEndpoint string    `json:"write_endpoint"`
	ReadEndpoints []string  `json:"read_endpoints"`
	Degraded      bool      `json:"degraded"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Router derives endpoint mappings from the topology. It owns no
// state of its own beyond the published generation; the mapping is
// recomputed, never edited.
type Router struct {
	topo   *cluster.Topology
	logger *zap.Logger

	mu      sync.RWMutex
	current EndpointMapping
	subs    []chan EndpointMapping
}

// New creates a router and publishes the initial mapping.
func New(topo *cluster.Topology, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{topo: topo, logger: logger}
	r.Refresh()
	return r
}

// Run republishes on every topology change until the context ends.
func (r *Router) Run(ctx context.Context) {
	changes := r.topo.Watch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			r.Refresh()
		}
	}
}

// Refresh recomputes the mapping from the current topology and
// publishes it if the routable view changed.
func (r *Router) Refresh() {
	next := r.compute()

	r.mu.Lock()
	defer r.mu.Unlock()

	if sameMapping(r.current, next) {
		return
	}

	next.Generation = r.current.Generation + 1
	next.UpdatedAt = time.Now()
	r.current = next

	if next.Degraded {
		r.logger.Warn("read traffic degraded to primary, replica set empty",
			zap.Uint64("generation", next.Generation))
	}
	r.logger.Info("endpoint mapping published",
		zap.Uint64("generation", next.Generation),
		zap.String("write", next.WriteEndpoint),
		zap.Strings("read", next.ReadEndpoints))

	for _, ch := range r.subs {
		select {
		case ch <- next:
		default:
			// Slow consumer; it will resync via Current.
		}
	}
}

func (r *Router) compute() EndpointMapping {
	var m EndpointMapping

	primary, hasPrimary := r.topo.Primary()
	if hasPrimary {
		m.WriteEndpoint = primary.Address
	}

	for _, n := range r.topo.Snapshot() {
		if n.Role == cluster.RoleReplica && n.Health == cluster.HealthHealthy {
			m.ReadEndpoints = append(m.ReadEndpoints, n.Address)
		}
	}

	// Reads fall back to the primary rather than going dark.
	if len(m.ReadEndpoints) == 0 && hasPrimary {
		m.ReadEndpoints = []string{primary.Address}
		m.Degraded = true
	}
	return m
}

// Current returns the latest published mapping.
func (r *Router) Current() EndpointMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// WriteEndpoint resolves the write endpoint.
func (r *Router) WriteEndpoint() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current.WriteEndpoint == "" {
		return "", ErrNoPrimary
	}
	return r.current.WriteEndpoint, nil
}

// ReadEndpoints resolves the read endpoints.
func (r *Router) ReadEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.current.ReadEndpoints))
	copy(out, r.current.ReadEndpoints)
	return out
}

// Subscribe returns a channel receiving every published mapping.
func (r *Router) Subscribe() <-chan EndpointMapping {
	ch := make(chan EndpointMapping, 8)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func sameMapping(a, b EndpointMapping) bool {
	if a.WriteEndpoint != b.WriteEndpoint || a.Degraded != b.Degraded {
		return false
	}
	if len(a.ReadEndpoints) != len(b.ReadEndpoints) {
		return false
	}
	for i := range a.ReadEndpoints {
		if a.ReadEndpoints[i] != b.ReadEndpoints[i] {
			return false
		}
	}
	return true
}

// Consumer is the client-side guard against stale mappings.
type Consumer struct {
	mu      sync.Mutex
	lastGen uint64
	applied EndpointMapping
	alerts  *alerting.Dispatcher
	logger  *zap.Logger
}

// NewConsumer creates a consumer. A nil dispatcher disables alerting;
// regressions are still rejected and logged.
func NewConsumer(alerts *alerting.Dispatcher, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{alerts: alerts, logger: logger}
}

// Apply accepts a mapping only if its generation strictly increases.
func (c *Consumer) Apply(m EndpointMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.Generation <= c.lastGen {
		c.logger.Error("endpoint mapping generation regressed",
			zap.Uint64("seen", c.lastGen),
			zap.Uint64("offered", m.Generation))
		if c.alerts != nil {
			c.alerts.Emit(alerting.Alert{
				Type:     alerting.TypeMappingRegressed,
				Severity: alerting.SeverityWarning,
				Message:  "endpoint mapping offered with a non-increasing generation",
				Details: map[string]interface{}{
					"seen":    c.lastGen,
					"offered": m.Generation,
				},
			})
		}
		return ErrStaleMapping
	}
	c.lastGen = m.Generation
	c.applied = m
	return nil
}

// Current returns the last applied mapping.
func (c *Consumer) Current() EndpointMapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}
