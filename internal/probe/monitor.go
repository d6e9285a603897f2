package probe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/steward/internal/cluster"
)

// Config configures the probe monitor.
type Config struct {
	ObserverID string
	Interval   time.Duration
	// Timeout bounds each probe and must stay below Interval so a
	// slow probe never blocks the next cycle.
	Timeout time.Duration
	// SuspectThreshold is how many consecutive failed probes escalate
	// the local judgment from Suspect to Down.
	SuspectThreshold int
	// MaxProbesPerSecond caps probe fan-out on large node sets.
	MaxProbesPerSecond float64
}

// DefaultConfig returns probe defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           2 * time.Second,
		Timeout:            time.Second,
		SuspectThreshold:   3,
		MaxProbesPerSecond: 50,
	}
}

// Monitor probes every topology node on a fixed interval, maintains
// the node health and lag fields, and emits Observations once its
// local judgment reaches Down. It is one observer among several; it
// never declares a node ConfirmedDown on its own.
type Monitor struct {
	cfg     Config
	prober  Prober
	topo    *cluster.Topology
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	fails    map[string]int
	inFlight map[string]bool

	observations chan cluster.Observation
}

// NewMonitor creates a probe monitor.
func NewMonitor(cfg Config, prober Prober, topo *cluster.Topology, logger *zap.Logger) *Monitor {
	if cfg.ObserverID == "" {
		cfg.ObserverID = uuid.NewString()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 || cfg.Timeout >= cfg.Interval {
		cfg.Timeout = cfg.Interval / 2
	}
	if cfg.SuspectThreshold <= 0 {
		cfg.SuspectThreshold = DefaultConfig().SuspectThreshold
	}
	if cfg.MaxProbesPerSecond <= 0 {
		cfg.MaxProbesPerSecond = DefaultConfig().MaxProbesPerSecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:          cfg,
		prober:       prober,
		topo:         topo,
		limiter:      rate.NewLimiter(rate.Limit(cfg.MaxProbesPerSecond), int(cfg.MaxProbesPerSecond)),
		logger:       logger,
		fails:        make(map[string]int),
		inFlight:     make(map[string]bool),
		observations: make(chan cluster.Observation, 256),
	}
}

// ObserverID returns this monitor's observer identity.
func (m *Monitor) ObserverID() string { return m.cfg.ObserverID }

// Observations is the stream of local Down/Healthy judgments.
func (m *Monitor) Observations() <-chan cluster.Observation {
	return m.observations
}

// Run probes until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// ProbeOnce runs a single probe cycle synchronously, for tests.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, node := range m.topo.Snapshot() {
		if node.Role == cluster.RoleFenced {
			continue
		}
		wg.Add(1)
		go func(n cluster.Node) {
			defer wg.Done()
			m.probeNode(ctx, n)
		}(node)
	}
	wg.Wait()
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, node := range m.topo.Snapshot() {
		if node.Role == cluster.RoleFenced {
			continue
		}

		m.mu.Lock()
		if m.inFlight[node.ID] {
			m.mu.Unlock()
			continue
		}
		m.inFlight[node.ID] = true
		m.mu.Unlock()

		go func(n cluster.Node) {
			defer func() {
				m.mu.Lock()
				delete(m.inFlight, n.ID)
				m.mu.Unlock()
			}()
			m.probeNode(ctx, n)
		}(node)
	}
}

func (m *Monitor) probeNode(ctx context.Context, node cluster.Node) {
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	res := m.prober.Probe(probeCtx, node)
	cancel()

	now := time.Now()

	if res.Err != nil || res.Status != cluster.HealthHealthy {
		m.mu.Lock()
		m.fails[node.ID]++
		fails := m.fails[node.ID]
		m.mu.Unlock()

		// A single failed probe cannot distinguish a dead node from a
		// partition, so only Suspect is asserted here.
		health := cluster.HealthSuspect
		if fails >= m.cfg.SuspectThreshold {
			health = cluster.HealthDown
		}
		_ = m.topo.SetHealth(node.ID, health, 0, false, now)

		m.logger.Debug("probe failed",
			zap.String("node", node.ID),
			zap.Int("consecutive", fails),
			zap.Error(res.Err))

		if fails >= m.cfg.SuspectThreshold {
			m.emit(cluster.Observation{
				ID:         uuid.NewString(),
				ObserverID: m.cfg.ObserverID,
				NodeID:     node.ID,
				Verdict:    cluster.VerdictDown,
				Timestamp:  now,
			})
		}
		return
	}

	m.mu.Lock()
	recovered := m.fails[node.ID] > 0
	m.fails[node.ID] = 0
	m.mu.Unlock()

	_ = m.topo.SetHealth(node.ID, cluster.HealthHealthy, res.Lag, res.LagKnown, now)
	if recovered {
		m.logger.Info("node probe recovered", zap.String("node", node.ID))
	}

	m.emit(cluster.Observation{
		ID:         uuid.NewString(),
		ObserverID: m.cfg.ObserverID,
		NodeID:     node.ID,
		Verdict:    cluster.VerdictHealthy,
		Timestamp:  now,
	})
}

func (m *Monitor) emit(o cluster.Observation) {
	select {
	case m.observations <- o:
	default:
		m.logger.Warn("observation dropped, consumer lagging",
			zap.String("node", o.NodeID),
			zap.String("verdict", o.Verdict.String()))
	}
}
