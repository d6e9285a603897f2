package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/alerting"
	"github.com/FairForge/steward/internal/autoscale"
	"github.com/FairForge/steward/internal/cluster"
	"github.com/FairForge/steward/internal/config"
	"github.com/FairForge/steward/internal/detector"
	"github.com/FairForge/steward/internal/failover"
	"github.com/FairForge/steward/internal/metrics"
	"github.com/FairForge/steward/internal/probe"
	"github.com/FairForge/steward/internal/router"
	"github.com/FairForge/steward/internal/telemetry"
)

// Controller assembles the control loops into one process: probing
// feeds the failure detector, confirmed failures drive the promotion
// coordinator, topology changes republish endpoints, and windowed
// telemetry sizes the replica set.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger

	Topo        *cluster.Topology
	Collab      cluster.Collaborator
	Monitor     *probe.Monitor
	Aggregator  *telemetry.Aggregator
	Detector    *detector.Detector
	Coordinator *failover.Coordinator
	Endpoints   *router.Router
	Autoscaler  *autoscale.Controller
	Alerts      *alerting.Dispatcher
	Metrics     *metrics.Metrics

	// remote carries observations submitted by peer observers over
	// the admin API.
	remote chan cluster.Observation
}

// New wires every component from the loaded config. The prober and
// collaborator are injected so tests and non-Postgres deployments can
// substitute their own.
func New(cfg *config.Config, prober probe.Prober, collab cluster.Collaborator, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	topo := cluster.NewTopology(logger)
	for _, nc := range cfg.Nodes {
		role := cluster.RoleReplica
		if nc.Primary {
			role = cluster.RolePrimary
		}
		if err := topo.Register(cluster.Node{ID: nc.ID, Address: nc.Address, Role: role}); err != nil {
			return nil, fmt.Errorf("controller: register %s: %w", nc.ID, err)
		}
	}

	agg, err := telemetry.NewAggregator(cfg.Telemetry.Window, telemetry.Method(cfg.Telemetry.Method), logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	alerts := alerting.NewDispatcher(logger)
	alerts.Subscribe(func(a alerting.Alert) {
		m.Alerts.WithLabelValues(a.Severity).Inc()
	})

	monitor := probe.NewMonitor(probe.Config{
		Interval:           cfg.Probe.Interval,
		Timeout:            cfg.Probe.Timeout,
		SuspectThreshold:   cfg.Probe.SuspectThreshold,
		MaxProbesPerSecond: cfg.Probe.MaxProbesPerSecond,
	}, prober, topo, logger)

	det := detector.New(detector.Config{
		ObserverCount:   cfg.Detector.Observers,
		AgreementWindow: cfg.Detector.AgreementWindow,
	}, topo, logger)

	coord := failover.New(failover.Config{
		PromoteTimeout: cfg.Failover.PromoteTimeout,
		FenceTimeout:   cfg.Failover.FenceTimeout,
	}, topo, collab, alerts, m, logger)

	asc := autoscale.New(autoscale.Config{
		TickInterval:        cfg.Autoscale.TickInterval,
		MinReplicas:         cfg.Autoscale.MinReplicas,
		MaxReplicas:         cfg.Autoscale.MaxReplicas,
		TargetCPU:           cfg.Autoscale.TargetCPUPercent,
		TargetMem:           cfg.Autoscale.TargetMemPercent,
		StabilizationWindow: cfg.Autoscale.StabilizationWindow,
		MaxScaleDownPerTick: cfg.Autoscale.MaxScaleDownPerTick,
	}, agg, topo, collab, m, logger)

	return &Controller{
		cfg:         cfg,
		logger:      logger,
		Topo:        topo,
		Collab:      collab,
		Monitor:     monitor,
		Aggregator:  agg,
		Detector:    det,
		Coordinator: coord,
		Endpoints:   router.New(topo, logger),
		Autoscaler:  asc,
		Alerts:      alerts,
		Metrics:     m,
		remote:      make(chan cluster.Observation, 256),
	}, nil
}

// Run starts every loop and blocks until the context ends.
func (c *Controller) Run(ctx context.Context) {
	local := c.instrument(ctx, c.Monitor.Observations())
	remote := c.instrument(ctx, c.remote)

	c.Detector.OnWindowReset(func(nodeID string) {
		c.Alerts.Emit(alerting.Alert{
			Type:     alerting.TypeQuorumReset,
			Severity: alerting.SeverityInfo,
			NodeID:   nodeID,
			Message:  "agreement window expired without quorum, down count restarted",
		})
	})

	go c.Monitor.Run(ctx)
	go c.Detector.Run(ctx, local, remote)
	go c.Coordinator.Run(ctx, c.Detector.Events())
	go c.Endpoints.Run(ctx)
	go c.Autoscaler.Run(ctx)
	go c.watchDegraded(ctx)
	go c.runReconcile(ctx)

	c.logger.Info("controller running",
		zap.String("observer", c.Monitor.ObserverID()),
		zap.Int("nodes", len(c.Topo.Snapshot())),
		zap.Int("observers", c.cfg.Detector.Observers))

	c.syncGauges(ctx)
}

// SubmitObservation ingests a peer observer's verdict. A full buffer
// drops the observation; the peer resubmits on its next probe cycle.
func (c *Controller) SubmitObservation(o cluster.Observation) {
	select {
	case c.remote <- o:
	default:
		c.logger.Warn("remote observation dropped, buffer full",
			zap.String("node", o.NodeID),
			zap.String("observer", o.ObserverID))
	}
}

// ApplyConfig hot-applies the reloadable subset of a freshly parsed
// config. Everything else requires a restart.
func (c *Controller) ApplyConfig(cfg *config.Config) {
	c.Autoscaler.SetBounds(
		cfg.Autoscale.MinReplicas,
		cfg.Autoscale.MaxReplicas,
		cfg.Autoscale.TargetCPUPercent,
		cfg.Autoscale.TargetMemPercent,
	)
}

// instrument counts observations by verdict as they flow to the
// detector.
func (c *Controller) instrument(ctx context.Context, in <-chan cluster.Observation) <-chan cluster.Observation {
	out := make(chan cluster.Observation, cap(in))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case o, ok := <-in:
				if !ok {
					return
				}
				c.Metrics.Observations.WithLabelValues(o.Verdict.String()).Inc()
				select {
				case out <- o:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// reconcileInterval is how often the topology converges on the
// collaborator's node table.
const reconcileInterval = 10 * time.Second

func (c *Controller) runReconcile(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcile(ctx)
		}
	}
}

// reconcile enrolls nodes the collaborator added since the last pass
// and withdraws nodes it removed, so scale-up replicas start getting
// probed and routed without a restart.
func (c *Controller) reconcile(ctx context.Context) {
	// The coordinator is rewriting roles; converge on the next pass.
	if c.Topo.Promoting() {
		return
	}

	listed, err := c.Collab.ListNodes(ctx)
	if err != nil {
		c.logger.Warn("collaborator node listing failed", zap.Error(err))
		return
	}

	known := make(map[string]bool, len(listed))
	for _, n := range listed {
		known[n.ID] = true
		if _, ok := c.Topo.Get(n.ID); ok {
			continue
		}
		if err := c.Topo.Register(n); err != nil {
			c.logger.Warn("node enrollment rejected",
				zap.String("node", n.ID),
				zap.Error(err))
			continue
		}
		c.logger.Info("node enrolled from collaborator",
			zap.String("node", n.ID),
			zap.String("address", n.Address),
			zap.String("role", n.Role.String()))
	}

	for _, n := range c.Topo.Snapshot() {
		if known[n.ID] {
			continue
		}
		if err := c.Topo.Deregister(n.ID); err != nil {
			continue
		}
		c.Aggregator.Forget(n.ID)
		c.logger.Info("node withdrawn by collaborator", zap.String("node", n.ID))
	}
}

// watchDegraded alerts when reads fall back to the primary and again
// when replicas return.
func (c *Controller) watchDegraded(ctx context.Context) {
	mappings := c.Endpoints.Subscribe()
	wasDegraded := c.Endpoints.Current().Degraded
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-mappings:
			if m.Degraded && !wasDegraded {
				c.Alerts.Emit(alerting.Alert{
					Type:     alerting.TypeDegradedReads,
					Severity: alerting.SeverityWarning,
					Message:  "no healthy replicas, read traffic routed to the primary",
				})
			}
			wasDegraded = m.Degraded
		}
	}
}

// syncGauges refreshes the topology and routing gauges on a fixed
// cadence.
func (c *Controller) syncGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishGauges()
		}
	}
}

func (c *Controller) publishGauges() {
	c.Metrics.NodesByState.Reset()
	counts := make(map[[2]string]int)
	for _, n := range c.Topo.Snapshot() {
		counts[[2]string{n.Role.String(), n.Health.String()}]++
		if n.LagKnown {
			c.Metrics.ReplicationLag.WithLabelValues(n.ID).Set(n.Lag.Seconds())
		}
	}
	for key, count := range counts {
		c.Metrics.NodesByState.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
	c.Metrics.EndpointGeneration.Set(float64(c.Endpoints.Current().Generation))
}
