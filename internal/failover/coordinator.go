package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/alerting"
	"github.com/FairForge/steward/internal/cluster"
	"github.com/FairForge/steward/internal/detector"
	"github.com/FairForge/steward/internal/metrics"
)

var (
	// ErrPromotionInFlight is returned when a promotion request
	// arrives while another one is running. Automatic events are
	// coalesced; manual requests surface this to the operator.
	ErrPromotionInFlight = errors.New("failover: promotion already in flight")

	// ErrPromotionTimeout wraps a promote attempt that did not
	// confirm within the configured timeout.
	ErrPromotionTimeout = errors.New("failover: promotion timed out")

	// ErrNoViablePrimary means every candidate was fenced or
	// unreachable. Automatic remediation halts; write availability is
	// sacrificed rather than promoting a node that risks data loss.
	ErrNoViablePrimary = errors.New("failover: no viable primary")

	// ErrHalted is returned for automatic promotions after a
	// no-viable-primary fail-stop. A manual failover clears it.
	ErrHalted = errors.New("failover: automatic promotion halted, operator action required")

	// ErrFenceFailed means the old primary's write capability could
	// not be revoked. Promotion never proceeds over a failed fence.
	ErrFenceFailed = errors.New("failover: fencing old primary failed")

	// ErrBadTarget is returned for a manual failover naming a node
	// that is missing, fenced, or not a replica.
	ErrBadTarget = errors.New("failover: target is not a promotable replica")
)

// Config configures the coordinator.
type Config struct {
	// PromoteTimeout bounds how long a candidate gets to report the
	// primary role.
	PromoteTimeout time.Duration
	// FenceTimeout bounds the collaborator fence call.
	FenceTimeout time.Duration
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		PromoteTimeout: 30 * time.Second,
		FenceTimeout:   10 * time.Second,
	}
}

// Coordinator promotes exactly one replica after a confirmed primary
// failure, fencing first so two writers can never coexist.
type Coordinator struct {
	cfg     Config
	topo    *cluster.Topology
	collab  cluster.Collaborator
	alerts  *alerting.Dispatcher
	metrics *metrics.Metrics
	logger  *zap.Logger

	halted atomic.Bool
}

// New creates a coordinator.
func New(cfg Config, topo *cluster.Topology, collab cluster.Collaborator, alerts *alerting.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if cfg.PromoteTimeout <= 0 {
		cfg.PromoteTimeout = DefaultConfig().PromoteTimeout
	}
	if cfg.FenceTimeout <= 0 {
		cfg.FenceTimeout = DefaultConfig().FenceTimeout
	}
	if alerts == nil {
		alerts = alerting.NewDispatcher(logger)
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		topo:    topo,
		collab:  collab,
		alerts:  alerts,
		metrics: m,
		logger:  logger,
	}
}

// Halted reports whether automatic remediation is stopped.
func (c *Coordinator) Halted() bool {
	return c.halted.Load()
}

// Run consumes primary-down events until the context is canceled.
func (c *Coordinator) Run(ctx context.Context, events <-chan detector.PrimaryDownEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := c.HandleFailure(ctx, ev.NodeID); err != nil {
				c.logger.Error("automatic failover failed",
					zap.String("node", ev.NodeID),
					zap.Error(err))
			}
		}
	}
}

// HandleFailure runs the automatic promotion algorithm for a
// confirmed-down primary. Concurrent calls for the same topology are
// coalesced: the second caller gets ErrPromotionInFlight and no work
// is duplicated.
func (c *Coordinator) HandleFailure(ctx context.Context, failedID string) error {
	if c.halted.Load() {
		return ErrHalted
	}
	if !c.topo.BeginPromotion() {
		c.logger.Info("primary-down event coalesced, promotion in flight",
			zap.String("node", failedID))
		return ErrPromotionInFlight
	}
	defer c.topo.EndPromotion()

	primary, ok := c.topo.Primary()
	if !ok || primary.ID != failedID {
		// The topology moved on while the event was queued.
		c.logger.Info("stale primary-down event ignored", zap.String("node", failedID))
		return nil
	}

	return c.promote(ctx, failedID, "")
}

// Force runs an operator-initiated failover, bypassing quorum
// detection. An empty target lets the normal candidate selection
// pick. A forced failover also clears the no-viable-primary halt.
func (c *Coordinator) Force(ctx context.Context, targetID string) error {
	if !c.topo.BeginPromotion() {
		return ErrPromotionInFlight
	}
	defer c.topo.EndPromotion()

	c.halted.Store(false)

	if targetID != "" {
		n, ok := c.topo.Get(targetID)
		if !ok || n.Role != cluster.RoleReplica {
			return fmt.Errorf("%w: %s", ErrBadTarget, targetID)
		}
	}

	oldID := ""
	if primary, ok := c.topo.Primary(); ok {
		oldID = primary.ID
	}
	return c.promote(ctx, oldID, targetID)
}

// promote fences oldID (when set), then promotes preferred or the
// best available candidate. Caller holds the promotion flag.
func (c *Coordinator) promote(ctx context.Context, oldID, preferred string) error {
	start := time.Now()

	if oldID != "" {
		if err := c.fence(ctx, oldID); err != nil {
			c.metrics.Failovers.WithLabelValues("fence_failed").Inc()
			c.alerts.Emit(alerting.Alert{
				Type:     alerting.TypeFenceFailed,
				Severity: alerting.SeverityCritical,
				NodeID:   oldID,
				Message:  "could not revoke old primary write capability, refusing to promote",
			})
			return fmt.Errorf("%w: %v", ErrFenceFailed, err)
		}
	}

	for {
		candidate, ok := c.nextCandidate(preferred)
		preferred = ""
		if !ok {
			c.halted.Store(true)
			c.metrics.Failovers.WithLabelValues("no_viable_primary").Inc()
			c.alerts.Emit(alerting.Alert{
				Type:     alerting.TypeNoViablePrimary,
				Severity: alerting.SeverityCritical,
				Message:  "no promotable replica remains, automatic remediation halted",
			})
			return ErrNoViablePrimary
		}

		c.logger.Info("promoting candidate",
			zap.String("node", candidate.ID),
			zap.Duration("lag", candidate.Lag))
		_ = c.topo.SetRole(candidate.ID, cluster.RoleCandidate)

		promoteCtx, cancel := context.WithTimeout(ctx, c.cfg.PromoteTimeout)
		err := c.collab.SetNodeRole(promoteCtx, candidate.ID, cluster.RolePrimary)
		cancel()

		if err != nil {
			wrapped := err
			if errors.Is(err, context.DeadlineExceeded) {
				wrapped = fmt.Errorf("%w: %s", ErrPromotionTimeout, candidate.ID)
			}
			c.logger.Warn("candidate promotion failed, fencing and retrying",
				zap.String("node", candidate.ID),
				zap.Error(wrapped))
			c.alerts.Emit(alerting.Alert{
				Type:     alerting.TypePromotionTimeout,
				Severity: alerting.SeverityWarning,
				NodeID:   candidate.ID,
				Message:  "promotion did not confirm, candidate fenced",
			})
			c.metrics.Failovers.WithLabelValues("candidate_failed").Inc()

			_ = c.topo.SetRole(candidate.ID, cluster.RoleFenced)
			fenceCtx, cancelFence := context.WithTimeout(ctx, c.cfg.FenceTimeout)
			_ = c.collab.SetNodeRole(fenceCtx, candidate.ID, cluster.RoleFenced)
			cancelFence()
			continue
		}

		if err := c.topo.SetRole(candidate.ID, cluster.RolePrimary); err != nil {
			return fmt.Errorf("failover: recording new primary: %w", err)
		}

		elapsed := time.Since(start)
		c.metrics.Failovers.WithLabelValues("success").Inc()
		c.metrics.PromotionSeconds.Observe(elapsed.Seconds())
		c.alerts.Emit(alerting.Alert{
			Type:     alerting.TypeFailoverComplete,
			Severity: alerting.SeverityInfo,
			NodeID:   candidate.ID,
			Message:  fmt.Sprintf("promoted %s in %s", candidate.ID, elapsed.Round(time.Millisecond)),
		})
		c.logger.Info("failover complete",
			zap.String("new_primary", candidate.ID),
			zap.Duration("elapsed", elapsed))
		return nil
	}
}

// fence revokes the old primary's write capability before any
// candidate may be promoted. Topology first, then the collaborator;
// the collaborator call is the one that actually blocks writes.
func (c *Coordinator) fence(ctx context.Context, id string) error {
	if err := c.topo.SetRole(id, cluster.RoleFenced); err != nil && !errors.Is(err, cluster.ErrNodeNotFound) {
		return err
	}

	fenceCtx, cancel := context.WithTimeout(ctx, c.cfg.FenceTimeout)
	defer cancel()
	if err := c.collab.SetNodeRole(fenceCtx, id, cluster.RoleFenced); err != nil {
		return err
	}

	c.logger.Info("old primary fenced", zap.String("node", id))
	return nil
}

// nextCandidate picks the replica with the lowest known lag;
// unknown lag sorts last and ties break on node id so selection is
// reproducible. Nodes confirmed unreachable are skipped.
func (c *Coordinator) nextCandidate(preferred string) (cluster.Node, bool) {
	if preferred != "" {
		if n, ok := c.topo.Get(preferred); ok && n.Role == cluster.RoleReplica && n.Health != cluster.HealthDown {
			return n, true
		}
	}

	var candidates []cluster.Node
	for _, n := range c.topo.Replicas() {
		if n.Health == cluster.HealthDown {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return cluster.Node{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.LagKnown != b.LagKnown {
			return a.LagKnown
		}
		if a.Lag != b.Lag {
			return a.Lag < b.Lag
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}
