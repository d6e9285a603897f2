package autoscale

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/steward/internal/cluster"
	"github.com/FairForge/steward/internal/metrics"
	"github.com/FairForge/steward/internal/telemetry"
)

// Config configures the autoscale control loop. Bounds and targets
// can be replaced at runtime via SetBounds (config hot reload).
type Config struct {
	TickInterval time.Duration
	MinReplicas  int
	MaxReplicas  int
	TargetCPU    float64
	TargetMem    float64
	// StabilizationWindow is how long a lower desired count must
	// persist before any scale-down applies.
	StabilizationWindow time.Duration
	// MaxScaleDownPerTick caps replicas removed in one tick.
	MaxScaleDownPerTick int
	// ScaleDownPerMinute rate-limits scale-down operations across
	// ticks.
	ScaleDownPerMinute float64
}

// DefaultConfig returns autoscaler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        30 * time.Second,
		MinReplicas:         1,
		MaxReplicas:         10,
		TargetCPU:           70,
		TargetMem:           80,
		StabilizationWindow: 5 * time.Minute,
		MaxScaleDownPerTick: 1,
		ScaleDownPerMinute:  2,
	}
}

// Decision is an emitted replica-count change.
type Decision struct {
	ID       string    `json:"id"`
	Current  int       `json:"current"`
	Desired  int       `json:"desired"`
	Reason   string    `json:"reason"`
	IssuedAt time.Time `json:"issued_at"`
}

// Controller sizes the replica set from windowed load. Scale-up is
// immediate; scale-down waits out a stabilization window and is rate
// limited, so a transient dip cannot shed capacity that a spike will
// want back.
type Controller struct {
	agg     *telemetry.Aggregator
	topo    *cluster.Topology
	collab  cluster.Collaborator
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu          sync.Mutex
	cfg         Config
	lowSince    time.Time
	downLimiter *rate.Limiter

	decisions chan Decision
}

// New creates a controller.
func New(cfg Config, agg *telemetry.Aggregator, topo *cluster.Topology, collab cluster.Collaborator, m *metrics.Metrics, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MinReplicas <= 0 {
		cfg.MinReplicas = def.MinReplicas
	}
	if cfg.MaxReplicas < cfg.MinReplicas {
		cfg.MaxReplicas = def.MaxReplicas
	}
	if cfg.TargetCPU <= 0 {
		cfg.TargetCPU = def.TargetCPU
	}
	if cfg.TargetMem <= 0 {
		cfg.TargetMem = def.TargetMem
	}
	if cfg.StabilizationWindow <= 0 {
		cfg.StabilizationWindow = def.StabilizationWindow
	}
	if cfg.MaxScaleDownPerTick <= 0 {
		cfg.MaxScaleDownPerTick = def.MaxScaleDownPerTick
	}
	if cfg.ScaleDownPerMinute <= 0 {
		cfg.ScaleDownPerMinute = def.ScaleDownPerMinute
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		agg:         agg,
		topo:        topo,
		collab:      collab,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		downLimiter: rate.NewLimiter(rate.Limit(cfg.ScaleDownPerMinute/60), cfg.MaxScaleDownPerTick),
		decisions:   make(chan Decision, 16),
	}
}

// Decisions is the stream of emitted scaling decisions.
func (c *Controller) Decisions() <-chan Decision {
	return c.decisions
}

// SetBounds applies new bounds and targets, used by config hot
// reload. Zero values keep the current setting.
func (c *Controller) SetBounds(minReplicas, maxReplicas int, targetCPU, targetMem float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if minReplicas > 0 {
		c.cfg.MinReplicas = minReplicas
	}
	if maxReplicas >= c.cfg.MinReplicas && maxReplicas > 0 {
		c.cfg.MaxReplicas = maxReplicas
	}
	if targetCPU > 0 {
		c.cfg.TargetCPU = targetCPU
	}
	if targetMem > 0 {
		c.cfg.TargetMem = targetMem
	}
	c.logger.Info("autoscale bounds updated",
		zap.Int("min", c.cfg.MinReplicas),
		zap.Int("max", c.cfg.MaxReplicas),
		zap.Float64("target_cpu", c.cfg.TargetCPU),
		zap.Float64("target_mem", c.cfg.TargetMem))
}

// Run ticks until the context is canceled.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	interval := c.cfg.TickInterval
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one control-loop evaluation.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	// Scaling touches the same role set a promotion is rewriting;
	// defer until the promotion resolves.
	if c.topo.Promoting() {
		c.logger.Debug("autoscale tick skipped, promotion in flight")
		return
	}

	replicas := c.topo.Replicas()
	current := len(replicas)
	if current == 0 {
		return
	}

	ids := make([]string, len(replicas))
	for i, n := range replicas {
		ids[i] = n.ID
	}
	agg := c.agg.Aggregate(ids)
	if agg.Nodes == 0 {
		c.logger.Debug("autoscale tick skipped, no samples in window")
		return
	}

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	ratio := math.Max(agg.CPU/cfg.TargetCPU, agg.Mem/cfg.TargetMem)
	desired := int(math.Ceil(float64(current) * ratio))
	if desired < cfg.MinReplicas {
		desired = cfg.MinReplicas
	}
	if desired > cfg.MaxReplicas {
		desired = cfg.MaxReplicas
	}

	switch {
	case desired > current:
		c.mu.Lock()
		c.lowSince = time.Time{}
		c.mu.Unlock()
		c.apply(ctx, current, desired, "up", now, agg.CPU, agg.Mem)

	case desired < current:
		c.mu.Lock()
		if c.lowSince.IsZero() {
			c.lowSince = now
		}
		held := now.Sub(c.lowSince)
		c.mu.Unlock()

		if held < cfg.StabilizationWindow {
			c.logger.Debug("scale-down deferred, stabilizing",
				zap.Int("current", current),
				zap.Int("desired", desired),
				zap.Duration("held", held))
			return
		}
		if !c.downLimiter.Allow() {
			c.logger.Debug("scale-down deferred, rate limited")
			return
		}

		step := current - desired
		if step > cfg.MaxScaleDownPerTick {
			step = cfg.MaxScaleDownPerTick
		}
		c.apply(ctx, current, current-step, "down", now, agg.CPU, agg.Mem)

	default:
		c.mu.Lock()
		c.lowSince = time.Time{}
		c.mu.Unlock()
	}
}

func (c *Controller) apply(ctx context.Context, current, desired int, direction string, now time.Time, cpu, mem float64) {
	if err := c.collab.SetReplicaCount(ctx, desired); err != nil {
		c.logger.Error("replica count change rejected",
			zap.Int("desired", desired),
			zap.Error(err))
		return
	}

	d := Decision{
		ID:       uuid.NewString(),
		Current:  current,
		Desired:  desired,
		Reason:   direction,
		IssuedAt: now,
	}
	c.metrics.ScalingDecisions.WithLabelValues(direction).Inc()
	c.logger.Info("scaling decision",
		zap.Int("current", current),
		zap.Int("desired", desired),
		zap.String("direction", direction),
		zap.Float64("cpu", cpu),
		zap.Float64("mem", mem))

	select {
	case c.decisions <- d:
	default:
	}
}
