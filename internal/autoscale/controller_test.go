package autoscale

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/cluster"
	"github.com/FairForge/steward/internal/telemetry"
)

type scaleFixture struct {
	topo   *cluster.Topology
	collab *cluster.InMemoryCollaborator
	agg    *telemetry.Aggregator
	ctl    *Controller
}

func newScaleFixture(t *testing.T, cfg Config, replicaCount int) *scaleFixture {
	t.Helper()

	nodes := []cluster.Node{{ID: "pg-0", Role: cluster.RolePrimary}}
	for i := 1; i <= replicaCount; i++ {
		nodes = append(nodes, cluster.Node{ID: fmt.Sprintf("pg-%d", i), Role: cluster.RoleReplica})
	}

	topo := cluster.NewTopology(zap.NewNop())
	for _, n := range nodes {
		require.NoError(t, topo.Register(n))
	}
	collab := cluster.NewInMemoryCollaborator(nodes, zap.NewNop())

	// A short window keeps each tick's view dominated by the samples
	// that tick just recorded.
	agg, err := telemetry.NewAggregator(time.Minute, telemetry.MethodAvg, zap.NewNop())
	require.NoError(t, err)

	return &scaleFixture{
		topo:   topo,
		collab: collab,
		agg:    agg,
		ctl:    New(cfg, agg, topo, collab, nil, zap.NewNop()),
	}
}

func (f *scaleFixture) load(cpu, mem float64, at time.Time) {
	for _, n := range f.topo.Replicas() {
		f.agg.Record(telemetry.Sample{NodeID: n.ID, CPU: cpu, Mem: mem, At: at})
	}
}

func (f *scaleFixture) lastDecision() *Decision {
	select {
	case d := <-f.ctl.Decisions():
		return &d
	default:
		return nil
	}
}

func TestController_ScaleUpIsImmediate(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 10, TargetCPU: 70, TargetMem: 80}
	f := newScaleFixture(t, cfg, 2)

	now := time.Now()
	f.load(90, 40, now)
	f.ctl.Tick(context.Background(), now)

	d := f.lastDecision()
	require.NotNil(t, d, "scale-up must apply on the first tick")
	assert.Equal(t, 2, d.Current)
	assert.Equal(t, 3, d.Desired, "ceil(2*90/70) = 3")
	assert.Equal(t, "up", d.Reason)
	assert.Equal(t, 3, f.collab.ReplicaCount())
}

func TestController_ClampsToMaxReplicas(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 3, TargetCPU: 70, TargetMem: 80}
	f := newScaleFixture(t, cfg, 2)

	now := time.Now()
	f.load(100, 100, now) // unclamped desired would be far above max
	f.ctl.Tick(context.Background(), now)

	d := f.lastDecision()
	require.NotNil(t, d)
	assert.Equal(t, 3, d.Desired)
}

func TestController_ScaleDownWaitsForStabilization(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 10, TargetCPU: 70, TargetMem: 80,
		StabilizationWindow: 5 * time.Minute, MaxScaleDownPerTick: 5, ScaleDownPerMinute: 600}
	f := newScaleFixture(t, cfg, 4)

	now := time.Now()
	f.load(10, 10, now)
	f.ctl.Tick(context.Background(), now)
	assert.Nil(t, f.lastDecision(), "low load has not persisted yet")

	// Still inside the window.
	f.load(10, 10, now.Add(2*time.Minute))
	f.ctl.Tick(context.Background(), now.Add(2*time.Minute))
	assert.Nil(t, f.lastDecision())

	// Window elapsed, the lower desired value may now apply.
	f.load(10, 10, now.Add(6*time.Minute))
	f.ctl.Tick(context.Background(), now.Add(6*time.Minute))
	d := f.lastDecision()
	require.NotNil(t, d)
	assert.Equal(t, "down", d.Reason)
	assert.Less(t, d.Desired, d.Current)
}

func TestController_ScaleDownIsRateLimitedPerTick(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 10, TargetCPU: 70, TargetMem: 80,
		StabilizationWindow: time.Minute, MaxScaleDownPerTick: 1, ScaleDownPerMinute: 600}
	f := newScaleFixture(t, cfg, 5)

	now := time.Now()
	f.load(1, 1, now)
	f.ctl.Tick(context.Background(), now)

	f.load(1, 1, now.Add(2*time.Minute))
	f.ctl.Tick(context.Background(), now.Add(2*time.Minute))

	d := f.lastDecision()
	require.NotNil(t, d)
	assert.Equal(t, 5, d.Current)
	assert.Equal(t, 4, d.Desired, "at most one replica removed per tick")
}

func TestController_SpikeResetsStabilization(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 10, TargetCPU: 70, TargetMem: 80,
		StabilizationWindow: 5 * time.Minute, MaxScaleDownPerTick: 5, ScaleDownPerMinute: 600}
	f := newScaleFixture(t, cfg, 4)

	now := time.Now()
	f.load(10, 10, now)
	f.ctl.Tick(context.Background(), now)

	// A spike mid-window discards the pending scale-down.
	f.load(95, 10, now.Add(3*time.Minute))
	f.ctl.Tick(context.Background(), now.Add(3*time.Minute))
	d := f.lastDecision()
	require.NotNil(t, d)
	assert.Equal(t, "up", d.Reason)

	// Low again: the stabilization clock starts over.
	f.load(10, 10, now.Add(4*time.Minute))
	f.ctl.Tick(context.Background(), now.Add(4*time.Minute))
	f.load(10, 10, now.Add(6*time.Minute))
	f.ctl.Tick(context.Background(), now.Add(6*time.Minute))
	for d := f.lastDecision(); d != nil; d = f.lastDecision() {
		assert.NotEqual(t, "down", d.Reason, "window must restart after the spike")
	}
}

func TestController_NoDecisionWhenDesiredEqualsCurrent(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 10, TargetCPU: 70, TargetMem: 80}
	f := newScaleFixture(t, cfg, 2)

	now := time.Now()
	f.load(65, 40, now) // ceil(2*65/70) = 2
	f.ctl.Tick(context.Background(), now)
	assert.Nil(t, f.lastDecision())
}

func TestController_SkipsTickDuringPromotion(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 10, TargetCPU: 70, TargetMem: 80}
	f := newScaleFixture(t, cfg, 2)

	require.True(t, f.topo.BeginPromotion())
	defer f.topo.EndPromotion()

	now := time.Now()
	f.load(95, 95, now)
	f.ctl.Tick(context.Background(), now)
	assert.Nil(t, f.lastDecision(), "autoscale must defer while a promotion is in flight")
}

func TestController_SetBoundsHotReload(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 3, TargetCPU: 70, TargetMem: 80}
	f := newScaleFixture(t, cfg, 2)

	f.ctl.SetBounds(1, 8, 50, 0)

	now := time.Now()
	f.load(90, 10, now)
	f.ctl.Tick(context.Background(), now)

	d := f.lastDecision()
	require.NotNil(t, d)
	assert.Equal(t, 4, d.Desired, "ceil(2*90/50) = 4 under the reloaded target")
}
