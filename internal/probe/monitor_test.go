package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/cluster"
)

func newTestTopology(t *testing.T) *cluster.Topology {
	t.Helper()
	topo := cluster.NewTopology(zap.NewNop())
	require.NoError(t, topo.Register(cluster.Node{ID: "pg-0", Address: "10.0.0.1:5432", Role: cluster.RolePrimary}))
	require.NoError(t, topo.Register(cluster.Node{ID: "pg-1", Address: "10.0.0.2:5432", Role: cluster.RoleReplica}))
	return topo
}

func TestMonitor_HealthyProbeUpdatesLag(t *testing.T) {
	topo := newTestTopology(t)
	prober := &StaticProber{Results: map[string]Result{
		"pg-1": {Status: cluster.HealthHealthy, Lag: 3 * time.Second, LagKnown: true},
	}}

	m := NewMonitor(Config{ObserverID: "obs-a", Interval: time.Second}, prober, topo, zap.NewNop())
	m.ProbeOnce(context.Background())

	n, ok := topo.Get("pg-1")
	require.True(t, ok)
	assert.Equal(t, cluster.HealthHealthy, n.Health)
	assert.Equal(t, 3*time.Second, n.Lag)
	assert.True(t, n.LagKnown)
}

func TestMonitor_SingleFailureIsOnlySuspect(t *testing.T) {
	topo := newTestTopology(t)
	prober := &StaticProber{Results: map[string]Result{
		"pg-0": {Status: cluster.HealthSuspect, Err: errors.New("connection refused")},
	}}

	m := NewMonitor(Config{ObserverID: "obs-a", Interval: time.Second, SuspectThreshold: 3}, prober, topo, zap.NewNop())
	m.ProbeOnce(context.Background())

	n, _ := topo.Get("pg-0")
	assert.Equal(t, cluster.HealthSuspect, n.Health)

	// No Down observation may be emitted for a single failure.
	drainHealthyOnly(t, m)
}

func TestMonitor_ConsecutiveFailuresEmitDownObservation(t *testing.T) {
	topo := newTestTopology(t)
	prober := &StaticProber{Results: map[string]Result{
		"pg-0": {Status: cluster.HealthSuspect, Err: errors.New("i/o timeout")},
	}}

	m := NewMonitor(Config{ObserverID: "obs-a", Interval: time.Second, SuspectThreshold: 3}, prober, topo, zap.NewNop())
	for i := 0; i < 3; i++ {
		m.ProbeOnce(context.Background())
	}

	n, _ := topo.Get("pg-0")
	assert.Equal(t, cluster.HealthDown, n.Health)

	var down *cluster.Observation
	for {
		select {
		case o := <-m.Observations():
			if o.Verdict == cluster.VerdictDown && o.NodeID == "pg-0" {
				obs := o
				down = &obs
			}
			continue
		default:
		}
		break
	}
	require.NotNil(t, down, "expected a down observation after the suspect threshold")
	assert.Equal(t, "obs-a", down.ObserverID)
}

func TestMonitor_RecoveryResetsFailureCount(t *testing.T) {
	topo := newTestTopology(t)
	prober := &StaticProber{Results: map[string]Result{
		"pg-0": {Status: cluster.HealthSuspect, Err: errors.New("refused")},
	}}

	m := NewMonitor(Config{ObserverID: "obs-a", Interval: time.Second, SuspectThreshold: 3}, prober, topo, zap.NewNop())
	m.ProbeOnce(context.Background())
	m.ProbeOnce(context.Background())

	// Node comes back before the threshold trips.
	prober.Results["pg-0"] = Result{Status: cluster.HealthHealthy}
	m.ProbeOnce(context.Background())

	n, _ := topo.Get("pg-0")
	assert.Equal(t, cluster.HealthHealthy, n.Health)

	// Two more failures still stay below the threshold.
	prober.Results["pg-0"] = Result{Status: cluster.HealthSuspect, Err: errors.New("refused")}
	m.ProbeOnce(context.Background())
	m.ProbeOnce(context.Background())
	n, _ = topo.Get("pg-0")
	assert.Equal(t, cluster.HealthSuspect, n.Health)
}

func TestMonitor_FencedNodesAreNotProbed(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.SetRole("pg-0", cluster.RoleFenced))

	var mu sync.Mutex
	probed := make(map[string]bool)
	prober := proberFunc(func(_ context.Context, n cluster.Node) Result {
		mu.Lock()
		probed[n.ID] = true
		mu.Unlock()
		return Result{Status: cluster.HealthHealthy}
	})

	m := NewMonitor(Config{ObserverID: "obs-a", Interval: time.Second}, prober, topo, zap.NewNop())
	m.ProbeOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, probed["pg-0"])
	assert.True(t, probed["pg-1"])
}

type proberFunc func(ctx context.Context, node cluster.Node) Result

func (f proberFunc) Probe(ctx context.Context, node cluster.Node) Result { return f(ctx, node) }

func drainHealthyOnly(t *testing.T, m *Monitor) {
	t.Helper()
	for {
		select {
		case o := <-m.Observations():
			assert.Equal(t, cluster.VerdictHealthy, o.Verdict)
		default:
			return
		}
	}
}
