package controller

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/cluster"
	"github.com/FairForge/steward/internal/config"
	"github.com/FairForge/steward/internal/probe"
	"github.com/FairForge/steward/internal/telemetry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Probe.Interval = 30 * time.Millisecond
	cfg.Probe.Timeout = 10 * time.Millisecond
	cfg.Detector.Observers = 3
	cfg.Detector.AgreementWindow = 2 * time.Second
	cfg.Failover.PromoteTimeout = 500 * time.Millisecond
	cfg.Failover.FenceTimeout = 500 * time.Millisecond
	cfg.Nodes = []config.NodeConfig{
		{ID: "pg-0", Address: "10.0.0.1:5432", Primary: true},
		{ID: "pg-1", Address: "10.0.0.2:5432"},
		{ID: "pg-2", Address: "10.0.0.3:5432"},
	}
	return cfg
}

func configNodes(cfg *config.Config) []cluster.Node {
	nodes := make([]cluster.Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		role := cluster.RoleReplica
		if nc.Primary {
			role = cluster.RolePrimary
		}
		nodes = append(nodes, cluster.Node{ID: nc.ID, Address: nc.Address, Role: role})
	}
	return nodes
}

func TestController_FailoverEndToEnd(t *testing.T) {
	cfg := testConfig()
	logger := zap.NewNop()

	prober := &probe.StaticProber{Results: map[string]probe.Result{
		"pg-0": {Status: cluster.HealthSuspect, Err: probe.ErrTransientProbe},
		"pg-1": {Status: cluster.HealthHealthy, LagKnown: true},
		"pg-2": {Status: cluster.HealthHealthy, Lag: 5 * time.Second, LagKnown: true},
	}}
	collab := cluster.NewInMemoryCollaborator(configNodes(cfg), logger)

	c, err := New(cfg, prober, collab, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Two peer observers agree the primary is down; with the local
	// monitor that is three observers against a quorum of two.
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, observer := range []string{"peer-1", "peer-2"} {
					c.SubmitObservation(cluster.Observation{
						ObserverID: observer,
						NodeID:     "pg-0",
						Verdict:    cluster.VerdictDown,
						Timestamp:  time.Now(),
					})
				}
			}
		}
	}()

	require.Eventually(t, func() bool {
		primary, ok := c.Topo.Primary()
		return ok && primary.ID == "pg-1"
	}, 5*time.Second, 20*time.Millisecond, "least-lagged replica never promoted")

	require.Eventually(t, func() bool {
		m := c.Endpoints.Current()
		return m.WriteEndpoint == "10.0.0.2:5432" && m.Generation >= 2
	}, 2*time.Second, 20*time.Millisecond, "endpoint mapping never republished")

	old, ok := c.Topo.Get("pg-0")
	require.True(t, ok)
	assert.Equal(t, cluster.RoleFenced, old.Role)

	assert.Greater(t, testutil.ToFloat64(c.Metrics.Observations.WithLabelValues("down")), 0.0)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.Metrics.Failovers.WithLabelValues("success")) == 1.0
	}, 2*time.Second, 20*time.Millisecond, "promotion never recorded as success")
}

func TestController_ScalingEndToEnd(t *testing.T) {
	cfg := testConfig()
	logger := zap.NewNop()
	collab := cluster.NewInMemoryCollaborator(configNodes(cfg), logger)

	c, err := New(cfg, &probe.StaticProber{}, collab, logger)
	require.NoError(t, err)

	now := time.Now()
	for _, id := range []string{"pg-1", "pg-2"} {
		c.Aggregator.Record(telemetry.Sample{NodeID: id, CPU: 90, Mem: 40, At: now})
	}

	// ceil(2 * 90/70) = 3
	c.Autoscaler.Tick(context.Background(), now)
	assert.Equal(t, 3, collab.ReplicaCount())

	select {
	case d := <-c.Autoscaler.Decisions():
		assert.Equal(t, 2, d.Current)
		assert.Equal(t, 3, d.Desired)
	default:
		t.Fatal("no scaling decision emitted")
	}
}

func TestController_ApplyConfigRetargetsAutoscaler(t *testing.T) {
	cfg := testConfig()
	logger := zap.NewNop()
	collab := cluster.NewInMemoryCollaborator(configNodes(cfg), logger)

	c, err := New(cfg, &probe.StaticProber{}, collab, logger)
	require.NoError(t, err)

	reloaded := config.Default()
	reloaded.Autoscale.MinReplicas = 2
	reloaded.Autoscale.MaxReplicas = 6
	reloaded.Autoscale.TargetCPUPercent = 50
	c.ApplyConfig(reloaded)

	now := time.Now()
	for _, id := range []string{"pg-1", "pg-2"} {
		c.Aggregator.Record(telemetry.Sample{NodeID: id, CPU: 90, Mem: 40, At: now})
	}

	// ceil(2 * 90/50) = 4 under the reloaded target
	c.Autoscaler.Tick(context.Background(), now)
	assert.Equal(t, 4, collab.ReplicaCount())
}

func TestController_ReconcileEnrollsNewNodes(t *testing.T) {
	cfg := testConfig()
	logger := zap.NewNop()
	prober := &probe.StaticProber{Results: map[string]probe.Result{
		"pg-3": {Status: cluster.HealthHealthy, Lag: 2 * time.Second, LagKnown: true},
	}}
	collab := cluster.NewInMemoryCollaborator(configNodes(cfg), logger)

	c, err := New(cfg, prober, collab, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, collab.RegisterNode(ctx, cluster.Node{
		ID:      "pg-3",
		Address: "10.0.0.4:5432",
		Role:    cluster.RoleReplica,
	}))

	c.reconcile(ctx)

	n, ok := c.Topo.Get("pg-3")
	require.True(t, ok, "collaborator-added node must enter the topology")
	assert.Equal(t, cluster.RoleReplica, n.Role)

	// The new node is now part of the probe set.
	c.Monitor.ProbeOnce(ctx)
	n, _ = c.Topo.Get("pg-3")
	assert.Equal(t, cluster.HealthHealthy, n.Health)
	assert.Equal(t, 2*time.Second, n.Lag)
	assert.True(t, n.LagKnown)

	// And part of the read pool.
	c.Endpoints.Refresh()
	assert.Contains(t, c.Endpoints.Current().ReadEndpoints, "10.0.0.4:5432")
}

func TestController_ReconcileWithdrawsRemovedNodes(t *testing.T) {
	cfg := testConfig()
	logger := zap.NewNop()
	collab := cluster.NewInMemoryCollaborator(configNodes(cfg), logger)

	c, err := New(cfg, &probe.StaticProber{}, collab, logger)
	require.NoError(t, err)

	ctx := context.Background()
	c.Aggregator.Record(telemetry.Sample{NodeID: "pg-2", CPU: 50, Mem: 50, At: time.Now()})
	require.NoError(t, collab.DeregisterNode(ctx, "pg-2"))

	c.reconcile(ctx)

	_, ok := c.Topo.Get("pg-2")
	assert.False(t, ok, "removed node must leave the topology")

	agg := c.Aggregator.Aggregate([]string{"pg-2"})
	assert.Zero(t, agg.Nodes, "removed node's samples must be forgotten")
	assert.True(t, agg.Partial)
}

func TestController_ReconcileDeferredDuringPromotion(t *testing.T) {
	cfg := testConfig()
	logger := zap.NewNop()
	collab := cluster.NewInMemoryCollaborator(configNodes(cfg), logger)

	c, err := New(cfg, &probe.StaticProber{}, collab, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, collab.RegisterNode(ctx, cluster.Node{ID: "pg-3", Address: "10.0.0.4:5432"}))

	require.True(t, c.Topo.BeginPromotion())
	c.reconcile(ctx)
	_, ok := c.Topo.Get("pg-3")
	assert.False(t, ok, "topology must not change mid-promotion")

	c.Topo.EndPromotion()
	c.reconcile(ctx)
	_, ok = c.Topo.Get("pg-3")
	assert.True(t, ok)
}

func TestController_NewRejectsDuplicatePrimary(t *testing.T) {
	cfg := testConfig()
	cfg.Nodes = append(cfg.Nodes, config.NodeConfig{ID: "pg-3", Address: "10.0.0.4:5432", Primary: true})
	collab := cluster.NewInMemoryCollaborator(nil, zap.NewNop())

	_, err := New(cfg, &probe.StaticProber{}, collab, zap.NewNop())
	assert.Error(t, err)
}
