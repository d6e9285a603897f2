package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Collaborator is the orchestration platform the controller drives.
// It owns the physical node lifecycle; the controller owns the
// decisions. SetNodeRole with RoleFenced must revoke the node's write
// capability before returning. SetNodeRole with RolePrimary returns
// once the node actually reports the primary role, or when the
// context expires.
type Collaborator interface {
	ListNodes(ctx context.Context) ([]Node, error)
	RegisterNode(ctx context.Context, n Node) error
	DeregisterNode(ctx context.Context, id string) error
	SetNodeRole(ctx context.Context, id string, role Role) error
	SetReplicaCount(ctx context.Context, n int) error
}

// InMemoryCollaborator is a self-contained Collaborator for static
// deployments and tests. Role changes apply to its own node table;
// failure injection hooks let tests simulate slow or broken promote
// and fence paths.
type InMemoryCollaborator struct {
	mu     sync.Mutex
	nodes  map[string]Node
	count  int
	logger *zap.Logger

	// RoleErr, keyed by node id, fails every SetNodeRole for that
	// node. RoleDelay is applied before every SetNodeRole;
	// RoleDelayFor overrides it per node. Delays make
	// context-deadline tests deterministic.
	RoleErr      map[string]error
	RoleDelay    time.Duration
	RoleDelayFor map[string]time.Duration

	// Calls records every mutating call in order, for assertions.
	Calls []string
}

// NewInMemoryCollaborator seeds a collaborator with a fixed node set.
func NewInMemoryCollaborator(nodes []Node, logger *zap.Logger) *InMemoryCollaborator {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[string]Node, len(nodes))
	replicas := 0
	for _, n := range nodes {
		m[n.ID] = n
		if n.Role == RoleReplica {
			replicas++
		}
	}
	return &InMemoryCollaborator{
		nodes:   m,
		count:   replicas,
		logger:  logger,
		RoleErr: make(map[string]error),
	}
}

// ListNodes returns the current node table.
func (c *InMemoryCollaborator) ListNodes(_ context.Context) ([]Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out, nil
}

// RegisterNode adds a node to the table.
func (c *InMemoryCollaborator) RegisterNode(_ context.Context, n Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.ID] = n
	c.Calls = append(c.Calls, "register:"+n.ID)
	return nil
}

// DeregisterNode removes a node from the table.
func (c *InMemoryCollaborator) DeregisterNode(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(c.nodes, id)
	c.Calls = append(c.Calls, "deregister:"+id)
	return nil
}

// SetNodeRole applies a role change, honoring injected delays and
// errors first.
func (c *InMemoryCollaborator) SetNodeRole(ctx context.Context, id string, role Role) error {
	delay := c.RoleDelay
	if d, ok := c.RoleDelayFor[id]; ok {
		delay = d
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.RoleErr[id]; err != nil {
		return err
	}
	n, ok := c.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	n.Role = role
	c.nodes[id] = n
	c.Calls = append(c.Calls, fmt.Sprintf("role:%s=%s", id, role))

	c.logger.Info("collaborator applied role change",
		zap.String("node", id),
		zap.String("role", role.String()))
	return nil
}

// SetReplicaCount records the desired replica count. A static
// deployment cannot add machines, so this only converges bookkeeping
// and logs the request.
func (c *InMemoryCollaborator) SetReplicaCount(_ context.Context, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = n
	c.Calls = append(c.Calls, fmt.Sprintf("replicas:%d", n))
	c.logger.Info("collaborator replica count set", zap.Int("count", n))
	return nil
}

// ReplicaCount returns the last requested replica count.
func (c *InMemoryCollaborator) ReplicaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
