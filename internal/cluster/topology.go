package cluster

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNodeNotFound is returned when an operation references an
	// unregistered node id.
	ErrNodeNotFound = errors.New("cluster: node not found")

	// ErrPrimaryExists is returned when a role change would produce a
	// second primary.
	ErrPrimaryExists = errors.New("cluster: a primary already exists")
)

type nodeRecord struct {
	mu   sync.Mutex
	node Node
}

// Topology is the controller's owned view of the replicated store.
// The node set and primary id are guarded by mu; each node record has
// its own short-held lock so probe updates for one node never stall
// updates for another. Reads return copies, never live records.
type Topology struct {
	mu        sync.RWMutex
	nodes     map[string]*nodeRecord
	primaryID string

	promoting bool

	watchers []chan struct{}
	logger   *zap.Logger
}

// NewTopology creates an empty topology.
func NewTopology(logger *zap.Logger) *Topology {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Topology{
		nodes:  make(map[string]*nodeRecord),
		logger: logger,
	}
}

// Register adds a node. A node registered with RolePrimary becomes the
// current primary; registering a second primary is rejected.
func (t *Topology) Register(n Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.Role == RolePrimary && t.primaryID != "" && t.primaryID != n.ID {
		return ErrPrimaryExists
	}

	t.nodes[n.ID] = &nodeRecord{node: n}
	if n.Role == RolePrimary {
		t.primaryID = n.ID
	}

	t.logger.Info("node registered",
		zap.String("node", n.ID),
		zap.String("role", n.Role.String()),
		zap.String("address", n.Address))

	t.notifyLocked()
	return nil
}

// Deregister removes a node.
func (t *Topology) Deregister(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(t.nodes, id)
	if t.primaryID == id {
		t.primaryID = ""
	}

	t.logger.Info("node deregistered", zap.String("node", id))
	t.notifyLocked()
	return nil
}

// Get returns a copy of the node.
func (t *Topology) Get(id string) (Node, bool) {
	t.mu.RLock()
	rec, ok := t.nodes[id]
	t.mu.RUnlock()
	if !ok {
		return Node{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.node, true
}

// Snapshot returns copies of every node, ordered by id. A caller sees
// either the pre- or post-mutation state of each node, never a
// partially written record.
func (t *Topology) Snapshot() []Node {
	t.mu.RLock()
	recs := make([]*nodeRecord, 0, len(t.nodes))
	for _, rec := range t.nodes {
		recs = append(recs, rec)
	}
	t.mu.RUnlock()

	nodes := make([]Node, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		nodes = append(nodes, rec.node)
		rec.mu.Unlock()
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Primary returns the current primary node, if any.
func (t *Topology) Primary() (Node, bool) {
	t.mu.RLock()
	id := t.primaryID
	t.mu.RUnlock()
	if id == "" {
		return Node{}, false
	}
	return t.Get(id)
}

// SetHealth records a probe result for a node. This is the health
// probe's exclusive write path for health, lag and last-seen fields.
func (t *Topology) SetHealth(id string, health Health, lag time.Duration, lagKnown bool, seenAt time.Time) error {
	t.mu.RLock()
	rec, ok := t.nodes[id]
	t.mu.RUnlock()
	if !ok {
		return ErrNodeNotFound
	}

	rec.mu.Lock()
	changed := rec.node.Health != health
	rec.node.Health = health
	rec.node.Lag = lag
	rec.node.LagKnown = lagKnown
	if health != HealthDown {
		rec.node.LastSeen = seenAt
	}
	rec.mu.Unlock()

	if changed {
		t.mu.Lock()
		t.notifyLocked()
		t.mu.Unlock()
	}
	return nil
}

// SetRole changes a node's role. Promoting to primary fails while a
// different primary is still set; callers clear it first.
func (t *Topology) SetRole(id string, role Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	if role == RolePrimary && t.primaryID != "" && t.primaryID != id {
		return ErrPrimaryExists
	}

	rec.mu.Lock()
	rec.node.Role = role
	rec.mu.Unlock()

	switch {
	case role == RolePrimary:
		t.primaryID = id
	case t.primaryID == id:
		t.primaryID = ""
	}

	t.logger.Info("node role changed",
		zap.String("node", id),
		zap.String("role", role.String()))

	t.notifyLocked()
	return nil
}

// BeginPromotion sets the promotion-in-progress flag. It returns false
// if a promotion is already in flight.
func (t *Topology) BeginPromotion() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.promoting {
		return false
	}
	t.promoting = true
	return true
}

// EndPromotion clears the promotion-in-progress flag.
func (t *Topology) EndPromotion() {
	t.mu.Lock()
	t.promoting = false
	t.mu.Unlock()
}

// Promoting reports whether a promotion is in flight.
func (t *Topology) Promoting() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.promoting
}

// Watch returns a channel that receives a signal after every topology
// mutation. The channel is buffered; a slow consumer coalesces
// signals instead of blocking mutators.
func (t *Topology) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.watchers = append(t.watchers, ch)
	t.mu.Unlock()
	return ch
}

func (t *Topology) notifyLocked() {
	for _, ch := range t.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Replicas returns copies of all nodes with RoleReplica.
func (t *Topology) Replicas() []Node {
	var out []Node
	for _, n := range t.Snapshot() {
		if n.Role == RoleReplica {
			out = append(out, n)
		}
	}
	return out
}
