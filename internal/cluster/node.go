package cluster

import (
	"time"
)

// Role is the logical role a node plays in the replicated store.
type Role int

const (
	RoleReplica Role = iota
	RolePrimary
	RoleCandidate
	RoleFenced
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	case RoleCandidate:
		return "candidate"
	case RoleFenced:
		return "fenced"
	default:
		return "unknown"
	}
}

// Health is the probe-observed health of a node.
type Health int

const (
	HealthHealthy Health = iota
	HealthSuspect
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthSuspect:
		return "suspect"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// Node is a member of the replicated store.
type Node struct {
	ID       string        `json:"id"`
	Address  string        `json:"address"`
	Role     Role          `json:"role"`
	Health   Health        `json:"health"`
	LastSeen time.Time     `json:"last_seen"`
	Lag      time.Duration `json:"lag"`
	LagKnown bool          `json:"lag_known"`
}

// Verdict is a single observer's judgment about a node.
type Verdict int

const (
	VerdictHealthy Verdict = iota
	VerdictDown
)

func (v Verdict) String() string {
	if v == VerdictDown {
		return "down"
	}
	return "healthy"
}

// Observation is one observer's verdict about one node at a point in
// time. Quorum is computed over observations from distinct observers.
type Observation struct {
	ID         string    `json:"id"`
	ObserverID string    `json:"observer_id"`
	NodeID     string    `json:"node_id"`
	Verdict    Verdict   `json:"verdict"`
	Timestamp  time.Time `json:"timestamp"`
}
