package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	// Postgres driver, used by the replication-lag prober.
	_ "github.com/lib/pq"

	"github.com/FairForge/steward/internal/cluster"
)

// ErrTransientProbe marks network and timeout failures. A transient
// failure alone never escalates past Suspect; escalation needs
// consecutive failures and, beyond that, quorum agreement.
var ErrTransientProbe = errors.New("probe: transient failure")

// Result is the outcome of a single probe.
type Result struct {
	Status   cluster.Health
	Lag      time.Duration
	LagKnown bool
	Err      error
}

// Prober checks one node's liveness and, when the store exposes it,
// replication lag.
type Prober interface {
	Probe(ctx context.Context, node cluster.Node) Result
}

// TCPProber verifies reachability with a plain TCP dial. It reports
// no lag; lag-aware stores get a store-specific prober.
type TCPProber struct {
	dialer net.Dialer
}

// NewTCPProber creates a TCP prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{}
}

// Probe dials the node address. The context carries the deadline.
func (p *TCPProber) Probe(ctx context.Context, node cluster.Node) Result {
	conn, err := p.dialer.DialContext(ctx, "tcp", node.Address)
	if err != nil {
		return Result{Status: cluster.HealthSuspect, Err: fmt.Errorf("%w: dial %s: %v", ErrTransientProbe, node.Address, err)}
	}
	_ = conn.Close()
	return Result{Status: cluster.HealthHealthy}
}

// PostgresProber probes Postgres nodes over the wire protocol and
// reads replay lag on replicas. Connections are opened per probe and
// closed immediately; the probe path must never hold pooled state for
// a node that is about to be fenced.
type PostgresProber struct {
	user     string
	password string
	dbname   string
}

// NewPostgresProber creates a Postgres prober with the given
// credentials.
func NewPostgresProber(user, password, dbname string) *PostgresProber {
	if dbname == "" {
		dbname = "postgres"
	}
	return &PostgresProber{user: user, password: password, dbname: dbname}
}

const lagQuery = `SELECT pg_is_in_recovery(),
	COALESCE(EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()), 0)`

// Probe connects to the node and measures replay lag.
func (p *PostgresProber) Probe(ctx context.Context, node cluster.Node) Result {
	host, port, err := net.SplitHostPort(node.Address)
	if err != nil {
		host = node.Address
		port = "5432"
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=5",
		host, port, p.user, p.password, p.dbname)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Result{Status: cluster.HealthSuspect, Err: fmt.Errorf("%w: open %s: %v", ErrTransientProbe, node.ID, err)}
	}
	defer func() { _ = db.Close() }()

	var inRecovery bool
	var lagSeconds float64
	if err := db.QueryRowContext(ctx, lagQuery).Scan(&inRecovery, &lagSeconds); err != nil {
		return Result{Status: cluster.HealthSuspect, Err: fmt.Errorf("%w: query %s: %v", ErrTransientProbe, node.ID, err)}
	}

	res := Result{Status: cluster.HealthHealthy}
	if inRecovery {
		res.Lag = time.Duration(lagSeconds * float64(time.Second))
		res.LagKnown = true
	}
	return res
}

// StaticProber returns canned results per node id, for tests and dry
// runs. Unlisted nodes probe healthy.
type StaticProber struct {
	Results map[string]Result
}

// Probe returns the configured result for the node.
func (p *StaticProber) Probe(_ context.Context, node cluster.Node) Result {
	if r, ok := p.Results[node.ID]; ok {
		return r
	}
	return Result{Status: cluster.HealthHealthy}
}
