package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/cluster"
)

// ErrQuorumNotReached is logged when an agreement window closes
// without a strict majority. It resets the window, never the node's
// Suspect standing.
var ErrQuorumNotReached = errors.New("detector: quorum not reached within agreement window")

// State is the detector's per-node verdict state machine.
type State int

const (
	StateHealthy State = iota
	StateSuspect
	StateConfirmedDown
)

func (s State) String() string {
	switch s {
	case StateSuspect:
		return "suspect"
	case StateConfirmedDown:
		return "confirmed_down"
	default:
		return "healthy"
	}
}

// PrimaryDownEvent is emitted exactly once per confirmed-down
// transition of the current primary.
type PrimaryDownEvent struct {
	NodeID      string
	ConfirmedAt time.Time
	Observers   []string
}

// Config configures the detector.
type Config struct {
	// ObserverCount is the number of configured observers; quorum is
	// a strict majority of this, not of whoever happened to report.
	ObserverCount int
	// AgreementWindow bounds how long down votes may accumulate
	// before the count restarts.
	AgreementWindow time.Duration
}

// DefaultConfig returns detector defaults.
func DefaultConfig() Config {
	return Config{
		ObserverCount:   3,
		AgreementWindow: 10 * time.Second,
	}
}

type nodeState struct {
	state       State
	windowStart time.Time
	downVotes   map[string]time.Time
	healthy     map[string]time.Time
	emitted     bool
}

// Detector turns per-observer Observations into quorum-backed
// verdicts. A single flaky observer can push a node to Suspect but
// never to ConfirmedDown.
type Detector struct {
	cfg    Config
	topo   *cluster.Topology
	logger *zap.Logger

	mu      sync.Mutex
	nodes   map[string]*nodeState
	onReset func(nodeID string)

	events chan PrimaryDownEvent
}

// New creates a detector.
func New(cfg Config, topo *cluster.Topology, logger *zap.Logger) *Detector {
	if cfg.ObserverCount <= 0 {
		cfg.ObserverCount = DefaultConfig().ObserverCount
	}
	if cfg.AgreementWindow <= 0 {
		cfg.AgreementWindow = DefaultConfig().AgreementWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:    cfg,
		topo:   topo,
		logger: logger,
		nodes:  make(map[string]*nodeState),
		events: make(chan PrimaryDownEvent, 16),
	}
}

// Events is the stream of confirmed primary failures.
func (d *Detector) Events() <-chan PrimaryDownEvent {
	return d.events
}

// OnWindowReset registers a callback invoked whenever an agreement
// window closes without quorum. Set before Run.
func (d *Detector) OnWindowReset(fn func(nodeID string)) {
	d.mu.Lock()
	d.onReset = fn
	d.mu.Unlock()
}

// StateOf returns the detector state for a node.
func (d *Detector) StateOf(nodeID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ns, ok := d.nodes[nodeID]; ok {
		return ns.state
	}
	return StateHealthy
}

// Run consumes observation streams until the context is canceled. A
// background sweep restarts expired agreement windows so a node never
// sits in a stuck half-counted state.
func (d *Detector) Run(ctx context.Context, streams ...<-chan cluster.Observation) {
	var wg sync.WaitGroup
	for _, stream := range streams {
		wg.Add(1)
		go func(ch <-chan cluster.Observation) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case o := <-ch:
					d.Observe(o)
				}
			}
		}(stream)
	}

	sweep := time.NewTicker(d.cfg.AgreementWindow / 2)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-sweep.C:
			d.sweepExpired(time.Now())
		}
	}
}

// Observe feeds one observation into the state machine.
func (d *Detector) Observe(o cluster.Observation) {
	now := o.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ns := d.nodes[o.NodeID]
	if ns == nil {
		ns = &nodeState{
			downVotes: make(map[string]time.Time),
			healthy:   make(map[string]time.Time),
		}
		d.nodes[o.NodeID] = ns
	}

	if o.Verdict == cluster.VerdictDown {
		d.observeDown(ns, o, now)
	} else {
		d.observeHealthy(ns, o, now)
	}
}

func (d *Detector) observeDown(ns *nodeState, o cluster.Observation, now time.Time) {
	switch ns.state {
	case StateHealthy:
		ns.state = StateSuspect
		ns.windowStart = now
		ns.downVotes = map[string]time.Time{o.ObserverID: now}
		d.logger.Info("node suspect",
			zap.String("node", o.NodeID),
			zap.String("observer", o.ObserverID))

	case StateSuspect:
		if now.Sub(ns.windowStart) > d.cfg.AgreementWindow {
			d.logger.Info("agreement window restarted",
				zap.String("node", o.NodeID),
				zap.Error(ErrQuorumNotReached))
			ns.downVotes = make(map[string]time.Time)
			ns.windowStart = now
			if d.onReset != nil {
				d.onReset(o.NodeID)
			}
		}
		ns.downVotes[o.ObserverID] = now

		if len(ns.downVotes) >= d.majority() {
			ns.state = StateConfirmedDown
			ns.healthy = make(map[string]time.Time)
			observers := make([]string, 0, len(ns.downVotes))
			for id := range ns.downVotes {
				observers = append(observers, id)
			}
			d.logger.Warn("node confirmed down by quorum",
				zap.String("node", o.NodeID),
				zap.Int("votes", len(ns.downVotes)),
				zap.Int("observers", d.cfg.ObserverCount))

			if primary, ok := d.topo.Primary(); ok && primary.ID == o.NodeID && !ns.emitted {
				ns.emitted = true
				d.emit(PrimaryDownEvent{
					NodeID:      o.NodeID,
					ConfirmedAt: now,
					Observers:   observers,
				})
			}
		}

	case StateConfirmedDown:
		// Already confirmed; repeated votes change nothing.
	}
}

func (d *Detector) observeHealthy(ns *nodeState, o cluster.Observation, now time.Time) {
	switch ns.state {
	case StateSuspect:
		delete(ns.downVotes, o.ObserverID)
		if len(ns.downVotes) == 0 {
			ns.state = StateHealthy
			d.logger.Info("node cleared suspect", zap.String("node", o.NodeID))
		}

	case StateConfirmedDown:
		// Recovery verification mirrors failure detection: a strict
		// majority must see the node healthy again.
		ns.healthy[o.ObserverID] = now
		for id, at := range ns.healthy {
			if now.Sub(at) > d.cfg.AgreementWindow {
				delete(ns.healthy, id)
			}
		}
		if len(ns.healthy) >= d.majority() {
			ns.state = StateHealthy
			ns.emitted = false
			ns.downVotes = make(map[string]time.Time)
			ns.healthy = make(map[string]time.Time)
			d.logger.Info("node recovered, verified by quorum",
				zap.String("node", o.NodeID))
		}
	}
}

func (d *Detector) sweepExpired(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for nodeID, ns := range d.nodes {
		if ns.state == StateSuspect && now.Sub(ns.windowStart) > d.cfg.AgreementWindow {
			d.logger.Info("agreement window expired",
				zap.String("node", nodeID),
				zap.Error(ErrQuorumNotReached))
			ns.downVotes = make(map[string]time.Time)
			ns.windowStart = now
			if d.onReset != nil {
				d.onReset(nodeID)
			}
		}
	}
}

func (d *Detector) majority() int {
	return d.cfg.ObserverCount/2 + 1
}

func (d *Detector) emit(ev PrimaryDownEvent) {
	select {
	case d.events <- ev:
	default:
		d.logger.Error("primary-down event dropped, coordinator lagging",
			zap.String("node", ev.NodeID))
	}
}
