package telemetry

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Method selects how windowed samples collapse into one value. Scale
// decisions are sensitive to this choice, so it is explicit in
// configuration rather than defaulted silently.
type Method string

const (
	MethodAvg Method = "avg"
	MethodP90 Method = "p90"
)

// ErrUnknownMethod is returned for an unrecognized aggregation method.
var ErrUnknownMethod = errors.New("telemetry: unknown aggregation method")

// Sample is one load reading for one node.
type Sample struct {
	NodeID string        `json:"node_id"`
	CPU    float64       `json:"cpu_percent"`
	Mem    float64       `json:"mem_percent"`
	Lag    time.Duration `json:"lag"`
	At     time.Time     `json:"timestamp"`
}

// Aggregate is the windowed view over a node set.
type Aggregate struct {
	CPU    float64
	Mem    float64
	MaxLag time.Duration
	Nodes  int
	// Partial is set when at least one requested node had no samples
	// in the window. The caller decides whether to act on it.
	Partial bool
}

// Aggregator keeps a sliding window of raw samples per node.
type Aggregator struct {
	window time.Duration
	method Method
	logger *zap.Logger

	mu      sync.Mutex
	samples map[string][]Sample
}

// NewAggregator creates an aggregator. An empty method defaults to avg.
func NewAggregator(window time.Duration, method Method, logger *zap.Logger) (*Aggregator, error) {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if method == "" {
		method = MethodAvg
	}
	if method != MethodAvg && method != MethodP90 {
		return nil, ErrUnknownMethod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		window:  window,
		method:  method,
		logger:  logger,
		samples: make(map[string][]Sample),
	}, nil
}

// Record adds a sample to the node's window.
func (a *Aggregator) Record(s Sample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	a.mu.Lock()
	a.samples[s.NodeID] = append(a.samples[s.NodeID], s)
	a.mu.Unlock()
}

// Forget drops all samples for a deregistered node.
func (a *Aggregator) Forget(nodeID string) {
	a.mu.Lock()
	delete(a.samples, nodeID)
	a.mu.Unlock()
}

// Aggregate collapses the window for the given nodes. Nodes without
// samples are excluded rather than blocked on, and flagged via
// Partial.
func (a *Aggregator) Aggregate(nodeIDs []string) Aggregate {
	cutoff := time.Now().Add(-a.window)

	a.mu.Lock()
	defer a.mu.Unlock()

	var cpus, mems []float64
	var maxLag time.Duration
	agg := Aggregate{}

	for _, id := range nodeIDs {
		kept := a.samples[id][:0]
		for _, s := range a.samples[id] {
			if s.At.After(cutoff) {
				kept = append(kept, s)
			}
		}
		a.samples[id] = kept

		if len(kept) == 0 {
			agg.Partial = true
			continue
		}
		agg.Nodes++
		for _, s := range kept {
			cpus = append(cpus, s.CPU)
			mems = append(mems, s.Mem)
			if s.Lag > maxLag {
				maxLag = s.Lag
			}
		}
	}

	agg.CPU = collapse(cpus, a.method)
	agg.Mem = collapse(mems, a.method)
	agg.MaxLag = maxLag
	return agg
}

func collapse(values []float64, method Method) float64 {
	if len(values) == 0 {
		return 0
	}
	switch method {
	case MethodP90:
		sorted := make([]float64, len(values))
		copy(sorted, values)
		sort.Float64s(sorted)
		idx := int(math.Ceil(0.9*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	default:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}
