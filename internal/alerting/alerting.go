package alerting

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert types raised by the controller.
const (
	TypeDegradedReads    = "degraded_reads"
	TypeQuorumReset      = "quorum_reset"
	TypePromotionTimeout = "promotion_timeout"
	TypeFenceFailed      = "fence_failed"
	TypeNoViablePrimary  = "no_viable_primary"
	TypeFailoverComplete = "failover_complete"
	TypeMappingRegressed = "mapping_regressed"
)

// Alert is a single raised condition.
type Alert struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	NodeID   string                 `json:"node_id,omitempty"`
	FiredAt  time.Time              `json:"fired_at"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Dispatcher fans alerts out to subscribers and keeps a bounded
// history for the admin API.
type Dispatcher struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers []func(Alert)
	history  []Alert
	maxKeep  int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, maxKeep: 200}
}

// Subscribe registers a handler. Handlers run on their own goroutine
// so a slow sink never blocks the control loops.
func (d *Dispatcher) Subscribe(handler func(Alert)) {
	d.mu.Lock()
	d.handlers = append(d.handlers, handler)
	d.mu.Unlock()
}

// Emit raises an alert.
func (d *Dispatcher) Emit(alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.FiredAt.IsZero() {
		alert.FiredAt = time.Now()
	}

	switch alert.Severity {
	case SeverityCritical:
		d.logger.Error("alert", zap.String("type", alert.Type), zap.String("message", alert.Message), zap.String("node", alert.NodeID))
	case SeverityWarning:
		d.logger.Warn("alert", zap.String("type", alert.Type), zap.String("message", alert.Message), zap.String("node", alert.NodeID))
	default:
		d.logger.Info("alert", zap.String("type", alert.Type), zap.String("message", alert.Message), zap.String("node", alert.NodeID))
	}

	d.mu.Lock()
	d.history = append(d.history, alert)
	if len(d.history) > d.maxKeep {
		d.history = d.history[len(d.history)-d.maxKeep:]
	}
	handlers := make([]func(Alert), len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	for _, h := range handlers {
		go h(alert)
	}
}

// Recent returns the most recent n alerts, newest last.
func (d *Dispatcher) Recent(n int) []Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	out := make([]Alert, n)
	copy(out, d.history[len(d.history)-n:])
	return out
}
