package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/steward/internal/alerting"
	"github.com/FairForge/steward/internal/cluster"
	"github.com/FairForge/steward/internal/config"
	"github.com/FairForge/steward/internal/failover"
	"github.com/FairForge/steward/internal/metrics"
	"github.com/FairForge/steward/internal/router"
	"github.com/FairForge/steward/internal/telemetry"
)

// Server is the controller's admin and telemetry-ingest surface.
type Server struct {
	cfg         *config.Config
	logger      *zap.Logger
	topo        *cluster.Topology
	endpoints   *router.Router
	coordinator *failover.Coordinator
	alerts      *alerting.Dispatcher
	agg         *telemetry.Aggregator
	metrics     *metrics.Metrics

	mux        chi.Router
	httpServer *http.Server

	// observe forwards peer observer verdicts into the failure
	// detector when the process runs as part of an observer set.
	observe func(cluster.Observation)
}

// NewServer wires the admin API.
func NewServer(cfg *config.Config, logger *zap.Logger, topo *cluster.Topology, endpoints *router.Router,
	coordinator *failover.Coordinator, alerts *alerting.Dispatcher, agg *telemetry.Aggregator, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		topo:        topo,
		endpoints:   endpoints,
		coordinator: coordinator,
		alerts:      alerts,
		agg:         agg,
		metrics:     m,
		mux:         chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Get("/healthz", s.handleHealth)
	s.mux.Route("/v1", func(r chi.Router) {
		r.Get("/topology", s.handleTopology)
		r.Get("/endpoints", s.handleEndpoints)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/failover", s.handleFailover)
		r.Post("/telemetry", s.handleTelemetry)
		r.Post("/observations", s.handleObservations)
	})
	s.mux.Mount("/metrics", s.metrics.Handler())
}

// Handler exposes the route tree, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// SetObservationSink enables the peer-observation ingest route.
func (s *Server) SetObservationSink(fn func(cluster.Observation)) {
	s.observe = fn
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("admin api listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"promoting": s.topo.Promoting(),
		"halted":    s.coordinator.Halted(),
	})
}

type topologyNode struct {
	ID       string  `json:"id"`
	Address  string  `json:"address"`
	Role     string  `json:"role"`
	Health   string  `json:"health"`
	LagSecs  float64 `json:"lag_seconds"`
	LagKnown bool    `json:"lag_known"`
	LastSeen string  `json:"last_seen,omitempty"`
}

func (s *Server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	nodes := s.topo.Snapshot()
	out := make([]topologyNode, 0, len(nodes))
	for _, n := range nodes {
		tn := topologyNode{
			ID:       n.ID,
			Address:  n.Address,
			Role:     n.Role.String(),
			Health:   n.Health.String(),
			LagSecs:  n.Lag.Seconds(),
			LagKnown: n.LagKnown,
		}
		if !n.LastSeen.IsZero() {
			tn.LastSeen = n.LastSeen.UTC().Format(time.RFC3339)
		}
		out = append(out, tn)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": out})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.endpoints.Current())
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": s.alerts.Recent(50)})
}

type failoverRequest struct {
	TargetID string `json:"target_id"`
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req failoverRequest
	if r.Body != nil {
		// An empty body means "pick the best candidate".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	s.logger.Info("manual failover requested", zap.String("target", req.TargetID))

	err := s.coordinator.Force(r.Context(), req.TargetID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "promoted",
		})
	case errors.Is(err, failover.ErrPromotionInFlight):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, failover.ErrBadTarget):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, failover.ErrNoViablePrimary):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

type telemetrySample struct {
	NodeID     string  `json:"node_id"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	LagSeconds float64 `json:"lag_seconds"`
	Timestamp  string  `json:"timestamp,omitempty"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var samples []telemetrySample
	if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("api: decode samples: %w", err))
		return
	}

	for _, in := range samples {
		if in.NodeID == "" {
			s.writeError(w, http.StatusBadRequest, errors.New("api: sample missing node_id"))
			return
		}
		at := time.Now()
		if in.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, in.Timestamp); err == nil {
				at = parsed
			}
		}
		s.agg.Record(telemetry.Sample{
			NodeID: in.NodeID,
			CPU:    in.CPUPercent,
			Mem:    in.MemPercent,
			Lag:    time.Duration(in.LagSeconds * float64(time.Second)),
			At:     at,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	if s.observe == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("api: observation ingest not enabled"))
		return
	}

	var obs []cluster.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("api: decode observations: %w", err))
		return
	}
	for _, o := range obs {
		if o.NodeID == "" || o.ObserverID == "" {
			s.writeError(w, http.StatusBadRequest, errors.New("api: observation missing node_id or observer_id"))
			return
		}
		s.observe(o)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
