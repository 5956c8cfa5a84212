// Package node wires the geostore components into the HTTP surface a
// node exposes: the device-facing file API, the peer-facing replication
// endpoints, access-report ingestion, and health/metrics.
package node

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/geostore/geostore/internal/aggregate"
	"github.com/geostore/geostore/internal/config"
	"github.com/geostore/geostore/internal/directory"
	"github.com/geostore/geostore/internal/logging/audit"
	"github.com/geostore/geostore/internal/metrics"
	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/internal/tracing"
	"github.com/geostore/geostore/pkg/proto"
)

// Inbound replica pushes are bursty around placement cycles; the
// limiter keeps a misbehaving peer from saturating local disk I/O.
const (
	replicationRatePerSec = 10
	replicationBurst      = 20
)

// maxUploadMemory bounds the in-memory part of multipart parsing.
const maxUploadMemory = 64 << 20 // 64MB

// Config holds the server dependencies.
type Config struct {
	Node       *config.NodeConfig
	Store      *store.Store
	Aggregator *aggregate.Aggregator
	Directory  *directory.Client
	Audit      *audit.Logger
	Metrics    *metrics.NodeMetrics
	NodeUUID   string
	Logger     zerolog.Logger
}

// Server is the node's HTTP server.
type Server struct {
	cfg         *config.NodeConfig
	store       *store.Store
	agg         *aggregate.Aggregator
	directory   *directory.Client
	audit       *audit.Logger
	metrics     *metrics.NodeMetrics
	nodeUUID    string
	replLimiter *rate.Limiter
	mux         *http.ServeMux
	server      *http.Server
	logger      zerolog.Logger
}

// NewServer creates the node HTTP server.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:         cfg.Node,
		store:       cfg.Store,
		agg:         cfg.Aggregator,
		directory:   cfg.Directory,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		nodeUUID:    cfg.NodeUUID,
		replLimiter: rate.NewLimiter(rate.Limit(replicationRatePerSec), replicationBurst),
		mux:         http.NewServeMux(),
		logger:      cfg.Logger.With().Str("component", "node").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/uuid", s.handleUUID)

	s.mux.HandleFunc("/fileAccess/insert", s.handleAccessInsert)
	s.mux.HandleFunc("/replication/data", s.handleReplicationData)
	s.mux.HandleFunc("/replication/reset", s.handleReplicationReset)

	s.mux.HandleFunc("/file/data", s.handleFileUpload)
	s.mux.HandleFunc("/file/data/", s.handleFileDownload)
	s.mux.HandleFunc("/file/metadata/", s.handleFileMetadata)
	s.mux.HandleFunc("/thumbnail/", s.handleThumbnail)
	s.mux.HandleFunc("/file/", s.handleFileDelete)

	s.mux.HandleFunc("/debug/trace", s.handleDebugTrace)
}

// limitBody caps the request body at the configured max_upload size.
func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) {
	if max := s.cfg.MaxUpload.Bytes(); max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, max)
	}
}

func (s *Server) handleDebugTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !tracing.Enabled() {
		s.jsonError(w, "tracing not enabled", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="geostore-trace.out"`)
	if err := tracing.Snapshot(w); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write trace snapshot")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins serving on the configured listen address.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("Node server started")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Node server failed")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleUUID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, proto.IdentityResponse{UUID: s.nodeUUID, Type: proto.NodeTypeCloudlet})
}

func (s *Server) handleAccessInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var batch proto.AccessReportBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.agg.RecordAccesses(batch.FileAccesses); err != nil {
		s.metrics.RequestErrors.WithLabelValues("access_insert").Inc()
		s.logger.Error().Err(err).Msg("Failed to record access reports")
		s.jsonError(w, "failed to record accesses", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, proto.AckResponse{OK: true})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
