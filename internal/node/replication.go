package node

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/geostore/geostore/internal/logging/audit"
	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/pkg/bytesize"
	"github.com/geostore/geostore/pkg/proto"
)

// handleReplicationData accepts a replica pushed by another node. The
// endpoint is idempotent: a file that is already stored locally is
// acknowledged without touching it.
func (s *Server) handleReplicationData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.replLimiter.Allow() {
		s.jsonError(w, "replication rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	s.limitBody(w, r)

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.jsonError(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	var md proto.FileMetadata
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &md); err != nil || md.UUID == "" {
		s.jsonError(w, "invalid metadata", http.StatusBadRequest)
		return
	}
	srcPort, err := strconv.Atoi(r.FormValue("src_port"))
	if err != nil {
		s.jsonError(w, "invalid src_port", http.StatusBadRequest)
		return
	}
	var prefixes []string
	if raw := r.FormValue("geohash_prefix"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &prefixes); err != nil {
			s.jsonError(w, "invalid geohash_prefix", http.StatusBadRequest)
			return
		}
	}

	if s.hasReplica(md.UUID) {
		s.metrics.ReplicasDuplicate.Inc()
		s.audit.Record(audit.EventAlreadyReplicated, md.UUID, md.MD5, "")
		s.writeJSON(w, proto.ReplicationOutcome{AlreadyPresent: true, Message: "already stored"})
		return
	}

	f, _, err := r.FormFile("filedata")
	if err != nil {
		s.jsonError(w, "missing filedata", http.StatusBadRequest)
		return
	}
	defer func() { _ = f.Close() }()

	n, err := s.store.PutBlob(md.UUID, f)
	if err != nil {
		s.metrics.RequestErrors.WithLabelValues("replication_data").Inc()
		s.audit.Record(audit.EventReplicationError, md.UUID, "store blob", originAddress(r))
		s.logger.Error().Err(err).Str("file", md.UUID).Msg("Failed to store replica contents")
		s.jsonError(w, "failed to store replica", http.StatusInternalServerError)
		return
	}
	s.metrics.ReplicaBytes.Add(float64(n))

	s.generateThumbnail(md)

	if err := s.store.PutFileMetadata(md); err != nil {
		s.metrics.RequestErrors.WithLabelValues("replication_data").Inc()
		s.audit.Record(audit.EventReplicationError, md.UUID, "store metadata", originAddress(r))
		s.logger.Error().Err(err).Str("file", md.UUID).Msg("Failed to store replica metadata")
		s.jsonError(w, "failed to store replica", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	rec := store.ReplicaRecord{
		FileID:         md.UUID,
		LastAccessAt:   now,
		OriginAddress:  originAddress(r),
		OriginPort:     srcPort,
		SourcePrefixes: prefixes,
		ReceivedAt:     now,
	}
	if err := s.store.PutReplicaRecord(rec); err != nil {
		s.metrics.RequestErrors.WithLabelValues("replication_data").Inc()
		s.audit.Record(audit.EventReplicationError, md.UUID, "store replica record", rec.OriginAddress)
		s.logger.Error().Err(err).Str("file", md.UUID).Msg("Failed to store replica record")
		s.jsonError(w, "failed to store replica", http.StatusInternalServerError)
		return
	}

	s.metrics.ReplicasReceived.Inc()
	s.audit.Record(audit.EventReceiveReplication, md.UUID, strings.Join(prefixes, ","), rec.OriginAddress)
	s.logger.Info().Str("file", md.UUID).Str("origin", rec.OriginAddress).
		Str("size", bytesize.Format(n)).Msg("Stored replica")

	// The mapping notification must not hold up the acknowledgement.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.directory.AddFileMapping(ctx, md.DeviceID, md.UUID, s.nodeUUID); err != nil {
			s.logger.Warn().Err(err).Str("file", md.UUID).
				Msg("Failed to register replica mapping with directory")
		}
	}()

	s.writeJSON(w, proto.ReplicationOutcome{Stored: true})
}

// hasReplica reports whether both the contents and metadata for fileID
// are already present.
func (s *Server) hasReplica(fileID string) bool {
	if !s.store.HasBlob(fileID) {
		return false
	}
	ok, err := s.store.HasFile(fileID)
	return err == nil && ok
}

// originAddress reconstructs the pushing node's base URL from the
// connection's remote address. The origin's listen port arrives
// separately as src_port.
func originAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if strings.Contains(host, ":") {
		// Bracket IPv6 literals.
		host = "[" + host + "]"
	}
	return "http://" + host
}

// handleReplicationReset clears the sample counters for the given
// file's locality buckets so the placement scheduler can fire again.
// Prefixes match any bucket key they are a prefix of.
func (s *Server) handleReplicationReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.File == "" {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	n, err := s.store.ResetCentroids(req.File, req.GeohashPrefix)
	if err != nil {
		s.metrics.RequestErrors.WithLabelValues("replication_reset").Inc()
		s.logger.Error().Err(err).Str("file", req.File).Msg("Failed to reset centroids")
		s.jsonError(w, "failed to reset centroids", http.StatusInternalServerError)
		return
	}

	for _, prefix := range req.GeohashPrefix {
		s.audit.Record(audit.EventResetCentroid, req.File, prefix, "")
	}
	s.logger.Info().Str("file", req.File).Strs("prefixes", req.GeohashPrefix).
		Int("reset", n).Msg("Reset locality buckets")

	s.writeJSON(w, proto.AckResponse{OK: true})
}
