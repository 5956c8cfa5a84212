package node

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geostore/geostore/internal/logging/audit"
	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/internal/thumb"
	"github.com/geostore/geostore/pkg/bytesize"
	"github.com/geostore/geostore/pkg/proto"
)

// handleFileUpload accepts a device upload: multipart with a "filedata"
// part and a "metadata" JSON field. Duplicate contents (same MD5) are
// answered with the already-stored file's metadata.
func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.limitBody(w, r)

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.jsonError(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	var md proto.FileMetadata
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &md); err != nil {
		s.jsonError(w, "invalid metadata", http.StatusBadRequest)
		return
	}
	if md.UUID == "" {
		md.UUID = uuid.NewString()
	}
	if md.CreationTimestamp == 0 {
		md.CreationTimestamp = time.Now().Unix()
	}

	f, _, err := r.FormFile("filedata")
	if err != nil {
		s.jsonError(w, "missing filedata", http.StatusBadRequest)
		return
	}
	defer func() { _ = f.Close() }()

	hash := md5.New()
	size, err := s.store.PutBlob(md.UUID, io.TeeReader(f, hash))
	if err != nil {
		s.metrics.RequestErrors.WithLabelValues("file_upload").Inc()
		s.logger.Error().Err(err).Str("file", md.UUID).Msg("Failed to store upload")
		s.jsonError(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	md.MD5 = hex.EncodeToString(hash.Sum(nil))
	md.FileSize = size

	// Same contents already stored under another id: drop the new copy
	// and hand back the existing record.
	if existingID, err := s.store.FileIDByMD5(md.MD5); err == nil && existingID != md.UUID {
		_ = s.store.DeleteBlob(md.UUID)
		existing, err := s.store.GetFileMetadata(existingID)
		if err != nil {
			s.jsonError(w, "failed to load existing file", http.StatusInternalServerError)
			return
		}
		s.logger.Info().Str("file", existingID).Str("md5", md.MD5).Msg("Duplicate upload")
		s.writeJSON(w, existing)
		return
	}

	s.generateThumbnail(md)

	if err := s.store.PutFileMetadata(md); err != nil {
		s.metrics.RequestErrors.WithLabelValues("file_upload").Inc()
		s.logger.Error().Err(err).Str("file", md.UUID).Msg("Failed to store upload metadata")
		s.jsonError(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	s.metrics.FilesStored.Inc()
	s.audit.Record(audit.EventReceiveUpload, md.UUID, md.MD5, md.DeviceID)
	s.logger.Info().Str("file", md.UUID).Str("size", bytesize.Format(size)).Msg("Stored upload")

	s.writeJSON(w, md)
}

// generateThumbnail stores a thumbnail for the file: a downscaled image
// when the contents decode, a media-class placeholder otherwise.
func (s *Server) generateThumbnail(md proto.FileMetadata) {
	tile := thumb.Placeholder(md.MimeType)

	if thumb.Supported(md.MimeType) {
		blob, err := s.store.GetBlob(md.UUID)
		if err == nil {
			generated, genErr := thumb.Generate(blob, md.MimeType)
			_ = blob.Close()
			if genErr == nil {
				tile = generated
			} else {
				s.logger.Warn().Err(genErr).Str("file", md.UUID).
					Msg("Thumbnail generation failed, using placeholder")
			}
		}
	}

	if _, err := s.store.PutThumb(md.UUID, bytes.NewReader(tile)); err != nil {
		s.logger.Warn().Err(err).Str("file", md.UUID).Msg("Failed to store thumbnail")
	}
}

// pathIDs splits "/<prefix>/{uuid}/{deviceID}" into its two ids.
func pathIDs(path, prefix string) (fileID, deviceID string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// loadFile fetches metadata and enforces the privacy rule: private
// files are only visible to the device that uploaded them.
func (s *Server) loadFile(w http.ResponseWriter, fileID, deviceID string) (proto.FileMetadata, bool) {
	md, err := s.store.GetFileMetadata(fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "file not found", http.StatusNotFound)
		} else {
			s.jsonError(w, "failed to load file", http.StatusInternalServerError)
		}
		return proto.FileMetadata{}, false
	}
	if md.IsPrivate && md.DeviceID != deviceID {
		s.jsonError(w, "file is private", http.StatusForbidden)
		return proto.FileMetadata{}, false
	}
	return md, true
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID, deviceID, ok := pathIDs(r.URL.Path, "/file/data/")
	if !ok {
		s.jsonError(w, "expected /file/data/{uuid}/{deviceId}", http.StatusBadRequest)
		return
	}

	md, ok := s.loadFile(w, fileID, deviceID)
	if !ok {
		return
	}

	blob, err := s.store.GetBlob(fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "file contents not found", http.StatusNotFound)
		} else {
			s.jsonError(w, "failed to open file", http.StatusInternalServerError)
		}
		return
	}
	defer func() { _ = blob.Close() }()

	// A served replica counts as an access for retention purposes.
	if _, err := s.store.GetReplicaRecord(fileID); err == nil {
		if err := s.store.TouchReplica(fileID, time.Now()); err != nil {
			s.logger.Warn().Err(err).Str("file", fileID).Msg("Failed to touch replica")
		}
		s.metrics.FilesServed.WithLabelValues("replica").Inc()
		s.audit.Record(audit.EventServeReplica, fileID, "", deviceID)
	} else {
		s.metrics.FilesServed.WithLabelValues("original").Inc()
		s.audit.Record(audit.EventServeOriginal, fileID, "", deviceID)
	}

	if md.MimeType != "" {
		w.Header().Set("Content-Type", md.MimeType)
	}
	_, _ = io.Copy(w, blob)
}

func (s *Server) handleFileMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID, deviceID, ok := pathIDs(r.URL.Path, "/file/metadata/")
	if !ok {
		s.jsonError(w, "expected /file/metadata/{uuid}/{deviceId}", http.StatusBadRequest)
		return
	}

	md, ok := s.loadFile(w, fileID, deviceID)
	if !ok {
		return
	}
	s.writeJSON(w, md)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID, deviceID, ok := pathIDs(r.URL.Path, "/thumbnail/")
	if !ok {
		s.jsonError(w, "expected /thumbnail/{uuid}/{deviceId}", http.StatusBadRequest)
		return
	}

	md, ok := s.loadFile(w, fileID, deviceID)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	s.metrics.FilesServed.WithLabelValues("thumbnail").Inc()

	t, err := s.store.GetThumb(fileID)
	if err != nil {
		// Thumbnails are regenerable; fall back to the placeholder.
		_, _ = w.Write(thumb.Placeholder(md.MimeType))
		return
	}
	defer func() { _ = t.Close() }()
	_, _ = io.Copy(w, t)
}

// handleFileDelete removes a file on behalf of the device that owns it.
func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID, deviceID, ok := pathIDs(r.URL.Path, "/file/")
	if !ok {
		s.jsonError(w, "expected /file/{uuid}/{deviceId}", http.StatusBadRequest)
		return
	}

	md, err := s.store.GetFileMetadata(fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "file not found", http.StatusNotFound)
		} else {
			s.jsonError(w, "failed to load file", http.StatusInternalServerError)
		}
		return
	}
	if md.DeviceID != deviceID {
		s.jsonError(w, "only the owner may delete a file", http.StatusForbidden)
		return
	}

	if err := s.store.DeleteBlob(fileID); err != nil {
		s.metrics.RequestErrors.WithLabelValues("file_delete").Inc()
		s.jsonError(w, "failed to delete file", http.StatusInternalServerError)
		return
	}
	if err := s.store.DeleteThumb(fileID); err != nil {
		s.logger.Warn().Err(err).Str("file", fileID).Msg("Failed to delete thumbnail")
	}
	if err := s.store.DeleteFileMetadata(fileID); err != nil {
		s.metrics.RequestErrors.WithLabelValues("file_delete").Inc()
		s.jsonError(w, "failed to delete file", http.StatusInternalServerError)
		return
	}
	if _, err := s.store.GetReplicaRecord(fileID); err == nil {
		if err := s.store.DeleteReplicaRecord(fileID); err != nil {
			s.logger.Warn().Err(err).Str("file", fileID).Msg("Failed to delete replica record")
		}
	}

	s.metrics.FilesDeleted.Inc()
	s.logger.Info().Str("file", fileID).Str("device", deviceID).Msg("Deleted file")
	s.writeJSON(w, proto.AckResponse{OK: true})
}
