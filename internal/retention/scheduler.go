// Package retention evicts replicas that have not been accessed within
// the retention window. Evicting a replica also tells the master
// directory to drop the file mapping and asks the origin node to re-arm
// replication for the buckets that produced the replica.
package retention

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/geostore/geostore/internal/directory"
	"github.com/geostore/geostore/internal/logging/audit"
	"github.com/geostore/geostore/internal/metrics"
	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/internal/transfer"
)

// Config holds the scheduler dependencies and tuning.
type Config struct {
	Store     *store.Store
	Directory *directory.Client
	Transfer  *transfer.Client
	Audit     *audit.Logger
	Metrics   *metrics.NodeMetrics

	Window   time.Duration
	Interval time.Duration
	SelfUUID string

	Logger zerolog.Logger
}

// Scheduler periodically removes stale replicas.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a retention scheduler.
func New(cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "retention").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the scheduler background goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("window", s.cfg.Window).Dur("interval", s.cfg.Interval).
		Msg("Retention scheduler started")
}

// Stop stops the scheduler and waits for the background goroutine to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Retention scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(s.ctx)
		}
	}
}

// runCycle performs a single eviction pass.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.cfg.Metrics.RetentionCycles.Inc()
	s.cfg.Audit.Record(audit.EventRetentionCycleTick, "", "", "")

	cutoff := time.Now().Add(-s.cfg.Window)
	expired, err := s.cfg.Store.ExpiredReplicas(cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to scan replicas")
		return
	}

	for _, rec := range expired {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.evict(ctx, rec)
	}
}

// evict removes one replica and notifies the directory and origin.
// Local removal is unconditional; the outbound notifications are best
// effort, since the replica is gone either way.
func (s *Scheduler) evict(ctx context.Context, rec store.ReplicaRecord) {
	if err := s.cfg.Store.DeleteBlob(rec.FileID); err != nil {
		s.logger.Error().Err(err).Str("file", rec.FileID).Msg("Failed to delete replica contents")
		return
	}
	if err := s.cfg.Store.DeleteThumb(rec.FileID); err != nil {
		s.logger.Warn().Err(err).Str("file", rec.FileID).Msg("Failed to delete replica thumbnail")
	}
	if err := s.cfg.Store.DeleteFileMetadata(rec.FileID); err != nil {
		s.logger.Warn().Err(err).Str("file", rec.FileID).Msg("Failed to delete replica metadata")
	}

	if err := s.cfg.Directory.RemoveNodeMapping(ctx, rec.FileID, s.cfg.SelfUUID); err != nil {
		s.logger.Warn().Err(err).Str("file", rec.FileID).
			Msg("Failed to remove file mapping from directory")
	}

	origin := originEndpoint(rec)
	if origin != "" && len(rec.SourcePrefixes) > 0 {
		if err := s.cfg.Transfer.SendReset(ctx, origin, rec.FileID, rec.SourcePrefixes); err != nil {
			s.logger.Warn().Err(err).Str("file", rec.FileID).Str("origin", origin).
				Msg("Failed to send reset to origin")
		}
	}

	if err := s.cfg.Store.DeleteReplicaRecord(rec.FileID); err != nil {
		s.logger.Error().Err(err).Str("file", rec.FileID).Msg("Failed to delete replica record")
		return
	}

	s.cfg.Metrics.ReplicasEvicted.Inc()
	s.cfg.Audit.Record(audit.EventDeleteReplica, rec.FileID, "", origin)
	s.logger.Info().Str("file", rec.FileID).Time("last_access", rec.LastAccessAt).
		Msg("Evicted stale replica")
}

func originEndpoint(rec store.ReplicaRecord) string {
	if rec.OriginAddress == "" {
		return ""
	}
	if rec.OriginPort == 0 {
		return rec.OriginAddress
	}
	return rec.OriginAddress + ":" + strconv.Itoa(rec.OriginPort)
}
