// Package aggregate folds reported access events into per-bucket
// locality centroids. Events are bucketed by a coarse geohash prefix;
// each bucket keeps the mean location of its events re-encoded as a
// full-precision geohash, plus a sample count the placement scheduler
// compares against its threshold.
package aggregate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/geostore/geostore/internal/geo"
	"github.com/geostore/geostore/internal/logging/audit"
	"github.com/geostore/geostore/internal/metrics"
	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/pkg/proto"
)

// Config holds the aggregator dependencies.
type Config struct {
	Store            *store.Store
	Audit            *audit.Logger
	Metrics          *metrics.NodeMetrics
	ComparePrecision int
	EncodePrecision  int
	Logger           zerolog.Logger
}

// Aggregator records access events and maintains locality centroids.
type Aggregator struct {
	store            *store.Store
	audit            *audit.Logger
	metrics          *metrics.NodeMetrics
	comparePrecision int
	encodePrecision  int
	logger           zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*sync.Mutex
}

// New creates an Aggregator from the given config.
func New(cfg Config) *Aggregator {
	encodePrecision := cfg.EncodePrecision
	if encodePrecision == 0 {
		encodePrecision = geo.EncodePrecision
	}
	return &Aggregator{
		store:            cfg.Store,
		audit:            cfg.Audit,
		metrics:          cfg.Metrics,
		comparePrecision: cfg.ComparePrecision,
		encodePrecision:  encodePrecision,
		logger:           cfg.Logger.With().Str("component", "aggregate").Logger(),
		buckets:          make(map[string]*sync.Mutex),
	}
}

// RecordAccesses stores a batch of access reports and then recomputes
// the centroid of every bucket the batch touched. All events are
// persisted before any centroid is recomputed, so a bucket's sample
// count never runs ahead of its stored events. An event that fails to
// persist is dropped; the rest of the batch still lands and every
// touched bucket is still recomputed.
func (a *Aggregator) RecordAccesses(reports []proto.AccessReport) error {
	type bucketKey struct {
		fileID string
		prefix string
	}

	touched := make(map[bucketKey]struct{})
	var wg sync.WaitGroup

	now := time.Now().UTC()
	for _, rep := range reports {
		if rep.File == "" {
			a.metrics.AccessReportError.Inc()
			a.audit.Record(audit.EventReceiveAccessReport, rep.File, rep.Geohash, rep.DeviceID)
			continue
		}
		if _, err := geo.Decode(rep.Geohash); err != nil {
			a.metrics.AccessReportError.Inc()
			a.audit.Record(audit.EventReceiveAccessReport, rep.File, rep.Geohash, rep.DeviceID)
			a.logger.Warn().Str("file", rep.File).Str("geohash", rep.Geohash).
				Msg("dropping access report with bad geohash")
			continue
		}

		ev := store.AccessEvent{
			ID:         rep.UUID,
			FileID:     rep.File,
			Geohash:    rep.Geohash,
			DeviceID:   rep.DeviceID,
			Timestamp:  rep.Timestamp,
			RecordedAt: now,
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		touched[bucketKey{fileID: ev.FileID, prefix: a.bucketPrefix(ev.Geohash)}] = struct{}{}

		wg.Add(1)
		go func(ev store.AccessEvent) {
			defer wg.Done()
			if err := a.store.PutAccessEvent(ev); err != nil {
				a.metrics.AccessReportError.Inc()
				a.logger.Warn().Err(err).Str("file", ev.FileID).Str("geohash", ev.Geohash).
					Msg("dropping access event that failed to persist")
				return
			}
			a.metrics.AccessReports.Inc()
			a.audit.Record(audit.EventReceiveAccessReport, ev.FileID, ev.Geohash, ev.DeviceID)
		}(ev)
	}
	wg.Wait()

	var firstErr error
	for key := range touched {
		if err := a.recomputeBucket(key.fileID, key.prefix); err != nil {
			a.logger.Error().Err(err).Str("file", key.fileID).Str("bucket", key.prefix).
				Msg("failed to recompute locality centroid")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("recompute centroids: %w", firstErr)
	}
	return nil
}

// RecomputeBucket recalculates a single bucket's centroid from its
// stored events. Exposed for the receiver path, which needs to fold a
// locally observed access into the same bookkeeping.
func (a *Aggregator) RecomputeBucket(fileID, geohash string) error {
	return a.recomputeBucket(fileID, a.bucketPrefix(geohash))
}

func (a *Aggregator) bucketPrefix(hash string) string {
	if len(hash) <= a.comparePrecision {
		return hash
	}
	return hash[:a.comparePrecision]
}

func (a *Aggregator) bucketLock(fileID, prefix string) *sync.Mutex {
	key := fileID + "/" + prefix
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.buckets[key]
	if !ok {
		l = &sync.Mutex{}
		a.buckets[key] = l
	}
	return l
}

func (a *Aggregator) recomputeBucket(fileID, prefix string) error {
	l := a.bucketLock(fileID, prefix)
	l.Lock()
	defer l.Unlock()

	var since time.Time
	replicated := false
	existing, err := a.store.GetCentroid(fileID, prefix)
	switch err {
	case nil:
		since = existing.ResetAt
		replicated = existing.Replicated
	case store.ErrNotFound:
	default:
		return fmt.Errorf("load centroid %s/%s: %w", fileID, prefix, err)
	}

	events, err := a.store.EventsInBucket(fileID, prefix, since)
	if err != nil {
		return fmt.Errorf("scan bucket %s/%s: %w", fileID, prefix, err)
	}
	if len(events) == 0 {
		return nil
	}

	pts := make([]geo.Point, 0, len(events))
	for _, ev := range events {
		p, err := geo.Decode(ev.Geohash)
		if err != nil {
			// Unreadable events do not count toward the sample.
			continue
		}
		pts = append(pts, p)
	}
	center, ok := geo.Centroid(pts)
	if !ok {
		return nil
	}

	c := store.LocalityCentroid{
		FileID:          fileID,
		PrefixKey:       prefix,
		CentroidGeohash: geo.Encode(center, uint(a.encodePrecision)),
		SampleCount:     len(pts),
		Replicated:      replicated,
		ResetAt:         since,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := a.store.UpsertCentroid(c); err != nil {
		return fmt.Errorf("store centroid %s/%s: %w", fileID, prefix, err)
	}

	a.logger.Debug().Str("file", fileID).Str("bucket", prefix).
		Int("samples", c.SampleCount).Str("centroid", c.CentroidGeohash).
		Msg("updated locality centroid")
	return nil
}
