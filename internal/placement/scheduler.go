// Package placement runs the replication scheduler: it watches for
// locality centroids whose sample count crossed the threshold, asks the
// master directory for the current node list, and pushes the file to
// the node nearest to where the accesses cluster.
package placement

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/geostore/geostore/internal/directory"
	"github.com/geostore/geostore/internal/geo"
	"github.com/geostore/geostore/internal/logging/audit"
	"github.com/geostore/geostore/internal/metrics"
	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/internal/transfer"
	"github.com/geostore/geostore/pkg/proto"
)

// Config holds the scheduler dependencies and tuning.
type Config struct {
	Store     *store.Store
	Directory *directory.Client
	Transfer  *transfer.Client
	Audit     *audit.Logger
	Metrics   *metrics.NodeMetrics

	Threshold int
	Interval  time.Duration

	// Identity of this node, used to keep it out of the candidate set.
	SelfUUID     string
	SelfEndpoint string
	SelfPort     int

	// OptimisticMarking marks a centroid replicated before the
	// transfer is attempted. A failed transfer then stays silent until
	// the bucket is reset, which is the historical behavior some
	// deployments depend on.
	OptimisticMarking bool

	Logger zerolog.Logger
}

// Scheduler periodically replicates hot files toward their access
// centroids.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a placement scheduler.
func New(cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "placement").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the scheduler background goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("interval", s.cfg.Interval).Int("threshold", s.cfg.Threshold).
		Msg("Placement scheduler started")
}

// Stop stops the scheduler and waits for the background goroutine to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Placement scheduler stopped")
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

// pendingTransfer is one file headed to one node, with every bucket
// that voted for that node folded in.
type pendingTransfer struct {
	fileID   string
	node     proto.NodeDescriptor
	prefixes []string
}

// runCycle performs a single placement pass.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.cfg.Metrics.PlacementCycles.Inc()
	s.cfg.Audit.Record(audit.EventReplicationCycleTick, "", "", "")

	hot, err := s.cfg.Store.HotCentroids(s.cfg.Threshold)
	if err != nil {
		s.cfg.Metrics.PlacementErrors.Inc()
		s.logger.Error().Err(err).Msg("Failed to scan centroids")
		return
	}
	s.cfg.Metrics.HotCentroids.Set(float64(len(hot)))
	if len(hot) == 0 {
		return
	}

	// One directory fetch per cycle. Without a node list there is
	// nothing sane to do, so the whole cycle aborts and the centroids
	// stay hot for the next tick.
	nodes, err := s.cfg.Directory.Nodes(ctx)
	if err != nil {
		s.cfg.Metrics.PlacementErrors.Inc()
		s.cfg.Audit.Record(audit.EventReplicationError, "", "", s.cfg.Directory.BaseURL())
		s.logger.Error().Err(err).Msg("Failed to fetch node list, aborting cycle")
		return
	}
	candidates := s.candidates(nodes)
	if len(candidates) == 0 {
		s.cfg.Metrics.ReplicationsSkipped.WithLabelValues("no_candidate").Add(float64(len(hot)))
		s.logger.Warn().Int("hot", len(hot)).Msg("No candidate nodes for placement")
		return
	}

	pending := s.plan(hot, candidates)
	for _, p := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.replicate(ctx, p)
	}
}

// candidates filters the directory's node list down to storage nodes
// other than this one.
func (s *Scheduler) candidates(nodes []proto.NodeDescriptor) []proto.NodeDescriptor {
	out := make([]proto.NodeDescriptor, 0, len(nodes))
	for _, n := range nodes {
		if n.Type != "" && n.Type != proto.NodeTypeCloudlet {
			continue
		}
		if n.UUID != "" && n.UUID == s.cfg.SelfUUID {
			continue
		}
		if n.Endpoint() == s.cfg.SelfEndpoint {
			continue
		}
		out = append(out, n)
	}
	return out
}

// plan picks the nearest node for each hot centroid and coalesces
// centroids of the same file aimed at the same node into one transfer.
func (s *Scheduler) plan(hot []store.LocalityCentroid, candidates []proto.NodeDescriptor) []pendingTransfer {
	type key struct {
		fileID   string
		endpoint string
	}
	byTarget := make(map[key]*pendingTransfer)
	order := make([]key, 0, len(hot))

	for _, c := range hot {
		center, err := geo.Decode(c.CentroidGeohash)
		if err != nil {
			s.logger.Warn().Str("file", c.FileID).Str("centroid", c.CentroidGeohash).
				Msg("Skipping centroid with bad geohash")
			continue
		}
		node, ok := nearest(center, candidates)
		if !ok {
			s.cfg.Metrics.ReplicationsSkipped.WithLabelValues("no_candidate").Inc()
			continue
		}

		k := key{fileID: c.FileID, endpoint: node.Endpoint()}
		p, exists := byTarget[k]
		if !exists {
			p = &pendingTransfer{fileID: c.FileID, node: node}
			byTarget[k] = p
			order = append(order, k)
		}
		p.prefixes = append(p.prefixes, c.PrefixKey)
	}

	out := make([]pendingTransfer, 0, len(order))
	for _, k := range order {
		p := byTarget[k]
		sort.Strings(p.prefixes)
		out = append(out, *p)
	}
	return out
}

// nearest returns the candidate closest to p by great-circle distance.
// Ties keep the earlier candidate in directory order.
func nearest(p geo.Point, candidates []proto.NodeDescriptor) (proto.NodeDescriptor, bool) {
	if len(candidates) == 0 {
		return proto.NodeDescriptor{}, false
	}
	best := candidates[0]
	bestDist := geo.DistanceKm(p, geo.Point{Lat: best.Latitude(), Lon: best.Longitude()})
	for _, n := range candidates[1:] {
		d := geo.DistanceKm(p, geo.Point{Lat: n.Latitude(), Lon: n.Longitude()})
		if d < bestDist {
			best = n
			bestDist = d
		}
	}
	return best, true
}

// replicate pushes one pending transfer to its target node.
func (s *Scheduler) replicate(ctx context.Context, p pendingTransfer) {
	target := p.node.Endpoint()
	prefixList := strings.Join(p.prefixes, ",")

	md, err := s.cfg.Store.GetFileMetadata(p.fileID)
	if err != nil {
		s.cfg.Metrics.ReplicationsSkipped.WithLabelValues("local_miss").Inc()
		s.logger.Warn().Err(err).Str("file", p.fileID).
			Msg("Hot centroid for a file without local metadata")
		return
	}
	blob, err := s.cfg.Store.GetBlob(p.fileID)
	if err != nil {
		s.cfg.Metrics.ReplicationsSkipped.WithLabelValues("local_miss").Inc()
		s.logger.Warn().Err(err).Str("file", p.fileID).
			Msg("Hot centroid for a file without local contents")
		return
	}
	defer func() { _ = blob.Close() }()

	s.cfg.Audit.Record(audit.EventTriggerReplication, p.fileID, prefixList, target)

	if s.cfg.OptimisticMarking {
		s.markReplicated(p)
	}

	outcome, err := s.cfg.Transfer.SendReplica(ctx, target, md, blob, s.cfg.SelfPort, p.prefixes)
	if err != nil {
		s.cfg.Metrics.PlacementErrors.Inc()
		s.cfg.Audit.Record(audit.EventReplicationError, p.fileID, prefixList, target)
		s.logger.Error().Err(err).Str("file", p.fileID).Str("target", target).
			Msg("Replica transfer failed")
		return
	}

	if outcome.AlreadyPresent {
		s.cfg.Metrics.ReplicationsSkipped.WithLabelValues("duplicate").Inc()
		s.cfg.Audit.Record(audit.EventAlreadyReplicated, p.fileID, prefixList, target)
	} else {
		s.cfg.Metrics.ReplicationsSent.Inc()
		s.cfg.Audit.Record(audit.EventSavedReplication, p.fileID, prefixList, target)
	}

	if !s.cfg.OptimisticMarking {
		s.markReplicated(p)
	}

	// The mapping is advisory; a failure here leaves lookup routing
	// stale but the replica stored.
	if p.node.UUID != "" {
		if err := s.cfg.Directory.AddFileMapping(ctx, md.DeviceID, p.fileID, p.node.UUID); err != nil {
			s.logger.Warn().Err(err).Str("file", p.fileID).Str("node", p.node.UUID).
				Msg("Failed to register file mapping with directory")
		}
	}

	s.logger.Info().Str("file", p.fileID).Str("target", target).
		Strs("buckets", p.prefixes).Msg("Replicated file")
}

func (s *Scheduler) markReplicated(p pendingTransfer) {
	for _, prefix := range p.prefixes {
		if err := s.cfg.Store.MarkReplicated(p.fileID, prefix); err != nil {
			s.logger.Error().Err(err).Str("file", p.fileID).Str("bucket", prefix).
				Msg("Failed to mark centroid replicated")
		}
	}
}
