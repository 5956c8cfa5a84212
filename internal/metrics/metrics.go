// Package metrics provides Prometheus metrics for geostore nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all geostore metrics.
var Registry = prometheus.NewRegistry()

// NodeMetrics holds all Prometheus metrics for a geostore node.
type NodeMetrics struct {
	// Access ingestion
	AccessReports     prometheus.Counter
	AccessReportError prometheus.Counter

	// Placement
	PlacementCycles     prometheus.Counter
	PlacementErrors     prometheus.Counter
	HotCentroids        prometheus.Gauge
	ReplicationsSent    prometheus.Counter
	ReplicationsSkipped *prometheus.CounterVec // reason: duplicate, no_candidate, local_miss

	// Replica receiver
	ReplicasReceived  prometheus.Counter
	ReplicasDuplicate prometheus.Counter
	ReplicaBytes      prometheus.Counter

	// Retention
	RetentionCycles prometheus.Counter
	ReplicasEvicted prometheus.Counter

	// File API
	FilesStored   prometheus.Counter
	FilesServed   *prometheus.CounterVec // kind: original, replica, thumbnail
	FilesDeleted  prometheus.Counter
	RequestErrors *prometheus.CounterVec // per handler

	// Node position (from config)
	NodeLatitude  prometheus.Gauge
	NodeLongitude prometheus.Gauge

	// Node info (value is always 1)
	NodeInfo *prometheus.GaugeVec // labels: node, endpoint, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the node UUID as a constant label.
func InitMetrics(nodeUUID, endpoint, version string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node": nodeUUID,
	}

	m := &NodeMetrics{
		AccessReports: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_access_reports_total",
			Help:        "Total file access events ingested",
			ConstLabels: constLabels,
		}),
		AccessReportError: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_access_report_errors_total",
			Help:        "Access events rejected or failed during ingestion",
			ConstLabels: constLabels,
		}),

		PlacementCycles: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_placement_cycles_total",
			Help:        "Total placement scheduler cycles run",
			ConstLabels: constLabels,
		}),
		PlacementErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_placement_errors_total",
			Help:        "Placement cycles or transfers that failed",
			ConstLabels: constLabels,
		}),
		HotCentroids: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "geostore_hot_centroids",
			Help:        "Centroids over the replication threshold at the last cycle",
			ConstLabels: constLabels,
		}),
		ReplicationsSent: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_replications_sent_total",
			Help:        "Replica payloads pushed to other nodes",
			ConstLabels: constLabels,
		}),
		ReplicationsSkipped: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "geostore_replications_skipped_total",
			Help:        "Replications skipped per reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),

		ReplicasReceived: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_replicas_received_total",
			Help:        "Replica payloads accepted from other nodes",
			ConstLabels: constLabels,
		}),
		ReplicasDuplicate: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_replicas_duplicate_total",
			Help:        "Replica payloads already present on arrival",
			ConstLabels: constLabels,
		}),
		ReplicaBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_replica_bytes_total",
			Help:        "Total replica payload bytes received",
			ConstLabels: constLabels,
		}),

		RetentionCycles: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_retention_cycles_total",
			Help:        "Total retention scheduler cycles run",
			ConstLabels: constLabels,
		}),
		ReplicasEvicted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_replicas_evicted_total",
			Help:        "Replicas removed by the retention scheduler",
			ConstLabels: constLabels,
		}),

		FilesStored: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_files_stored_total",
			Help:        "Files accepted through the upload API",
			ConstLabels: constLabels,
		}),
		FilesServed: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "geostore_files_served_total",
			Help:        "Files served per kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		FilesDeleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "geostore_files_deleted_total",
			Help:        "Files removed through the delete API",
			ConstLabels: constLabels,
		}),
		RequestErrors: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "geostore_request_errors_total",
			Help:        "HTTP handler errors per handler",
			ConstLabels: constLabels,
		}, []string{"handler"}),

		NodeLatitude: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "geostore_node_latitude",
			Help:        "Node geographic latitude",
			ConstLabels: constLabels,
		}),
		NodeLongitude: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "geostore_node_longitude",
			Help:        "Node geographic longitude",
			ConstLabels: constLabels,
		}),

		NodeInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "geostore_node_info",
			Help: "Node information (value is always 1)",
		}, []string{"node", "endpoint", "version"}),
	}

	m.NodeInfo.WithLabelValues(nodeUUID, endpoint, version).Set(1)

	return m
}

// Handler returns an HTTP handler serving the geostore registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
