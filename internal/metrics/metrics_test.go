package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("node-1", "http://10.0.0.1:50001", "1.0.0")
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"AccessReports", m.AccessReports},
		{"AccessReportError", m.AccessReportError},
		{"PlacementCycles", m.PlacementCycles},
		{"PlacementErrors", m.PlacementErrors},
		{"HotCentroids", m.HotCentroids},
		{"ReplicationsSent", m.ReplicationsSent},
		{"ReplicationsSkipped", m.ReplicationsSkipped},
		{"ReplicasReceived", m.ReplicasReceived},
		{"ReplicasDuplicate", m.ReplicasDuplicate},
		{"ReplicaBytes", m.ReplicaBytes},
		{"RetentionCycles", m.RetentionCycles},
		{"ReplicasEvicted", m.ReplicasEvicted},
		{"FilesStored", m.FilesStored},
		{"FilesServed", m.FilesServed},
		{"FilesDeleted", m.FilesDeleted},
		{"RequestErrors", m.RequestErrors},
		{"NodeLatitude", m.NodeLatitude},
		{"NodeLongitude", m.NodeLongitude},
		{"NodeInfo", m.NodeInfo},
	}

	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestHandler(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("node-1", "http://10.0.0.1:50001", "1.0.0")
	m.AccessReports.Add(42)
	m.HotCentroids.Set(3)

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	bodyStr := string(body)

	for _, want := range []string{
		"geostore_access_reports_total",
		"geostore_hot_centroids",
		"geostore_node_info",
		"go_goroutines",
	} {
		if !strings.Contains(bodyStr, want) {
			t.Errorf("Response missing metric %s", want)
		}
	}
}
