package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostore/geostore/pkg/proto"
)

func TestClient_Nodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/nodes", r.URL.Path)

		var resp proto.NodeListResponse
		resp.Data.Nodes = []proto.NodeDescriptor{
			{UUID: "n1", URL: "http://10.0.0.1", Port: 50001, Type: proto.NodeTypeCloudlet, Location: [2]float64{37.77, -122.42}},
			{UUID: "n2", URL: "http://10.0.0.2", Port: 50001, Type: proto.NodeTypeCloudlet, Location: [2]float64{40.71, -74.0}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	client := NewClient(ts.URL + "/v1")
	nodes, err := client.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].UUID)
	assert.InDelta(t, 37.77, nodes[0].Latitude(), 0.001)
	assert.InDelta(t, -122.42, nodes[0].Longitude(), 0.001)
}

func TestClient_NodesError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
			Error:   "internal",
			Message: "directory unavailable",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL + "/v1")
	_, err := client.Nodes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory unavailable")
}

func TestClient_AddFileMapping(t *testing.T) {
	var got proto.FileNodeMapping
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/file_node_mapping", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	client := NewClient(ts.URL + "/v1")
	require.NoError(t, client.AddFileMapping(context.Background(), "dev-1", "file-1", "node-1"))
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, "file-1", got.FileID)
	assert.Equal(t, "node-1", got.NodeID)
}

func TestClient_RemoveNodeMapping(t *testing.T) {
	var got proto.RemoveNodeRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/remove_node", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer ts.Close()

	client := NewClient(ts.URL + "/v1")
	require.NoError(t, client.RemoveNodeMapping(context.Background(), "file-1", "node-1"))
	assert.Equal(t, "file-1", got.FileID)
	assert.Equal(t, "node-1", got.NodeID)
}
