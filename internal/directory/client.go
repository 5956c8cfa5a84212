// Package directory is the client for the master directory service,
// which tracks which nodes exist, where they sit geographically, and
// which nodes hold which files.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geostore/geostore/pkg/proto"
)

// ErrNoNodes is returned when the directory reports an empty node list.
var ErrNoNodes = errors.New("directory returned no nodes")

// Client is a client for the master directory.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a directory client. baseURL includes the API
// version prefix, e.g. "http://master:50000/v1".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Nodes returns every node registered with the directory.
func (c *Client) Nodes(ctx context.Context) ([]proto.NodeDescriptor, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/nodes", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result proto.NodeListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return result.Data.Nodes, nil
}

// AddFileMapping records with the directory that fileID is now held by
// the node identified by nodeID.
func (c *Client) AddFileMapping(ctx context.Context, deviceID, fileID, nodeID string) error {
	body, err := json.Marshal(proto.FileNodeMapping{
		DeviceID: deviceID,
		FileID:   fileID,
		NodeID:   nodeID,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/file_node_mapping", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.parseError(resp)
	}
	return nil
}

// RemoveNodeMapping drops the fileID-to-nodeID mapping from the
// directory, typically after the node evicted its replica.
func (c *Client) RemoveNodeMapping(ctx context.Context, fileID, nodeID string) error {
	body, err := json.Marshal(proto.RemoveNodeRequest{
		FileID: fileID,
		NodeID: nodeID,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodDelete, "/remove_node", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// BaseURL returns the base URL of the directory.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.client.Do(req)
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
	}

	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
