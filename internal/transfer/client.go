// Package transfer is the node-to-node client: it pushes replica
// payloads to other nodes and asks origin nodes to re-arm replication
// after an eviction.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/geostore/geostore/pkg/proto"
)

// Form field names for POST /replication/data.
const (
	fieldFileData      = "filedata"
	fieldMetadata      = "metadata"
	fieldSourcePort    = "src_port"
	fieldGeohashPrefix = "geohash_prefix"
)

// Client pushes replicas and reset requests to other geostore nodes.
type Client struct {
	client *http.Client
}

// NewClient creates a transfer client.
func NewClient() *Client {
	return &Client{
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// SendReplica streams the file contents and metadata to the node at
// endpoint. srcPort tells the receiver which port the origin listens
// on; prefixes name the locality buckets that triggered the transfer,
// so the receiver can hand them back in a reset after eviction.
func (c *Client) SendReplica(ctx context.Context, endpoint string, md proto.FileMetadata, blob io.Reader, srcPort int, prefixes []string) (proto.ReplicationOutcome, error) {
	var outcome proto.ReplicationOutcome

	mdJSON, err := json.Marshal(md)
	if err != nil {
		return outcome, fmt.Errorf("marshal metadata: %w", err)
	}
	prefixJSON, err := json.Marshal(prefixes)
	if err != nil {
		return outcome, fmt.Errorf("marshal prefixes: %w", err)
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		err := writeForm(form, md, blob, string(mdJSON), srcPort, string(prefixJSON))
		if err == nil {
			err = form.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/replication/data", pr)
	if err != nil {
		return outcome, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return outcome, fmt.Errorf("send replica to %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return outcome, parseError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return outcome, fmt.Errorf("decode response: %w", err)
	}
	return outcome, nil
}

func writeForm(form *multipart.Writer, md proto.FileMetadata, blob io.Reader, mdJSON string, srcPort int, prefixJSON string) error {
	part, err := form.CreateFormFile(fieldFileData, md.UUID+"."+md.Extension)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, blob); err != nil {
		return err
	}
	if err := form.WriteField(fieldMetadata, mdJSON); err != nil {
		return err
	}
	if err := form.WriteField(fieldSourcePort, strconv.Itoa(srcPort)); err != nil {
		return err
	}
	return form.WriteField(fieldGeohashPrefix, prefixJSON)
}

// SendReset asks the node at endpoint to clear the counters for the
// given file's locality buckets so replication can trigger again.
func (c *Client) SendReset(ctx context.Context, endpoint, fileID string, prefixes []string) error {
	body, err := json.Marshal(proto.ResetRequest{
		File:          fileID,
		GeohashPrefix: prefixes,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/replication/reset", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send reset to %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
	}

	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
