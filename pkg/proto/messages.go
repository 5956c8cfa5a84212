// Package proto defines shared protocol messages for geostore nodes
// and the master directory.
package proto

import (
	"strconv"
	"time"
)

// NodeTypeCloudlet identifies an edge storage node.
const NodeTypeCloudlet = "CLOUDLET"

// NodeDescriptor is one entry in the master directory's node list.
// Location is [latitude, longitude] in degrees.
type NodeDescriptor struct {
	UUID     string     `json:"uuid"`
	Type     string     `json:"type"`
	URL      string     `json:"url"`
	Port     int        `json:"port"`
	Location [2]float64 `json:"location"`
}

// Endpoint returns the node's base URL including the port.
func (n NodeDescriptor) Endpoint() string {
	if n.Port == 0 {
		return n.URL
	}
	return n.URL + ":" + strconv.Itoa(n.Port)
}

// Latitude returns the node's latitude in degrees.
func (n NodeDescriptor) Latitude() float64 { return n.Location[0] }

// Longitude returns the node's longitude in degrees.
func (n NodeDescriptor) Longitude() float64 { return n.Location[1] }

// NodeListResponse is the master directory's answer to GET /{v}/nodes.
type NodeListResponse struct {
	Data struct {
		Nodes []NodeDescriptor `json:"nodes"`
	} `json:"data"`
}

// FileNodeMapping tells the master directory that a file now lives on a node.
type FileNodeMapping struct {
	DeviceID string `json:"device_id"`
	FileID   string `json:"file_id"`
	NodeID   string `json:"node_id"`
}

// RemoveNodeRequest tells the master directory to drop a file-to-node mapping.
type RemoveNodeRequest struct {
	FileID string `json:"file_id"`
	NodeID string `json:"node_id"`
}

// ResetRequest asks the origin node to re-arm replication for the
// locality buckets that produced an evicted replica. Prefixes may be
// shorter than full bucket precision; the origin matches by prefix.
type ResetRequest struct {
	File          string   `json:"file"`
	GeohashPrefix []string `json:"geohash_prefix"`
}

// AckResponse is a bare success acknowledgement.
type AckResponse struct {
	OK bool `json:"ok"`
}

// FileMetadata is the metadata record that travels with a replica and
// is returned by the metadata endpoints. The JSON field names match
// what client devices already send.
type FileMetadata struct {
	UUID              string `json:"uuid"`
	MD5               string `json:"md5"`
	DescriptiveName   string `json:"descriptiveName"`
	MimeType          string `json:"mimetype"`
	Extension         string `json:"extension"`
	FileSize          int64  `json:"filesize"`
	CreationTimestamp int64  `json:"creationTimestamp"`
	IsPrivate         bool   `json:"isPrivate"`
	DeviceID          string `json:"phoneID"`
}

// ReplicationOutcome reports how the receiver handled an inbound replica.
type ReplicationOutcome struct {
	Stored         bool   `json:"stored"`
	AlreadyPresent bool   `json:"already_present"`
	Message        string `json:"msg"`
}

// AccessReport is one access event as reported by a client device.
type AccessReport struct {
	UUID      string    `json:"uuid"`
	File      string    `json:"file"`
	Geohash   string    `json:"geohash"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// AccessReportBatch is the body of POST /fileAccess/insert.
type AccessReportBatch struct {
	FileAccesses []AccessReport `json:"fileAccesses"`
}

// IdentityResponse is returned by GET /uuid.
type IdentityResponse struct {
	UUID string `json:"uuid"`
	Type string `json:"type"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
