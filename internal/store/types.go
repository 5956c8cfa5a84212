package store

import (
	"encoding/json"
	"time"
)

// AccessEvent is one reported access to a file. Events are append-only
// and retained so centroid recomputation can re-scan the full bucket.
type AccessEvent struct {
	ID         string    `json:"id"`
	FileID     string    `json:"file_id"`
	Geohash    string    `json:"geohash"` // full precision, as reported by the device
	DeviceID   string    `json:"device_id"`
	Timestamp  time.Time `json:"timestamp"`   // device-reported access time
	RecordedAt time.Time `json:"recorded_at"` // node clock at persist time; basis for reset cutoffs
}

// LocalityCentroid aggregates the access events sharing a file and a
// coarse geohash prefix. SampleCount always equals the number of
// matching events recorded since the bucket was last reset.
type LocalityCentroid struct {
	FileID          string    `json:"file_id"`
	PrefixKey       string    `json:"prefix_key"`       // coarse geohash bucket
	CentroidGeohash string    `json:"centroid_geohash"` // full-precision mean position
	SampleCount     int       `json:"sample_count"`
	Replicated      bool      `json:"replicated"`
	ResetAt         time.Time `json:"reset_at"` // events recorded at or before this instant no longer count
	UpdatedAt       time.Time `json:"updated_at"`
}

// ReplicaRecord is the provenance of a locally held replica. It exists
// only on nodes that are not the file's origin.
type ReplicaRecord struct {
	FileID         string    `json:"file_id"`
	LastAccessAt   time.Time `json:"last_access_at"`
	OriginAddress  string    `json:"origin_address"`
	OriginPort     int       `json:"origin_port"`
	SourcePrefixes []string  `json:"source_prefixes"` // coarse buckets that triggered this replica
	ReceivedAt     time.Time `json:"received_at"`
}

func marshalValue(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalValue(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
