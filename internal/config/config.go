// Package config handles configuration loading and validation for geostore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/geostore/geostore/pkg/bytesize"
)

// DirectoryConfig holds the master directory connection settings.
type DirectoryConfig struct {
	URL        string `yaml:"url"`         // Base URL, e.g. "http://localhost"
	Port       int    `yaml:"port"`        // Directory port (default: 50000)
	APIVersion string `yaml:"api_version"` // Path version segment (default: "v1")
}

// PlacementConfig holds the replication scheduler settings.
type PlacementConfig struct {
	Threshold         int    `yaml:"threshold"`          // Sample count a centroid must exceed (default: 5)
	Interval          string `yaml:"interval"`           // Cycle interval, e.g. "1m" (default: "1m")
	OptimisticMarking *bool  `yaml:"optimistic_marking"` // Mark centroids replicated even if the transfer fails (default: true)
}

// RetentionConfig holds the replica eviction settings.
type RetentionConfig struct {
	Window   string `yaml:"window"`   // Replica retention window (default: "168h" = 7 days)
	Interval string `yaml:"interval"` // Eviction cycle interval (default: "10m")
}

// LokiConfig holds optional Grafana Loki log shipping settings.
// Shipping is off unless a URL is set.
type LokiConfig struct {
	URL           string `yaml:"url"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"` // e.g. "5s"
}

// LoggingConfig holds log output settings beyond the console.
type LoggingConfig struct {
	Loki LokiConfig `yaml:"loki"`
}

// LocationConfig holds the node's own coordinates, exported on the
// metrics endpoint so operators can map the fleet.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// GeohashConfig holds the spatial bucketing precisions.
type GeohashConfig struct {
	ComparePrecision int `yaml:"compare_precision"` // Coarse bucket prefix length (default: 5)
	EncodePrecision  int `yaml:"encode_precision"`  // Centroid encoding precision (default: 9, max)
}

// NodeConfig is the top-level configuration for a storage node.
type NodeConfig struct {
	Listen       string          `yaml:"listen"`        // HTTP listen address (default: ":50001")
	AdvertiseURL string          `yaml:"advertise_url"` // Base URL peers use to reach this node
	Port         int             `yaml:"port"`          // Port advertised to peers as src_port (default: 50001)
	DataDir      string          `yaml:"data_dir"`      // Blob/metadata storage root (default: /var/lib/geostore)
	AuditLog     string          `yaml:"audit_log"`     // Audit trail path (default: <data_dir>/audit.log)
	MaxUpload    bytesize.Size   `yaml:"max_upload"`    // Max accepted request body (default: 512Mi)
	Directory    DirectoryConfig `yaml:"directory"`
	Placement    PlacementConfig `yaml:"placement"`
	Retention    RetentionConfig `yaml:"retention"`
	Geohash      GeohashConfig   `yaml:"geohash"`
	Location     LocationConfig  `yaml:"location"`
	Logging      LoggingConfig   `yaml:"logging"`
}

// Load reads node configuration from a YAML file and applies defaults.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in every unset field with its default value.
func (c *NodeConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":50001"
	}
	if c.Port == 0 {
		c.Port = 50001
	}
	if c.AdvertiseURL == "" {
		c.AdvertiseURL = "http://localhost"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/geostore"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.AuditLog == "" {
		c.AuditLog = filepath.Join(c.DataDir, "audit.log")
	}
	if c.MaxUpload == 0 {
		c.MaxUpload = bytesize.Size(512 * bytesize.MB)
	}

	if c.Directory.URL == "" {
		c.Directory.URL = "http://localhost"
	}
	if c.Directory.Port == 0 {
		c.Directory.Port = 50000
	}
	if c.Directory.APIVersion == "" {
		c.Directory.APIVersion = "v1"
	}

	if c.Placement.Threshold == 0 {
		c.Placement.Threshold = 5
	}
	if c.Placement.Interval == "" {
		c.Placement.Interval = "1m"
	}
	if c.Placement.OptimisticMarking == nil {
		optimistic := true
		c.Placement.OptimisticMarking = &optimistic
	}

	if c.Retention.Window == "" {
		c.Retention.Window = "168h"
	}
	if c.Retention.Interval == "" {
		c.Retention.Interval = "10m"
	}

	if c.Geohash.ComparePrecision == 0 {
		c.Geohash.ComparePrecision = 5
	}
	if c.Geohash.EncodePrecision == 0 {
		c.Geohash.EncodePrecision = 9
	}
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Directory.URL == "" {
		return fmt.Errorf("directory.url is required")
	}
	if c.Directory.Port <= 0 || c.Directory.Port > 65535 {
		return fmt.Errorf("directory.port must be between 1 and 65535")
	}
	if c.Placement.Threshold < 0 {
		return fmt.Errorf("placement.threshold must not be negative")
	}
	if _, err := c.PlacementInterval(); err != nil {
		return fmt.Errorf("invalid placement.interval: %w", err)
	}
	if _, err := c.RetentionWindow(); err != nil {
		return fmt.Errorf("invalid retention.window: %w", err)
	}
	if _, err := c.RetentionInterval(); err != nil {
		return fmt.Errorf("invalid retention.interval: %w", err)
	}
	if c.Geohash.ComparePrecision < 1 || c.Geohash.ComparePrecision > 9 {
		return fmt.Errorf("geohash.compare_precision must be between 1 and 9")
	}
	if c.Geohash.EncodePrecision < c.Geohash.ComparePrecision || c.Geohash.EncodePrecision > 9 {
		return fmt.Errorf("geohash.encode_precision must be between compare_precision and 9")
	}
	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		return fmt.Errorf("location.latitude must be between -90 and 90")
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		return fmt.Errorf("location.longitude must be between -180 and 180")
	}
	if c.MaxUpload < 0 {
		return fmt.Errorf("max_upload must not be negative")
	}
	if c.Logging.Loki.FlushInterval != "" {
		if _, err := time.ParseDuration(c.Logging.Loki.FlushInterval); err != nil {
			return fmt.Errorf("invalid logging.loki.flush_interval: %w", err)
		}
	}
	return nil
}

// HasLocation reports whether the node's coordinates were configured.
func (c *NodeConfig) HasLocation() bool {
	return c.Location.Latitude != 0 || c.Location.Longitude != 0
}

// Optimistic reports whether centroids are marked replicated without
// waiting for transfer success.
func (c *NodeConfig) Optimistic() bool {
	return c.Placement.OptimisticMarking == nil || *c.Placement.OptimisticMarking
}

// DirectoryBaseURL returns the master directory base URL including port
// and API version segment, e.g. "http://localhost:50000/v1".
func (c *NodeConfig) DirectoryBaseURL() string {
	return fmt.Sprintf("%s:%d/%s", c.Directory.URL, c.Directory.Port, c.Directory.APIVersion)
}

// Endpoint returns the URL peers use to reach this node.
func (c *NodeConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.AdvertiseURL, c.Port)
}

// PlacementInterval parses the placement cycle interval.
func (c *NodeConfig) PlacementInterval() (time.Duration, error) {
	return time.ParseDuration(c.Placement.Interval)
}

// RetentionWindow parses the replica retention window.
func (c *NodeConfig) RetentionWindow() (time.Duration, error) {
	return time.ParseDuration(c.Retention.Window)
}

// RetentionInterval parses the eviction cycle interval.
func (c *NodeConfig) RetentionInterval() (time.Duration, error) {
	return time.ParseDuration(c.Retention.Interval)
}
