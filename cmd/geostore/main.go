// Command geostore runs a geo-aware storage node. The node stores
// files, aggregates access locality, and pushes replicas toward the
// regions that read them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/geostore/geostore/internal/aggregate"
	"github.com/geostore/geostore/internal/config"
	"github.com/geostore/geostore/internal/directory"
	"github.com/geostore/geostore/internal/logging/audit"
	"github.com/geostore/geostore/internal/logging/loki"
	"github.com/geostore/geostore/internal/metrics"
	"github.com/geostore/geostore/internal/node"
	"github.com/geostore/geostore/internal/placement"
	"github.com/geostore/geostore/internal/retention"
	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/internal/tracing"
	"github.com/geostore/geostore/internal/transfer"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile       string
	logLevel      string
	enableTracing bool
)

const shutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "geostore",
		Short: "GeoStore - geo-aware replicating storage node",
		Long: `GeoStore stores files and replicates them toward the places they
are accessed from.

QUICK START:

  # Generate a starter config:
  geostore init --config /etc/geostore/config.yaml

  # Edit the config (directory address, data dir, location), then:
  geostore serve --config /etc/geostore/config.yaml

The node registers nothing itself; it discovers peers through the
master directory configured under 'directory:' and pushes replicas
to whichever cloudlet sits nearest each access hotspot.

For more help on any command, use: geostore <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage node",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "enable runtime tracing (exposes /debug/trace endpoint)")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE:  runInit,
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("geostore %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if enableTracing {
		if err := tracing.Init(true, tracing.DefaultBufferSize); err != nil {
			log.Warn().Err(err).Msg("failed to initialize tracing")
		} else {
			log.Info().Msg("runtime tracing enabled")
			defer tracing.Stop()
		}
	}

	// Loki shipping has to be in place before any component captures
	// the global logger, or their output stays console-only.
	if lokiWriter := setupLokiShipping(cfg); lokiWriter != nil {
		defer lokiWriter.Stop()
		log.Info().Str("url", cfg.Logging.Loki.URL).Msg("Loki log shipping enabled")
	}

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Str("directory", cfg.DirectoryBaseURL()).
		Msg("starting geostore node")

	st, err := store.Open(cfg.DataDir, log.Logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// The node identity lives in the store and survives restarts. A
	// node that cannot establish its identity must not serve traffic.
	nodeUUID, err := st.NodeUUID()
	if err != nil {
		return fmt.Errorf("establish node identity: %w", err)
	}
	log.Info().Str("uuid", nodeUUID).Msg("node identity established")

	auditLog, err := audit.Open(cfg.AuditLog, cfg.Port, log.Logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	m := metrics.InitMetrics(nodeUUID, cfg.Endpoint(), Version)
	if cfg.HasLocation() {
		m.NodeLatitude.Set(cfg.Location.Latitude)
		m.NodeLongitude.Set(cfg.Location.Longitude)
	}

	dir := directory.NewClient(cfg.DirectoryBaseURL())
	xfer := transfer.NewClient()

	agg := aggregate.New(aggregate.Config{
		Store:            st,
		Audit:            auditLog,
		Metrics:          m,
		ComparePrecision: cfg.Geohash.ComparePrecision,
		EncodePrecision:  cfg.Geohash.EncodePrecision,
		Logger:           log.Logger,
	})

	placementInterval, _ := cfg.PlacementInterval()
	placer := placement.New(placement.Config{
		Store:             st,
		Directory:         dir,
		Transfer:          xfer,
		Audit:             auditLog,
		Metrics:           m,
		Threshold:         cfg.Placement.Threshold,
		Interval:          placementInterval,
		SelfUUID:          nodeUUID,
		SelfEndpoint:      cfg.Endpoint(),
		SelfPort:          cfg.Port,
		OptimisticMarking: cfg.Optimistic(),
		Logger:            log.Logger,
	})

	retentionWindow, _ := cfg.RetentionWindow()
	retentionInterval, _ := cfg.RetentionInterval()
	reaper := retention.New(retention.Config{
		Store:     st,
		Directory: dir,
		Transfer:  xfer,
		Audit:     auditLog,
		Metrics:   m,
		Window:    retentionWindow,
		Interval:  retentionInterval,
		SelfUUID:  nodeUUID,
		Logger:    log.Logger,
	})

	srv := node.NewServer(node.Config{
		Node:       cfg,
		Store:      st,
		Aggregator: agg,
		Directory:  dir,
		Audit:      auditLog,
		Metrics:    m,
		NodeUUID:   nodeUUID,
		Logger:     log.Logger,
	})

	srv.Start()
	placer.Start()
	reaper.Start()
	auditLog.Record(audit.EventNodeConnected, nodeUUID, cfg.Endpoint(), "")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down...")

	placer.Stop()
	reaper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	setupLogging()

	path := cfgFile
	if path == "" {
		path = "geostore.yaml"
	}

	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote starter config to %s\n", path)
	return nil
}

// loadConfig reads the node config from --config, or falls back to
// pure defaults when no file is given.
func loadConfig() (*config.NodeConfig, error) {
	if cfgFile == "" {
		cfg := &config.NodeConfig{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return config.Load(cfgFile)
}

// setupLokiShipping reroutes the global logger through a Loki writer
// when shipping is configured. Returns nil when it is not. The node's
// identity is not known this early, so streams are labeled by the
// advertised endpoint.
func setupLokiShipping(cfg *config.NodeConfig) *loki.Writer {
	if cfg.Logging.Loki.URL == "" {
		return nil
	}

	flushInterval, _ := time.ParseDuration(cfg.Logging.Loki.FlushInterval)
	w := loki.NewWriter(loki.Config{
		URL:           cfg.Logging.Loki.URL,
		BatchSize:     cfg.Logging.Loki.BatchSize,
		FlushInterval: flushInterval,
		Labels: map[string]string{
			"endpoint": cfg.Endpoint(),
			"version":  Version,
		},
	})
	w.Start()

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		w,
	))
	return w
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

const defaultConfigTemplate = `# GeoStore node configuration.

# HTTP listen address.
listen: ":50001"

# Base URL peers use to reach this node (port is appended).
advertise_url: "http://localhost"
port: 50001

# Blob and metadata storage root.
data_dir: "/var/lib/geostore"

# Max accepted request body for uploads and replica pushes.
max_upload: "512Mi"

# Audit trail path (defaults to <data_dir>/audit.log).
# audit_log: "/var/lib/geostore/audit.log"

# Master directory used for peer discovery and file-node mappings.
directory:
  url: "http://localhost"
  port: 50000
  api_version: "v1"

# Replica placement scheduler.
placement:
  threshold: 5       # sample count a locality bucket must exceed
  interval: "1m"
  optimistic_marking: true

# Replica eviction.
retention:
  window: "168h"     # 7 days without a read
  interval: "10m"

# Geohash precisions: coarse bucket prefix and centroid encoding.
geohash:
  compare_precision: 5
  encode_precision: 9

# Node coordinates, exported on /metrics.
# location:
#   latitude: 37.7749
#   longitude: -122.4194

# Optional Grafana Loki log shipping.
# logging:
#   loki:
#     url: "http://localhost:3100"
#     batch_size: 100
#     flush_interval: "5s"
`
