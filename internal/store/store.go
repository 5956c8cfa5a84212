// Package store persists the node's replication state: access events,
// locality centroids, replica records, and file metadata live in an
// embedded badger database; blobs and thumbnails are zstd-compressed
// files on disk next to it.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Key prefixes. Events are keyed by their full-precision geohash so a
// coarse-prefix scan finds every event in a locality bucket.
const (
	eventPrefix    = "event/"    // event/<fileID>/<geohash>/<eventID>
	centroidPrefix = "centroid/" // centroid/<fileID>/<prefixKey>
	replicaPrefix  = "replica/"  // replica/<fileID>
	filePrefix     = "file/"     // file/<fileID>
	md5Prefix      = "md5/"      // md5/<hash> -> fileID
	nodeUUIDKey    = "meta/node_uuid"
)

// Store is the node-local persistence layer. All methods are safe for
// concurrent use; badger provides transaction isolation and the blob
// store relies on atomic rename.
type Store struct {
	db      *badger.DB
	dataDir string
	blobs   *blobStore
	logger  zerolog.Logger
}

// Open opens (or creates) the store rooted at dataDir.
func Open(dataDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "db"))
	opts.Logger = nil // badger's own logger is too chatty; we log state transitions ourselves
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	blobs, err := newBlobStore(dataDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:      db,
		dataDir: dataDir,
		blobs:   blobs,
		logger:  logger.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// DataDir returns the storage root.
func (s *Store) DataDir() string {
	return s.dataDir
}

// NodeUUID returns this node's persistent identity, generating and
// storing one on first call. Failure here is the one fatal startup
// condition: a node without identity cannot advertise itself.
func (s *Store) NodeUUID() (string, error) {
	var id string
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(nodeUUIDKey))
		if err == nil {
			return item.Value(func(val []byte) error {
				id = string(val)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		id = uuid.New().String()
		return txn.Set([]byte(nodeUUIDKey), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("node uuid: %w", err)
	}
	return id, nil
}

// getJSON reads the value at key into out, returning ErrNotFound when
// the key does not exist.
func (s *Store) getJSON(key string, out interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return unmarshalValue(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
