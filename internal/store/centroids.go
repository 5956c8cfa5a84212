package store

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func centroidKey(fileID, prefixKey string) []byte {
	return []byte(centroidPrefix + fileID + "/" + prefixKey)
}

// UpsertCentroid writes the centroid for (fileID, prefixKey), replacing
// any existing one. The aggregator serializes calls per bucket.
func (s *Store) UpsertCentroid(c LocalityCentroid) error {
	data, err := marshalValue(c)
	if err != nil {
		return fmt.Errorf("marshal centroid: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(centroidKey(c.FileID, c.PrefixKey), data)
	})
	if err != nil {
		return fmt.Errorf("put centroid: %w", err)
	}
	return nil
}

// GetCentroid returns the centroid for (fileID, prefixKey).
func (s *Store) GetCentroid(fileID, prefixKey string) (LocalityCentroid, error) {
	var c LocalityCentroid
	if err := s.getJSON(string(centroidKey(fileID, prefixKey)), &c); err != nil {
		return LocalityCentroid{}, err
	}
	return c, nil
}

// HotCentroids returns every centroid with sampleCount strictly above
// threshold that has not been replicated yet.
func (s *Store) HotCentroids(threshold int) ([]LocalityCentroid, error) {
	var hot []LocalityCentroid
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(centroidPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c LocalityCentroid
				if err := unmarshalValue(val, &c); err != nil {
					return nil // skip corrupt entries
				}
				if c.SampleCount > threshold && !c.Replicated {
					hot = append(hot, c)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan centroids: %w", err)
	}
	return hot, nil
}

// MarkReplicated sets replicated=true on the centroid for
// (fileID, prefixKey). Missing centroids are ignored: the bucket may
// have been reset between selection and marking.
func (s *Store) MarkReplicated(fileID, prefixKey string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := centroidKey(fileID, prefixKey)
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		var c LocalityCentroid
		if err := item.Value(func(val []byte) error { return unmarshalValue(val, &c) }); err != nil {
			return err
		}
		c.Replicated = true
		c.UpdatedAt = time.Now()
		data, err := marshalValue(c)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("mark replicated: %w", err)
	}
	return nil
}

// ResetCentroids sets sampleCount=0, replicated=false on every centroid
// of fileID whose prefixKey starts with one of the given prefixes, and
// stamps resetAt so already-recorded events stop counting toward the
// bucket. Prefixes may be coarser than bucket precision; matching is by
// prefix, not equality. Returns the number of centroids reset.
func (s *Store) ResetCentroids(fileID string, prefixes []string) (int, error) {
	reset := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(centroidPrefix + fileID + "/" + prefix)
			it := txn.NewIterator(opts)

			type pending struct {
				key []byte
				c   LocalityCentroid
			}
			var updates []pending
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				var c LocalityCentroid
				err := item.Value(func(val []byte) error { return unmarshalValue(val, &c) })
				if err != nil {
					it.Close()
					return err
				}
				updates = append(updates, pending{key: item.KeyCopy(nil), c: c})
			}
			it.Close()

			for _, u := range updates {
				u.c.SampleCount = 0
				u.c.Replicated = false
				u.c.ResetAt = time.Now()
				u.c.UpdatedAt = u.c.ResetAt
				data, err := marshalValue(u.c)
				if err != nil {
					return err
				}
				if err := txn.Set(u.key, data); err != nil {
					return err
				}
				reset++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset centroids: %w", err)
	}
	return reset, nil
}
