package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func replicaKey(fileID string) []byte {
	return []byte(replicaPrefix + fileID)
}

// PutReplicaRecord persists the provenance of a newly accepted replica.
func (s *Store) PutReplicaRecord(r ReplicaRecord) error {
	data, err := marshalValue(r)
	if err != nil {
		return fmt.Errorf("marshal replica record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(replicaKey(r.FileID), data)
	})
	if err != nil {
		return fmt.Errorf("put replica record: %w", err)
	}
	return nil
}

// GetReplicaRecord returns the replica record for fileID.
func (s *Store) GetReplicaRecord(fileID string) (ReplicaRecord, error) {
	var r ReplicaRecord
	if err := s.getJSON(string(replicaKey(fileID)), &r); err != nil {
		return ReplicaRecord{}, err
	}
	return r, nil
}

// TouchReplica updates lastAccessAt on the replica record for fileID.
// Serving an original (no record) is not an error.
func (s *Store) TouchReplica(fileID string, when time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(replicaKey(fileID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		var r ReplicaRecord
		if err := item.Value(func(val []byte) error { return unmarshalValue(val, &r) }); err != nil {
			return err
		}
		r.LastAccessAt = when
		data, err := marshalValue(r)
		if err != nil {
			return err
		}
		return txn.Set(replicaKey(fileID), data)
	})
	if err != nil {
		return fmt.Errorf("touch replica: %w", err)
	}
	return nil
}

// ExpiredReplicas returns every replica record whose lastAccessAt is
// before the cutoff.
func (s *Store) ExpiredReplicas(cutoff time.Time) ([]ReplicaRecord, error) {
	var expired []ReplicaRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(replicaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r ReplicaRecord
				if err := unmarshalValue(val, &r); err != nil {
					return nil // skip corrupt entries
				}
				if r.LastAccessAt.Before(cutoff) {
					expired = append(expired, r)
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
		return nil, fmt.Errorf("scan replica records: %w", err)
	}
	return expired, nil
}

// DeleteReplicaRecord removes the replica record for fileID. Deleting a
// missing record is not an error.
func (s *Store) DeleteReplicaRecord(fileID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(replicaKey(fileID))
	})
	if err != nil {
		return fmt.Errorf("delete replica record: %w", err)
	}
	return nil
}
