package store

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func eventKey(fileID, geohash, eventID string) []byte {
	return []byte(eventPrefix + fileID + "/" + geohash + "/" + eventID)
}

func eventBucketScanPrefix(fileID, prefix string) []byte {
	return []byte(eventPrefix + fileID + "/" + prefix)
}

// PutAccessEvent persists one access event.
func (s *Store) PutAccessEvent(ev AccessEvent) error {
	data, err := marshalValue(ev)
	if err != nil {
		return fmt.Errorf("marshal access event: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(ev.FileID, ev.Geohash, ev.ID), data)
	})
	if err != nil {
		return fmt.Errorf("put access event: %w", err)
	}
	return nil
}

// EventsInBucket returns every access event for fileID whose geohash
// starts with the given coarse prefix and that was recorded after
// since. Events at or before since belong to an expired replica cycle
// and no longer count toward the bucket. A zero since matches
// everything. The full re-scan keeps the centroid exact under
// concurrent inserts.
func (s *Store) EventsInBucket(fileID, prefix string, since time.Time) ([]AccessEvent, error) {
	var events []AccessEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventBucketScanPrefix(fileID, prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev AccessEvent
				if err := unmarshalValue(val, &ev); err != nil {
					return nil // skip corrupt entries
				}
				if !since.IsZero() && !ev.RecordedAt.After(since) {
					return nil
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}
