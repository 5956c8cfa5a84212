package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/geostore/geostore/pkg/proto"
)

func fileKey(fileID string) []byte {
	return []byte(filePrefix + fileID)
}

func md5Key(hash string) []byte {
	return []byte(md5Prefix + hash)
}

// PutFileMetadata persists a file's metadata record and its MD5 index
// entry for duplicate detection.
func (s *Store) PutFileMetadata(md proto.FileMetadata) error {
	data, err := marshalValue(md)
	if err != nil {
		return fmt.Errorf("marshal file metadata: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(fileKey(md.UUID), data); err != nil {
			return err
		}
		if md.MD5 != "" {
			return txn.Set(md5Key(md.MD5), []byte(md.UUID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put file metadata: %w", err)
	}
	return nil
}

// GetFileMetadata returns the metadata record for fileID.
func (s *Store) GetFileMetadata(fileID string) (proto.FileMetadata, error) {
	var md proto.FileMetadata
	if err := s.getJSON(string(fileKey(fileID)), &md); err != nil {
		return proto.FileMetadata{}, err
	}
	return md, nil
}

// HasFile reports whether a metadata record exists for fileID, whether
// original or replica.
func (s *Store) HasFile(fileID string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(fileKey(fileID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check file: %w", err)
	}
	return true, nil
}

// FileIDByMD5 returns the id of the file with the given content hash,
// or ErrNotFound.
func (s *Store) FileIDByMD5(hash string) (string, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(md5Key(hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup md5: %w", err)
	}
	return id, nil
}

// DeleteFileMetadata removes the metadata record and MD5 index entry
// for fileID.
func (s *Store) DeleteFileMetadata(fileID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(fileID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		var md proto.FileMetadata
		if err := item.Value(func(val []byte) error { return unmarshalValue(val, &md) }); err == nil && md.MD5 != "" {
			if err := txn.Delete(md5Key(md.MD5)); err != nil {
				return err
			}
		}
		return txn.Delete(fileKey(fileID))
	})
	if err != nil {
		return fmt.Errorf("delete file metadata: %w", err)
	}
	return nil
}
