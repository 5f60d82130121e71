package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketNamespaces = []byte("namespaces")

// BoltStorage implements Storage on a BoltDB file. Each namespace is one key
// whose value is the JSON array of its entries.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) a BoltDB database at path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultStorageLockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNamespaces)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

// Get returns the entries of namespace. An entry list that is not valid
// JSON as a whole is reported as an error; individual entries are returned raw.
func (s *BoltStorage) Get(_ context.Context, namespace string) ([]json.RawMessage, error) {
	var entries []json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNamespaces).Get([]byte(namespace))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &entries)
	})
	if err != nil {
		return nil, ErrStorage(namespace, err)
	}
	return entries, nil
}

// Set replaces the entries of namespace. An empty list deletes the key.
func (s *BoltStorage) Set(_ context.Context, namespace string, entries []json.RawMessage) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		if len(entries) == 0 {
			return b.Delete([]byte(namespace))
		}
		data, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return b.Put([]byte(namespace), data)
	})
	if err != nil {
		return ErrStorage(namespace, err)
	}
	return nil
}

// Namespaces lists keys starting with prefix in byte order.
func (s *BoltStorage) Namespaces(_ context.Context, prefix string) ([]string, error) {
	var out []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNamespaces).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

// Close closes the underlying BoltDB.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
