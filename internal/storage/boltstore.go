// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Store wraps a bbolt database as a set of typed JSON-value buckets. It
// backs nodes.db (§6): the Node Manager's NodeInfoStorage and the
// Launcher's placement storage.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path. It runs no
// migrations.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bucket returns a typed handle scoped to one bucket name, creating it if
// it does not yet exist.
func (s *Store) Bucket(name string) (*Bucket, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create bucket %s: %w", name, err)
	}
	return &Bucket{db: s.db, name: name}, nil
}

// Bucket is a JSON-valued key-value namespace within the store.
type Bucket struct {
	db   *bbolt.DB
	name string
}

// Put JSON-encodes v and stores it under key.
func (b *Bucket) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s/%s: %w", b.name, key, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(b.name)).Put([]byte(key), data)
	})
}

// Get JSON-decodes the value under key into v. Returns false if the key
// is absent.
func (b *Bucket) Get(key string, v any) (bool, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(b.name)).Get([]byte(key))
		if raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("storage: unmarshal %s/%s: %w", b.name, key, err)
	}
	return true, nil
}

// Delete removes key from the bucket; deleting an absent key is a no-op.
func (b *Bucket) Delete(key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(b.name)).Delete([]byte(key))
	})
}

// ForEach decodes every value in the bucket, calling f(key, raw) for each.
// f is responsible for unmarshaling raw into its own type.
func (b *Bucket) ForEach(f func(key string, raw []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(b.name)).ForEach(func(k, v []byte) error {
			return f(string(k), v)
		})
	})
}

// Keys returns every key currently in the bucket.
func (b *Bucket) Keys() ([]string, error) {
	var keys []string
	err := b.ForEach(func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}
