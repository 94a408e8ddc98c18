package object

import (
	"context"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is the durable Store implementation, backed by an embedded
// Badger key-value database. Each ActionObject is stored JSON-encoded
// under its id; there is no secondary indexing required since the broker
// only ever looks objects up by id.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if necessary) a Badger database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func objectKey(id string) []byte {
	return []byte("object:" + id)
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, _ []byte, id string) (ActionObject, error) {
	var obj ActionObject
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &obj)
		})
	})
	if err != nil {
		return ActionObject{}, err
	}
	return obj, nil
}

// Set implements Store.
func (s *BadgerStore) Set(_ context.Context, _ []byte, obj ActionObject) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(obj.ID), data)
	})
}
