package worker

import (
	"context"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
)

// BadgerRegistry is the durable Registry implementation.
type BadgerRegistry struct {
	db *badger.DB
}

// OpenBadgerRegistry opens (creating if necessary) a Badger database at path.
func OpenBadgerRegistry(path string) (*BadgerRegistry, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerRegistry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *BadgerRegistry) Close() error {
	return r.db.Close()
}

func registryKey(id string) []byte { return []byte("worker:" + id) }

func (r *BadgerRegistry) get(id string) (*Record, error) {
	var rec Record
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(registryKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByID implements Registry.
func (r *BadgerRegistry) GetByID(_ context.Context, id string) (*Record, error) {
	return r.get(id)
}

// UpdateConsumerState implements Registry.
func (r *BadgerRegistry) UpdateConsumerState(_ context.Context, id string, state ConsumerState) error {
	return r.db.Update(func(txn *badger.Txn) error {
		var rec Record
		if item, err := txn.Get(registryKey(id)); err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		rec.ID = id
		rec.State = state
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(registryKey(id), data)
	})
}

// GetFlags implements Registry.
func (r *BadgerRegistry) GetFlags(_ context.Context, id string) (Flags, error) {
	rec, err := r.get(id)
	if err != nil {
		return Flags{}, err
	}
	if rec == nil {
		return Flags{}, nil
	}
	return rec.Flags, nil
}
