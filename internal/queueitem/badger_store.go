package queueitem

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is the durable Store implementation. Items are stored
// JSON-encoded under `item:<id>`; a secondary key `status:<status>:<id>`
// (empty value) lets GetByStatus do a prefix scan instead of a full-table
// scan, which matters once the queue holds more than a handful of items.
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

func itemKey(id string) []byte { return []byte("item:" + id) }

func statusKey(status Status, id string) []byte {
	return []byte(fmt.Sprintf("status:%s:%s", status, id))
}

// GetByStatus implements Store via a prefix scan of the status index.
func (s *BadgerStore) GetByStatus(_ context.Context, status Status) ([]QueueItem, error) {
	prefix := []byte(fmt.Sprintf("status:%s:", status))

	var out []QueueItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			itemRaw, err := txn.Get(itemKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return err
			}
			var item QueueItem
			if err := itemRaw.Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return err
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// Update implements Store: it rewrites the item record and, if the status
// changed, moves the status index entry.
func (s *BadgerStore) Update(_ context.Context, _ []byte, item QueueItem) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var prev QueueItem
		hadPrev := false
		if raw, err := txn.Get(itemKey(item.ID)); err == nil {
			hadPrev = true
			if err := raw.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := txn.Set(itemKey(item.ID), data); err != nil {
			return err
		}

		if hadPrev && prev.Status != item.Status {
			if err := txn.Delete(statusKey(prev.Status, item.ID)); err != nil {
				return err
			}
		}
		if !hadPrev || prev.Status != item.Status {
			if err := txn.Set(statusKey(item.Status, item.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put inserts a brand-new item (including its status index entry),
// without an owner_key — used by external submitters.
func (s *BadgerStore) Put(item QueueItem) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := txn.Set(itemKey(item.ID), data); err != nil {
			return err
		}
		return txn.Set(statusKey(item.Status, item.ID), nil)
	})
}
