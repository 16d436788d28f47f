package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/darkpool/pkg/app/core/orderbook"
	"github.com/uhyunpark/darkpool/pkg/app/darkpool"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

var _ darkpool.Store = (*PebbleStore)(nil)

// SaveOrder persists a resting order, replacing any previous version
func (s *PebbleStore) SaveOrder(o *orderbook.Order) error {
	data, err := json.Marshal(toOrderRecord(o))
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// RetireOrder removes a resting order and records its id as spent in one
// batch. Retiring an order that was never stored is not an error.
func (s *PebbleStore) RetireOrder(id string) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(orderKey(id), nil); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if err := batch.Set(spentKey(id), nil, nil); err != nil {
		return fmt.Errorf("failed to mark order spent: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to retire order: %w", err)
	}
	return nil
}

// LoadSpent returns the ids of every retired order
func (s *PebbleStore) LoadSpent() ([]string, error) {
	prefix := []byte(prefixSpent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open spent iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("spent iteration: %w", err)
	}
	return ids, nil
}

// LoadOrders returns every resting order in admission order
func (s *PebbleStore) LoadOrders() ([]*orderbook.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open order iterator: %w", err)
	}
	defer iter.Close()

	var orders []*orderbook.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var rec orderRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %q: %w", iter.Key(), err)
		}
		o, err := rec.order()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("order iteration: %w", err)
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	return orders, nil
}

// SavePass persists a pass report
func (s *PebbleStore) SavePass(r *darkpool.PassReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal pass report: %w", err)
	}
	if err := s.db.Set(passKey(r.Timestamp, r.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save pass report: %w", err)
	}
	return nil
}

// LoadRecentPasses loads the most recent N pass reports, newest first
func (s *PebbleStore) LoadRecentPasses(limit int) ([]*darkpool.PassReport, error) {
	prefix := []byte(prefixPass)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pass iterator: %w", err)
	}
	defer iter.Close()

	var passes []*darkpool.PassReport
	for iter.Last(); iter.Valid() && len(passes) < limit; iter.Prev() {
		var r darkpool.PassReport
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue // Skip invalid entries
		}
		passes = append(passes, &r)
	}
	return passes, nil
}
