package tiledb

import (
	"context"

	"go.etcd.io/bbolt"
)

// EvictIfOverBudget deletes the oldest-access unpinned tiles until the
// record count is at or under budget. Pinned tiles are skipped regardless
// of access time, so the store can exceed the budget when pinned tiles
// dominate; the budget is a soft cap.
//
// Access index keys are timestamp-then-tile-key, so tiles with equal access
// times are evicted in ascending tile key order.
func (s *Store) EvictIfOverBudget(_ context.Context, budget int) (int, error) {
	var evicted int

	err := s.db.Update(func(tx *bbolt.Tx) error {
		tiles := tx.Bucket(bucketTiles)
		tileRegions := tx.Bucket(bucketTileRegions)

		count := tiles.Stats().KeyN
		if count <= budget {
			return nil
		}
		over := count - budget

		cursor := tx.Bucket(bucketTilesByAccess).Cursor()
		for k, v := cursor.First(); k != nil && over > 0; k, v = cursor.Next() {
			tileKey := v
			if tilePinned(tileRegions, tileKey) {
				continue
			}

			if err := cursor.Delete(); err != nil {
				return err
			}
			if err := tx.Bucket(bucketTileAccessByKey).Delete(tileKey); err != nil {
				return err
			}
			if err := tiles.Delete(tileKey); err != nil {
				return err
			}

			evicted++
			over--
		}
		return nil
	})
	if err != nil {
		return evicted, err
	}

	if evicted > 0 {
		s.logger.Debug("evicted tiles over budget", "evicted", evicted, "budget", budget)
	}
	return evicted, nil
}
