package persistence

import (
	"context"
	"fmt"
	"time"
)

// PurgeBefore deletes traces that started before cutoff, with their steps.
// Running it twice with the same cutoff is harmless.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE start_time < ?;`, formatTime(cutoff))
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge traces: %w", err)
	}
	return purged, nil
}
