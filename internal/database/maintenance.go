package database

import (
	"context"
	"time"
)

// PurgeFinishedJobs deletes COMPLETED and FAILED jobs that finished more
// than retention ago. Attempts go with them via ON DELETE CASCADE.
func (db *DB) PurgeFinishedJobs(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('COMPLETED', 'FAILED') AND completed_at < now() - make_interval(secs => $1)
	`, retention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
