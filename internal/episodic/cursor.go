package episodic

import (
	"context"
	"database/sql"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
)

// CursorForSource returns the current resumable position for source_id,
// or the empty string if ingestion from that source has never advanced.
func (l *Layer) CursorForSource(ctx context.Context, projectID int64, sourceID string) (string, error) {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Release()

	var position string
	err = conn.DB.QueryRowContext(ctx, `SELECT position FROM cursors WHERE project_id = ? AND source_id = ?`, projectID, sourceID).Scan(&position)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, "read cursor for source", err)
	}
	return position, nil
}

// AdvanceCursor persists position as source_id's new resumable cursor. The
// cursor is opaque to this layer: callers (ingestion adapters) define and
// interpret its contents.
func (l *Layer) AdvanceCursor(ctx context.Context, projectID int64, sourceID, position string) error {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.DB.ExecContext(ctx, `
		INSERT INTO cursors (project_id, source_id, position, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project_id, source_id) DO UPDATE SET position = excluded.position, updated_at = CURRENT_TIMESTAMP
	`, projectID, sourceID, position)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "advance cursor for source", err)
	}

	logging.Get(logging.CategoryEpisodic).Debug("advanced cursor: source=%s", sourceID)
	return nil
}
