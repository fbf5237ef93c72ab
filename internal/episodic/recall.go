package episodic

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
	"cogkernel/internal/model"
)

// RecallFilters narrows recall_events. Zero values mean "no constraint" for
// every field except SessionKey/Context, where an empty string/map means
// the same.
type RecallFilters struct {
	Since      time.Time
	Until      time.Time
	Kind       model.EventKind
	Outcome    model.Outcome
	SessionKey string
	Context    map[string]string
}

// RecallPage is recall_events' paginated_result.
type RecallPage struct {
	Events     []model.Event
	TotalCount int
	HasMore    bool
}

// RecallEvents returns events matching filters in time-descending order,
// paginated by limit/offset. A limit outside [1, RecallLimitCap] (including
// zero or a negative value) becomes RecallLimitCap.
func (l *Layer) RecallEvents(ctx context.Context, projectID int64, filters RecallFilters, limit, offset int) (RecallPage, error) {
	timer := logging.StartTimer(logging.CategoryEpisodic, "RecallEvents")
	defer timer.Stop()

	if limit <= 0 || limit > RecallLimitCap {
		limit = RecallLimitCap
	}
	if offset < 0 {
		offset = 0
	}

	where := []string{"project_id = ?"}
	args := []interface{}{projectID}

	if !filters.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filters.Since)
	}
	if !filters.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filters.Until)
	}
	if filters.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filters.Kind))
	}
	if filters.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filters.Outcome))
	}
	if filters.SessionKey != "" {
		where = append(where, "json_extract(context, '$.session') = ?")
		args = append(args, filters.SessionKey)
	}
	for k, v := range filters.Context {
		where = append(where, "json_extract(context, '$.'||?) = ?")
		args = append(args, k, v)
	}

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return RecallPage{}, err
	}
	defer conn.Release()

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM events WHERE " + whereClause
	if err := conn.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return RecallPage{}, errkind.Wrap(errkind.Internal, "count recall_events matches", err)
	}

	query := `
		SELECT id, project_id, created_at, version, content, kind, outcome, context, content_hash, importance, consolidation_state, consolidation_run_id
		FROM events WHERE ` + whereClause + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`
	pagedArgs := append(append([]interface{}{}, args...), limit, offset)

	rows, err := conn.DB.QueryContext(ctx, query, pagedArgs...)
	if err != nil {
		return RecallPage{}, errkind.Wrap(errkind.Internal, "query recall_events", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return RecallPage{}, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return RecallPage{}, errkind.Wrap(errkind.Internal, "iterate recall_events rows", err)
	}

	return RecallPage{
		Events:     events,
		TotalCount: total,
		HasMore:    offset+len(events) < total,
	}, nil
}

func scanEvent(rows *sql.Rows) (model.Event, error) {
	var e model.Event
	var contextJSON string
	var runID sql.NullString
	if err := rows.Scan(&e.ID, &e.ProjectID, &e.CreatedAt, &e.Version, &e.Content, &e.Kind, &e.Outcome, &contextJSON, &e.ContentHash, &e.Importance, &e.ConsolidationState, &runID); err != nil {
		return model.Event{}, errkind.Wrap(errkind.Internal, "scan event row", err)
	}
	if runID.Valid {
		e.ConsolidationRunID = runID.String
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
			return model.Event{}, errkind.Wrap(errkind.Internal, "unmarshal event context", err)
		}
	}
	return e, nil
}
