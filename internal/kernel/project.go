package kernel

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"cogkernel/internal/errkind"
	"cogkernel/internal/store"
)

// projectRegistry resolves the ingest schema's external project name
// (spec.md §6) to the internal int64 project_id every layer keys on,
// caching the mapping in memory over the kernel_projects table.
type projectRegistry struct {
	store *store.Store

	mu   sync.RWMutex
	byID map[string]int64
}

func newProjectRegistry(ctx context.Context, s *store.Store) (*projectRegistry, error) {
	r := &projectRegistry{store: s, byID: make(map[string]int64)}

	conn, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.DB.QueryContext(ctx, `SELECT name, id FROM kernel_projects`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "project registry: load", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "project registry: scan", err)
		}
		r.byID[name] = id
	}
	return r, rows.Err()
}

// resolve returns name's project_id, assigning a fresh one (with a random
// uuid token for external correlation) the first time name is seen.
func (r *projectRegistry) resolve(ctx context.Context, name string) (int64, error) {
	r.mu.RLock()
	id, ok := r.byID[name]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byID[name]; ok {
		return id, nil
	}

	conn, err := r.store.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	token := uuid.NewString()
	res, err := conn.DB.ExecContext(ctx, `INSERT INTO kernel_projects (name, token) VALUES (?, ?)`, name, token)
	if err != nil {
		// Another caller may have raced us to the unique name constraint;
		// re-read rather than treat this as fatal.
		var existing int64
		row := conn.DB.QueryRowContext(ctx, `SELECT id FROM kernel_projects WHERE name = ?`, name)
		if scanErr := row.Scan(&existing); scanErr == nil {
			r.byID[name] = existing
			return existing, nil
		}
		return 0, errkind.Wrap(errkind.Internal, "project registry: insert", err)
	}

	id, err = res.LastInsertId()
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, "project registry: last insert id", err)
	}
	r.byID[name] = id
	return id, nil
}

// allIDs returns every project_id resolved so far.
func (r *projectRegistry) allIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.byID))
	for _, id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}
