// Package prospective implements the prospective layer (C7): a task/goal
// DAG with cycle-safe dependency edits, a validated status state machine,
// and dependency-aware scheduling.
package prospective

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"cogkernel/internal/episodic"
	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
	"cogkernel/internal/model"
	"cogkernel/internal/store"
)

// EventRecorder is the narrow episodic-layer dependency this layer needs:
// every status transition records a system event for auditability
// (spec.md §4.7).
type EventRecorder interface {
	RecordEvent(ctx context.Context, projectID int64, event model.Event) (episodic.RecordResult, error)
}

// Layer is the prospective layer's handle onto the storage engine.
type Layer struct {
	store *store.Store
}

// New constructs the prospective layer.
func New(s *store.Store) *Layer {
	return &Layer{store: s}
}

// allowedTransitions encodes spec.md §3's task state machine.
var allowedTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskPending:   {model.TaskBlocked, model.TaskRunning, model.TaskCancelled},
	model.TaskBlocked:   {model.TaskPending, model.TaskCancelled},
	model.TaskRunning:   {model.TaskCompleted, model.TaskFailed, model.TaskCancelled},
	model.TaskCompleted: {},
	model.TaskFailed:    {},
	model.TaskCancelled: {},
}

func isTerminal(status model.TaskStatus) bool {
	return status == model.TaskCompleted || status == model.TaskFailed || status == model.TaskCancelled
}

// CreateTask inserts a new task, rejecting a dependency set that would
// introduce a cycle (detected via DFS over the existing dependency graph
// plus the proposed edges).
func (l *Layer) CreateTask(ctx context.Context, projectID int64, content string, priority model.TaskPriority, parentID *int64, dependencies []int64, estimatedEffortMin int) (model.Task, error) {
	timer := logging.StartTimer(logging.CategoryProspective, "CreateTask")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Task{}, err
	}
	defer conn.Release()

	res, err := conn.DB.ExecContext(ctx, `
		INSERT INTO tasks (project_id, content, status, priority, parent_id, estimated_effort_min)
		VALUES (?, ?, 'pending', ?, ?, ?)
	`, projectID, content, string(priority), parentID, estimatedEffortMin)
	if err != nil {
		return model.Task{}, errkind.Wrap(errkind.Internal, "insert task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Task{}, errkind.Wrap(errkind.Internal, "read inserted task id", err)
	}

	for _, dep := range dependencies {
		if err := l.addDependency(ctx, conn.DB, projectID, id, dep); err != nil {
			// best-effort cleanup of the partially-created task; the cycle
			// check runs per-edge so an earlier edge may already be committed.
			conn.DB.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id)
			conn.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
			return model.Task{}, err
		}
	}

	return l.fetchTask(ctx, conn.DB, id)
}

func (l *Layer) addDependency(ctx context.Context, db *sql.DB, projectID, taskID, dependsOnID int64) error {
	if taskID == dependsOnID {
		return errkind.New(errkind.Validation, "a task cannot depend on itself")
	}

	wouldCycle, err := introducesCycle(ctx, db, projectID, taskID, dependsOnID)
	if err != nil {
		return err
	}
	if wouldCycle {
		return errkind.New(errkind.Validation, fmt.Sprintf("dependency %d -> %d would introduce a cycle", taskID, dependsOnID))
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, taskID, dependsOnID); err != nil {
		return errkind.Wrap(errkind.Internal, "insert task dependency", err)
	}
	return nil
}

// introducesCycle returns true if adding the edge taskID -> dependsOnID
// would create a cycle, via DFS from dependsOnID looking for a path back
// to taskID.
func introducesCycle(ctx context.Context, db *sql.DB, projectID, taskID, dependsOnID int64) (bool, error) {
	visited := map[int64]bool{}
	stack := []int64{dependsOnID}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		rows, err := db.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, current)
		if err != nil {
			return false, errkind.Wrap(errkind.Internal, "walk dependency graph for cycle check", err)
		}
		var next []int64
		for rows.Next() {
			var dep int64
			if err := rows.Scan(&dep); err == nil {
				next = append(next, dep)
			}
		}
		rows.Close()
		stack = append(stack, next...)
	}
	return false, nil
}

func (l *Layer) fetchTask(ctx context.Context, db *sql.DB, id int64) (model.Task, error) {
	var t model.Task
	var parentID sql.NullInt64
	var actualEffort sql.NullInt64
	var deadline sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT id, project_id, created_at, version, content, status, priority, phase, parent_id, estimated_effort_min, actual_effort_min, deadline
		FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.ProjectID, &t.CreatedAt, &t.Version, &t.Content, &t.Status, &t.Priority, &t.Phase, &parentID, &t.EstimatedEffortMin, &actualEffort, &deadline)
	if err == sql.ErrNoRows {
		return model.Task{}, errkind.New(errkind.NotFound, fmt.Sprintf("task %d not found", id))
	}
	if err != nil {
		return model.Task{}, errkind.Wrap(errkind.Internal, "fetch task", err)
	}
	if parentID.Valid {
		v := parentID.Int64
		t.ParentID = &v
	}
	if actualEffort.Valid {
		v := int(actualEffort.Int64)
		t.ActualEffortMin = &v
	}
	if deadline.Valid {
		v := deadline.Time
		t.Deadline = &v
	}

	rows, err := db.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, id)
	if err != nil {
		return model.Task{}, errkind.Wrap(errkind.Internal, "fetch task dependencies", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err == nil {
			t.Dependencies = append(t.Dependencies, dep)
		}
	}
	return t, nil
}

// Transition validates and applies new_status against the state machine in
// spec.md §3: a task may enter `running` only when every dependency is
// `completed`. Every transition records a `system` event via recorder for
// auditability, when a recorder is configured.
func (l *Layer) Transition(ctx context.Context, projectID, taskID int64, newStatus model.TaskStatus, recorder EventRecorder) (model.Task, error) {
	timer := logging.StartTimer(logging.CategoryProspective, "Transition")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Task{}, err
	}
	defer conn.Release()

	task, err := l.fetchTask(ctx, conn.DB, taskID)
	if err != nil {
		return model.Task{}, err
	}

	if isTerminal(task.Status) {
		return model.Task{}, errkind.New(errkind.Conflict, fmt.Sprintf("task %d is in terminal state %s", taskID, task.Status))
	}

	allowed := false
	for _, s := range allowedTransitions[task.Status] {
		if s == newStatus {
			allowed = true
			break
		}
	}
	if !allowed {
		return model.Task{}, errkind.New(errkind.Conflict, fmt.Sprintf("invalid transition %s -> %s", task.Status, newStatus))
	}

	if newStatus == model.TaskRunning {
		ready, err := l.allDependenciesCompleted(ctx, conn.DB, taskID)
		if err != nil {
			return model.Task{}, err
		}
		if !ready {
			return model.Task{}, errkind.New(errkind.Conflict, fmt.Sprintf("task %d cannot run: dependencies not all completed", taskID))
		}
	}

	if _, err := conn.DB.ExecContext(ctx, `UPDATE tasks SET status = ?, version = version + 1 WHERE id = ?`, string(newStatus), taskID); err != nil {
		return model.Task{}, errkind.Wrap(errkind.Internal, "update task status", err)
	}

	if recorder != nil {
		_, err := recorder.RecordEvent(ctx, projectID, model.Event{
			Kind:    model.EventSystem,
			Content: fmt.Sprintf("task %d transitioned %s -> %s", taskID, task.Status, newStatus),
			Outcome: model.OutcomeSuccess,
			Context: map[string]string{"task_id": fmt.Sprintf("%d", taskID)},
		})
		if err != nil {
			logging.Get(logging.CategoryProspective).Warn("Transition: failed to record audit event for task %d: %v", taskID, err)
		}
	}

	return l.fetchTask(ctx, conn.DB, taskID)
}

func (l *Layer) allDependenciesCompleted(ctx context.Context, db *sql.DB, taskID int64) (bool, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.status FROM task_dependencies d JOIN tasks t ON t.id = d.depends_on_id WHERE d.task_id = ?
	`, taskID)
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, "check task dependency statuses", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status model.TaskStatus
		if err := rows.Scan(&status); err != nil {
			continue
		}
		if status != model.TaskCompleted {
			return false, nil
		}
	}
	return true, rows.Err()
}

// ReadyTasks returns pending tasks whose dependencies are all completed,
// sorted by (priority desc, deadline asc, created_at asc).
func (l *Layer) ReadyTasks(ctx context.Context, projectID int64) ([]model.Task, error) {
	timer := logging.StartTimer(logging.CategoryProspective, "ReadyTasks")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id = ? AND status = 'pending'`, projectID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "query pending tasks", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	var ready []model.Task
	for _, id := range ids {
		ok, err := l.allDependenciesCompleted(ctx, conn.DB, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		t, err := l.fetchTask(ctx, conn.DB, id)
		if err != nil {
			continue
		}
		ready = append(ready, t)
	}

	sort.Slice(ready, func(i, j int) bool {
		pi, pj := priorityRank(ready[i].Priority), priorityRank(ready[j].Priority)
		if pi != pj {
			return pi > pj
		}
		di, dj := ready[i].Deadline, ready[j].Deadline
		if di != nil && dj != nil && !di.Equal(*dj) {
			return di.Before(*dj)
		}
		if di != nil && dj == nil {
			return true
		}
		if di == nil && dj != nil {
			return false
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready, nil
}

func priorityRank(p model.TaskPriority) int {
	switch p {
	case model.PriorityCritical:
		return 3
	case model.PriorityHigh:
		return 2
	case model.PriorityMedium:
		return 1
	default:
		return 0
	}
}

// CriticalPath returns the longest (by summed estimated_effort_min) path
// from goalID to any leaf in the dependency DAG, as a sequence of task ids
// ordered from the leaf to the goal.
func (l *Layer) CriticalPath(ctx context.Context, goalID int64) ([]int64, error) {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	longest, err := longestPath(ctx, conn.DB, goalID)
	if err != nil {
		return nil, err
	}
	return longest, nil
}

func longestPath(ctx context.Context, db *sql.DB, taskID int64) ([]int64, error) {
	var effort int
	if err := db.QueryRowContext(ctx, `SELECT estimated_effort_min FROM tasks WHERE id = ?`, taskID).Scan(&effort); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "read task effort for critical path", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "query dependencies for critical path", err)
	}
	var deps []int64
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err == nil {
			deps = append(deps, dep)
		}
	}
	rows.Close()

	if len(deps) == 0 {
		return []int64{taskID}, nil
	}

	var best []int64
	bestEffort := -1
	for _, dep := range deps {
		path, err := longestPath(ctx, db, dep)
		if err != nil {
			return nil, err
		}
		pathEffort, err := sumEffort(ctx, db, path)
		if err != nil {
			return nil, err
		}
		if pathEffort > bestEffort {
			bestEffort = pathEffort
			best = path
		}
	}
	return append(best, taskID), nil
}

func sumEffort(ctx context.Context, db *sql.DB, taskIDs []int64) (int, error) {
	total := 0
	for _, id := range taskIDs {
		var effort int
		if err := db.QueryRowContext(ctx, `SELECT estimated_effort_min FROM tasks WHERE id = ?`, id).Scan(&effort); err != nil {
			return 0, errkind.Wrap(errkind.Internal, "sum effort for critical path", err)
		}
		total += effort
	}
	return total, nil
}
