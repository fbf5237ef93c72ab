package kernel

import (
	"context"
	"time"

	"cogkernel/internal/consolidation"
	"cogkernel/internal/episodic"
	"cogkernel/internal/errkind"
	"cogkernel/internal/model"
)

// Operation is the closed set of names spec.md §6's operation catalogue
// recognizes. Dispatch switches on it directly — never through a
// string-keyed handler registry or reflection — per REDESIGN FLAGS.
type Operation int

const (
	OpRemember Operation = iota
	OpRecall
	OpRecordEvent
	OpRecordEvents
	OpRecallEvents
	OpCreateProcedure
	OpFindProcedures
	OpRecordExecution
	OpCreateTask
	OpTransitionTask
	OpReadyTasks
	OpCriticalPath
	OpConsolidate
	OpQualitySummary
	OpAlerts
)

func (o Operation) String() string {
	switch o {
	case OpRemember:
		return "remember"
	case OpRecall:
		return "recall"
	case OpRecordEvent:
		return "record_event"
	case OpRecordEvents:
		return "record_events"
	case OpRecallEvents:
		return "recall_events"
	case OpCreateProcedure:
		return "create_procedure"
	case OpFindProcedures:
		return "find_procedures"
	case OpRecordExecution:
		return "record_execution"
	case OpCreateTask:
		return "create_task"
	case OpTransitionTask:
		return "transition_task"
	case OpReadyTasks:
		return "ready_tasks"
	case OpCriticalPath:
		return "critical_path"
	case OpConsolidate:
		return "consolidate"
	case OpQualitySummary:
		return "quality_summary"
	case OpAlerts:
		return "alerts"
	default:
		return "unknown"
	}
}

// Request pairs an Operation with the project it runs against and that
// operation's own typed parameters. Exactly one Params field is populated,
// matching Op; Dispatch's type switch reads the matching one directly.
type Request struct {
	Op        Operation
	ProjectID int64

	Remember        *RememberParams
	Recall          *RecallParams
	RecordEvent     *RecordEventParams
	RecordEvents    *RecordEventsParams
	RecallEvents    *RecallEventsParams
	CreateProcedure *CreateProcedureParams
	FindProcedures  *FindProceduresParams
	RecordExecution *RecordExecutionParams
	CreateTask      *CreateTaskParams
	TransitionTask  *TransitionTaskParams
	ReadyTasks      *ReadyTasksParams
	CriticalPath    *CriticalPathParams
	Consolidate     *ConsolidateParams
	QualitySummary  *QualitySummaryParams
	Alerts          *AlertsParams
}

type RememberParams struct {
	Statement      string
	Domain         string
	SourceEventIDs []int64
	Confidence     float64
}

type RecallParams struct {
	Query                string
	Scope                string
	Limit                int
	Offset               int
	IncludeLowConfidence bool
}

type RecordEventParams struct {
	Event model.Event
}

type RecordEventsParams struct {
	Events []model.Event
}

type RecallEventsParams struct {
	Filters episodic.RecallFilters
	Limit   int
	Offset  int
}

type CreateProcedureParams struct {
	Name              string
	Category          string
	Steps             []model.Step
	Parameters        map[string]string
	GroundingEventIDs []int64
}

type FindProceduresParams struct {
	Query    string
	Category string
}

type RecordExecutionParams struct {
	ProcedureID int64
	Outcome     model.Outcome
	DurationMs  float64
}

type CreateTaskParams struct {
	Content            string
	Priority           model.TaskPriority
	ParentID           *int64
	Dependencies       []int64
	EstimatedEffortMin int
}

type TransitionTaskParams struct {
	TaskID    int64
	NewStatus model.TaskStatus
}

type ReadyTasksParams struct{}

type CriticalPathParams struct {
	GoalID int64
}

type ConsolidateParams struct {
	Since    time.Time
	Until    time.Time
	Strategy string
}

type QualitySummaryParams struct{}

type AlertsParams struct{}

// Dispatch routes req to the matching layer call and wraps its outcome in
// a structured Result. It is the only entry point CLI commands and the
// ingest/transport surfaces use — neither calls a layer directly.
func (k *Kernel) Dispatch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	result, err := k.dispatch(ctx, req)
	result.Metrics.DurationMs = time.Since(start).Milliseconds()
	return result, err
}

func (k *Kernel) dispatch(ctx context.Context, req Request) (Result, error) {
	switch req.Op {
	case OpRemember:
		return k.doRemember(ctx, req.ProjectID, req.Remember)
	case OpRecall:
		return k.doRecall(ctx, req.ProjectID, req.Recall)
	case OpRecordEvent:
		return k.doRecordEvent(ctx, req.ProjectID, req.RecordEvent)
	case OpRecordEvents:
		return k.doRecordEvents(ctx, req.ProjectID, req.RecordEvents)
	case OpRecallEvents:
		return k.doRecallEvents(ctx, req.ProjectID, req.RecallEvents)
	case OpCreateProcedure:
		return k.doCreateProcedure(ctx, req.ProjectID, req.CreateProcedure)
	case OpFindProcedures:
		return k.doFindProcedures(ctx, req.ProjectID, req.FindProcedures)
	case OpRecordExecution:
		return k.doRecordExecution(ctx, req.RecordExecution)
	case OpCreateTask:
		return k.doCreateTask(ctx, req.ProjectID, req.CreateTask)
	case OpTransitionTask:
		return k.doTransitionTask(ctx, req.ProjectID, req.TransitionTask)
	case OpReadyTasks:
		return k.doReadyTasks(ctx, req.ProjectID)
	case OpCriticalPath:
		return k.doCriticalPath(ctx, req.CriticalPath)
	case OpConsolidate:
		return k.doConsolidate(ctx, req.ProjectID, req.Consolidate)
	case OpQualitySummary:
		return k.doQualitySummary(ctx, req.ProjectID)
	case OpAlerts:
		return k.doAlerts(ctx, req.ProjectID)
	default:
		return Result{}, errkind.New(errkind.Validation, "unrecognized operation")
	}
}

func (k *Kernel) doRemember(ctx context.Context, projectID int64, p *RememberParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "remember: missing params")
	}
	fact, err := k.Semantic.Remember(ctx, projectID, p.Statement, p.Domain, p.SourceEventIDs, p.Confidence)
	if err != nil {
		return Result{}, err
	}
	return Ok(fact), nil
}

func (k *Kernel) doRecall(ctx context.Context, projectID int64, p *RecallParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "recall: missing params")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	// One row past the page tells paginate whether more results exist.
	fetch := p.Offset + limit + 1
	ranked, err := k.Semantic.Recall(ctx, projectID, p.Query, p.Scope, fetch, p.IncludeLowConfidence)
	if err != nil {
		return Result{}, err
	}

	page, hasMore := paginate(ranked, p.Offset, limit)
	return WithPagination(page, Pagination{
		Limit:      limit,
		Offset:     p.Offset,
		TotalCount: len(ranked),
		HasMore:    hasMore,
	}), nil
}

func paginate[T any](items []T, offset, limit int) ([]T, bool) {
	if offset >= len(items) {
		return []T{}, false
	}
	end := offset + limit
	hasMore := end < len(items)
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end], hasMore
}

func (k *Kernel) doRecordEvent(ctx context.Context, projectID int64, p *RecordEventParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "record_event: missing params")
	}
	res, err := k.Episodic.RecordEvent(ctx, projectID, p.Event)
	if err != nil {
		return Result{}, err
	}
	return Ok(res), nil
}

func (k *Kernel) doRecordEvents(ctx context.Context, projectID int64, p *RecordEventsParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "record_events: missing params")
	}
	report, err := k.Episodic.RecordBatch(ctx, projectID, p.Events)
	if err != nil {
		return Result{}, err
	}
	return Ok(report), nil
}

func (k *Kernel) doRecallEvents(ctx context.Context, projectID int64, p *RecallEventsParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "recall_events: missing params")
	}
	page, err := k.Episodic.RecallEvents(ctx, projectID, p.Filters, p.Limit, p.Offset)
	if err != nil {
		return Result{}, err
	}
	return Ok(page), nil
}

func (k *Kernel) doCreateProcedure(ctx context.Context, projectID int64, p *CreateProcedureParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "create_procedure: missing params")
	}
	proc, err := k.Procedural.CreateProcedure(ctx, projectID, p.Name, p.Category, p.Steps, p.Parameters, p.GroundingEventIDs)
	if err != nil {
		return Result{}, err
	}
	return Ok(proc), nil
}

func (k *Kernel) doFindProcedures(ctx context.Context, projectID int64, p *FindProceduresParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "find_procedures: missing params")
	}
	found, err := k.Procedural.FindProcedures(ctx, projectID, p.Query, p.Category)
	if err != nil {
		return Result{}, err
	}
	return Ok(found), nil
}

func (k *Kernel) doRecordExecution(ctx context.Context, p *RecordExecutionParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "record_execution: missing params")
	}
	thresholdCrossed, err := k.Procedural.RecordExecution(ctx, p.ProcedureID, p.Outcome, p.DurationMs)
	if err != nil {
		return Result{}, err
	}
	return Ok(map[string]bool{"threshold_crossed": thresholdCrossed}), nil
}

func (k *Kernel) doCreateTask(ctx context.Context, projectID int64, p *CreateTaskParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "create_task: missing params")
	}
	task, err := k.Prospective.CreateTask(ctx, projectID, p.Content, p.Priority, p.ParentID, p.Dependencies, p.EstimatedEffortMin)
	if err != nil {
		return Result{}, err
	}
	return Ok(task), nil
}

func (k *Kernel) doTransitionTask(ctx context.Context, projectID int64, p *TransitionTaskParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "transition_task: missing params")
	}
	task, err := k.Prospective.Transition(ctx, projectID, p.TaskID, p.NewStatus, k.Episodic)
	if err != nil {
		return Result{}, err
	}
	return Ok(task), nil
}

func (k *Kernel) doReadyTasks(ctx context.Context, projectID int64) (Result, error) {
	ready, err := k.Prospective.ReadyTasks(ctx, projectID)
	if err != nil {
		return Result{}, err
	}
	return Ok(ready), nil
}

func (k *Kernel) doCriticalPath(ctx context.Context, p *CriticalPathParams) (Result, error) {
	if p == nil {
		return Result{}, errkind.New(errkind.Validation, "critical_path: missing params")
	}
	path, err := k.Prospective.CriticalPath(ctx, p.GoalID)
	if err != nil {
		return Result{}, err
	}
	return Ok(path), nil
}

func (k *Kernel) doConsolidate(ctx context.Context, projectID int64, p *ConsolidateParams) (Result, error) {
	if p == nil {
		p = &ConsolidateParams{}
	}
	window := consolidation.TimeWindow{Since: p.Since, Until: p.Until}
	report, err := k.Consolidation.Consolidate(ctx, projectID, window, p.Strategy)
	if err != nil {
		return Result{}, err
	}
	return Ok(report), nil
}

func (k *Kernel) doQualitySummary(ctx context.Context, projectID int64) (Result, error) {
	summary, err := k.Meta.Latest(ctx, projectID)
	if err != nil {
		return Result{}, err
	}
	return Ok(summary), nil
}

func (k *Kernel) doAlerts(ctx context.Context, projectID int64) (Result, error) {
	alerts, err := k.Meta.Alerts(ctx, projectID)
	if err != nil {
		return Result{}, err
	}
	return Ok(alerts), nil
}
