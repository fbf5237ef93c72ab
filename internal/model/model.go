// Package model defines the eight data-model layers shared across
// cogkernel's components: Event, Fact, Procedure, Task, Entity, Relation,
// Quality Record, and Execution Metric.
package model

import "time"

// EventKind enumerates the recognized event kinds.
type EventKind string

const (
	EventToolUse  EventKind = "tool_use"
	EventFileEdit EventKind = "file_edit"
	EventCommit   EventKind = "commit"
	EventMessage  EventKind = "message"
	EventSystem   EventKind = "system"
)

// Outcome enumerates the recognized event/task outcomes.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeUnknown Outcome = "unknown"
)

// ConsolidationState is deliberately limited to two values (see DESIGN.md,
// open question on consolidation_state lifecycle).
type ConsolidationState string

const (
	Unsealed ConsolidationState = "unsealed"
	Sealed   ConsolidationState = "sealed"
)

// Event is the atomic unit of experience (C4).
type Event struct {
	ID                 int64
	ProjectID          int64
	CreatedAt          time.Time
	Version            int64
	Content             string
	Kind                EventKind
	Outcome             Outcome
	Context             map[string]string
	ContentHash         string
	Embedding           []float32
	Importance          float64
	ConsolidationState  ConsolidationState
	ConsolidationRunID  string
}

// Fact is distilled declarative knowledge (C5).
type Fact struct {
	ID                int64
	ProjectID         int64
	CreatedAt         time.Time
	Version           int64
	Statement         string
	Domain            string
	Confidence        float64
	Embedding         []float32
	SourceEventIDs    []int64
	SupportCount      int
	ContradictionCount int
	LastReinforcedAt  time.Time
	Archived          bool
}

// Step is one ordered step of a Procedure.
type Step struct {
	Action                string
	ParamsTemplate        map[string]string
	RequiredPreconditions []string
}

// Procedure is a reusable workflow (C6).
type Procedure struct {
	ID                int64
	ProjectID         int64
	CreatedAt         time.Time
	Version           int64
	Name              string
	Category          string
	Steps             []Step
	Parameters        map[string]string
	SuccessRate       float64
	ExecutionCount    int64
	AvgDurationMs     float64
	GroundingEventIDs []int64
}

// TaskStatus enumerates the task state machine's states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskBlocked   TaskStatus = "blocked"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskPriority enumerates task priority levels.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Task is a prospective obligation (C7).
type Task struct {
	ID                 int64
	ProjectID          int64
	CreatedAt          time.Time
	Version            int64
	Content            string
	Status             TaskStatus
	Priority           TaskPriority
	Phase              string
	ParentID           *int64
	Dependencies       []int64
	EstimatedEffortMin int
	ActualEffortMin    *int
	Deadline           *time.Time
}

// Entity is a knowledge graph node (C8).
type Entity struct {
	ID         int64
	ProjectID  int64
	CreatedAt  time.Time
	Version    int64
	Name       string
	Kind       string
	Properties map[string]string
}

// Relation is a knowledge graph edge (C8).
type Relation struct {
	ID        int64
	ProjectID int64
	CreatedAt time.Time
	Version   int64
	From      int64
	To        int64
	Kind      string
	Weight    float64
	Evidence  []int64
}

// QualityRecord is one (project, layer) meta-layer sample (C9).
type QualityRecord struct {
	ProjectID   int64
	Layer       string
	SampledAt   time.Time
	Density     float64
	Coverage    float64
	Coherence   float64
	RecallProxy float64
	Saturation  float64
}

// ExecutionMetric is procedural learning input, emitted on task completion
// (C7 → C6/C9).
type ExecutionMetric struct {
	TaskID         int64
	ProjectID      int64
	DurationMs     int64
	Outcome        Outcome
	PhaseBreakdown map[string]int64
	Properties     map[string]string
	RecordedAt     time.Time
}
