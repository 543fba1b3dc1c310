// Package task implements the Task Model & Execution Log: Run/Task entities
// with a fixed state graph, an append-only execution log keyed by task id,
// and scoped paginated queries. It is the durable core the Task Consumer
// Pool and Post-Call Flow build on.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is a Task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusHold       Status = "hold"
)

// transitions is the fixed state graph: pending -> {in_progress, hold,
// scheduled}, scheduled -> in_progress, in_progress -> {completed, failed,
// hold}, hold -> {in_progress, failed}, failed -> pending (retry).
// completed is terminal and has no outgoing edges.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusHold:       true,
		StatusScheduled:  true,
	},
	StatusScheduled: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusHold:      true,
	},
	StatusHold: {
		StatusInProgress: true,
		StatusFailed:     true,
	},
	StatusFailed: {
		StatusPending: true,
	},
}

// CanTransition reports whether to is a valid next status from from.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ErrInvalidTransition is returned by UpdateTask when the requested status
// is not an edge of the state graph from the task's current status.
var ErrInvalidTransition = errors.New("task: invalid status transition")

// ErrNotFound indicates no run or task exists for the given identifier.
var ErrNotFound = errors.New("task: not found")

// ErrMissingTasksOrFilters is returned by CreateRun when a run request
// supplies neither explicit tasks nor a filter set to derive them from.
var ErrMissingTasksOrFilters = errors.New("task: run requires tasks or filters")

// ErrPastSchedule is returned by CreateRun when a manual schedule names a
// time already in the past.
var ErrPastSchedule = errors.New("task: scheduled time is in the past")

// Scope restricts queries to one space, optionally narrowed to a user
// and/or thread. For an empty Scope (SpaceID == "") the Manager's query
// methods return an empty result without calling a Store, so it never
// becomes a full scan; Store implementations themselves do not check it.
type Scope struct {
	SpaceID  string
	UserID   string
	ThreadID string
}

// Empty reports whether the scope names no space, the case the Manager's
// query methods answer with an empty result.
func (s Scope) Empty() bool { return s.SpaceID == "" }

// Filter narrows a task listing beyond Scope.
type Filter struct {
	DateFrom *time.Time
	DateTo   *time.Time
	Status   Status
	CallType string
	FreeText string
}

// Pagination is a page/page_size request.
type Pagination struct {
	Page     int
	PageSize int
}

func (p Pagination) normalized() Pagination {
	out := p
	if out.Page < 1 {
		out.Page = 1
	}
	if out.PageSize < 1 {
		out.PageSize = 20
	}
	return out
}

// Run is a batch containing one or more Tasks.
type Run struct {
	RunID         string
	SpaceID       string
	UserID        string
	ThreadID      string
	OrgID         string
	Assignee      string
	RunMode       string
	CollectionRef string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Metadata      map[string]any
}

// Task is one unit of work belonging to a Run. Tier is copied from the
// owning Run's RunMode at creation time (defaulting to "normal") so the
// Task Consumer Pool can claim work by tier without joining against Run.
type Task struct {
	TaskID          string
	RunID           string
	SpaceID         string
	UserID          string
	ThreadID        string
	Assignee        string
	ExecutionType   string
	Tier            string
	Status          Status
	Input           json.RawMessage
	ExtraInput      json.RawMessage
	Output          json.RawMessage
	RefID           string
	CollectionRef   string
	ScheduledAt     *time.Time
	FollowUpCount   int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DefaultTier is the Tier assigned to a Task whose Run carries no RunMode.
const DefaultTier = "normal"

// ExecutionLog is an append-only audit entry keyed by task id. Nothing in
// the runtime reads it back to make decisions: the Post-Call Flow's
// idempotency comes from its lock, and the reconciler selects stuck tasks
// by status and updated_at.
type ExecutionLog struct {
	TaskID    string
	RunID     string
	Step      string
	Status    string
	Input     json.RawMessage
	Output    json.RawMessage
	Timestamp time.Time
}

// CallLog is the derived terminal record for a completed call, kept
// separate from Task so retention policy can differ.
type CallLog struct {
	CallID         string
	TaskID         string
	Transcript     json.RawMessage
	RecordingURL   string
	Duration       time.Duration
	Cost           float64
	Classification string
	Summary        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// RunPage and TaskPage are cursor-free, page-number paginated result sets
// matching the HTTP surface's page/page_size contract.
type RunPage struct {
	Runs  []Run
	Total int
}

type TaskPage struct {
	Tasks []Task
	Total int
}

// ExecutionLogPage is a cursor-paginated window over one task's execution
// log, mirroring the teacher's runlog.Page shape.
type ExecutionLogPage struct {
	Entries    []ExecutionLog
	NextCursor string
}

// RunStore persists Run metadata.
type RunStore interface {
	Upsert(ctx context.Context, run Run) error
	Load(ctx context.Context, runID string) (Run, error)
	List(ctx context.Context, scope Scope, page Pagination) (RunPage, error)

	// SetCollectionRef records the contact collection a run's tasks resolve
	// against, mirroring the matching update the Post-Call Flow makes on
	// the originating Task.
	SetCollectionRef(ctx context.Context, runID, collectionRef string) error
}

// TaskStore persists Task metadata. UpdateStatus is the only mutation path
// for status/output; callers must not bypass it with a raw Upsert once a
// task has left StatusPending.
type TaskStore interface {
	Upsert(ctx context.Context, task Task) error
	Load(ctx context.Context, taskID string) (Task, error)
	UpdateStatus(ctx context.Context, taskID string, to Status, output json.RawMessage) (Task, error)
	ListByRun(ctx context.Context, runID string, page Pagination) (TaskPage, error)
	List(ctx context.Context, scope Scope, filter Filter, page Pagination) (TaskPage, error)

	// ClaimScheduled returns scheduled tasks whose ScheduledAt has elapsed
	// and flips them to pending, handing them to the Task Consumer Pool's
	// queue. Tasks with a future ScheduledAt are left untouched.
	ClaimScheduled(ctx context.Context, now time.Time, limit int) ([]Task, error)

	// ListStuck returns in_progress tasks last updated before olderThan,
	// for the Task Consumer Pool's reconciler to detect tasks claimed but
	// never completed within the crash-safety window.
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]Task, error)

	// ClaimPending atomically flips up to limit pending tasks of the given
	// tier to in_progress and returns the claimed tasks. Used by the Task
	// Consumer Pool's poll loop; each returned task is guaranteed claimed by
	// exactly one caller even under concurrent pollers.
	ClaimPending(ctx context.Context, tier string, limit int) ([]Task, error)

	// SetContactRef records the resolved contact document a task's ref_id
	// and collection_ref now point to. Called once by the Post-Call Flow
	// when a task with no ref_id resolves or creates a contact document.
	SetContactRef(ctx context.Context, taskID, refID, collectionRef string) error
}

// ExecutionLogStore persists the append-only execution log.
type ExecutionLogStore interface {
	Append(ctx context.Context, entry *ExecutionLog) error
	List(ctx context.Context, taskID string, cursor string, limit int) (ExecutionLogPage, error)
}

// CallLogStore persists terminal CallLog records.
type CallLogStore interface {
	Insert(ctx context.Context, log CallLog) error
}

// Manager is the Task Model & Execution Log service: it owns transition
// enforcement and scoped-query fan-out over its stores.
type Manager struct {
	Runs  RunStore
	Tasks TaskStore
	Logs  ExecutionLogStore
	Calls CallLogStore

	// Now returns the current time; overridable in tests. Defaults to
	// time.Now when nil.
	Now func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// TaskInput is one task entry in a CreateRun request.
type TaskInput struct {
	Input         json.RawMessage
	ExtraInput    json.RawMessage
	ExecutionType string
	ScheduledAt   *time.Time
}

// CreateRunRequest mirrors the POST /tasks/create_run/ body of spec.md §6.
type CreateRunRequest struct {
	Context       json.RawMessage
	ExecutionType string
	ExtraInput    json.RawMessage
	Schedule      *time.Time
	Filters       map[string]any
	SpaceToken    string

	Tasks         []TaskInput
	RunMode       string
	Assignee      string
	CollectionRef string
	ThreadID      string
	OrgID         string
	User          string
	SpaceID       string
}

// CreateRunResult is the create_run response body.
type CreateRunResult struct {
	RunID   string
	TaskIDs []string
	Status  map[string]Status
}

// CreateRun validates and persists a new Run plus its Tasks. It rejects a
// request carrying neither explicit tasks nor a filter set to derive them
// from, and rejects a manual schedule already in the past.
func (m *Manager) CreateRun(ctx context.Context, req CreateRunRequest, newID func() string) (CreateRunResult, error) {
	if len(req.Tasks) == 0 && len(req.Filters) == 0 {
		return CreateRunResult{}, ErrMissingTasksOrFilters
	}
	now := m.now()
	if req.Schedule != nil && req.Schedule.Before(now) {
		return CreateRunResult{}, ErrPastSchedule
	}

	tier := req.RunMode
	if tier == "" {
		tier = DefaultTier
	}

	runID := newID()
	run := Run{
		RunID:         runID,
		SpaceID:       req.SpaceID,
		UserID:        req.User,
		ThreadID:      req.ThreadID,
		OrgID:         req.OrgID,
		Assignee:      req.Assignee,
		RunMode:       req.RunMode,
		CollectionRef: req.CollectionRef,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.Runs.Upsert(ctx, run); err != nil {
		return CreateRunResult{}, fmt.Errorf("task: create run: %w", err)
	}

	taskIDs := make([]string, 0, len(req.Tasks))
	statuses := make(map[string]Status, len(req.Tasks))
	for _, ti := range req.Tasks {
		taskID := newID()
		scheduledAt := ti.ScheduledAt
		if scheduledAt == nil {
			scheduledAt = req.Schedule
		}
		if scheduledAt != nil && scheduledAt.Before(now) {
			return CreateRunResult{}, ErrPastSchedule
		}
		status := StatusPending
		if scheduledAt != nil {
			status = StatusScheduled
		}
		extraInput := ti.ExtraInput
		if extraInput == nil {
			extraInput = req.ExtraInput
		}
		executionType := ti.ExecutionType
		if executionType == "" {
			executionType = req.ExecutionType
		}
		t := Task{
			TaskID:        taskID,
			RunID:         runID,
			SpaceID:       req.SpaceID,
			UserID:        req.User,
			ThreadID:      req.ThreadID,
			Assignee:      req.Assignee,
			ExecutionType: executionType,
			Tier:          tier,
			Status:        status,
			Input:         ti.Input,
			ExtraInput:    extraInput,
			CollectionRef: req.CollectionRef,
			ScheduledAt:   scheduledAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.Tasks.Upsert(ctx, t); err != nil {
			return CreateRunResult{}, fmt.Errorf("task: create task: %w", err)
		}
		taskIDs = append(taskIDs, taskID)
		statuses[taskID] = status
	}

	return CreateRunResult{RunID: runID, TaskIDs: taskIDs, Status: statuses}, nil
}

// AddTask appends a single task to an existing run. Returns the new task's
// id.
func (m *Manager) AddTask(ctx context.Context, runID string, input json.RawMessage, newID func() string) (string, error) {
	now := m.now()
	taskID := newID()
	t := Task{
		TaskID:    taskID,
		RunID:     runID,
		Tier:      DefaultTier,
		Status:    StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Tasks.Upsert(ctx, t); err != nil {
		return "", err
	}
	return taskID, nil
}

// UpdateTask is the only mutation path for a task's status/output. It
// rejects any status not reachable from the task's current status in the
// state graph.
func (m *Manager) UpdateTask(ctx context.Context, taskID string, to Status, output json.RawMessage) (Task, error) {
	current, err := m.Tasks.Load(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if current.TaskID == "" {
		return Task{}, ErrNotFound
	}
	if !CanTransition(current.Status, to) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	return m.Tasks.UpdateStatus(ctx, taskID, to, output)
}

// ForceRequeue returns a task stuck in in_progress back to pending,
// bypassing the ordinary state graph (in_progress has no edge back to
// pending). This is the crash-recovery exception spec.md §4.10 carves out
// for the reconciler: worker counters are advisory, so a task claimed but
// never completed within the crash-safety window must be requeued even
// though no user-facing transition allows it.
func (m *Manager) ForceRequeue(ctx context.Context, taskID string) (Task, error) {
	return m.Tasks.UpdateStatus(ctx, taskID, StatusPending, nil)
}

// SetContactRef records a resolved contact document against a task and its
// owning run. It is the only path that mutates ref_id/collection_ref; it
// does not touch status, so it is safe to call alongside UpdateTask.
func (m *Manager) SetContactRef(ctx context.Context, taskID, runID, refID, collectionRef string) error {
	if err := m.Tasks.SetContactRef(ctx, taskID, refID, collectionRef); err != nil {
		return fmt.Errorf("task: set contact ref: %w", err)
	}
	if err := m.Runs.SetCollectionRef(ctx, runID, collectionRef); err != nil {
		return fmt.Errorf("task: set run collection ref: %w", err)
	}
	return nil
}

// GetRuns lists runs within scope. An empty scope returns an empty page
// without querying the store.
func (m *Manager) GetRuns(ctx context.Context, scope Scope, page Pagination) (RunPage, error) {
	if scope.Empty() {
		return RunPage{}, nil
	}
	return m.Runs.List(ctx, scope, page.normalized())
}

// GetTasks lists tasks within scope and filter. An empty scope returns an
// empty page without querying the store.
func (m *Manager) GetTasks(ctx context.Context, scope Scope, filter Filter, page Pagination) (TaskPage, error) {
	if scope.Empty() {
		return TaskPage{}, nil
	}
	return m.Tasks.List(ctx, scope, filter, page.normalized())
}

// GetRunTasks lists every task belonging to one run.
func (m *Manager) GetRunTasks(ctx context.Context, runID string, page Pagination) (TaskPage, error) {
	if runID == "" {
		return TaskPage{}, nil
	}
	return m.Tasks.ListByRun(ctx, runID, page.normalized())
}

// AppendLog records one execution-log entry for a task.
func (m *Manager) AppendLog(ctx context.Context, taskID, runID, step, status string, input, output json.RawMessage) error {
	entry := &ExecutionLog{
		TaskID:    taskID,
		RunID:     runID,
		Step:      step,
		Status:    status,
		Input:     input,
		Output:    output,
		Timestamp: m.now(),
	}
	return m.Logs.Append(ctx, entry)
}
