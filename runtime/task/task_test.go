package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeRunStore struct {
	runs map[string]Run
}

func newFakeRunStore() *fakeRunStore { return &fakeRunStore{runs: map[string]Run{}} }

func (s *fakeRunStore) Upsert(ctx context.Context, run Run) error {
	s.runs[run.RunID] = run
	return nil
}

func (s *fakeRunStore) Load(ctx context.Context, runID string) (Run, error) {
	return s.runs[runID], nil
}

func (s *fakeRunStore) List(ctx context.Context, scope Scope, page Pagination) (RunPage, error) {
	var out []Run
	for _, r := range s.runs {
		if r.SpaceID == scope.SpaceID {
			out = append(out, r)
		}
	}
	return RunPage{Runs: out, Total: len(out)}, nil
}

func (s *fakeRunStore) SetCollectionRef(ctx context.Context, runID, collectionRef string) error {
	r := s.runs[runID]
	r.CollectionRef = collectionRef
	s.runs[runID] = r
	return nil
}

type fakeTaskStore struct {
	tasks map[string]Task
}

func newFakeTaskStore() *fakeTaskStore { return &fakeTaskStore{tasks: map[string]Task{}} }

func (s *fakeTaskStore) Upsert(ctx context.Context, t Task) error {
	s.tasks[t.TaskID] = t
	return nil
}

func (s *fakeTaskStore) Load(ctx context.Context, taskID string) (Task, error) {
	return s.tasks[taskID], nil
}

func (s *fakeTaskStore) UpdateStatus(ctx context.Context, taskID string, to Status, output json.RawMessage) (Task, error) {
	t := s.tasks[taskID]
	t.Status = to
	if output != nil {
		t.Output = output
	}
	s.tasks[taskID] = t
	return t, nil
}

func (s *fakeTaskStore) ListByRun(ctx context.Context, runID string, page Pagination) (TaskPage, error) {
	var out []Task
	for _, t := range s.tasks {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	return TaskPage{Tasks: out, Total: len(out)}, nil
}

func (s *fakeTaskStore) List(ctx context.Context, scope Scope, filter Filter, page Pagination) (TaskPage, error) {
	var out []Task
	for _, t := range s.tasks {
		if t.SpaceID == scope.SpaceID {
			out = append(out, t)
		}
	}
	return TaskPage{Tasks: out, Total: len(out)}, nil
}

func (s *fakeTaskStore) ClaimScheduled(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	return nil, nil
}

func (s *fakeTaskStore) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]Task, error) {
	return nil, nil
}

func (s *fakeTaskStore) ClaimPending(ctx context.Context, tier string, limit int) ([]Task, error) {
	var claimed []Task
	for id, t := range s.tasks {
		if len(claimed) >= limit {
			break
		}
		if t.Tier == tier && t.Status == StatusPending {
			t.Status = StatusInProgress
			s.tasks[id] = t
			claimed = append(claimed, t)
		}
	}
	return claimed, nil
}

func (s *fakeTaskStore) SetContactRef(ctx context.Context, taskID, refID, collectionRef string) error {
	t := s.tasks[taskID]
	t.RefID = refID
	t.CollectionRef = collectionRef
	s.tasks[taskID] = t
	return nil
}

type fakeLogStore struct {
	entries []*ExecutionLog
}

func (s *fakeLogStore) Append(ctx context.Context, e *ExecutionLog) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeLogStore) List(ctx context.Context, taskID string, cursor string, limit int) (ExecutionLogPage, error) {
	return ExecutionLogPage{}, nil
}

func newManager() (*Manager, *fakeRunStore, *fakeTaskStore) {
	runs := newFakeRunStore()
	tasks := newFakeTaskStore()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &Manager{
		Runs:  runs,
		Tasks: tasks,
		Logs:  &fakeLogStore{},
		Now:   func() time.Time { return fixed },
	}
	return m, runs, tasks
}

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestCanTransition_MatchesStateGraph(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusHold, true},
		{StatusPending, StatusScheduled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusScheduled, StatusInProgress, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusHold, true},
		{StatusInProgress, StatusPending, false},
		{StatusHold, StatusInProgress, true},
		{StatusHold, StatusFailed, true},
		{StatusHold, StatusCompleted, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusInProgress, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusInProgress, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestUpdateTask_RejectsInvalidTransition(t *testing.T) {
	m, _, tasks := newManager()
	tasks.tasks["t1"] = Task{TaskID: "t1", Status: StatusPending}

	if _, err := m.UpdateTask(context.Background(), "t1", StatusCompleted, nil); err == nil {
		t.Fatal("expected invalid transition error")
	}

	updated, err := m.UpdateTask(context.Background(), "t1", StatusInProgress, nil)
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", updated.Status)
	}
}

func TestUpdateTask_UnknownTaskReturnsNotFound(t *testing.T) {
	m, _, _ := newManager()
	if _, err := m.UpdateTask(context.Background(), "missing", StatusInProgress, nil); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateRun_RejectsMissingTasksAndFilters(t *testing.T) {
	m, _, _ := newManager()
	_, err := m.CreateRun(context.Background(), CreateRunRequest{SpaceID: "sp1"}, seqIDs("R"))
	if err != ErrMissingTasksOrFilters {
		t.Fatalf("err = %v, want ErrMissingTasksOrFilters", err)
	}
}

func TestCreateRun_RejectsPastSchedule(t *testing.T) {
	m, _, _ := newManager()
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	req := CreateRunRequest{
		SpaceID:  "sp1",
		Tasks:    []TaskInput{{Input: json.RawMessage(`{}`)}},
		Schedule: &past,
	}
	if _, err := m.CreateRun(context.Background(), req, seqIDs("R")); err != ErrPastSchedule {
		t.Fatalf("err = %v, want ErrPastSchedule", err)
	}
}

func TestCreateRun_BuildsRunAndTasks(t *testing.T) {
	m, runs, tasks := newManager()
	req := CreateRunRequest{
		SpaceID: "sp1",
		Tasks: []TaskInput{
			{Input: json.RawMessage(`{"a":1}`)},
			{Input: json.RawMessage(`{"b":2}`)},
		},
	}
	result, err := m.CreateRun(context.Background(), req, seqIDs("R"))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if len(result.TaskIDs) != 2 {
		t.Fatalf("task ids = %v, want 2 entries", result.TaskIDs)
	}
	if _, ok := runs.runs[result.RunID]; !ok {
		t.Fatal("run was not persisted")
	}
	for _, id := range result.TaskIDs {
		task, ok := tasks.tasks[id]
		if !ok {
			t.Fatalf("task %s was not persisted", id)
		}
		if task.Status != StatusPending {
			t.Fatalf("task %s status = %s, want pending", id, task.Status)
		}
		if task.Tier != DefaultTier {
			t.Fatalf("task %s tier = %s, want %s", id, task.Tier, DefaultTier)
		}
	}
}

func TestGetRuns_EmptyScopeYieldsEmptyResult(t *testing.T) {
	m, runs, _ := newManager()
	runs.runs["r1"] = Run{RunID: "r1", SpaceID: "sp1"}

	page, err := m.GetRuns(context.Background(), Scope{}, Pagination{})
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	if len(page.Runs) != 0 {
		t.Fatalf("expected empty page for empty scope, got %d runs", len(page.Runs))
	}

	page, err = m.GetRuns(context.Background(), Scope{SpaceID: "sp1"}, Pagination{})
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	if len(page.Runs) != 1 {
		t.Fatalf("expected 1 run for scoped query, got %d", len(page.Runs))
	}
}
