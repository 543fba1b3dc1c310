package postcall

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/unpod/corertc/runtime/task"
)

type fakeLock struct {
	mu     sync.Mutex
	held   map[string]bool
}

func newFakeLock() *fakeLock { return &fakeLock{held: map[string]bool{}} }

func (l *fakeLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]task.Task
}

func newFakeTaskStore() *fakeTaskStore { return &fakeTaskStore{tasks: map[string]task.Task{}} }

func (s *fakeTaskStore) Upsert(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.TaskID] = t
	return nil
}

func (s *fakeTaskStore) Load(ctx context.Context, taskID string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID], nil
}

func (s *fakeTaskStore) UpdateStatus(ctx context.Context, taskID string, to task.Status, output json.RawMessage) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.Status = to
	if output != nil {
		t.Output = output
	}
	s.tasks[taskID] = t
	return t, nil
}

func (s *fakeTaskStore) ListByRun(ctx context.Context, runID string, page task.Pagination) (task.TaskPage, error) {
	return task.TaskPage{}, nil
}

func (s *fakeTaskStore) List(ctx context.Context, scope task.Scope, filter task.Filter, page task.Pagination) (task.TaskPage, error) {
	return task.TaskPage{}, nil
}

func (s *fakeTaskStore) ClaimScheduled(ctx context.Context, now time.Time, limit int) ([]task.Task, error) {
	return nil, nil
}

func (s *fakeTaskStore) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]task.Task, error) {
	return nil, nil
}

func (s *fakeTaskStore) ClaimPending(ctx context.Context, tier string, limit int) ([]task.Task, error) {
	return nil, nil
}

func (s *fakeTaskStore) SetContactRef(ctx context.Context, taskID, refID, collectionRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.RefID = refID
	t.CollectionRef = collectionRef
	s.tasks[taskID] = t
	return nil
}

type fakeRunStore struct {
	mu   sync.Mutex
	refs map[string]string
}

func (s *fakeRunStore) Upsert(ctx context.Context, run task.Run) error { return nil }
func (s *fakeRunStore) Load(ctx context.Context, runID string) (task.Run, error) {
	return task.Run{}, nil
}
func (s *fakeRunStore) List(ctx context.Context, scope task.Scope, page task.Pagination) (task.RunPage, error) {
	return task.RunPage{}, nil
}
func (s *fakeRunStore) SetCollectionRef(ctx context.Context, runID, collectionRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == nil {
		s.refs = map[string]string{}
	}
	s.refs[runID] = collectionRef
	return nil
}

type fakeLogStore struct {
	mu      sync.Mutex
	entries []*task.ExecutionLog
}

func (s *fakeLogStore) Append(ctx context.Context, e *task.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeLogStore) List(ctx context.Context, taskID string, cursor string, limit int) (task.ExecutionLogPage, error) {
	return task.ExecutionLogPage{}, nil
}

type fakeCallLogStore struct {
	mu   sync.Mutex
	logs []task.CallLog
}

func (s *fakeCallLogStore) Insert(ctx context.Context, log task.CallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

type fakeContactResolver struct {
	refID string
}

func (r *fakeContactResolver) ResolveOrCreate(ctx context.Context, contactNumber, name, spaceToken string) (string, error) {
	return r.refID, nil
}

func newTestFlow(tasks *fakeTaskStore, runs *fakeRunStore, logs *fakeLogStore, calls *fakeCallLogStore) *Flow {
	mgr := &task.Manager{Runs: runs, Tasks: tasks, Logs: logs, Calls: calls}
	f := New(mgr, Config{})
	f.Lock = newFakeLock()
	return f
}

func TestRun_SkipsWhenLockAlreadyHeld(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = task.Task{TaskID: "t1", RunID: "r1", Status: task.StatusInProgress}
	f := newTestFlow(tasks, &fakeRunStore{}, &fakeLogStore{}, &fakeCallLogStore{})

	lock := f.Lock.(*fakeLock)
	lock.held[lockKey("t1")] = true

	if err := f.Run(context.Background(), Job{TaskID: "t1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := tasks.tasks["t1"].Status; got != task.StatusInProgress {
		t.Fatalf("status = %s, want unchanged in_progress (lock should have skipped the flow)", got)
	}
}

func TestRun_BuildsOutputAndCompletesTask(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = task.Task{TaskID: "t1", RunID: "r1", Status: task.StatusInProgress, RefID: "existing-ref"}
	logs := &fakeLogStore{}
	calls := &fakeCallLogStore{}
	f := newTestFlow(tasks, &fakeRunStore{}, logs, calls)

	cr := CallResult{
		CallID:        "call-1",
		ContactNumber: "0919191919",
		Data:          map[string]any{"cost": 2.0},
	}
	if err := f.Run(context.Background(), Job{TaskID: "t1", CallResult: cr}); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := tasks.tasks["t1"]
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	var out OutputRecord
	if err := json.Unmarshal(got.Output, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.ContactNumber != "919191919" {
		t.Fatalf("contact number = %q, want leading zero stripped", out.ContactNumber)
	}
	if out.Cost != 2.0*costMarkup {
		t.Fatalf("cost = %v, want %v", out.Cost, 2.0*costMarkup)
	}
	if len(calls.logs) != 1 {
		t.Fatalf("expected one call log persisted, got %d", len(calls.logs))
	}
	if len(logs.entries) != 1 || logs.entries[0].Step != "task_update" {
		t.Fatalf("expected one task_update log entry, got %v", logs.entries)
	}
}

func TestRun_PreservesFullRecordOnFailedCall(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = task.Task{TaskID: "t1", RunID: "r1", Status: task.StatusInProgress, RefID: "ref"}
	f := newTestFlow(tasks, &fakeRunStore{}, &fakeLogStore{}, &fakeCallLogStore{})

	cr := CallResult{
		CallID:   "call-1",
		Customer: "Jane",
		Status:   "failed",
		Error:    "no answer",
	}
	if err := f.Run(context.Background(), Job{TaskID: "t1", CallResult: cr}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var out OutputRecord
	if err := json.Unmarshal(tasks.tasks["t1"].Output, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.CallID != "call-1" || out.Customer != "Jane" {
		t.Fatalf("expected call_id/customer preserved on a failed call, got %+v", out)
	}
	if out.Error != "no answer" {
		t.Fatalf("error = %q, want no answer", out.Error)
	}
}

func TestRun_ResolvesContactOnlyWhenRefIDMissing(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = task.Task{TaskID: "t1", RunID: "r1", Status: task.StatusInProgress}
	runs := &fakeRunStore{}
	f := newTestFlow(tasks, runs, &fakeLogStore{}, &fakeCallLogStore{})
	f.Contacts = &fakeContactResolver{refID: "new-ref"}

	if err := f.Run(context.Background(), Job{TaskID: "t1", SpaceToken: "sp1", CallResult: CallResult{ContactNumber: "12345"}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := tasks.tasks["t1"].RefID; got != "new-ref" {
		t.Fatalf("ref id = %q, want new-ref", got)
	}
	if got := tasks.tasks["t1"].CollectionRef; got != "collection_data_sp1" {
		t.Fatalf("collection ref = %q, want collection_data_sp1", got)
	}
	if got := runs.refs["r1"]; got != "collection_data_sp1" {
		t.Fatalf("run collection ref = %q, want collection_data_sp1", got)
	}
}

func TestMaybeScheduleFollowUp_SkipsAtMaxCalls(t *testing.T) {
	tasks := newFakeTaskStore()
	current := task.Task{TaskID: "t1", RunID: "r1", Tier: "bulk", FollowUpCount: 3}
	tasks.tasks["t1"] = current
	f := newTestFlow(tasks, &fakeRunStore{}, &fakeLogStore{}, &fakeCallLogStore{})

	f.maybeScheduleFollowUp(context.Background(), current, Job{TaskID: "t1", MaxCalls: 4}, map[string]any{"requires_followup": true})

	if len(tasks.tasks) != 1 {
		t.Fatalf("expected no follow-up task scheduled, tasks = %v", tasks.tasks)
	}
}

func TestMaybeScheduleFollowUp_SchedulesWithInheritedTier(t *testing.T) {
	tasks := newFakeTaskStore()
	current := task.Task{TaskID: "t1", RunID: "r1", Tier: "bulk", FollowUpCount: 0}
	tasks.tasks["t1"] = current
	f := newTestFlow(tasks, &fakeRunStore{}, &fakeLogStore{}, &fakeCallLogStore{})
	f.newID = func() string { return "t2" }

	f.maybeScheduleFollowUp(context.Background(), current, Job{TaskID: "t1", MaxCalls: 4}, map[string]any{"requires_followup": true})

	followUp, ok := tasks.tasks["t2"]
	if !ok {
		t.Fatal("expected follow-up task t2 to be created")
	}
	if followUp.Tier != "bulk" {
		t.Fatalf("follow-up tier = %s, want bulk (inherited)", followUp.Tier)
	}
	if followUp.Status != task.StatusScheduled {
		t.Fatalf("follow-up status = %s, want scheduled", followUp.Status)
	}
	if followUp.FollowUpCount != 1 {
		t.Fatalf("follow-up count = %d, want 1", followUp.FollowUpCount)
	}
}

func TestStripLeadingZero(t *testing.T) {
	cases := map[string]string{
		"0919191919": "919191919",
		"919191919":  "919191919",
		"":           "",
	}
	for in, want := range cases {
		if got := stripLeadingZero(in); got != want {
			t.Errorf("stripLeadingZero(%q) = %q, want %q", in, got, want)
		}
	}
}
