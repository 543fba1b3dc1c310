package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/unpod/corertc/runtime/task"
)

// fakeCounters is an in-memory Counters used so tests don't need a live
// Redis instance to exercise the pool's claim/dispatch/release bookkeeping.
type fakeCounters struct {
	mu       sync.Mutex
	values   map[string]int64
	latency  map[string][]int64
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{values: map[string]int64{}, latency: map[string][]int64{}}
}

func (c *fakeCounters) Increment(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key]++
	return c.values[key], nil
}

func (c *fakeCounters) Decrement(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key]--
	if c.values[key] < 0 {
		c.values[key] = 0
	}
	return nil
}

func (c *fakeCounters) Get(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *fakeCounters) set(key string, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

func (c *fakeCounters) RecordLatency(ctx context.Context, tier string, ms int64, bound int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency[tier] = append([]int64{ms}, c.latency[tier]...)
	if len(c.latency[tier]) > bound {
		c.latency[tier] = c.latency[tier][:bound]
	}
	return nil
}

func (c *fakeCounters) LatencyStats(ctx context.Context, tier string) (float64, float64, error) {
	return 0, 0, nil
}

// fakeTaskStore implements task.TaskStore with an in-memory map.
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
	s.mu.Lock()
	defer s.mu.Unlock()
	var stuck []task.Task
	for _, t := range s.tasks {
		if len(stuck) >= limit {
			break
		}
		if t.Status == task.StatusInProgress && t.UpdatedAt.Before(olderThan) {
			stuck = append(stuck, t)
		}
	}
	return stuck, nil
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

func (s *fakeTaskStore) ClaimPending(ctx context.Context, tier string, limit int) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []task.Task
	for id, t := range s.tasks {
		if len(claimed) >= limit {
			break
		}
		if t.Tier == tier && t.Status == task.StatusPending {
			t.Status = task.StatusInProgress
			s.tasks[id] = t
			claimed = append(claimed, t)
		}
	}
	return claimed, nil
}

type fakeRunStore struct{}

func (fakeRunStore) Upsert(ctx context.Context, run task.Run) error { return nil }
func (fakeRunStore) Load(ctx context.Context, runID string) (task.Run, error) {
	return task.Run{}, nil
}
func (fakeRunStore) List(ctx context.Context, scope task.Scope, page task.Pagination) (task.RunPage, error) {
	return task.RunPage{}, nil
}
func (fakeRunStore) SetCollectionRef(ctx context.Context, runID, collectionRef string) error {
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

func newTestManager(tasks *fakeTaskStore, logs *fakeLogStore) *task.Manager {
	return &task.Manager{
		Runs:  fakeRunStore{},
		Tasks: tasks,
		Logs:  logs,
	}
}

func TestExtractProvider_PrefersInputOverExtraInputOverDefault(t *testing.T) {
	t1 := task.Task{Input: json.RawMessage(`{"provider":"openai:gpt-4o"}`)}
	if got := ExtractProvider(t1); got != "openai:gpt-4o" {
		t.Fatalf("provider = %q, want openai:gpt-4o", got)
	}

	t2 := task.Task{ExtraInput: json.RawMessage(`{"provider":"anthropic:claude"}`)}
	if got := ExtractProvider(t2); got != "anthropic:claude" {
		t.Fatalf("provider = %q, want anthropic:claude", got)
	}

	t3 := task.Task{}
	if got := ExtractProvider(t3); got != "unknown" {
		t.Fatalf("provider = %q, want unknown", got)
	}
}

func TestConfig_Normalized_DefaultsTierCapsTo70And40Percent(t *testing.T) {
	cfg := Config{TotalWorkers: 100}.normalized()
	if cap := cfg.tierCap(TierNormal); cap != 70 {
		t.Fatalf("normal cap = %d, want 70", cap)
	}
	if cap := cfg.tierCap(TierBulk); cap != 40 {
		t.Fatalf("bulk cap = %d, want 40", cap)
	}
}

func TestPollOnce_SkipsClaimWhenTierAtCap(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = task.Task{TaskID: "t1", Tier: string(TierNormal), Status: task.StatusPending}
	mgr := newTestManager(tasks, &fakeLogStore{})

	counters := newFakeCounters()
	counters.set(tierTotalKey(TierNormal), 1)

	p := New(mgr, counters, func(ctx context.Context, tk task.Task) (json.RawMessage, error) {
		t.Fatalf("handler should not run when tier is at cap")
		return nil, nil
	}, Config{TotalWorkers: 1, NormalCapFraction: 1})

	if claimed := p.pollOnce(context.Background(), TierNormal); claimed {
		t.Fatal("expected pollOnce to report no claim while at tier cap")
	}
	if tasks.tasks["t1"].Status != task.StatusPending {
		t.Fatalf("task status = %s, want pending (untouched)", tasks.tasks["t1"].Status)
	}
}

func TestPollOnce_ClaimsAndDispatchesPendingTask(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = task.Task{TaskID: "t1", RunID: "r1", Tier: string(TierNormal), Status: task.StatusPending, Input: json.RawMessage(`{}`)}
	logs := &fakeLogStore{}
	mgr := newTestManager(tasks, logs)

	counters := newFakeCounters()
	done := make(chan struct{})
	p := New(mgr, counters, func(ctx context.Context, t task.Task) (json.RawMessage, error) {
		defer close(done)
		return json.RawMessage(`{"ok":true}`), nil
	}, Config{TotalWorkers: 10})

	if claimed := p.pollOnce(context.Background(), TierNormal); !claimed {
		t.Fatal("expected pollOnce to claim the pending task")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tasks.tasks["t1"].Status == task.StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tasks.tasks["t1"].Status; got != task.StatusCompleted {
		t.Fatalf("task status = %s, want completed", got)
	}
	if total, _ := counters.Get(context.Background(), tierTotalKey(TierNormal)); total != 0 {
		t.Fatalf("tier counter = %d, want 0 after release", total)
	}
}

func TestHandleClaim_RequeuesTaskOverProviderCap(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = task.Task{TaskID: "t1", Tier: string(TierNormal), Status: task.StatusInProgress, Input: json.RawMessage(`{"provider":"openai:gpt-4o"}`)}
	mgr := newTestManager(tasks, &fakeLogStore{})

	counters := newFakeCounters()
	counters.set(tierProviderKey(TierNormal, "openai:gpt-4o"), 100)

	p := New(mgr, counters, func(ctx context.Context, tk task.Task) (json.RawMessage, error) {
		t.Fatalf("handler should not run for a task over its provider cap")
		return nil, nil
	}, Config{TotalWorkers: 10, RequeueDelay: time.Millisecond})

	p.handleClaim(context.Background(), TierNormal, tasks.tasks["t1"])

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tasks.tasks["t1"].Status == task.StatusPending {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tasks.tasks["t1"].Status; got != task.StatusPending {
		t.Fatalf("task status = %s, want pending after requeue", got)
	}
}

func TestReconcileStuck_RequeuesAndLogs(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.tasks["t1"] = task.Task{TaskID: "t1", RunID: "r1", Status: task.StatusInProgress}
	logs := &fakeLogStore{}
	mgr := newTestManager(tasks, logs)
	mgr.Now = func() time.Time { return time.Now() }

	p := New(mgr, newFakeCounters(), nil, Config{StuckAfter: -time.Hour})
	p.reconcileStuck(context.Background())

	if got := tasks.tasks["t1"].Status; got != task.StatusPending {
		t.Fatalf("task status = %s, want pending after reconcile", got)
	}
	if len(logs.entries) != 1 || logs.entries[0].Step != "reconcile" {
		t.Fatalf("expected one reconcile log entry, got %v", logs.entries)
	}
}
