// Package mongostore implements the Task Model's persistence layer over
// MongoDB, one collection per entity, following the collection-per-entity
// Options/New pattern used throughout this codebase's Mongo-backed stores.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/unpod/corertc/runtime/task"
)

const (
	defaultRunsCollection         = "task_runs"
	defaultTasksCollection        = "task_tasks"
	defaultExecutionLogCollection = "task_execution_log"
	defaultCallLogCollection      = "task_call_log"
	defaultOpTimeout              = 5 * time.Second
)

// Options configures New.
type Options struct {
	Client   *mongodriver.Client
	Database string

	RunsCollection         string
	TasksCollection        string
	ExecutionLogCollection string
	CallLogCollection      string

	Timeout time.Duration
}

// Stores bundles the Mongo-backed implementations of every Store interface
// runtime/task.Manager depends on.
type Stores struct {
	Runs  *RunStore
	Tasks *TaskStore
	Logs  *ExecutionLogStore
	Calls *CallLogStore
}

// New builds a Stores bundle, creating the indexes each collection needs.
func New(opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)

	runsColl := coalesce(opts.RunsCollection, defaultRunsCollection)
	tasksColl := coalesce(opts.TasksCollection, defaultTasksCollection)
	logsColl := coalesce(opts.ExecutionLogCollection, defaultExecutionLogCollection)
	callsColl := coalesce(opts.CallLogCollection, defaultCallLogCollection)

	runs := &RunStore{coll: db.Collection(runsColl), timeout: timeout}
	tasks := &TaskStore{coll: db.Collection(tasksColl), timeout: timeout}
	logs := &ExecutionLogStore{coll: db.Collection(logsColl), timeout: timeout}
	calls := &CallLogStore{coll: db.Collection(callsColl), timeout: timeout}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, runs, tasks, logs); err != nil {
		return nil, err
	}

	return &Stores{Runs: runs, Tasks: tasks, Logs: logs, Calls: calls}, nil
}

func coalesce(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func ensureIndexes(ctx context.Context, runs *RunStore, tasks *TaskStore, logs *ExecutionLogStore) error {
	if _, err := runs.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongostore: run_id index: %w", err)
	}
	if _, err := runs.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "space_id", Value: 1}},
	}); err != nil {
		return fmt.Errorf("mongostore: run space_id index: %w", err)
	}
	if _, err := tasks.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongostore: task_id index: %w", err)
	}
	if _, err := tasks.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}},
	}); err != nil {
		return fmt.Errorf("mongostore: task run_id index: %w", err)
	}
	if _, err := tasks.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "space_id", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return fmt.Errorf("mongostore: task scope index: %w", err)
	}
	if _, err := tasks.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "tier", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("mongostore: task tier index: %w", err)
	}
	if _, err := logs.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		return fmt.Errorf("mongostore: execution log index: %w", err)
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// ---- RunStore ----

// RunStore implements task.RunStore.
type RunStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type runDocument struct {
	RunID         string         `bson:"run_id"`
	SpaceID       string         `bson:"space_id"`
	UserID        string         `bson:"user_id,omitempty"`
	ThreadID      string         `bson:"thread_id,omitempty"`
	OrgID         string         `bson:"org_id,omitempty"`
	Assignee      string         `bson:"assignee,omitempty"`
	RunMode       string         `bson:"run_mode,omitempty"`
	CollectionRef string         `bson:"collection_ref,omitempty"`
	Status        task.Status    `bson:"status"`
	CreatedAt     time.Time      `bson:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
}

func fromRun(r task.Run) runDocument {
	return runDocument{
		RunID:         r.RunID,
		SpaceID:       r.SpaceID,
		UserID:        r.UserID,
		ThreadID:      r.ThreadID,
		OrgID:         r.OrgID,
		Assignee:      r.Assignee,
		RunMode:       r.RunMode,
		CollectionRef: r.CollectionRef,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		Metadata:      r.Metadata,
	}
}

func (d runDocument) toRun() task.Run {
	return task.Run{
		RunID:         d.RunID,
		SpaceID:       d.SpaceID,
		UserID:        d.UserID,
		ThreadID:      d.ThreadID,
		OrgID:         d.OrgID,
		Assignee:      d.Assignee,
		RunMode:       d.RunMode,
		CollectionRef: d.CollectionRef,
		Status:        d.Status,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		Metadata:      d.Metadata,
	}
}

// Upsert implements task.RunStore.
func (s *RunStore) Upsert(ctx context.Context, r task.Run) error {
	if r.RunID == "" {
		return errors.New("mongostore: run id is required")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"run_id": r.RunID}
	update := bson.M{"$set": fromRun(r)}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Load implements task.RunStore.
func (s *RunStore) Load(ctx context.Context, runID string) (task.Run, error) {
	if runID == "" {
		return task.Run{}, errors.New("mongostore: run id is required")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var doc runDocument
	if err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.Run{}, task.ErrNotFound
		}
		return task.Run{}, err
	}
	return doc.toRun(), nil
}

// List implements task.RunStore. Callers (task.Manager) are responsible for
// refusing an empty scope before reaching here.
func (s *RunStore) List(ctx context.Context, scope task.Scope, page task.Pagination) (task.RunPage, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	filter := scopeFilter(scope)
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return task.RunPage{}, err
	}

	skip := int64(page.Page-1) * int64(page.PageSize)
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(skip).
		SetLimit(int64(page.PageSize)),
	)
	if err != nil {
		return task.RunPage{}, err
	}
	defer cur.Close(ctx)

	var runs []task.Run
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return task.RunPage{}, err
		}
		runs = append(runs, doc.toRun())
	}
	if err := cur.Err(); err != nil {
		return task.RunPage{}, err
	}
	return task.RunPage{Runs: runs, Total: int(total)}, nil
}

// SetCollectionRef implements task.RunStore.
func (s *RunStore) SetCollectionRef(ctx context.Context, runID, collectionRef string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{"$set": bson.M{"collection_ref": collectionRef, "updated_at": time.Now().UTC()}},
	)
	return err
}

func scopeFilter(scope task.Scope) bson.M {
	filter := bson.M{"space_id": scope.SpaceID}
	if scope.UserID != "" {
		filter["user_id"] = scope.UserID
	}
	if scope.ThreadID != "" {
		filter["thread_id"] = scope.ThreadID
	}
	return filter
}

// ---- TaskStore ----

// TaskStore implements task.TaskStore.
type TaskStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type taskDocument struct {
	TaskID        string     `bson:"task_id"`
	RunID         string     `bson:"run_id"`
	SpaceID       string     `bson:"space_id"`
	UserID        string     `bson:"user_id,omitempty"`
	ThreadID      string     `bson:"thread_id,omitempty"`
	Assignee      string     `bson:"assignee,omitempty"`
	ExecutionType string     `bson:"execution_type,omitempty"`
	Tier          string     `bson:"tier"`
	Status        task.Status `bson:"status"`
	Input         []byte     `bson:"input,omitempty"`
	ExtraInput    []byte     `bson:"extra_input,omitempty"`
	Output        []byte     `bson:"output,omitempty"`
	RefID         string     `bson:"ref_id,omitempty"`
	CollectionRef string     `bson:"collection_ref,omitempty"`
	ScheduledAt   *time.Time `bson:"scheduled_at,omitempty"`
	FollowUpCount int        `bson:"follow_up_count"`
	SearchText    string     `bson:"search_text,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func fromTask(t task.Task) taskDocument {
	return taskDocument{
		TaskID:        t.TaskID,
		RunID:         t.RunID,
		SpaceID:       t.SpaceID,
		UserID:        t.UserID,
		ThreadID:      t.ThreadID,
		Assignee:      t.Assignee,
		ExecutionType: t.ExecutionType,
		Tier:          t.Tier,
		Status:        t.Status,
		Input:         t.Input,
		ExtraInput:    t.ExtraInput,
		Output:        t.Output,
		RefID:         t.RefID,
		CollectionRef: t.CollectionRef,
		ScheduledAt:   t.ScheduledAt,
		FollowUpCount: t.FollowUpCount,
		SearchText:    strings.ToLower(t.ExecutionType + " " + string(t.Input)),
		CreatedAt:     t.CreatedAt.UTC(),
		UpdatedAt:     t.UpdatedAt.UTC(),
	}
}

func (d taskDocument) toTask() task.Task {
	return task.Task{
		TaskID:        d.TaskID,
		RunID:         d.RunID,
		SpaceID:       d.SpaceID,
		UserID:        d.UserID,
		ThreadID:      d.ThreadID,
		Assignee:      d.Assignee,
		ExecutionType: d.ExecutionType,
		Tier:          d.Tier,
		Status:        d.Status,
		Input:         d.Input,
		ExtraInput:    d.ExtraInput,
		Output:        d.Output,
		RefID:         d.RefID,
		CollectionRef: d.CollectionRef,
		ScheduledAt:   d.ScheduledAt,
		FollowUpCount: d.FollowUpCount,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// Upsert implements task.TaskStore.
func (s *TaskStore) Upsert(ctx context.Context, t task.Task) error {
	if t.TaskID == "" {
		return errors.New("mongostore: task id is required")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"task_id": t.TaskID}
	update := bson.M{"$set": fromTask(t)}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Load implements task.TaskStore.
func (s *TaskStore) Load(ctx context.Context, taskID string) (task.Task, error) {
	if taskID == "" {
		return task.Task{}, errors.New("mongostore: task id is required")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var doc taskDocument
	if err := s.coll.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.Task{}, nil
		}
		return task.Task{}, err
	}
	return doc.toTask(), nil
}

// UpdateStatus implements task.TaskStore. It does not itself validate the
// transition; task.Manager.UpdateTask checks CanTransition before calling
// this, so this method only persists.
func (s *TaskStore) UpdateStatus(ctx context.Context, taskID string, to task.Status, output []byte) (task.Task, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	set := bson.M{"status": to, "updated_at": time.Now().UTC()}
	if output != nil {
		set["output"] = output
	}
	res := s.coll.FindOneAndUpdate(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var doc taskDocument
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return task.Task{}, task.ErrNotFound
		}
		return task.Task{}, err
	}
	return doc.toTask(), nil
}

// ListByRun implements task.TaskStore.
func (s *TaskStore) ListByRun(ctx context.Context, runID string, page task.Pagination) (task.TaskPage, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.find(ctx, bson.M{"run_id": runID}, page)
}

// List implements task.TaskStore.
func (s *TaskStore) List(ctx context.Context, scope task.Scope, filter task.Filter, page task.Pagination) (task.TaskPage, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	mongoFilter := scopeFilter(scope)
	if filter.Status != "" {
		mongoFilter["status"] = filter.Status
	}
	if filter.CallType != "" {
		mongoFilter["metadata.call_type"] = filter.CallType
	}
	if filter.DateFrom != nil || filter.DateTo != nil {
		rng := bson.M{}
		if filter.DateFrom != nil {
			rng["$gte"] = filter.DateFrom.UTC()
		}
		if filter.DateTo != nil {
			rng["$lte"] = filter.DateTo.UTC()
		}
		mongoFilter["created_at"] = rng
	}
	if filter.FreeText != "" {
		mongoFilter["search_text"] = bson.M{"$regex": strings.ToLower(filter.FreeText)}
	}
	return s.find(ctx, mongoFilter, page)
}

func (s *TaskStore) find(ctx context.Context, filter bson.M, page task.Pagination) (task.TaskPage, error) {
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return task.TaskPage{}, err
	}
	skip := int64(page.Page-1) * int64(page.PageSize)
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(skip).
		SetLimit(int64(page.PageSize)),
	)
	if err != nil {
		return task.TaskPage{}, err
	}
	defer cur.Close(ctx)

	var tasks []task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return task.TaskPage{}, err
		}
		tasks = append(tasks, doc.toTask())
	}
	if err := cur.Err(); err != nil {
		return task.TaskPage{}, err
	}
	return task.TaskPage{Tasks: tasks, Total: int(total)}, nil
}

// ClaimScheduled implements task.TaskStore: it flips elapsed scheduled
// tasks to pending so the Task Consumer Pool's poller picks them up, and
// returns the flipped tasks.
func (s *TaskStore) ClaimScheduled(ctx context.Context, now time.Time, limit int) ([]task.Task, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{
		"status":       task.StatusScheduled,
		"scheduled_at": bson.M{"$lte": now.UTC()},
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var claimed []task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		claimed = append(claimed, doc.toTask())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	for _, t := range claimed {
		if _, err := s.UpdateStatus(ctx, t.TaskID, task.StatusPending, nil); err != nil {
			return nil, fmt.Errorf("mongostore: claim scheduled task %s: %w", t.TaskID, err)
		}
	}
	return claimed, nil
}

// ListStuck implements task.TaskStore: it returns in_progress tasks last
// updated before olderThan, for the reconciler to detect tasks claimed but
// never completed within the crash-safety window.
func (s *TaskStore) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]task.Task, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{
		"status":     task.StatusInProgress,
		"updated_at": bson.M{"$lt": olderThan.UTC()},
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var stuck []task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		stuck = append(stuck, doc.toTask())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return stuck, nil
}

// ClaimPending implements task.TaskStore. It claims tasks one at a time via
// FindOneAndUpdate so a task is never handed to two concurrent pollers:
// each claim only succeeds while the document is still pending.
func (s *TaskStore) ClaimPending(ctx context.Context, tier string, limit int) ([]task.Task, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var claimed []task.Task
	for len(claimed) < limit {
		res := s.coll.FindOneAndUpdate(ctx,
			bson.M{"tier": tier, "status": task.StatusPending},
			bson.M{"$set": bson.M{"status": task.StatusInProgress, "updated_at": time.Now().UTC()}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "created_at", Value: 1}}).
				SetReturnDocument(options.After),
		)
		var doc taskDocument
		if err := res.Decode(&doc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				break
			}
			return claimed, err
		}
		claimed = append(claimed, doc.toTask())
	}
	return claimed, nil
}

// SetContactRef implements task.TaskStore.
func (s *TaskStore) SetContactRef(ctx context.Context, taskID, refID, collectionRef string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$set": bson.M{"ref_id": refID, "collection_ref": collectionRef, "updated_at": time.Now().UTC()}},
	)
	return err
}

// ---- ExecutionLogStore ----

// ExecutionLogStore implements task.ExecutionLogStore.
type ExecutionLogStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type executionLogDocument struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	TaskID    string        `bson:"task_id"`
	RunID     string        `bson:"run_id,omitempty"`
	Step      string        `bson:"step"`
	Status    string        `bson:"status"`
	Input     []byte        `bson:"input,omitempty"`
	Output    []byte        `bson:"output,omitempty"`
	Timestamp time.Time     `bson:"timestamp"`
}

// Append implements task.ExecutionLogStore.
func (s *ExecutionLogStore) Append(ctx context.Context, e *task.ExecutionLog) error {
	if e == nil {
		return errors.New("mongostore: execution log entry is required")
	}
	if e.TaskID == "" {
		return errors.New("mongostore: task id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("mongostore: timestamp is required")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	doc := executionLogDocument{
		TaskID:    e.TaskID,
		RunID:     e.RunID,
		Step:      e.Step,
		Status:    e.Status,
		Input:     e.Input,
		Output:    e.Output,
		Timestamp: e.Timestamp.UTC(),
	}
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}

// List implements task.ExecutionLogStore.
func (s *ExecutionLogStore) List(ctx context.Context, taskID string, cursor string, limit int) (task.ExecutionLogPage, error) {
	if taskID == "" {
		return task.ExecutionLogPage{}, errors.New("mongostore: task id is required")
	}
	if limit <= 0 {
		return task.ExecutionLogPage{}, errors.New("mongostore: limit must be > 0")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"task_id": taskID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return task.ExecutionLogPage{}, fmt.Errorf("mongostore: invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return task.ExecutionLogPage{}, err
	}
	defer cur.Close(ctx)

	var entries []task.ExecutionLog
	var ids []bson.ObjectID
	for cur.Next(ctx) {
		var doc executionLogDocument
		if err := cur.Decode(&doc); err != nil {
			return task.ExecutionLogPage{}, err
		}
		entries = append(entries, task.ExecutionLog{
			TaskID:    doc.TaskID,
			RunID:     doc.RunID,
			Step:      doc.Step,
			Status:    doc.Status,
			Input:     doc.Input,
			Output:    doc.Output,
			Timestamp: doc.Timestamp,
		})
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return task.ExecutionLogPage{}, err
	}

	var next string
	if len(entries) > limit {
		next = ids[limit-1].Hex()
		entries = entries[:limit]
	}
	return task.ExecutionLogPage{Entries: entries, NextCursor: next}, nil
}

// ---- CallLogStore ----

// CallLogStore implements task.CallLogStore.
type CallLogStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type callLogDocument struct {
	CallID         string         `bson:"call_id"`
	TaskID         string         `bson:"task_id"`
	Transcript     []byte         `bson:"transcript,omitempty"`
	RecordingURL   string         `bson:"recording_url,omitempty"`
	DurationMillis int64          `bson:"duration_ms"`
	Cost           float64        `bson:"cost"`
	Classification string         `bson:"classification,omitempty"`
	Summary        string         `bson:"summary,omitempty"`
	Metadata       map[string]any `bson:"metadata,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
}

// Insert implements task.CallLogStore.
func (s *CallLogStore) Insert(ctx context.Context, log task.CallLog) error {
	if log.CallID == "" {
		return errors.New("mongostore: call id is required")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	doc := callLogDocument{
		CallID:         log.CallID,
		TaskID:         log.TaskID,
		Transcript:     log.Transcript,
		RecordingURL:   log.RecordingURL,
		DurationMillis: log.Duration.Milliseconds(),
		Cost:           log.Cost,
		Classification: log.Classification,
		Summary:        log.Summary,
		Metadata:       log.Metadata,
		CreatedAt:      log.CreatedAt.UTC(),
	}
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}
