// Package postcall implements the Post-Call Flow: the terminal orchestration
// that turns a finished call into a persisted output record, a completed
// Task/Run, a fired webhook, and (optionally) a scheduled follow-up call. It
// is idempotent under a short-lived distributed lock so a duplicate trigger
// returns without mutating state twice.
package postcall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/unpod/corertc/runtime/task"
	"github.com/unpod/corertc/runtime/telemetry"
)

// CallResult is the terminal outcome of one call, assembled by the caller
// (the Voice Session Runtime) from its session state. Its field set mirrors
// the Python CallResult dataclass the flow was distilled from: Data carries
// provider-reported extras (cost, usage, type) that don't have a first-class
// field here.
type CallResult struct {
	CallID          string
	Customer        string
	ContactNumber   string
	CallEndReason   string
	RecordingURL    string
	Transcript      json.RawMessage
	CallStart       time.Time
	CallEnd         time.Time
	AssistantNumber string
	CallSummary     string
	Duration        time.Duration
	Status          string // e.g. "completed", "failed", "notConnected"
	Error           string
	Notes           string
	CallStatus      string
	StatusUpdate    string
	Data            map[string]any
}

// OutputRecord is the task output record spec.md §4.11 step 2 names.
type OutputRecord struct {
	CallID          string         `json:"call_id"`
	Customer        string         `json:"customer"`
	ContactNumber   string         `json:"contact_number"`
	CallEndReason   string         `json:"call_end_reason"`
	RecordingURL    string         `json:"recording_url"`
	Transcript      json.RawMessage `json:"transcript,omitempty"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	AssistantNumber string         `json:"assistant_number"`
	CallSummary     string         `json:"call_summary,omitempty"`
	Duration        time.Duration  `json:"duration"`
	Cost            float64        `json:"cost"`
	PostCallData    map[string]any `json:"post_call_data,omitempty"`
	Metadata        map[string]any `json:"metadata"`
	CallType        string         `json:"call_type,omitempty"`
	Error           string         `json:"error,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	CallStatus      string         `json:"call_status,omitempty"`
	StatusUpdate    string         `json:"status_update,omitempty"`
}

// costMarkup is the fixed markup applied to a call's raw reported cost
// (spec.md §4.11: "cost (= raw_cost × 1.05)").
const costMarkup = 1.05

// buildOutputRecord assembles the task output record from a CallResult and
// its optional post-call workflow result. Unlike the Python original this
// never collapses the record to just the error/notes/status fields on a
// failed call: the full record (including its call_id, customer, etc.) is
// always preserved, with the failure-only fields layered on top. See
// DESIGN.md for why this deviates from the literal original.
func buildOutputRecord(cr CallResult, postCallData map[string]any, callType string) OutputRecord {
	rawCost, _ := cr.Data["cost"].(float64)
	cost := rawCost * costMarkup

	number := stripLeadingZero(cr.ContactNumber)

	callDataType, _ := cr.Data["type"].(string)
	if callDataType == "" {
		callDataType = "outbound"
	}
	usage, _ := cr.Data["usage"].(map[string]any)

	out := OutputRecord{
		CallID:          cr.CallID,
		Customer:        cr.Customer,
		ContactNumber:   number,
		CallEndReason:   cr.CallEndReason,
		RecordingURL:    cr.RecordingURL,
		Transcript:      cr.Transcript,
		StartTime:       cr.CallStart,
		EndTime:         cr.CallEnd,
		AssistantNumber: cr.AssistantNumber,
		CallSummary:     cr.CallSummary,
		Duration:        cr.Duration,
		Cost:            cost,
		PostCallData:    postCallData,
		Metadata: map[string]any{
			"cost":  cost,
			"type":  callDataType,
			"usage": usage,
		},
		CallType:     callType,
		Error:        cr.Error,
		Notes:        cr.Notes,
		CallStatus:   cr.CallStatus,
		StatusUpdate: cr.StatusUpdate,
	}
	return out
}

func stripLeadingZero(number string) string {
	if strings.HasPrefix(number, "0") {
		return number[1:]
	}
	return number
}

// Workflow runs the agent-specific post-call analysis (summarization,
// classification, follow-up detection). Its result is optional: a nil
// Workflow, or one returning a nil map, simply yields no post_call_data.
type Workflow interface {
	Execute(ctx context.Context, t task.Task, cr CallResult) (map[string]any, error)
}

// ContactResolver resolves or creates the contact document a task's ref_id
// points to, from a call's contact number and display name.
type ContactResolver interface {
	ResolveOrCreate(ctx context.Context, contactNumber, name, spaceToken string) (refID string, err error)
}

// WebhookPlan is the per-agent webhook configuration spec.md §4.11 step 5
// fires against.
type WebhookPlan struct {
	Enabled bool
	URL     string
	Headers map[string]string
}

// WebhookPlanLookup resolves the configured webhook plan for an agent.
type WebhookPlanLookup interface {
	Lookup(ctx context.Context, agentID string) (WebhookPlan, error)
}

// WebhookSender posts the output record to a webhook plan's URL.
type WebhookSender interface {
	Send(ctx context.Context, plan WebhookPlan, body any) (statusCode int, err error)
}

// Lock is the per-task idempotency lock (spec.md's `prefect:<task_id>` key,
// carried over from the original Prefect-based orchestrator even though
// this flow has no Prefect dependency — the key shape is a persisted-state
// contract, not a library choice).
type Lock interface {
	// Acquire returns true if the lock was newly acquired (i.e. the flow
	// should proceed) and false if it was already held (i.e. a concurrent
	// or duplicate trigger should return without mutating state).
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Config tunes the flow's bounded retries and scheduling limits.
type Config struct {
	// LockTTL bounds how long the idempotency lock holds; spec.md's
	// persisted-state layout names a 100s TTL.
	LockTTL time.Duration

	// WebhookMaxAttempts bounds webhook delivery retries; spec.md: "at most
	// three attempts".
	WebhookMaxAttempts int

	// MaxFollowUpCalls is the default cap on prior_follow_up_count+1 before
	// a follow-up is refused; individual jobs may override via Job.MaxCalls.
	MaxFollowUpCalls int
}

func (c Config) normalized() Config {
	out := c
	if out.LockTTL <= 0 {
		out.LockTTL = 100 * time.Second
	}
	if out.WebhookMaxAttempts <= 0 {
		out.WebhookMaxAttempts = 3
	}
	if out.MaxFollowUpCalls <= 0 {
		out.MaxFollowUpCalls = 1
	}
	return out
}

// Job is one Post-Call Flow invocation.
type Job struct {
	TaskID     string
	CallResult CallResult
	CallType   string
	SpaceToken string
	AgentID    string
	MaxCalls   int
}

// Flow orchestrates the Post-Call Flow. Workflow, Contacts, Webhooks, and
// Sender are all optional (nil-safe): a flow with none of them wired still
// performs output assembly, CallLog persistence, and the Task/Run update.
type Flow struct {
	Tasks    *task.Manager
	Workflow Workflow
	Contacts ContactResolver
	Webhooks WebhookPlanLookup
	Sender   WebhookSender
	Lock     Lock
	Config   Config

	Logger telemetry.Logger

	newID func() string
}

// New builds a Flow with defaulted configuration.
func New(tasks *task.Manager, cfg Config) *Flow {
	logger, _, _ := telemetry.NewNoop()
	return &Flow{Tasks: tasks, Config: cfg.normalized(), Logger: logger}
}

func lockKey(taskID string) string { return fmt.Sprintf("prefect:%s", taskID) }

// Run executes the Post-Call Flow for job. It is idempotent: a concurrent
// or duplicate invocation within the lock TTL returns nil without touching
// any state.
func (f *Flow) Run(ctx context.Context, job Job) error {
	if job.TaskID == "" {
		return fmt.Errorf("postcall: task id is required")
	}

	acquired, err := f.Lock.Acquire(ctx, lockKey(job.TaskID), f.Config.LockTTL)
	if err != nil {
		return fmt.Errorf("postcall: acquire lock: %w", err)
	}
	if !acquired {
		f.Logger.Info(ctx, "postcall: skipping, flow already in progress", "task_id", job.TaskID)
		return nil
	}

	current, err := f.Tasks.Tasks.Load(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("postcall: load task: %w", err)
	}
	if current.TaskID == "" {
		return fmt.Errorf("postcall: task %s not found", job.TaskID)
	}

	var postCallData map[string]any
	if f.Workflow != nil {
		postCallData, err = f.Workflow.Execute(ctx, current, job.CallResult)
		if err != nil {
			f.Logger.Warn(ctx, "postcall: workflow failed, continuing without post-call data", "task_id", job.TaskID, "error", err)
			postCallData = nil
		}
	}
	if isRedial, _ := postCallData["is_redial"].(bool); isRedial {
		f.Logger.Info(ctx, "postcall: call is an instant redial, deferring to redial flow", "task_id", job.TaskID)
		return nil
	}

	output := buildOutputRecord(job.CallResult, postCallData, job.CallType)

	if err := f.persistCallLog(ctx, job.TaskID, output); err != nil {
		f.Logger.Warn(ctx, "postcall: persist call log failed", "task_id", job.TaskID, "error", err)
	}

	refID, collectionRef := current.RefID, current.CollectionRef
	if refID == "" && f.Contacts != nil {
		name := output.Customer
		resolved, err := f.Contacts.ResolveOrCreate(ctx, output.ContactNumber, name, job.SpaceToken)
		if err != nil {
			f.Logger.Warn(ctx, "postcall: resolve contact failed", "task_id", job.TaskID, "error", err)
		} else {
			refID = resolved
			collectionRef = fmt.Sprintf("collection_data_%s", job.SpaceToken)
			if err := f.Tasks.SetContactRef(ctx, job.TaskID, current.RunID, refID, collectionRef); err != nil {
				f.Logger.Warn(ctx, "postcall: set contact ref failed", "task_id", job.TaskID, "error", err)
			}
		}
	}

	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("postcall: marshal output: %w", err)
	}
	if _, err := f.Tasks.UpdateTask(ctx, job.TaskID, task.StatusCompleted, outputJSON); err != nil {
		return fmt.Errorf("postcall: update task: %w", err)
	}
	if err := f.Tasks.AppendLog(ctx, job.TaskID, current.RunID, "task_update", "success", nil, outputJSON); err != nil {
		f.Logger.Warn(ctx, "postcall: append update log failed", "task_id", job.TaskID, "error", err)
	}

	if f.Webhooks != nil && f.Sender != nil {
		f.dispatchWebhook(ctx, current, output)
	}

	f.maybeScheduleFollowUp(ctx, current, job, postCallData)

	return nil
}

func (f *Flow) persistCallLog(ctx context.Context, taskID string, output OutputRecord) error {
	transcript := output.Transcript
	return f.Tasks.Calls.Insert(ctx, task.CallLog{
		CallID:         output.CallID,
		TaskID:         taskID,
		Transcript:     transcript,
		RecordingURL:   output.RecordingURL,
		Duration:       output.Duration,
		Cost:           output.Cost,
		Classification: classificationOf(output.PostCallData),
		Summary:        output.CallSummary,
		Metadata:       output.Metadata,
		CreatedAt:      time.Now(),
	})
}

func classificationOf(postCallData map[string]any) string {
	if postCallData == nil {
		return ""
	}
	if c, ok := postCallData["classification"].(string); ok {
		return c
	}
	return ""
}

// maybeScheduleFollowUp implements spec.md §4.11 step 6: a follow-up call
// is scheduled only if the analyzer indicates one is required and the
// prior follow-up count plus one is strictly less than the configured
// maximum. The follow-up task inherits the originating task's tier (see
// DESIGN.md's resolution of that Open Question).
func (f *Flow) maybeScheduleFollowUp(ctx context.Context, current task.Task, job Job, postCallData map[string]any) {
	requiresFollowUp, _ := postCallData["requires_followup"].(bool)
	if !requiresFollowUp {
		return
	}

	maxCalls := job.MaxCalls
	if maxCalls <= 0 {
		maxCalls = f.Config.MaxFollowUpCalls
	}
	nextCount := current.FollowUpCount + 1
	if nextCount >= maxCalls {
		f.Logger.Info(ctx, "postcall: follow-up call count at max, skipping",
			"task_id", current.TaskID, "max_calls", maxCalls, "prior_follow_up_count", current.FollowUpCount)
		return
	}

	newID := f.newID
	if newID == nil {
		newID = defaultTaskID
	}

	scheduledAt := time.Now().Add(followUpDelay(postCallData))
	followUp := task.Task{
		TaskID:        newID(),
		RunID:         current.RunID,
		SpaceID:       current.SpaceID,
		UserID:        current.UserID,
		ThreadID:      current.ThreadID,
		Assignee:      current.Assignee,
		ExecutionType: current.ExecutionType,
		Tier:          current.Tier,
		Status:        task.StatusScheduled,
		Input:         current.Input,
		RefID:         current.RefID,
		CollectionRef: current.CollectionRef,
		ScheduledAt:   &scheduledAt,
		FollowUpCount: nextCount,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := f.Tasks.Tasks.Upsert(ctx, followUp); err != nil {
		f.Logger.Warn(ctx, "postcall: schedule follow-up failed", "task_id", current.TaskID, "error", err)
	}
}

func followUpDelay(postCallData map[string]any) time.Duration {
	if postCallData == nil {
		return time.Hour
	}
	if mins, ok := postCallData["followup_delay_minutes"].(float64); ok && mins > 0 {
		return time.Duration(mins) * time.Minute
	}
	return time.Hour
}

func defaultTaskID() string {
	return fmt.Sprintf("T%d", time.Now().UnixNano())
}
