// Package consumer implements the Task Consumer Pool: a priority-tiered
// poller over the Task Model with Redis-mediated per-provider worker caps,
// bounded-latency reporting, and crash-safe reconciliation. It generalizes
// the claim/dispatch/release idiom of toolregistry/executor's Executor to a
// poll loop over task.TaskStore instead of a single tool-call gateway.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/unpod/corertc/runtime/task"
	"github.com/unpod/corertc/runtime/telemetry"
)

// Handler executes one claimed task and returns its output, or an error if
// the task failed. Pool treats the error as the sole signal for whether the
// task transitions to completed or failed; Handler itself never touches
// task.Manager.
type Handler func(ctx context.Context, t task.Task) (json.RawMessage, error)

// Tier is a priority class of the pool. spec.md names exactly two: normal
// and bulk; an unrecognized task.Task.Tier value is treated as Normal.
type Tier string

const (
	TierNormal Tier = "normal"
	TierBulk   Tier = "bulk"
)

func normalizeTier(t string) Tier {
	if Tier(t) == TierBulk {
		return TierBulk
	}
	return TierNormal
}

// Config configures a Pool. Zero values resolve to the defaults below via
// Config.normalized.
type Config struct {
	// TotalWorkers is the shared worker budget both tiers draw from.
	TotalWorkers int

	// NormalCapFraction and BulkCapFraction scale TotalWorkers into each
	// tier's maximum. Their sum may exceed 1 to allow elastic overlap.
	// Default 0.7 / 0.4 per spec.md.
	NormalCapFraction float64
	BulkCapFraction   float64

	// PollInterval is the idle backoff between claim attempts when a tier
	// is at its cap or the queue is empty.
	PollInterval time.Duration

	// RequeueDelay is how long a task claimed past its provider cap waits
	// before it is returned to pending.
	RequeueDelay time.Duration

	// ClaimBatch bounds how many tasks one poll iteration claims per tier.
	ClaimBatch int

	// ReconcileInterval is how often the stuck-task reconciler and the
	// scheduled-task promoter run. spec.md leaves the reconciler period
	// unspecified; 60s is the chosen default (see DESIGN.md).
	ReconcileInterval time.Duration

	// StuckAfter is how long a task may sit in_progress with no update
	// before the reconciler requeues it.
	StuckAfter time.Duration

	// LatencySamples bounds the rolling per-tier latency list used for
	// p95/avg reporting.
	LatencySamples int
}

func (c Config) normalized() Config {
	out := c
	if out.TotalWorkers <= 0 {
		out.TotalWorkers = 16
	}
	if out.NormalCapFraction <= 0 {
		out.NormalCapFraction = 0.7
	}
	if out.BulkCapFraction <= 0 {
		out.BulkCapFraction = 0.4
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	if out.RequeueDelay <= 0 {
		out.RequeueDelay = 2 * time.Second
	}
	if out.ClaimBatch <= 0 {
		out.ClaimBatch = 1
	}
	if out.ReconcileInterval <= 0 {
		out.ReconcileInterval = 60 * time.Second
	}
	if out.StuckAfter <= 0 {
		out.StuckAfter = 5 * time.Minute
	}
	if out.LatencySamples <= 0 {
		out.LatencySamples = 200
	}
	return out
}

func (c Config) tierCap(tier Tier) int64 {
	fraction := c.NormalCapFraction
	if tier == TierBulk {
		fraction = c.BulkCapFraction
	}
	cap := int64(float64(c.TotalWorkers) * fraction)
	if cap < 1 {
		cap = 1
	}
	return cap
}

// Pool is the Task Consumer Pool. One Pool instance polls both tiers and
// runs the reconciler/scheduled-task promoter on an internal cron.
type Pool struct {
	Manager  *task.Manager
	Counters Counters
	Handler  Handler
	Config   Config

	Logger telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	cron *cron.Cron
}

// New builds a Pool with defaulted configuration and noop telemetry;
// assign Pool.Logger/Metrics/Tracer afterward to wire real backends.
func New(mgr *task.Manager, counters Counters, handler Handler, cfg Config) *Pool {
	logger, metrics, tracer := telemetry.NewNoop()
	return &Pool{
		Manager:  mgr,
		Counters: counters,
		Handler:  handler,
		Config:   cfg.normalized(),
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	}
}

// Run starts the poll loops for both tiers plus the reconciler/promoter
// cron, and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.cron = cron.New()
	every := fmt.Sprintf("@every %s", p.Config.ReconcileInterval)
	if _, err := p.cron.AddFunc(every, func() { p.reconcileStuck(ctx) }); err != nil {
		return fmt.Errorf("consumer: schedule reconciler: %w", err)
	}
	if _, err := p.cron.AddFunc(every, func() { p.promoteScheduled(ctx) }); err != nil {
		return fmt.Errorf("consumer: schedule promoter: %w", err)
	}
	p.cron.Start()
	defer p.cron.Stop()

	done := make(chan struct{}, 2)
	go func() { p.pollTier(ctx, TierNormal); done <- struct{}{} }()
	go func() { p.pollTier(ctx, TierBulk); done <- struct{}{} }()

	<-ctx.Done()
	<-done
	<-done
	return ctx.Err()
}

// RunReconcileOnly starts just the stuck-task reconciler and scheduled-task
// promoter crons, without the claim/dispatch poll loops. It is for a
// deployment topology that runs task dispatch and crash recovery as
// separate processes (cmd/taskworker vs cmd/reconciler) rather than one
// combined Pool.Run.
func (p *Pool) RunReconcileOnly(ctx context.Context) error {
	p.cron = cron.New()
	every := fmt.Sprintf("@every %s", p.Config.ReconcileInterval)
	if _, err := p.cron.AddFunc(every, func() { p.reconcileStuck(ctx) }); err != nil {
		return fmt.Errorf("consumer: schedule reconciler: %w", err)
	}
	if _, err := p.cron.AddFunc(every, func() { p.promoteScheduled(ctx) }); err != nil {
		return fmt.Errorf("consumer: schedule promoter: %w", err)
	}
	p.cron.Start()
	defer p.cron.Stop()

	<-ctx.Done()
	return ctx.Err()
}

func (p *Pool) pollTier(ctx context.Context, tier Tier) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !p.pollOnce(ctx, tier) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.Config.PollInterval):
			}
		}
	}
}

// pollOnce runs one iteration of the selection algorithm in spec.md §4.10
// for one tier. It returns true if any task was claimed (so the caller can
// skip its idle backoff).
func (p *Pool) pollOnce(ctx context.Context, tier Tier) bool {
	total, err := p.Counters.Get(ctx, tierTotalKey(tier))
	if err != nil {
		p.Logger.Warn(ctx, "consumer: read tier count failed", "tier", tier, "error", err)
		return false
	}
	if total >= p.Config.tierCap(tier) {
		return false
	}

	tasks, err := p.Manager.Tasks.ClaimPending(ctx, string(tier), p.Config.ClaimBatch)
	if err != nil {
		p.Logger.Warn(ctx, "consumer: claim pending failed", "tier", tier, "error", err)
		return false
	}
	if len(tasks) == 0 {
		return false
	}

	for _, t := range tasks {
		p.handleClaim(ctx, tier, t)
	}
	return true
}

func (p *Pool) handleClaim(ctx context.Context, tier Tier, t task.Task) {
	claimedAt := time.Now()
	provider := ExtractProvider(t)

	providerCount, err := p.Counters.Get(ctx, tierProviderKey(tier, provider))
	if err == nil && providerCount >= p.Config.tierCap(tier)/2 {
		p.requeueWithDelay(ctx, t.TaskID)
		return
	}

	if _, err := p.Counters.Increment(ctx, tierTotalKey(tier)); err != nil {
		p.Logger.Warn(ctx, "consumer: increment tier counter failed", "tier", tier, "error", err)
	}
	if _, err := p.Counters.Increment(ctx, tierProviderKey(tier, provider)); err != nil {
		p.Logger.Warn(ctx, "consumer: increment provider counter failed", "tier", tier, "provider", provider, "error", err)
	}
	p.Metrics.RecordTimer("task_consumer.submission_to_start", time.Since(claimedAt), "tier", string(tier))

	go p.dispatch(ctx, tier, provider, t)
}

func (p *Pool) requeueWithDelay(ctx context.Context, taskID string) {
	time.AfterFunc(p.Config.RequeueDelay, func() {
		requeueCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := p.Manager.ForceRequeue(requeueCtx, taskID); err != nil {
			p.Logger.Warn(requeueCtx, "consumer: requeue over provider cap failed", "task_id", taskID, "error", err)
		}
	})
}

func (p *Pool) dispatch(ctx context.Context, tier Tier, provider string, t task.Task) {
	start := time.Now()
	ctx, span := p.Tracer.Start(ctx, "consumer.dispatch")
	defer span.End()

	output, handlerErr := p.Handler(ctx, t)

	elapsed := time.Since(start)
	p.release(ctx, tier, provider, elapsed)

	status := task.StatusCompleted
	logStatus := "completed"
	if handlerErr != nil {
		status = task.StatusFailed
		logStatus = "failed"
		span.RecordError(handlerErr)
	}
	if _, err := p.Manager.UpdateTask(ctx, t.TaskID, status, output); err != nil {
		p.Logger.Warn(ctx, "consumer: update task after dispatch failed", "task_id", t.TaskID, "error", err)
	}
	if err := p.Manager.AppendLog(ctx, t.TaskID, t.RunID, "dispatch", logStatus, t.Input, output); err != nil {
		p.Logger.Warn(ctx, "consumer: append execution log failed", "task_id", t.TaskID, "error", err)
	}
}

func (p *Pool) release(ctx context.Context, tier Tier, provider string, elapsed time.Duration) {
	if err := p.Counters.Decrement(ctx, tierTotalKey(tier)); err != nil {
		p.Logger.Warn(ctx, "consumer: decrement tier counter failed", "tier", tier, "error", err)
	}
	if err := p.Counters.Decrement(ctx, tierProviderKey(tier, provider)); err != nil {
		p.Logger.Warn(ctx, "consumer: decrement provider counter failed", "tier", tier, "provider", provider, "error", err)
	}
	if err := p.Counters.RecordLatency(ctx, string(tier), elapsed.Milliseconds(), p.Config.LatencySamples); err != nil {
		p.Logger.Warn(ctx, "consumer: record latency failed", "tier", tier, "error", err)
	}
	p.Metrics.RecordTimer("task_consumer.end_to_end", elapsed, "tier", string(tier))
}

// reconcileStuck implements the crash-safety reconciler from spec.md
// §4.10: counters are advisory, so a task stuck in_progress past
// Config.StuckAfter is returned to pending regardless of what the counters
// say. It does not decrement counters for requeued tasks, so a count
// incremented by a claimer that died without releasing stays raised; only
// release lowers counters.
func (p *Pool) reconcileStuck(ctx context.Context) {
	cutoff := time.Now().Add(-p.Config.StuckAfter)
	stuck, err := p.Manager.Tasks.ListStuck(ctx, cutoff, 100)
	if err != nil {
		p.Logger.Warn(ctx, "consumer: list stuck tasks failed", "error", err)
		return
	}
	for _, t := range stuck {
		if _, err := p.Manager.ForceRequeue(ctx, t.TaskID); err != nil {
			p.Logger.Warn(ctx, "consumer: force requeue failed", "task_id", t.TaskID, "error", err)
			continue
		}
		if err := p.Manager.AppendLog(ctx, t.TaskID, t.RunID, "reconcile", "requeued", nil, nil); err != nil {
			p.Logger.Warn(ctx, "consumer: append reconcile log failed", "task_id", t.TaskID, "error", err)
		}
	}
}

// promoteScheduled flips elapsed scheduled tasks to pending so the poll
// loops above pick them up.
func (p *Pool) promoteScheduled(ctx context.Context) {
	if _, err := p.Manager.Tasks.ClaimScheduled(ctx, time.Now(), 100); err != nil {
		p.Logger.Warn(ctx, "consumer: promote scheduled tasks failed", "error", err)
	}
}

func tierTotalKey(tier Tier) string {
	return fmt.Sprintf("%s_total_call_workers", tier)
}

func tierProviderKey(tier Tier, provider string) string {
	return fmt.Sprintf("%s_%s_call_workers", tier, provider)
}

// providerPayload is the subset of a task's input consumer inspects to
// extract the provider identifier. spec.md names the provider identifiers
// (e.g. "openai:gpt-4o") but not the task input schema; this mirrors the
// ExecutionType/Input convention used elsewhere by task.Task (see
// DESIGN.md).
type providerPayload struct {
	Provider string `json:"provider"`
}

// ExtractProvider parses a task's provider identifier out of its input
// payload, falling back to ExtraInput, then "unknown".
func ExtractProvider(t task.Task) string {
	var p providerPayload
	if len(t.Input) > 0 {
		if err := json.Unmarshal(t.Input, &p); err == nil && p.Provider != "" {
			return p.Provider
		}
	}
	if len(t.ExtraInput) > 0 {
		if err := json.Unmarshal(t.ExtraInput, &p); err == nil && p.Provider != "" {
			return p.Provider
		}
	}
	return "unknown"
}
