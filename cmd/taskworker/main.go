// Command taskworker runs the Task Consumer Pool: it claims pending tasks
// off the Task Model by tier, runs each through a handler that records the
// task's input as its output, and keeps the crash-safety reconciler and
// scheduled-task promoter running alongside the poll loops.
package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/unpod/corertc/internal/appconfig"
	"github.com/unpod/corertc/runtime/consumer"
	"github.com/unpod/corertc/runtime/task"
	"github.com/unpod/corertc/runtime/task/mongostore"
	"github.com/unpod/corertc/runtime/telemetry"
)

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := telemetry.NewZapLogger(zl)
	_, metrics, tracer := telemetry.NewNoop()
	sugar := zl.Sugar()

	cfg, err := appconfig.Load()
	if err != nil {
		sugar.Fatalw("taskworker: load config failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoDSN))
	if err != nil {
		sugar.Fatalw("taskworker: connect mongo failed", "error", err)
	}
	defer mongoClient.Disconnect(ctx)

	stores, err := mongostore.New(mongostore.Options{Client: mongoClient, Database: cfg.MongoDB})
	if err != nil {
		sugar.Fatalw("taskworker: build task stores failed", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer redisClient.Close()

	mgr := &task.Manager{Runs: stores.Runs, Tasks: stores.Tasks, Logs: stores.Logs, Calls: stores.Calls}
	counters := consumer.NewRedisCounters(redisClient)

	handler := func(ctx context.Context, t task.Task) (json.RawMessage, error) {
		// The task's input is returned as its output; no execution_type is
		// routed to a provider adapter or another runtime from here, so this
		// process exercises only the claim/dispatch/release and
		// reconciliation machinery.
		return t.Input, nil
	}

	pool := consumer.New(mgr, counters, handler, consumer.Config{
		TotalWorkers:      cfg.OutboundMaxWorkers,
		NormalCapFraction: cfg.TaskNormalCapFraction,
		BulkCapFraction:   cfg.TaskBulkCapFraction,
		ReconcileInterval: cfg.TaskReconcileInterval,
		StuckAfter:        cfg.TaskStuckAfter,
		RequeueDelay:      cfg.TaskRequeueDelay,
	})
	pool.Logger = logger
	pool.Metrics = metrics
	pool.Tracer = tracer

	sugar.Infow("taskworker: starting", "total_workers", cfg.OutboundMaxWorkers)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("taskworker: pool exited", "error", err)
	}
	sugar.Info("taskworker: shut down cleanly")
}
