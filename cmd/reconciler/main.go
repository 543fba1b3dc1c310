// Command reconciler runs only the Task Consumer Pool's crash-safety
// reconciler and scheduled-task promoter, separate from task dispatch, so a
// reconciler pod can restart independently of the dispatch workers in
// cmd/taskworker.
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
		sugar.Fatalw("reconciler: load config failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoDSN))
	if err != nil {
		sugar.Fatalw("reconciler: connect mongo failed", "error", err)
	}
	defer mongoClient.Disconnect(ctx)

	stores, err := mongostore.New(mongostore.Options{Client: mongoClient, Database: cfg.MongoDB})
	if err != nil {
		sugar.Fatalw("reconciler: build task stores failed", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer redisClient.Close()

	mgr := &task.Manager{Runs: stores.Runs, Tasks: stores.Tasks, Logs: stores.Logs, Calls: stores.Calls}
	counters := consumer.NewRedisCounters(redisClient)

	// Handler is never invoked by RunReconcileOnly; it exists only to
	// satisfy Pool's constructor.
	noopHandler := func(ctx context.Context, t task.Task) (json.RawMessage, error) {
		return nil, nil
	}

	pool := consumer.New(mgr, counters, noopHandler, consumer.Config{
		ReconcileInterval: cfg.TaskReconcileInterval,
		StuckAfter:        cfg.TaskStuckAfter,
	})
	pool.Logger = logger
	pool.Metrics = metrics
	pool.Tracer = tracer

	sugar.Infow("reconciler: starting", "interval", cfg.TaskReconcileInterval, "stuck_after", cfg.TaskStuckAfter)
	if err := pool.RunReconcileOnly(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("reconciler: exited", "error", err)
	}
	sugar.Info("reconciler: shut down cleanly")
}
