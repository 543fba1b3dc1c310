// Command gateway serves the Task Model's REST surface and the Messaging
// Fan-out WebSocket endpoint behind a single gin router.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/unpod/corertc/internal/appconfig"
	"github.com/unpod/corertc/runtime/auth"
	"github.com/unpod/corertc/runtime/broadcaster"
	"github.com/unpod/corertc/runtime/dbpool"
	"github.com/unpod/corertc/runtime/messaging"
	"github.com/unpod/corertc/runtime/task"
	"github.com/unpod/corertc/runtime/task/mongostore"
	"github.com/unpod/corertc/runtime/telemetry"
)

func newID() string { return uuid.New().String() }

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := telemetry.NewZapLogger(zl)
	sugar := zl.Sugar()

	cfg, err := appconfig.Load()
	if err != nil {
		sugar.Fatalw("gateway: load config failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgPool, err := dbpool.New(dbpool.Options{DSN: cfg.PostgresConfig})
	if err != nil {
		sugar.Fatalw("gateway: connect postgres failed", "error", err)
	}
	defer pgPool.Close()

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoDSN))
	if err != nil {
		sugar.Fatalw("gateway: connect mongo failed", "error", err)
	}
	defer mongoClient.Disconnect(ctx)

	taskStores, err := mongostore.New(mongostore.Options{Client: mongoClient, Database: cfg.MongoDB})
	if err != nil {
		sugar.Fatalw("gateway: build task stores failed", "error", err)
	}
	taskMgr := &task.Manager{Runs: taskStores.Runs, Tasks: taskStores.Tasks, Logs: taskStores.Logs, Calls: taskStores.Calls}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer redisClient.Close()

	identityCache, err := auth.NewRedisIdentityCache(auth.RedisIdentityCacheOptions{Client: redisClient})
	if err != nil {
		sugar.Fatalw("gateway: build identity cache failed", "error", err)
	}
	validator := auth.NewValidator([]byte(cfg.DjangoSecretKey), identityCache, auth.NewPostgresUserLookup(pgPool))

	bus := broadcaster.New(redisClient)
	access := messaging.NewPostgresThreadAccess(pgPool)
	msgServer, err := messaging.New(validator, access, bus, messaging.WithLogger(logger))
	if err != nil {
		sugar.Fatalw("gateway: build messaging server failed", "error", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ws/v1/messaging/:thread_id", func(c *gin.Context) {
		msgServer.ServeThread(c.Writer, c.Request, c.Param("thread_id"))
	})

	registerTaskRoutes(router, taskMgr)

	server := &http.Server{Addr: ":8080", Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	sugar.Infow("gateway: listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("gateway: server exited", "error", err)
	}
	sugar.Info("gateway: shut down cleanly")
}
