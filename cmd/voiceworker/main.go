// Command voiceworker serves the Voice Session Runtime over a WebSocket
// transport: one connection per call, binary frames carry inbound audio,
// text frames carry debug/SDK transcript overrides, and outbound audio is
// streamed back as it is synthesized. When a session terminates, its
// CallResult is handed to the Post-Call Flow.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/unpod/corertc/internal/appconfig"
	"github.com/unpod/corertc/runtime/agentconfig"
	"github.com/unpod/corertc/runtime/dbpool"
	"github.com/unpod/corertc/runtime/knowledge"
	"github.com/unpod/corertc/runtime/postcall"
	"github.com/unpod/corertc/runtime/task"
	"github.com/unpod/corertc/runtime/task/mongostore"
	"github.com/unpod/corertc/runtime/telemetry"
	"github.com/unpod/corertc/runtime/voice"
	"github.com/unpod/corertc/runtime/voice/providers/llm/anthropic"
	"github.com/unpod/corertc/runtime/voice/providers/llm/google"
	"github.com/unpod/corertc/runtime/voice/providers/llm/groq"
	"github.com/unpod/corertc/runtime/voice/providers/llm/inference"
	llmopenai "github.com/unpod/corertc/runtime/voice/providers/llm/openai"
	"github.com/unpod/corertc/runtime/voice/providers/stt/deepgram"
	sttopenai "github.com/unpod/corertc/runtime/voice/providers/stt/openai"
	"github.com/unpod/corertc/runtime/voice/providers/tts/cartesia"
	ttsopenai "github.com/unpod/corertc/runtime/voice/providers/tts/openai"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

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
		sugar.Fatalw("voiceworker: load config failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgPool, err := dbpool.New(dbpool.Options{DSN: cfg.PostgresConfig})
	if err != nil {
		sugar.Fatalw("voiceworker: connect postgres failed", "error", err)
	}
	defer pgPool.Close()

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoDSN))
	if err != nil {
		sugar.Fatalw("voiceworker: connect mongo failed", "error", err)
	}
	defer mongoClient.Disconnect(ctx)

	taskStores, err := mongostore.New(mongostore.Options{Client: mongoClient, Database: cfg.MongoDB})
	if err != nil {
		sugar.Fatalw("voiceworker: build task stores failed", "error", err)
	}
	taskMgr := &task.Manager{Runs: taskStores.Runs, Tasks: taskStores.Tasks, Logs: taskStores.Logs, Calls: taskStores.Calls}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer redisClient.Close()

	resolver := agentconfig.New(
		agentconfig.NewPostgresAgentStore(pgPool),
		agentconfig.NewPostgresSessionBindingStore(pgPool),
	)

	localIndex, err := knowledge.NewMongoLocalIndex(knowledge.MongoLocalIndexOptions{Client: mongoClient, Database: cfg.MongoDB})
	if err != nil {
		sugar.Fatalw("voiceworker: build knowledge local index failed", "error", err)
	}
	knowledgeClient := knowledge.New(knowledge.Options{
		Remote: knowledge.NewHTTPRemoteSearch(cfg.SearchServiceURL),
		Local:  localIndex,
	})

	deps := voice.Deps{
		Resolver:  resolver,
		STT:       buildSTTAdapters(cfg, sugar),
		LLM:       buildLLMAdapters(cfg, sugar),
		TTS:       buildTTSAdapters(cfg, sugar),
		Knowledge: knowledgeClient,
		Logger:    logger,
	}

	postcallFlow := postcall.New(taskMgr, postcall.Config{
		LockTTL:            cfg.PostcallLockTTL,
		WebhookMaxAttempts: cfg.PostcallWebhookMaxAttempts,
		MaxFollowUpCalls:   cfg.PostcallMaxFollowUpCalls,
	})
	postcallFlow.Lock = postcall.NewRedisLock(redisClient)
	postcallFlow.Contacts = &postcall.MongoContactResolver{Client: mongoClient, DB: cfg.MongoDB}
	postcallFlow.Webhooks = &postcall.PostgresWebhookPlanLookup{DB: pgPool}
	postcallFlow.Sender = postcall.NewHTTPWebhookSender(http.DefaultClient)
	postcallFlow.Logger = logger

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/voice/sessions/", func(w http.ResponseWriter, r *http.Request) {
		serveCallSession(w, r, deps, postcallFlow)
	})

	server := &http.Server{Addr: ":8081", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	sugar.Infow("voiceworker: listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("voiceworker: server exited", "error", err)
	}
	sugar.Info("voiceworker: shut down cleanly")
}

// serveCallSession upgrades the request to a WebSocket, runs one Voice
// Session Runtime lifecycle on it, and triggers the Post-Call Flow once the
// session reaches a terminal state.
func serveCallSession(w http.ResponseWriter, r *http.Request, deps voice.Deps, flow *postcall.Flow) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "call_id is required"), time.Now().Add(time.Second))
		return
	}
	metadata := agentconfig.SessionMetadata{
		AgentHandle:    r.URL.Query().Get("agent_handle"),
		SpaceToken:     r.URL.Query().Get("space_token"),
		InboundSIPCall: r.URL.Query().Get("inbound_sip") == "true",
		DialledNumber:  r.URL.Query().Get("dialled_number"),
		SessionID:      callID,
	}
	// taskID is the Task Model record this call fulfills, taken from the
	// task_id query parameter; it defaults to call_id for a session with no
	// separate task record.
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		taskID = callID
	}

	session := voice.New(callID, deps)
	callStart := time.Now()
	if err := session.Start(ctx, metadata); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session start failed"), time.Now().Add(time.Second))
		return
	}

	cfg, resolveErr := deps.Resolver.Resolve(ctx, metadata)
	if resolveErr != nil {
		cfg = agentconfig.AgentConfig{Handle: metadata.AgentHandle}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range session.OutgoingAudio() {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			_ = session.HandleAudio(ctx, payload)
		case websocket.TextMessage:
			_ = session.HandleText(ctx, string(payload))
		}
	}

	result := session.End("connection closed")
	<-done

	job := toPostCallJob(taskID, result, cfg, metadata, callStart)
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := flow.Run(bgCtx, job); err != nil {
			log.Printf("voiceworker: post-call flow failed for call %s: %v", callID, err)
		}
	}()
}

func buildSTTAdapters(cfg appconfig.Config, sugar *zap.SugaredLogger) map[string]voice.SpeechToText {
	out := map[string]voice.SpeechToText{}
	if cfg.DeepgramAPIKey != "" {
		if a, err := deepgram.NewFromAPIKey(cfg.DeepgramAPIKey); err == nil {
			out["deepgram"] = a
		} else {
			sugar.Warnw("voiceworker: deepgram adapter unavailable", "error", err)
		}
	}
	if cfg.OpenAIAPIKey != "" {
		if a, err := sttopenai.NewFromAPIKey(cfg.OpenAIAPIKey); err == nil {
			out["openai"] = a
		} else {
			sugar.Warnw("voiceworker: openai stt adapter unavailable", "error", err)
		}
	}
	return out
}

func buildLLMAdapters(cfg appconfig.Config, sugar *zap.SugaredLogger) map[string]voice.LargeLanguageModel {
	out := map[string]voice.LargeLanguageModel{}
	if cfg.AnthropicAPIKey != "" {
		if a, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.LLMMaxTokens); err == nil {
			out["anthropic"] = a
		} else {
			sugar.Warnw("voiceworker: anthropic adapter unavailable", "error", err)
		}
	}
	if cfg.OpenAIAPIKey != "" {
		if a, err := llmopenai.NewFromAPIKey(cfg.OpenAIAPIKey); err == nil {
			out["openai"] = a
		} else {
			sugar.Warnw("voiceworker: openai llm adapter unavailable", "error", err)
		}
	}
	if cfg.GoogleAPIKey != "" {
		if a, err := google.NewFromAPIKey(cfg.GoogleAPIKey); err == nil {
			out["google"] = a
		} else {
			sugar.Warnw("voiceworker: google adapter unavailable", "error", err)
		}
	}
	if cfg.GroqAPIKey != "" {
		if a, err := groq.NewFromAPIKey(cfg.GroqAPIKey, cfg.GroqBaseURL); err == nil {
			out["groq"] = a
		} else {
			sugar.Warnw("voiceworker: groq adapter unavailable", "error", err)
		}
	}
	if cfg.InfraMode == "inference" && cfg.LivekitInferenceAPIKey != "" && cfg.LivekitInferenceAPISecret != "" {
		if a, err := inference.NewFromCredentials(cfg.LivekitInferenceAPIKey, cfg.LivekitInferenceAPISecret); err == nil {
			out["inference"] = a
		} else {
			sugar.Warnw("voiceworker: inference adapter unavailable", "error", err)
		}
	}
	return out
}

func buildTTSAdapters(cfg appconfig.Config, sugar *zap.SugaredLogger) map[string]voice.TextToSpeech {
	out := map[string]voice.TextToSpeech{}
	if cfg.CartesiaAPIKey != "" {
		if a, err := cartesia.NewFromAPIKey(cfg.CartesiaAPIKey); err == nil {
			out["cartesia"] = a
		} else {
			sugar.Warnw("voiceworker: cartesia adapter unavailable", "error", err)
		}
	}
	if cfg.OpenAIAPIKey != "" {
		if a, err := ttsopenai.NewFromAPIKey(cfg.OpenAIAPIKey); err == nil {
			out["openai"] = a
		} else {
			sugar.Warnw("voiceworker: openai tts adapter unavailable", "error", err)
		}
	}
	return out
}
