// Package appconfig loads process configuration from the environment.
//
// # Configuration
//
// Environment variables:
//
//	SETTINGS_FILE               - optional .env file to load before reading the environment
//	ENV                         - deployment environment name (default: "development")
//	REDIS_URL                   - Redis connection URL (default: "localhost:6379")
//	MONGO_DSN                   - MongoDB connection string (default: "mongodb://localhost:27017")
//	MONGO_DB                    - MongoDB database name (default: "corertc")
//	POSTGRES_CONFIG             - Postgres connection string (default: "postgres://localhost:5432/corertc")
//	KAFKA_BROKER                - Kafka broker address (loaded into Config; no component reads it)
//	DJANGO_SECRET_KEY           - HMAC signing key shared with the legacy auth issuer
//	AGENT_OUTBOUND_MAX_WORKERS  - total worker budget shared by both task tiers (default: 16)
//	VECTOR_BACKEND              - knowledge vector backend name (default: "local")
//	EMBEDDING_BACKEND           - embedding backend name (default: "local")
//	FILTER_THRESHOLD            - reranker score threshold (default: 0.2; loaded into Config, not passed to the knowledge client, which filters by no score)
//	SEARCH_SERVICE_URL          - remote knowledge search fallback URL
//	KB_MIN_REMOTE_SCORE         - remote-fallback score threshold (default: 0.35; loaded into Config, not read by the knowledge client, whose fallback depends on the local result count only)
//	KB_MIN_SCORE                - local-hit score threshold (default: 0.5; loaded into Config, not read by the knowledge client)
//	AGENT_INFRA_MODE            - "inference" enables the livekit-inference passthrough (default: "direct")
//	LIVEKIT_INFERENCE_API_KEY   - HMAC key id for livekit-inference access tokens
//	LIVEKIT_INFERENCE_API_SECRET - HMAC signing secret for livekit-inference access tokens
//	SIP_TRUNK_ID                - outbound SIP trunk identifier
//	TASK_NORMAL_CAP_FRACTION    - normal tier's share of AGENT_OUTBOUND_MAX_WORKERS (default: 0.7)
//	TASK_BULK_CAP_FRACTION      - bulk tier's share of AGENT_OUTBOUND_MAX_WORKERS (default: 0.4)
//	TASK_RECONCILE_INTERVAL     - stuck-task reconciler period (default: 60s)
//	TASK_STUCK_AFTER            - how long an in_progress task may run before the reconciler requeues it (default: 10m)
//	TASK_REQUEUE_DELAY          - delay before a provider-capped claim is retried (default: 2s)
//	POSTCALL_WEBHOOK_MAX_ATTEMPTS - webhook delivery attempts before giving up (default: 3)
//	POSTCALL_MAX_FOLLOWUP_CALLS - default cap on prior_follow_up_count+1 (default: 1)
//	POSTCALL_LOCK_TTL           - post-call idempotency lock TTL (default: 100s)
//	OPENAI_API_KEY              - OpenAI STT/LLM/TTS adapter credential
//	ANTHROPIC_API_KEY           - Anthropic LLM adapter credential
//	GOOGLE_API_KEY              - Google Gemini LLM adapter credential
//	GROQ_API_KEY                - Groq LLM adapter credential
//	GROQ_BASE_URL               - Groq endpoint override (default: provider default)
//	DEEPGRAM_API_KEY            - Deepgram STT adapter credential
//	CARTESIA_API_KEY            - Cartesia TTS adapter credential
//	LLM_MAX_TOKENS              - default max response tokens for the Anthropic adapter (default: 1024)
package appconfig

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide settings resolved once at startup and passed
// down by the cmd/ entry points as constructor arguments and Options/Config
// structs; nothing in runtime/* reads os.Getenv directly.
type Config struct {
	Env string

	RedisURL string

	MongoDSN string
	MongoDB  string

	PostgresConfig string

	KafkaBroker string

	DjangoSecretKey string

	OutboundMaxWorkers int

	VectorBackend    string
	EmbeddingBackend string
	FilterThreshold  float64

	SearchServiceURL string
	KBMinRemoteScore float64
	KBMinScore       float64

	InfraMode                string
	LivekitInferenceAPIKey   string
	LivekitInferenceAPISecret string
	SIPTrunkID               string

	TaskNormalCapFraction float64
	TaskBulkCapFraction   float64
	TaskReconcileInterval time.Duration
	TaskStuckAfter        time.Duration
	TaskRequeueDelay      time.Duration

	PostcallWebhookMaxAttempts int
	PostcallMaxFollowUpCalls   int
	PostcallLockTTL            time.Duration

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GoogleAPIKey    string
	GroqAPIKey      string
	GroqBaseURL     string
	DeepgramAPIKey  string
	CartesiaAPIKey  string
	LLMMaxTokens    int
}

// Load reads a Config from the environment, loading SETTINGS_FILE first if
// set. Missing SETTINGS_FILE is not an error; it simply means all values
// come from the ambient environment.
func Load() (Config, error) {
	if f := os.Getenv("SETTINGS_FILE"); f != "" {
		if err := godotenv.Load(f); err != nil {
			return Config{}, err
		}
	}

	return Config{
		Env: envOr("ENV", "development"),

		RedisURL: envOr("REDIS_URL", "localhost:6379"),

		MongoDSN: envOr("MONGO_DSN", "mongodb://localhost:27017"),
		MongoDB:  envOr("MONGO_DB", "corertc"),

		PostgresConfig: envOr("POSTGRES_CONFIG", "postgres://localhost:5432/corertc"),

		KafkaBroker: os.Getenv("KAFKA_BROKER"),

		DjangoSecretKey: os.Getenv("DJANGO_SECRET_KEY"),

		OutboundMaxWorkers: envIntOr("AGENT_OUTBOUND_MAX_WORKERS", 16),

		VectorBackend:    envOr("VECTOR_BACKEND", "local"),
		EmbeddingBackend: envOr("EMBEDDING_BACKEND", "local"),
		FilterThreshold:  envFloatOr("FILTER_THRESHOLD", 0.2),

		SearchServiceURL: os.Getenv("SEARCH_SERVICE_URL"),
		KBMinRemoteScore: envFloatOr("KB_MIN_REMOTE_SCORE", 0.35),
		KBMinScore:       envFloatOr("KB_MIN_SCORE", 0.5),

		InfraMode:                 envOr("AGENT_INFRA_MODE", "direct"),
		LivekitInferenceAPIKey:    os.Getenv("LIVEKIT_INFERENCE_API_KEY"),
		LivekitInferenceAPISecret: os.Getenv("LIVEKIT_INFERENCE_API_SECRET"),
		SIPTrunkID:                os.Getenv("SIP_TRUNK_ID"),

		TaskNormalCapFraction: envFloatOr("TASK_NORMAL_CAP_FRACTION", 0.7),
		TaskBulkCapFraction:   envFloatOr("TASK_BULK_CAP_FRACTION", 0.4),
		TaskReconcileInterval: envDurationOr("TASK_RECONCILE_INTERVAL", 60*time.Second),
		TaskStuckAfter:        envDurationOr("TASK_STUCK_AFTER", 10*time.Minute),
		TaskRequeueDelay:      envDurationOr("TASK_REQUEUE_DELAY", 2*time.Second),

		PostcallWebhookMaxAttempts: envIntOr("POSTCALL_WEBHOOK_MAX_ATTEMPTS", 3),
		PostcallMaxFollowUpCalls:   envIntOr("POSTCALL_MAX_FOLLOWUP_CALLS", 1),
		PostcallLockTTL:            envDurationOr("POSTCALL_LOCK_TTL", 100*time.Second),

		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		GroqAPIKey:      os.Getenv("GROQ_API_KEY"),
		GroqBaseURL:     os.Getenv("GROQ_BASE_URL"),
		DeepgramAPIKey:  os.Getenv("DEEPGRAM_API_KEY"),
		CartesiaAPIKey:  os.Getenv("CARTESIA_API_KEY"),
		LLMMaxTokens:    envIntOr("LLM_MAX_TOKENS", 1024),
	}, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
