// Package config provides environment configuration for the support desk services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Storage settings
	DatabaseURL   string
	VectorBackend string
	SQLitePath    string

	// Kafka settings
	KafkaBrokers        []string
	KafkaDecisionsTopic string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKeys        []string
	OpenAIAPIKeys           []string
	OpenAIBaseURL           string
	ModelRoutesFile         string
	MaxConcurrentModelCalls int

	// HTTP
	AllowedOrigins []string

	// Rate limiting
	RateLimitRequests       int
	RateLimitWindow         time.Duration
	TicketRateLimitRequests int

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	AutoReply AutoReplyConfig
}

// AutoReplyConfig holds the orchestration engine tunables.
type AutoReplyConfig struct {
	LockTTL                time.Duration
	MaxTurns               int
	HighSimilarity         float64
	LowSimilarity          float64
	EmbeddingTimeout       time.Duration
	InterventionCheckpoint int
	JobMaxAttempts         int
	JobBackoff             time.Duration
	ProcessingStaleAfter   time.Duration
	WorkerConcurrency      int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Storage
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		VectorBackend: getEnv("VECTOR_BACKEND", "sqlite"),
		SQLitePath:    getEnv("SQLITE_PATH", "supportdesk-vectors.db"),

		// Kafka
		KafkaBrokers:        getListEnv("KAFKA_BROKERS"),
		KafkaDecisionsTopic: getEnv("KAFKA_DECISIONS_TOPIC", "autoreply-decisions"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKeys:        getListEnv("ANTHROPIC_API_KEYS"),
		OpenAIAPIKeys:           getListEnv("OPENAI_API_KEYS"),
		OpenAIBaseURL:           getEnv("OPENAI_BASE_URL", ""),
		ModelRoutesFile:         getEnv("MODEL_ROUTES_FILE", "model-routes.yaml"),
		MaxConcurrentModelCalls: getIntEnv("MAX_CONCURRENT_MODEL_CALLS", 8),

		// HTTP
		AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),

		// Rate limiting
		RateLimitRequests:       getIntEnv("RATE_LIMIT_REQUESTS", 600),
		RateLimitWindow:         getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		TicketRateLimitRequests: getIntEnv("RATE_LIMIT_TICKET_REQUESTS", 30),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		AutoReply: AutoReplyConfig{
			LockTTL:                getDurationEnv("AUTOREPLY_LOCK_TTL", 30*time.Second),
			MaxTurns:               getIntEnv("AUTOREPLY_MAX_TURNS", 5),
			HighSimilarity:         getFloatEnv("AUTOREPLY_CACHE_HIGH_THRESHOLD", 0.94),
			LowSimilarity:          getFloatEnv("AUTOREPLY_CACHE_LOW_THRESHOLD", 0.88),
			EmbeddingTimeout:       getDurationEnv("AUTOREPLY_EMBEDDING_TIMEOUT", 3*time.Second),
			InterventionCheckpoint: getIntEnv("AUTOREPLY_INTERVENTION_CHECKPOINT", 4),
			JobMaxAttempts:         getIntEnv("AUTOREPLY_JOB_MAX_ATTEMPTS", 3),
			JobBackoff:             getDurationEnv("AUTOREPLY_JOB_BACKOFF", 2*time.Second),
			ProcessingStaleAfter:   getDurationEnv("AUTOREPLY_PROCESSING_STALE_AFTER", 5*time.Minute),
			WorkerConcurrency:      getIntEnv("AUTOREPLY_WORKER_CONCURRENCY", 4),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, dropping empty entries.
func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
