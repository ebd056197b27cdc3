package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	UseMemoryQueue bool
	WorkerCount    int

	// WhatsApp Cloud API
	WhatsAppAccessToken      string
	WhatsAppPhoneNumberID    string
	WhatsAppAppSecret        string
	WhatsAppVerifyToken      string
	WhatsAppGraphBaseURL     string
	ReengagementTemplate     string
	ReengagementTemplateLang string

	// Inbound queue
	InboundQueueURL     string
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Redis transcript cache
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AdminJWTSecret     string
	CORSAllowedOrigins []string

	// Background workers
	DrainSweepInterval  time.Duration
	DrainSweepBatchSize int
	OutboxInterval      time.Duration
	EventsWebhookURL    string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		WhatsAppAccessToken:      getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID:    getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppAppSecret:        getEnv("WHATSAPP_APP_SECRET", ""),
		WhatsAppVerifyToken:      getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppGraphBaseURL:     getEnv("WHATSAPP_GRAPH_BASE_URL", "https://graph.facebook.com/v19.0"),
		ReengagementTemplate:     getEnv("REENGAGEMENT_TEMPLATE", "reengage_patient"),
		ReengagementTemplateLang: getEnv("REENGAGEMENT_TEMPLATE_LANG", "pt_BR"),

		InboundQueueURL:     getEnv("INBOUND_QUEUE_URL", ""),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		DrainSweepInterval:  getEnvAsDuration("DRAIN_SWEEP_INTERVAL", 1*time.Minute),
		DrainSweepBatchSize: getEnvAsInt("DRAIN_SWEEP_BATCH_SIZE", 25),
		OutboxInterval:      getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		EventsWebhookURL:    getEnv("EVENTS_WEBHOOK_URL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
