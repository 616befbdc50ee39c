package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	// Telegram Configuration
	BotToken string
	AdminIDs []int64
	// Crypto Pay Configuration
	CryptoPayToken   string
	CryptoPayBaseURL string
	CryptoPayAsset   string
	InvoiceExpiry    time.Duration
	// Catalog directories
	SessionsDir string
	SoldDir     string
	InvalidDir  string
	ScriptsDir  string
	// Persistence
	SQLitePath string
	// Fulfillment policy
	PollInterval    time.Duration
	PollMaxAttempts int
	// Broadcast pacing
	BroadcastDelay time.Duration
	// Kafka Configuration
	KafkaBrokers    []string
	KafkaTopicSales string
	KafkaClientID   string
	KafkaAcks       string
	KafkaRetries    int
	// Ops API Configuration
	OpsPort     string
	JWTSecret   string
	OpsUser     string
	OpsPassword string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	kafkaBrokersStr := getEnv("KAFKA_BROKERS", "localhost:9093")
	kafkaBrokers := strings.Split(kafkaBrokersStr, ",")
	for i, broker := range kafkaBrokers {
		kafkaBrokers[i] = strings.TrimSpace(broker)
	}

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		BotToken:    getEnv("BOT_TOKEN", ""),
		AdminIDs:    parseAdminIDs(getEnv("ADMIN_IDS", "")),
		// Crypto Pay Configuration
		CryptoPayToken:   getEnv("CRYPTO_PAY_TOKEN", ""),
		CryptoPayBaseURL: getEnv("CRYPTO_PAY_BASE_URL", "https://pay.crypt.bot/api"),
		CryptoPayAsset:   getEnv("CRYPTO_PAY_ASSET", "USDT"),
		InvoiceExpiry:    getEnvAsDuration("INVOICE_EXPIRY", time.Hour),
		// Catalog directories
		SessionsDir: getEnv("SESSIONS_DIR", "data/sessions"),
		SoldDir:     getEnv("SOLD_DIR", "data/sold"),
		InvalidDir:  getEnv("INVALID_DIR", "data/invalid"),
		ScriptsDir:  getEnv("SCRIPTS_DIR", "data/scripts"),
		// Persistence
		SQLitePath: getEnv("SQLITE_PATH", "data/shop.db"),
		// Fulfillment policy
		PollInterval:    getEnvAsDuration("POLL_INTERVAL", 10*time.Second),
		PollMaxAttempts: getEnvAsInt("POLL_MAX_ATTEMPTS", 10),
		// Broadcast pacing
		BroadcastDelay: getEnvAsDuration("BROADCAST_DELAY", 100*time.Millisecond),
		// Kafka Configuration
		KafkaBrokers:    kafkaBrokers,
		KafkaTopicSales: getEnv("KAFKA_TOPIC_SALES", "shop.sales"),
		KafkaClientID:   getEnv("KAFKA_CLIENT_ID", "meltowshop"),
		KafkaAcks:       getEnv("KAFKA_ACKS", "all"),
		KafkaRetries:    getEnvAsInt("KAFKA_RETRIES", 3),
		// Ops API Configuration
		OpsPort:     getEnv("OPS_PORT", "8080"),
		JWTSecret:   getEnv("JWT_SECRET", "your-secret-key-change-in-production-min-32-chars"),
		OpsUser:     getEnv("OPS_USER", "operator"),
		OpsPassword: getEnv("OPS_PASSWORD", ""),
	}
}

// parseAdminIDs parses a comma-separated list of Telegram user IDs.
// Malformed entries are skipped rather than failing startup.
func parseAdminIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
