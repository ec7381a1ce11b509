package config

import (
	"strconv"
	"strings"
	"time"

	"docent/pkg/config"
)

// Config stores environment configuration for Docent.
type Config struct {
	Port                string
	DatabaseURL         string
	JWTSecret           string
	LLMProvider         string
	LLMModel            string
	LLMAPIKey           string
	LLMAPIURL           string
	LLMMaxTokens        int
	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingAPIURL     string
	EmbeddingDimensions int
	UtilityLLMProvider  string
	UtilityLLMModel     string
	UtilityLLMAPIKey    string
	UtilityLLMAPIURL    string
	ChatRateLimitHour   int
	RateLimitOverrides  map[string]int
	KafkaBrokers        []string
	BillingKafkaTopic   string
	UsageFlushInterval  time.Duration
	AdminAPIKey         string
}

// LoadConfig loads the Docent configuration from environment variables.
func LoadConfig() Config {
	brokersEnv := strings.TrimSpace(config.GetEnv("KAFKA_BROKERS", ""))
	var brokers []string
	if brokersEnv != "" {
		for _, broker := range strings.Split(brokersEnv, ",") {
			broker = strings.TrimSpace(broker)
			if broker != "" {
				brokers = append(brokers, broker)
			}
		}
	}
	return Config{
		Port:                config.GetEnv("PORT", "18080"),
		DatabaseURL:         config.RequireEnv("DATABASE_URL"),
		JWTSecret:           config.RequireEnv("JWT_SECRET"),
		LLMProvider:         config.GetEnv("LLM_PROVIDER", ""),
		LLMModel:            config.GetEnv("LLM_MODEL", ""),
		LLMAPIKey:           config.GetEnv("LLM_API_KEY", ""),
		LLMAPIURL:           config.GetEnv("LLM_API_URL", ""),
		LLMMaxTokens:        config.GetEnvInt("LLM_MAX_TOKENS", 4096),
		EmbeddingProvider:   config.GetEnv("EMBEDDING_PROVIDER", config.GetEnv("LLM_PROVIDER", "")),
		EmbeddingModel:      config.GetEnv("EMBEDDING_MODEL", config.GetEnv("LLM_MODEL", "")),
		EmbeddingAPIKey:     config.GetEnv("EMBEDDING_API_KEY", config.GetEnv("LLM_API_KEY", "")),
		EmbeddingAPIURL:     config.GetEnv("EMBEDDING_API_URL", config.GetEnv("LLM_API_URL", "")),
		EmbeddingDimensions: config.GetEnvInt("EMBEDDING_DIMENSIONS", 0),
		UtilityLLMProvider:  config.GetEnv("UTILITY_LLM_PROVIDER", config.GetEnv("LLM_PROVIDER", "")),
		UtilityLLMModel:     config.GetEnv("UTILITY_LLM_MODEL", config.GetEnv("LLM_MODEL", "")),
		UtilityLLMAPIKey:    config.GetEnv("UTILITY_LLM_API_KEY", config.GetEnv("LLM_API_KEY", "")),
		UtilityLLMAPIURL:    config.GetEnv("UTILITY_LLM_API_URL", config.GetEnv("LLM_API_URL", "")),
		ChatRateLimitHour:   config.GetEnvInt("DOCENT_CHAT_RATE_LIMIT_PER_HOUR", 0),
		RateLimitOverrides:  parseRateLimitOverrides(config.GetEnv("DOCENT_CHAT_RATE_LIMIT_OVERRIDES", "")),
		KafkaBrokers:        brokers,
		BillingKafkaTopic:   config.GetEnv("BILLING_KAFKA_TOPIC", "billing.usage_reports"),
		UsageFlushInterval:  parseDuration(config.GetEnv("DOCENT_USAGE_FLUSH_INTERVAL", "1m"), time.Minute),
		AdminAPIKey:         config.GetEnv("DOCENT_API_KEY", ""),
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// parseRateLimitOverrides parses "tenant-id:limit,tenant-id:limit" pairs.
func parseRateLimitOverrides(raw string) map[string]int {
	overrides := map[string]int{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return overrides
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			continue
		}
		tenantID := strings.TrimSpace(parts[0])
		if tenantID == "" {
			continue
		}
		limit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || limit < 0 {
			continue
		}
		overrides[tenantID] = limit
	}
	return overrides
}
