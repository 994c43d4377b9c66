package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName        string
	AppEnv         string
	AppPort        string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	JWTSecret      string
	OpenAIAPIKey   string
	AIModel        string
	AIBatchTimeout time.Duration
	GradeCacheTTL  time.Duration
	PublishSubject string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("NILAI")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "NILAI API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.batch_timeout", "60s")
	v.SetDefault("grade.cache_ttl", "10m")
	v.SetDefault("publish.subject", "nilai.grades.published")

	batchTimeout, err := time.ParseDuration(v.GetString("ai.batch_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid ai batch timeout: %w", err)
	}

	cacheTTL, err := time.ParseDuration(v.GetString("grade.cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grade cache ttl: %w", err)
	}

	cfg := Config{
		AppName:        v.GetString("app.name"),
		AppEnv:         v.GetString("app.env"),
		AppPort:        v.GetString("app.port"),
		DatabaseURL:    v.GetString("database.url"),
		RedisURL:       v.GetString("redis.url"),
		NATSURL:        v.GetString("nats.url"),
		JWTSecret:      v.GetString("jwt.secret"),
		OpenAIAPIKey:   v.GetString("openai_api_key"),
		AIModel:        v.GetString("ai.model"),
		AIBatchTimeout: batchTimeout,
		GradeCacheTTL:  cacheTTL,
		PublishSubject: v.GetString("publish.subject"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	return cfg, nil
}
