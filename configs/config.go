package config

import (
	"os"
	"strconv"
	"time"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
}

type Config struct {
	TwitterClientID      string
	TwitterClientSecret  string
	LinkedinClientID     string
	LinkedinClientSecret string
	FacebookAppID        string
	FacebookAppSecret    string
	PostgresURI          string
	RedisURI             string
	FrontendURL          string
	R2                   R2
	SecretKey            string
	CookieName           string
	PollInterval         time.Duration
	DueBatchSize         int
	ShutdownGrace        time.Duration
	LeaseTTL             time.Duration
}

func LoadConfig() *Config {
	return &Config{
		TwitterClientID:      getEnv("TWITTER_CLIENT_ID", ""),
		TwitterClientSecret:  getEnv("TWITTER_CLIENT_SECRET", ""),
		LinkedinClientID:     getEnv("LINKEDIN_CLIENT_ID", ""),
		LinkedinClientSecret: getEnv("LINKEDIN_CLIENT_SECRET", ""),
		FacebookAppID:        getEnv("FACEBOOK_APP_ID", ""),
		FacebookAppSecret:    getEnv("FACEBOOK_APP_SECRET", ""),
		PostgresURI:          getEnv("POSTGRES_URI", ""),
		RedisURI:             getEnv("REDIS_URI", ""),
		FrontendURL:          getEnv("FRONTEND_URL", "http://localhost:5173"),
		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
		},
		SecretKey:     getEnv("SECRET_KEY", ""),
		CookieName:    getEnv("COOKIE_NAME", "access_token"),
		PollInterval:  getDuration("SCHEDULER_POLL_INTERVAL", 60*time.Second),
		DueBatchSize:  getInt("SCHEDULER_DUE_BATCH_SIZE", 100),
		ShutdownGrace: getDuration("SCHEDULER_SHUTDOWN_GRACE", 30*time.Second),
		LeaseTTL:      getDuration("SCHEDULER_LEASE_TTL", 90*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
