package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	LogLevel               string
	DatabaseURL            string
	AutoMigrate            bool
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	DefaultShopID          string
	ShopName               string
	TaxLabel               string
	TaxRatePercent         string
	SnowflakeNode          int64
	CatalogCacheTTLSeconds int
	AuthSecret             string
	AccessTokenTTLMinutes  int

	// Gateway mode: terminals submit to a remote backend instead of the
	// local store.
	UpstreamAPIURL        string
	UpstreamUsername      string
	UpstreamPassword      string
	UpstreamTimeoutSecs   int
	SessionIdleMinutes    int
	SubmissionLockSeconds int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	node, err := strconv.ParseInt(getEnv("SNOWFLAKE_NODE", "1"), 10, 64)
	if err != nil || node < 0 {
		node = 1
	}
	autoMigrate, err := strconv.ParseBool(getEnv("AUTO_MIGRATE", "true"))
	if err != nil {
		autoMigrate = true
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		AutoMigrate:            autoMigrate,
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		DefaultShopID:          getEnv("DEFAULT_SHOP_ID", "shop-central"),
		ShopName:               getEnv("SHOP_NAME", "PharmaPOS"),
		TaxLabel:               strings.TrimSpace(os.Getenv("TAX_LABEL")),
		TaxRatePercent:         getEnv("TAX_RATE_PERCENT", "0"),
		SnowflakeNode:          node,
		CatalogCacheTTLSeconds: positiveInt("CATALOG_CACHE_TTL_SECONDS", 300),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		UpstreamAPIURL:         strings.TrimSpace(os.Getenv("UPSTREAM_API_URL")),
		UpstreamUsername:       strings.TrimSpace(os.Getenv("UPSTREAM_USERNAME")),
		UpstreamPassword:       os.Getenv("UPSTREAM_PASSWORD"),
		UpstreamTimeoutSecs:    positiveInt("UPSTREAM_TIMEOUT_SECONDS", 10),
		SessionIdleMinutes:     positiveInt("SESSION_IDLE_MINUTES", 30),
		SubmissionLockSeconds:  positiveInt("SUBMISSION_LOCK_SECONDS", 30),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Gateway() bool {
	return c.UpstreamAPIURL != ""
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func (c Config) SubmissionLockTTL() time.Duration {
	return time.Duration(c.SubmissionLockSeconds) * time.Second
}

func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSecs) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
