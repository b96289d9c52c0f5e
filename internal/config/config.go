// Package config loads engine configuration from environment variables,
// with an optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FeedConfig describes one upstream quote feed.
type FeedConfig struct {
	ID  string
	URL string

	// AllowedInstruments filters incoming quotes; anything else is discarded.
	AllowedInstruments []string

	// StalenessThreshold is the maximum silence before the health monitor
	// raises a liveness warning.
	StalenessThreshold time.Duration

	// ExclusionStart/End define a weekly window ("Friday;21:00:00" to
	// "Sunday;21:00:00") during which silence is expected and warnings
	// are suppressed.
	ExclusionStart string
	ExclusionEnd   string
}

// Config is the full engine configuration surface.
type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string
	CoeffAPIURL string

	PrimaryFeed   FeedConfig
	SecondaryFeed FeedConfig // optional; empty URL disables it

	// HealthCheckInterval is how often feed liveness is evaluated.
	HealthCheckInterval time.Duration

	// CoeffRefreshInterval is how often the coefficient cache reloads.
	CoeffRefreshInterval time.Duration

	// SessionCacheCapacity is the soft cap on cached user sessions.
	SessionCacheCapacity int

	// GraphPoints bounds the trailing mid-price buffer per instrument.
	GraphPoints int

	// Defaults applied to instruments with no stored box configuration.
	DefaultBoxesPerRow    int
	DefaultBoxHeight      float64
	DefaultBoxWidth       float64
	DefaultTimeToFirstBox float64
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in if present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CoeffAPIURL: os.Getenv("COEFF_API_URL"),

		PrimaryFeed: FeedConfig{
			ID:                 "primary",
			URL:                os.Getenv("PRIMARY_FEED_URL"),
			AllowedInstruments: getEnvList("PRIMARY_FEED_INSTRUMENTS", nil),
			StalenessThreshold: getEnvDuration("PRIMARY_FEED_STALENESS", 30*time.Second),
			ExclusionStart:     os.Getenv("PRIMARY_FEED_EXCLUSION_START"),
			ExclusionEnd:       os.Getenv("PRIMARY_FEED_EXCLUSION_END"),
		},
		SecondaryFeed: FeedConfig{
			ID:                 "secondary",
			URL:                os.Getenv("SECONDARY_FEED_URL"),
			AllowedInstruments: getEnvList("SECONDARY_FEED_INSTRUMENTS", nil),
			StalenessThreshold: getEnvDuration("SECONDARY_FEED_STALENESS", 30*time.Second),
			ExclusionStart:     os.Getenv("SECONDARY_FEED_EXCLUSION_START"),
			ExclusionEnd:       os.Getenv("SECONDARY_FEED_EXCLUSION_END"),
		},

		HealthCheckInterval:  getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		CoeffRefreshInterval: getEnvDuration("COEFF_REFRESH_INTERVAL", time.Second),
		SessionCacheCapacity: getEnvInt("SESSION_CACHE_CAPACITY", 128),
		GraphPoints:          getEnvInt("GRAPH_POINTS", 50),

		DefaultBoxesPerRow:    getEnvInt("DEFAULT_BOXES_PER_ROW", 7),
		DefaultBoxHeight:      getEnvFloat("DEFAULT_BOX_HEIGHT", 7),
		DefaultBoxWidth:       getEnvFloat("DEFAULT_BOX_WIDTH", 0.00003),
		DefaultTimeToFirstBox: getEnvFloat("DEFAULT_TIME_TO_FIRST_BOX", 4),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
