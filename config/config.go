package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends for the window store and the broadcast channel.
const (
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

type Config struct {
	Port    string
	Redis   RedisConfig
	Storage string

	// Channel is the broadcast channel name, fixed per deployment.
	Channel string

	// FailClosed denies requests when the window store is unreachable.
	// The default is fail-open: availability over strict enforcement.
	FailClosed bool

	// Atomic runs the limiter check as a single server-side script
	// instead of the reference multi-step sequence.
	Atomic bool

	Rules RulesConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RulesConfig holds the per-rule overrides for the built-in rules.
type RulesConfig struct {
	LoginWindow    time.Duration
	LoginMax       int
	QueryWindow    time.Duration
	QueryMax       int
	MutationWindow time.Duration
	MutationMax    int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		Storage:    getEnv("STORAGE_TYPE", StorageRedis),
		Channel:    getEnv("COMMENT_CHANNEL", "comment-events"),
		FailClosed: getEnv("RATE_LIMIT_FAIL_MODE", "open") == "closed",
		Atomic:     getBool("RATE_LIMIT_ATOMIC", false),
	}

	if cfg.Storage != StorageRedis && cfg.Storage != StorageMemory {
		return nil, fmt.Errorf("invalid STORAGE_TYPE %q", cfg.Storage)
	}

	redisCfg, err := loadRedis()
	if err != nil {
		return nil, err
	}
	cfg.Redis = redisCfg

	rules, err := loadRules()
	if err != nil {
		return nil, err
	}
	cfg.Rules = rules

	return cfg, nil
}

func loadRedis() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		host := getEnv("REDIS_HOST", "localhost")
		port := getEnv("REDIS_PORT", "6379")
		addr = host + ":" + port
	}

	db, err := getInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

func loadRules() (RulesConfig, error) {
	rc := RulesConfig{}

	var err error
	if rc.LoginWindow, err = getWindowMs("LOGIN_WINDOW_MS", 15*time.Minute); err != nil {
		return rc, err
	}
	if rc.LoginMax, err = getInt("LOGIN_MAX_REQUESTS", 5); err != nil {
		return rc, err
	}
	if rc.QueryWindow, err = getWindowMs("GRAPHQL_QUERY_WINDOW_MS", time.Minute); err != nil {
		return rc, err
	}
	if rc.QueryMax, err = getInt("GRAPHQL_QUERY_MAX_REQUESTS", 100); err != nil {
		return rc, err
	}
	if rc.MutationWindow, err = getWindowMs("GRAPHQL_MUTATION_WINDOW_MS", time.Minute); err != nil {
		return rc, err
	}
	if rc.MutationMax, err = getInt("GRAPHQL_MUTATION_MAX_REQUESTS", 50); err != nil {
		return rc, err
	}

	return rc, nil
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func getBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getWindowMs(name string, fallback time.Duration) (time.Duration, error) {
	ms, err := getInt(name, int(fallback.Milliseconds()))
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
