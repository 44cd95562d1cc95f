package server

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	Addr           string
	Backend        string // memory, mongo, redis, postgres
	MongoURI       string
	MongoDatabase  string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PostgresDSN    string
	Secret         []byte // signs session tokens
	DefaultPadText string
	SessionTTL     time.Duration
}

// LoadConfig reads .env if present, then the environment, falling back to
// development defaults.
func LoadConfig() Config {
	godotenv.Load()
	return Config{
		Addr:           envOr("OTTOPAD_ADDR", ":9001"),
		Backend:        envOr("OTTOPAD_BACKEND", "memory"),
		MongoURI:       envOr("OTTOPAD_MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:  envOr("OTTOPAD_MONGO_DB", "ottopad"),
		RedisAddr:      envOr("OTTOPAD_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("OTTOPAD_REDIS_PASSWORD"),
		RedisDB:        envIntOr("OTTOPAD_REDIS_DB", 0),
		PostgresDSN:    envOr("OTTOPAD_POSTGRES_DSN", "postgres://localhost:5432/ottopad"),
		Secret:         []byte(envOr("OTTOPAD_SECRET", "dev-secret-change-me")),
		DefaultPadText: envOr("OTTOPAD_DEFAULT_PAD_TEXT", "Welcome to ottopad!"),
		SessionTTL:     time.Duration(envIntOr("OTTOPAD_SESSION_TTL_HOURS", 24*30)) * time.Hour,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
