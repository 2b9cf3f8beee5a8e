// Package config loads pipeline configuration from environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the client-side pipeline settings.
type Config struct {
	APIBaseURL string
	APIToken   string
	MFAToken   string

	// StateDir holds the active draft id file and, unless overridden, the blob cache.
	StateDir     string
	BlobCacheDir string

	StorageBackend  string // backend|s3|azure|sftp|ftps|memory
	URLCacheBackend string // memory|redis
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	EditDebounce    time.Duration
	RegisterSpacing time.Duration
	URLCacheTTL     time.Duration

	RulesFile string
	LogLevel  string
}

// Load reads the environment and fills defaults.
func Load() Config {
	stateDir := env("DRAFT_STATE_DIR", defaultStateDir())
	return Config{
		APIBaseURL:      strings.TrimRight(env("DRAFT_API_URL", "http://localhost:8080/api"), "/"),
		APIToken:        os.Getenv("DRAFT_API_TOKEN"),
		MFAToken:        os.Getenv("DRAFT_API_MFA_TOKEN"),
		StateDir:        stateDir,
		BlobCacheDir:    env("DRAFT_BLOB_CACHE_DIR", filepath.Join(stateDir, "blobs")),
		StorageBackend:  strings.ToLower(env("STORAGE_BACKEND", "backend")),
		URLCacheBackend: strings.ToLower(env("URL_CACHE_BACKEND", "memory")),
		RedisAddr:       env("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         intEnv("REDIS_DB", 0),
		EditDebounce:    durationEnv("DRAFT_EDIT_DEBOUNCE", 300*time.Millisecond),
		RegisterSpacing: durationEnv("DRAFT_REGISTER_SPACING", 250*time.Millisecond),
		URLCacheTTL:     durationEnv("DRAFT_URL_CACHE_TTL", 50*time.Minute),
		RulesFile:       os.Getenv("DRAFT_RULES_FILE"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "draftpipe")
	}
	return ".draftpipe"
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

// BoolEnv parses a boolean env var, returning def when unset or malformed.
func BoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}
