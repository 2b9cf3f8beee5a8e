// Package devserver is a development backend for the draft pipeline. It
// serves the draft, file, request and inference endpoints the client
// expects, backed by memory or Postgres.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/drjoon/abuts.fit-sub008/internal/inference"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
)

// DefaultUser owns every request when no API keys are configured.
const DefaultUser = "dev-user"

// Config configures the server.
type Config struct {
	DataDir string
	// APIKeys maps bearer tokens to user ids. Empty disables auth.
	APIKeys   map[string]string
	MFASecret string
	MFABypass string
	// RateLimit is the per-user registration limit per minute; 0 disables.
	RateLimit  int
	SigningKey []byte
	URLTTL     time.Duration
	// AIQuota is the number of inference calls per day; 0 is unlimited.
	AIQuota int
	Rules   *inference.RuleSet
	Logger  zerolog.Logger
}

// ConfigFromEnv reads DRAFTD_* variables the way the gateway read its own.
func ConfigFromEnv() Config {
	cfg := Config{
		DataDir:    getEnv("DATA_DIR", "data/draftd"),
		APIKeys:    map[string]string{},
		MFASecret:  os.Getenv("DRAFTD_MFA_SECRET"),
		MFABypass:  getEnv("DRAFTD_MFA_BYPASS", "000000"),
		RateLimit:  int(getInt64Env("DRAFTD_RATE_LIMIT", 0)),
		SigningKey: []byte(os.Getenv("DRAFTD_SIGNING_KEY")),
		URLTTL:     time.Duration(getInt64Env("DRAFTD_URL_TTL_SECONDS", 3600)) * time.Second,
		AIQuota:    int(getInt64Env("DRAFTD_AI_QUOTA", 0)),
	}
	// DRAFTD_API_KEYS="user:token,user2:token2"
	for _, pair := range strings.Split(os.Getenv("DRAFTD_API_KEYS"), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			continue
		}
		user, key := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if user != "" && key != "" {
			cfg.APIKeys[key] = user
		}
	}
	return cfg
}

// Server holds the backend state.
type Server struct {
	cfg    Config
	store  Store
	rules  *inference.RuleSet
	logger zerolog.Logger
	now    func() time.Time

	// draftMu serializes read-modify-write cycles on drafts and requests.
	draftMu sync.Mutex

	aiMu    sync.Mutex
	aiDay   string
	aiCalls int

	hits   atomic.Int64
	faults Faults
}

// New builds a server over store.
func New(cfg Config, store Store) *Server {
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte(uuid.NewString())
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data/draftd"
	}
	rules := cfg.Rules
	if rules == nil {
		rules = inference.MustDefaultRuleSet()
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		rules:  rules,
		logger: dlog.Component(cfg.Logger, "draftd"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Faults exposes failure injection for tests.
func (s *Server) Faults() *Faults { return &s.faults }

// Hits counts API requests served, including signed downloads.
func (s *Server) Hits() int64 { return s.hits.Load() }

// Handler returns the HTTP handler with every route mounted under /api.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.countHits)

	r.Get("/healthz", healthz)

	r.Route("/api", func(api chi.Router) {
		// Signed URLs carry their own authorization.
		api.Get("/files/{id}/content", s.handleFileContent)

		api.Group(func(authed chi.Router) {
			authed.Use(authMiddleware(s.cfg))

			authed.Post("/drafts", s.handleCreateDraft)
			authed.Get("/drafts/{id}", s.handleGetDraft)
			authed.Delete("/drafts/{id}", s.handleDeleteDraft)
			authed.Patch("/drafts/{id}/files/{caseId}", s.handleUpdateCase)
			authed.Delete("/drafts/{id}/files/{caseId}", s.handleRemoveCase)
			authed.Group(func(reg chi.Router) {
				if s.cfg.RateLimit > 0 {
					reg.Use(httprate.Limit(s.cfg.RateLimit, time.Minute,
						httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
							return userFrom(r.Context()), nil
						}),
						httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
							writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many registration requests")
						}),
					))
				}
				reg.Post("/drafts/{id}/files", s.handleRegisterFile)
				reg.Post("/drafts/{id}/files/bulk", s.handleRegisterBulk)
			})

			authed.Post("/files/temp", s.handleTempUpload)
			authed.Get("/files/{id}/download-url", s.handleDownloadURL)
			authed.Get("/files/s3/{key}/download-url", s.handleDownloadURLByKey)

			authed.Get("/requests/my", s.handleListRequests)
			authed.Get("/requests/my/has-duplicate", s.handleHasDuplicate)
			authed.Post("/requests/from-draft", s.handleFromDraft)
			authed.Patch("/requests/{id}/status", s.handleSetStatus)

			authed.Post("/ai/parse-filenames", s.handleParseFilenames)
		})
	})

	return otelhttp.NewHandler(r, "draftd")
}

func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			s.hits.Add(1)
		}
		next.ServeHTTP(w, r)
	})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey string

const ctxKeyUser ctxKey = "user"

func userFrom(ctx context.Context) string {
	if u, ok := ctx.Value(ctxKeyUser).(string); ok && u != "" {
		return u
	}
	return DefaultUser
}

func authMiddleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// If no API keys are configured, allow all (development fallback).
			if len(cfg.APIKeys) == 0 {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUser, DefaultUser)))
				return
			}
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization")
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
			user, ok := cfg.APIKeys[token]
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
				return
			}
			if cfg.MFASecret != "" {
				provided := strings.TrimSpace(r.Header.Get("X-MFA-Token"))
				if provided == "" {
					writeError(w, http.StatusUnauthorized, "MFA_REQUIRED", "mfa token required")
					return
				}
				if provided != cfg.MFABypass && !totp.Validate(provided, cfg.MFASecret) {
					writeError(w, http.StatusUnauthorized, "MFA_INVALID", "invalid mfa token")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUser, user)))
		})
	}
}

// corsMiddleware allows browser calls from a UI dev server.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-MFA-Token")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Type,Retry-After")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "code": errCode, "message": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	return dec.Decode(v)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64Env(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return parsed
		}
	}
	return def
}
