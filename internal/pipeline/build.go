package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/drjoon/abuts.fit-sub008/internal/blobcache"
	"github.com/drjoon/abuts.fit-sub008/internal/config"
	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/filepolicy"
	"github.com/drjoon/abuts.fit-sub008/internal/inference"
	"github.com/drjoon/abuts.fit-sub008/internal/storage"
)

// FromConfig builds a pipeline from environment configuration: the HTTP
// client, the persisted draft id, the badger blob cache, the configured URL
// cache and storage backend.
func FromConfig(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Pipeline, error) {
	api := draftapi.New(draftapi.Options{
		BaseURL:  cfg.APIBaseURL,
		Token:    cfg.APIToken,
		MFAToken: cfg.MFAToken,
		Logger:   logger,
	})

	sess, err := draft.NewSession(draft.NewIDStore(filepath.Join(cfg.StateDir, "draft-id")))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	blobs, err := blobcache.OpenBadgerBlobStore(blobcache.BadgerOptions{Dir: cfg.BlobCacheDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open blob cache: %w", err)
	}
	closers = append(closers, blobs.Close)

	var urls blobcache.KVCache[string, string]
	switch cfg.URLCacheBackend {
	case "redis":
		rs, err := blobcache.NewRedisURLStore(ctx, blobcache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, rs.Close)
		urls = rs
	default:
		mem := blobcache.NewMemoryURLStore(time.Minute)
		closers = append(closers, func() error { mem.Stop(); return nil })
		urls = mem
	}
	cache := blobcache.New(blobs, urls, blobcache.Options{URLTTL: cfg.URLCacheTTL, Logger: logger})

	up, err := storage.LoadFromEnv(ctx, cfg.StorageBackend, api, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	rules := inference.MustDefaultRuleSet()
	if cfg.RulesFile != "" {
		loaded, err := inference.LoadRules(cfg.RulesFile)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("load rules: %w", err)
		}
		rules = loaded
	}

	p, err := New(Options{
		API:             api,
		Session:         sess,
		Storage:         up,
		Cache:           cache,
		Policy:          filepolicy.NewRuleCheckerFromEnv(),
		Rules:           rules,
		EditDebounce:    cfg.EditDebounce,
		RegisterSpacing: cfg.RegisterSpacing,
		Logger:          logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	p.closers = closers
	return p, nil
}
