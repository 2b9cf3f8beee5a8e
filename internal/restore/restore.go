// Package restore rebuilds file previews for a draft after a reload: blob
// cache first, then a cached signed URL, then a fresh signed URL.
package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/drjoon/abuts.fit-sub008/internal/blobcache"
	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
	"github.com/drjoon/abuts.fit-sub008/internal/metrics"
)

// ErrRestoreFailed is returned when files were expected but none could be
// materialized. The session keeps its records; the caller may retry.
var ErrRestoreFailed = errors.New("no files could be restored")

const defaultConcurrency = 4

// Source is the backend surface used during restoration.
type Source interface {
	GetDraft(ctx context.Context, id string) (draftapi.Draft, error)
	DownloadURL(ctx context.Context, fileID string) (draftapi.SignedURL, error)
	DownloadURLByKey(ctx context.Context, key string) (draftapi.SignedURL, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Tier names where a file's bytes came from.
const (
	TierBlob   = "blob"
	TierURL    = "url"
	TierSigned = "signed"
)

type Options struct {
	Session     *draft.Session
	Source      Source
	Cache       *blobcache.Cache
	Concurrency int
	Logger      zerolog.Logger
}

type Restorer struct {
	sess   *draft.Session
	src    Source
	cache  *blobcache.Cache
	limit  int
	logger zerolog.Logger
}

func New(opts Options) *Restorer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Cache == nil {
		opts.Cache = blobcache.NewInMemory()
	}
	return &Restorer{
		sess:   opts.Session,
		src:    opts.Source,
		cache:  opts.Cache,
		limit:  opts.Concurrency,
		logger: dlog.Component(opts.Logger, "restore"),
	}
}

// Failure is one file that could not be restored.
type Failure struct {
	FileKey string
	Name    string
	Err     error
}

// Report counts what a restoration did.
type Report struct {
	Expected int
	Restored int
	ByTier   map[string]int
	Failed   []Failure
}

// Restore materializes every file without bytes. When the session holds no
// records but is bound to a draft, the draft is fetched once first.
func (r *Restorer) Restore(ctx context.Context) (Report, error) {
	rep := Report{ByTier: map[string]int{}}
	gen := r.sess.Generation()
	ctx = dlog.ContextWithDraftID(ctx, r.sess.ID())
	logger := dlog.WithContext(ctx, r.logger)

	if len(r.sess.Files()) == 0 && r.sess.ID() != "" {
		d, err := r.src.GetDraft(ctx, r.sess.ID())
		if err != nil {
			return rep, fmt.Errorf("load draft: %w", err)
		}
		if err := r.sess.Load(gen, d.CaseInfos); err != nil {
			return rep, err
		}
	}

	var targets []draft.FileRecord
	for _, f := range r.sess.Files() {
		if f.Data == nil && f.CacheKey() != "" {
			targets = append(targets, f)
		}
	}
	rep.Expected = len(targets)
	if rep.Expected == 0 {
		return rep, nil
	}

	var mu sync.Mutex
	data := make(map[string][]byte, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, f := range targets {
		g.Go(func() error {
			b, tier, err := r.materialize(gctx, f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn().Err(err).Str(dlog.FieldFileKey, f.FileKey).Msg("restore file failed")
				rep.Failed = append(rep.Failed, Failure{FileKey: f.FileKey, Name: f.Name, Err: err})
				return nil
			}
			data[f.FileKey] = b
			rep.ByTier[tier]++
			return nil
		})
	}
	_ = g.Wait()

	if r.sess.Stale(gen) {
		metrics.RecordRestoration("stale")
		return rep, draft.ErrStaleGeneration
	}
	if err := r.sess.Attach(gen, data); err != nil {
		metrics.RecordRestoration("stale")
		return rep, err
	}
	rep.Restored = len(data)

	if rep.Restored == 0 {
		metrics.RecordRestoration("failed")
		return rep, fmt.Errorf("%w: 0 of %d", ErrRestoreFailed, rep.Expected)
	}
	if len(rep.Failed) > 0 {
		metrics.RecordRestoration("partial")
	} else {
		metrics.RecordRestoration("ok")
	}
	logger.Info().
		Int("restored", rep.Restored).
		Int("expected", rep.Expected).
		Int("from_blob", rep.ByTier[TierBlob]).
		Msg("restoration complete")
	return rep, nil
}

func (r *Restorer) materialize(ctx context.Context, f draft.FileRecord) ([]byte, string, error) {
	key := f.CacheKey()
	if b, ok := r.cache.GetBlob(ctx, key); ok {
		return b, TierBlob, nil
	}

	if u, ok := r.cache.GetURL(ctx, key); ok {
		b, err := r.src.Fetch(ctx, u)
		if err == nil {
			r.storeBlob(ctx, key, b)
			return b, TierURL, nil
		}
		r.cache.ForgetURL(ctx, key)
	}

	var (
		signed draftapi.SignedURL
		err    error
	)
	if f.RemoteID != "" {
		signed, err = r.src.DownloadURL(ctx, f.RemoteID)
	} else {
		signed, err = r.src.DownloadURLByKey(ctx, f.StorageKey)
	}
	if err != nil {
		return nil, "", fmt.Errorf("signed url: %w", err)
	}
	if err := r.cache.SetURL(ctx, key, signed.URL, signed.TTL()); err != nil {
		r.logger.Debug().Err(err).Str("key", key).Msg("cache url")
	}
	b, err := r.src.Fetch(ctx, signed.URL)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}
	r.storeBlob(ctx, key, b)
	return b, TierSigned, nil
}

func (r *Restorer) storeBlob(ctx context.Context, key string, b []byte) {
	if err := r.cache.SetBlob(ctx, key, b); err != nil {
		r.logger.Debug().Err(err).Str("key", key).Msg("cache blob")
	}
}
