// Package upload moves picked files into the active draft: optimistic
// insert, object storage upload, registration, reconciliation, caching and
// best-effort metadata inference.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/drjoon/abuts.fit-sub008/internal/blobcache"
	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/fileid"
	"github.com/drjoon/abuts.fit-sub008/internal/filepolicy"
	"github.com/drjoon/abuts.fit-sub008/internal/inference"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
	"github.com/drjoon/abuts.fit-sub008/internal/metrics"
	"github.com/drjoon/abuts.fit-sub008/internal/storage"
)

var (
	// ErrSessionExpired means the backend no longer knows the draft. The
	// local id has been cleared; the caller must open a new session.
	ErrSessionExpired = errors.New("draft session expired")
	// ErrNoDraft is returned when the session is not bound to a draft.
	ErrNoDraft = errors.New("session has no draft")

	ErrDuplicateInBatch = errors.New("same file picked twice")
	ErrAlreadyInDraft   = errors.New("file already registered in draft")
	ErrUploadInProgress = errors.New("file is already being uploaded")
)

const (
	defaultBackoff     = 500 * time.Millisecond
	defaultMaxBackoff  = 4 * time.Second
	defaultMaxAttempts = 6
	defaultSpacing     = 250 * time.Millisecond
	uploadConcurrency  = 4
)

// Registrar is the part of the backend used for registration.
type Registrar interface {
	RegisterFiles(ctx context.Context, draftID string, regs []draftapi.Registration) ([]draft.CaseInfo, error)
	RegisterFile(ctx context.Context, draftID string, reg draftapi.Registration) (draft.CaseInfo, error)
	RemoveCase(ctx context.Context, draftID, caseID string) error
}

// EditSink receives case edits produced by inference.
type EditSink interface {
	Enqueue(fileKey string, c draft.CaseInfo)
}

// File is one picked file.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Failure describes a file that did not make it into the draft.
type Failure struct {
	Name    string
	FileKey string
	Err     error
}

// Report summarises one Run.
type Report struct {
	Registered []draft.FileRecord
	Skipped    []Failure
	Rejected   []Failure
	Failed     []Failure
}

type Options struct {
	Session  *draft.Session
	API      Registrar
	Storage  storage.Uploader
	Cache    *blobcache.Cache
	Policy   filepolicy.Checker
	Inferer  *inference.Inferer
	Edits    EditSink
	Spacing  time.Duration
	Backoff  time.Duration
	MaxDelay time.Duration
	Attempts int
	Logger   zerolog.Logger
}

// Orchestrator runs uploads against one session.
type Orchestrator struct {
	sess     *draft.Session
	api      Registrar
	store    storage.Uploader
	cache    *blobcache.Cache
	policy   filepolicy.Checker
	inferer  *inference.Inferer
	edits    EditSink
	limiter  *rate.Limiter
	backoff  time.Duration
	maxDelay time.Duration
	attempts int
	logger   zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Orchestrator {
	if opts.Spacing <= 0 {
		opts.Spacing = defaultSpacing
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxBackoff
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultMaxAttempts
	}
	if opts.Cache == nil {
		opts.Cache = blobcache.NewInMemory()
	}
	return &Orchestrator{
		sess:     opts.Session,
		api:      opts.API,
		store:    opts.Storage,
		cache:    opts.Cache,
		policy:   opts.Policy,
		inferer:  opts.Inferer,
		edits:    opts.Edits,
		limiter:  rate.NewLimiter(rate.Every(opts.Spacing), 1),
		backoff:  opts.Backoff,
		maxDelay: opts.MaxDelay,
		attempts: opts.Attempts,
		logger:   dlog.Component(opts.Logger, "upload"),
		sleep:    sleepWithContext,
	}
}

// Run uploads and registers files. Files already registered are skipped;
// files present but unregistered from an earlier attempt are retried
// without a new optimistic entry, and without re-uploading when their bytes
// are already stored. Files another Run is still working on are skipped.
func (o *Orchestrator) Run(ctx context.Context, files []File) (Report, error) {
	var rep Report
	gen := o.sess.Generation()
	draftID := o.sess.ID()
	if draftID == "" {
		return rep, ErrNoDraft
	}
	ctx = dlog.ContextWithDraftID(ctx, draftID)
	logger := dlog.WithContext(ctx, o.logger)

	seen := make(map[string]bool, len(files))
	var fresh, retry []draft.FileRecord
	for _, f := range files {
		size := int64(len(f.Data))
		key := fileid.Key(f.Name, size)
		if seen[key] {
			rep.Skipped = append(rep.Skipped, Failure{Name: f.Name, FileKey: key, Err: ErrDuplicateInBatch})
			continue
		}
		seen[key] = true

		if existing, ok := o.sess.File(key); ok {
			if existing.Registered() {
				rep.Skipped = append(rep.Skipped, Failure{Name: f.Name, FileKey: key, Err: ErrAlreadyInDraft})
				continue
			}
			if existing.Data == nil {
				existing.Data = f.Data
			}
			retry = append(retry, existing)
			continue
		}

		if o.policy != nil {
			if err := o.policy.Check(f.Name, size); err != nil {
				if o.policy.Enforced() {
					rep.Rejected = append(rep.Rejected, Failure{Name: f.Name, FileKey: key, Err: err})
					continue
				}
				logger.Warn().Err(err).Str(dlog.FieldFileName, f.Name).Msg("file policy violation (monitor mode)")
			}
		}
		fresh = append(fresh, draft.NewFileRecord(f.Name, size, f.ContentType, f.Data))
	}

	inserted, err := o.sess.InsertOptimistic(gen, fresh)
	if err != nil {
		return rep, err
	}
	work := append(retry, inserted...)
	if len(work) == 0 {
		return rep, nil
	}
	work, err = o.claim(gen, work, &rep)
	if err != nil {
		return rep, err
	}
	if len(work) == 0 {
		return rep, nil
	}
	defer o.sess.Release(gen, keysOf(work))

	stored, failed, err := o.storeAll(ctx, gen, draftID, work)
	rep.Failed = append(rep.Failed, failed...)
	if err != nil {
		return rep, err
	}
	if len(stored) == 0 {
		return rep, nil
	}

	acks, failed, regErr := o.register(ctx, draftID, stored)
	rep.Failed = append(rep.Failed, failed...)
	if errors.Is(regErr, ErrSessionExpired) {
		switch err := o.sess.ForgetID(gen); {
		case errors.Is(err, draft.ErrStaleGeneration):
			logger.Debug().Msg("draft gone after session reset; newer session kept")
			return rep, fmt.Errorf("%w: %w", draft.ErrStaleGeneration, regErr)
		case err != nil:
			logger.Warn().Err(err).Msg("clear draft id")
		}
		logger.Warn().Msg("draft gone during registration; session id cleared")
		return rep, regErr
	}

	unmatched, err := o.sess.Reconcile(gen, acks)
	if err != nil {
		return rep, err
	}
	for _, u := range unmatched {
		// The file was removed while its registration was in flight.
		if err := o.api.RemoveCase(ctx, draftID, u.Case.ID); err != nil {
			logger.Debug().Err(err).Str(dlog.FieldCaseID, u.Case.ID).Msg("remove orphaned case")
		}
	}

	bySource := make(map[string]draft.FileRecord, len(stored))
	for _, r := range stored {
		bySource[r.SourceFileKey] = r
	}
	var registered []draft.FileRecord
	for _, ack := range acks {
		src, ok := bySource[ack.SourceFileKey]
		if !ok {
			continue
		}
		rec, ok := o.sess.File(src.FileKey)
		if !ok || !rec.Registered() {
			continue
		}
		if key := rec.CacheKey(); key != "" && len(src.Data) > 0 {
			if err := o.cache.SetBlob(ctx, key, src.Data); err != nil {
				logger.Debug().Err(err).Str(dlog.FieldFileKey, rec.FileKey).Msg("cache blob")
			}
		}
		registered = append(registered, rec)
	}
	rep.Registered = registered

	o.infer(ctx, gen, registered)
	return rep, regErr
}

// Retry re-runs registration for records left unregistered by earlier runs.
func (o *Orchestrator) Retry(ctx context.Context) (Report, error) {
	var files []File
	for _, f := range o.sess.Files() {
		if !f.Registered() {
			files = append(files, File{Name: f.Name, ContentType: f.ContentType, Data: f.Data})
		}
	}
	return o.Run(ctx, files)
}

// claim keeps the records no other Run is working on and reports the rest
// as skipped.
func (o *Orchestrator) claim(gen uint64, recs []draft.FileRecord, rep *Report) ([]draft.FileRecord, error) {
	claimed, err := o.sess.Claim(gen, keysOf(recs))
	if err != nil {
		return nil, err
	}
	mine := make(map[string]bool, len(claimed))
	for _, k := range claimed {
		mine[k] = true
	}
	var out []draft.FileRecord
	for _, r := range recs {
		if !mine[r.FileKey] {
			rep.Skipped = append(rep.Skipped, Failure{Name: r.Name, FileKey: r.FileKey, Err: ErrUploadInProgress})
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func keysOf(recs []draft.FileRecord) []string {
	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.FileKey
	}
	return keys
}

// storeAll uploads bytes for records that have no storage key yet. Records
// that fail are dropped from the session.
func (o *Orchestrator) storeAll(ctx context.Context, gen uint64, draftID string, recs []draft.FileRecord) ([]draft.FileRecord, []Failure, error) {
	out := make([]draft.FileRecord, len(recs))
	errs := make([]error, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, rec := range recs {
		out[i] = rec
		if rec.StorageKey != "" {
			continue
		}
		g.Go(func() error {
			st, err := o.store.Put(gctx, storage.Object{
				DraftID:     draftID,
				Name:        rec.Name,
				ContentType: rec.ContentType,
				Data:        rec.Data,
			})
			if err != nil {
				errs[i] = err
				return nil
			}
			out[i].StorageKey = st.StorageKey
			out[i].RemoteID = st.RemoteID
			return nil
		})
	}
	_ = g.Wait()

	var stored []draft.FileRecord
	var failed []Failure
	var dropped []string
	for i, rec := range out {
		if errs[i] != nil {
			failed = append(failed, Failure{Name: rec.Name, FileKey: rec.FileKey, Err: fmt.Errorf("store: %w", errs[i])})
			dropped = append(dropped, rec.SourceFileKey)
			continue
		}
		if err := o.sess.MarkStored(gen, rec.SourceFileKey, rec.StorageKey, rec.RemoteID); err != nil {
			return nil, failed, err
		}
		stored = append(stored, rec)
	}
	if len(dropped) > 0 {
		if err := o.sess.Discard(gen, dropped...); err != nil {
			return nil, failed, err
		}
	}
	return stored, failed, nil
}

func (o *Orchestrator) registration(rec draft.FileRecord) draftapi.Registration {
	c, _ := o.sess.Case(rec.FileKey)
	return draftapi.Registration{
		OriginalName: rec.Name,
		Size:         rec.Size,
		Mimetype:     rec.ContentType,
		S3Key:        rec.StorageKey,
		FileID:       rec.RemoteID,
		CaseInfo:     c.Fields(),
	}
}

// register tries one bulk call and falls back to spaced sequential calls.
func (o *Orchestrator) register(ctx context.Context, draftID string, recs []draft.FileRecord) ([]draft.Ack, []Failure, error) {
	logger := dlog.WithContext(ctx, o.logger)
	regs := make([]draftapi.Registration, len(recs))
	for i, r := range recs {
		regs[i] = o.registration(r)
	}

	cases, err := o.api.RegisterFiles(ctx, draftID, regs)
	if err == nil {
		metrics.RecordRegistration("bulk", "ok")
		acks := make([]draft.Ack, len(recs))
		for i, c := range cases {
			acks[i] = draft.Ack{SourceFileKey: recs[i].SourceFileKey, Case: c}
		}
		return acks, nil, nil
	}
	if errors.Is(err, draftapi.ErrDraftNotFound) {
		metrics.RecordRegistration("bulk", "expired")
		return nil, nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	metrics.RecordRegistration("bulk", "error")
	logger.Warn().Err(err).Int("files", len(recs)).Msg("bulk registration failed; falling back to sequential")

	var acks []draft.Ack
	var failed []Failure
	for i, reg := range regs {
		if err := o.limiter.Wait(ctx); err != nil {
			return acks, failed, err
		}
		c, err := o.registerOne(ctx, draftID, reg)
		switch {
		case err == nil:
			metrics.RecordRegistration("sequential", "ok")
			acks = append(acks, draft.Ack{SourceFileKey: recs[i].SourceFileKey, Case: c})
		case errors.Is(err, draftapi.ErrDraftNotFound):
			metrics.RecordRegistration("sequential", "expired")
			return acks, failed, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		default:
			metrics.RecordRegistration("sequential", "error")
			logger.Warn().Err(err).Str(dlog.FieldFileKey, recs[i].FileKey).Msg("registration failed")
			failed = append(failed, Failure{Name: recs[i].Name, FileKey: recs[i].FileKey, Err: err})
		}
	}
	return acks, failed, nil
}

func (o *Orchestrator) registerOne(ctx context.Context, draftID string, reg draftapi.Registration) (draft.CaseInfo, error) {
	for attempt := 1; ; attempt++ {
		c, err := o.api.RegisterFile(ctx, draftID, reg)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, draftapi.ErrRateLimited) || attempt >= o.attempts {
			return draft.CaseInfo{}, err
		}
		wait := o.backoffFor(attempt - 1)
		if ra := draftapi.RetryAfter(err); ra > wait {
			wait = min(ra, o.maxDelay)
		}
		metrics.RecordRateLimitRetry()
		o.logger.Debug().Int(dlog.FieldAttempt, attempt).Dur("wait", wait).Str(dlog.FieldFileName, reg.OriginalName).Msg("registration rate limited")
		if err := o.sleep(ctx, wait); err != nil {
			return draft.CaseInfo{}, err
		}
	}
}

func (o *Orchestrator) backoffFor(attempt int) time.Duration {
	wait := o.backoff * time.Duration(1<<attempt)
	if wait > o.maxDelay || wait <= 0 {
		wait = o.maxDelay
	}
	return wait
}

// infer fills missing clinic, patient and tooth fields. Inferred values
// never overwrite what the user already typed.
func (o *Orchestrator) infer(ctx context.Context, gen uint64, recs []draft.FileRecord) {
	if o.inferer == nil || len(recs) == 0 {
		return
	}
	var names []string
	keys := make(map[string][]string)
	for _, r := range recs {
		c, ok := o.sess.Case(r.FileKey)
		if ok && c.HasIdentity() {
			continue
		}
		if _, dup := keys[r.Name]; !dup {
			names = append(names, r.Name)
		}
		keys[r.Name] = append(keys[r.Name], r.FileKey)
	}
	if len(names) == 0 {
		return
	}
	results := o.inferer.Infer(ctx, names)
	if o.sess.Stale(gen) {
		return
	}
	for name, res := range results {
		if res.Empty() {
			continue
		}
		for _, key := range keys[name] {
			updated, changed := o.sess.UpdateCase(key, func(c *draft.CaseInfo) {
				if c.ClinicName == "" {
					c.ClinicName = res.ClinicName
				}
				if c.PatientName == "" {
					c.PatientName = res.PatientName
				}
				if c.Tooth == "" {
					c.Tooth = res.Tooth
				}
			})
			if changed && o.edits != nil {
				o.edits.Enqueue(key, updated)
			}
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
