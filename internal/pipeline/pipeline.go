// Package pipeline wires the draft session, upload, restoration, duplicate
// checks and finalization into one object for callers such as the CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drjoon/abuts.fit-sub008/internal/blobcache"
	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/duplicate"
	"github.com/drjoon/abuts.fit-sub008/internal/filepolicy"
	"github.com/drjoon/abuts.fit-sub008/internal/finalize"
	"github.com/drjoon/abuts.fit-sub008/internal/inference"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
	"github.com/drjoon/abuts.fit-sub008/internal/restore"
	"github.com/drjoon/abuts.fit-sub008/internal/storage"
	"github.com/drjoon/abuts.fit-sub008/internal/upload"
)

// ErrUnknownFile is returned for file keys that are not in the session.
var ErrUnknownFile = errors.New("file not in draft")

const defaultEditDebounce = 300 * time.Millisecond

// API is the backend surface the pipeline needs. *draftapi.Client
// implements it.
type API interface {
	upload.Registrar
	restore.Source
	duplicate.Lookup
	finalize.API
	inference.Parser
	CreateDraft(ctx context.Context) (draftapi.Draft, error)
	UpdateCase(ctx context.Context, draftID, caseID string, fields draft.CaseInfo) (draft.CaseInfo, error)
}

type Options struct {
	API     API
	Session *draft.Session
	Storage storage.Uploader
	Cache   *blobcache.Cache
	Policy  filepolicy.Checker
	Rules   *inference.RuleSet

	EditDebounce    time.Duration
	RegisterSpacing time.Duration
	Backoff         time.Duration
	MaxBackoff      time.Duration

	Logger zerolog.Logger
}

// Pipeline is the active draft and everything acting on it.
type Pipeline struct {
	api    API
	sess   *draft.Session
	cache  *blobcache.Cache
	edits  *draft.EditQueue[draft.CaseInfo]
	logger zerolog.Logger

	uploader  *upload.Orchestrator
	restorer  *restore.Restorer
	resolver  *duplicate.Resolver
	finalizer *finalize.Finalizer

	mu        sync.Mutex
	held      map[string]upload.File
	pending   duplicate.Classification
	decisions duplicate.Decisions

	closers []func() error
}

func New(opts Options) (*Pipeline, error) {
	if opts.API == nil || opts.Session == nil {
		return nil, errors.New("pipeline: API and Session are required")
	}
	if opts.Storage == nil {
		return nil, errors.New("pipeline: storage uploader is required")
	}
	if opts.Cache == nil {
		opts.Cache = blobcache.NewInMemory()
	}
	if opts.EditDebounce <= 0 {
		opts.EditDebounce = defaultEditDebounce
	}
	logger := dlog.Component(opts.Logger, "pipeline")

	p := &Pipeline{
		api:    opts.API,
		sess:   opts.Session,
		cache:  opts.Cache,
		logger: logger,
		held:   make(map[string]upload.File),
	}
	p.edits = draft.NewEditQueue(opts.EditDebounce, p.writeEdit, dlog.Component(opts.Logger, "edits"))

	inferer := inference.New(inference.Options{
		Rules:  opts.Rules,
		Parser: opts.API,
		Quota:  opts.Session,
		Logger: dlog.Component(opts.Logger, "inference"),
	})
	p.uploader = upload.New(upload.Options{
		Session:  opts.Session,
		API:      opts.API,
		Storage:  opts.Storage,
		Cache:    opts.Cache,
		Policy:   opts.Policy,
		Inferer:  inferer,
		Edits:    p.edits,
		Spacing:  opts.RegisterSpacing,
		Backoff:  opts.Backoff,
		MaxDelay: opts.MaxBackoff,
		Logger:   opts.Logger,
	})
	p.restorer = restore.New(restore.Options{
		Session: opts.Session,
		Source:  opts.API,
		Cache:   opts.Cache,
		Logger:  opts.Logger,
	})
	p.resolver = duplicate.New(duplicate.Options{Lookup: opts.API, Logger: opts.Logger})
	p.finalizer = finalize.New(finalize.Options{
		Session: opts.Session,
		API:     opts.API,
		Edits:   p.edits,
		Cache:   opts.Cache,
		Logger:  opts.Logger,
	})
	return p, nil
}

// Session exposes the underlying session for read access.
func (p *Pipeline) Session() *draft.Session { return p.sess }

// Open binds the session to a live draft. A stored id is reused when the
// backend still has it as a draft; otherwise a new draft is created.
func (p *Pipeline) Open(ctx context.Context) (draftapi.Draft, error) {
	if id := p.sess.ID(); id != "" {
		d, err := p.api.GetDraft(ctx, id)
		switch {
		case err == nil && d.Status == draftapi.StatusDraft:
			return d, nil
		case err == nil, errors.Is(err, draftapi.ErrDraftNotFound):
			p.logger.Info().Str(dlog.FieldDraftID, id).Msg("stored draft is gone; starting a new one")
			if _, err := p.reset(); err != nil {
				return draftapi.Draft{}, err
			}
		default:
			return draftapi.Draft{}, fmt.Errorf("open draft %s: %w", id, err)
		}
	}
	d, err := p.api.CreateDraft(ctx)
	if err != nil {
		return draftapi.Draft{}, fmt.Errorf("create draft: %w", err)
	}
	if err := p.sess.Bind(d.ID); err != nil {
		return draftapi.Draft{}, fmt.Errorf("persist draft id: %w", err)
	}
	p.logger.Info().Str(dlog.FieldDraftID, d.ID).Msg("draft created")
	return d, nil
}

// Restore reloads records and file bytes for the bound draft.
func (p *Pipeline) Restore(ctx context.Context) (restore.Report, error) {
	return p.restorer.Restore(ctx)
}

// AddResult reports one Add.
type AddResult struct {
	Upload upload.Report
	// Pending holds files waiting for a duplicate decision; Blocked holds
	// files whose existing request is already in production.
	Pending []duplicate.Candidate
	Blocked []duplicate.Candidate
}

// Add checks picked files against submitted requests, uploads the clear
// ones and holds the rest until Resolve.
func (p *Pipeline) Add(ctx context.Context, files []upload.File) (AddResult, error) {
	var res AddResult
	if p.sess.ID() == "" {
		if _, err := p.Open(ctx); err != nil {
			return res, err
		}
	}
	items := make([]duplicate.Item, 0, len(files))
	byKey := make(map[string]upload.File, len(files))
	for _, f := range files {
		rec := draft.NewFileRecord(f.Name, int64(len(f.Data)), f.ContentType, nil)
		if _, seen := byKey[rec.FileKey]; seen || p.sess.HasFile(rec.FileKey) {
			// The orchestrator reports these as skipped.
			continue
		}
		byKey[rec.FileKey] = f
		items = append(items, duplicate.Item{FileKey: rec.FileKey, FileName: f.Name})
	}
	classes, err := p.resolver.Check(ctx, items)
	if err != nil {
		return res, err
	}

	held := make(map[string]bool)
	p.mu.Lock()
	for _, c := range classes.Resolvable {
		p.held[c.FileKey] = byKey[c.FileKey]
		held[c.FileKey] = true
	}
	for _, c := range classes.Blocked {
		held[c.FileKey] = true
	}
	p.pending.Resolvable = append(p.pending.Resolvable, classes.Resolvable...)
	p.mu.Unlock()
	for _, c := range classes.Blocked {
		p.logger.Info().
			Str(dlog.FieldFileName, c.FileName).
			Str(dlog.FieldRequestID, c.Existing.RequestID).
			Msg("file matches a request already in production; not uploaded")
	}

	var now []upload.File
	for _, f := range files {
		if !held[draft.NewFileRecord(f.Name, int64(len(f.Data)), f.ContentType, nil).FileKey] {
			now = append(now, f)
		}
	}
	res.Pending, res.Blocked = classes.Resolvable, classes.Blocked
	if len(now) == 0 {
		return res, nil
	}
	rep, err := p.uploader.Run(ctx, now)
	res.Upload = rep
	return res, err
}

// Pending returns the duplicates still waiting for a decision.
func (p *Pipeline) Pending() duplicate.Classification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return duplicate.Classification{
		Resolvable: append([]duplicate.Candidate(nil), p.pending.Resolvable...),
		Blocked:    append([]duplicate.Candidate(nil), p.pending.Blocked...),
	}
}

// Resolve applies decisions to the pending duplicates. Skipped files are
// dropped; replace and remake files are uploaded now and their decisions
// travel with the next Submit. choices are keyed by file key or case id.
func (p *Pipeline) Resolve(ctx context.Context, choices map[string]draftapi.Strategy) (upload.Report, error) {
	p.mu.Lock()
	decided, err := duplicate.Decide(p.pending, choices)
	if err != nil {
		p.mu.Unlock()
		return upload.Report{}, err
	}
	p.decisions = duplicate.Merge(p.decisions, decided)
	p.pending = duplicate.Classification{}
	var files []upload.File
	for _, key := range decided.Proceeding() {
		if f, ok := p.held[key]; ok {
			files = append(files, f)
		}
	}
	for _, d := range decided {
		delete(p.held, d.FileKey)
	}
	p.mu.Unlock()

	if len(files) == 0 {
		return upload.Report{}, nil
	}
	return p.uploader.Run(ctx, files)
}

// Retry re-registers files left unregistered by earlier failures.
func (p *Pipeline) Retry(ctx context.Context) (upload.Report, error) {
	return p.uploader.Retry(ctx)
}

// Edit changes one case record. Edits that change nothing are not sent;
// the rest are debounced per file.
func (p *Pipeline) Edit(fileKey string, fn func(*draft.CaseInfo)) (draft.CaseInfo, error) {
	if fileKey != draft.DefaultKey && !p.sess.HasFile(fileKey) {
		return draft.CaseInfo{}, fmt.Errorf("%w: %s", ErrUnknownFile, fileKey)
	}
	c, changed := p.sess.UpdateCase(fileKey, fn)
	if changed && fileKey != draft.DefaultKey {
		p.edits.Enqueue(fileKey, c)
	}
	return c, nil
}

// writeEdit sends one debounced edit. Files removed meanwhile, or not yet
// registered, are skipped; registration carries the local fields.
func (p *Pipeline) writeEdit(ctx context.Context, fileKey string, c draft.CaseInfo) error {
	rec, ok := p.sess.File(fileKey)
	draftID := p.sess.ID()
	if !ok || !rec.Registered() || draftID == "" {
		return nil
	}
	_, err := p.api.UpdateCase(ctx, draftID, rec.CaseID, c.Fields())
	if errors.Is(err, draftapi.ErrDraftNotFound) {
		p.logger.Debug().Str(dlog.FieldFileKey, fileKey).Msg("edit target gone")
		return nil
	}
	return err
}

// Remove drops a file locally, from the cache and on the server. Local
// removal happens even when the server call fails.
func (p *Pipeline) Remove(ctx context.Context, fileKey string) error {
	p.edits.Discard(fileKey)
	p.mu.Lock()
	delete(p.held, fileKey)
	p.mu.Unlock()

	rec, ok := p.sess.Remove(fileKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, fileKey)
	}
	if key := rec.CacheKey(); key != "" {
		p.cache.Forget(ctx, key)
	}
	if !rec.Registered() || p.sess.ID() == "" {
		return nil
	}
	err := p.api.RemoveCase(ctx, p.sess.ID(), rec.CaseID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, draftapi.ErrDraftNotFound):
		p.logger.Debug().Str(dlog.FieldCaseID, rec.CaseID).Msg("case already gone on server")
		return nil
	default:
		p.logger.Warn().Err(err).Str(dlog.FieldCaseID, rec.CaseID).Msg("remove case on server")
		return fmt.Errorf("remove case %s: %w", rec.CaseID, err)
	}
}

// Submit finalizes the draft with the decisions collected so far. A 409
// leaves its duplicates pending; call Resolve and Submit again. Pending
// duplicates that are all blocked are skipped without asking.
func (p *Pipeline) Submit(ctx context.Context) (finalize.Result, error) {
	p.mu.Lock()
	if n := len(p.pending.Resolvable); n > 0 {
		p.mu.Unlock()
		return finalize.Result{}, fmt.Errorf("%w: %d pending", finalize.ErrNeedsResolution, n)
	}
	if len(p.pending.Blocked) > 0 {
		forced, err := duplicate.Decide(p.pending, nil)
		if err != nil {
			p.mu.Unlock()
			return finalize.Result{}, err
		}
		p.decisions = duplicate.Merge(p.decisions, forced)
		p.pending = duplicate.Classification{}
	}
	decisions := p.decisions
	p.mu.Unlock()

	res, err := p.finalizer.Submit(ctx, decisions)
	var resErr *finalize.ResolutionError
	if errors.As(err, &resErr) {
		p.mu.Lock()
		p.pending = resErr.Conflicts
		p.mu.Unlock()
		return res, err
	}
	if err != nil {
		return res, err
	}
	p.clearDecisions()
	return res, nil
}

// Cancel discards the draft on the server and locally.
func (p *Pipeline) Cancel(ctx context.Context) error {
	id := p.sess.ID()
	if id != "" {
		if err := p.api.DeleteDraft(ctx, id); err != nil && !errors.Is(err, draftapi.ErrDraftNotFound) {
			return fmt.Errorf("delete draft %s: %w", id, err)
		}
	}
	if _, err := p.reset(); err != nil {
		return err
	}
	if err := p.cache.ResetURLs(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("reset url cache")
	}
	return nil
}

func (p *Pipeline) reset() (uint64, error) {
	for _, f := range p.sess.Files() {
		p.edits.Discard(f.FileKey)
	}
	p.clearDecisions()
	gen, err := p.sess.Reset()
	if err != nil {
		return gen, fmt.Errorf("clear draft id: %w", err)
	}
	return gen, nil
}

func (p *Pipeline) clearDecisions() {
	p.mu.Lock()
	p.held = make(map[string]upload.File)
	p.pending = duplicate.Classification{}
	p.decisions = nil
	p.mu.Unlock()
}

// Status is a snapshot of the session.
type Status struct {
	DraftID      string
	Generation   uint64
	Files        []draft.FileRecord
	Selected     int
	Pending      int
	PendingEdits int
	AIDisabled   bool
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	pending := len(p.pending.Resolvable) + len(p.pending.Blocked)
	p.mu.Unlock()
	return Status{
		DraftID:      p.sess.ID(),
		Generation:   p.sess.Generation(),
		Files:        p.sess.Files(),
		Selected:     p.sess.Selected(),
		Pending:      pending,
		PendingEdits: p.edits.Pending(),
		AIDisabled:   p.sess.AIDisabled(),
	}
}

// Flush writes pending edits now.
func (p *Pipeline) Flush(ctx context.Context) error { return p.edits.Flush(ctx) }

// Close flushes edits and releases caches opened by FromConfig.
func (p *Pipeline) Close(ctx context.Context) error {
	errs := []error{p.edits.Close(ctx)}
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
