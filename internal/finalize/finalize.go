// Package finalize commits a draft: pending edits are flushed, live case
// records are submitted and, on success, the draft and session are torn down.
package finalize

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/drjoon/abuts.fit-sub008/internal/blobcache"
	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/duplicate"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
	"github.com/drjoon/abuts.fit-sub008/internal/metrics"
)

var (
	// ErrNothingToSubmit is returned when no registered file remains.
	ErrNothingToSubmit = errors.New("no registered files to submit")
	// ErrNeedsResolution wraps a 409; see *ResolutionError for the conflicts.
	ErrNeedsResolution = errors.New("duplicates need resolution")
)

// ResolutionError carries the conflicts of a 409 back to the caller.
type ResolutionError struct {
	Conflicts duplicate.Classification
	Mode      string
	Cause     *draftapi.DuplicateConflictError
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: %d resolvable, %d blocked", ErrNeedsResolution, len(e.Conflicts.Resolvable), len(e.Conflicts.Blocked))
}

func (e *ResolutionError) Unwrap() []error { return []error{ErrNeedsResolution, e.Cause} }

// API is the backend surface used by finalization.
type API interface {
	Finalize(ctx context.Context, in draftapi.FinalizeInput) ([]draftapi.Request, error)
	DeleteDraft(ctx context.Context, id string) error
}

// Flusher forces debounced edits out.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Options struct {
	Session *draft.Session
	API     API
	Edits   Flusher
	Cache   *blobcache.Cache
	Logger  zerolog.Logger
}

type Finalizer struct {
	sess   *draft.Session
	api    API
	edits  Flusher
	cache  *blobcache.Cache
	logger zerolog.Logger
}

func New(opts Options) *Finalizer {
	return &Finalizer{
		sess:   opts.Session,
		api:    opts.API,
		edits:  opts.Edits,
		cache:  opts.Cache,
		logger: dlog.Component(opts.Logger, "finalize"),
	}
}

// Result is a successful finalization.
type Result struct {
	DraftID  string
	Requests []draftapi.Request
	// Generation is the session generation after teardown.
	Generation uint64
}

// Submit sends the live case records with decisions. Skipped files are
// left out of caseInfos; their skip resolution is still forwarded. On a
// 409 the draft is untouched and a *ResolutionError is returned. Any other
// failure leaves the draft and uploads intact for a retry.
func (f *Finalizer) Submit(ctx context.Context, decisions duplicate.Decisions) (Result, error) {
	draftID := f.sess.ID()
	if draftID == "" {
		return Result{}, fmt.Errorf("finalize: %w", draftapi.ErrDraftNotFound)
	}
	ctx = dlog.ContextWithDraftID(ctx, draftID)
	logger := dlog.WithContext(ctx, f.logger)

	if f.edits != nil {
		if err := f.edits.Flush(ctx); err != nil {
			metrics.RecordFinalization("flush_error")
			return Result{}, fmt.Errorf("flush edits: %w", err)
		}
	}

	skipped := make(map[string]bool)
	for _, k := range decisions.Skipped() {
		skipped[k] = true
	}
	subs := f.sess.SubmitCases()
	caseIDs := make(map[string]string, len(subs))
	var cases []draft.CaseInfo
	for _, sub := range subs {
		caseIDs[sub.FileKey] = sub.Case.ID
		if skipped[sub.FileKey] {
			continue
		}
		cases = append(cases, sub.Case.WithDefaults())
	}
	resolutions := decisions.Resolutions(func(k string) string { return caseIDs[k] })
	if len(cases) == 0 && len(resolutions) == 0 {
		return Result{}, ErrNothingToSubmit
	}

	reqs, err := f.api.Finalize(ctx, draftapi.FinalizeInput{
		DraftID:              draftID,
		CaseInfos:            cases,
		DuplicateResolutions: resolutions,
	})
	if err != nil {
		var conflict *draftapi.DuplicateConflictError
		if errors.As(err, &conflict) {
			metrics.RecordFinalization("conflict")
			byCase := make(map[string]duplicate.Item, len(subs))
			for _, sub := range subs {
				byCase[sub.Case.ID] = duplicate.Item{FileKey: sub.FileKey, FileName: sub.Name, CaseID: sub.Case.ID}
			}
			classes := duplicate.FromConflict(conflict, func(id string) (duplicate.Item, bool) {
				it, ok := byCase[id]
				return it, ok
			})
			logger.Info().
				Int("resolvable", len(classes.Resolvable)).
				Int("blocked", len(classes.Blocked)).
				Msg("finalization needs duplicate resolution")
			return Result{}, &ResolutionError{Conflicts: classes, Mode: conflict.Mode, Cause: conflict}
		}
		metrics.RecordFinalization("error")
		return Result{}, fmt.Errorf("finalize draft %s: %w", draftID, err)
	}
	metrics.RecordFinalization("ok")
	logger.Info().Int("requests", len(reqs)).Int("cases", len(cases)).Msg("draft finalized")

	gen := f.teardown(ctx, draftID)
	return Result{DraftID: draftID, Requests: reqs, Generation: gen}, nil
}

// teardown deletes the draft and resets local state. The requests exist at
// this point, so failures here are logged rather than returned.
func (f *Finalizer) teardown(ctx context.Context, draftID string) uint64 {
	logger := dlog.WithContext(ctx, f.logger)
	if err := f.api.DeleteDraft(ctx, draftID); err != nil && !errors.Is(err, draftapi.ErrDraftNotFound) {
		logger.Warn().Err(err).Msg("delete finalized draft")
	}
	gen, err := f.sess.Reset()
	if err != nil {
		logger.Warn().Err(err).Msg("clear draft id")
	}
	if f.cache != nil {
		if err := f.cache.ResetURLs(ctx); err != nil {
			logger.Warn().Err(err).Msg("reset url cache")
		}
	}
	return gen
}
