// Package duplicate checks files against previously submitted requests and
// turns user decisions into finalization resolutions.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
	"github.com/drjoon/abuts.fit-sub008/internal/metrics"
)

// Stage orders of an existing request.
const (
	StageSubmitted     = 0
	StagePreProduction = 1
	StageProduction    = 2
	StageShipping      = 3
	StageDone          = 4
)

// LockedProduction is the locked reason for requests already in production.
const LockedProduction = "production"

var (
	// ErrUndecided is returned when a resolvable candidate has no decision.
	ErrUndecided = errors.New("duplicate has no decision")
	// ErrLocked is returned when replace or remake is chosen for a request
	// that is already in production.
	ErrLocked = errors.New("existing request is locked")
	// ErrUnknownStrategy rejects strategies other than skip, replace, remake.
	ErrUnknownStrategy = errors.New("unknown duplicate strategy")
)

const defaultConcurrency = 6

// Lookup is the has-duplicate endpoint.
type Lookup interface {
	HasDuplicate(ctx context.Context, fileName string) (draftapi.DuplicateCheck, error)
}

// Item is one file to check.
type Item struct {
	FileKey  string
	FileName string
	CaseID   string // set once the file is registered
}

// Candidate is a file that collides with an existing request.
type Candidate struct {
	Item
	StageOrder   int
	Existing     draftapi.ExistingRequest
	LockedReason string
}

// Blocked reports whether the existing request can no longer be replaced
// or remade.
func (c Candidate) Blocked() bool { return c.LockedReason != "" }

func newCandidate(it Item, stage int, existing draftapi.ExistingRequest) Candidate {
	c := Candidate{Item: it, StageOrder: stage, Existing: existing}
	if stage >= StageProduction {
		c.LockedReason = LockedProduction
	}
	return c
}

// Classification splits checked files three ways.
type Classification struct {
	Clear      []Item
	Resolvable []Candidate
	Blocked    []Candidate
}

// NeedsDecision reports whether any resolvable candidate is waiting for the user.
func (c Classification) NeedsDecision() bool { return len(c.Resolvable) > 0 }

func (c *Classification) add(cand Candidate) {
	if cand.Blocked() {
		c.Blocked = append(c.Blocked, cand)
		metrics.RecordDuplicate("blocked")
		return
	}
	c.Resolvable = append(c.Resolvable, cand)
	metrics.RecordDuplicate("resolvable")
}

type Options struct {
	Lookup      Lookup
	Concurrency int
	Logger      zerolog.Logger
}

// Resolver runs duplicate lookups.
type Resolver struct {
	lookup Lookup
	limit  int
	logger zerolog.Logger
}

func New(opts Options) *Resolver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Resolver{lookup: opts.Lookup, limit: opts.Concurrency, logger: dlog.Component(opts.Logger, "duplicate")}
}

// Check looks every item up concurrently. A failed lookup counts as clear;
// finalization re-checks on the server.
func (r *Resolver) Check(ctx context.Context, items []Item) (Classification, error) {
	type answer struct {
		check draftapi.DuplicateCheck
		err   error
	}
	answers := make([]answer, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, it := range items {
		g.Go(func() error {
			chk, err := r.lookup.HasDuplicate(gctx, it.FileName)
			answers[i] = answer{check: chk, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}

	var out Classification
	for i, it := range items {
		a := answers[i]
		switch {
		case a.err != nil:
			r.logger.Warn().Err(a.err).Str(dlog.FieldFileName, it.FileName).Msg("duplicate lookup failed; treating as clear")
			metrics.RecordDuplicate("error")
			out.Clear = append(out.Clear, it)
		case !a.check.Exists || a.check.ExistingRequest == nil || a.check.StageOrder < 0:
			metrics.RecordDuplicate("clear")
			out.Clear = append(out.Clear, it)
		default:
			out.add(newCandidate(it, a.check.StageOrder, *a.check.ExistingRequest))
		}
	}
	return out, nil
}

// FromConflict classifies the duplicates of a 409 finalization answer.
// itemFor maps a case id back to its file; unknown case ids are kept with
// the file name the server reported.
func FromConflict(err *draftapi.DuplicateConflictError, itemFor func(caseID string) (Item, bool)) Classification {
	var out Classification
	for _, d := range err.Duplicates {
		it, ok := itemFor(d.CaseID)
		if !ok {
			it = Item{CaseID: d.CaseID, FileName: d.FileName}
		}
		stage := d.StageOrder
		if stage < 0 {
			stage = StageSubmitted
		}
		out.add(newCandidate(it, stage, d.ExistingRequest))
	}
	return out
}

// Decision is the user's answer for one candidate.
type Decision struct {
	Candidate
	Strategy draftapi.Strategy
}

// Decisions is a validated set of decisions.
type Decisions []Decision

// Decide validates choices (keyed by file key, or by case id for
// candidates without one) against the candidates. Every resolvable
// candidate needs a decision; blocked ones are always skipped.
func Decide(c Classification, choices map[string]draftapi.Strategy) (Decisions, error) {
	var out Decisions
	var errs []error
	for _, cand := range c.Blocked {
		if s, ok := choose(choices, cand); ok && s != draftapi.StrategySkip {
			errs = append(errs, fmt.Errorf("%w: %s (%s)", ErrLocked, cand.FileName, cand.LockedReason))
			continue
		}
		out = append(out, Decision{Candidate: cand, Strategy: draftapi.StrategySkip})
	}
	for _, cand := range c.Resolvable {
		s, ok := choose(choices, cand)
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("%w: %s", ErrUndecided, cand.FileName))
		case !s.Valid():
			errs = append(errs, fmt.Errorf("%w %q for %s", ErrUnknownStrategy, s, cand.FileName))
		default:
			out = append(out, Decision{Candidate: cand, Strategy: s})
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func choose(choices map[string]draftapi.Strategy, c Candidate) (draftapi.Strategy, bool) {
	if c.FileKey != "" {
		if s, ok := choices[c.FileKey]; ok {
			return s, true
		}
	}
	if c.CaseID != "" {
		if s, ok := choices[c.CaseID]; ok {
			return s, true
		}
	}
	return "", false
}

// Skipped returns the file keys that must not be submitted.
func (ds Decisions) Skipped() []string {
	var out []string
	for _, d := range ds {
		if d.Strategy == draftapi.StrategySkip && d.FileKey != "" {
			out = append(out, d.FileKey)
		}
	}
	return out
}

// Proceeding returns the file keys that go ahead as replace or remake.
func (ds Decisions) Proceeding() []string {
	var out []string
	for _, d := range ds {
		if d.Strategy != draftapi.StrategySkip && d.FileKey != "" {
			out = append(out, d.FileKey)
		}
	}
	return out
}

// Resolutions builds the finalization payload. caseIDFor supplies case ids
// for decisions made before registration; decisions whose file never got a
// case id are left out.
func (ds Decisions) Resolutions(caseIDFor func(fileKey string) string) []draftapi.Resolution {
	seen := make(map[string]bool, len(ds))
	var out []draftapi.Resolution
	for _, d := range ds {
		caseID := d.CaseID
		if caseID == "" && caseIDFor != nil && d.FileKey != "" {
			caseID = caseIDFor(d.FileKey)
		}
		if caseID == "" || seen[caseID] {
			continue
		}
		seen[caseID] = true
		out = append(out, draftapi.Resolution{
			CaseID:            caseID,
			Strategy:          d.Strategy,
			ExistingRequestID: d.Existing.ID,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out
}

// Merge combines decisions from successive rounds; later rounds win per case.
func Merge(rounds ...Decisions) Decisions {
	idx := map[string]int{}
	var out Decisions
	for _, ds := range rounds {
		for _, d := range ds {
			key := d.FileKey
			if key == "" {
				key = "case:" + d.CaseID
			}
			if i, ok := idx[key]; ok {
				out[i] = d
				continue
			}
			idx[key] = len(out)
			out = append(out, d)
		}
	}
	return out
}
