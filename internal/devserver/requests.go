package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/fileid"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
)

// Duplicate modes of a 409 answer.
const (
	ModeActive    = "active"
	ModeCompleted = "completed"
)

type tuple struct{ clinic, patient, tooth string }

func tupleOf(c draft.CaseInfo) (tuple, bool) {
	t := tuple{
		clinic:  strings.TrimSpace(c.ClinicName),
		patient: strings.TrimSpace(c.PatientName),
		tooth:   strings.TrimSpace(c.Tooth),
	}
	return t, t.clinic != "" && t.patient != "" && t.tooth != ""
}

func lookupNameOf(c draft.CaseInfo) string {
	if c.File == nil {
		return ""
	}
	return fileid.LookupName(c.File.OriginalName)
}

// findDuplicate returns the existing request a case collides with, by
// lookup name or by clinic, patient and tooth.
func findDuplicate(live []Request, c draft.CaseInfo) (Request, bool) {
	name := lookupNameOf(c)
	t, hasTuple := tupleOf(c)
	var matches []Request
	for _, r := range live {
		if name != "" && r.LookupName == name {
			matches = append(matches, r)
			continue
		}
		if rt, ok := tupleOf(r.CaseInfos); hasTuple && ok && rt == t {
			matches = append(matches, r)
		}
	}
	return pickDuplicate(matches)
}

func (s *Server) liveRequests(ctx context.Context, userID string) ([]Request, error) {
	now := s.now()
	all, err := s.store.ListRequests(ctx, userID, now.Add(-duplicateWindow))
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.live(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.store.ListRequests(r.Context(), userFrom(r.Context()), time.Time{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	out := make([]draftapi.Request, 0, len(reqs))
	for _, rq := range reqs {
		out = append(out, rq.Request)
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleHasDuplicate(w http.ResponseWriter, r *http.Request) {
	name := fileid.LookupName(r.URL.Query().Get("fileName"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "fileName is required")
		return
	}
	live, err := s.liveRequests(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	var matches []Request
	for _, rq := range live {
		if rq.LookupName == name {
			matches = append(matches, rq)
		}
	}
	best, ok := pickDuplicate(matches)
	if !ok {
		writeData(w, http.StatusOK, map[string]any{
			"exists":          false,
			"hasDuplicate":    false,
			"stageOrder":      -1,
			"existingRequest": nil,
		})
		return
	}
	existing := best.existing()
	writeData(w, http.StatusOK, map[string]any{
		"exists":          true,
		"hasDuplicate":    true,
		"stageOrder":      StageOrder(best.Status),
		"mode":            modeOf(best),
		"existingRequest": existing,
	})
}

func modeOf(r Request) string {
	if r.Status == StatusDone {
		return ModeCompleted
	}
	return ModeActive
}

// finalizeError carries a non-2xx answer out of planFinalize.
type finalizeError struct {
	status  int
	code    string
	message string
	body    map[string]any
}

func (e *finalizeError) Error() string { return e.code + ": " + e.message }

type plannedCase struct {
	c        draft.CaseInfo
	strategy draftapi.Strategy
	existing *Request
}

// planFinalize validates the payload and pairs every case with its
// duplicate decision.
func planFinalize(in draftapi.FinalizeInput, d Draft, live []Request) ([]plannedCase, error) {
	var missing []draftapi.MissingFields
	for _, c := range in.CaseInfos {
		var fields []string
		if strings.TrimSpace(c.ClinicName) == "" {
			fields = append(fields, "clinicName")
		}
		if strings.TrimSpace(c.PatientName) == "" {
			fields = append(fields, "patientName")
		}
		if len(fields) > 0 {
			missing = append(missing, draftapi.MissingFields{FileName: fileNameOf(c), MissingFields: fields})
		}
	}
	if len(missing) > 0 {
		return nil, &finalizeError{
			status:  http.StatusBadRequest,
			code:    "MISSING_FIELDS",
			message: fmt.Sprintf("%d file(s) lack clinic or patient", len(missing)),
			body:    map[string]any{"missingFiles": missing},
		}
	}

	seen := make(map[tuple]string)
	for _, c := range in.CaseInfos {
		t, ok := tupleOf(c)
		if !ok {
			continue
		}
		if prev, dup := seen[t]; dup {
			return nil, &finalizeError{
				status:  http.StatusBadRequest,
				code:    "DUPLICATE_IN_PAYLOAD",
				message: fmt.Sprintf("%s and %s describe the same clinic, patient and tooth", prev, fileNameOf(c)),
			}
		}
		seen[t] = fileNameOf(c)
	}

	resolutions := make(map[string]draftapi.Resolution, len(in.DuplicateResolutions))
	for _, res := range in.DuplicateResolutions {
		if !res.Strategy.Valid() {
			return nil, &finalizeError{status: http.StatusBadRequest, code: "INVALID_RESOLUTION", message: "unknown strategy " + string(res.Strategy)}
		}
		resolutions[res.CaseID] = res
	}

	var (
		plan       []plannedCase
		unresolved []draftapi.Duplicate
		mode       = ModeCompleted
	)
	for _, c := range in.CaseInfos {
		if i := d.caseIndex(c.ID); i >= 0 && c.File == nil {
			c.File = d.CaseInfos[i].File
		}
		c = c.WithDefaults()
		existing, found := findDuplicate(live, c)
		if !found {
			plan = append(plan, plannedCase{c: c})
			continue
		}
		res, decided := resolutions[c.ID]
		if !decided {
			unresolved = append(unresolved, draftapi.Duplicate{
				CaseID:          c.ID,
				FileName:        fileNameOf(c),
				StageOrder:      StageOrder(existing.Status),
				ExistingRequest: existing.existing(),
			})
			if modeOf(existing) == ModeActive {
				mode = ModeActive
			}
			continue
		}
		if res.Strategy != draftapi.StrategySkip && res.ExistingRequestID != existing.ID {
			return nil, &finalizeError{status: http.StatusBadRequest, code: "INVALID_RESOLUTION", message: "existingRequestId does not match for case " + c.ID}
		}
		if res.Strategy == draftapi.StrategyReplace && StageOrder(existing.Status) >= StageOrder(StatusProduction) {
			return nil, &finalizeError{status: http.StatusBadRequest, code: "REPLACE_LOCKED", message: "request " + existing.RequestID + " is already in production"}
		}
		e := existing
		plan = append(plan, plannedCase{c: c, strategy: res.Strategy, existing: &e})
	}
	if len(unresolved) > 0 {
		return nil, &finalizeError{
			status:  http.StatusConflict,
			code:    "DUPLICATE_REQUEST",
			message: fmt.Sprintf("%d file(s) match existing requests", len(unresolved)),
			body:    map[string]any{"data": map[string]any{"mode": mode, "duplicates": unresolved}},
		}
	}
	return plan, nil
}

func fileNameOf(c draft.CaseInfo) string {
	if c.File != nil {
		return c.File.OriginalName
	}
	return c.ID
}

func (s *Server) handleFromDraft(w http.ResponseWriter, r *http.Request) {
	var in draftapi.FinalizeInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	ctx := r.Context()
	user := userFrom(ctx)

	s.draftMu.Lock()
	defer s.draftMu.Unlock()

	d, err := s.store.GetDraft(ctx, in.DraftID)
	if err != nil || d.UserID != user {
		writeError(w, http.StatusNotFound, "DRAFT_NOT_FOUND", "draft not found")
		return
	}
	if len(in.CaseInfos) == 0 && len(in.DuplicateResolutions) == 0 {
		writeError(w, http.StatusBadRequest, "NO_CASES", "nothing to submit")
		return
	}
	live, err := s.liveRequests(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	plan, err := planFinalize(in, d, live)
	if err != nil {
		var fe *finalizeError
		if errors.As(err, &fe) {
			body := map[string]any{"success": false, "code": fe.code, "message": fe.message}
			for k, v := range fe.body {
				body[k] = v
			}
			writeJSON(w, fe.status, body)
			return
		}
		writeError(w, http.StatusInternalServerError, "FINALIZE", err.Error())
		return
	}

	now := s.now()
	var writes []Request
	var strategies []draftapi.Strategy
	for _, p := range plan {
		var rq Request
		switch p.strategy {
		case draftapi.StrategySkip:
			continue
		case draftapi.StrategyReplace:
			rq = *p.existing
			rq.CaseInfos = p.c
			rq.LookupName = lookupNameOf(p.c)
			rq.Status = StatusSubmitted
			rq.UpdatedAt = now
		default:
			rq = Request{
				Request: draftapi.Request{
					ID:        uuid.NewString(),
					RequestID: newRequestID(now),
					Status:    StatusSubmitted,
					CaseInfos: p.c,
					CreatedAt: now,
					UpdatedAt: now,
				},
				UserID:     user,
				LookupName: lookupNameOf(p.c),
			}
			if p.strategy == draftapi.StrategyRemake {
				rq.RemakeOf = p.existing.ID
			}
		}
		writes = append(writes, rq)
		strategies = append(strategies, p.strategy)
	}
	if err := s.store.PutRequests(ctx, writes); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	out := make([]draftapi.Request, 0, len(writes))
	for i, rq := range writes {
		s.logger.Info().
			Str(dlog.FieldDraftID, d.ID).
			Str(dlog.FieldRequestID, rq.RequestID).
			Str(dlog.FieldStrategy, string(strategies[i])).
			Msg("request written")
		out = append(out, rq.Request)
	}
	writeData(w, http.StatusCreated, out)
}

// SetRequestStatus moves a request to status. Tests use it to age requests
// through production.
func (s *Server) SetRequestStatus(ctx context.Context, id, status string) (draftapi.Request, error) {
	if !ValidStatus(status) {
		return draftapi.Request{}, fmt.Errorf("unknown status %q", status)
	}
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	rq, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return draftapi.Request{}, err
	}
	rq.Status = status
	rq.UpdatedAt = s.now()
	if err := s.store.PutRequest(ctx, rq); err != nil {
		return draftapi.Request{}, err
	}
	return rq.Request, nil
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if rq, err := s.store.GetRequest(r.Context(), id); err != nil || rq.UserID != userFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "REQUEST_NOT_FOUND", "request not found")
		return
	}
	rq, err := s.SetRequestStatus(r.Context(), id, body.Status)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "REQUEST_NOT_FOUND", "request not found")
	case err != nil:
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error())
	default:
		writeData(w, http.StatusOK, rq)
	}
}
