package devserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
)

const defaultMimetype = "application/octet-stream"

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	d := Draft{
		ID:        uuid.NewString(),
		UserID:    userFrom(r.Context()),
		Status:    draftapi.StatusDraft,
		CaseInfos: []draft.CaseInfo{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutDraft(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	s.logger.Info().Str(dlog.FieldDraftID, d.ID).Str("user", d.UserID).Msg("draft created")
	writeData(w, http.StatusCreated, d.view())
}

// loadDraft fetches the caller's draft, answering 404 for missing or
// foreign drafts.
func (s *Server) loadDraft(w http.ResponseWriter, r *http.Request) (Draft, bool) {
	d, err := s.store.GetDraft(r.Context(), chi.URLParam(r, "id"))
	if err != nil || d.UserID != userFrom(r.Context()) {
		if err != nil && !errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "STORE", err.Error())
			return Draft{}, false
		}
		writeError(w, http.StatusNotFound, "DRAFT_NOT_FOUND", "draft not found")
		return Draft{}, false
	}
	return d, true
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, d.view())
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteDraft(r.Context(), d.ID); err != nil && !errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	writeData(w, http.StatusOK, nil)
}

// addCase registers one file, returning the existing case when the same
// name and size is already in the draft.
func (s *Server) addCase(d *Draft, reg draftapi.Registration) (draft.CaseInfo, bool, error) {
	name := strings.TrimSpace(reg.OriginalName)
	if name == "" {
		return draft.CaseInfo{}, false, errors.New("originalName is required")
	}
	if reg.Size < 0 {
		return draft.CaseInfo{}, false, errors.New("size must not be negative")
	}
	if reg.FileID == "" && reg.S3Key == "" {
		return draft.CaseInfo{}, false, errors.New("fileId or s3Key is required")
	}
	if i := d.caseByFile(name, reg.Size); i >= 0 {
		return d.CaseInfos[i], false, nil
	}
	mimetype := reg.Mimetype
	if mimetype == "" {
		mimetype = defaultMimetype
	}
	c := reg.CaseInfo.Fields().WithDefaults()
	c.ID = uuid.NewString()
	c.File = &draft.FileMeta{
		FileID:       reg.FileID,
		OriginalName: name,
		Size:         reg.Size,
		Mimetype:     mimetype,
		StorageKey:   reg.S3Key,
	}
	d.CaseInfos = append(d.CaseInfos, c)
	return c, true, nil
}

func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request) {
	if s.faults.register(w) {
		return
	}
	var reg draftapi.Registration
	if err := decodeBody(w, r, &reg); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	c, created, err := s.addCase(&d, reg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FILE", err.Error())
		return
	}
	if !created {
		writeData(w, http.StatusOK, c)
		return
	}
	d.UpdatedAt = s.now()
	if err := s.store.PutDraft(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	writeData(w, http.StatusCreated, c)
}

func (s *Server) handleRegisterBulk(w http.ResponseWriter, r *http.Request) {
	if s.faults.bulk(w) {
		return
	}
	var body draftapi.BulkRegistration
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if len(body.Files) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "files is required")
		return
	}
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	out := make([]draft.CaseInfo, 0, len(body.Files))
	for _, reg := range body.Files {
		c, _, err := s.addCase(&d, reg)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_FILE", reg.OriginalName+": "+err.Error())
			return
		}
		out = append(out, c)
	}
	d.UpdatedAt = s.now()
	if err := s.store.PutDraft(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	writeData(w, http.StatusCreated, out)
}

// handleUpdateCase replaces the editable fields of one case. The client
// always sends the full editable record.
func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	var fields draft.CaseInfo
	if err := decodeBody(w, r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	i := d.caseIndex(chi.URLParam(r, "caseId"))
	if i < 0 {
		writeError(w, http.StatusNotFound, "CASE_NOT_FOUND", "case not found")
		return
	}
	cur := d.CaseInfos[i]
	next := fields.Fields().WithDefaults()
	next.ID, next.File = cur.ID, cur.File
	d.CaseInfos[i] = next
	d.UpdatedAt = s.now()
	if err := s.store.PutDraft(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	writeData(w, http.StatusOK, next)
}

func (s *Server) handleRemoveCase(w http.ResponseWriter, r *http.Request) {
	s.draftMu.Lock()
	defer s.draftMu.Unlock()
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	i := d.caseIndex(chi.URLParam(r, "caseId"))
	if i < 0 {
		writeError(w, http.StatusNotFound, "CASE_NOT_FOUND", "case not found")
		return
	}
	d.CaseInfos = append(d.CaseInfos[:i], d.CaseInfos[i+1:]...)
	d.UpdatedAt = s.now()
	if err := s.store.PutDraft(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	writeData(w, http.StatusOK, d.view())
}
