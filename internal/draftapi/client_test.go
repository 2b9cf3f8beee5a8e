package draftapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drjoon/abuts.fit-sub008/internal/draft"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/api/", Token: "tok", HTTPClient: srv.Client()})
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": status < 300, "data": data})
}

func TestClient_CreateDraftEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/drafts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusCreated, map[string]any{"_id": "d1", "status": "draft", "caseInfos": []any{}})
	})

	d, err := c.CreateDraft(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, StatusDraft, d.Status)
}

func TestClient_AcceptsBarePayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"_id":"d2","status":"draft","caseInfos":[{"_id":"c1","file":{"originalName":"a.stl","size":3}}]}`)
	})

	d, err := c.GetDraft(context.Background(), "d2")
	require.NoError(t, err)
	require.Len(t, d.CaseInfos, 1)
	assert.Equal(t, "a.stl:3", d.CaseInfos[0].FileKey())
}

func TestClient_NotFoundSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"success":false,"message":"Draft not found"}`)
	})

	_, err := c.RegisterFile(context.Background(), "gone", Registration{OriginalName: "a.stl", Size: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDraftNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Draft not found", apiErr.Message)
	assert.Equal(t, "register file", apiErr.Operation)
}

func TestClient_RateLimitedRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.RegisterFile(context.Background(), "d", Registration{})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2*time.Second, RetryAfter(err))
}

func TestClient_BulkRegistration(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/drafts/d1/files/bulk", r.URL.Path)
		var body BulkRegistration
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		out := make([]draft.CaseInfo, 0, len(body.Files))
		for i, f := range body.Files {
			out = append(out, draft.CaseInfo{
				ID:         string(rune('a' + i)),
				File:       &draft.FileMeta{OriginalName: f.OriginalName, Size: f.Size},
				ClinicName: f.ClinicName,
			})
		}
		writeEnvelope(w, http.StatusCreated, out)
	})

	regs := []Registration{
		{OriginalName: "a.stl", Size: 1, CaseInfo: draft.CaseInfo{ClinicName: "c"}},
		{OriginalName: "b.stl", Size: 2},
	}
	cases, err := c.RegisterFiles(context.Background(), "d1", regs)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "c", cases[0].ClinicName)
	assert.Equal(t, "b", cases[1].ID)
}

func TestClient_BulkRegistrationShortAnswer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusCreated, []draft.CaseInfo{})
	})
	_, err := c.RegisterFiles(context.Background(), "d1", []Registration{{OriginalName: "a.stl", Size: 1}})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestClient_FinalizeDuplicateConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"success":false,"code":"DUPLICATE_REQUEST","message":"dup",
			"data":{"mode":"active","duplicates":[{"caseId":"c1","fileName":"a.stl","stageOrder":1,
			"existingRequest":{"_id":"r1","requestId":"20250101-ABCDEFGH","status":"submitted"}}]}}`)
	})

	_, err := c.Finalize(context.Background(), FinalizeInput{DraftID: "d1"})
	var dup *DuplicateConflictError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "active", dup.Mode)
	require.Len(t, dup.Duplicates, 1)
	assert.Equal(t, "r1", dup.Duplicates[0].ExistingRequest.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestClient_FinalizeMissingFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"success":false,"code":"MISSING_FIELDS","message":"missing",
			"missingFiles":[{"fileName":"a.stl","missingFields":["clinicName"]}]}`)
	})

	_, err := c.Finalize(context.Background(), FinalizeInput{DraftID: "d1"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "MISSING_FIELDS", apiErr.Code)
	assert.Equal(t, []string{"a.stl"}, apiErr.MissingFiles())
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestClient_UploadTempMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "홍길동.stl", hdr.Filename)
		assert.Equal(t, "solid", string(b))
		writeEnvelope(w, http.StatusCreated, TempFile{ID: "f1", Key: "files/f1"})
	})

	id, key, err := c.UploadTemp(context.Background(), "홍길동.stl", "model/stl", []byte("solid"))
	require.NoError(t, err)
	assert.Equal(t, "f1", id)
	assert.Equal(t, "files/f1", key)
}

func TestClient_HasDuplicateAndFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/requests/my/has-duplicate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a b.stl", r.URL.Query().Get("fileName"))
		writeEnvelope(w, http.StatusOK, DuplicateCheck{Exists: true, StageOrder: 2, ExistingRequest: &ExistingRequest{ID: "r1"}})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte{1, 2, 3})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL + "/api", Token: "tok", HTTPClient: srv.Client()})

	dc, err := c.HasDuplicate(context.Background(), "a b.stl")
	require.NoError(t, err)
	assert.True(t, dc.Exists)
	assert.Equal(t, 2, dc.StageOrder)

	b, err := c.Fetch(context.Background(), srv.URL+"/blob")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, err = c.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestClient_ParseFilenamesQuota(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"provider":"fallback-quota-exceeded","data":[]}`)
	})
	res, err := c.ParseFilenames(context.Background(), []string{"a.stl"})
	require.NoError(t, err)
	assert.True(t, res.QuotaExceeded())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
}
