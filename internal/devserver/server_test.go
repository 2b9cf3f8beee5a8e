package devserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
)

type testClock struct{ offset atomic.Int64 }

func (c *testClock) Now() time.Time {
	return time.Now().UTC().Add(time.Duration(c.offset.Load()))
}

func (c *testClock) Advance(d time.Duration) { c.offset.Add(int64(d)) }

type harness struct {
	clock  *testClock
	srv    *Server
	ts     *httptest.Server
	client *draftapi.Client
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithStore(t, cfg, NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, cfg Config, store Store) *harness {
	t.Helper()
	cfg.DataDir = t.TempDir()
	cfg.Logger = zerolog.Nop()
	srv := New(cfg, store)
	clock := &testClock{}
	srv.now = clock.Now
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{
		clock:  clock,
		srv:    srv,
		ts:     ts,
		client: draftapi.New(draftapi.Options{BaseURL: ts.URL + "/api", HTTPClient: ts.Client()}),
	}
}

func reg(name string, size int64, clinic, patient, tooth string) draftapi.Registration {
	return draftapi.Registration{
		OriginalName: name,
		Size:         size,
		FileID:       "f-" + name,
		CaseInfo:     draft.CaseInfo{ClinicName: clinic, PatientName: patient, Tooth: tooth},
	}
}

func TestDraft_CreateGetDelete(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)
	assert.Equal(t, draftapi.StatusDraft, d.Status)
	assert.Empty(t, d.CaseInfos)

	got, err := h.client.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	require.NoError(t, h.client.DeleteDraft(ctx, d.ID))
	_, err = h.client.GetDraft(ctx, d.ID)
	assert.ErrorIs(t, err, draftapi.ErrDraftNotFound)
}

func TestRegister_IdempotentByNameAndSize(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)

	first, err := h.client.RegisterFile(ctx, d.ID, reg("a.stl", 10, "", "", ""))
	require.NoError(t, err)
	again, err := h.client.RegisterFile(ctx, d.ID, reg("a.stl", 10, "", "", ""))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, draft.ShippingNormal, first.ShippingMode)
	assert.Equal(t, defaultMimetype, first.File.Mimetype)

	got, err := h.client.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, got.CaseInfos, 1)
}

func TestRegister_RequiresStorageReference(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)

	_, err = h.client.RegisterFile(ctx, d.ID, draftapi.Registration{OriginalName: "a.stl", Size: 1})
	assert.ErrorIs(t, err, draftapi.ErrBadRequest)
}

func TestRegister_Bulk(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)

	cases, err := h.client.RegisterFiles(ctx, d.ID, []draftapi.Registration{
		reg("a.stl", 1, "", "", ""),
		reg("b.stl", 2, "", "", ""),
	})
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "a.stl", cases[0].File.OriginalName)
	assert.Equal(t, 1, h.srv.Faults().BulkCalls())
}

func TestFaults_BulkAndRateLimit(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)

	h.srv.Faults().FailBulk(1)
	_, err = h.client.RegisterFiles(ctx, d.ID, []draftapi.Registration{reg("a.stl", 1, "", "", "")})
	assert.ErrorIs(t, err, draftapi.ErrServer)

	h.srv.Faults().RateLimitRegistrations(1, 2*time.Second)
	_, err = h.client.RegisterFile(ctx, d.ID, reg("a.stl", 1, "", "", ""))
	require.ErrorIs(t, err, draftapi.ErrRateLimited)
	assert.Equal(t, 2*time.Second, draftapi.RetryAfter(err))

	_, err = h.client.RegisterFile(ctx, d.ID, reg("a.stl", 1, "", "", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, h.srv.Faults().RegisterCalls())
}

func TestRateLimit_PerUser(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1})
	ctx := context.Background()
	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)

	_, err = h.client.RegisterFile(ctx, d.ID, reg("a.stl", 1, "", "", ""))
	require.NoError(t, err)
	_, err = h.client.RegisterFile(ctx, d.ID, reg("b.stl", 1, "", "", ""))
	assert.ErrorIs(t, err, draftapi.ErrRateLimited)
}

func TestCase_UpdateAndRemove(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)
	c, err := h.client.RegisterFile(ctx, d.ID, reg("a.stl", 1, "", "", ""))
	require.NoError(t, err)

	updated, err := h.client.UpdateCase(ctx, d.ID, c.ID, draft.CaseInfo{ClinicName: "Smile", PatientName: "Kim", Tooth: "11"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, updated.ID)
	assert.Equal(t, "Smile", updated.ClinicName)
	require.NotNil(t, updated.File)
	assert.Equal(t, "a.stl", updated.File.OriginalName)

	_, err = h.client.UpdateCase(ctx, d.ID, "missing", draft.CaseInfo{})
	assert.ErrorIs(t, err, draftapi.ErrDraftNotFound)

	require.NoError(t, h.client.RemoveCase(ctx, d.ID, c.ID))
	assert.ErrorIs(t, h.client.RemoveCase(ctx, d.ID, c.ID), draftapi.ErrDraftNotFound)
}

func TestDraft_ForeignUserSeesNotFound(t *testing.T) {
	h := newHarness(t, Config{APIKeys: map[string]string{"tok-a": "alice", "tok-b": "bob"}})
	ctx := context.Background()
	alice := draftapi.New(draftapi.Options{BaseURL: h.ts.URL + "/api", Token: "tok-a", HTTPClient: h.ts.Client()})
	bob := draftapi.New(draftapi.Options{BaseURL: h.ts.URL + "/api", Token: "tok-b", HTTPClient: h.ts.Client()})

	d, err := alice.CreateDraft(ctx)
	require.NoError(t, err)
	_, err = bob.GetDraft(ctx, d.ID)
	assert.ErrorIs(t, err, draftapi.ErrDraftNotFound)

	_, err = h.client.CreateDraft(ctx)
	assert.ErrorIs(t, err, draftapi.ErrUnauthorized)
}

func TestAuth_MFA(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	h := newHarness(t, Config{APIKeys: map[string]string{"tok": "alice"}, MFASecret: secret, MFABypass: "000000"})
	ctx := context.Background()

	noMFA := draftapi.New(draftapi.Options{BaseURL: h.ts.URL + "/api", Token: "tok", HTTPClient: h.ts.Client()})
	_, err := noMFA.CreateDraft(ctx)
	assert.ErrorIs(t, err, draftapi.ErrUnauthorized)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	withMFA := draftapi.New(draftapi.Options{BaseURL: h.ts.URL + "/api", Token: "tok", MFAToken: code, HTTPClient: h.ts.Client()})
	_, err = withMFA.CreateDraft(ctx)
	assert.NoError(t, err)

	bypass := draftapi.New(draftapi.Options{BaseURL: h.ts.URL + "/api", Token: "tok", MFAToken: "000000", HTTPClient: h.ts.Client()})
	_, err = bypass.CreateDraft(ctx)
	assert.NoError(t, err)
}

func TestFiles_TempUploadAndSignedDownload(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	id, key, err := h.client.UploadTemp(ctx, "crown 11.stl", "model/stl", []byte("solid"))
	require.NoError(t, err)
	assert.Equal(t, "temp/"+id+"/crown 11.stl", key)

	byID, err := h.client.DownloadURL(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, byID.TTL())
	data, err := h.client.Fetch(ctx, byID.URL)
	require.NoError(t, err)
	assert.Equal(t, "solid", string(data))

	byKey, err := h.client.DownloadURLByKey(ctx, key)
	require.NoError(t, err)
	data, err = h.client.Fetch(ctx, byKey.URL)
	require.NoError(t, err)
	assert.Equal(t, "solid", string(data))

	_, err = h.client.DownloadURL(ctx, "missing")
	assert.ErrorIs(t, err, draftapi.ErrDraftNotFound)
}

func TestFiles_SignedURLExpiresAndRejectsTampering(t *testing.T) {
	h := newHarness(t, Config{URLTTL: time.Minute})
	ctx := context.Background()

	id, _, err := h.client.UploadTemp(ctx, "a.stl", "model/stl", []byte("x"))
	require.NoError(t, err)
	u, err := h.client.DownloadURL(ctx, id)
	require.NoError(t, err)

	_, err = h.client.Fetch(ctx, u.URL+"0")
	assert.ErrorIs(t, err, draftapi.ErrUnauthorized)

	h.clock.Advance(2 * time.Minute)
	_, err = h.client.Fetch(ctx, u.URL)
	assert.ErrorIs(t, err, draftapi.ErrUnauthorized)
}

// submit registers files on a fresh draft and finalizes them.
func submit(t *testing.T, h *harness, regs ...draftapi.Registration) ([]draftapi.Request, error) {
	t.Helper()
	ctx := context.Background()
	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)
	cases, err := h.client.RegisterFiles(ctx, d.ID, regs)
	require.NoError(t, err)
	return h.client.Finalize(ctx, draftapi.FinalizeInput{DraftID: d.ID, CaseInfos: cases})
}

func TestFinalize_CreatesRequests(t *testing.T) {
	h := newHarness(t, Config{})

	reqs, err := submit(t, h, reg("a.stl", 1, "Smile", "Kim", "11"), reg("b.stl", 1, "Smile", "Kim", "12"))
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, rq := range reqs {
		assert.Equal(t, StatusSubmitted, rq.Status)
		assert.Regexp(t, `^\d{8}-[A-HJ-NP-Z]{8}$`, rq.RequestID)
		assert.Equal(t, draft.DefaultWorkType, rq.CaseInfos.WorkType)
	}
}

// failingStore refuses batched request writes while fail is set.
type failingStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (f *failingStore) PutRequests(ctx context.Context, rs []Request) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.MemoryStore.PutRequests(ctx, rs)
}

func TestFinalize_StoreFailureWritesNothing(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	store.fail.Store(true)
	h := newHarnessWithStore(t, Config{}, store)
	ctx := context.Background()

	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)
	cases, err := h.client.RegisterFiles(ctx, d.ID, []draftapi.Registration{
		reg("a.stl", 1, "Smile", "Kim", "11"),
		reg("b.stl", 1, "Smile", "Kim", "12"),
	})
	require.NoError(t, err)
	in := draftapi.FinalizeInput{DraftID: d.ID, CaseInfos: cases}

	_, err = h.client.Finalize(ctx, in)
	require.ErrorIs(t, err, draftapi.ErrServer)
	written, err := store.ListRequests(ctx, DefaultUser, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, written)

	// The retry neither duplicates nor conflicts with a half-written batch.
	store.fail.Store(false)
	reqs, err := h.client.Finalize(ctx, in)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
	written, err = store.ListRequests(ctx, DefaultUser, time.Time{})
	require.NoError(t, err)
	assert.Len(t, written, 2)
}

func TestMemoryStore_PutRequestsAllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ok := Request{Request: draftapi.Request{ID: "r1"}, UserID: "u"}

	err := store.PutRequests(ctx, []Request{ok, {UserID: "u"}})
	require.Error(t, err)
	_, err = store.GetRequest(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutRequests(ctx, []Request{ok}))
	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "u", got.UserID)
}

func TestFinalize_MissingFields(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := submit(t, h, reg("a.stl", 1, "Smile", "", "11"), reg("b.stl", 1, "Smile", "Kim", "12"))
	var apiErr *draftapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "MISSING_FIELDS", apiErr.Code)
	assert.Equal(t, []string{"a.stl"}, apiErr.MissingFiles())
}

func TestFinalize_DuplicateInPayload(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := submit(t, h, reg("a.stl", 1, "Smile", "Kim", "11"), reg("b.stl", 1, "Smile", "Kim", "11"))
	var apiErr *draftapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "DUPLICATE_IN_PAYLOAD", apiErr.Code)
}

func TestFinalize_DuplicateResolution(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := submit(t, h, reg("case_11.stl", 1, "Smile", "Kim", "11"))
	require.NoError(t, err)
	existing := first[0]

	dc, err := h.client.HasDuplicate(ctx, "CASE_11.STL")
	require.NoError(t, err)
	assert.True(t, dc.Exists)
	assert.Equal(t, 0, dc.StageOrder)
	require.NotNil(t, dc.ExistingRequest)
	assert.Equal(t, existing.ID, dc.ExistingRequest.ID)

	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)
	cases, err := h.client.RegisterFiles(ctx, d.ID, []draftapi.Registration{reg("case_11.stl", 2, "Smile", "Kim", "11")})
	require.NoError(t, err)

	_, err = h.client.Finalize(ctx, draftapi.FinalizeInput{DraftID: d.ID, CaseInfos: cases})
	var conflict *draftapi.DuplicateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ModeActive, conflict.Mode)
	require.Len(t, conflict.Duplicates, 1)
	assert.Equal(t, cases[0].ID, conflict.Duplicates[0].CaseID)

	reqs, err := h.client.Finalize(ctx, draftapi.FinalizeInput{
		DraftID:   d.ID,
		CaseInfos: cases,
		DuplicateResolutions: []draftapi.Resolution{{
			CaseID: cases[0].ID, Strategy: draftapi.StrategyReplace, ExistingRequestID: existing.ID,
		}},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, existing.ID, reqs[0].ID)
	assert.Equal(t, existing.RequestID, reqs[0].RequestID)
}

func TestFinalize_RemakeAndSkip(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := submit(t, h, reg("a.stl", 1, "Smile", "Kim", "11"))
	require.NoError(t, err)
	_, err = h.srv.SetRequestStatus(ctx, first[0].ID, StatusDone)
	require.NoError(t, err)

	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)
	cases, err := h.client.RegisterFiles(ctx, d.ID, []draftapi.Registration{reg("a.stl", 1, "Smile", "Kim", "11")})
	require.NoError(t, err)

	_, err = h.client.Finalize(ctx, draftapi.FinalizeInput{DraftID: d.ID, CaseInfos: cases})
	var conflict *draftapi.DuplicateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ModeCompleted, conflict.Mode)
	assert.Equal(t, 4, conflict.Duplicates[0].StageOrder)

	reqs, err := h.client.Finalize(ctx, draftapi.FinalizeInput{
		DraftID:   d.ID,
		CaseInfos: cases,
		DuplicateResolutions: []draftapi.Resolution{{
			CaseID: cases[0].ID, Strategy: draftapi.StrategyRemake, ExistingRequestID: first[0].ID,
		}},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, first[0].ID, reqs[0].RemakeOf)
	assert.NotEqual(t, first[0].ID, reqs[0].ID)

	// Skipping everything is a success with no requests.
	reqs, err = h.client.Finalize(ctx, draftapi.FinalizeInput{
		DraftID:              d.ID,
		DuplicateResolutions: []draftapi.Resolution{{CaseID: cases[0].ID, Strategy: draftapi.StrategySkip}},
	})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestFinalize_ReplaceRefusedInProduction(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := submit(t, h, reg("a.stl", 1, "Smile", "Kim", "11"))
	require.NoError(t, err)
	_, err = h.srv.SetRequestStatus(ctx, first[0].ID, StatusProduction)
	require.NoError(t, err)

	d, err := h.client.CreateDraft(ctx)
	require.NoError(t, err)
	cases, err := h.client.RegisterFiles(ctx, d.ID, []draftapi.Registration{reg("other.stl", 1, "Smile", "Kim", "11")})
	require.NoError(t, err)

	_, err = h.client.Finalize(ctx, draftapi.FinalizeInput{
		DraftID:   d.ID,
		CaseInfos: cases,
		DuplicateResolutions: []draftapi.Resolution{{
			CaseID: cases[0].ID, Strategy: draftapi.StrategyReplace, ExistingRequestID: first[0].ID,
		}},
	})
	var apiErr *draftapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "REPLACE_LOCKED", apiErr.Code)
}

func TestFinalize_CanceledAndOldRequestsIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := submit(t, h, reg("a.stl", 1, "Smile", "Kim", "11"))
	require.NoError(t, err)
	_, err = h.srv.SetRequestStatus(ctx, first[0].ID, StatusCanceled)
	require.NoError(t, err)

	_, err = submit(t, h, reg("a.stl", 1, "Smile", "Kim", "11"))
	require.NoError(t, err)

	h.clock.Advance(duplicateWindow + time.Hour)
	_, err = submit(t, h, reg("a.stl", 1, "Smile", "Kim", "11"))
	assert.NoError(t, err)
}

func TestSetStatus_Endpoint(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, err := submit(t, h, reg("a.stl", 1, "Smile", "Kim", "11"))
	require.NoError(t, err)

	_, err = h.srv.SetRequestStatus(ctx, first[0].ID, "bogus")
	assert.Error(t, err)
	_, err = h.srv.SetRequestStatus(ctx, "missing", StatusDone)
	assert.True(t, errors.Is(err, ErrNotFound))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/api/requests/my", nil)
	require.NoError(t, err)
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseFilenames_Quota(t *testing.T) {
	h := newHarness(t, Config{AIQuota: 1})
	ctx := context.Background()

	res, err := h.client.ParseFilenames(ctx, []string{"서울치과_홍길동_11.stl"})
	require.NoError(t, err)
	assert.False(t, res.QuotaExceeded())
	require.Len(t, res.Data, 1)
	assert.Equal(t, "홍길동", res.Data[0].PatientName)
	assert.Equal(t, "11", res.Data[0].Tooth)

	res, err = h.client.ParseFilenames(ctx, []string{"서울치과_홍길동_11.stl"})
	require.NoError(t, err)
	assert.True(t, res.QuotaExceeded())
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Config{})
	resp, err := h.ts.Client().Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, h.srv.Hits())
}
