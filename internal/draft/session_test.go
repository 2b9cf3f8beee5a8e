package draft

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drjoon/abuts.fit-sub008/internal/fileid"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(NewIDStore(filepath.Join(t.TempDir(), "draft-id")))
	require.NoError(t, err)
	return s
}

func registeredCase(id, name string, size int64) CaseInfo {
	return CaseInfo{ID: id, File: &FileMeta{FileID: "f-" + id, OriginalName: name, Size: size, StorageKey: "k/" + name}}
}

func TestSession_BindPersistsID(t *testing.T) {
	dir := t.TempDir()
	store := NewIDStore(filepath.Join(dir, "draft-id"))
	s, err := NewSession(store)
	require.NoError(t, err)
	require.NoError(t, s.Bind("d-1"))

	reopened, err := NewSession(store)
	require.NoError(t, err)
	assert.Equal(t, "d-1", reopened.ID())

	require.NoError(t, reopened.ForgetID(reopened.Generation()))
	again, err := NewSession(store)
	require.NoError(t, err)
	assert.Empty(t, again.ID())
}

func TestSession_InsertOptimisticDedups(t *testing.T) {
	s := newTestSession(t)
	gen := s.Generation()

	a := NewFileRecord("crown.stl", 10, "", nil)
	dup := NewFileRecord("crown.stl", 10, "", nil)
	b := NewFileRecord("crown.stl", 11, "", nil)

	inserted, err := s.InsertOptimistic(gen, []FileRecord{a, dup, b})
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	inserted, err = s.InsertOptimistic(gen, []FileRecord{a})
	require.NoError(t, err)
	assert.Empty(t, inserted)
	assert.Len(t, s.Files(), 2)
	assert.Equal(t, 0, s.Selected())
}

func TestSession_SeedsFromDefault(t *testing.T) {
	s := newTestSession(t)
	_, changed := s.UpdateCase(DefaultKey, func(c *CaseInfo) { c.ClinicName = "서울치과" })
	require.True(t, changed)

	rec := NewFileRecord("a.stl", 1, "", nil)
	_, err := s.InsertOptimistic(s.Generation(), []FileRecord{rec})
	require.NoError(t, err)

	c, ok := s.Case(rec.FileKey)
	require.True(t, ok)
	assert.Equal(t, "서울치과", c.ClinicName)
}

func TestSession_StaleGenerationRejected(t *testing.T) {
	s := newTestSession(t)
	old := s.Generation()
	_, err := s.Reset()
	require.NoError(t, err)

	_, err = s.InsertOptimistic(old, []FileRecord{NewFileRecord("a.stl", 1, "", nil)})
	assert.ErrorIs(t, err, ErrStaleGeneration)
	assert.ErrorIs(t, s.Load(old, []CaseInfo{registeredCase("c1", "a.stl", 1)}), ErrStaleGeneration)
	assert.ErrorIs(t, s.Attach(old, map[string][]byte{}), ErrStaleGeneration)
	assert.Empty(t, s.Files())
	assert.True(t, s.Stale(old))
}

func TestSession_ReconcileInPlace(t *testing.T) {
	s := newTestSession(t)
	gen := s.Generation()

	first := NewFileRecord("first.stl", 1, "", []byte("1"))
	second := NewFileRecord("second.stl", 2, "", []byte("2"))
	_, err := s.InsertOptimistic(gen, []FileRecord{first, second})
	require.NoError(t, err)
	require.True(t, s.Select(1))

	_, changed := s.UpdateCase(second.FileKey, func(c *CaseInfo) { c.PatientName = "홍길동" })
	require.True(t, changed)

	unmatched, err := s.Reconcile(gen, []Ack{
		{SourceFileKey: second.SourceFileKey, Case: registeredCase("c2", "second.stl", 2)},
		{SourceFileKey: "gone:9", Case: registeredCase("c9", "gone.stl", 9)},
	})
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "c9", unmatched[0].Case.ID)

	files := s.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "first.stl", files[0].Name)
	assert.False(t, files[0].Registered())
	assert.Equal(t, "c2", files[1].CaseID)
	assert.Equal(t, "f-c2", files[1].RemoteID)
	assert.Equal(t, []byte("2"), files[1].Data)
	assert.Equal(t, 1, s.Selected())

	c, _ := s.Case(second.FileKey)
	assert.Equal(t, "c2", c.ID)
	assert.Equal(t, "홍길동", c.PatientName, "local edit survives reconciliation")
}

func TestSession_ReconcileByIdentityWhenSourceDiffers(t *testing.T) {
	s := newTestSession(t)
	gen := s.Generation()

	mangled := string([]rune{0xed, 0x99, 0x8d}) + ".stl" // "홍.stl" read as Latin-1
	rec := NewFileRecord(mangled, 5, "", nil)
	_, err := s.InsertOptimistic(gen, []FileRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, fileid.Key("홍.stl", 5), rec.FileKey)

	_, err = s.Reconcile(gen, []Ack{{SourceFileKey: "other", Case: registeredCase("c1", "홍.stl", 5)}})
	require.NoError(t, err)
	assert.Equal(t, "c1", s.Files()[0].CaseID)
}

func TestSession_RemoveAdjustsSelection(t *testing.T) {
	s := newTestSession(t)
	gen := s.Generation()
	recs := []FileRecord{
		NewFileRecord("a.stl", 1, "", nil),
		NewFileRecord("b.stl", 1, "", nil),
		NewFileRecord("c.stl", 1, "", nil),
	}
	_, err := s.InsertOptimistic(gen, recs)
	require.NoError(t, err)

	require.True(t, s.Select(2))
	_, ok := s.Remove(recs[0].FileKey)
	require.True(t, ok)
	assert.Equal(t, 1, s.Selected(), "c stays selected")

	_, ok = s.Remove(recs[2].FileKey)
	require.True(t, ok)
	assert.Equal(t, 0, s.Selected())

	_, ok = s.Case(recs[2].FileKey)
	assert.False(t, ok)

	_, ok = s.Remove(recs[1].FileKey)
	require.True(t, ok)
	assert.Equal(t, -1, s.Selected())

	_, ok = s.Remove("nope")
	assert.False(t, ok)
}

func TestSession_UpdateCaseNoop(t *testing.T) {
	s := newTestSession(t)
	rec := NewFileRecord("a.stl", 1, "", nil)
	_, err := s.InsertOptimistic(s.Generation(), []FileRecord{rec})
	require.NoError(t, err)

	_, changed := s.UpdateCase(rec.FileKey, func(c *CaseInfo) { c.Tooth = "11" })
	assert.True(t, changed)
	_, changed = s.UpdateCase(rec.FileKey, func(c *CaseInfo) { c.Tooth = "11" })
	assert.False(t, changed)

	_, changed = s.UpdateCase("missing:1", func(c *CaseInfo) { c.Tooth = "12" })
	assert.False(t, changed)
}

func TestSession_LoadAndSubmitCases(t *testing.T) {
	s := newTestSession(t)
	gen := s.Generation()

	a := registeredCase("c1", "a.stl", 1)
	a.ClinicName = "clinic"
	b := registeredCase("c2", "b.stl", 2)
	require.NoError(t, s.Load(gen, []CaseInfo{a, b, {ID: "no-file"}}))
	require.Len(t, s.Files(), 2)

	require.NoError(t, s.Attach(gen, map[string][]byte{a.FileKey(): []byte("A")}))
	assert.Equal(t, []byte("A"), s.Files()[0].Data)

	s.Remove(b.FileKey())
	got := s.SubmitCases()
	want := []Submission{{FileKey: a.FileKey(), Name: "a.stl", Case: a}}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("submit cases mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_DiscardKeepsRegistered(t *testing.T) {
	s := newTestSession(t)
	gen := s.Generation()
	a := NewFileRecord("a.stl", 1, "", nil)
	b := NewFileRecord("b.stl", 1, "", nil)
	_, err := s.InsertOptimistic(gen, []FileRecord{a, b})
	require.NoError(t, err)
	_, err = s.Reconcile(gen, []Ack{{SourceFileKey: a.SourceFileKey, Case: registeredCase("c1", "a.stl", 1)}})
	require.NoError(t, err)

	require.NoError(t, s.Discard(gen, a.SourceFileKey, b.SourceFileKey))
	files := s.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "c1", files[0].CaseID)
}

func TestSession_AIFlagResetsWithSession(t *testing.T) {
	s := newTestSession(t)
	s.DisableAI()
	assert.True(t, s.AIDisabled())
	_, err := s.Reset()
	require.NoError(t, err)
	assert.False(t, s.AIDisabled())
}

func TestSession_ForgetIDIgnoresStaleGeneration(t *testing.T) {
	store := NewIDStore(filepath.Join(t.TempDir(), "draft-id"))
	s, err := NewSession(store)
	require.NoError(t, err)
	require.NoError(t, s.Bind("old"))
	old := s.Generation()

	_, err = s.Reset()
	require.NoError(t, err)
	require.NoError(t, s.Bind("new"))

	assert.ErrorIs(t, s.ForgetID(old), ErrStaleGeneration)
	assert.Equal(t, "new", s.ID())
	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new", stored)
}

func TestSession_ReconcileAckWithoutFile(t *testing.T) {
	s := newTestSession(t)
	gen := s.Generation()
	rec := NewFileRecord("a.stl", 3, "model/stl", nil)
	_, err := s.InsertOptimistic(gen, []FileRecord{rec})
	require.NoError(t, err)
	require.NoError(t, s.MarkStored(gen, rec.SourceFileKey, "drafts/d/x/a.stl", ""))

	unmatched, err := s.Reconcile(gen, []Ack{{SourceFileKey: rec.SourceFileKey, Case: CaseInfo{ID: "c1"}}})
	require.NoError(t, err)
	assert.Empty(t, unmatched)

	c, ok := s.Case(rec.FileKey)
	require.True(t, ok)
	require.NotNil(t, c.File)
	assert.Equal(t, rec.FileKey, c.FileKey())
	assert.Equal(t, "drafts/d/x/a.stl", c.File.StorageKey)

	subs := s.SubmitCases()
	require.Len(t, subs, 1)
	assert.Equal(t, rec.FileKey, subs[0].FileKey)
	assert.Equal(t, "a.stl", subs[0].Name)
	assert.Equal(t, "c1", subs[0].Case.ID)
}

func TestSession_Claim(t *testing.T) {
	s := newTestSession(t)
	gen := s.Generation()

	got, err := s.Claim(gen, []string{"a:1", "b:1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1"}, got)

	got, err = s.Claim(gen, []string{"a:1", "c:1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c:1"}, got)

	s.Release(gen, []string{"a:1"})
	got, err = s.Claim(gen, []string{"a:1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1"}, got)

	_, err = s.Reset()
	require.NoError(t, err)
	_, err = s.Claim(gen, []string{"x:1"})
	assert.ErrorIs(t, err, ErrStaleGeneration)
	got, err = s.Claim(s.Generation(), []string{"b:1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b:1"}, got)
}
