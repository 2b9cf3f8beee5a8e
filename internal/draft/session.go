// Package draft holds the client-side view of a draft: its id, the
// generation counter that invalidates stale async work, the visible file
// list and the case records keyed by file identity.
package draft

import (
	"errors"
	"sync"

	"github.com/drjoon/abuts.fit-sub008/internal/fileid"
)

// ErrStaleGeneration is returned when an operation started against a session
// generation that has since been reset.
var ErrStaleGeneration = errors.New("draft session generation is stale")

// FileRecord is one file in the visible list.
type FileRecord struct {
	Name        string
	Size        int64
	ContentType string

	StorageKey string
	RemoteID   string

	// FileKey is the identity key; SourceFileKey is the key of the name as
	// received and ties server acknowledgements back to optimistic entries.
	FileKey       string
	SourceFileKey string

	// CaseID is empty until the backend acknowledges the registration.
	CaseID string
	Data   []byte
}

// Registered reports whether the backend has acknowledged the file.
func (f FileRecord) Registered() bool { return f.CaseID != "" }

// Meta describes the record's file the way the backend binds it to a case.
func (f FileRecord) Meta() *FileMeta {
	return &FileMeta{
		FileID:       f.RemoteID,
		OriginalName: f.Name,
		Size:         f.Size,
		Mimetype:     f.ContentType,
		StorageKey:   f.StorageKey,
	}
}

// CacheKey is the blob cache key for the record.
func (f FileRecord) CacheKey() string {
	if f.RemoteID != "" {
		return f.RemoteID
	}
	return f.StorageKey
}

// NewFileRecord builds an optimistic record for a freshly picked file.
func NewFileRecord(name string, size int64, contentType string, data []byte) FileRecord {
	return FileRecord{
		Name:          fileid.DisplayName(name),
		Size:          size,
		ContentType:   contentType,
		FileKey:       fileid.Key(name, size),
		SourceFileKey: fileid.RawKey(name, size),
		Data:          data,
	}
}

// Ack is the backend's confirmation of one registered file.
type Ack struct {
	SourceFileKey string
	Case          CaseInfo
}

// Session is the active draft. All methods are safe for concurrent use.
type Session struct {
	mu         sync.RWMutex
	id         string
	generation uint64
	files      []FileRecord
	cases      map[string]CaseInfo
	selected   int
	aiDisabled bool
	// uploading holds identity keys with a Run in progress.
	uploading map[string]bool

	store *IDStore
}

// NewSession creates a session bound to the id persisted in store, if any.
func NewSession(store *IDStore) (*Session, error) {
	s := &Session{
		generation: 1,
		cases:      map[string]CaseInfo{DefaultKey: {}},
		selected:   -1,
		uploading:  map[string]bool{},
		store:      store,
	}
	id, err := store.Load()
	if err != nil {
		return nil, err
	}
	s.id = id
	return s, nil
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Stale reports whether gen is no longer the current generation.
func (s *Session) Stale(gen uint64) bool {
	return s.Generation() != gen
}

// Bind attaches the session to a server draft and persists the id.
func (s *Session) Bind(id string) error {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return s.store.Save(id)
}

// ForgetID clears the local draft id without touching visible state. Used
// when the backend reports the draft is gone. A stale gen leaves the id of
// the newer session alone.
func (s *Session) ForgetID(gen uint64) error {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return ErrStaleGeneration
	}
	s.id = ""
	s.mu.Unlock()
	return s.store.Clear()
}

// Reset discards everything, bumps the generation and returns it. Results
// from older generations are rejected from then on.
func (s *Session) Reset() (uint64, error) {
	s.mu.Lock()
	s.id = ""
	s.generation++
	s.files = nil
	s.cases = map[string]CaseInfo{DefaultKey: {}}
	s.selected = -1
	s.aiDisabled = false
	s.uploading = map[string]bool{}
	gen := s.generation
	s.mu.Unlock()
	return gen, s.store.Clear()
}

// AIDisabled reports whether the inference quota was exhausted this session.
func (s *Session) AIDisabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aiDisabled
}

// DisableAI sticks until the next Reset.
func (s *Session) DisableAI() {
	s.mu.Lock()
	s.aiDisabled = true
	s.mu.Unlock()
}

// Files returns a copy of the visible file list.
func (s *Session) Files() []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileRecord, len(s.files))
	copy(out, s.files)
	return out
}

// File returns a copy of the record with the given identity key.
func (s *Session) File(fileKey string) (FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(fileKey); i >= 0 {
		return s.files[i], true
	}
	return FileRecord{}, false
}

// HasFile reports whether a file with the identity key is in the list.
func (s *Session) HasFile(fileKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexLocked(fileKey) >= 0
}

func (s *Session) indexLocked(fileKey string) int {
	for i, f := range s.files {
		if f.FileKey == fileKey {
			return i
		}
	}
	return -1
}

func (s *Session) indexBySourceLocked(sourceKey string) int {
	for i, f := range s.files {
		if f.SourceFileKey == sourceKey {
			return i
		}
	}
	return -1
}

// InsertOptimistic appends records whose identity is not yet present and
// returns the ones actually inserted. Case records are seeded from the
// default record.
func (s *Session) InsertOptimistic(gen uint64, recs []FileRecord) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil, ErrStaleGeneration
	}
	var inserted []FileRecord
	for _, r := range recs {
		if r.FileKey == "" {
			r.FileKey = fileid.Key(r.Name, r.Size)
		}
		if r.SourceFileKey == "" {
			r.SourceFileKey = fileid.RawKey(r.Name, r.Size)
		}
		if s.indexLocked(r.FileKey) >= 0 {
			continue
		}
		s.files = append(s.files, r)
		if _, ok := s.cases[r.FileKey]; !ok {
			s.cases[r.FileKey] = s.cases[DefaultKey].Fields()
		}
		inserted = append(inserted, r)
	}
	if s.selected < 0 && len(s.files) > 0 {
		s.selected = 0
	}
	return inserted, nil
}

// Claim marks files as being uploaded and returns the keys it claimed. Keys
// already claimed by another upload are left out.
func (s *Session) Claim(gen uint64, fileKeys []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil, ErrStaleGeneration
	}
	var claimed []string
	for _, k := range fileKeys {
		if s.uploading[k] {
			continue
		}
		s.uploading[k] = true
		claimed = append(claimed, k)
	}
	return claimed, nil
}

// Release ends a Claim. Claims of a reset generation are already gone.
func (s *Session) Release(gen uint64, fileKeys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	for _, k := range fileKeys {
		delete(s.uploading, k)
	}
}

// MarkStored records where an optimistic file's bytes were uploaded.
func (s *Session) MarkStored(gen uint64, sourceKey, storageKey, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return ErrStaleGeneration
	}
	if i := s.indexBySourceLocked(sourceKey); i >= 0 {
		s.files[i].StorageKey = storageKey
		s.files[i].RemoteID = remoteID
	}
	return nil
}

// Reconcile replaces optimistic entries with acknowledged ones in place,
// matching on source key first and identity key second. List order and
// selection are preserved. Acks that match nothing (the file was removed
// meanwhile) are reported back.
func (s *Session) Reconcile(gen uint64, acks []Ack) (unmatched []Ack, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil, ErrStaleGeneration
	}
	for _, ack := range acks {
		i := s.indexBySourceLocked(ack.SourceFileKey)
		if i < 0 {
			i = s.indexLocked(ack.Case.FileKey())
		}
		if i < 0 {
			unmatched = append(unmatched, ack)
			continue
		}
		f := &s.files[i]
		f.CaseID = ack.Case.ID
		if m := ack.Case.File; m != nil {
			if m.StorageKey != "" {
				f.StorageKey = m.StorageKey
			}
			if m.FileID != "" {
				f.RemoteID = m.FileID
			}
		}
		// Local edits made while registration was in flight win over the
		// server copy, which only carries what was sent at registration.
		local := s.cases[f.FileKey]
		merged := ack.Case.clone()
		if merged.File == nil {
			merged.File = f.Meta()
		}
		if !SameFields(local, CaseInfo{}) {
			id, file := merged.ID, merged.File
			merged = local.clone()
			merged.ID, merged.File = id, file
		}
		s.cases[f.FileKey] = merged
	}
	return unmatched, nil
}

// Discard drops optimistic records that will never be registered.
func (s *Session) Discard(gen uint64, sourceKeys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return ErrStaleGeneration
	}
	for _, k := range sourceKeys {
		if i := s.indexBySourceLocked(k); i >= 0 && !s.files[i].Registered() {
			s.removeAtLocked(i)
		}
	}
	return nil
}

// Remove deletes a file and its case record. The selection is moved so the
// same neighbour stays selected.
func (s *Session) Remove(fileKey string) (FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(fileKey)
	if i < 0 {
		return FileRecord{}, false
	}
	rec := s.files[i]
	s.removeAtLocked(i)
	return rec, true
}

func (s *Session) removeAtLocked(i int) {
	key := s.files[i].FileKey
	s.files = append(s.files[:i:i], s.files[i+1:]...)
	delete(s.cases, key)
	switch {
	case len(s.files) == 0:
		s.selected = -1
	case s.selected > i || s.selected >= len(s.files):
		s.selected--
	}
}

// Select marks the file at index i as selected.
func (s *Session) Select(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < -1 || i >= len(s.files) {
		return false
	}
	s.selected = i
	return true
}

// Selected returns the selected index, or -1.
func (s *Session) Selected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Case returns the case record for a key (DefaultKey included).
func (s *Session) Case(fileKey string) (CaseInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[fileKey]
	return c.clone(), ok
}

// UpdateCase applies fn to the case record of fileKey, seeding it from the
// default record when absent. It reports the result and whether any
// editable field changed. Keys not in the file list (other than DefaultKey)
// are refused.
func (s *Session) UpdateCase(fileKey string, fn func(*CaseInfo)) (CaseInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fileKey != DefaultKey && s.indexLocked(fileKey) < 0 {
		return CaseInfo{}, false
	}
	cur, ok := s.cases[fileKey]
	if !ok {
		cur = s.cases[DefaultKey].Fields()
	}
	next := cur.clone()
	fn(&next)
	next.ID, next.File = cur.ID, cur.File
	if ok && SameFields(cur, next) {
		return cur.clone(), false
	}
	s.cases[fileKey] = next
	return next.clone(), true
}

// Load replaces the session contents with the server's case records. File
// bytes are attached later by restoration.
func (s *Session) Load(gen uint64, cases []CaseInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return ErrStaleGeneration
	}
	def := s.cases[DefaultKey]
	s.files = s.files[:0]
	s.cases = map[string]CaseInfo{DefaultKey: def}
	for _, c := range cases {
		key := c.FileKey()
		if key == "" || s.indexLocked(key) >= 0 {
			continue
		}
		s.files = append(s.files, FileRecord{
			Name:          fileid.DisplayName(c.File.OriginalName),
			Size:          c.File.Size,
			ContentType:   c.File.Mimetype,
			StorageKey:    c.File.StorageKey,
			RemoteID:      c.File.FileID,
			FileKey:       key,
			SourceFileKey: fileid.RawKey(c.File.OriginalName, c.File.Size),
			CaseID:        c.ID,
		})
		s.cases[key] = c.clone()
	}
	switch {
	case len(s.files) == 0:
		s.selected = -1
	case s.selected < 0 || s.selected >= len(s.files):
		s.selected = 0
	}
	return nil
}

// Attach sets the materialized bytes of restored files, keyed by identity.
// Nothing is applied when gen is stale.
func (s *Session) Attach(gen uint64, data map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return ErrStaleGeneration
	}
	for i := range s.files {
		if b, ok := data[s.files[i].FileKey]; ok {
			s.files[i].Data = b
		}
	}
	return nil
}

// Submission is one registered file ready for finalization. FileKey and
// Name come from the visible list, not from the case record.
type Submission struct {
	FileKey string
	Name    string
	Case    CaseInfo
}

// SubmitCases returns the registered case records of files still in the
// visible list, in list order.
func (s *Session) SubmitCases() []Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Submission, 0, len(s.files))
	for _, f := range s.files {
		if !f.Registered() {
			continue
		}
		c, ok := s.cases[f.FileKey]
		if !ok {
			continue
		}
		c = c.clone()
		c.ID = f.CaseID
		if c.File == nil {
			c.File = f.Meta()
		}
		out = append(out, Submission{FileKey: f.FileKey, Name: f.Name, Case: c})
	}
	return out
}
