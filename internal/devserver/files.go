package devserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
)

const maxFormBytes = 256 << 20

// saveUploadedFile writes the multipart file into destDir under name.
func saveUploadedFile(fileHeader *multipart.FileHeader, destDir, name string) (int64, error) {
	src, err := fileHeader.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, err
	}
	if err := renameio.WriteFile(filepath.Join(destDir, name), data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == '/' {
			return '_'
		}
		return r
	}, name)
}

func (s *Server) handleTempUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FORM", "invalid form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FORM", "file field is required")
		return
	}
	file.Close()

	id := uuid.NewString()
	size, err := saveUploadedFile(header, filepath.Join(s.cfg.DataDir, "files"), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE", err.Error())
		return
	}
	mimetype := header.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = defaultMimetype
	}
	tf := TempFile{
		ID:           id,
		UserID:       userFrom(r.Context()),
		Key:          "temp/" + id + "/" + sanitizeName(header.Filename),
		OriginalName: header.Filename,
		Size:         size,
		Mimetype:     mimetype,
		Path:         filepath.Join(s.cfg.DataDir, "files", id),
		CreatedAt:    s.now(),
	}
	if err := s.store.PutTempFile(r.Context(), tf); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	s.logger.Debug().Str(dlog.FieldFileName, tf.OriginalName).Str(dlog.FieldStorageKey, tf.Key).Int64("size", size).Msg("temp file stored")
	writeData(w, http.StatusCreated, draftapi.TempFile{
		ID:           tf.ID,
		Key:          tf.Key,
		OriginalName: tf.OriginalName,
		Size:         tf.Size,
		Mimetype:     tf.Mimetype,
	})
}

func (s *Server) sign(id string, exp int64) string {
	mac := hmac.New(sha256.New, s.cfg.SigningKey)
	mac.Write([]byte(id + "|" + strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) signedURL(r *http.Request, tf TempFile) draftapi.SignedURL {
	exp := s.now().Add(s.cfg.URLTTL).Unix()
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	q := url.Values{"exp": {strconv.FormatInt(exp, 10)}, "sig": {s.sign(tf.ID, exp)}}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: "/api/files/" + tf.ID + "/content", RawQuery: q.Encode()}
	return draftapi.SignedURL{URL: u.String(), ExpiresIn: int(s.cfg.URLTTL / time.Second)}
}

func (s *Server) writeSignedURL(w http.ResponseWriter, r *http.Request, tf TempFile, err error) {
	if err == nil && tf.UserID != userFrom(r.Context()) {
		err = ErrNotFound
	}
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "FILE_NOT_FOUND", "file not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
	default:
		writeData(w, http.StatusOK, s.signedURL(r, tf))
	}
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	tf, err := s.store.GetTempFile(r.Context(), chi.URLParam(r, "id"))
	s.writeSignedURL(w, r, tf, err)
}

func (s *Server) handleDownloadURLByKey(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_KEY", err.Error())
		return
	}
	tf, err := s.store.GetTempFileByKey(r.Context(), key)
	s.writeSignedURL(w, r, tf, err)
}

// handleFileContent serves bytes behind a signed URL.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, "INVALID_SIGNATURE", "missing expiry")
		return
	}
	sig, err := hex.DecodeString(r.URL.Query().Get("sig"))
	want, _ := hex.DecodeString(s.sign(id, exp))
	if err != nil || !hmac.Equal(sig, want) {
		writeError(w, http.StatusForbidden, "INVALID_SIGNATURE", "invalid signature")
		return
	}
	if s.now().Unix() > exp {
		writeError(w, http.StatusForbidden, "URL_EXPIRED", "signed url expired")
		return
	}
	tf, err := s.store.GetTempFile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "FILE_NOT_FOUND", "file not found")
		return
	}
	f, err := os.Open(tf.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "FILE_NOT_FOUND", "file content missing")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", tf.Mimetype)
	w.Header().Set("Content-Length", strconv.FormatInt(tf.Size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}
