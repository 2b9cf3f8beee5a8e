// Package storage pushes draft file bytes to object storage.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/drjoon/abuts.fit-sub008/internal/metrics"
)

// Object is one file to upload.
type Object struct {
	DraftID     string
	Name        string
	ContentType string
	Data        []byte
}

// Stored identifies an uploaded object. RemoteID is the backend file id and
// is only set when the draft backend owns the bytes; objects in external
// storage are addressed by StorageKey alone.
type Stored struct {
	StorageKey string
	RemoteID   string
	Backend    string
}

// Uploader copies file bytes to an external target.
type Uploader interface {
	Name() string
	Put(ctx context.Context, obj Object) (Stored, error)
}

// TempFileAPI is the draft backend's temporary upload endpoint.
type TempFileAPI interface {
	UploadTemp(ctx context.Context, name, contentType string, data []byte) (id, key string, err error)
}

// LoadFromEnv instantiates the uploader named by backend. Backend-specific
// settings come from the environment.
func LoadFromEnv(ctx context.Context, backend string, api TempFileAPI, logger zerolog.Logger) (Uploader, error) {
	var (
		up  Uploader
		err error
	)
	switch strings.TrimSpace(strings.ToLower(backend)) {
	case "", "backend":
		if api == nil {
			return nil, fmt.Errorf("backend uploader requires the draft API client")
		}
		up = NewBackendUploader(api)
	case "s3":
		up, err = NewS3Uploader(ctx)
	case "azure":
		up, err = NewAzureBlobUploader(ctx)
	case "sftp":
		up, err = NewSFTPUploader()
	case "ftps":
		up, err = NewFTPSUploader()
	case "memory":
		up = NewMemoryUploader()
	default:
		err = fmt.Errorf("unknown storage backend %q", backend)
	}
	if err != nil {
		logger.Error().Err(err).Str("backend", backend).Msg("failed to init storage backend")
		return nil, err
	}
	logger.Info().Str("backend", up.Name()).Msg("initialized storage backend")
	return Instrument(up, logger), nil
}

// KeyFor builds the object key drafts/<draftID>/<id>/<name> under prefix.
func KeyFor(prefix, draftID, id, name string) string {
	if draftID == "" {
		draftID = "unassigned"
	}
	return path.Join(prefix, "drafts", draftID, id, SanitizeName(name))
}

// SanitizeName keeps the base name and strips path and control characters.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}

func newObjectID() string {
	return ulid.Make().String()
}

type instrumented struct {
	inner  Uploader
	logger zerolog.Logger
}

// Instrument wraps an uploader with metrics and logging.
func Instrument(u Uploader, logger zerolog.Logger) Uploader {
	if _, ok := u.(*instrumented); ok {
		return u
	}
	return &instrumented{inner: u, logger: logger}
}

func (i *instrumented) Name() string { return i.inner.Name() }

func (i *instrumented) Put(ctx context.Context, obj Object) (Stored, error) {
	start := time.Now()
	st, err := i.inner.Put(ctx, obj)
	if err != nil {
		metrics.RecordUpload(i.inner.Name(), "error")
		i.logger.Warn().Err(err).
			Str("backend", i.inner.Name()).
			Str("file_name", obj.Name).
			Msg("object upload failed")
		return Stored{}, err
	}
	if st.Backend == "" {
		st.Backend = i.inner.Name()
	}
	metrics.RecordUpload(i.inner.Name(), "ok")
	i.logger.Debug().
		Str("backend", st.Backend).
		Str("storage_key", st.StorageKey).
		Str("remote_id", st.RemoteID).
		Int("bytes", len(obj.Data)).
		Dur("took", time.Since(start)).
		Msg("object uploaded")
	return st, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
