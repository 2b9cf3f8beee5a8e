package storage

import (
	"context"
	"fmt"
)

// backendUploader hands the bytes to the draft backend, which keeps them and
// returns its own file id.
type backendUploader struct {
	api TempFileAPI
}

func NewBackendUploader(api TempFileAPI) Uploader {
	return &backendUploader{api: api}
}

func (b *backendUploader) Name() string {
	return "backend"
}

func (b *backendUploader) Put(ctx context.Context, obj Object) (Stored, error) {
	ct := obj.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	id, key, err := b.api.UploadTemp(ctx, SanitizeName(obj.Name), ct, obj.Data)
	if err != nil {
		return Stored{}, fmt.Errorf("temp upload: %w", err)
	}
	return Stored{StorageKey: key, RemoteID: id, Backend: b.Name()}, nil
}
