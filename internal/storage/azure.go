package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type azureUploader struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureBlobUploader(_ context.Context) (Uploader, error) {
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	container := os.Getenv("AZURE_BLOB_CONTAINER")
	if account == "" || key == "" || container == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY/AZURE_BLOB_CONTAINER required for azure storage")
	}
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	url := envOr("AZURE_BLOB_ENDPOINT", fmt.Sprintf("https://%s.blob.core.windows.net/", account))
	client, err := azblob.NewClientWithSharedKeyCredential(url, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &azureUploader{
		client:    client,
		container: container,
		prefix:    os.Getenv("AZURE_BLOB_PREFIX"),
	}, nil
}

func (a *azureUploader) Name() string {
	return "azure"
}

func (a *azureUploader) Put(ctx context.Context, obj Object) (Stored, error) {
	id := newObjectID()
	blobName := KeyFor(a.prefix, obj.DraftID, id, obj.Name)
	if _, err := a.client.UploadBuffer(ctx, a.container, blobName, obj.Data, nil); err != nil {
		return Stored{}, fmt.Errorf("azure upload %s: %w", blobName, err)
	}
	return Stored{StorageKey: blobName, Backend: a.Name()}, nil
}
