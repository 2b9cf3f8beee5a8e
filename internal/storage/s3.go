package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Uploader(ctx context.Context) (Uploader, error) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET required for s3 storage")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &s3Uploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: os.Getenv("S3_PREFIX"),
	}, nil
}

func (s *s3Uploader) Name() string {
	return "s3"
}

func (s *s3Uploader) Put(ctx context.Context, obj Object) (Stored, error) {
	id := newObjectID()
	key := KeyFor(s.prefix, obj.DraftID, id, obj.Name)
	ct := obj.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(obj.Data),
		ACL:    types.ObjectCannedACLPrivate,
		Metadata: map[string]string{
			"draft_id":      obj.DraftID,
			"original_name": obj.Name,
		},
		ContentType: aws.String(ct),
	})
	if err != nil {
		return Stored{}, fmt.Errorf("s3 put %s: %w", key, err)
	}
	return Stored{StorageKey: key, Backend: s.Name()}, nil
}
