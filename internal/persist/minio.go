package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore persists snapshots as one object per document in an
// object-store bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// MinioOptions carries connection settings for the object store.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStore connects to the object store and ensures the bucket
// exists.
func NewMinioStore(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: opts.Bucket}, nil
}

// objectName escapes the document identifier so separators like the
// colons in "kb:page:{id}" stay unambiguous as object keys.
func objectName(documentID string) string {
	return url.PathEscape(documentID) + ".snapshot"
}

func (s *MinioStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectName(documentID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", documentID, err)
	}
	defer object.Close()

	state, err := io.ReadAll(object)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot %s: %w", documentID, err)
	}
	return state, nil
}

func (s *MinioStore) Save(ctx context.Context, documentID string, state []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName(documentID),
		bytes.NewReader(state), int64(len(state)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", documentID, err)
	}
	return nil
}
