package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
)

// MinIOConfig points at an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinIO keeps blobs as objects in one bucket. An object's LastModified time
// is its last-access time; Touch rewrites the object metadata in place.
type MinIO struct {
	client *minio.Client
	bucket string
}

var _ Store = (*MinIO)(nil)

// NewMinIO connects and creates the bucket when it is missing.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, derror.Validation("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "renderfarm-assets"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", cfg.Bucket)
		}
	}
	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIO) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat object %s", key)
	}
	return true, nil
}

func (s *MinIO) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/zip"})
	return errors.Wrapf(err, "put object %s", key)
}

func (s *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get object %s", key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if isNoSuchKey(err) {
		return nil, derror.NotFound("blob %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read object %s", key)
	}
	return data, nil
}

func (s *MinIO) Touch(ctx context.Context, key string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          s.bucket,
			Object:          key,
			ReplaceMetadata: true,
			UserMetadata:    map[string]string{"Last-Access": time.Now().UTC().Format(time.RFC3339)},
		},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key})
	if isNoSuchKey(err) {
		return derror.NotFound("blob %s not found", key)
	}
	return errors.Wrapf(err, "touch object %s", key)
}

func (s *MinIO) LastAccess(ctx context.Context, key string) (time.Time, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return time.Time{}, derror.NotFound("blob %s not found", key)
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "stat object %s", key)
	}
	return info.LastModified, nil
}

func (s *MinIO) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	return errors.Wrapf(err, "remove object %s", key)
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
