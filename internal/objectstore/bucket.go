package objectstore

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// bucketAPI is the subset of the object store used by Client, bound to one bucket.
type bucketAPI interface {
	StatObject(ctx context.Context, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObject(ctx context.Context, key string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	ListObjects(ctx context.Context, prefix string) ([]minio.ObjectInfo, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

type minioBucket struct {
	client *minio.Client
	bucket string
}

func newMinioBucket(cfg *clientConfig) (*minioBucket, error) {
	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, err
	}
	return &minioBucket{client: client, bucket: cfg.bucket}, nil
}

func (b *minioBucket) StatObject(ctx context.Context, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return b.client.StatObject(ctx, b.bucket, key, opts)
}

func (b *minioBucket) GetObject(ctx context.Context, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	object, err := b.client.GetObject(ctx, b.bucket, key, opts)
	if err != nil {
		return nil, err
	}
	// GetObject is lazy: Stat surfaces missing objects and failed preconditions.
	if _, err := object.Stat(); err != nil {
		object.Close()
		return nil, err
	}
	return object, nil
}

func (b *minioBucket) ListObjects(ctx context.Context, prefix string) ([]minio.ObjectInfo, error) {
	var objects []minio.ObjectInfo
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (b *minioBucket) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}
