package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/progress"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// minPartSize is the smallest multipart part S3 accepts.
const minPartSize = 5 * 1024 * 1024

// MinioClient wraps MinIO operations with tracing
type MinioClient struct {
	client     *minio.Client
	bucketName string
	prefix     string
	partSize   uint64
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists
func NewMinioClient(endpoint, accessKey, secretKey, bucketName, prefix string, useSSL bool, partSize int64, log logging.Logger) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:     client,
		bucketName: bucketName,
		prefix:     prefix,
	}
	if partSize >= minPartSize {
		mc.partSize = uint64(partSize)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Info(ctx, "creating bucket", "bucket", bucketName)
		err = client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return mc, nil
}

// Put uploads an object, reporting progress as MinIO sends bytes
func (mc *MinioClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, onProgress ProgressFunc) error {
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
			attribute.String("content_type", contentType),
		),
	)
	defer span.End()

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	opts := minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    mc.partSize,
	}
	if onProgress != nil {
		opts.Progress = progress.NewTracker(size, func(o progress.Observation) {
			onProgress(o.Transferred)
		})
	}

	info, err := mc.client.PutObject(ctx, mc.bucketName, key, r, size, opts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload object: %w", mapMinioError(err))
	}

	span.SetAttributes(
		attribute.Int64("uploaded_bytes", info.Size),
		attribute.Bool("upload_success", true),
	)
	return nil
}

// AccessURL returns a presigned GET URL for key
func (mc *MinioClient) AccessURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign_get",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("ttl_seconds", int64(ttl.Seconds())),
		),
	)
	defer span.End()

	if _, err := mc.client.StatObject(ctx, mc.bucketName, key, minio.StatObjectOptions{}); err != nil {
		err = mapMinioError(err)
		span.RecordError(err)
		return "", fmt.Errorf("failed to stat object: %w", err)
	}

	u, err := mc.client.PresignedGetObject(ctx, mc.bucketName, key, ttl, url.Values{})
	if err != nil {
		err = mapMinioError(err)
		span.RecordError(err)
		return "", fmt.Errorf("failed to presign object: %w", err)
	}

	return u.String(), nil
}

// Delete removes an object. S3 deletes are idempotent, so the object is
// stat'ed first to report keys that were already gone.
func (mc *MinioClient) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_object",
		trace.WithAttributes(
			attribute.String("object_key", key),
		),
	)
	defer span.End()

	if _, err := mc.client.StatObject(ctx, mc.bucketName, key, minio.StatObjectOptions{}); err != nil {
		err = mapMinioError(err)
		span.RecordError(err)
		return fmt.Errorf("failed to stat object: %w", err)
	}

	err := mc.client.RemoveObject(ctx, mc.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		err = mapMinioError(err)
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// List returns every object under the configured prefix
func (mc *MinioClient) List(ctx context.Context) ([]models.ObjectInfo, error) {
	ctx, span := tracer.Start(ctx, "minio.list_objects",
		trace.WithAttributes(
			attribute.String("prefix", mc.prefix),
		),
	)
	defer span.End()

	var objects []models.ObjectInfo
	for obj := range mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{
		Prefix:    mc.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			span.RecordError(obj.Err)
			return nil, fmt.Errorf("failed to list objects: %w", mapMinioError(obj.Err))
		}
		objects = append(objects, models.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	span.SetAttributes(attribute.Int("object_count", len(objects)))
	return objects, nil
}

// mapMinioError translates S3 error codes into the shared sentinels while
// keeping the original error in the chain.
func mapMinioError(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return errors.Join(common.ErrAccessDenied, err)
	case "NoSuchKey":
		return errors.Join(common.ErrObjectNotFound, err)
	}
	return err
}
