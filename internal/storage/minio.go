package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("gaitlab-storage")

// ObjectStore wraps the segment bucket with tracing
type ObjectStore struct {
	client     *minio.Client
	bucketName string
	log        zerolog.Logger
}

// NewObjectStore initializes a MinIO/S3 client for the segment bucket.
// Empty keys produce an anonymous client; uploads then fail until credentials are configured.
func NewObjectStore(endpoint, accessKey, secretKey, bucketName string, useSSL bool, log zerolog.Logger) (*ObjectStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &ObjectStore{
		client:     client,
		bucketName: bucketName,
		log:        log.With().Str("component", "object-store").Logger(),
	}, nil
}

// Bucket returns the segment bucket name
func (o *ObjectStore) Bucket() string {
	return o.bucketName
}

// EnsureBucket creates the segment bucket if it does not exist
func (o *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		o.log.Info().Str("bucket", o.bucketName).Msg("creating bucket")
		if err := o.client.MakeBucket(ctx, o.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		o.log.Info().Str("bucket", o.bucketName).Msg("bucket created")
	}
	return nil
}

// PutSegment streams an uploaded segment into the bucket
func (o *ObjectStore) PutSegment(ctx context.Context, objectName string, body io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "objectstore.put_segment",
		trace.WithAttributes(
			attribute.String("object_name", objectName),
			attribute.Int64("size_bytes", size),
			attribute.String("content_type", contentType),
		),
	)
	defer span.End()

	_, err := o.client.PutObject(ctx, o.bucketName, objectName, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload segment: %w", err)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// ObjectURL resolves the unsigned URL of an object in the bucket
func (o *ObjectStore) ObjectURL(objectName string) string {
	u := *o.client.EndpointURL()
	u.Path = "/" + o.bucketName + "/" + objectName
	u.RawPath = "/" + o.bucketName + "/" + url.PathEscape(objectName)
	return u.String()
}

// Health checks that the bucket is reachable
func (o *ObjectStore) Health(ctx context.Context) error {
	_, err := o.client.BucketExists(ctx, o.bucketName)
	return err
}
