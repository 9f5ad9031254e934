// Package s3 implements storage.Backend against an S3-compatible object
// store via MinIO, ported from the teacher's pkg/storage/s3.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mifka01/cache-server/pkg/s3"
	"github.com/mifka01/cache-server/pkg/storage"
)

const (
	otelPackageName = "github.com/mifka01/cache-server/pkg/storage/s3"

	// s3NoSuchKey is the S3 error code for objects that don't exist.
	s3NoSuchKey = "NoSuchKey"
)

var (
	// ErrBucketNotFound is returned if the specified bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Backend implements storage.Backend against an S3-compatible bucket.
type Backend struct {
	client *minio.Client
	cfg    s3.Config

	freshnessWindow   time.Duration
	fullnessThreshold float64
}

// New creates an S3-backed Backend from the given configuration, testing
// bucket access before returning.
func New(ctx context.Context, cfg s3.Config) (*Backend, error) {
	if err := s3.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	useSSL := s3.IsHTTPS(cfg.Endpoint)
	endpoint := s3.GetEndpointWithoutScheme(cfg.Endpoint)

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       useSSL,
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating MinIO client: %w", err)
	}

	if err := testBucketAccess(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("error testing bucket access: %w", err)
	}

	return &Backend{
		client:            client,
		cfg:               cfg,
		freshnessWindow:   storage.DefaultFreshnessWindow,
		fullnessThreshold: storage.DefaultFullnessThreshold,
	}, nil
}

func testBucketAccess(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("error checking bucket existence: %w", err)
	}

	if !exists {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	return nil
}

// SetFreshnessWindow overrides the default IsNewFile window.
func (b *Backend) SetFreshnessWindow(d time.Duration) { b.freshnessWindow = d }

// SetFullnessThreshold overrides the default IsFull threshold.
func (b *Backend) SetFullnessThreshold(t float64) { b.fullnessThreshold = t }

func (b *Backend) Name() string { return b.cfg.Name }

func (b *Backend) key(p string) string {
	p = strings.TrimPrefix(p, "/")
	if b.cfg.Prefix == "" {
		return p
	}

	return path.Join(b.cfg.Prefix, p)
}

func (b *Backend) NewFile(ctx context.Context, p string, data io.Reader) error {
	_, err := b.Save(ctx, p, data)

	return err
}

func (b *Backend) Save(ctx context.Context, p string, data io.Reader) (int64, error) {
	key := b.key(p)

	_, span := tracer.Start(ctx, "s3.Save",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)),
	)
	defer span.End()

	if data == nil {
		data = strings.NewReader("")
	}

	info, err := b.client.PutObject(ctx, b.cfg.Bucket, key, data, -1, minio.PutObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("error putting %q to S3: %w", key, err)
	}

	return info.Size, nil
}

func (b *Backend) Read(ctx context.Context, p string) (int64, io.ReadCloser, error) {
	key := b.key(p)

	_, span := tracer.Start(ctx, "s3.Read",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)),
	)
	defer span.End()

	obj, err := b.client.GetObject(ctx, b.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("error getting %q from S3: %w", key, err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()

		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return 0, nil, storage.ErrNotFound
		}

		return 0, nil, fmt.Errorf("error stat'ing %q in S3: %w", key, err)
	}

	return stat.Size, obj, nil
}

func (b *Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	oldKey, newKey := b.key(oldPath), b.key(newPath)

	_, span := tracer.Start(ctx, "s3.Rename",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("old_key", oldKey),
			attribute.String("new_key", newKey),
		),
	)
	defer span.End()

	if _, err := b.client.StatObject(ctx, b.cfg.Bucket, oldKey, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return storage.ErrNotFound
		}

		return fmt.Errorf("error stat'ing %q in S3: %w", oldKey, err)
	}

	if _, err := b.client.StatObject(ctx, b.cfg.Bucket, newKey, minio.StatObjectOptions{}); err == nil {
		return storage.ErrAlreadyExists
	}

	_, err := b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.cfg.Bucket, Object: newKey},
		minio.CopySrcOptions{Bucket: b.cfg.Bucket, Object: oldKey},
	)
	if err != nil {
		return fmt.Errorf("error copying %q to %q in S3: %w", oldKey, newKey, err)
	}

	if err := b.client.RemoveObject(ctx, b.cfg.Bucket, oldKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("error removing %q from S3: %w", oldKey, err)
	}

	return nil
}

func (b *Backend) Remove(ctx context.Context, p string) error {
	key := b.key(p)

	_, span := tracer.Start(ctx, "s3.Remove",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)),
	)
	defer span.End()

	if _, err := b.client.StatObject(ctx, b.cfg.Bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return storage.ErrNotFound
		}

		return fmt.Errorf("error stat'ing %q in S3: %w", key, err)
	}

	if err := b.client.RemoveObject(ctx, b.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("error removing %q from S3: %w", key, err)
	}

	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	_, span := tracer.Start(ctx, "s3.List", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var names []string

	opts := minio.ListObjectsOptions{Prefix: b.cfg.Prefix, Recursive: true}

	for object := range b.client.ListObjects(ctx, b.cfg.Bucket, opts) {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing bucket %q: %w", b.cfg.Bucket, object.Err)
		}

		key := object.Key
		if b.cfg.Prefix != "" {
			key = strings.TrimPrefix(strings.TrimPrefix(key, b.cfg.Prefix), "/")
		}

		names = append(names, key)
	}

	return names, nil
}

func (b *Backend) Find(ctx context.Context, name string, strict bool) (string, error) {
	names, err := b.List(ctx)
	if err != nil {
		return "", err
	}

	for _, n := range names {
		base := path.Base(n)

		if strict && base == name {
			return n, nil
		}

		if !strict && strings.Contains(base, name) {
			return n, nil
		}
	}

	return "", storage.ErrNotFound
}

func (b *Backend) CreationTime(ctx context.Context, p string) (time.Time, error) {
	key := b.key(p)

	stat, err := b.client.StatObject(ctx, b.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return time.Time{}, storage.ErrNotFound
		}

		return time.Time{}, fmt.Errorf("error stat'ing %q in S3: %w", key, err)
	}

	return stat.LastModified.UTC(), nil
}

func (b *Backend) IsNewFile(ctx context.Context, p string) (bool, error) {
	ct, err := b.CreationTime(ctx, p)
	if err != nil {
		return false, err
	}

	return time.Since(ct) < b.freshnessWindow, nil
}

// AvailableSpace is unbounded for an S3-compatible bucket: buckets do not
// expose a free-space figure, so the multiplexer's "avoid full back-ends"
// logic relies on IsFull/UsedSpace instead (spec.md §4.1's capability set
// does not mandate a meaningful number here for object stores).
func (b *Backend) AvailableSpace(ctx context.Context) (uint64, error) {
	return ^uint64(0), nil
}

func (b *Backend) UsedSpace(ctx context.Context) (uint64, error) {
	_, span := tracer.Start(ctx, "s3.UsedSpace", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var total uint64

	opts := minio.ListObjectsOptions{Prefix: b.cfg.Prefix, Recursive: true}

	for object := range b.client.ListObjects(ctx, b.cfg.Bucket, opts) {
		if object.Err != nil {
			return 0, fmt.Errorf("error listing bucket %q: %w", b.cfg.Bucket, object.Err)
		}

		total += uint64(object.Size) //nolint:gosec
	}

	return total, nil
}

// IsFull always reports false: an S3-compatible bucket has no practical
// capacity ceiling the multiplexer should place-avoid on.
func (b *Backend) IsFull(ctx context.Context) (bool, error) {
	return false, nil
}

var _ storage.Backend = (*Backend)(nil)
