//go:build gcp

package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// GCSStore implements Store using Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore creates a GCS-backed media store using ADC credentials.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

func (s *GCSStore) Put(ctx context.Context, in PutInput) (ObjectInfo, error) {
	if in.Bucket == "" || in.Key == "" {
		return ObjectInfo{}, fault.New(fault.CodeInputInvalid, "put requires bucket and key")
	}

	obj := s.client.Bucket(in.Bucket).Object(in.Key)
	w := obj.NewWriter(ctx)
	w.ContentType = in.ContentType
	w.Metadata = in.Metadata
	if in.StorageClass != "" {
		w.StorageClass = in.StorageClass
	}

	if _, err := w.Write(in.Body); err != nil {
		_ = w.Close()
		return ObjectInfo{}, fault.Wrap(fault.CodeStoreError, err, "writing gcs object")
	}
	if err := w.Close(); err != nil {
		return ObjectInfo{}, fault.Wrap(fault.CodeStoreError, err, "committing gcs object")
	}
	return s.Head(ctx, in.Bucket, in.Key)
}

func (s *GCSStore) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	attrs, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{}, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
		}
		return ObjectInfo{}, fault.Wrap(fault.CodeStoreError, err, "heading gcs object")
	}

	info := ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		ETag:         attrs.Etag,
		LastModified: attrs.Updated.UTC(),
		StorageClass: attrs.StorageClass,
		Metadata:     attrs.Metadata,
	}
	if attrs.KMSKeyName != "" || attrs.CustomerKeySHA256 != "" {
		info.ServerSideEncryption = "gcs-cmek"
	}
	return info, nil
}

func (s *GCSStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, fault.Wrap(fault.CodeStoreError, err, "opening gcs reader")
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading gcs object")
	}
	return data, nil
}

func (s *GCSStore) GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, fault.New(fault.CodeInputInvalid, "negative range offset %d", offset)
	}
	reader, err := s.client.Bucket(bucket).Object(key).NewRangeReader(ctx, offset, length)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, fault.Wrap(fault.CodeStoreError, err, "opening gcs range reader")
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading gcs object range")
	}
	return data, nil
}

func (s *GCSStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	src := s.client.Bucket(srcBucket).Object(srcKey)
	dst := s.client.Bucket(dstBucket).Object(dstKey)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fault.New(fault.CodeNotFound, "object %s/%s not found", srcBucket, srcKey)
		}
		return fault.Wrap(fault.CodeStoreError, err, "copying gcs object")
	}
	return nil
}

func (s *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fault.Wrap(fault.CodeStoreError, err, "deleting gcs object")
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ Store = (*GCSStore)(nil)
