package mediastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// S3Store implements Store against AWS S3 or any S3-compatible endpoint.
type S3Store struct {
	client *s3.Client
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
}

// NewS3Store creates an S3-backed media store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Store{client: s3.NewFromConfig(awsCfg, clientOpts)}, nil
}

// NewS3StoreFromClient wraps an already-configured client (tests, custom
// credential chains).
func NewS3StoreFromClient(client *s3.Client) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) Put(ctx context.Context, in PutInput) (ObjectInfo, error) {
	if in.Bucket == "" || in.Key == "" {
		return ObjectInfo{}, fault.New(fault.CodeInputInvalid, "put requires bucket and key")
	}

	put := &s3.PutObjectInput{
		Bucket:   aws.String(in.Bucket),
		Key:      aws.String(in.Key),
		Body:     bytes.NewReader(in.Body),
		Metadata: in.Metadata,
	}
	if in.ContentType != "" {
		put.ContentType = aws.String(in.ContentType)
	}
	if in.StorageClass != "" {
		put.StorageClass = types.StorageClass(in.StorageClass)
	}
	if in.ServerSideEncryption != "" {
		put.ServerSideEncryption = types.ServerSideEncryption(in.ServerSideEncryption)
	}

	if _, err := s.client.PutObject(ctx, put); err != nil {
		return ObjectInfo{}, fault.Wrap(fault.CodeStoreError, err, "putting s3 object")
	}
	return s.Head(ctx, in.Bucket, in.Key)
}

func (s *S3Store) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ObjectInfo{}, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
		}
		return ObjectInfo{}, fault.Wrap(fault.CodeStoreError, err, "heading s3 object")
	}

	info := ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		StorageClass: string(out.StorageClass),
		Metadata:     out.Metadata,
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.UTC()
	}
	if out.ServerSideEncryption != "" {
		info.ServerSideEncryption = string(out.ServerSideEncryption)
	}
	return info, nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, fault.Wrap(fault.CodeStoreError, err, "getting s3 object")
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading s3 object body")
	}
	return data, nil
}

func (s *S3Store) GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, fault.New(fault.CodeInputInvalid, "negative range offset %d", offset)
	}
	rng := fmt.Sprintf("bytes=%d-", offset)
	if length >= 0 {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, fault.Wrap(fault.CodeStoreError, err, "getting s3 object range")
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "reading s3 object range")
	}
	return data, nil
}

func (s *S3Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(srcBucket + "/" + srcKey)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fault.New(fault.CodeNotFound, "object %s/%s not found", srcBucket, srcKey)
		}
		return fault.Wrap(fault.CodeStoreError, err, "copying s3 object")
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "deleting s3 object")
	}
	return nil
}

// PresignGet mints a time-limited GET URL for sharing evidence externally.
func (s *S3Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(s.client, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fault.Wrap(fault.CodeStoreError, err, "presigning s3 get")
	}
	return req.URL, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

var (
	_ Store     = (*S3Store)(nil)
	_ Presigner = (*S3Store)(nil)
)
