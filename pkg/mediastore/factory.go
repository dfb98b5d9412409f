package mediastore

import (
	"context"
	"fmt"
	"os"
)

// BackendType selects the object-storage backend.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendS3     BackendType = "s3"
	BackendGCS    BackendType = "gcs"
)

// NewStoreFromEnv creates a media store based on environment variables.
//
// Environment variables:
//   - HLEKKR_STORAGE_TYPE: "s3" (default), "gcs", or "memory"
//
// For S3:
//   - HLEKKR_S3_REGION or AWS_REGION (default "us-east-1")
//   - HLEKKR_S3_ENDPOINT (optional, for MinIO/LocalStack)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("HLEKKR_STORAGE_TYPE"))
	if backend == "" {
		backend = BackendS3
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", backend)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	region := os.Getenv("HLEKKR_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Region:   region,
		Endpoint: os.Getenv("HLEKKR_S3_ENDPOINT"),
	})
}
