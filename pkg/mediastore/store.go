// Package mediastore is the object-storage layer media bytes live in. The
// pipeline reads uploads from here, the metadata extractor range-reads
// headers, and the discrepancy detector copies flagged objects into a
// quarantine bucket.
package mediastore

import (
	"context"
	"crypto/md5" //nolint:gosec // etag fidelity with S3, not integrity
	"encoding/hex"
	"sync"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// ObjectInfo is the head metadata stored alongside an object.
type ObjectInfo struct {
	Bucket               string            `json:"bucket"`
	Key                  string            `json:"key"`
	Size                 int64             `json:"size"`
	ContentType          string            `json:"contentType,omitempty"`
	ETag                 string            `json:"etag,omitempty"`
	LastModified         time.Time         `json:"lastModified"`
	StorageClass         string            `json:"storageClass,omitempty"`
	ServerSideEncryption string            `json:"serverSideEncryption,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// PutInput describes one object write.
type PutInput struct {
	Bucket               string
	Key                  string
	Body                 []byte
	ContentType          string
	StorageClass         string
	ServerSideEncryption string
	Metadata             map[string]string
}

// Store is the object-store contract every backend implements.
type Store interface {
	// Put writes an object and returns its head metadata.
	Put(ctx context.Context, in PutInput) (ObjectInfo, error)

	// Head returns object metadata without the body. Missing objects are
	// NOT_FOUND faults.
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// Get returns the full object body.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// GetRange returns length bytes starting at offset, truncated at the
	// object's end. length < 0 reads to the end.
	GetRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error)

	// Copy duplicates an object, preserving its metadata.
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
}

// Presigner is implemented by stores that can mint time-limited GET URLs.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type memoryObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore keeps objects in process memory, for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]map[string]memoryObject),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Put(_ context.Context, in PutInput) (ObjectInfo, error) {
	if in.Bucket == "" || in.Key == "" {
		return ObjectInfo{}, fault.New(fault.CodeInputInvalid, "put requires bucket and key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := md5.Sum(in.Body) //nolint:gosec // etag fidelity with S3
	data := make([]byte, len(in.Body))
	copy(data, in.Body)

	storageClass := in.StorageClass
	if storageClass == "" {
		storageClass = "STANDARD"
	}
	info := ObjectInfo{
		Bucket:               in.Bucket,
		Key:                  in.Key,
		Size:                 int64(len(in.Body)),
		ContentType:          in.ContentType,
		ETag:                 `"` + hex.EncodeToString(sum[:]) + `"`,
		LastModified:         s.clock().UTC(),
		StorageClass:         storageClass,
		ServerSideEncryption: in.ServerSideEncryption,
		Metadata:             copyMeta(in.Metadata),
	}

	bucket, ok := s.buckets[in.Bucket]
	if !ok {
		bucket = make(map[string]memoryObject)
		s.buckets[in.Bucket] = bucket
	}
	bucket[in.Key] = memoryObject{data: data, info: info}
	return info, nil
}

func (s *MemoryStore) Head(_ context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return ObjectInfo{}, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
	}
	info := obj.info
	info.Metadata = copyMeta(obj.info.Metadata)
	return info, nil
}

func (s *MemoryStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (s *MemoryStore) GetRange(_ context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "object %s/%s not found", bucket, key)
	}
	if offset < 0 || offset >= int64(len(obj.data)) {
		return nil, fault.New(fault.CodeInputInvalid, "range offset %d outside object of %d bytes", offset, len(obj.data))
	}
	end := int64(len(obj.data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	out := make([]byte, end-offset)
	copy(out, obj.data[offset:end])
	return out, nil
}

func (s *MemoryStore) Copy(_ context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.buckets[srcBucket][srcKey]
	if !ok {
		return fault.New(fault.CodeNotFound, "object %s/%s not found", srcBucket, srcKey)
	}

	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	info := obj.info
	info.Bucket = dstBucket
	info.Key = dstKey
	info.LastModified = s.clock().UTC()
	info.Metadata = copyMeta(obj.info.Metadata)

	bucket, ok := s.buckets[dstBucket]
	if !ok {
		bucket = make(map[string]memoryObject)
		s.buckets[dstBucket] = bucket
	}
	bucket[dstKey] = memoryObject{data: data, info: info}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
