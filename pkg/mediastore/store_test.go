package mediastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

func TestMemoryStorePutHead(t *testing.T) {
	store := NewMemoryStore().WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	})
	ctx := context.Background()

	info, err := store.Put(ctx, PutInput{
		Bucket:      "media",
		Key:         "uploads/clip.mp4",
		Body:        []byte("fake mp4 bytes"),
		ContentType: "video/mp4",
		Metadata:    map[string]string{"source-url": "https://example.org/clip"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(14), info.Size)
	assert.NotEmpty(t, info.ETag)
	assert.Equal(t, "STANDARD", info.StorageClass)

	head, err := store.Head(ctx, "media", "uploads/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, info.ETag, head.ETag)
	assert.Equal(t, "video/mp4", head.ContentType)
	assert.Equal(t, "https://example.org/clip", head.Metadata["source-url"])
}

func TestMemoryStorePutValidates(t *testing.T) {
	_, err := NewMemoryStore().Put(context.Background(), PutInput{Key: "k"})
	assert.True(t, fault.Is(err, fault.CodeInputInvalid))
}

func TestMemoryStoreGetRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Put(ctx, PutInput{Bucket: "media", Key: "k", Body: []byte("0123456789")})
	require.NoError(t, err)

	head, err := store.GetRange(ctx, "media", "k", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), head)

	tail, err := store.GetRange(ctx, "media", "k", 6, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("6789"), tail)

	clamped, err := store.GetRange(ctx, "media", "k", 8, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), clamped)

	_, err = store.GetRange(ctx, "media", "k", 50, 4)
	assert.True(t, fault.Is(err, fault.CodeInputInvalid))
}

func TestMemoryStoreCopyPreservesMetadata(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Put(ctx, PutInput{
		Bucket:      "media",
		Key:         "uploads/img.png",
		Body:        []byte("png"),
		ContentType: "image/png",
		Metadata:    map[string]string{"source-url": "https://example.org"},
	})
	require.NoError(t, err)

	require.NoError(t, store.Copy(ctx, "media", "uploads/img.png", "quarantine", "uploads/img.png"))

	copied, err := store.Head(ctx, "quarantine", "uploads/img.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", copied.ContentType)
	assert.Equal(t, "https://example.org", copied.Metadata["source-url"])
	assert.Equal(t, "quarantine", copied.Bucket)

	body, err := store.Get(ctx, "quarantine", "uploads/img.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), body)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Head(ctx, "media", "absent")
	assert.True(t, fault.Is(err, fault.CodeNotFound))

	_, err = store.Get(ctx, "media", "absent")
	assert.True(t, fault.Is(err, fault.CodeNotFound))

	err = store.Copy(ctx, "media", "absent", "quarantine", "absent")
	assert.True(t, fault.Is(err, fault.CodeNotFound))

	// Deleting a missing object is a no-op.
	assert.NoError(t, store.Delete(ctx, "media", "absent"))
}

func TestNewStoreFromEnvMemory(t *testing.T) {
	t.Setenv("HLEKKR_STORAGE_TYPE", "memory")
	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	_, ok := store.(*MemoryStore)
	assert.True(t, ok)
}

func TestNewStoreFromEnvUnknown(t *testing.T) {
	t.Setenv("HLEKKR_STORAGE_TYPE", "tape")
	_, err := NewStoreFromEnv(context.Background())
	assert.Error(t, err)
}
