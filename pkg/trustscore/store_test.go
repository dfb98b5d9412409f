package trustscore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

func storedVersion(mediaID, version string, score float64, ts time.Time) TrustScoreVersion {
	return TrustScoreVersion{
		MediaID:              mediaID,
		Version:              version,
		CalculationTimestamp: ts,
		CalculationDate:      ts.Format("2006-01-02"),
		CompositeScore:       score,
		Confidence:           ConfidenceMedium,
		ScoreRange:           scoreRangeFor(score),
		Breakdown:            Breakdown{Deepfake: score},
		Factors:              []string{"deepfake: test"},
	}
}

func TestMemoryStoreLatestUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		v := storedVersion("media-1", fmt.Sprintf("v-%d", i), float64(40+i*10), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.PutVersion(ctx, v))
	}

	history, err := store.History(ctx, "media-1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	latestCount := 0
	for _, v := range history {
		if v.IsLatest {
			latestCount++
			assert.Equal(t, "v-2", v.Version)
		}
	}
	assert.Equal(t, 1, latestCount)

	latest, err := store.Latest(ctx, "media-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "v-2", latest.Version)

	mid, err := store.GetVersion(ctx, "media-1", "v-1")
	require.NoError(t, err)
	require.NotNil(t, mid)
	assert.False(t, mid.IsLatest)
	assert.InDelta(t, 50, mid.CompositeScore, 1e-9)
}

func TestMemoryStoreRejectsDuplicateVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutVersion(ctx, storedVersion("media-1", "v-0", 50, ts)))
	err := store.PutVersion(ctx, storedVersion("media-1", "v-0", 60, ts))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeConflict))
}

func TestMemoryStoreCompact(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		v := storedVersion("media-1", fmt.Sprintf("v-%d", i), 50, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.PutVersion(ctx, v))
	}

	removed, err := store.Compact(ctx, "media-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	history, err := store.History(ctx, "media-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "v-4", history[0].Version)
	assert.Equal(t, "v-3", history[1].Version)

	latest, err := store.Latest(ctx, "media-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "v-4", latest.Version)
}

func TestMemoryStoreQueriesAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	scores := []float64{15, 45, 60, 80, 95}
	for i, sc := range scores {
		v := storedVersion(fmt.Sprintf("media-%d", i), fmt.Sprintf("v-%d", i), sc, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.PutVersion(ctx, v))
	}

	high, err := store.ListByRange(ctx, RangeHigh, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.InDelta(t, 80, high[0].CompositeScore, 1e-9)

	mid, err := store.ListByScore(ctx, 40, 70, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, mid, 2)
	// newest first
	assert.InDelta(t, 60, mid[0].CompositeScore, 1e-9)
	assert.InDelta(t, 45, mid[1].CompositeScore, 1e-9)

	// window excludes the first two entries
	windowed, err := store.ListByScore(ctx, 0, 100, base.Add(2*time.Hour), time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, windowed, 3)

	stats, err := store.Stats(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Count)
	assert.InDelta(t, 59, stats.Mean, 1e-9)
	assert.InDelta(t, 60, stats.Median, 1e-9)
	assert.InDelta(t, 15, stats.Min, 1e-9)
	assert.InDelta(t, 95, stats.Max, 1e-9)
	assert.Equal(t, 1, stats.Distribution[RangeCritical])
	assert.Equal(t, 1, stats.Distribution[RangeExcellent])
	assert.Equal(t, 1, stats.Distribution[RangeHigh])
}
