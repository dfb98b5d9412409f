package sourceverify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticCrossRef(t *testing.T) {
	provider := StaticCrossRef{Sources: map[string][]string{
		"factcheck-alpha": {"news.example", "wire.example"},
		"factcheck-beta":  {"other.example"},
	}}

	got, err := provider.CrossReference(context.Background(), SourceClaim{Domain: "news.example"})
	require.NoError(t, err)
	assert.Equal(t, 2, got.SourcesChecked)
	assert.Equal(t, []string{"factcheck-alpha"}, got.Corroborating)
	assert.InDelta(t, 50, got.Score, 1e-9)
}

func TestStaticCrossRefDerivesDomainFromURL(t *testing.T) {
	provider := StaticCrossRef{Sources: map[string][]string{
		"factcheck-alpha": {"news.example"},
	}}

	got, err := provider.CrossReference(context.Background(), SourceClaim{URL: "https://News.Example/story"})
	require.NoError(t, err)
	assert.Equal(t, []string{"factcheck-alpha"}, got.Corroborating)
	assert.InDelta(t, 100, got.Score, 1e-9)
}

func TestValidateClaimMetadata(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)
	ancient := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("fully valid claim", func(t *testing.T) {
		got := validateClaimMetadata(SourceClaim{
			URL:         "https://news.example/story",
			Domain:      "news.example",
			Title:       "Flood Footage Raises Questions",
			Author:      "R. Alvarez",
			PublishedAt: &past,
		}, now)
		assert.Equal(t, 5, got.FieldsChecked)
		assert.Equal(t, 5, got.FieldsValid)
		assert.Empty(t, got.Problems)
		assert.InDelta(t, 100, got.Score, 1e-9)
	})

	t.Run("future publication date", func(t *testing.T) {
		got := validateClaimMetadata(SourceClaim{Domain: "news.example", PublishedAt: &future}, now)
		assert.Equal(t, 2, got.FieldsChecked)
		assert.Equal(t, 1, got.FieldsValid)
		assert.Contains(t, got.Problems, "publication date is in the future")
		assert.InDelta(t, 50, got.Score, 1e-9)
	})

	t.Run("fabricated ancient date", func(t *testing.T) {
		got := validateClaimMetadata(SourceClaim{Domain: "news.example", PublishedAt: &ancient}, now)
		assert.Contains(t, got.Problems, "publication date predates the web")
	})

	t.Run("malformed url and domain", func(t *testing.T) {
		got := validateClaimMetadata(SourceClaim{URL: "not a url", Domain: "localhost"}, now)
		assert.Equal(t, 2, got.FieldsChecked)
		assert.Equal(t, 0, got.FieldsValid)
		assert.Len(t, got.Problems, 2)
		assert.InDelta(t, 0, got.Score, 1e-9)
	})
}
