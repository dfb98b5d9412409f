package custody

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/integrity"
	"github.com/hlekkr/hlekkr/pkg/kms"
)

func newTestRecorder(t *testing.T) (*Recorder, *MemoryStore) {
	t.Helper()
	manager, err := kms.NewLocalKMS(filepath.Join(t.TempDir(), "signing.key"))
	require.NoError(t, err)
	prover, err := integrity.NewHMACProver(manager, "custody-proof")
	require.NoError(t, err)

	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	rec := NewRecorder(store, prover, nil).WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	})
	return rec, store
}

func recordStages(t *testing.T, rec *Recorder, mediaID string, stages ...Stage) []string {
	t.Helper()
	ids := make([]string, 0, len(stages))
	for i, stage := range stages {
		id, err := rec.Record(context.Background(), RecordInput{
			MediaID:       mediaID,
			Stage:         stage,
			Actor:         "pipeline-worker",
			Action:        "processed",
			OutputContent: map[string]any{"step": i},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestRecordLinksEvents(t *testing.T) {
	rec, _ := newTestRecorder(t)
	recordStages(t, rec, "media-1", StageUpload, StageSecurityScan, StageMetadataExtraction)

	chain, err := rec.Chain(context.Background(), "media-1")
	require.NoError(t, err)
	require.Len(t, chain, 3)

	assert.Empty(t, chain[0].PreviousEventHash, "first event has no predecessor")
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, chain[i-1].EventHash, chain[i].PreviousEventHash,
			"event %d must link to its predecessor", i)
	}

	verification, err := rec.VerifyChain(context.Background(), "media-1")
	require.NoError(t, err)
	assert.Equal(t, ChainValid, verification.Status)
	assert.Equal(t, 3, verification.ValidEvents)
}

func TestRecordValidatesInput(t *testing.T) {
	rec, _ := newTestRecorder(t)

	_, err := rec.Record(context.Background(), RecordInput{Stage: StageUpload, Actor: "x"})
	assert.Equal(t, fault.CodeInputInvalid, fault.CodeOf(err))

	_, err = rec.Record(context.Background(), RecordInput{MediaID: "m", Stage: Stage("bogus"), Actor: "x"})
	assert.Equal(t, fault.CodeInputInvalid, fault.CodeOf(err))

	_, err = rec.Record(context.Background(), RecordInput{MediaID: "m", Stage: StageUpload})
	assert.Equal(t, fault.CodeInputInvalid, fault.CodeOf(err))
}

func TestVerifyChainEmpty(t *testing.T) {
	rec, _ := newTestRecorder(t)

	verification, err := rec.VerifyChain(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, ChainEmpty, verification.Status)
	assert.Zero(t, verification.TotalEvents)
}

func TestVerifyChainDetectsTamperedOutputHash(t *testing.T) {
	rec, store := newTestRecorder(t)
	recordStages(t, rec, "media-tamper",
		StageUpload, StageSecurityScan, StageMetadataExtraction)

	// Rewrite the middle event's output hash while leaving the successor's
	// back-pointer at the original recorded hash.
	require.True(t, store.Tamper("media-tamper", 1, func(e *Event) {
		e.OutputHash = "sha256:deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	}))

	verification, err := rec.VerifyChain(context.Background(), "media-tamper")
	require.NoError(t, err)
	assert.Equal(t, ChainBroken, verification.Status)
	assert.NotEmpty(t, verification.BrokenLinks)
}

func TestVerifyChainDetectsSpoofedEventHash(t *testing.T) {
	rec, store := newTestRecorder(t)
	recordStages(t, rec, "media-spoof", StageUpload, StageSecurityScan)

	// An attacker who fixes up the stored hash still cannot forge the proof.
	require.True(t, store.Tamper("media-spoof", 1, func(e *Event) {
		e.Action = "replaced"
		// recompute nothing: stored hash now disagrees with content
	}))

	verification, err := rec.VerifyChain(context.Background(), "media-spoof")
	require.NoError(t, err)
	assert.NotEqual(t, ChainValid, verification.Status)
	assert.Contains(t, verification.InvalidEvents, mustEventID(t, store, "media-spoof", 1))
}

func mustEventID(t *testing.T, store *MemoryStore, mediaID string, idx int) string {
	t.Helper()
	events, err := store.ListByMedia(context.Background(), mediaID)
	require.NoError(t, err)
	require.Greater(t, len(events), idx)
	return events[idx].EventID
}

func TestSignatureStability(t *testing.T) {
	rec, store := newTestRecorder(t)
	recordStages(t, rec, "media-stable", StageUpload)

	events, err := store.ListByMedia(context.Background(), "media-stable")
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Re-signing a fetched event must reproduce its proof bit-exact.
	proof, err := rec.prover.Sign(events[0].signable())
	require.NoError(t, err)
	assert.Equal(t, events[0].IntegrityProof, proof)
}

type failingProver struct{}

func (failingProver) Sign(any) (string, error) {
	return "", fault.New(fault.CodeSignatureError, "kms unavailable")
}

func (failingProver) Verify(any, string) (bool, error) { return false, nil }

func TestSigningFailureRecordsUnknownProof(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, failingProver{}, nil)

	_, err := rec.Record(context.Background(), RecordInput{
		MediaID: "media-unsigned", Stage: StageUpload, Actor: "ingest",
	})
	require.NoError(t, err, "signing failure must not abort the append")

	events, err := store.ListByMedia(context.Background(), "media-unsigned")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, integrity.ProofUnknown, events[0].IntegrityProof)

	verification, err := rec.VerifyChain(context.Background(), "media-unsigned")
	require.NoError(t, err)
	assert.Equal(t, ChainCompromised, verification.Status)
}

func TestVerifyChainMostlyValid(t *testing.T) {
	rec, store := newTestRecorder(t)
	recordStages(t, rec, "media-mostly",
		StageUpload, StageSecurityScan, StageMetadataExtraction,
		StageSourceVerification, StageDeepfakeAnalysis)

	// Knock out one proof of five without touching hashed content: 80% intact.
	require.True(t, store.Tamper("media-mostly", 2, func(e *Event) {
		e.IntegrityProof = integrity.ProofUnknown
	}))

	verification, err := rec.VerifyChain(context.Background(), "media-mostly")
	require.NoError(t, err)
	assert.Equal(t, ChainMostlyValid, verification.Status)
	assert.Equal(t, 4, verification.ValidEvents)
}

func TestAppendConflictSurfacesAsConflict(t *testing.T) {
	store := NewMemoryStore()
	evt := Event{MediaID: "m", EventID: "e1", PreviousEventHash: "", EventHash: "h1"}
	require.NoError(t, store.Append(context.Background(), evt))

	stale := Event{MediaID: "m", EventID: "e2", PreviousEventHash: "", EventHash: "h2"}
	err := store.Append(context.Background(), stale)
	require.Error(t, err)
	assert.Equal(t, fault.CodeConflict, fault.CodeOf(err))
}

func TestProvenanceGraph(t *testing.T) {
	rec, _ := newTestRecorder(t)
	recordStages(t, rec, "media-graph",
		StageUpload, StageSecurityScan, StageDeepfakeAnalysis, StageTrustScore)

	graph, err := rec.ProvenanceGraph(context.Background(), "media-graph")
	require.NoError(t, err)

	assert.Len(t, graph.Nodes, 4)
	assert.Len(t, graph.Edges, 3)
	assert.Equal(t, ChainValid, graph.Metrics.ChainStatus)
	assert.Equal(t, 4, graph.Metrics.EventCount)
	assert.Equal(t, []string{"pipeline-worker"}, graph.Metrics.Actors)
	assert.Equal(t, 1, graph.Metrics.StageCounts[StageTrustScore])
	assert.True(t, graph.Metrics.Span > 0)

	for i, edge := range graph.Edges {
		assert.Equal(t, graph.Nodes[i].ID, edge.From)
		assert.Equal(t, graph.Nodes[i+1].ID, edge.To)
		assert.Equal(t, "precedes", edge.Relation)
	}
}

func TestParseStage(t *testing.T) {
	assert.Equal(t, StageDeepfakeAnalysis, ParseStage("deepfake_analysis"))
	assert.Equal(t, StageUnknown, ParseStage("totally_new_stage"))
	assert.False(t, StageUnknown.Valid())
	assert.True(t, StageQuarantine.Valid())
}
