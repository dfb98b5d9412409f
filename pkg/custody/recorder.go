package custody

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/canonical"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/integrity"
)

// Recorder appends to and verifies per-media custody chains.
type Recorder struct {
	store  Store
	prover integrity.Prover
	logger *slog.Logger
	clock  func() time.Time
}

// NewRecorder wires a recorder to its event store and proof signer.
func NewRecorder(store Store, prover integrity.Prover, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		prover: prover,
		logger: logger.With("component", "custody"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record appends a custody event linked to the media item's current head.
//
// The append is optimistic: the head is re-read and the write retried when a
// concurrent append wins the race. A signing failure does not abort the
// append — the proof is stored as UNKNOWN so the gap is visible to
// verification instead of being lost.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (string, error) {
	if in.MediaID == "" {
		return "", fault.New(fault.CodeInputInvalid, "mediaId is required")
	}
	if !in.Stage.Valid() {
		return "", fault.New(fault.CodeInputInvalid, "unknown stage %q", in.Stage)
	}
	if in.Actor == "" {
		return "", fault.New(fault.CodeInputInvalid, "actor is required")
	}

	return fault.Retry(ctx, func() (string, error) {
		return r.appendOnce(ctx, in)
	})
}

func (r *Recorder) appendOnce(ctx context.Context, in RecordInput) (string, error) {
	prevHash := ""
	latest, err := r.store.LatestByMedia(ctx, in.MediaID)
	if err != nil {
		return "", fault.Wrap(fault.CodeStoreError, err, "reading chain head")
	}
	if latest != nil {
		prevHash = latest.EventHash
	}

	evt := Event{
		MediaID:           in.MediaID,
		EventID:           uuid.New().String(),
		PreviousEventHash: prevHash,
		Stage:             in.Stage,
		Actor:             in.Actor,
		Action:            in.Action,
		Transformation:    in.Transformation,
		Meta:              in.Meta,
		Timestamp:         r.clock().UTC(),
	}

	if in.InputContent != nil {
		if evt.InputHash, err = canonical.ContentHash(in.InputContent); err != nil {
			return "", fault.Wrap(fault.CodeInputInvalid, err, "hashing input content")
		}
	}
	if in.OutputContent != nil {
		if evt.OutputHash, err = canonical.ContentHash(in.OutputContent); err != nil {
			return "", fault.Wrap(fault.CodeInputInvalid, err, "hashing output content")
		}
	}

	hash, err := canonical.ContentHash(evt.hashable())
	if err != nil {
		return "", fault.Wrap(fault.CodeSignatureError, err, "hashing event")
	}
	evt.EventHash = hash

	proof, err := r.prover.Sign(evt.signable())
	if err != nil {
		r.logger.Error("integrity proof failed, recording UNKNOWN",
			"mediaId", in.MediaID, "stage", in.Stage, "error", err)
		proof = integrity.ProofUnknown
	}
	evt.IntegrityProof = proof

	if err := r.store.Append(ctx, evt); err != nil {
		return "", err
	}
	return evt.EventID, nil
}

// Chain returns the media item's custody events ordered oldest first.
func (r *Recorder) Chain(ctx context.Context, mediaID string) ([]Event, error) {
	if mediaID == "" {
		return nil, fault.New(fault.CodeInputInvalid, "mediaId is required")
	}
	events, err := r.store.ListByMedia(ctx, mediaID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreError, err, "listing chain")
	}
	return events, nil
}

// VerifyChain re-derives every event hash and proof and checks linkage.
//
// Linkage compares each event's back-pointer against the predecessor's
// RECOMPUTED hash, so editing any hashed field breaks the chain even if the
// stored hash was fixed up to match.
func (r *Recorder) VerifyChain(ctx context.Context, mediaID string) (ChainVerification, error) {
	result := ChainVerification{MediaID: mediaID, CheckedAt: r.clock().UTC()}

	events, err := r.Chain(ctx, mediaID)
	if err != nil {
		return result, err
	}
	result.TotalEvents = len(events)
	if len(events) == 0 {
		result.Status = ChainEmpty
		return result, nil
	}

	recomputed := make([]string, len(events))
	for i, evt := range events {
		hash, err := canonical.ContentHash(evt.hashable())
		if err != nil {
			return result, fault.Wrap(fault.CodeSignatureError, err, "rehashing event")
		}
		recomputed[i] = hash

		intact := hash == evt.EventHash
		ok, err := r.prover.Verify(evt.signable(), evt.IntegrityProof)
		if err != nil {
			r.logger.Warn("proof verification errored",
				"mediaId", mediaID, "eventId", evt.EventID, "error", err)
			ok = false
		}
		if intact && ok {
			result.ValidEvents++
		} else {
			result.InvalidEvents = append(result.InvalidEvents, evt.EventID)
		}
	}

	for i, evt := range events {
		want := ""
		if i > 0 {
			want = recomputed[i-1]
		}
		if evt.PreviousEventHash != want {
			result.BrokenLinks = append(result.BrokenLinks, i)
		}
	}

	switch {
	case len(result.BrokenLinks) > 0:
		result.Status = ChainBroken
	case result.ValidEvents == result.TotalEvents:
		result.Status = ChainValid
	case float64(result.ValidEvents) >= 0.8*float64(result.TotalEvents):
		result.Status = ChainMostlyValid
	default:
		result.Status = ChainCompromised
	}
	return result, nil
}
