package pipeline

import (
	"context"
	"time"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediameta"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

// exifTimeLayout is how EXIF stamps DateTimeOriginal.
const exifTimeLayout = "2006:01:02 15:04:05"

// Rescore recomputes the trust score with a human decision folded in. It
// satisfies the review completion flow's Rescorer contract: the completer
// calls it after a moderator decides, and the human adjustment replaces or
// blends into the deepfake subscore inside the engine.
func (p *Pipeline) Rescore(ctx context.Context, mediaID string, human trustscore.HumanDecisionInput) (*trustscore.TrustScoreVersion, error) {
	if mediaID == "" {
		return nil, fault.New(fault.CodeInputInvalid, "rescore needs a media id")
	}
	inputs, err := p.collectInputs(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	inputs.Human = &human

	calcCtx, cancel := context.WithTimeout(ctx, scoringBudget)
	version, err := p.deps.Scores.Calculate(calcCtx, inputs)
	cancel()
	if err != nil {
		return nil, err
	}

	// The version is already persisted; a custody write failure here is
	// logged rather than unwinding the completed review.
	if _, err := p.recordCustody(ctx, custody.RecordInput{
		MediaID:        mediaID,
		Stage:          custody.StageTrustScore,
		Actor:          actorFor(custody.StageTrustScore),
		Action:         "rescored",
		OutputContent:  version,
		Transformation: "human-adjusted-rescore",
		Meta:           map[string]any{"humanAdjustment": human.Adjustment},
	}); err != nil {
		p.logger.Error("recording rescore custody entry failed", "mediaId", mediaID, "error", err)
	}
	return &version, nil
}

// collectInputs rebuilds the trust engine's inputs from the audit trail. One
// pass, oldest first, newest decodable record of each type winning. Absent
// signals stay nil: the engine treats them as unknown components instead of
// zeros.
func (p *Pipeline) collectInputs(ctx context.Context, mediaID string) (trustscore.Inputs, error) {
	in := trustscore.Inputs{MediaID: mediaID}

	listCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	events, err := p.deps.Audits.ListByMedia(listCtx, mediaID)
	cancel()
	if err != nil {
		return in, err
	}

	var (
		upload          *uploadRecord
		uploadedAt      time.Time
		analysis        *analysisRecord
		verification    *sourceverify.Verification
		meta            *mediameta.Metadata
		uploadTimes     []time.Time
		processingTimes []time.Duration
	)
	for i := range events {
		e := events[i]
		switch e.EventType {
		case audit.EventMediaUpload:
			uploadTimes = append(uploadTimes, e.Timestamp)
			var rec uploadRecord
			if e.DecodePayload(&rec) == nil && rec.Key != "" {
				upload = &rec
				uploadedAt = e.Timestamp
			}
		case audit.EventDeepfakeAnalysis:
			var rec analysisRecord
			if e.DecodePayload(&rec) == nil && validAnalysis(rec) {
				analysis = &rec
				processingTimes = append(processingTimes, rec.Result.ProcessingTime)
			}
		case audit.EventSourceVerification:
			var sv sourceverify.Verification
			if e.DecodePayload(&sv) == nil && sv.Status != "" {
				verification = &sv
			}
		case audit.EventMetadataExtraction:
			var md mediameta.Metadata
			if e.DecodePayload(&md) == nil && md.MediaType != "" {
				meta = &md
			}
		}
	}

	if analysis != nil {
		in.Deepfake = &trustscore.DeepfakeInput{
			Confidence:     analysis.Result.DeepfakeConfidence,
			Classification: analysis.Classification,
			Agreement:      string(analysis.Result.Consensus.Agreement),
			ModelsCount:    analysis.Result.Consensus.ModelsCount,
			ProcessingTime: analysis.Result.ProcessingTime,
		}
	}

	claimedPublished := claimedPublishedAt(verification, upload)

	if verification != nil {
		src := &trustscore.SourceInput{
			Status:           string(verification.Status),
			StatusConfidence: verification.Confidence,
			Reputation:       50,
			ChainOfCustodyOK: p.chainIntact(ctx, mediaID),
			PublishedAt:      claimedPublished,
			UploadedAt:       uploadedAt,
		}
		if verification.Reputation != nil {
			src.Reputation = verification.Reputation.Score
		}
		if verification.CrossRef != nil {
			src.CrossRefCount = len(verification.CrossRef.Corroborating)
		}
		if upload != nil {
			src.UploadPath = upload.Key
		}
		in.Source = src
	}

	if meta != nil {
		created := extractedCreation(meta)
		in.Metadata = &trustscore.MetadataInput{
			SizeBytes:         meta.Object.Size,
			ExtractedCreation: created,
			ClaimedPublished:  claimedPublished,
			InvalidTimestamps: invalidCreation(created, uploadedAt),
			MissingCritical:   missingCritical(meta),
		}
		in.Technical = &trustscore.TechnicalInput{
			ETag:             meta.Object.ETag,
			Encrypted:        meta.Object.ServerSideEncryption != "",
			StorageClass:     meta.Object.StorageClass,
			ExtractionFailed: meta.ExtractionFailed,
		}
	}

	if len(uploadTimes) > 0 || len(processingTimes) > 0 {
		in.History = &trustscore.HistoryInput{
			UploadTimes:     uploadTimes,
			ProcessingTimes: processingTimes,
		}
	}
	return in, nil
}

// validAnalysis filters out synthetic failure events and analyses that never
// produced a model verdict (confidence -1 marks those).
func validAnalysis(rec analysisRecord) bool {
	return rec.Result.Consensus.ModelsCount > 0 && rec.Result.DeepfakeConfidence >= 0
}

// chainIntact verifies the custody chain and accepts the two healthy states.
// Verification errors count as not intact: scoring must not reward a chain
// it could not check.
func (p *Pipeline) chainIntact(ctx context.Context, mediaID string) bool {
	verifyCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	status, err := p.deps.Custody.VerifyChain(verifyCtx, mediaID)
	if err != nil {
		p.logger.Warn("chain verification failed during scoring", "mediaId", mediaID, "error", err)
		return false
	}
	return status.Status == custody.ChainValid || status.Status == custody.ChainMostlyValid
}

func claimedPublishedAt(verification *sourceverify.Verification, upload *uploadRecord) *time.Time {
	if verification != nil && verification.Claim.PublishedAt != nil {
		return verification.Claim.PublishedAt
	}
	if upload != nil && upload.Claim != nil {
		return upload.Claim.PublishedAt
	}
	return nil
}

// extractedCreation pulls the embedded creation stamp out of the extract.
// Only EXIF carries one today; container formats record durations, not
// authorship times.
func extractedCreation(meta *mediameta.Metadata) *time.Time {
	if meta.Image == nil || meta.Image.DateTimeOriginal == "" {
		return nil
	}
	t, err := time.Parse(exifTimeLayout, meta.Image.DateTimeOriginal)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// invalidCreation flags a creation stamp after the upload arrived. Five
// minutes of skew covers camera clocks that run slightly ahead.
func invalidCreation(created *time.Time, uploadedAt time.Time) bool {
	if created == nil || uploadedAt.IsZero() {
		return false
	}
	return created.After(uploadedAt.Add(5 * time.Minute))
}

// missingCritical lists the fields downstream consumers depend on that the
// extract failed to recover.
func missingCritical(meta *mediameta.Metadata) []string {
	var missing []string
	if meta.Object.ContentType == "" {
		missing = append(missing, "contentType")
	}
	if meta.Object.ETag == "" {
		missing = append(missing, "etag")
	}
	switch {
	case meta.Image != nil:
		if meta.Image.Width == 0 || meta.Image.Height == 0 {
			missing = append(missing, "dimensions")
		}
	case meta.Video != nil:
		if meta.Video.Width == 0 || meta.Video.Height == 0 {
			missing = append(missing, "dimensions")
		}
	case meta.Audio != nil:
		if meta.Audio.DurationSeconds == 0 {
			missing = append(missing, "duration")
		}
	}
	return missing
}
