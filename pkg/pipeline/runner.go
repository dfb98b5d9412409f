package pipeline

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/discrepancy"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

func newMediaID() string { return uuid.New().String() }

// UploadInput describes one media submission. Body may be nil when the
// object already sits in the store; the upload then only registers it.
type UploadInput struct {
	MediaID      string
	Bucket       string
	Key          string
	Body         []byte
	ContentType  string
	SourceURL    string
	SourceDomain string
	Title        string
	Author       string
	PublishedAt  *time.Time
}

// Upload registers a media item: writes the object when a body is supplied,
// records the media_upload audit event, and opens the custody chain. Returns
// the media ID, minting one when the caller left it empty.
func (p *Pipeline) Upload(ctx context.Context, in UploadInput) (string, error) {
	if in.Bucket == "" || in.Key == "" {
		return "", fault.New(fault.CodeInputInvalid, "upload needs a bucket and key")
	}
	mediaID := in.MediaID
	if mediaID == "" {
		mediaID = p.newID()
	}

	var (
		info mediastore.ObjectInfo
		err  error
	)
	if in.Body != nil {
		putCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		info, err = p.deps.Objects.Put(putCtx, mediastore.PutInput{
			Bucket:      in.Bucket,
			Key:         in.Key,
			Body:        in.Body,
			ContentType: in.ContentType,
		})
		cancel()
	} else {
		headCtx, cancel := context.WithTimeout(ctx, headTimeout)
		info, err = p.deps.Objects.Head(headCtx, in.Bucket, in.Key)
		cancel()
	}
	if err != nil {
		return "", err
	}

	domain := in.SourceDomain
	if domain == "" {
		domain = domainOf(in.SourceURL)
	}

	rec := uploadRecord{
		objectRef: objectRef{
			Bucket:       in.Bucket,
			Key:          in.Key,
			ContentType:  firstNonEmpty(in.ContentType, info.ContentType),
			SourceDomain: domain,
		},
		Size:      info.Size,
		SourceURL: in.SourceURL,
	}
	if domain != "" || in.SourceURL != "" || in.Title != "" || in.Author != "" || in.PublishedAt != nil {
		rec.Claim = &sourceverify.SourceClaim{
			URL:         in.SourceURL,
			Domain:      domain,
			Title:       in.Title,
			Author:      in.Author,
			PublishedAt: in.PublishedAt,
		}
	}

	if _, err := p.putEvent(ctx, mediaID, audit.EventMediaUpload, rec); err != nil {
		return "", err
	}
	if _, err := p.recordCustody(ctx, custody.RecordInput{
		MediaID:       mediaID,
		Stage:         custody.StageUpload,
		Actor:         actorFor(custody.StageUpload),
		Action:        "uploaded",
		OutputContent: rec,
	}); err != nil {
		return "", err
	}

	p.logger.Info("media registered",
		"mediaId", mediaID,
		"bucket", in.Bucket,
		"key", in.Key,
		"size", info.Size,
	)
	return mediaID, nil
}

func domainOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// StageOutcome is one stage's result inside a full run. A 204 status marks a
// stage the runner skipped for lack of input.
type StageOutcome struct {
	Stage      custody.Stage `json:"stage"`
	StatusCode int           `json:"statusCode"`
	EventID    string        `json:"eventId,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// RunReport is what one complete per-item run produced.
type RunReport struct {
	MediaID       string                        `json:"mediaId"`
	Outcomes      []StageOutcome                `json:"outcomes"`
	Score         *trustscore.TrustScoreVersion `json:"score,omitempty"`
	ReviewID      string                        `json:"reviewId,omitempty"`
	Discrepancies *discrepancy.Report           `json:"discrepancies,omitempty"`
}

// runOrder is the stage sequence a fresh upload walks through.
var runOrder = []custody.Stage{
	custody.StageSecurityScan,
	custody.StageMetadataExtraction,
	custody.StageSourceVerification,
	custody.StageDeepfakeAnalysis,
	custody.StageTrustScore,
	custody.StageDiscrepancyCheck,
}

// Run pushes one item through every stage in order. Stage failures are
// already recorded by the handlers, so the run keeps going: later stages
// tolerate missing signal, and a partial verdict beats a dropped item. Only
// the upload itself is fatal — without it there is no chain to hang
// anything on.
func (p *Pipeline) Run(ctx context.Context, in UploadInput) (RunReport, error) {
	mediaID, err := p.Upload(ctx, in)
	if err != nil {
		return RunReport{}, err
	}
	report := RunReport{MediaID: mediaID}
	report.Outcomes = append(report.Outcomes, StageOutcome{Stage: custody.StageUpload, StatusCode: 200})

	hasClaim := in.SourceURL != "" || in.SourceDomain != ""
	for _, stage := range runOrder {
		if stage == custody.StageSourceVerification && !hasClaim {
			report.Outcomes = append(report.Outcomes, StageOutcome{Stage: stage, StatusCode: 204})
			p.logger.Info("no source claim, skipping verification", "mediaId", mediaID)
			continue
		}

		res, herr := p.Handle(ctx, Message{MediaID: mediaID, Stage: stage})
		outcome := StageOutcome{Stage: stage, StatusCode: res.StatusCode}
		if herr != nil {
			outcome.Error = herr.Error()
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		var env stageEnvelope
		if json.Unmarshal([]byte(res.Body), &env) == nil {
			outcome.EventID = env.EventID
			switch stage {
			case custody.StageTrustScore:
				var rec scoreRecord
				if len(env.Output) > 0 && json.Unmarshal(env.Output, &rec) == nil {
					report.Score = &rec.Version
					report.ReviewID = rec.ReviewID
				}
			case custody.StageDiscrepancyCheck:
				var dr discrepancy.Report
				if len(env.Output) > 0 && json.Unmarshal(env.Output, &dr) == nil {
					report.Discrepancies = &dr
				}
			}
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report, nil
}
