package discrepancy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/mediameta"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
)

// Check thresholds. The trust floor and variance cap line up with the score
// engine's critical bucket and variance-smoothing gate so both layers flag
// the same media.
const (
	reputationFloor      = 30.0
	metadataDriftWindow  = 24 * time.Hour
	trustCriticalFloor   = 20.0
	componentVarianceCap = 1000.0
	reputationGapCap     = 30.0
	totalDurationCap     = time.Hour
	stageGapCap          = 30 * time.Minute
	domainUploadsPerHour = 10
	trustReputationDelta = 50.0
	failedStepsCap       = 3
)

// exifTimeLayout is the ASCII timestamp layout EXIF embeds.
const exifTimeLayout = "2006:01:02 15:04:05"

// pipelineOrder lists the mandatory stages in processing order. A chain that
// reached stage N without recording an earlier mandatory stage is missing
// that stage, not merely unfinished.
var pipelineOrder = []custody.Stage{
	custody.StageUpload,
	custody.StageSecurityScan,
	custody.StageMetadataExtraction,
	custody.StageSourceVerification,
	custody.StageDeepfakeAnalysis,
	custody.StageTrustScore,
}

// hashMandatoryStages must record an output hash: they own the object bytes.
var hashMandatoryStages = map[custody.Stage]bool{
	custody.StageUpload:       true,
	custody.StageSecurityScan: true,
}

// inspectOnlyStages may read the object but never alter it.
var inspectOnlyStages = map[custody.Stage]bool{
	custody.StageSecurityScan:       true,
	custody.StageSourceVerification: true,
}

func finding(t Type, s Severity, confidence float64, description string, evidence map[string]any, components ...string) Discrepancy {
	return Discrepancy{
		Type:               t,
		Severity:           s,
		Confidence:         confidence,
		Description:        description,
		Evidence:           evidence,
		AffectedComponents: components,
		RecommendedActions: recommendedActions(t, s),
	}
}

func checkSourceInconsistency(t *target) []Discrepancy {
	sv := t.source
	if sv == nil {
		return nil
	}

	var out []Discrepancy
	switch sv.Status {
	case sourceverify.StatusSuspicious, sourceverify.StatusLikelyFake:
		out = append(out, finding(TypeSourceInconsistency, SeverityHigh, 0.9,
			fmt.Sprintf("source verification rated domain %s as %s", sv.Domain, sv.Status),
			map[string]any{
				"status":         string(sv.Status),
				"compositeScore": sv.CompositeScore,
				"domain":         sv.Domain,
			},
			"source_verification"))
	}

	if sv.Reputation != nil && sv.Reputation.Score < reputationFloor {
		out = append(out, finding(TypeSourceInconsistency, SeverityMedium, 0.7,
			fmt.Sprintf("domain %s reputation %.0f is below %.0f", sv.Domain, sv.Reputation.Score, reputationFloor),
			map[string]any{
				"domain":          sv.Domain,
				"reputationScore": sv.Reputation.Score,
				"listed":          sv.Reputation.Listed,
			},
			"source_verification"))
	}

	if sv.Claim.Title == "" && sv.Claim.Author == "" {
		missing := []string{"title", "author"}
		if sv.Claim.PublishedAt == nil {
			missing = append(missing, "publishedAt")
		}
		out = append(out, finding(TypeSourceInconsistency, SeverityMedium, 0.6,
			"source claim carries a locator but no attribution fields",
			map[string]any{"missingFields": missing},
			"source_verification"))
	}
	return out
}

func checkMetadataMismatch(t *target) []Discrepancy {
	md := t.meta
	if md == nil {
		return nil
	}

	var out []Discrepancy
	if t.source != nil && t.source.Claim.PublishedAt != nil {
		if created, ok := extractedCreationTime(md); ok {
			drift := created.Sub(*t.source.Claim.PublishedAt)
			if drift < 0 {
				drift = -drift
			}
			if drift > metadataDriftWindow {
				out = append(out, finding(TypeMetadataMismatch, SeverityMedium, 0.8,
					fmt.Sprintf("claimed publication and extracted creation differ by %.1f hours", drift.Hours()),
					map[string]any{
						"claimedPublishedAt": t.source.Claim.PublishedAt.UTC().Format(time.RFC3339),
						"extractedCreation":  created.UTC().Format(time.RFC3339),
						"driftHours":         drift.Hours(),
					},
					"metadata_extraction", "source_verification"))
			}
		}
	}

	if t.upload != nil {
		if declared, got, ok := declaredFormatDisagrees(t.upload.ContentType, md); ok {
			out = append(out, finding(TypeMetadataMismatch, SeverityLow, 0.9,
				fmt.Sprintf("upload declared %s but the header parse found %s", declared, got),
				map[string]any{
					"declaredContentType": t.upload.ContentType,
					"parsedFormat":        got,
				},
				"metadata_extraction"))
		}
	}
	return out
}

// formatAliases maps content-type subtypes onto the parser's format names.
var formatAliases = map[string]string{
	"jpg":       "jpeg",
	"x-wav":     "wav",
	"wave":      "wav",
	"mpeg":      "mp3",
	"quicktime": "mp4",
}

// declaredFormatDisagrees compares the upload's declared content type against
// the format the header parse actually recovered. Only definite declarations
// count; generic types like application/octet-stream never disagree.
func declaredFormatDisagrees(contentType string, md *mediameta.Metadata) (declared, got string, mismatch bool) {
	class, subtype, ok := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), "/")
	if !ok || subtype == "" {
		return "", "", false
	}
	if alias, aliased := formatAliases[subtype]; aliased {
		subtype = alias
	}

	switch {
	case class == "image" && md.Image != nil && md.Image.Format != "":
		got = md.Image.Format
	case class == "audio" && md.Audio != nil && md.Audio.Format != "":
		got = md.Audio.Format
	case class == "video" && md.Video != nil && md.Video.Container != "":
		got = md.Video.Container
	default:
		return "", "", false
	}
	if subtype == got {
		return "", "", false
	}
	return contentType, got, true
}

// extractedCreationTime recovers the capture timestamp the extractor found,
// currently the EXIF DateTimeOriginal of images.
func extractedCreationTime(md *mediameta.Metadata) (time.Time, bool) {
	if md.Image == nil || md.Image.DateTimeOriginal == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(exifTimeLayout, md.Image.DateTimeOriginal)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func checkChainIntegrity(t *target) []Discrepancy {
	if len(t.chain) == 0 {
		if len(t.events) == 0 {
			return nil
		}
		return []Discrepancy{finding(TypeChainIntegrityViolation, SeverityHigh, 0.9,
			fmt.Sprintf("no custody chain recorded despite %d audit events", len(t.events)),
			map[string]any{"auditEvents": len(t.events)},
			"chain_of_custody")}
	}

	var out []Discrepancy
	present := map[custody.Stage]bool{}
	for _, e := range t.chain {
		present[e.Stage] = true
	}
	furthest := -1
	for i, stage := range pipelineOrder {
		if present[stage] {
			furthest = i
		}
	}
	var missing []string
	for i := 0; i < furthest; i++ {
		if !present[pipelineOrder[i]] {
			missing = append(missing, string(pipelineOrder[i]))
		}
	}
	if len(missing) > 0 {
		out = append(out, finding(TypeChainIntegrityViolation, SeverityHigh, 0.85,
			fmt.Sprintf("custody chain reached %s without recording %s", pipelineOrder[furthest], strings.Join(missing, ", ")),
			map[string]any{
				"missingStages":  missing,
				"furthestStage":  string(pipelineOrder[furthest]),
				"recordedEvents": len(t.chain),
			},
			"chain_of_custody"))
	}

	if t.chainStatus != nil {
		switch t.chainStatus.Status {
		case custody.ChainBroken, custody.ChainCompromised:
			out = append(out, finding(TypeChainIntegrityViolation, SeverityHigh, 0.95,
				fmt.Sprintf("custody chain verification returned %s", t.chainStatus.Status),
				map[string]any{
					"status":        string(t.chainStatus.Status),
					"validEvents":   t.chainStatus.ValidEvents,
					"totalEvents":   t.chainStatus.TotalEvents,
					"invalidEvents": t.chainStatus.InvalidEvents,
					"brokenLinks":   t.chainStatus.BrokenLinks,
				},
				"chain_of_custody"))
		}
	}
	return out
}

func checkContentHashes(t *target) []Discrepancy {
	var out []Discrepancy
	lastOutput := ""
	lastStage := custody.Stage("")
	for _, e := range t.chain {
		if e.InputHash != "" && lastOutput != "" && e.InputHash != lastOutput {
			out = append(out, finding(TypeContentHashMismatch, SeverityCritical, 0.95,
				fmt.Sprintf("stage %s consumed a different object than %s produced", e.Stage, lastStage),
				map[string]any{
					"expectedHash": lastOutput,
					"actualHash":   e.InputHash,
					"producedBy":   string(lastStage),
					"consumedBy":   string(e.Stage),
				},
				string(lastStage), string(e.Stage)))
		}

		if inspectOnlyStages[e.Stage] {
			modified := e.Transformation != "" ||
				(e.InputHash != "" && e.OutputHash != "" && e.InputHash != e.OutputHash)
			if modified {
				out = append(out, finding(TypeContentHashMismatch, SeverityHigh, 0.9,
					fmt.Sprintf("stage %s modified content it should only inspect", e.Stage),
					map[string]any{
						"stage":          string(e.Stage),
						"inputHash":      e.InputHash,
						"outputHash":     e.OutputHash,
						"transformation": e.Transformation,
					},
					string(e.Stage)))
			}
		}

		if hashMandatoryStages[e.Stage] && e.OutputHash == "" {
			out = append(out, finding(TypeContentHashMismatch, SeverityMedium, 0.8,
				fmt.Sprintf("stage %s recorded no output hash", e.Stage),
				map[string]any{"stage": string(e.Stage), "eventId": e.EventID},
				string(e.Stage)))
		}

		if e.OutputHash != "" {
			lastOutput = e.OutputHash
			lastStage = e.Stage
		}
	}
	return out
}

func checkTemporalOrder(t *target) []Discrepancy {
	var inversions []map[string]any
	for i := 1; i < len(t.chain); i++ {
		prev, cur := t.chain[i-1], t.chain[i]
		if cur.Timestamp.Before(prev.Timestamp) {
			inversions = append(inversions, map[string]any{
				"position":          i,
				"stage":             string(cur.Stage),
				"timestamp":         cur.Timestamp.UTC().Format(time.RFC3339Nano),
				"previousStage":     string(prev.Stage),
				"previousTimestamp": prev.Timestamp.UTC().Format(time.RFC3339Nano),
			})
		}
	}
	if len(inversions) == 0 {
		return nil
	}
	return []Discrepancy{finding(TypeTemporalInconsistency, SeverityMedium, 0.85,
		fmt.Sprintf("%d custody events are timestamped before their predecessors", len(inversions)),
		map[string]any{"inversions": inversions},
		"chain_of_custody")}
}

func checkTrustAnomaly(t *target) []Discrepancy {
	score := t.score
	if score == nil {
		return nil
	}

	var out []Discrepancy
	if score.CompositeScore < trustCriticalFloor {
		out = append(out, finding(TypeTrustScoreAnomaly, SeverityCritical, 0.9,
			fmt.Sprintf("composite trust score %.1f is below the critical threshold %.0f", score.CompositeScore, trustCriticalFloor),
			map[string]any{
				"compositeScore": score.CompositeScore,
				"scoreVersion":   score.Version,
			},
			"trust_score_calculation"))
	}

	components := []float64{
		score.Breakdown.Deepfake,
		score.Breakdown.SourceReliability,
		score.Breakdown.MetadataConsistency,
		score.Breakdown.TechnicalIntegrity,
		score.Breakdown.HistoricalPattern,
	}
	if v := variance(components); v > componentVarianceCap {
		out = append(out, finding(TypeTrustScoreAnomaly, SeverityMedium, 0.7,
			fmt.Sprintf("trust score components disagree strongly (variance %.0f)", v),
			map[string]any{
				"variance":     v,
				"breakdown":    score.Breakdown,
				"scoreVersion": score.Version,
			},
			"trust_score_calculation"))
	}

	if t.source != nil && t.source.Reputation != nil {
		gap := math.Abs(t.source.Reputation.Score - score.Breakdown.SourceReliability)
		if gap > reputationGapCap {
			out = append(out, finding(TypeTrustScoreAnomaly, SeverityMedium, 0.7,
				fmt.Sprintf("domain reputation %.0f and source reliability %.0f diverge by %.0f", t.source.Reputation.Score, score.Breakdown.SourceReliability, gap),
				map[string]any{
					"domainReputation":  t.source.Reputation.Score,
					"sourceReliability": score.Breakdown.SourceReliability,
					"gap":               gap,
				},
				"trust_score_calculation", "source_verification"))
		}
	}
	return out
}

func checkProcessingAnomaly(t *target) []Discrepancy {
	if len(t.chain) < 2 {
		return nil
	}

	var out []Discrepancy
	total := t.chain[len(t.chain)-1].Timestamp.Sub(t.chain[0].Timestamp)
	if total > totalDurationCap {
		out = append(out, finding(TypeProcessingAnomaly, SeverityLow, 0.8,
			fmt.Sprintf("pipeline took %.1f hours end to end", total.Hours()),
			map[string]any{"totalMinutes": total.Minutes(), "stages": len(t.chain)},
			"pipeline"))
	}

	var gaps []map[string]any
	for i := 1; i < len(t.chain); i++ {
		gap := t.chain[i].Timestamp.Sub(t.chain[i-1].Timestamp)
		if gap > stageGapCap {
			gaps = append(gaps, map[string]any{
				"afterStage":  string(t.chain[i-1].Stage),
				"beforeStage": string(t.chain[i].Stage),
				"gapMinutes":  gap.Minutes(),
			})
		}
	}
	if len(gaps) > 0 {
		out = append(out, finding(TypeProcessingAnomaly, SeverityMedium, 0.8,
			fmt.Sprintf("%d inter-stage gaps exceed %.0f minutes", len(gaps), stageGapCap.Minutes()),
			map[string]any{"gaps": gaps},
			"pipeline"))
	}
	return out
}

func checkSuspiciousPattern(t *target) []Discrepancy {
	var out []Discrepancy

	if t.upload != nil && t.upload.SourceDomain != "" && t.domainUploads > domainUploadsPerHour {
		out = append(out, finding(TypeSuspiciousPattern, SeverityMedium, 0.75,
			fmt.Sprintf("domain %s uploaded %d items within one hour", t.upload.SourceDomain, t.domainUploads),
			map[string]any{
				"sourceDomain": t.upload.SourceDomain,
				"uploads":      t.domainUploads,
				"threshold":    domainUploadsPerHour,
			},
			"media_upload"))
	}

	if t.score != nil && t.source != nil && t.source.Reputation != nil {
		delta := t.score.CompositeScore - t.source.Reputation.Score
		if delta > trustReputationDelta {
			out = append(out, finding(TypeSuspiciousPattern, SeverityHigh, 0.8,
				fmt.Sprintf("trust score %.0f despite domain reputation %.0f", t.score.CompositeScore, t.source.Reputation.Score),
				map[string]any{
					"compositeScore":   t.score.CompositeScore,
					"domainReputation": t.source.Reputation.Score,
					"delta":            delta,
				},
				"trust_score_calculation", "source_verification"))
		}
	}

	if failed := countFailedSteps(t.events); failed >= failedStepsCap {
		out = append(out, finding(TypeSuspiciousPattern, SeverityMedium, 0.7,
			fmt.Sprintf("%d processing steps reported failures", failed),
			map[string]any{"failedSteps": failed},
			"pipeline"))
	}
	return out
}

// failureMarkers is the slice of a stage payload that signals failure.
type failureMarkers struct {
	Failed           bool   `json:"failed"`
	ExtractionFailed bool   `json:"extractionFailed"`
	AnalysisFailed   bool   `json:"analysisFailed"`
	Error            string `json:"error"`
}

// countFailedSteps counts audit events whose payloads carry failure markers.
// The detector's own findings are excluded so re-scans stay convergent.
func countFailedSteps(events []audit.Event) int {
	n := 0
	for _, e := range events {
		if e.EventType == audit.EventDiscrepancyDetected {
			continue
		}
		var m failureMarkers
		if e.DecodePayload(&m) != nil {
			continue
		}
		if m.Failed || m.ExtractionFailed || m.AnalysisFailed || m.Error != "" {
			n++
		}
	}
	return n
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}
