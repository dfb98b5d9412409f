package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Hlekkr semantic convention attributes.
var (
	// Media attributes
	AttrMediaID   = attribute.Key("hlekkr.media.id")
	AttrMediaType = attribute.Key("hlekkr.media.type")
	AttrStage     = attribute.Key("hlekkr.pipeline.stage")

	// Shared dimensions
	AttrSeverity  = attribute.Key("hlekkr.severity")
	AttrType      = attribute.Key("hlekkr.type")
	AttrErrorCode = attribute.Key("hlekkr.error.code")

	// Analysis attributes
	AttrEngine       = attribute.Key("hlekkr.ensemble.engine")
	AttrTechnique    = attribute.Key("hlekkr.technique")
	AttrScoreRange   = attribute.Key("hlekkr.score.range")
	AttrSourceDomain = attribute.Key("hlekkr.source.domain")

	// Review attributes
	AttrReviewID     = attribute.Key("hlekkr.review.id")
	AttrModeratorID  = attribute.Key("hlekkr.review.moderator_id")
	AttrDecisionType = attribute.Key("hlekkr.review.decision_type")
	AttrThreatLevel  = attribute.Key("hlekkr.review.threat_level")

	// Threat intelligence attributes
	AttrReportID   = attribute.Key("hlekkr.threat.report_id")
	AttrThreatType = attribute.Key("hlekkr.threat.type")
)

// StageOperation creates attributes for a pipeline stage handler.
func StageOperation(mediaID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMediaID.String(mediaID),
		AttrStage.String(stage),
	}
}

// AnalysisOperation creates attributes for one detection engine pass.
func AnalysisOperation(mediaID, engine, technique string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMediaID.String(mediaID),
		AttrEngine.String(engine),
		AttrTechnique.String(technique),
	}
}

// ScoringOperation creates attributes for a trust score calculation.
func ScoringOperation(mediaID, scoreRange string, composite float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMediaID.String(mediaID),
		AttrScoreRange.String(scoreRange),
		attribute.Float64("hlekkr.score.composite", composite),
	}
}

// ReviewOperation creates attributes for review lifecycle operations.
func ReviewOperation(reviewID, mediaID, decisionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrReviewID.String(reviewID),
		AttrMediaID.String(mediaID),
		AttrDecisionType.String(decisionType),
	}
}

// ThreatOperation creates attributes for threat intelligence processing.
func ThreatOperation(reportID, threatType, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrReportID.String(reportID),
		AttrThreatType.String(threatType),
		AttrSeverity.String(severity),
	}
}

// DiscrepancyOperation creates attributes for a discrepancy finding.
func DiscrepancyOperation(mediaID, discrepancyType, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMediaID.String(mediaID),
		AttrType.String(discrepancyType),
		AttrSeverity.String(severity),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span and marks its status.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
