// Package observability provides OpenTelemetry tracing and metrics for the
// media verification pipeline, exported over OTLP gRPC.
//
// # Provider
//
// Initialize the provider at startup:
//
//	obs, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "hlekkr",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//	}, logger)
//	defer obs.Shutdown(ctx)
//
// # Tracking operations
//
// Stage handlers wrap their work with TrackOperation, which opens a span,
// maintains the RED instruments, and feeds the SLO tracker:
//
//	ctx, finish := obs.TrackOperation(ctx, observability.OpTrustScoring,
//		observability.StageOperation(mediaID, "trust_scoring")...)
//	err := doWork(ctx)
//	finish(err)
//
// # Instruments
//
// All measurements publish under the Hlekkr/ namespace: Operations,
// OperationErrors, OperationDuration, and ActiveOperations carry the RED
// view, while TrustScores, ReviewDecisions, ThreatReports, and Discrepancies
// carry the domain view with {severity, type, decisionType, threatType}
// dimensions.
//
// # Objectives
//
// The provider tracks service level objectives in process. Compliance and
// error budget burn for any tracked operation come from SLOs():
//
//	status, err := obs.SLOs().Status(observability.OpDeepfakeAnalysis)
package observability
