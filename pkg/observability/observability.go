package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // how long to wait before sending batched spans
	Enabled        bool          // enable/disable export
	Insecure       bool          // plaintext connection (dev only)
	CertFile       string        // path to client certificate
	KeyFile        string        // path to client key
	CAFile         string        // path to CA bundle
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "hlekkr",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the OpenTelemetry trace and metric providers and exposes
// the Hlekkr/ instrument facade used across the pipeline.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	slos           *SLOTracker
	slis           *SLIRegistry

	// RED instruments (Rate, Errors, Duration)
	operationCounter metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// verification domain instruments
	trustScoreHist     metric.Float64Histogram
	decisionCounter    metric.Int64Counter
	threatCounter      metric.Int64Counter
	discrepancyCounter metric.Int64Counter
}

// New creates an observability provider. When the config disables export the
// provider still works: spans and measurements become no-ops while operation
// tracking and objective bookkeeping stay live.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		config: config,
		logger: logger.With("component", "observability"),
		slos:   NewSLOTracker(),
		slis:   NewSLIRegistry(),
	}
	for _, target := range DefaultSLOTargets() {
		p.slos.SetTarget(target)
	}
	for _, sli := range DefaultSLIs() {
		if err := p.slis.Register(sli); err != nil {
			return nil, fmt.Errorf("registering default SLI: %w", err)
		}
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
			attribute.String("hlekkr.component", "verification-pipeline"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("initializing trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("initializing metric provider: %w", err)
	}

	p.tracer = otel.Tracer("hlekkr",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("hlekkr",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sampleRate", config.SampleRate,
		"insecure", config.Insecure,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		creds, err := p.transportCredentials()
		if err != nil {
			return err
		}
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		creds, err := p.transportCredentials()
		if err != nil {
			return err
		}
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

// transportCredentials builds TLS credentials for the OTLP connection. With
// no files configured the system roots apply; a CA bundle pins the collector
// and a cert/key pair enables mutual TLS.
func (p *Provider) transportCredentials() (credentials.TransportCredentials, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.config.CAFile != "" {
		pem, err := os.ReadFile(p.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", p.config.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if p.config.CertFile != "" && p.config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.CertFile, p.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.operationCounter, err = p.meter.Int64Counter("Hlekkr/Operations",
		metric.WithDescription("Verification operations processed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("Hlekkr/OperationErrors",
		metric.WithDescription("Verification operations that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	// Stage latencies range from milliseconds (scoring) to minutes
	// (ensemble analysis of long video), so the buckets stretch to 5m.
	p.durationHist, err = p.meter.Float64Histogram("Hlekkr/OperationDuration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("Hlekkr/ActiveOperations",
		metric.WithDescription("Operations currently in flight"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.trustScoreHist, err = p.meter.Float64Histogram("Hlekkr/TrustScores",
		metric.WithDescription("Composite trust score distribution"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90, 100),
	)
	if err != nil {
		return err
	}

	p.decisionCounter, err = p.meter.Int64Counter("Hlekkr/ReviewDecisions",
		metric.WithDescription("Completed human review decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.threatCounter, err = p.meter.Int64Counter("Hlekkr/ThreatReports",
		metric.WithDescription("Threat intelligence reports filed"),
		metric.WithUnit("{report}"),
	)
	if err != nil {
		return err
	}

	p.discrepancyCounter, err = p.meter.Int64Counter("Hlekkr/Discrepancies",
		metric.WithDescription("Discrepancy findings raised"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("hlekkr")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("hlekkr")
	}
	return p.meter
}

// SLOs returns the in-process objective tracker fed by TrackOperation.
func (p *Provider) SLOs() *SLOTracker {
	return p.slos
}

// SLIs returns the indicator registry for the tracked operations.
func (p *Provider) SLIs() *SLIRegistry {
	return p.slis
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordOperation counts one processed operation.
func (p *Provider) RecordOperation(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.operationCounter != nil {
		p.operationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError counts one failed operation, tagged with the fault code when
// the error carries one.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter == nil {
		return
	}
	code := string(fault.CodeOf(err))
	if code == "" {
		code = fmt.Sprintf("%T", err)
	}
	allAttrs := append(attrs, AttrErrorCode.String(code))
	p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// RecordDuration records the duration of an operation.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordTrustScore records a calculated composite score in its range bucket.
func (p *Provider) RecordTrustScore(ctx context.Context, composite float64, scoreRange string) {
	if p.trustScoreHist != nil {
		p.trustScoreHist.Record(ctx, composite, metric.WithAttributes(AttrScoreRange.String(scoreRange)))
	}
}

// RecordReviewDecision counts a completed moderator decision.
func (p *Provider) RecordReviewDecision(ctx context.Context, decisionType, threatLevel string) {
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			AttrDecisionType.String(decisionType),
			AttrThreatLevel.String(threatLevel),
		))
	}
}

// RecordThreatReport counts a filed threat report.
func (p *Provider) RecordThreatReport(ctx context.Context, threatType, severity string) {
	if p.threatCounter != nil {
		p.threatCounter.Add(ctx, 1, metric.WithAttributes(
			AttrThreatType.String(threatType),
			AttrSeverity.String(severity),
		))
	}
}

// RecordDiscrepancy counts a raised discrepancy finding.
func (p *Provider) RecordDiscrepancy(ctx context.Context, discrepancyType, severity string) {
	if p.discrepancyCounter != nil {
		p.discrepancyCounter.Add(ctx, 1, metric.WithAttributes(
			AttrType.String(discrepancyType),
			AttrSeverity.String(severity),
		))
	}
}

// TrackOperation opens a span and the RED bookkeeping for one operation.
// The returned function must be called when the operation completes; it
// closes the span, records duration and errors, and feeds the SLO tracker.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.RecordOperation(ctx, attrs...)

	return ctx, func(err error) {
		duration := time.Since(start)

		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordDuration(ctx, duration, attrs...)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.RecordError(ctx, err, attrs...)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		if p.slos != nil {
			p.slos.Record(SLOObservation{Operation: name, Latency: duration, Success: err == nil})
		}
	}
}
