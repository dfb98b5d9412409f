// Command hlekkr runs the media verification service and its operator
// tooling. `hlekkr serve` starts the pipeline, review workflow and HTTP
// API; the other subcommands work a deployment's stores directly.
//
// Without HLEKKR_DATABASE_URL the process runs in lite mode: every store
// lives in an embedded SQLite database at HLEKKR_SQLITE_PATH. Setting the
// database URL moves the custody, trust score and review stores to
// Postgres; the audit and threat stores stay on SQLite, which has no
// cross-process readers.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/hlekkr/hlekkr/pkg/api"
	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/config"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/discrepancy"
	"github.com/hlekkr/hlekkr/pkg/ensemble"
	"github.com/hlekkr/hlekkr/pkg/events"
	"github.com/hlekkr/hlekkr/pkg/inference"
	"github.com/hlekkr/hlekkr/pkg/integrity"
	"github.com/hlekkr/hlekkr/pkg/kms"
	"github.com/hlekkr/hlekkr/pkg/mediameta"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
	"github.com/hlekkr/hlekkr/pkg/observability"
	"github.com/hlekkr/hlekkr/pkg/pipeline"
	"github.com/hlekkr/hlekkr/pkg/review"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
	"github.com/hlekkr/hlekkr/pkg/techniques"
	"github.com/hlekkr/hlekkr/pkg/threatintel"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// serviceMode selects how much of the stack newService wires.
type serviceMode int

const (
	// modeOnline wires the real object store and inference backend.
	modeOnline serviceMode = iota
	// modeOffline swaps in a memory object store and a static inference
	// client: sweeps and store reads never reach either.
	modeOffline
)

// service is one wired instance of the verification stack.
type service struct {
	cfg      *config.Config
	logger   *slog.Logger
	profile  *config.DeploymentProfile
	stores   *serviceStores
	recorder *custody.Recorder
	objects  mediastore.Store
	bus      events.Publisher
	pipeline *pipeline.Pipeline
	reviews  *review.Manager
	complete *review.Completer

	telemetry *observability.Provider
	closers   []func()
}

func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger, mode serviceMode) (*service, error) {
	svc := &service{cfg: cfg, logger: logger}

	svc.profile = config.DefaultProfile()
	if cfg.ProfilePath != "" {
		loaded, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		svc.profile = loaded
		logger.Info("deployment profile loaded", "path", cfg.ProfilePath, "code", svc.profile.Code)
	}

	if cfg.TelemetryEnabled && mode == modeOnline {
		obsCfg := observability.DefaultConfig()
		obsCfg.Environment = cfg.Environment
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.SampleRate = cfg.SampleRate
		obsCfg.Insecure = cfg.Environment == "development"
		provider, err := observability.New(ctx, obsCfg, logger)
		if err != nil {
			return nil, err
		}
		svc.telemetry = provider
		svc.closers = append(svc.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		})
	}

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.stores = stores
	svc.closers = append(svc.closers, stores.Close)

	manager, err := openKeyManager(cfg)
	if err != nil {
		svc.Close()
		return nil, err
	}
	prover, err := integrity.NewHMACProver(manager, "custody")
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.recorder = custody.NewRecorder(stores.custody, prover, logger)

	if mode == modeOffline {
		svc.objects = mediastore.NewMemoryStore()
	} else {
		objects, err := mediastore.NewStoreFromEnv(ctx)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.objects = objects
	}

	var lists sourceverify.ListSource
	if cfg.RedisAddr != "" && mode == modeOnline {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			svc.Close()
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		svc.bus = events.NewRedisBus(client, logger)
		lists = sourceverify.NewCachedLists(sourceverify.NewRedisLists(client))
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	} else {
		svc.bus = events.NewBus(logger)
		lists = sourceverify.NewStaticLists(svc.profile.Reputation.Trusted, svc.profile.Reputation.Suspicious)
	}

	verifier := sourceverify.NewVerifier(lists, logger).
		WithIntel(sourceverify.TLSProbe{}).
		WithCrossRef(sourceverify.StaticCrossRef{Sources: svc.profile.CrossRef.Sources})

	var client inference.Client
	if mode == modeOffline {
		client = inference.NewStaticClient()
	} else if client, err = inferenceClient(ctx, cfg); err != nil {
		svc.Close()
		return nil, err
	}

	svc.reviews = review.NewManager(stores.reviews, stores.moderators, logger)
	p, err := pipeline.New(pipeline.Deps{
		Audits:     stores.audits,
		Custody:    svc.recorder,
		Objects:    svc.objects,
		Metadata:   mediameta.NewExtractor(svc.objects, logger),
		Sources:    verifier,
		Ensemble:   ensemble.NewCoordinator(client, svc.objects, modelSet(svc.profile), logger),
		Scores:     trustscore.NewEngine(stores.scores, logger),
		Classifier: techniques.NewClassifier(techniques.BuiltinSignatures()),
		Detector:   discrepancy.NewDetector(stores.audits, svc.recorder, stores.scores, logger),
		Reviews:    svc.reviews,
		Decisions:  stores.decisions,
		Quarantine: discrepancy.NewQuarantiner(svc.objects, cfg.MediaBucket+"-quarantine"),
		Profile:    svc.profile,
		Bus:        svc.bus,
		Telemetry:  svc.telemetry,
		CustodyTTL: stores.custodyTTL,
		ThreatTTL:  stores.threats,
	}, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.pipeline = p

	processor := threatintel.NewProcessor(stores.threats, stores.threats, stores.decisions, stores.audits, logger).
		WithObjectStore(svc.objects, cfg.ReportsBucket).
		WithAlerter(events.NewThreatAlerter(svc.bus))
	svc.complete = review.NewCompleter(stores.reviews, stores.moderators, stores.decisions, stores.audits, logger).
		WithRescorer(p).
		WithThreatDispatcher(processor)

	return svc, nil
}

func serve(ctx context.Context) error {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	svc, err := newService(ctx, cfg, logger, modeOnline)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := api.NewServer(api.ServerConfig{
		Pipeline:   svc.pipeline,
		Custody:    svc.recorder,
		Audits:     svc.stores.audits,
		Scores:     svc.stores.scores,
		Reviews:    svc.reviews,
		ReviewRead: svc.stores.reviews,
		Completer:  svc.complete,
		Decisions:  svc.stores.decisions,
		Indicators: svc.stores.threats,
		Reports:    svc.stores.threats,
		JWTKey:     []byte(cfg.JWTSecret),
		Logger:     logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("HLEKKR_JWT_SECRET not set, review endpoints disabled")
	}

	limiter := api.NewGlobalRateLimiter(50, 100)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           limiter.Middleware(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runSweeps(ctx, svc.pipeline, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hlekkr listening", "addr", httpServer.Addr, "environment", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// serviceStores is the persistence set one process runs on.
type serviceStores struct {
	audits     audit.Store
	custody    custody.Store
	scores     trustscore.Store
	reviews    review.Store
	moderators review.ModeratorStore
	decisions  review.DecisionStore
	threats    *threatintel.SQLiteStore

	custodyTTL pipeline.CustodyJanitor

	dbs []*sql.DB
}

func (s *serviceStores) Close() {
	for _, db := range s.dbs {
		_ = db.Close()
	}
}

// openStores picks the persistence per config. The SQLite database always
// opens: in Postgres mode it still carries the audit and threat stores.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*serviceStores, error) {
	out := &serviceStores{}

	lite, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	out.dbs = append(out.dbs, lite)
	// SQLite serializes writers; a second connection just queues behind a
	// lock error instead of the busy handler.
	lite.SetMaxOpenConns(1)

	auditStore, err := audit.NewSQLiteStore(lite)
	if err != nil {
		return nil, err
	}
	out.audits = auditStore

	threatStore, err := threatintel.NewSQLiteStore(lite)
	if err != nil {
		return nil, err
	}
	out.threats = threatStore

	if cfg.DatabaseURL == "" {
		logger.Info("lite mode: SQLite stores", "path", cfg.SQLitePath)
		custodyStore, err := custody.NewSQLiteStore(lite)
		if err != nil {
			return nil, err
		}
		out.custody = custodyStore
		out.custodyTTL = custodyStore

		scoreStore, err := trustscore.NewSQLiteStore(lite)
		if err != nil {
			return nil, err
		}
		out.scores = scoreStore

		reviewStore, err := review.NewSQLiteStore(lite)
		if err != nil {
			return nil, err
		}
		out.reviews = reviewStore
		out.moderators = reviewStore
		out.decisions = reviewStore
		return out, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	out.dbs = append(out.dbs, db)
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	logger.Info("postgres connected")

	custodyStore := custody.NewPostgresStore(db)
	out.custody = custodyStore
	out.custodyTTL = custodyStore
	out.scores = trustscore.NewPostgresStore(db)
	reviewStore := review.NewPostgresStore(db)
	out.reviews = reviewStore
	out.moderators = reviewStore
	out.decisions = reviewStore
	return out, nil
}

func openKeyManager(cfg *config.Config) (kms.Manager, error) {
	if cfg.KMSSecret != "" {
		return kms.NewStaticManager(cfg.KMSSecret)
	}
	return kms.NewLocalKMS(cfg.KeystorePath)
}

func inferenceClient(ctx context.Context, cfg *config.Config) (inference.Client, error) {
	if cfg.InferenceEndpoint != "" {
		return inference.NewHTTPClient(cfg.InferenceEndpoint, cfg.InferenceAPIKey), nil
	}
	return inference.NewBedrockClient(ctx, cfg.BedrockRegion)
}

// modelSet applies profile overrides over the built-in registry.
func modelSet(profile *config.DeploymentProfile) ensemble.ModelSet {
	models := ensemble.DefaultModelSet()
	if profile.Models.Detailed != "" {
		models.Detailed = profile.Models.Detailed
	}
	if profile.Models.Fast != "" {
		models.Fast = profile.Models.Fast
	}
	if profile.Models.Supplementary != "" {
		models.Supplementary = profile.Models.Supplementary
	}
	return models
}

// runSweeps drives the review and retention sweeps on fixed cadences. Any
// external cron can POST /api/v1/schedule instead; both paths converge on
// HandleSchedule, whose sweeps tolerate concurrent callers.
func runSweeps(ctx context.Context, p *pipeline.Pipeline, logger *slog.Logger) {
	fast := time.NewTicker(time.Minute)
	daily := time.NewTicker(24 * time.Hour)
	defer fast.Stop()
	defer daily.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			for _, detail := range []string{
				pipeline.DetailTimeoutCheck,
				pipeline.DetailReassignmentCheck,
				pipeline.DetailEscalationCheck,
			} {
				if _, err := p.HandleSchedule(ctx, pipeline.SchedulerMessage{DetailType: detail}); err != nil {
					logger.Warn("sweep failed", "detailType", detail, "error", err)
				}
			}
		case <-daily.C:
			if _, err := p.HandleSchedule(ctx, pipeline.SchedulerMessage{DetailType: pipeline.DetailCleanup}); err != nil {
				logger.Warn("cleanup sweep failed", "error", err)
			}
		}
	}
}

func logLevel(raw string) slog.Level {
	switch strings.ToUpper(raw) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
