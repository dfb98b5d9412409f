package api

import (
	"log/slog"
	"net/http"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/pipeline"
	"github.com/hlekkr/hlekkr/pkg/review"
	"github.com/hlekkr/hlekkr/pkg/threatintel"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

// maxRequestBody caps request payloads. Media bodies arrive base64-encoded,
// so 32 MiB of JSON covers objects past the supplementary-model threshold.
const maxRequestBody = 32 << 20

// Server wires the HTTP surface over the verification core. Pipeline,
// Custody, Audits and Scores are required; the review and threat endpoints
// return 404 when their collaborators are absent.
type Server struct {
	pipeline   *pipeline.Pipeline
	chain      *custody.Recorder
	audits     audit.Store
	exporter   *audit.Exporter
	scores     trustscore.Store
	reviews    *review.Manager
	reviewRead review.Store
	completer  *review.Completer
	decisions  review.DecisionStore
	indicators threatintel.IndicatorStore
	reports    threatintel.ReportStore
	jwtKey     []byte
	logger     *slog.Logger
}

// ServerConfig collects the server's collaborators.
type ServerConfig struct {
	Pipeline   *pipeline.Pipeline
	Custody    *custody.Recorder
	Audits     audit.Store
	Scores     trustscore.Store
	Reviews    *review.Manager
	ReviewRead review.Store
	Completer  *review.Completer
	Decisions  review.DecisionStore
	Indicators threatintel.IndicatorStore
	Reports    threatintel.ReportStore
	// JWTKey signs and validates moderator tokens. Review endpoints are
	// disabled when it is empty.
	JWTKey []byte
	Logger *slog.Logger
}

// NewServer builds the HTTP surface.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline:   cfg.Pipeline,
		chain:      cfg.Custody,
		audits:     cfg.Audits,
		scores:     cfg.Scores,
		reviews:    cfg.Reviews,
		reviewRead: cfg.ReviewRead,
		completer:  cfg.Completer,
		decisions:  cfg.Decisions,
		indicators: cfg.Indicators,
		reports:    cfg.Reports,
		jwtKey:     cfg.JWTKey,
		logger:     logger.With("component", "api"),
	}
	if cfg.Audits != nil {
		s.exporter = audit.NewExporter(cfg.Audits)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/media", s.handleUpload)
	mux.HandleFunc("POST /api/v1/queue", s.handleQueue)
	mux.HandleFunc("POST /api/v1/schedule", s.handleSchedule)

	mux.HandleFunc("GET /api/v1/media/{id}/custody", s.handleCustodyChain)
	mux.HandleFunc("GET /api/v1/media/{id}/custody/verify", s.handleCustodyVerify)
	mux.HandleFunc("GET /api/v1/media/{id}/provenance", s.handleProvenance)
	mux.HandleFunc("GET /api/v1/media/{id}/audit", s.handleAuditTrail)
	mux.HandleFunc("GET /api/v1/media/{id}/audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /api/v1/media/{id}/score", s.handleScoreLatest)
	mux.HandleFunc("GET /api/v1/media/{id}/score/history", s.handleScoreHistory)

	mux.HandleFunc("GET /api/v1/scores", s.handleScoreQuery)
	mux.HandleFunc("GET /api/v1/scores/stats", s.handleScoreStats)

	if len(s.jwtKey) > 0 && s.reviews != nil {
		moderated := http.NewServeMux()
		moderated.HandleFunc("GET /api/v1/reviews/{id}", s.handleReviewGet)
		moderated.HandleFunc("POST /api/v1/reviews/{id}/assign", s.handleReviewAssign)
		moderated.HandleFunc("POST /api/v1/reviews/{id}/start", s.handleReviewStart)
		moderated.HandleFunc("POST /api/v1/reviews/{id}/escalate", s.handleReviewEscalate)
		moderated.HandleFunc("POST /api/v1/reviews/{id}/complete", s.handleReviewComplete)
		mux.Handle("/api/v1/reviews/", RequireModerator(s.jwtKey, moderated))
	}

	mux.HandleFunc("GET /api/v1/threats/indicators", s.handleThreatIndicators)
	mux.HandleFunc("GET /api/v1/threats/reports", s.handleThreatReports)
	mux.HandleFunc("GET /api/v1/threats/reports/{id}", s.handleThreatReport)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
