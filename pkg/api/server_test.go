package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/config"
	"github.com/hlekkr/hlekkr/pkg/custody"
	"github.com/hlekkr/hlekkr/pkg/discrepancy"
	"github.com/hlekkr/hlekkr/pkg/ensemble"
	"github.com/hlekkr/hlekkr/pkg/inference"
	"github.com/hlekkr/hlekkr/pkg/integrity"
	"github.com/hlekkr/hlekkr/pkg/kms"
	"github.com/hlekkr/hlekkr/pkg/mediameta"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
	"github.com/hlekkr/hlekkr/pkg/pipeline"
	"github.com/hlekkr/hlekkr/pkg/review"
	"github.com/hlekkr/hlekkr/pkg/sourceverify"
	"github.com/hlekkr/hlekkr/pkg/techniques"
	"github.com/hlekkr/hlekkr/pkg/threatintel"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

var testJWTKey = []byte("api-test-signing-key")

// testServer holds the server and every backing store the tests assert on.
type testServer struct {
	handler http.Handler
	reviews *review.MemoryStore
	manager *review.Manager
	threats *threatintel.MemoryStore
	scores  trustscore.Store
	chain   *custody.Recorder
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	manager, err := kms.NewStaticManager("api-test-secret")
	require.NoError(t, err)
	prover, err := integrity.NewHMACProver(manager, "custody")
	require.NoError(t, err)

	audits := audit.NewMemoryStore()
	custodyStore := custody.NewMemoryStore()
	chain := custody.NewRecorder(custodyStore, prover, nil)
	objects := mediastore.NewMemoryStore()
	scores := trustscore.NewMemoryStore()
	reviews := review.NewMemoryStore()
	threats := threatintel.NewMemoryStore()

	models := ensemble.DefaultModelSet()
	vote := map[string]any{
		"confidence": 0.2,
		"techniques": []string{},
		"certainty":  "high",
	}
	client := inference.NewStaticClient().
		RespondJSON(models.Detailed, vote).
		RespondJSON(models.Fast, vote).
		RespondJSON(models.Supplementary, vote)

	lists := sourceverify.NewStaticLists(
		map[string][]string{"reuters.com": {"news"}},
		[]string{"fakeleaks.example"},
	)

	reviewMgr := review.NewManager(reviews, reviews, nil)
	p, err := pipeline.New(pipeline.Deps{
		Audits:     audits,
		Custody:    chain,
		Objects:    objects,
		Metadata:   mediameta.NewExtractor(objects, nil),
		Sources:    sourceverify.NewVerifier(lists, nil),
		Ensemble:   ensemble.NewCoordinator(client, objects, models, nil),
		Scores:     trustscore.NewEngine(scores, nil),
		Classifier: techniques.NewClassifier(techniques.BuiltinSignatures()),
		Detector:   discrepancy.NewDetector(audits, chain, scores, nil),
		Reviews:    reviewMgr,
		Decisions:  reviews,
		Quarantine: discrepancy.NewQuarantiner(objects, "quarantine"),
		Profile:    config.DefaultProfile(),
	}, nil)
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.WithClock(func() time.Time { return now })

	srv := NewServer(ServerConfig{
		Pipeline:   p,
		Custody:    chain,
		Audits:     audits,
		Scores:     scores,
		Reviews:    reviewMgr,
		ReviewRead: reviews,
		Completer:  review.NewCompleter(reviews, reviews, reviews, audits, nil),
		Decisions:  reviews,
		Indicators: threats,
		Reports:    threats,
		JWTKey:     testJWTKey,
	})

	return &testServer{
		handler: srv.Handler(),
		reviews: reviews,
		manager: reviewMgr,
		threats: threats,
		scores:  scores,
		chain:   chain,
		now:     now,
	}
}

func (ts *testServer) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// jpegBytes is a minimal JPEG: SOI, APP0/JFIF, SOF0 with 8x8 dimensions.
func jpegBytes() []byte {
	b := []byte{
		0xFF, 0xD8,
		0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
		0xFF, 0xC0, 0x00, 0x11, 0x08, 0x00, 0x08, 0x00, 0x08, 0x03, 0x01, 0x22, 0x00, 0x02, 0x11, 0x01, 0x03, 0x11, 0x01,
	}
	return append(b, make([]byte, 256)...)
}

func uploadBody(process bool) map[string]any {
	return map[string]any{
		"bucket":       "media",
		"key":          "items/sample.jpg",
		"body":         base64.StdEncoding.EncodeToString(jpegBytes()),
		"contentType":  "image/jpeg",
		"sourceDomain": "reuters.com",
		"process":      process,
	}
}

func moderatorToken(t *testing.T, moderatorID string, role review.Role) string {
	t.Helper()
	token, err := review.SignModeratorToken(testJWTKey, moderatorID, role, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUploadRegistersAndAccepts(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/media", uploadBody(false), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["mediaId"])

	// Registration alone produces just the upload custody event.
	chain, err := ts.chain.Chain(t.Context(), resp["mediaId"])
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, custody.StageUpload, chain[0].Stage)
}

func TestUploadProcessReturnsRunReport(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/media", uploadBody(true), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report pipeline.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.NotEmpty(t, report.MediaID)
	require.NotEmpty(t, report.Outcomes)
	for _, outcome := range report.Outcomes {
		assert.Equal(t, http.StatusOK, outcome.StatusCode, "stage %s", outcome.Stage)
	}
	require.NotNil(t, report.Score)

	// The score is also queryable through the read endpoints.
	rec = ts.do(t, http.MethodGet, "/api/v1/media/"+report.MediaID+"/score", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/media/"+report.MediaID+"/custody/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verification custody.ChainVerification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verification))
	assert.Equal(t, custody.ChainValid, verification.Status)
}

func TestUploadRejectsBadBase64(t *testing.T) {
	ts := newTestServer(t)
	body := uploadBody(false)
	body["body"] = "not base64!!!"
	rec := ts.do(t, http.MethodPost, "/api/v1/media", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestQueueDispatchForwardsResultEnvelope(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/media", uploadBody(false), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = ts.do(t, http.MethodPost, "/api/v1/queue", pipeline.Message{
		MediaID: resp["mediaId"],
		Stage:   custody.StageSecurityScan,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, resp["mediaId"], envelope["mediaId"])
}

func TestQueueDispatchUnknownMediaIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/queue", pipeline.Message{
		MediaID: "missing",
		Stage:   custody.StageSecurityScan,
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleRunsSweep(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/schedule", pipeline.SchedulerMessage{
		DetailType: pipeline.DetailTimeoutCheck,
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCustodyChainUnknownMediaIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/media/missing/custody", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Not Found", problem.Title)
	assert.Equal(t, http.StatusNotFound, problem.Status)
}

func TestScoreLatestUnknownMediaIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/media/missing/score", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScoreQueryRejectsBadWindow(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/scores?from=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditExportBundlesEvidence(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/media", uploadBody(true), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report pipeline.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))

	rec = ts.do(t, http.MethodGet, "/api/v1/media/"+report.MediaID+"/audit/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Pack-Checksum"))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestReviewEndpointsRequireToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/reviews/r-1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/reviews/r-1", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReviewLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := t.Context()

	require.NoError(t, ts.reviews.PutModerator(ctx, review.Moderator{
		ModeratorID: "mod-1",
		Role:        review.RoleSenior,
		Status:      review.ModeratorActive,
	}))
	item, err := ts.manager.Create(ctx, review.CreateInput{
		MediaID:      "media-1",
		Reason:       "borderline composite",
		AIScore:      45,
		AIConfidence: 0.6,
	})
	require.NoError(t, err)

	auth := map[string]string{"Authorization": "Bearer " + moderatorToken(t, "mod-1", review.RoleSenior)}

	rec := ts.do(t, http.MethodPost, "/api/v1/reviews/"+item.ReviewID+"/assign", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var assigned review.ReviewItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assigned))
	assert.Equal(t, "mod-1", assigned.AssignedModerator)

	rec = ts.do(t, http.MethodPost, "/api/v1/reviews/"+item.ReviewID+"/start", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/reviews/"+item.ReviewID+"/complete", map[string]any{
		"decisionType":         "confirm",
		"confidenceLevel":      "high",
		"justification":        "clear blending artifacts around the jawline",
		"trustScoreAdjustment": -20,
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	var result review.CompletionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, review.DecisionConfirm, result.Decision.DecisionType)
	assert.Equal(t, "mod-1", result.Decision.ModeratorID)

	rec = ts.do(t, http.MethodGet, "/api/v1/reviews/"+item.ReviewID, nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var finished review.ReviewItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &finished))
	assert.Equal(t, review.StatusCompleted, finished.Status)
}

func TestReviewCompleteModeratorComesFromToken(t *testing.T) {
	ts := newTestServer(t)
	ctx := t.Context()

	require.NoError(t, ts.reviews.PutModerator(ctx, review.Moderator{
		ModeratorID: "mod-1",
		Role:        review.RoleSenior,
		Status:      review.ModeratorActive,
	}))
	item, err := ts.manager.Create(ctx, review.CreateInput{MediaID: "media-1", AIScore: 45})
	require.NoError(t, err)
	_, err = ts.manager.Assign(ctx, item.ReviewID)
	require.NoError(t, err)
	_, err = ts.manager.Start(ctx, item.ReviewID, "mod-1")
	require.NoError(t, err)

	// A different moderator's token cannot complete mod-1's review, no
	// matter what the body claims.
	auth := map[string]string{"Authorization": "Bearer " + moderatorToken(t, "mod-2", review.RoleSenior)}
	rec := ts.do(t, http.MethodPost, "/api/v1/reviews/"+item.ReviewID+"/complete", map[string]any{
		"decisionType":         "confirm",
		"confidenceLevel":      "high",
		"moderatorId":          "mod-1",
		"justification":        "attempting to complete someone else's review",
		"trustScoreAdjustment": 0,
	}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreatReportLookup(t *testing.T) {
	ts := newTestServer(t)
	ctx := t.Context()

	rec := ts.do(t, http.MethodGet, "/api/v1/threats/reports/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, ts.threats.PutReport(ctx, threatintel.Report{
		ReportID:   "rep-1",
		ThreatType: threatintel.ThreatDeepfakeConfirmed,
		Severity:   threatintel.SeverityHigh,
		Status:     threatintel.ReportActive,
		CreatedAt:  ts.now,
	}))

	rec = ts.do(t, http.MethodGet, "/api/v1/threats/reports/rep-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report threatintel.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, threatintel.ThreatDeepfakeConfirmed, report.ThreatType)

	rec = ts.do(t, http.MethodGet, "/api/v1/threats/reports?type=deepfake_confirmed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Reports []threatintel.Report `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Reports, 1)
}

func TestThreatIndicatorListing(t *testing.T) {
	ts := newTestServer(t)
	ctx := t.Context()

	_, err := ts.threats.UpsertIndicator(ctx, threatintel.Indicator{
		Type:       threatintel.IndicatorMaliciousDomain,
		Value:      "fakeleaks.example",
		Confidence: 0.9,
		FirstSeen:  ts.now,
		LastSeen:   ts.now,
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/threats/indicators?type=malicious_domain", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Indicators []threatintel.Indicator `json:"indicators"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Indicators, 1)
	assert.Equal(t, "fakeleaks.example", listing.Indicators[0].Value)
}
